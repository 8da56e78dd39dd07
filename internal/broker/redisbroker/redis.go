// Package redisbroker implements broker.Broker on Redis Streams.
package redisbroker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"reviewline/internal/broker"
)

var _ broker.Broker = (*Broker)(nil)

type Broker struct {
	Client *redis.Client
}

type Options struct {
	Addr     string
	Password string
	DB       int
}

// Dial connects and pings so an unreachable server fails at startup.
func Dial(ctx context.Context, opts Options) (*Broker, error) {
	client := redis.NewClient(&redis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, broker.Transient(err))
	}
	return &Broker{Client: client}, nil
}

func New(client *redis.Client) *Broker {
	return &Broker{Client: client}
}

func (b *Broker) Close() error {
	return b.Client.Close()
}

func (b *Broker) Append(ctx context.Context, topic string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := b.Client.XAdd(ctx, &redis.XAddArgs{Stream: topic, Values: values}).Result()
	if err != nil {
		return "", wrapErr("append", err)
	}
	return id, nil
}

// EnsureGroup creates group at the start of topic, creating the topic too.
func (b *Broker) EnsureGroup(ctx context.Context, topic, group string) error {
	err := b.Client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return wrapErr("ensure group", err)
	}
	return nil
}

func (b *Broker) ReadGroup(ctx context.Context, args broker.ReadGroupArgs) ([]broker.Message, error) {
	if args.Group == "" || args.Consumer == "" {
		return nil, errors.New("group and consumer are required")
	}
	if len(args.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	start := args.Start
	if start == "" {
		start = broker.NewEntries
	}
	streams := make([]string, 0, 2*len(args.Topics))
	streams = append(streams, args.Topics...)
	for range args.Topics {
		streams = append(streams, start)
	}
	block := blockArg(args.Block)
	if start != broker.NewEntries {
		block = -1
	}
	res, err := b.Client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    args.Group,
		Consumer: args.Consumer,
		Streams:  streams,
		Count:    int64(args.Count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("read group", err)
	}
	var deliveries int64
	if start == broker.NewEntries {
		deliveries = 1
	}
	return flatten(res, deliveries), nil
}

func (b *Broker) Ack(ctx context.Context, topic, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := b.Client.XAck(ctx, topic, group, ids...).Result()
	if err != nil {
		return 0, wrapErr("ack", err)
	}
	return n, nil
}

func (b *Broker) Pending(ctx context.Context, args broker.PendingArgs) ([]broker.PendingEntry, error) {
	count := int64(args.Count)
	if count <= 0 {
		count = 1000
	}
	res, err := b.Client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   args.Topic,
		Group:    args.Group,
		Start:    "-",
		End:      "+",
		Count:    count,
		Consumer: args.Consumer,
	}).Result()
	if err != nil {
		return nil, wrapErr("pending", err)
	}
	out := make([]broker.PendingEntry, 0, len(res))
	for _, p := range res {
		out = append(out, broker.PendingEntry{ID: p.ID, Consumer: p.Consumer, Idle: p.Idle, Deliveries: p.RetryCount})
	}
	return out, nil
}

// Claim moves entries idle for at least MinIdle to Consumer. XCLAIM bumps the
// delivery counter, so the returned count is the pending count plus one.
func (b *Broker) Claim(ctx context.Context, args broker.ClaimArgs) ([]broker.Message, error) {
	pending, err := b.Pending(ctx, broker.PendingArgs{Topic: args.Topic, Group: args.Group, Count: args.Count})
	if err != nil {
		return nil, err
	}
	var ids []string
	deliveries := map[string]int64{}
	for _, p := range pending {
		if p.Idle < args.MinIdle {
			continue
		}
		ids = append(ids, p.ID)
		deliveries[p.ID] = p.Deliveries + 1
	}
	if len(ids) == 0 {
		return nil, nil
	}
	claimed, err := b.Client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   args.Topic,
		Group:    args.Group,
		Consumer: args.Consumer,
		MinIdle:  args.MinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, wrapErr("claim", err)
	}
	out := make([]broker.Message, 0, len(claimed))
	for _, m := range claimed {
		if m.Values == nil {
			// trimmed from the stream while pending
			continue
		}
		msg := toMessage(args.Topic, m, deliveries[m.ID])
		out = append(out, msg)
	}
	return out, nil
}

func (b *Broker) Read(ctx context.Context, args broker.ReadArgs) ([]broker.Message, error) {
	if len(args.Offsets) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, 2*len(args.Offsets))
	for _, off := range args.Offsets {
		streams = append(streams, off.Topic)
	}
	for _, off := range args.Offsets {
		after := off.After
		if after == "" {
			after = broker.Origin
		}
		streams = append(streams, after)
	}
	block := blockArg(args.Block)
	res, err := b.Client.XRead(ctx, &redis.XReadArgs{Streams: streams, Count: int64(args.Count), Block: block}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("read", err)
	}
	return flatten(res, 0), nil
}

// blockArg maps a wait to the go-redis Block argument. go-redis sends whole
// milliseconds and treats 0 as "block forever", so non-positive waits become
// -1 (no BLOCK) and positive sub-millisecond waits round up to 1ms.
func blockArg(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}

func (b *Broker) LastID(ctx context.Context, topic string) (string, error) {
	msgs, err := b.Client.XRevRangeN(ctx, topic, "+", "-", 1).Result()
	if err != nil {
		return "", wrapErr("last id", err)
	}
	if len(msgs) == 0 {
		return broker.Origin, nil
	}
	return msgs[0].ID, nil
}

func (b *Broker) Latest(ctx context.Context, topic string, n int) ([]broker.Message, error) {
	if n <= 0 {
		n = 100
	}
	msgs, err := b.Client.XRevRangeN(ctx, topic, "+", "-", int64(n)).Result()
	if err != nil {
		return nil, wrapErr("latest", err)
	}
	out := make([]broker.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessage(topic, m, 0))
	}
	return out, nil
}

func (b *Broker) Len(ctx context.Context, topic string) (int64, error) {
	n, err := b.Client.XLen(ctx, topic).Result()
	if err != nil {
		return 0, wrapErr("len", err)
	}
	return n, nil
}

func (b *Broker) GroupInfo(ctx context.Context, topic, group string) (broker.GroupInfo, error) {
	groups, err := b.Client.XInfoGroups(ctx, topic).Result()
	if err != nil {
		return broker.GroupInfo{}, wrapErr("group info", err)
	}
	for _, g := range groups {
		if g.Name == group {
			return broker.GroupInfo{Name: g.Name, LastDeliveredID: g.LastDeliveredID, Pending: g.Pending}, nil
		}
	}
	return broker.GroupInfo{}, fmt.Errorf("%w: %s on %s", broker.ErrNoGroup, group, topic)
}

// Topics lists every stream key, sorted by name.
func (b *Broker) Topics(ctx context.Context) ([]broker.TopicInfo, error) {
	var names []string
	var cursor uint64
	for {
		keys, next, err := b.Client.ScanType(ctx, cursor, "*", 100, "stream").Result()
		if err != nil {
			return nil, wrapErr("topics", err)
		}
		names = append(names, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(names)
	out := make([]broker.TopicInfo, 0, len(names))
	for _, name := range names {
		n, err := b.Len(ctx, name)
		if err != nil {
			return nil, err
		}
		last, err := b.LastID(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, broker.TopicInfo{Name: name, Length: n, LastID: last})
	}
	return out, nil
}

func flatten(streams []redis.XStream, deliveries int64) []broker.Message {
	var out []broker.Message
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toMessage(s.Stream, m, deliveries))
		}
	}
	return out
}

func toMessage(topic string, m redis.XMessage, deliveries int64) broker.Message {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		switch val := v.(type) {
		case string:
			fields[k] = val
		default:
			fields[k] = fmt.Sprint(val)
		}
	}
	return broker.Message{ID: m.ID, Topic: topic, Fields: fields, Deliveries: deliveries}
}

func wrapErr(op string, err error) error {
	msg := err.Error()
	switch {
	case strings.HasPrefix(msg, "NOGROUP"):
		return fmt.Errorf("%s: %w: %s", op, broker.ErrNoGroup, msg)
	case errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%s: %w", op, broker.ErrClosed)
	case broker.IsTransient(err):
		return fmt.Errorf("%s: %w", op, broker.Transient(err))
	}
	return fmt.Errorf("%s: %w", op, err)
}
