// Package store implements the broker contract on a SQLite database so the
// whole pipeline can run durably from a single workspace directory, shared by
// any number of role processes.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"reviewline/internal/broker"
	"reviewline/internal/events"
)

const defaultPollInterval = 100 * time.Millisecond

type Store struct {
	DB     *sql.DB
	Events events.Writer
	Now    func() time.Time
	// PollInterval bounds how long a blocked reader can miss an append made
	// by another process.
	PollInterval time.Duration
	ActorID      string

	mu     sync.Mutex
	notify chan struct{}
	closed bool
}

var _ broker.Broker = (*Store)(nil)

func New(db *sql.DB) *Store {
	return &Store{
		DB:           db,
		Events:       events.Writer{},
		Now:          time.Now,
		PollInterval: defaultPollInterval,
		ActorID:      "reviewline",
		notify:       make(chan struct{}),
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) poll() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return defaultPollInterval
}

// waitCh returns a channel closed on the next append in this process.
func (s *Store) waitCh() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify == nil {
		s.notify = make(chan struct{})
	}
	return s.notify
}

func (s *Store) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.notify != nil {
		close(s.notify)
	}
	s.notify = make(chan struct{})
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
	return s.DB.Close()
}

func (s *Store) Append(ctx context.Context, topic string, fields map[string]string) (string, error) {
	if topic == "" {
		return "", errors.New("topic is required")
	}
	if s.isClosed() {
		return "", broker.ErrClosed
	}
	if fields == nil {
		fields = map[string]string{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal fields: %w", err)
	}
	ms := s.now().UnixMilli()
	res, err := s.DB.ExecContext(ctx, `INSERT INTO entries(topic,created_ms,fields_json) VALUES (?,?,?)`, topic, ms, string(data))
	if err != nil {
		return "", wrapErr("append", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", err
	}
	s.signal()
	return broker.FormatID(ms, seq), nil
}

// EnsureGroup creates the group at the start of the topic. An existing group
// is left untouched, including its cursor.
func (s *Store) EnsureGroup(ctx context.Context, topic, group string) error {
	if topic == "" || group == "" {
		return errors.New("topic and group are required")
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("ensure group", err)
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO consumer_groups(topic,name,last_delivered_seq,created_at) VALUES (?,?,0,?)
ON CONFLICT(topic,name) DO NOTHING`, topic, group, s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return wrapErr("ensure group", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		if err := s.Events.Append(ctx, tx, "group.created", topic, group, "", s.ActorID, nil); err != nil {
			return err
		}
	}
	return wrapErr("ensure group", tx.Commit())
}

func (s *Store) ReadGroup(ctx context.Context, args broker.ReadGroupArgs) ([]broker.Message, error) {
	if args.Group == "" || args.Consumer == "" {
		return nil, errors.New("group and consumer are required")
	}
	if len(args.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}
	if args.Start != "" && args.Start != broker.NewEntries {
		after, err := broker.ParseSeq(args.Start)
		if err != nil {
			return nil, err
		}
		return s.readHistory(ctx, args, after)
	}
	return s.blockUntil(ctx, args.Block, func() ([]broker.Message, error) {
		return s.claimNew(ctx, args)
	})
}

// blockUntil retries fetch until it yields entries, the block elapses or ctx ends.
func (s *Store) blockUntil(ctx context.Context, block time.Duration, fetch func() ([]broker.Message, error)) ([]broker.Message, error) {
	deadline := time.Now().Add(block)
	for {
		if s.isClosed() {
			return nil, broker.ErrClosed
		}
		ch := s.waitCh()
		msgs, err := fetch()
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		remaining := time.Until(deadline)
		if block <= 0 || remaining <= 0 {
			return nil, nil
		}
		wait := s.poll()
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-ch:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (s *Store) claimNew(ctx context.Context, args broker.ReadGroupArgs) ([]broker.Message, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("read group", err)
	}
	defer tx.Rollback()
	nowMS := s.now().UnixMilli()
	var out []broker.Message
	for _, topic := range args.Topics {
		last, err := groupCursor(ctx, tx, topic, args.Group)
		if err != nil {
			return nil, err
		}
		rows, err := tx.QueryContext(ctx, `SELECT seq,created_ms,fields_json,1 FROM entries WHERE topic=? AND seq>? ORDER BY seq LIMIT ?`,
			topic, last, limit(args.Count))
		if err != nil {
			return nil, wrapErr("read group", err)
		}
		msgs, seqs, err := collect(rows, topic)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			continue
		}
		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO pending_entries(topic,group_name,seq,consumer,delivered_ms,delivery_count) VALUES (?,?,?,?,?,1)`,
				topic, args.Group, seq, args.Consumer, nowMS); err != nil {
				return nil, wrapErr("read group", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE consumer_groups SET last_delivered_seq=? WHERE topic=? AND name=?`,
			seqs[len(seqs)-1], topic, args.Group); err != nil {
			return nil, wrapErr("read group", err)
		}
		out = append(out, msgs...)
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("read group", err)
	}
	return out, nil
}

func (s *Store) readHistory(ctx context.Context, args broker.ReadGroupArgs, after int64) ([]broker.Message, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("read pending", err)
	}
	defer tx.Rollback()
	nowMS := s.now().UnixMilli()
	var out []broker.Message
	for _, topic := range args.Topics {
		if _, err := groupCursor(ctx, tx, topic, args.Group); err != nil {
			return nil, err
		}
		rows, err := tx.QueryContext(ctx, `SELECT p.seq,e.created_ms,e.fields_json,p.delivery_count+1 FROM pending_entries p
JOIN entries e ON e.seq=p.seq
WHERE p.topic=? AND p.group_name=? AND p.consumer=? AND p.seq>? ORDER BY p.seq LIMIT ?`,
			topic, args.Group, args.Consumer, after, limit(args.Count))
		if err != nil {
			return nil, wrapErr("read pending", err)
		}
		msgs, seqs, err := collect(rows, topic)
		if err != nil {
			return nil, err
		}
		for _, seq := range seqs {
			if _, err := tx.ExecContext(ctx, `UPDATE pending_entries SET delivered_ms=?, delivery_count=delivery_count+1 WHERE topic=? AND group_name=? AND seq=?`,
				nowMS, topic, args.Group, seq); err != nil {
				return nil, wrapErr("read pending", err)
			}
		}
		out = append(out, msgs...)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("read pending", err)
	}
	return out, nil
}

func (s *Store) Ack(ctx context.Context, topic, group string, ids ...string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, wrapErr("ack", err)
	}
	defer tx.Rollback()
	var acked int64
	for _, id := range ids {
		seq, err := broker.ParseSeq(id)
		if err != nil {
			return 0, err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM pending_entries WHERE topic=? AND group_name=? AND seq=?`, topic, group, seq)
		if err != nil {
			return 0, wrapErr("ack", err)
		}
		n, _ := res.RowsAffected()
		acked += n
	}
	if err := tx.Commit(); err != nil {
		return 0, wrapErr("ack", err)
	}
	return acked, nil
}

func (s *Store) Pending(ctx context.Context, args broker.PendingArgs) ([]broker.PendingEntry, error) {
	query := `SELECT p.seq,e.created_ms,p.consumer,p.delivered_ms,p.delivery_count FROM pending_entries p
JOIN entries e ON e.seq=p.seq WHERE p.topic=? AND p.group_name=?`
	qargs := []any{args.Topic, args.Group}
	if args.Consumer != "" {
		query += ` AND p.consumer=?`
		qargs = append(qargs, args.Consumer)
	}
	query += ` ORDER BY p.seq LIMIT ?`
	qargs = append(qargs, limit(args.Count))
	rows, err := s.DB.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, wrapErr("pending", err)
	}
	defer rows.Close()
	nowMS := s.now().UnixMilli()
	var res []broker.PendingEntry
	for rows.Next() {
		var seq, createdMS, deliveredMS, count int64
		var consumer string
		if err := rows.Scan(&seq, &createdMS, &consumer, &deliveredMS, &count); err != nil {
			return nil, err
		}
		res = append(res, broker.PendingEntry{
			ID:         broker.FormatID(createdMS, seq),
			Consumer:   consumer,
			Idle:       idle(nowMS, deliveredMS),
			Deliveries: count,
		})
	}
	return res, rows.Err()
}

// Claim transfers entries idle for at least MinIdle to the claiming consumer.
func (s *Store) Claim(ctx context.Context, args broker.ClaimArgs) ([]broker.Message, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapErr("claim", err)
	}
	defer tx.Rollback()
	nowMS := s.now().UnixMilli()
	cutoff := nowMS - args.MinIdle.Milliseconds()
	rows, err := tx.QueryContext(ctx, `SELECT p.seq,e.created_ms,e.fields_json,p.delivery_count+1,p.consumer FROM pending_entries p
JOIN entries e ON e.seq=p.seq
WHERE p.topic=? AND p.group_name=? AND p.delivered_ms<=? ORDER BY p.seq LIMIT ?`,
		args.Topic, args.Group, cutoff, limit(args.Count))
	if err != nil {
		return nil, wrapErr("claim", err)
	}
	type claimed struct {
		msg  broker.Message
		seq  int64
		from string
	}
	var items []claimed
	for rows.Next() {
		var c claimed
		var createdMS int64
		var raw string
		if err := rows.Scan(&c.seq, &createdMS, &raw, &c.msg.Deliveries, &c.from); err != nil {
			rows.Close()
			return nil, err
		}
		fields, err := decodeFields(raw)
		if err != nil {
			rows.Close()
			return nil, err
		}
		c.msg.ID = broker.FormatID(createdMS, c.seq)
		c.msg.Topic = args.Topic
		c.msg.Fields = fields
		items = append(items, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(items) == 0 {
		return nil, nil
	}
	out := make([]broker.Message, 0, len(items))
	for _, c := range items {
		if _, err := tx.ExecContext(ctx, `UPDATE pending_entries SET consumer=?, delivered_ms=?, delivery_count=delivery_count+1 WHERE topic=? AND group_name=? AND seq=?`,
			args.Consumer, nowMS, args.Topic, args.Group, c.seq); err != nil {
			return nil, wrapErr("claim", err)
		}
		if err := s.Events.Append(ctx, tx, "entry.reclaimed", args.Topic, args.Group, c.msg.ID, args.Consumer, events.EventPayload{
			"from":       c.from,
			"deliveries": c.msg.Deliveries,
		}); err != nil {
			return nil, err
		}
		out = append(out, c.msg)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapErr("claim", err)
	}
	return out, nil
}

// Read tails topics without a group. Offsets of "$" are resolved once, at call time.
func (s *Store) Read(ctx context.Context, args broker.ReadArgs) ([]broker.Message, error) {
	type cursor struct {
		topic string
		after int64
	}
	cursors := make([]cursor, 0, len(args.Offsets))
	for _, off := range args.Offsets {
		c := cursor{topic: off.Topic}
		if off.After == broker.Now {
			if err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM entries WHERE topic=?`, off.Topic).Scan(&c.after); err != nil {
				return nil, wrapErr("read", err)
			}
		} else {
			after, err := broker.ParseSeq(off.After)
			if err != nil {
				return nil, err
			}
			c.after = after
		}
		cursors = append(cursors, c)
	}
	return s.blockUntil(ctx, args.Block, func() ([]broker.Message, error) {
		var out []broker.Message
		for _, c := range cursors {
			rows, err := s.DB.QueryContext(ctx, `SELECT seq,created_ms,fields_json,0 FROM entries WHERE topic=? AND seq>? ORDER BY seq LIMIT ?`,
				c.topic, c.after, limit(args.Count))
			if err != nil {
				return nil, wrapErr("read", err)
			}
			msgs, _, err := collect(rows, c.topic)
			if err != nil {
				return nil, err
			}
			out = append(out, msgs...)
		}
		return out, nil
	})
}

func (s *Store) LastID(ctx context.Context, topic string) (string, error) {
	var seq, ms int64
	err := s.DB.QueryRowContext(ctx, `SELECT seq,created_ms FROM entries WHERE topic=? ORDER BY seq DESC LIMIT 1`, topic).Scan(&seq, &ms)
	if err == sql.ErrNoRows {
		return broker.Origin, nil
	}
	if err != nil {
		return "", wrapErr("last id", err)
	}
	return broker.FormatID(ms, seq), nil
}

// Latest returns up to n entries of topic, newest first.
func (s *Store) Latest(ctx context.Context, topic string, n int) ([]broker.Message, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT seq,created_ms,fields_json,0 FROM entries WHERE topic=? ORDER BY seq DESC LIMIT ?`, topic, limit(n))
	if err != nil {
		return nil, wrapErr("latest", err)
	}
	msgs, _, err := collect(rows, topic)
	return msgs, err
}

func (s *Store) Len(ctx context.Context, topic string) (int64, error) {
	var n int64
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM entries WHERE topic=?`, topic).Scan(&n); err != nil {
		return 0, wrapErr("len", err)
	}
	return n, nil
}

func (s *Store) GroupInfo(ctx context.Context, topic, group string) (broker.GroupInfo, error) {
	info := broker.GroupInfo{Name: group, LastDeliveredID: broker.Origin}
	var last int64
	err := s.DB.QueryRowContext(ctx, `SELECT last_delivered_seq FROM consumer_groups WHERE topic=? AND name=?`, topic, group).Scan(&last)
	if err == sql.ErrNoRows {
		return info, fmt.Errorf("%w: %s on %s", broker.ErrNoGroup, group, topic)
	}
	if err != nil {
		return info, wrapErr("group info", err)
	}
	if last > 0 {
		var ms int64
		if err := s.DB.QueryRowContext(ctx, `SELECT created_ms FROM entries WHERE seq=?`, last).Scan(&ms); err != nil {
			return info, wrapErr("group info", err)
		}
		info.LastDeliveredID = broker.FormatID(ms, last)
	}
	if err := s.DB.QueryRowContext(ctx, `SELECT count(*) FROM pending_entries WHERE topic=? AND group_name=?`, topic, group).Scan(&info.Pending); err != nil {
		return info, wrapErr("group info", err)
	}
	return info, nil
}

// Topics lists every topic that has entries or a consumer group.
func (s *Store) Topics(ctx context.Context) ([]broker.TopicInfo, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT e.topic,c.n,e.seq,e.created_ms FROM entries e
JOIN (SELECT topic, count(*) AS n, MAX(seq) AS m FROM entries GROUP BY topic) c ON c.topic=e.topic AND c.m=e.seq`)
	if err != nil {
		return nil, wrapErr("topics", err)
	}
	byName := map[string]broker.TopicInfo{}
	for rows.Next() {
		var ti broker.TopicInfo
		var seq, ms int64
		if err := rows.Scan(&ti.Name, &ti.Length, &seq, &ms); err != nil {
			rows.Close()
			return nil, err
		}
		ti.LastID = broker.FormatID(ms, seq)
		byName[ti.Name] = ti
	}
	rows.Close()
	groupRows, err := s.DB.QueryContext(ctx, `SELECT DISTINCT topic FROM consumer_groups`)
	if err != nil {
		return nil, wrapErr("topics", err)
	}
	for groupRows.Next() {
		var name string
		if err := groupRows.Scan(&name); err != nil {
			groupRows.Close()
			return nil, err
		}
		if _, ok := byName[name]; !ok {
			byName[name] = broker.TopicInfo{Name: name, LastID: broker.Origin}
		}
	}
	groupRows.Close()
	res := make([]broker.TopicInfo, 0, len(byName))
	for _, ti := range byName {
		res = append(res, ti)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Name < res[j].Name })
	return res, nil
}

func groupCursor(ctx context.Context, tx *sql.Tx, topic, group string) (int64, error) {
	var last int64
	err := tx.QueryRowContext(ctx, `SELECT last_delivered_seq FROM consumer_groups WHERE topic=? AND name=?`, topic, group).Scan(&last)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %s on %s", broker.ErrNoGroup, group, topic)
	}
	if err != nil {
		return 0, wrapErr("read group", err)
	}
	return last, nil
}

// collect drains rows of (seq, created_ms, fields_json, deliveries) and closes them.
func collect(rows *sql.Rows, topic string) ([]broker.Message, []int64, error) {
	defer rows.Close()
	var msgs []broker.Message
	var seqs []int64
	for rows.Next() {
		var seq, ms, deliveries int64
		var raw string
		if err := rows.Scan(&seq, &ms, &raw, &deliveries); err != nil {
			return nil, nil, err
		}
		fields, err := decodeFields(raw)
		if err != nil {
			return nil, nil, err
		}
		msgs = append(msgs, broker.Message{
			ID:         broker.FormatID(ms, seq),
			Topic:      topic,
			Fields:     fields,
			Deliveries: deliveries,
		})
		seqs = append(seqs, seq)
	}
	return msgs, seqs, rows.Err()
}

func decodeFields(raw string) (map[string]string, error) {
	fields := map[string]string{}
	if raw == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return nil, fmt.Errorf("decode entry fields: %w", err)
	}
	return fields, nil
}

// limit maps "no limit" to sqlite's LIMIT -1.
func limit(n int) int {
	if n <= 0 {
		return -1
	}
	return n
}

func idle(nowMS, deliveredMS int64) time.Duration {
	d := nowMS - deliveredMS
	if d < 0 {
		d = 0
	}
	return time.Duration(d) * time.Millisecond
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	wrapped := fmt.Errorf("%s: %w", op, err)
	if broker.IsTransient(err) {
		return broker.Transient(wrapped)
	}
	return wrapped
}
