// Package agent owns the claim/process/acknowledge loop shared by every
// pipeline role. Roles only supply a Handler.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"reviewline/internal/broker"
)

// Handler processes one claimed entry. Returning nil acknowledges it; any
// error leaves it pending for redelivery.
type Handler interface {
	Process(ctx context.Context, msg broker.Message) error
}

type HandlerFunc func(ctx context.Context, msg broker.Message) error

func (f HandlerFunc) Process(ctx context.Context, msg broker.Message) error { return f(ctx, msg) }

type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// ReclaimPolicy governs entries left pending by failed or dead consumers.
// A zero MinIdle disables reclaiming.
type ReclaimPolicy struct {
	MinIdle time.Duration
	// MaxDeliveries caps redelivery; 0 means unlimited.
	MaxDeliveries   int64
	DeadLetterTopic string
}

type Config struct {
	Topics   []string
	Group    string
	Consumer string
	// BatchSize is K, the per-topic claim limit.
	BatchSize int
	// Block is T_block, the longest a claim waits for new entries.
	Block   time.Duration
	Backoff Backoff
	Reclaim ReclaimPolicy
}

func (c Config) validate() error {
	if len(c.Topics) == 0 {
		return errors.New("agent: at least one topic is required")
	}
	if c.Group == "" || c.Consumer == "" {
		return errors.New("agent: group and consumer are required")
	}
	if c.Reclaim.MaxDeliveries > 0 && c.Reclaim.DeadLetterTopic == "" {
		return errors.New("agent: dead-letter topic required when max deliveries is set")
	}
	return nil
}

// Stats are cumulative counters for one runtime.
type Stats struct {
	Claimed      int64 `json:"claimed"`
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	Acked        int64 `json:"acked"`
	Reclaimed    int64 `json:"reclaimed"`
	DeadLettered int64 `json:"dead_lettered"`
	BrokerErrors int64 `json:"broker_errors"`
}

type Runtime struct {
	broker  broker.GroupReader
	handler Handler
	cfg     Config
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) bool

	stopped atomic.Bool

	claimed, processed, failed, acked, reclaimed, deadLettered, brokerErrors atomic.Int64
}

func New(b broker.GroupReader, h Handler, cfg Config, logger *slog.Logger) (*Runtime, error) {
	if b == nil || h == nil {
		return nil, errors.New("agent: broker and handler are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if cfg.Backoff.Initial <= 0 {
		cfg.Backoff.Initial = time.Second
	}
	if cfg.Backoff.Max < cfg.Backoff.Initial {
		cfg.Backoff.Max = 30 * time.Second
		if cfg.Backoff.Max < cfg.Backoff.Initial {
			cfg.Backoff.Max = cfg.Backoff.Initial
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runtime{
		broker:  b,
		handler: h,
		cfg:     cfg,
		logger:  logger.With("group", cfg.Group, "consumer", cfg.Consumer),
		sleep:   sleepCtx,
	}, nil
}

func (r *Runtime) Config() Config { return r.cfg }

// Stop asks the loop to exit after the current iteration. In-flight handlers finish.
func (r *Runtime) Stop() { r.stopped.Store(true) }

func (r *Runtime) running(ctx context.Context) bool {
	return !r.stopped.Load() && ctx.Err() == nil
}

func (r *Runtime) Stats() Stats {
	return Stats{
		Claimed:      r.claimed.Load(),
		Processed:    r.processed.Load(),
		Failed:       r.failed.Load(),
		Acked:        r.acked.Load(),
		Reclaimed:    r.reclaimed.Load(),
		DeadLettered: r.deadLettered.Load(),
		BrokerErrors: r.brokerErrors.Load(),
	}
}

// Setup idempotently creates the consumer group on every topic.
func (r *Runtime) Setup(ctx context.Context) error {
	for _, topic := range r.cfg.Topics {
		if err := r.broker.EnsureGroup(ctx, topic, r.cfg.Group); err != nil {
			return fmt.Errorf("ensure group %s on %s: %w", r.cfg.Group, topic, err)
		}
	}
	return nil
}

// Run sets up groups, replays this consumer's own pending entries, then
// claims new work until Stop or ctx cancellation. Only setup failures are
// returned; everything after that is logged and retried.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Setup(ctx); err != nil {
		return err
	}
	r.logger.Info("agent started", "topics", r.cfg.Topics)
	r.recoverPending(ctx)

	delay := r.cfg.Backoff.Initial
	for r.running(ctx) {
		msgs, err := r.broker.ReadGroup(ctx, broker.ReadGroupArgs{
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			Topics:   r.cfg.Topics,
			Start:    broker.NewEntries,
			Count:    r.cfg.BatchSize,
			Block:    r.cfg.Block,
		})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			r.brokerErrors.Add(1)
			if errors.Is(err, broker.ErrNoGroup) {
				// the topic was dropped underneath us; recreate and carry on
				r.logger.Warn("consumer group missing, recreating", "err", err)
				if serr := r.Setup(ctx); serr != nil {
					r.logger.Error("recreate group failed", "err", serr)
				}
			} else {
				r.logger.Error("claim failed, backing off", "err", err, "transient", broker.IsTransient(err), "delay", delay)
			}
			if !r.sleep(ctx, delay) {
				break
			}
			delay *= 2
			if delay > r.cfg.Backoff.Max {
				delay = r.cfg.Backoff.Max
			}
			continue
		}
		delay = r.cfg.Backoff.Initial
		if len(msgs) == 0 {
			r.reclaim(ctx)
			continue
		}
		r.claimed.Add(int64(len(msgs)))
		r.handleBatch(ctx, msgs)
	}
	r.logger.Info("agent stopped", "stats", r.Stats())
	return nil
}

// recoverPending replays entries this consumer claimed before a restart,
// one topic at a time so the cursor always follows that topic's log order.
func (r *Runtime) recoverPending(ctx context.Context) {
	for _, topic := range r.cfg.Topics {
		cursor := "0"
		for r.running(ctx) {
			msgs, err := r.broker.ReadGroup(ctx, broker.ReadGroupArgs{
				Group:    r.cfg.Group,
				Consumer: r.cfg.Consumer,
				Topics:   []string{topic},
				Start:    cursor,
				Count:    r.cfg.BatchSize,
			})
			if err != nil {
				r.brokerErrors.Add(1)
				r.logger.Warn("pending recovery failed", "topic", topic, "err", err)
				break
			}
			if len(msgs) == 0 {
				break
			}
			r.logger.Info("recovering pending entries", "topic", topic, "count", len(msgs))
			r.handleBatch(ctx, msgs)
			cursor = msgs[len(msgs)-1].ID
		}
	}
}

func (r *Runtime) reclaim(ctx context.Context) {
	p := r.cfg.Reclaim
	if p.MinIdle <= 0 {
		return
	}
	for _, topic := range r.cfg.Topics {
		if !r.running(ctx) {
			return
		}
		msgs, err := r.broker.Claim(ctx, broker.ClaimArgs{
			Topic:    topic,
			Group:    r.cfg.Group,
			Consumer: r.cfg.Consumer,
			MinIdle:  p.MinIdle,
			Count:    r.cfg.BatchSize,
		})
		if err != nil {
			r.brokerErrors.Add(1)
			r.logger.Warn("reclaim failed", "topic", topic, "err", err)
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		r.reclaimed.Add(int64(len(msgs)))
		var retry []broker.Message
		for _, msg := range msgs {
			if p.MaxDeliveries > 0 && msg.Deliveries > p.MaxDeliveries {
				r.deadLetter(ctx, msg)
				continue
			}
			retry = append(retry, msg)
		}
		r.handleBatch(ctx, retry)
	}
}

func (r *Runtime) deadLetter(ctx context.Context, msg broker.Message) {
	fields := make(map[string]string, len(msg.Fields)+5)
	for k, v := range msg.Fields {
		fields[k] = v
	}
	fields["dl_source_topic"] = msg.Topic
	fields["dl_entry_id"] = msg.ID
	fields["dl_group"] = r.cfg.Group
	fields["dl_consumer"] = r.cfg.Consumer
	fields["dl_deliveries"] = strconv.FormatInt(msg.Deliveries, 10)
	log := r.logger.With("topic", msg.Topic, "entry_id", msg.ID)
	if _, err := r.broker.Append(ctx, r.cfg.Reclaim.DeadLetterTopic, fields); err != nil {
		log.Error("dead-letter append failed", "err", err)
		return
	}
	if _, err := r.broker.Ack(ctx, msg.Topic, r.cfg.Group, msg.ID); err != nil {
		log.Error("ack after dead-letter failed", "err", err)
		return
	}
	r.deadLettered.Add(1)
	log.Warn("entry dead-lettered", "deliveries", msg.Deliveries, "dead_letter_topic", r.cfg.Reclaim.DeadLetterTopic)
}

// handleBatch processes each entry independently; one failure never stops the
// rest. Once the runtime is stopping, entries not yet started stay pending for
// startup recovery.
func (r *Runtime) handleBatch(ctx context.Context, msgs []broker.Message) {
	// the in-flight handler runs to completion even when the loop is being cancelled
	hctx := context.WithoutCancel(ctx)
	for i, msg := range msgs {
		if !r.running(ctx) {
			r.logger.Info("stopping with unprocessed entries left pending", "count", len(msgs)-i)
			return
		}
		r.handle(hctx, msg)
	}
}

func (r *Runtime) handle(ctx context.Context, msg broker.Message) {
	log := r.logger.With("topic", msg.Topic, "entry_id", msg.ID)
	if err := r.safeProcess(ctx, msg); err != nil {
		r.failed.Add(1)
		log.Error("processing failed, leaving entry pending", "err", err, "deliveries", msg.Deliveries)
		return
	}
	r.processed.Add(1)
	if _, err := r.broker.Ack(ctx, msg.Topic, r.cfg.Group, msg.ID); err != nil {
		r.brokerErrors.Add(1)
		log.Error("ack failed", "err", err)
		return
	}
	r.acked.Add(1)
	log.Debug("entry acknowledged")
}

func (r *Runtime) safeProcess(ctx context.Context, msg broker.Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return r.handler.Process(ctx, msg)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
