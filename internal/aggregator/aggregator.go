// Package aggregator republishes every specialist finding on the summary topic.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"reviewline/internal/broker"
	"reviewline/internal/codec"
	"reviewline/internal/topics"
)

// Aggregator wraps findings one to one; it keeps no per-document state.
type Aggregator struct {
	Out    broker.Appender
	Logger *slog.Logger
	Now    func() time.Time
}

func New(out broker.Appender, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{Out: out, Logger: logger, Now: time.Now}
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Aggregator) Process(ctx context.Context, msg broker.Message) error {
	f, err := codec.DecodeFinding(msg.Fields)
	if err != nil {
		return fmt.Errorf("decode finding %s from %s: %w", msg.ID, msg.Topic, err)
	}
	env, err := codec.NewEnvelope(f, msg.Topic, a.now().UTC())
	if err != nil {
		return err
	}
	if _, err := a.Out.Append(ctx, topics.Summary, codec.EncodeEnvelope(env)); err != nil {
		return fmt.Errorf("publish summary for %s: %w", msg.ID, err)
	}
	a.Logger.Debug("finding summarised", "doc_id", f.DocID, "chunk_id", f.ChunkID, "topic", msg.Topic)
	return nil
}
