// Package coordinator fans every intake task out to the four specialty topics.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"

	"reviewline/internal/broker"
	"reviewline/internal/codec"
	"reviewline/internal/domain"
	"reviewline/internal/topics"
)

type Router struct {
	Out    broker.Appender
	Logger *slog.Logger
}

func New(out broker.Appender, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Out: out, Logger: logger}
}

// Process appends the intake payload, unmodified plus task_type and
// parent_msg_id, to every specialty topic in routing order. A failed
// append aborts the fan-out; the intake entry stays pending and the whole
// fan-out is repeated on redelivery, so earlier specialties may see duplicates.
func (r *Router) Process(ctx context.Context, msg broker.Message) error {
	task, err := codec.DecodeTask(msg.Fields)
	if err != nil {
		return fmt.Errorf("decode task %s: %w", msg.ID, err)
	}
	for i, sp := range domain.Specialties {
		topic := topics.Review(sp)
		if _, err := r.Out.Append(ctx, topic, codec.RouteFields(msg.Fields, sp, msg.ID)); err != nil {
			return fmt.Errorf("route %s/%s to %s after %d of %d: %w",
				task.DocID, task.ChunkID, topic, i, len(domain.Specialties), err)
		}
	}
	r.Logger.Debug("task fanned out", "doc_id", task.DocID, "chunk_id", task.ChunkID, "entry_id", msg.ID)
	return nil
}
