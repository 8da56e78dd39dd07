// Package viz tails pipeline topics from "now" and turns entries into a live
// event feed. It only reads; the broker stays the source of truth.
package viz

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"reviewline/internal/broker"
	"reviewline/internal/topics"
)

const (
	CoordinatorJob   = "coordinator_job"
	SpecialistJob    = "specialist_job"
	SpecialistResult = "specialist_result"
	AggregatorResult = "aggregator_result"
	DeadLetter       = "dead_letter"
	Unknown          = "unknown"
)

type Event struct {
	Type    string            `json:"type"`
	Stream  string            `json:"stream"`
	ID      string            `json:"id"`
	Content map[string]string `json:"content"`
}

// Classify names the pipeline stage a topic feeds.
func Classify(topic string) string {
	switch {
	case topic == topics.Tasks:
		return CoordinatorJob
	case slices.Contains(topics.AllReview(), topic):
		return SpecialistJob
	case slices.Contains(topics.AllSuggestions(), topic):
		return SpecialistResult
	case topic == topics.Summary:
		return AggregatorResult
	case topic == topics.DeadLetter:
		return DeadLetter
	default:
		return Unknown
	}
}

// DefaultTopics is every pipeline topic plus the dead-letter topic.
func DefaultTopics() []string {
	return append(topics.All(), topics.DeadLetter)
}

type Tailer struct {
	Broker broker.Tailer
	Topics []string
	Block  time.Duration
	Count  int
	// RetryDelay is the pause after a failed read.
	RetryDelay time.Duration
	Logger     *slog.Logger

	cursors map[string]string
}

func New(b broker.Tailer, topicList []string, logger *slog.Logger) *Tailer {
	if len(topicList) == 0 {
		topicList = DefaultTopics()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{Broker: b, Topics: topicList, Block: 5 * time.Second, Count: 10, RetryDelay: time.Second, Logger: logger}
}

// Init positions every cursor at the current end of its topic. Entries
// appended afterwards are delivered by Run; history never is.
func (t *Tailer) Init(ctx context.Context) error {
	cursors := make(map[string]string, len(t.Topics))
	for _, topic := range t.Topics {
		id, err := t.Broker.LastID(ctx, topic)
		if err != nil {
			return fmt.Errorf("position tail on %s: %w", topic, err)
		}
		cursors[topic] = id
	}
	t.cursors = cursors
	return nil
}

// Run emits events until ctx ends or emit fails. idle, when set, is called
// after every read that returned nothing and is used for heartbeats.
func (t *Tailer) Run(ctx context.Context, emit func(Event) error, idle func() error) error {
	if t.cursors == nil {
		if err := t.Init(ctx); err != nil {
			return err
		}
	}
	for ctx.Err() == nil {
		offsets := make([]broker.Offset, 0, len(t.Topics))
		for _, topic := range t.Topics {
			offsets = append(offsets, broker.Offset{Topic: topic, After: t.cursors[topic]})
		}
		msgs, err := t.Broker.Read(ctx, broker.ReadArgs{Offsets: offsets, Count: t.Count, Block: t.Block})
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			t.Logger.Warn("tail read failed", "err", err)
			select {
			case <-ctx.Done():
			case <-time.After(t.RetryDelay):
			}
			continue
		}
		for _, msg := range msgs {
			t.cursors[msg.Topic] = msg.ID
			ev := Event{Type: Classify(msg.Topic), Stream: msg.Topic, ID: msg.ID, Content: msg.Fields}
			if err := emit(ev); err != nil {
				return err
			}
		}
		if len(msgs) == 0 && idle != nil {
			if err := idle(); err != nil {
				return err
			}
		}
	}
	return nil
}
