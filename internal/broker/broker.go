// Package broker defines the durable log contract the review roles depend on:
// appendable topics, consumer groups with per-consumer pending entries,
// acknowledgement and reclaim.
package broker

import (
	"context"
	"time"
)

const (
	// NewEntries as a ReadGroup start claims entries never delivered to the group.
	NewEntries = ">"
	// Now as a Read offset means "after the last entry at call time".
	Now = "$"
	// Origin is the id before the first entry of any topic.
	Origin = "0-0"
)

// Message is one log entry as delivered to a reader.
type Message struct {
	ID     string
	Topic  string
	Fields map[string]string
	// Deliveries is the delivery count within the reading group, 0 when unknown.
	Deliveries int64
}

type ReadGroupArgs struct {
	Group    string
	Consumer string
	Topics   []string
	// Start is NewEntries or an id after which this consumer's own pending
	// entries are replayed.
	Start string
	// Count limits entries per topic; 0 means no limit.
	Count int
	// Block bounds the wait for new entries; 0 returns immediately.
	Block time.Duration
}

type PendingArgs struct {
	Topic    string
	Group    string
	Consumer string
	Count    int
}

type PendingEntry struct {
	ID         string
	Consumer   string
	Idle       time.Duration
	Deliveries int64
}

type ClaimArgs struct {
	Topic    string
	Group    string
	Consumer string
	MinIdle  time.Duration
	Count    int
}

type Offset struct {
	Topic string
	After string
}

type ReadArgs struct {
	Offsets []Offset
	Count   int
	Block   time.Duration
}

type GroupInfo struct {
	Name            string
	LastDeliveredID string
	Pending         int64
}

type TopicInfo struct {
	Name   string
	Length int64
	LastID string
}

// Appender publishes entries.
type Appender interface {
	Append(ctx context.Context, topic string, fields map[string]string) (string, error)
}

// GroupReader is what a consuming role needs from the broker.
type GroupReader interface {
	Appender
	EnsureGroup(ctx context.Context, topic, group string) error
	ReadGroup(ctx context.Context, args ReadGroupArgs) ([]Message, error)
	Ack(ctx context.Context, topic, group string, ids ...string) (int64, error)
	Claim(ctx context.Context, args ClaimArgs) ([]Message, error)
}

// Tailer reads topics without a group.
type Tailer interface {
	LastID(ctx context.Context, topic string) (string, error)
	Read(ctx context.Context, args ReadArgs) ([]Message, error)
}

// Broker is the full contract implemented by every backend.
type Broker interface {
	GroupReader
	Tailer
	Pending(ctx context.Context, args PendingArgs) ([]PendingEntry, error)
	Latest(ctx context.Context, topic string, n int) ([]Message, error)
	Len(ctx context.Context, topic string) (int64, error)
	GroupInfo(ctx context.Context, topic, group string) (GroupInfo, error)
	Topics(ctx context.Context) ([]TopicInfo, error)
	Close() error
}
