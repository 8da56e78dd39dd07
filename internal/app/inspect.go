package app

import (
	"context"
	"errors"
	"time"

	"reviewline/internal/broker"
	"reviewline/internal/codec"
	"reviewline/internal/domain"
	"reviewline/internal/topics"
)

// summaryWindow bounds how far back a filtered summary query looks.
const summaryWindow = 1000

type SummaryItem struct {
	ID             string         `json:"id"`
	OriginalStream string         `json:"original_stream"`
	ProcessedAt    time.Time      `json:"processed_at" format:"date-time"`
	Finding        domain.Finding `json:"finding"`
}

// Summaries decodes the newest summary envelopes, newest first. With docID
// set only that document's findings are returned. Entries that do not decode
// are skipped.
func Summaries(ctx context.Context, b broker.Broker, limit int, docID string) ([]SummaryItem, error) {
	if limit <= 0 {
		limit = 50
	}
	window := limit
	if docID != "" {
		window = summaryWindow
	}
	msgs, err := b.Latest(ctx, topics.Summary, window)
	if err != nil {
		return nil, err
	}
	out := make([]SummaryItem, 0, limit)
	for _, msg := range msgs {
		env, err := codec.DecodeEnvelope(msg.Fields)
		if err != nil {
			continue
		}
		f, err := codec.EnvelopeFinding(env)
		if err != nil {
			continue
		}
		if docID != "" && f.DocID != docID {
			continue
		}
		out = append(out, SummaryItem{ID: msg.ID, OriginalStream: env.OriginalStream, ProcessedAt: env.ProcessedAt, Finding: f})
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type GroupStatus struct {
	Topic           string `json:"topic"`
	Group           string `json:"group"`
	Length          int64  `json:"length"`
	LastDeliveredID string `json:"last_delivered_id"`
	Pending         int64  `json:"pending"`
	// Missing is set when no role has created the group yet.
	Missing bool `json:"missing"`
}

// PipelineStatus reports every role subscription's backlog.
func PipelineStatus(ctx context.Context, b broker.Broker) ([]GroupStatus, error) {
	var out []GroupStatus
	for _, sub := range topics.Subscriptions() {
		n, err := b.Len(ctx, sub.Topic)
		if err != nil {
			return nil, err
		}
		st := GroupStatus{Topic: sub.Topic, Group: sub.Group, Length: n}
		info, err := b.GroupInfo(ctx, sub.Topic, sub.Group)
		switch {
		case err == nil:
			st.LastDeliveredID = info.LastDeliveredID
			st.Pending = info.Pending
		case errors.Is(err, broker.ErrNoGroup) || n == 0:
			st.Missing = true
		default:
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}
