package server

import (
	"reviewline/internal/broker"
	"reviewline/internal/viz"
)

// Request payloads

// SubmitDocumentRequest carries either raw text, split by line, or a number
// of simulated chunks.
type SubmitDocumentRequest struct {
	DocID  string `json:"doc_id,omitempty" doc:"Document id; generated when empty"`
	Text   string `json:"text,omitempty" doc:"Raw text, one chunk per non-blank line"`
	Chunks int    `json:"chunks,omitempty" minimum:"0" maximum:"1000" doc:"Number of simulated chunks when no text is given"`
}

// Response payloads

type TopicResponse struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Length int64  `json:"length"`
	LastID string `json:"last_id"`
}

type EntryResponse struct {
	ID     string            `json:"id"`
	Topic  string            `json:"topic"`
	Fields map[string]string `json:"fields"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Broker string `json:"broker"`
}

// Heartbeat is sent on the stream while no entries arrive.
type Heartbeat struct {
	Status string `json:"status" example:"keep-alive"`
}

func topicResponse(t broker.TopicInfo) TopicResponse {
	return TopicResponse{Name: t.Name, Kind: viz.Classify(t.Name), Length: t.Length, LastID: t.LastID}
}

func entryResponses(msgs []broker.Message) []EntryResponse {
	out := make([]EntryResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, EntryResponse{ID: m.ID, Topic: m.Topic, Fields: m.Fields})
	}
	return out
}
