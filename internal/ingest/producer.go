// Package ingest turns documents into tasks on the intake topic.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/broker"
	"reviewline/internal/codec"
	"reviewline/internal/domain"
	"reviewline/internal/topics"
)

// DefaultSimulatedChunks is used when a simulated submission asks for no chunks.
const DefaultSimulatedChunks = 3

var ErrEmptyDocument = errors.New("document has no text")

var sampleTexts = []string{
	"The quick brown fox jumps over the lazy dog. But is it grammatically correct? We shall see.",
	"To define the recursive loop is to understand the loop itself, which is redundant and confusing.",
	"Hey wuts up, this is a very informal text that needs tone correction ASAP!!!",
	"Structure of this document is non-existent. Headers are missing. Chaos reigns.",
}

type Producer struct {
	Out      broker.Appender
	Language string
	Style    string
	// Interval spaces consecutive chunks; zero appends back to back.
	Interval time.Duration
	Now      func() time.Time
}

// Submission reports what was appended for one document.
type Submission struct {
	DocID    string   `json:"doc_id"`
	Status   string   `json:"status"`
	Chunks   int      `json:"chunks"`
	EntryIDs []string `json:"entry_ids"`
}

func New(out broker.Appender) *Producer {
	return &Producer{Out: out, Language: "en", Style: "standard", Now: time.Now}
}

func (p *Producer) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// NewDocID returns a fresh document id.
func NewDocID() string {
	return "doc-" + uuid.NewString()
}

// SplitText chunks text by line. Blank lines are dropped; text without any
// non-blank line yields nothing.
func SplitText(text string) []string {
	var chunks []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			chunks = append(chunks, line)
		}
	}
	return chunks
}

// SimulatedTexts cycles through the built-in samples.
func SimulatedTexts(n int) []string {
	if n <= 0 {
		n = DefaultSimulatedChunks
	}
	out := make([]string, n)
	for i := range out {
		out[i] = sampleTexts[i%len(sampleTexts)]
	}
	return out
}

// SubmitText splits text by line and appends one task per chunk.
func (p *Producer) SubmitText(ctx context.Context, docID, text string) (Submission, error) {
	chunks := SplitText(text)
	if len(chunks) == 0 {
		return Submission{}, ErrEmptyDocument
	}
	return p.SubmitChunks(ctx, docID, chunks)
}

func (p *Producer) SubmitSimulated(ctx context.Context, docID string, n int) (Submission, error) {
	return p.SubmitChunks(ctx, docID, SimulatedTexts(n))
}

// SubmitChunks appends chunk i as chunk id p-<i>. An empty docID gets a fresh one.
func (p *Producer) SubmitChunks(ctx context.Context, docID string, chunks []string) (Submission, error) {
	if docID == "" {
		docID = NewDocID()
	}
	sub := Submission{DocID: docID, Status: "processing"}
	for i, text := range chunks {
		if i > 0 && p.Interval > 0 {
			select {
			case <-ctx.Done():
				return sub, ctx.Err()
			case <-time.After(p.Interval):
			}
		}
		task := domain.Task{
			DocID:     docID,
			ChunkID:   fmt.Sprintf("p-%d", i),
			Text:      text,
			Language:  p.Language,
			Style:     p.Style,
			CreatedAt: p.now().UTC(),
		}
		id, err := p.Out.Append(ctx, topics.Tasks, codec.EncodeTask(task))
		if err != nil {
			return sub, fmt.Errorf("append chunk %s of %s: %w", task.ChunkID, docID, err)
		}
		sub.Chunks++
		sub.EntryIDs = append(sub.EntryIDs, id)
	}
	return sub, nil
}
