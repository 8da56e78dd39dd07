// Package specialist turns routed tasks for one specialty into findings.
package specialist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"reviewline/internal/broker"
	"reviewline/internal/codec"
	"reviewline/internal/domain"
	"reviewline/internal/topics"
)

// originalTextLimit is how many runes of the chunk a finding quotes.
const originalTextLimit = 50

type Worker struct {
	Specialty domain.Specialty
	// Consumer names this worker instance; it becomes the finding's source_agent.
	Consumer string
	Out      broker.Appender
	Analyzer Analyzer
	Logger   *slog.Logger
	Now      func() time.Time
	NewID    func() string
}

func New(sp domain.Specialty, consumer string, out broker.Appender, analyzer Analyzer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if analyzer == nil {
		analyzer = Simulated{}
	}
	return &Worker{
		Specialty: sp,
		Consumer:  consumer,
		Out:       out,
		Analyzer:  analyzer,
		Logger:    logger,
		Now:       time.Now,
		NewID:     uuid.NewString,
	}
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}

func (w *Worker) newID() string {
	if w.NewID != nil {
		return w.NewID()
	}
	return uuid.NewString()
}

// Process analyses one routed task and appends exactly one Finding to the
// specialty's results topic. Reprocessing a redelivered task yields a new
// finding with a fresh suggestion id and has no other side effects.
func (w *Worker) Process(ctx context.Context, msg broker.Message) error {
	routed, err := codec.DecodeRoutedTask(msg.Fields)
	if err != nil {
		return fmt.Errorf("decode routed task %s: %w", msg.ID, err)
	}
	if routed.TaskType != w.Specialty {
		return fmt.Errorf("%w: %s task delivered to %s worker", codec.ErrMalformed, routed.TaskType, w.Specialty)
	}
	analysis, err := w.Analyzer.Analyze(ctx, w.Specialty, routed.Text)
	if err != nil {
		return fmt.Errorf("analyse %s/%s: %w", routed.DocID, routed.ChunkID, err)
	}
	f := domain.Finding{
		DocID:         routed.DocID,
		ChunkID:       routed.ChunkID,
		SuggestionID:  w.newID(),
		Type:          w.Specialty,
		OriginalText:  excerpt(routed.Text, originalTextLimit),
		SuggestedText: analysis.SuggestedText,
		Explanation:   analysis.Explanation,
		Severity:      analysis.Severity,
		SourceAgent:   w.Consumer,
		CreatedAt:     w.now().UTC(),
	}
	topic := topics.Suggestions(w.Specialty)
	id, err := w.Out.Append(ctx, topic, codec.EncodeFinding(f))
	if err != nil {
		return fmt.Errorf("publish finding to %s: %w", topic, err)
	}
	w.Logger.Debug("finding published", "doc_id", f.DocID, "chunk_id", f.ChunkID, "severity", f.Severity, "result_id", id)
	return nil
}

func excerpt(text string, limit int) string {
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit]) + "..."
}
