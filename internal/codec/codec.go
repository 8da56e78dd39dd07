// Package codec is the single place where typed pipeline values are flattened
// into the string-to-string field maps carried by log entries, and parsed back.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"time"

	"reviewline/internal/domain"
)

// ErrMalformed marks a payload that cannot be decoded; retrying will not help.
var ErrMalformed = errors.New("malformed payload")

const (
	fieldDocID          = "doc_id"
	fieldChunkID        = "chunk_id"
	fieldText           = "text"
	fieldLanguage       = "language"
	fieldStyle          = "style"
	fieldCreatedAt      = "created_at"
	fieldLegacyTS       = "timestamp"
	fieldTaskType       = "task_type"
	fieldParentMsgID    = "parent_msg_id"
	fieldSuggestionID   = "suggestion_id"
	fieldType           = "type"
	fieldOriginalText   = "original_text"
	fieldSuggestedText  = "suggested_text"
	fieldExplanation    = "explanation"
	fieldSeverity       = "severity"
	fieldSourceAgent    = "source_agent"
	fieldOriginalStream = "original_stream"
	fieldData           = "data"
	fieldProcessedAt    = "processed_at"

	defaultLanguage = "en"
	defaultStyle    = "standard"
)

func EncodeTask(t domain.Task) map[string]string {
	return map[string]string{
		fieldDocID:     t.DocID,
		fieldChunkID:   t.ChunkID,
		fieldText:      t.Text,
		fieldLanguage:  t.Language,
		fieldStyle:     t.Style,
		fieldCreatedAt: formatTime(t.CreatedAt),
	}
}

// DecodeTask accepts producer payloads with an RFC 3339 created_at or a
// float unix "timestamp", and fills language/style defaults.
func DecodeTask(fields map[string]string) (domain.Task, error) {
	t := domain.Task{
		DocID:    fields[fieldDocID],
		ChunkID:  fields[fieldChunkID],
		Text:     fields[fieldText],
		Language: fields[fieldLanguage],
		Style:    fields[fieldStyle],
	}
	if err := require(fields, fieldDocID, fieldChunkID); err != nil {
		return t, err
	}
	if t.Language == "" {
		t.Language = defaultLanguage
	}
	if t.Style == "" {
		t.Style = defaultStyle
	}
	raw := fields[fieldCreatedAt]
	if raw == "" {
		raw = fields[fieldLegacyTS]
	}
	ts, err := parseTime(raw)
	if err != nil {
		return t, fmt.Errorf("%w: created_at: %v", ErrMalformed, err)
	}
	t.CreatedAt = ts
	return t, nil
}

func EncodeRoutedTask(rt domain.RoutedTask) map[string]string {
	fields := EncodeTask(rt.Task)
	fields[fieldTaskType] = string(rt.TaskType)
	fields[fieldParentMsgID] = rt.ParentMsgID
	return fields
}

// RouteFields copies an intake payload unmodified and adds the routing fields.
func RouteFields(fields map[string]string, sp domain.Specialty, parentMsgID string) map[string]string {
	out := maps.Clone(fields)
	if out == nil {
		out = make(map[string]string, 2)
	}
	out[fieldTaskType] = string(sp)
	out[fieldParentMsgID] = parentMsgID
	return out
}

func DecodeRoutedTask(fields map[string]string) (domain.RoutedTask, error) {
	task, err := DecodeTask(fields)
	if err != nil {
		return domain.RoutedTask{}, err
	}
	rt := domain.RoutedTask{Task: task, ParentMsgID: fields[fieldParentMsgID]}
	sp, ok := domain.ParseSpecialty(fields[fieldTaskType])
	if !ok {
		return rt, fmt.Errorf("%w: unknown task_type %q", ErrMalformed, fields[fieldTaskType])
	}
	rt.TaskType = sp
	return rt, nil
}

func EncodeFinding(f domain.Finding) map[string]string {
	return map[string]string{
		fieldDocID:         f.DocID,
		fieldChunkID:       f.ChunkID,
		fieldSuggestionID:  f.SuggestionID,
		fieldType:          string(f.Type),
		fieldOriginalText:  f.OriginalText,
		fieldSuggestedText: f.SuggestedText,
		fieldExplanation:   f.Explanation,
		fieldSeverity:      string(f.Severity),
		fieldSourceAgent:   f.SourceAgent,
		fieldCreatedAt:     formatTime(f.CreatedAt),
	}
}

func DecodeFinding(fields map[string]string) (domain.Finding, error) {
	f := domain.Finding{
		DocID:         fields[fieldDocID],
		ChunkID:       fields[fieldChunkID],
		SuggestionID:  fields[fieldSuggestionID],
		OriginalText:  fields[fieldOriginalText],
		SuggestedText: fields[fieldSuggestedText],
		Explanation:   fields[fieldExplanation],
		Severity:      domain.Severity(fields[fieldSeverity]),
		SourceAgent:   fields[fieldSourceAgent],
	}
	if err := require(fields, fieldDocID, fieldChunkID, fieldSuggestionID); err != nil {
		return f, err
	}
	sp, ok := domain.ParseSpecialty(fields[fieldType])
	if !ok {
		return f, fmt.Errorf("%w: unknown finding type %q", ErrMalformed, fields[fieldType])
	}
	f.Type = sp
	raw := fields[fieldCreatedAt]
	if raw == "" {
		raw = fields[fieldLegacyTS]
	}
	ts, err := parseTime(raw)
	if err != nil {
		return f, fmt.Errorf("%w: created_at: %v", ErrMalformed, err)
	}
	f.CreatedAt = ts
	return f, nil
}

// NewEnvelope wraps f for the summary topic.
func NewEnvelope(f domain.Finding, sourceTopic string, processedAt time.Time) (domain.SummaryEnvelope, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return domain.SummaryEnvelope{}, fmt.Errorf("marshal finding: %w", err)
	}
	return domain.SummaryEnvelope{
		Type:           domain.EnvelopeFinalSuggestion,
		OriginalStream: sourceTopic,
		Data:           string(data),
		ProcessedAt:    processedAt,
	}, nil
}

func EncodeEnvelope(e domain.SummaryEnvelope) map[string]string {
	return map[string]string{
		fieldType:           e.Type,
		fieldOriginalStream: e.OriginalStream,
		fieldData:           e.Data,
		fieldProcessedAt:    formatTime(e.ProcessedAt),
	}
}

func DecodeEnvelope(fields map[string]string) (domain.SummaryEnvelope, error) {
	e := domain.SummaryEnvelope{
		Type:           fields[fieldType],
		OriginalStream: fields[fieldOriginalStream],
		Data:           fields[fieldData],
	}
	if err := require(fields, fieldType, fieldOriginalStream, fieldData); err != nil {
		return e, err
	}
	ts, err := parseTime(fields[fieldProcessedAt])
	if err != nil {
		return e, fmt.Errorf("%w: processed_at: %v", ErrMalformed, err)
	}
	e.ProcessedAt = ts
	return e, nil
}

// EnvelopeFinding parses the Finding carried in an envelope's data field.
func EnvelopeFinding(e domain.SummaryEnvelope) (domain.Finding, error) {
	var f domain.Finding
	if err := json.Unmarshal([]byte(e.Data), &f); err != nil {
		return f, fmt.Errorf("%w: envelope data: %v", ErrMalformed, err)
	}
	return f, nil
}

func require(fields map[string]string, names ...string) error {
	var missing []string
	for _, n := range names {
		if strings.TrimSpace(fields[n]) == "" {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformed, strings.Join(missing, ", "))
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime reads RFC 3339 or unix seconds with a fractional part; empty is zero time.
func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return time.Time{}, fmt.Errorf("unrecognised time %q", raw)
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*1e9)).UTC(), nil
}
