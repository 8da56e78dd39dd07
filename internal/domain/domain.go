package domain

import "time"

// Specialty names one of the fixed review roles.
type Specialty string

const (
	Grammar   Specialty = "grammar"
	Clarity   Specialty = "clarity"
	Tone      Specialty = "tone"
	Structure Specialty = "structure"
)

// Specialties is the fan-out set, in routing order.
var Specialties = []Specialty{Grammar, Clarity, Tone, Structure}

// ParseSpecialty validates a specialty name.
func ParseSpecialty(s string) (Specialty, bool) {
	for _, sp := range Specialties {
		if string(sp) == s {
			return sp, true
		}
	}
	return "", false
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Task is one chunk of a document as produced by ingestion.
type Task struct {
	DocID     string    `json:"doc_id"`
	ChunkID   string    `json:"chunk_id"`
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Style     string    `json:"style"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

// RoutedTask is a Task addressed to a single specialty.
type RoutedTask struct {
	Task
	TaskType    Specialty `json:"task_type"`
	ParentMsgID string    `json:"parent_msg_id"`
}

type Finding struct {
	DocID         string    `json:"doc_id"`
	ChunkID       string    `json:"chunk_id"`
	SuggestionID  string    `json:"suggestion_id"`
	Type          Specialty `json:"type"`
	OriginalText  string    `json:"original_text"`
	SuggestedText string    `json:"suggested_text"`
	Explanation   string    `json:"explanation"`
	Severity      Severity  `json:"severity"`
	SourceAgent   string    `json:"source_agent"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

// EnvelopeFinalSuggestion is the only envelope type the aggregator emits.
const EnvelopeFinalSuggestion = "final_suggestion"

// SummaryEnvelope wraps exactly one Finding on the summary topic.
// Data holds the Finding serialized as JSON.
type SummaryEnvelope struct {
	Type           string    `json:"type"`
	OriginalStream string    `json:"original_stream"`
	Data           string    `json:"data"`
	ProcessedAt    time.Time `json:"processed_at" format:"date-time"`
}
