package specialist

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
	"unicode"

	"reviewline/internal/domain"
)

// Analysis is what an analysis engine returns for one chunk.
type Analysis struct {
	SuggestedText string
	Explanation   string
	Severity      domain.Severity
}

// Analyzer is the pluggable analysis capability behind a specialist.
type Analyzer interface {
	Analyze(ctx context.Context, sp domain.Specialty, text string) (Analysis, error)
}

// Simulated stands in for a real analysis service. Its output depends only
// on the specialty and the text; latency, when configured, is random.
type Simulated struct {
	MinLatency time.Duration
	MaxLatency time.Duration
}

func (s Simulated) Analyze(ctx context.Context, sp domain.Specialty, text string) (Analysis, error) {
	if err := s.wait(ctx); err != nil {
		return Analysis{}, err
	}
	return Analysis{
		SuggestedText: fmt.Sprintf("%s\n[AI SERVICE: %s DONE]", text, strings.ToUpper(string(sp))),
		Explanation:   fmt.Sprintf("Simulated %s review of %d words.", sp, len(strings.Fields(text))),
		Severity:      severity(sp, text),
	}, nil
}

func (s Simulated) wait(ctx context.Context) error {
	d := s.MinLatency
	if s.MaxLatency > s.MinLatency {
		d += rand.N(s.MaxLatency - s.MinLatency)
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// severity scores a handful of cheap signals per specialty.
func severity(sp domain.Specialty, text string) domain.Severity {
	words := strings.Fields(text)
	lower := strings.ToLower(text)
	score := 0
	switch sp {
	case domain.Grammar:
		if strings.Contains(text, "!!") || strings.Contains(text, "??") {
			score++
		}
		if first := firstLetter(text); first != 0 && unicode.IsLower(first) {
			score++
		}
		if trimmed := strings.TrimSpace(text); trimmed != "" && !strings.ContainsRune(".!?", rune(trimmed[len(trimmed)-1])) {
			score++
		}
	case domain.Clarity:
		if longestSentence(text) > 25 {
			score++
		}
		if repeatedWord(words) {
			score++
		}
		if strings.Contains(lower, "redundant") || strings.Contains(lower, "confusing") {
			score++
		}
	case domain.Tone:
		for _, marker := range []string{"hey", "wuts", "asap", "lol", "gonna"} {
			if containsWord(words, marker) {
				score++
			}
		}
		if strings.Contains(text, "!!!") {
			score++
		}
	case domain.Structure:
		if len(words) < 5 {
			score++
		}
		if sentenceCount(text) < 2 {
			score++
		}
		if strings.Contains(lower, "missing") || strings.Contains(lower, "chaos") {
			score++
		}
	}
	switch {
	case score >= 2:
		return domain.SeverityHigh
	case score == 1:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func firstLetter(text string) rune {
	for _, r := range text {
		if unicode.IsLetter(r) {
			return r
		}
	}
	return 0
}

func splitSentences(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '!' || r == '?' })
}

func sentenceCount(text string) int {
	n := 0
	for _, s := range splitSentences(text) {
		if strings.TrimSpace(s) != "" {
			n++
		}
	}
	return n
}

func longestSentence(text string) int {
	longest := 0
	for _, s := range splitSentences(text) {
		if n := len(strings.Fields(s)); n > longest {
			longest = n
		}
	}
	return longest
}

func normalize(w string) string {
	return strings.ToLower(strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) }))
}

// repeatedWord reports a word of four or more letters used more than once.
func repeatedWord(words []string) bool {
	seen := map[string]bool{}
	for _, w := range words {
		w = normalize(w)
		if len(w) < 4 {
			continue
		}
		if seen[w] {
			return true
		}
		seen[w] = true
	}
	return false
}

func containsWord(words []string, want string) bool {
	for _, w := range words {
		if normalize(w) == want {
			return true
		}
	}
	return false
}
