// Package topics holds the fixed topic and consumer group names shared by
// every producer and consumer of the review pipeline.
package topics

import "reviewline/internal/domain"

const (
	Tasks      = "doc.review.tasks"
	Summary    = "doc.review.summary"
	DeadLetter = "doc.review.deadletter"

	CoordinatorGroup = "coordinator-group"
	AggregatorGroup  = "aggregator-group"
)

// Review is the routed intake topic of a specialty.
func Review(s domain.Specialty) string {
	return "doc.review." + string(s)
}

// Suggestions is the results topic of a specialty.
func Suggestions(s domain.Specialty) string {
	return "doc.suggestions." + string(s)
}

// Group is the consumer group of a specialty's workers.
func Group(s domain.Specialty) string {
	return string(s) + "-group"
}

// AllSuggestions lists the results topics in routing order.
func AllSuggestions() []string {
	out := make([]string, 0, len(domain.Specialties))
	for _, s := range domain.Specialties {
		out = append(out, Suggestions(s))
	}
	return out
}

// AllReview lists the routed intake topics in routing order.
func AllReview() []string {
	out := make([]string, 0, len(domain.Specialties))
	for _, s := range domain.Specialties {
		out = append(out, Review(s))
	}
	return out
}

// All lists every pipeline topic, intake first and summary last.
func All() []string {
	out := []string{Tasks}
	out = append(out, AllReview()...)
	out = append(out, AllSuggestions()...)
	return append(out, Summary)
}

// Subscription is one consumer group reading one topic.
type Subscription struct {
	Topic string `json:"topic"`
	Group string `json:"group"`
}

// Subscriptions lists every topic/group pair the pipeline roles read.
func Subscriptions() []Subscription {
	out := []Subscription{{Topic: Tasks, Group: CoordinatorGroup}}
	for _, s := range domain.Specialties {
		out = append(out, Subscription{Topic: Review(s), Group: Group(s)})
	}
	for _, t := range AllSuggestions() {
		out = append(out, Subscription{Topic: t, Group: AggregatorGroup})
	}
	return out
}
