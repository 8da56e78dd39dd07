package topics

import (
	"testing"

	"reviewline/internal/domain"
)

func TestNamesMatchWireContract(t *testing.T) {
	if Review(domain.Grammar) != "doc.review.grammar" {
		t.Fatalf("review topic %s", Review(domain.Grammar))
	}
	if Suggestions(domain.Structure) != "doc.suggestions.structure" {
		t.Fatalf("suggestions topic %s", Suggestions(domain.Structure))
	}
	if Group(domain.Tone) != "tone-group" {
		t.Fatalf("group %s", Group(domain.Tone))
	}
	all := All()
	if len(all) != 10 || all[0] != Tasks || all[len(all)-1] != Summary {
		t.Fatalf("unexpected topic list %v", all)
	}
}

func TestSubscriptionsCoverEveryRole(t *testing.T) {
	subs := Subscriptions()
	if len(subs) != 9 {
		t.Fatalf("expected 9 subscriptions, got %d", len(subs))
	}
	if subs[0] != (Subscription{Topic: Tasks, Group: CoordinatorGroup}) {
		t.Fatalf("coordinator subscription %+v", subs[0])
	}
	if subs[2] != (Subscription{Topic: "doc.review.clarity", Group: "clarity-group"}) {
		t.Fatalf("clarity subscription %+v", subs[2])
	}
	for _, s := range subs[5:] {
		if s.Group != AggregatorGroup {
			t.Fatalf("results topics are read by the aggregator: %+v", s)
		}
	}
}
