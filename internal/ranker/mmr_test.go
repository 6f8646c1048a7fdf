package ranker

import (
	"testing"

	"github.com/protocol-lattice/cogmem/internal/model"
)

func TestMMRSelectPrefersDiversityOverPureRelevance(t *testing.T) {
	ranked := []Ranked{
		{Memory: model.Memory{ID: "a"}, Total: 1.0},
		{Memory: model.Memory{ID: "b"}, Total: 0.95}, // near-duplicate of a
		{Memory: model.Memory{ID: "c"}, Total: 0.5},  // distinct from a/b
	}
	// a and b are near-identical; c is maximally distinct from both.
	sim := func(x, y Ranked) float64 {
		pair := x.Memory.ID + y.Memory.ID
		switch pair {
		case "ab", "ba":
			return 0.99
		default:
			return 0.0
		}
	}

	selected := MMRSelect(ranked, sim, 2, 0.5)
	if len(selected) != 2 {
		t.Fatalf("expected 2 selected, got %d", len(selected))
	}
	if selected[0].Memory.ID != "a" {
		t.Fatalf("expected 'a' selected first (highest relevance), got %q", selected[0].Memory.ID)
	}
	if selected[1].Memory.ID != "c" {
		t.Fatalf("expected 'c' selected second (diversity over near-duplicate 'b'), got %q", selected[1].Memory.ID)
	}
}

func TestMMRSelectReturnsAllWhenLimitExceedsInput(t *testing.T) {
	ranked := []Ranked{{Memory: model.Memory{ID: "a"}, Total: 1.0}}
	selected := MMRSelect(ranked, func(Ranked, Ranked) float64 { return 0 }, 10, 0.5)
	if len(selected) != 1 {
		t.Fatalf("expected passthrough of all %d input, got %d", 1, len(selected))
	}
}

func TestMMRSelectLambdaOneIsPureRelevance(t *testing.T) {
	ranked := []Ranked{
		{Memory: model.Memory{ID: "a"}, Total: 0.5},
		{Memory: model.Memory{ID: "b"}, Total: 0.9},
	}
	sim := func(Ranked, Ranked) float64 { return 1.0 } // maximally similar, irrelevant at lambda=1
	selected := MMRSelect(ranked, sim, 2, 1.0)
	if selected[0].Memory.ID != "b" {
		t.Fatalf("expected pure-relevance order to pick 'b' first, got %q", selected[0].Memory.ID)
	}
}
