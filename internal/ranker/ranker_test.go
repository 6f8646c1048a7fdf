package ranker

import (
	"testing"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
)

func TestRankOrdersByCompositeScore(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	r := New(DefaultWeights, DefaultRecencyTau)

	candidates := []Candidate{
		{Memory: model.Memory{ID: "low", Salience: 0.1, LastAccessedAt: now.Add(-30 * 24 * time.Hour)}, Similarity: 0.2},
		{Memory: model.Memory{ID: "high", Salience: 0.9, LastAccessedAt: now}, Similarity: 0.95},
	}

	ranked := r.Rank(now, candidates)
	if len(ranked) != 2 {
		t.Fatalf("expected 2 ranked results, got %d", len(ranked))
	}
	if ranked[0].Memory.ID != "high" {
		t.Fatalf("expected 'high' ranked first, got %q", ranked[0].Memory.ID)
	}
	if ranked[0].Total <= ranked[1].Total {
		t.Fatalf("expected descending total: %.4f <= %.4f", ranked[0].Total, ranked[1].Total)
	}
}

func TestRankTieBreakIsSalienceThenID(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(DefaultWeights, DefaultRecencyTau)

	candidates := []Candidate{
		{Memory: model.Memory{ID: "b", Salience: 0.5, LastAccessedAt: now}, Similarity: 0.5},
		{Memory: model.Memory{ID: "a", Salience: 0.5, LastAccessedAt: now}, Similarity: 0.5},
	}

	ranked := r.Rank(now, candidates)
	if ranked[0].Memory.ID != "a" {
		t.Fatalf("expected ascending-id tie-break to pick 'a' first, got %q", ranked[0].Memory.ID)
	}
}

func TestRankLinkWeightOnlyCountsAlreadyChosen(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(DefaultWeights, DefaultRecencyTau)

	candidates := []Candidate{
		{Memory: model.Memory{ID: "anchor", Salience: 1.0, LastAccessedAt: now}, Similarity: 1.0},
		{
			Memory:     model.Memory{ID: "linked", Salience: 0.1, LastAccessedAt: now.Add(-60 * 24 * time.Hour)},
			Similarity: 0.1,
			Links:      []model.MemoryLink{{SourceID: "linked", TargetID: "anchor", Weight: 1.0}},
		},
	}

	ranked := r.Rank(now, candidates)
	// "anchor" is picked first (nothing is chosen yet, so "linked"'s
	// own link_weight term would be 0 at that point regardless); after
	// "anchor" is chosen, "linked" is scored with LinkWeightTerm=1.0
	// since its link target is now in the chosen set.
	if ranked[0].Memory.ID != "anchor" {
		t.Fatalf("expected anchor first, got %q", ranked[0].Memory.ID)
	}
	if ranked[1].LinkWeightTerm != 1.0 {
		t.Fatalf("expected linked's link_weight term to be 1.0 once anchor is chosen, got %.2f", ranked[1].LinkWeightTerm)
	}
}

func TestLinkWeightAgainstCapsAtOne(t *testing.T) {
	links := []model.MemoryLink{
		{TargetID: "x", Weight: 0.8},
		{TargetID: "y", Weight: 0.8},
	}
	chosen := map[string]bool{"x": true, "y": true}
	w := linkWeightAgainst(links, chosen)
	if w != 1.0 {
		t.Fatalf("expected link weight capped at 1.0, got %.2f", w)
	}
}

func TestWeightsNormalizedFallsBackOnZeroSum(t *testing.T) {
	w := Weights{}.Normalized()
	if w != DefaultWeights {
		t.Fatalf("expected zero-sum weights to fall back to DefaultWeights, got %+v", w)
	}
}
