package ranker

import "math"

// SimilarityFunc computes a similarity in [0,1] between two ranked
// items, typically their combined-sector embedding similarity. Kept
// abstract so callers can pass whichever vector they already have.
type SimilarityFunc func(a, b Ranked) float64

// MMRSelect re-selects up to limit results from ranked using maximal
// marginal relevance: trading relevance (composite Total) against
// novelty (1 - similarity to already-selected items), grounded in the
// teacher's pkg/memory/engine.go mmrSelect. lambda is clamped to
// [0,1]; lambda=1 reduces to pure relevance order, lambda=0 to pure
// diversity.
func MMRSelect(ranked []Ranked, sim SimilarityFunc, limit int, lambda float64) []Ranked {
	if limit <= 0 || limit > len(ranked) {
		limit = len(ranked)
	}
	if lambda < 0 {
		lambda = 0
	}
	if lambda > 1 {
		lambda = 1
	}
	remaining := make([]Ranked, len(ranked))
	copy(remaining, ranked)
	selected := make([]Ranked, 0, limit)

	for len(selected) < limit && len(remaining) > 0 {
		bestIdx := 0
		bestScore := math.Inf(-1)
		for i, cand := range remaining {
			var maxSim float64
			for _, sel := range selected {
				if s := sim(cand, sel); s > maxSim {
					maxSim = s
				}
			}
			score := lambda*cand.Total - (1-lambda)*maxSim
			if score > bestScore {
				bestScore = score
				bestIdx = i
			}
		}
		selected = append(selected, remaining[bestIdx])
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return selected
}
