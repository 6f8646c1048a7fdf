// Package ranker implements the composite retrieval ranker (C4):
// similarity, salience, recency, and link-weight blended into one
// final order, grounded in the weighting/MMR shape of the teacher's
// pkg/memory/engine.go (cosineSimilarity, WeightedScore, mmrSelect).
package ranker

import (
	"math"
	"sort"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
)

// Weights are the composite score's blend coefficients. They need not
// sum to exactly 1.0 at construction; Normalized renormalizes.
type Weights struct {
	Similarity float64
	Salience   float64
	Recency    float64
	LinkWeight float64
}

// DefaultWeights matches spec §4.4: w_sim=0.55, w_sal=0.20, w_rec=0.15, w_lnk=0.10.
var DefaultWeights = Weights{Similarity: 0.55, Salience: 0.20, Recency: 0.15, LinkWeight: 0.10}

// Normalized returns w scaled so its components sum to 1.0, or
// DefaultWeights if w sums to zero.
func (w Weights) Normalized() Weights {
	sum := w.Similarity + w.Salience + w.Recency + w.LinkWeight
	if sum <= 0 {
		return DefaultWeights
	}
	return Weights{
		Similarity: w.Similarity / sum,
		Salience:   w.Salience / sum,
		Recency:    w.Recency / sum,
		LinkWeight: w.LinkWeight / sum,
	}
}

// DefaultRecencyTau is the default τ (14 days) for the recency term.
const DefaultRecencyTau = 14 * 24 * time.Hour

// Candidate is one item to be ranked.
type Candidate struct {
	Memory     model.Memory
	Similarity float64
	Links      []model.MemoryLink // outgoing links, used for link_weight
}

// Ranked is a scored, ordered ranker output entry.
type Ranked struct {
	Memory         model.Memory
	Total          float64
	Similarity     float64
	SalienceTerm   float64
	RecencyTerm    float64
	LinkWeightTerm float64
}

// Ranker computes composite scores per spec §4.4. It never mutates
// store state; updating last_accessed_at is the caller's choice.
type Ranker struct {
	weights Weights
	tau     time.Duration
}

// New builds a Ranker with w (normalized) and recencyTau (DefaultRecencyTau if zero).
func New(w Weights, recencyTau time.Duration) *Ranker {
	if recencyTau <= 0 {
		recencyTau = DefaultRecencyTau
	}
	return &Ranker{weights: w.Normalized(), tau: recencyTau}
}

func recency(now, lastAccessed time.Time, tau time.Duration) float64 {
	if tau <= 0 {
		return 0
	}
	delta := now.Sub(lastAccessed).Seconds()
	if delta < 0 {
		delta = 0
	}
	return math.Exp(-delta / tau.Seconds())
}

// Rank produces the stable composite ordering for candidates as of
// now. Link weight for the Nth pick is the sum of weights of links
// from already-ranked-above candidates in the result, capped at 1.0;
// for the first pick it is 0.
func (r *Ranker) Rank(now time.Time, candidates []Candidate) []Ranked {
	// Stage 1: compute similarity/salience/recency, independent of pick order.
	type partial struct {
		cand   Candidate
		sim    float64
		sal    float64
		rec    float64
	}
	partials := make([]partial, len(candidates))
	for i, c := range candidates {
		partials[i] = partial{
			cand: c,
			sim:  c.Similarity,
			sal:  c.Memory.Salience,
			rec:  recency(now, c.Memory.LastAccessedAt, r.tau),
		}
	}

	// Stage 2: greedily pick the next-highest-total candidate, where
	// link_weight depends on what has already been chosen — this makes
	// the ranker's own chosen order the "result set so far" spec §4.4
	// references.
	chosen := make([]bool, len(partials))
	chosenIDs := make(map[string]bool, len(partials))
	out := make([]Ranked, 0, len(partials))

	for len(out) < len(partials) {
		bestIdx := -1
		var bestTotal, bestLinkW, bestSal float64
		for i, p := range partials {
			if chosen[i] {
				continue
			}
			linkW := linkWeightAgainst(p.cand.Links, chosenIDs)
			total := r.weights.Similarity*p.sim + r.weights.Salience*p.sal + r.weights.Recency*p.rec + r.weights.LinkWeight*linkW
			if bestIdx == -1 || better(total, p.sal, p.cand.Memory.ID, bestTotal, bestSal, partials[bestIdx].cand.Memory.ID) {
				bestIdx = i
				bestTotal = total
				bestLinkW = linkW
				bestSal = p.sal
			}
		}
		p := partials[bestIdx]
		chosen[bestIdx] = true
		chosenIDs[p.cand.Memory.ID] = true
		out = append(out, Ranked{
			Memory:         p.cand.Memory,
			Total:          bestTotal,
			Similarity:     p.sim,
			SalienceTerm:   p.sal,
			RecencyTerm:    p.rec,
			LinkWeightTerm: bestLinkW,
		})
	}
	return out
}

// better implements the tie-break: higher total wins; ties broken by
// descending salience, then ascending id.
func better(totalA, salA float64, idA string, totalB, salB float64, idB string) bool {
	if totalA != totalB {
		return totalA > totalB
	}
	if salA != salB {
		return salA > salB
	}
	return idA < idB
}

func linkWeightAgainst(links []model.MemoryLink, chosen map[string]bool) float64 {
	var sum float64
	for _, l := range links {
		if chosen[l.TargetID] {
			sum += l.Weight
		}
	}
	if sum > 1 {
		sum = 1
	}
	return sum
}

// SortStable orders ranked results by descending total, tie-broken by
// descending salience then ascending id — the canonical order spec
// §4.4/Testable Property 5 requires.
func SortStable(results []Ranked) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Total != results[j].Total {
			return results[i].Total > results[j].Total
		}
		if results[i].SalienceTerm != results[j].SalienceTerm {
			return results[i].SalienceTerm > results[j].SalienceTerm
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}
