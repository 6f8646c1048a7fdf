// Package consolidate implements the consolidation engine (C6): a
// four-phase state machine that clusters similar atomic episodic
// memories and folds them into a higher-level summary, grounded in
// spec §4.6 and the teacher's centroid clustering
// (pkg/memory/engine.go's clusterRecords/updateCentroid).
package consolidate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

// Phase is one state of the consolidation state machine.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseClustering    Phase = "clustering"
	PhaseConsolidating Phase = "consolidating"
	PhaseLinking       Phase = "linking"
	PhaseFinished      Phase = "finished"
)

// Progress is the object published after every batch, readable
// non-destructively by the health monitor (C9).
type Progress struct {
	Processed             int
	Total                 int
	PercentComplete        float64
	Phase                  Phase
	ClustersIdentified     int
	ClustersConsolidated   int
	MemoriesProcessed      int
	MemoriesTotal          int
	StartedAt              time.Time
	EstimatedRemainingMS   int64
	Cancelled              bool
}

// Options configures the consolidation engine; zero values fall back
// to spec defaults.
type Options struct {
	// SimilarityThreshold for clustering (default 0.85).
	SimilarityThreshold float64
	// MinClusterSize (default 3).
	MinClusterSize int
	// NeighborCount: nearest existing semantic neighbors linked to each
	// new consolidated parent during the linking phase (default 3).
	NeighborCount int
}

func withDefaults(o Options) Options {
	if o.SimilarityThreshold <= 0 {
		o.SimilarityThreshold = 0.85
	}
	if o.MinClusterSize <= 0 {
		o.MinClusterSize = 3
	}
	if o.NeighborCount <= 0 {
		o.NeighborCount = 3
	}
	return o
}

// IDGenerator mints a new memory id; injected so the engine stays
// deterministic in tests.
type IDGenerator func() string

// Engine runs the consolidation state machine over one user's
// episodic memories at a time.
type Engine struct {
	driver store.Driver
	opts   Options
	newID  IDGenerator
}

// New constructs a consolidation Engine.
func New(driver store.Driver, opts Options, newID IDGenerator) *Engine {
	return &Engine{driver: driver, opts: withDefaults(opts), newID: newID}
}

type cluster struct {
	centroid []float64
	members  []model.Record
}

// clusterBySemanticCentroid greedily assigns each candidate to the
// nearest existing cluster centroid if similarity >= threshold, else
// opens a new cluster. The centroid is a running mean, matching the
// teacher's clusterRecords/updateCentroid.
func clusterBySemanticCentroid(records []model.Record, threshold float64) []cluster {
	var clusters []cluster
	for _, rec := range records {
		emb, ok := rec.EmbeddingBySector(model.SectorSemantic)
		if !ok || len(emb.Vector) == 0 {
			continue
		}
		placed := false
		for i := range clusters {
			sim := model.CosineSimilarity(emb.Vector, float32Slice(clusters[i].centroid))
			if sim >= threshold {
				clusters[i].members = append(clusters[i].members, rec)
				clusters[i].centroid = updateCentroid(clusters[i].centroid, emb.Vector)
				placed = true
				break
			}
		}
		if !placed {
			clusters = append(clusters, cluster{centroid: float64Slice(emb.Vector), members: []model.Record{rec}})
		}
	}
	return clusters
}

func updateCentroid(centroid []float64, vec []float32) []float64 {
	if len(centroid) == 0 {
		return float64Slice(vec)
	}
	n := float64(len(centroid))
	out := make([]float64, len(centroid))
	for i := range centroid {
		out[i] = (centroid[i]*n + float64(vec[i])) / (n + 1)
	}
	return out
}

func float64Slice(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

func float32Slice(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// RunTick executes the full clustering -> consolidating -> linking ->
// finished sequence over a snapshot of candidates taken at tick start
// (memories created during the tick are excluded, per spec §4.8's
// ordering guarantee). onProgress is called after every phase
// transition and after every batch within consolidating/linking.
// Cancellation via ctx is checked at phase boundaries only; the
// in-flight phase always finishes. Nothing is rolled back: each
// cluster's parent is written with one driver Create call and its
// children are then updated one by one, a failed cluster or child
// update being skipped.
func (e *Engine) RunTick(ctx context.Context, userID string, now time.Time, onProgress func(Progress)) (Progress, error) {
	started := now
	progress := Progress{Phase: PhaseIdle, StartedAt: started}
	publish := func() {
		if onProgress != nil {
			onProgress(progress)
		}
	}
	publish()

	candidates, err := e.driver.AllForUser(ctx, userID, store.Filters{
		Sectors: []model.Sector{model.SectorEpisodic},
	})
	if err != nil {
		return progress, err
	}
	var atomic []model.Record
	for _, r := range candidates {
		if r.Memory.IsAtomic {
			atomic = append(atomic, r)
		}
	}
	progress.MemoriesTotal = len(atomic)

	select {
	case <-ctx.Done():
		progress.Cancelled = true
		publish()
		return progress, nil
	default:
	}

	progress.Phase = PhaseClustering
	publish()
	clusters := clusterBySemanticCentroid(atomic, e.opts.SimilarityThreshold)
	var qualifying []cluster
	for _, c := range clusters {
		if len(c.members) >= e.opts.MinClusterSize {
			qualifying = append(qualifying, c)
		}
	}
	progress.ClustersIdentified = len(qualifying)
	publish()

	select {
	case <-ctx.Done():
		progress.Cancelled = true
		publish()
		return progress, nil
	default:
	}

	progress.Phase = PhaseConsolidating
	publish()
	type parentWithWeight struct {
		rec    model.Record
		weight float64
	}
	var parents []parentWithWeight
	for _, c := range qualifying {
		parent, weight, err := e.consolidateCluster(ctx, userID, c, now)
		if err != nil {
			continue
		}
		parents = append(parents, parentWithWeight{rec: parent, weight: weight})
		progress.ClustersConsolidated++
		progress.MemoriesProcessed += len(c.members)
		progress.PercentComplete = percent(progress.MemoriesProcessed, progress.MemoriesTotal)
		publish()
	}

	select {
	case <-ctx.Done():
		progress.Cancelled = true
		publish()
		return progress, nil
	default:
	}

	progress.Phase = PhaseLinking
	publish()
	excluded := make(map[string]bool)
	for _, c := range qualifying {
		for _, m := range c.members {
			excluded[m.Memory.ID] = true
		}
	}
	for _, parent := range parents {
		e.linkToNeighbors(ctx, userID, parent.rec, parent.weight, atomic, excluded)
		publish()
	}

	progress.Phase = PhaseFinished
	progress.PercentComplete = 100
	publish()
	return progress, nil
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return 100 * float64(done) / float64(total)
}

func (e *Engine) consolidateCluster(ctx context.Context, userID string, c cluster, now time.Time) (model.Record, float64, error) {
	if len(c.members) == 0 {
		return model.Record{}, 0, fmt.Errorf("empty cluster")
	}
	parentID := e.newID()
	var maxSalience, sumStrength float64
	var contents []string
	for _, m := range c.members {
		if m.Memory.Salience > maxSalience {
			maxSalience = m.Memory.Salience
		}
		sumStrength += m.Memory.Strength
		contents = append(contents, m.Memory.Content)
	}
	meanStrength := sumStrength / float64(len(c.members))
	weight := meanPairwiseSimilarity(c.members)

	parentMem := model.Memory{
		ID:             parentID,
		UserID:         userID,
		Content:        strings.Join(contents, " | "),
		PrimarySector:  model.SectorSemantic,
		CreatedAt:      now,
		LastAccessedAt: now,
		Strength:       meanStrength,
		Salience:       maxSalience,
		DecayRate:      0.05,
		IsAtomic:       false,
	}
	rec := model.Record{Memory: parentMem, Metadata: model.MemoryMetadata{MemoryID: parentID}}
	centroid := model.Normalize(float32Slice(c.centroid))
	for i, s := range model.AllSectors {
		vec := make([]float32, len(centroid))
		if s == model.SectorSemantic {
			copy(vec, centroid)
		}
		rec.Embeddings[i] = model.Embedding{MemoryID: parentID, Sector: s, Vector: vec, CapturedAt: now}
	}
	if err := e.driver.Create(ctx, rec); err != nil {
		return model.Record{}, 0, err
	}

	for _, child := range c.members {
		childMem := child.Memory
		childMem.ParentID = &parentID
		into := parentID
		childMem.ConsolidatedInto = &into
		if err := e.driver.UpdateMemory(ctx, childMem, nil); err != nil {
			continue
		}
	}
	return rec, weight, nil
}

// meanPairwiseSimilarity is the mean cosine similarity across all
// distinct pairs of members' semantic embeddings.
func meanPairwiseSimilarity(members []model.Record) float64 {
	if len(members) < 2 {
		return 0
	}
	var sum float64
	var count int
	for i := 0; i < len(members); i++ {
		ei, ok := members[i].EmbeddingBySector(model.SectorSemantic)
		if !ok {
			continue
		}
		for j := i + 1; j < len(members); j++ {
			ej, ok := members[j].EmbeddingBySector(model.SectorSemantic)
			if !ok {
				continue
			}
			sum += model.CosineSimilarity(ei.Vector, ej.Vector)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// linkToNeighbors creates `related` links from parent to its
// NeighborCount nearest existing semantic neighbors, weight = mean
// pairwise child similarity computed during consolidation, per spec
// §4.6's linking phase. excludeIDs holds every record just folded into
// a parent this tick (across all qualifying clusters, not only
// parent's own) so a parent never links back to its own now-hidden
// children or to a sibling cluster's children.
func (e *Engine) linkToNeighbors(ctx context.Context, userID string, parent model.Record, weight float64, pool []model.Record, excludeIDs map[string]bool) {
	parentEmb, ok := parent.EmbeddingBySector(model.SectorSemantic)
	if !ok || len(parentEmb.Vector) == 0 {
		return
	}
	type scoredNeighbor struct {
		rec model.Record
		sim float64
	}
	var scoredPool []scoredNeighbor
	for _, r := range pool {
		if r.Memory.ID == parent.Memory.ID || excludeIDs[r.Memory.ID] || r.Memory.Hidden() {
			continue
		}
		emb, ok := r.EmbeddingBySector(model.SectorSemantic)
		if !ok || len(emb.Vector) == 0 {
			continue
		}
		scoredPool = append(scoredPool, scoredNeighbor{rec: r, sim: model.CosineSimilarity(parentEmb.Vector, emb.Vector)})
	}
	for i := 1; i < len(scoredPool); i++ {
		for j := i; j > 0 && scoredPool[j].sim > scoredPool[j-1].sim; j-- {
			scoredPool[j], scoredPool[j-1] = scoredPool[j-1], scoredPool[j]
		}
	}
	if len(scoredPool) > e.opts.NeighborCount {
		scoredPool = scoredPool[:e.opts.NeighborCount]
	}
	for _, s := range scoredPool {
		link := model.MemoryLink{SourceID: parent.Memory.ID, TargetID: s.rec.Memory.ID, LinkType: model.LinkRelated, Weight: weight}
		_ = e.driver.UpsertLink(ctx, userID, link)
	}
}
