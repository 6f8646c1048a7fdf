package consolidate

import (
	"context"
	"testing"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

func seedAtomicEpisodic(t *testing.T, driver *store.MemoryDriver, userID, id string, semanticVec []float32, now time.Time) {
	t.Helper()
	rec := model.Record{
		Memory: model.Memory{
			ID: id, UserID: userID, Content: "event " + id, PrimarySector: model.SectorEpisodic,
			CreatedAt: now, LastAccessedAt: now, Strength: 0.8, Salience: 0.5, IsAtomic: true,
		},
		Metadata: model.MemoryMetadata{MemoryID: id},
	}
	for i, s := range model.AllSectors {
		vec := []float32{0, 0}
		if s == model.SectorSemantic {
			vec = semanticVec
		}
		rec.Embeddings[i] = model.Embedding{MemoryID: id, Sector: s, Vector: vec, CapturedAt: now}
	}
	if err := driver.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestRunTickConsolidatesSimilarClusterAboveMinSize(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newID := func() string { return "parent-1" }
	e := New(driver, Options{SimilarityThreshold: 0.85, MinClusterSize: 3, NeighborCount: 3}, newID)

	// Three nearly-identical vectors cluster together; one distinct
	// vector stays its own (too-small) cluster and is left alone.
	same := []float32{1, 0}
	seedAtomicEpisodic(t, driver, "u1", "a", same, now)
	seedAtomicEpisodic(t, driver, "u1", "b", same, now)
	seedAtomicEpisodic(t, driver, "u1", "c", same, now)
	seedAtomicEpisodic(t, driver, "u1", "d", []float32{0, 1}, now)

	progress, err := e.RunTick(context.Background(), "u1", now, nil)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if progress.Phase != PhaseFinished {
		t.Fatalf("expected phase finished, got %s", progress.Phase)
	}
	if progress.ClustersIdentified != 1 {
		t.Fatalf("expected exactly 1 qualifying cluster (size>=3), got %d", progress.ClustersIdentified)
	}
	if progress.ClustersConsolidated != 1 {
		t.Fatalf("expected 1 consolidated cluster, got %d", progress.ClustersConsolidated)
	}

	parent, err := driver.Get(context.Background(), "u1", "parent-1")
	if err != nil {
		t.Fatalf("get parent: %v", err)
	}
	emb, ok := parent.EmbeddingBySector(model.SectorSemantic)
	if !ok || len(emb.Vector) == 0 {
		t.Fatalf("expected parent to carry a non-empty semantic centroid embedding")
	}
	if !model.IsUnitOrZero(emb.Vector, 1e-6) {
		t.Fatalf("expected parent's semantic embedding to be unit-normalized, got norm=%.4f", model.L2Norm(emb.Vector))
	}

	for _, childID := range []string{"a", "b", "c"} {
		child, err := driver.Get(context.Background(), "u1", childID)
		if err != nil {
			t.Fatalf("get child %s: %v", childID, err)
		}
		if child.Memory.ConsolidatedInto == nil || *child.Memory.ConsolidatedInto != "parent-1" {
			t.Fatalf("expected %s to be consolidated into parent-1", childID)
		}
	}

	// "d" never joined a qualifying cluster, so it must remain untouched.
	d, err := driver.Get(context.Background(), "u1", "d")
	if err != nil {
		t.Fatalf("get d: %v", err)
	}
	if d.Memory.ConsolidatedInto != nil {
		t.Fatalf("expected 'd' to remain unconsolidated (cluster size 1 < MinClusterSize 3)")
	}
}

func TestLinkToNeighborsExcludesOwnClusterMembers(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	newID := func() string { return "parent-1" }
	e := New(driver, Options{SimilarityThreshold: 0.85, MinClusterSize: 3, NeighborCount: 3}, newID)

	same := []float32{1, 0}
	seedAtomicEpisodic(t, driver, "u1", "a", same, now)
	seedAtomicEpisodic(t, driver, "u1", "b", same, now)
	seedAtomicEpisodic(t, driver, "u1", "c", same, now)
	// A distinct, still-visible memory that never joins the cluster but
	// is the nearest remaining neighbor once the cluster is excluded.
	seedAtomicEpisodic(t, driver, "u1", "neighbor", []float32{0.8, 0.6}, now)

	if _, err := e.RunTick(context.Background(), "u1", now, nil); err != nil {
		t.Fatalf("run tick: %v", err)
	}

	links, err := driver.LinksFrom(context.Background(), "u1", "parent-1")
	if err != nil {
		t.Fatalf("links from parent: %v", err)
	}
	for _, l := range links {
		if l.TargetID == "a" || l.TargetID == "b" || l.TargetID == "c" {
			t.Fatalf("expected parent's links to exclude its own just-hidden children, found link to %s", l.TargetID)
		}
	}
	foundNeighbor := false
	for _, l := range links {
		if l.TargetID == "neighbor" {
			foundNeighbor = true
		}
	}
	if !foundNeighbor {
		t.Fatalf("expected parent to link to the distinct still-visible 'neighbor' memory, got links=%+v", links)
	}
}

func TestMeanPairwiseSimilaritySingleMemberIsZero(t *testing.T) {
	members := []model.Record{{Memory: model.Memory{ID: "only"}}}
	if got := meanPairwiseSimilarity(members); got != 0 {
		t.Fatalf("expected 0 for a single-member cluster, got %.4f", got)
	}
}

func TestUpdateCentroidIsRunningMean(t *testing.T) {
	c := updateCentroid(nil, []float32{2, 0})
	c = updateCentroid(c, []float32{0, 2})
	if c[0] != 1 || c[1] != 1 {
		t.Fatalf("expected running mean [1,1], got %v", c)
	}
}
