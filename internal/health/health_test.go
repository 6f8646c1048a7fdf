package health

import (
	"context"
	"testing"
	"time"

	"github.com/protocol-lattice/cogmem/internal/consolidate"
	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

func seedEpisodic(t *testing.T, driver *store.MemoryDriver, id string, createdAt time.Time, strength float64, accessCount int64) {
	t.Helper()
	rec := model.Record{Memory: model.Memory{
		ID: id, UserID: "u1", Content: "some content", PrimarySector: model.SectorEpisodic,
		CreatedAt: createdAt, LastAccessedAt: createdAt, Strength: strength, IsAtomic: true, AccessCount: accessCount,
	}}
	for i, s := range model.AllSectors {
		rec.Embeddings[i] = model.Embedding{MemoryID: id, Sector: s, Vector: []float32{1, 0}}
	}
	if err := driver.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestSnapshotRejectsEmptyUserID(t *testing.T) {
	m := New(store.NewMemoryDriver(), Options{}, nil)
	if _, err := m.Snapshot(context.Background(), "", time.Now()); err == nil {
		t.Fatalf("expected validation error for empty user_id")
	}
}

func TestSnapshotZeroFillsAllSectorsAndAgeBuckets(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedEpisodic(t, driver, "m1", now, 0.9, 5)

	m := New(driver, Options{}, nil)
	snap, err := m.Snapshot(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	for _, s := range model.AllSectors {
		if _, ok := snap.CountsBySector[s]; !ok {
			t.Fatalf("expected sector %s to be zero-filled", s)
		}
	}
	for _, bucket := range []string{"24h", "week", "month", "older"} {
		if _, ok := snap.CountsByAge[bucket]; !ok {
			t.Fatalf("expected age bucket %q to be zero-filled", bucket)
		}
	}
}

func TestForgettingCandidatesDeduplicatesAcrossBuckets(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	// Old AND low-strength AND low-access: should count once in TotalUnique.
	seedEpisodic(t, driver, "triple", now.Add(-200*24*time.Hour), 0.01, 0)

	m := New(driver, Options{}, nil)
	snap, err := m.Snapshot(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ForgettingCandidates.TotalUnique != 1 {
		t.Fatalf("expected 1 unique forgetting candidate, got %d", snap.ForgettingCandidates.TotalUnique)
	}
	if snap.ForgettingCandidates.LowStrength != 1 || snap.ForgettingCandidates.OldAge != 1 || snap.ForgettingCandidates.LowAccess != 1 {
		t.Fatalf("expected all three per-bucket counts to be 1, got %+v", snap.ForgettingCandidates)
	}
}

func TestRecommendationsFireAboveThresholds(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 51; i++ {
		seedEpisodic(t, driver, string(rune('a'+i)), now, 0.9, 5)
	}

	m := New(driver, Options{QuotaBytes: 1}, nil) // tiny quota forces high usage_percent
	snap, err := m.Snapshot(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	var kinds []string
	for _, r := range snap.Recommendations {
		kinds = append(kinds, r.Kind)
	}
	want := map[string]bool{"optimization": false, "consolidation": false}
	for _, k := range kinds {
		if _, ok := want[k]; ok {
			want[k] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Fatalf("expected recommendation kind %q to fire, got kinds=%v", k, kinds)
		}
	}
}

func TestActiveConsolidationReflectsRunningProgress(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	progress := consolidate.Progress{Phase: consolidate.PhaseClustering, Total: 10, Processed: 3}
	src := func() (consolidate.Progress, bool) { return progress, true }

	m := New(driver, Options{}, src)
	snap, err := m.Snapshot(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.ActiveConsolidation.IsRunning {
		t.Fatalf("expected IsRunning=true for a non-finished phase")
	}
	if snap.ActiveConsolidation.Phase != consolidate.PhaseClustering {
		t.Fatalf("expected phase clustering, got %s", snap.ActiveConsolidation.Phase)
	}
}

func TestActiveConsolidationIdleWhenFinished(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := func() (consolidate.Progress, bool) {
		return consolidate.Progress{Phase: consolidate.PhaseFinished}, true
	}

	m := New(driver, Options{}, src)
	snap, err := m.Snapshot(context.Background(), "u1", now)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.ActiveConsolidation.IsRunning {
		t.Fatalf("expected IsRunning=false once phase is finished")
	}
}
