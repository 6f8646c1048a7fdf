package decay

import (
	"context"
	"testing"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

func seedMemory(t *testing.T, driver *store.MemoryDriver, id string, lastAccessed time.Time, strength, decayRate float64) {
	t.Helper()
	rec := model.Record{Memory: model.Memory{
		ID: id, UserID: "u1", Content: "x", PrimarySector: model.SectorEpisodic,
		CreatedAt: lastAccessed, LastAccessedAt: lastAccessed, Strength: strength, DecayRate: decayRate,
	}}
	for i, s := range model.AllSectors {
		rec.Embeddings[i] = model.Embedding{MemoryID: id, Sector: s, Vector: []float32{1, 0}}
	}
	if err := driver.Create(context.Background(), rec); err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

func TestRunTickAppliesLinearDecay(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	tenDaysAgo := now.Add(-10 * 24 * time.Hour)
	seedMemory(t, driver, "m1", tenDaysAgo, 1.0, 0.02)

	e := New(driver, DefaultOptions())
	result, err := e.RunTick(context.Background(), "u1", now, nil)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if result.Processed != 1 {
		t.Fatalf("expected 1 processed memory, got %d", result.Processed)
	}

	rec, err := driver.Get(context.Background(), "u1", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := 1.0 - 0.02*10
	if diff := rec.Memory.Strength - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected strength %.4f after 10 days' decay, got %.4f", want, rec.Memory.Strength)
	}
}

func TestRunTickStrengthNeverGoesNegative(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	longAgo := now.Add(-1000 * 24 * time.Hour)
	seedMemory(t, driver, "m1", longAgo, 0.5, 0.9)

	e := New(driver, DefaultOptions())
	if _, err := e.RunTick(context.Background(), "u1", now, nil); err != nil {
		t.Fatalf("run tick: %v", err)
	}
	rec, err := driver.Get(context.Background(), "u1", "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Memory.Strength < 0 {
		t.Fatalf("expected strength floored at 0, got %.4f", rec.Memory.Strength)
	}
}

func TestRunTickFlagsForgettingEligible(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	longAgo := now.Add(-100 * 24 * time.Hour)
	seedMemory(t, driver, "low", longAgo, 0.3, 0.1)

	opts := DefaultOptions()
	opts.ForgettingCandidateFloor = 0.2
	e := New(driver, opts)
	result, err := e.RunTick(context.Background(), "u1", now, nil)
	if err != nil {
		t.Fatalf("run tick: %v", err)
	}
	if result.ForgettingEligible != 1 {
		t.Fatalf("expected 1 memory flagged forgetting-eligible, got %d", result.ForgettingEligible)
	}
}

func TestReinforceBelowThresholdNoOp(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMemory(t, driver, "m1", now, 0.5, 0.1)

	e := New(driver, DefaultOptions())
	if err := e.Reinforce(context.Background(), "u1", "m1", 0.1); err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	rec, _ := driver.Get(context.Background(), "u1", "m1")
	if rec.Memory.Strength != 0.5 {
		t.Fatalf("expected no reinforcement below threshold, strength changed to %.4f", rec.Memory.Strength)
	}
}

func TestReinforceAtOrAboveThresholdIncreasesStrengthCappedAtOne(t *testing.T) {
	driver := store.NewMemoryDriver()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	seedMemory(t, driver, "m1", now, 0.98, 0.1)

	e := New(driver, DefaultOptions())
	if err := e.Reinforce(context.Background(), "u1", "m1", 0.5); err != nil {
		t.Fatalf("reinforce: %v", err)
	}
	rec, _ := driver.Get(context.Background(), "u1", "m1")
	if rec.Memory.Strength != 1.0 {
		t.Fatalf("expected strength capped at 1.0, got %.4f", rec.Memory.Strength)
	}
}
