package cache

import (
	"testing"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

func candidates(ids ...string) []store.Candidate {
	out := make([]store.Candidate, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.Candidate{Record: model.Record{Memory: model.Memory{ID: id}}})
	}
	return out
}

func TestGetMissReturnsFalse(t *testing.T) {
	c := New(10, time.Minute)
	if _, ok := c.Get("missing"); ok {
		t.Fatalf("expected a miss on an empty cache")
	}
}

func TestSetThenGetRoundTrips(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("k1", candidates("a", "b"))
	got, ok := c.Get("k1")
	if !ok {
		t.Fatalf("expected a hit after Set")
	}
	if len(got) != 2 || got[0].Record.Memory.ID != "a" {
		t.Fatalf("expected round-tripped candidates, got %+v", got)
	}
}

func TestEntryExpiresAfterTTL(t *testing.T) {
	c := New(10, 5*time.Millisecond)
	c.Set("k1", candidates("a"))
	time.Sleep(20 * time.Millisecond)
	if _, ok := c.Get("k1"); ok {
		t.Fatalf("expected the entry to have expired")
	}
	if c.Len() != 0 {
		t.Fatalf("expected the expired entry to be evicted on access, Len=%d", c.Len())
	}
}

func TestCapacityEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2, time.Minute)
	c.Set("k1", candidates("a"))
	c.Set("k2", candidates("b"))
	c.Set("k3", candidates("c")) // evicts k1, the least-recently-used

	if _, ok := c.Get("k1"); ok {
		t.Fatalf("expected k1 to have been evicted over capacity")
	}
	if _, ok := c.Get("k2"); !ok {
		t.Fatalf("expected k2 to still be present")
	}
	if _, ok := c.Get("k3"); !ok {
		t.Fatalf("expected k3 to still be present")
	}
}

func TestGetPromotesEntryToFront(t *testing.T) {
	c := New(2, time.Minute)
	c.Set("k1", candidates("a"))
	c.Set("k2", candidates("b"))
	c.Get("k1")                // k1 is now most-recently-used
	c.Set("k3", candidates("c")) // should evict k2, not k1

	if _, ok := c.Get("k1"); !ok {
		t.Fatalf("expected k1 to survive eviction after being accessed")
	}
	if _, ok := c.Get("k2"); ok {
		t.Fatalf("expected k2 to have been evicted as the new least-recently-used")
	}
}

func TestClearRemovesAllEntries(t *testing.T) {
	c := New(10, time.Minute)
	c.Set("k1", candidates("a"))
	c.Set("k2", candidates("b"))
	c.Clear()
	if c.Len() != 0 {
		t.Fatalf("expected 0 entries after Clear, got %d", c.Len())
	}
}

func TestKeyIsDeterministicAndDistinguishesInputs(t *testing.T) {
	v := []float32{0.1, 0.2, 0.3}
	k1 := Key("u1", "episodic", v)
	k2 := Key("u1", "episodic", v)
	if k1 != k2 {
		t.Fatalf("expected Key to be deterministic for identical inputs")
	}
	if Key("u2", "episodic", v) == k1 {
		t.Fatalf("expected different user ids to produce different keys")
	}
	if Key("u1", "semantic", v) == k1 {
		t.Fatalf("expected different sectors to produce different keys")
	}
	if Key("u1", "episodic", []float32{0.9, 0.2, 0.3}) == k1 {
		t.Fatalf("expected different query vectors to produce different keys")
	}
}
