// Package memstore implements the memory store (C3): CRUD over
// memories/metadata/links/embeddings, enforcing the data-model
// invariants of spec §3 and running the search algorithm of spec
// §4.3, handing the candidate pool to the ranker (C4). Grounded in the
// teacher's pkg/memory/engine.go Store/Retrieve orchestration,
// generalized from one embedding column to five sectored embeddings.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/protocol-lattice/cogmem/internal/cache"
	"github.com/protocol-lattice/cogmem/internal/embed"
	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/ranker"
	"github.com/protocol-lattice/cogmem/internal/store"
)

// Reinforcer applies the decay engine's retrieval-triggered
// reinforcement path (spec §4.5: "the only source of strength
// increase"). Implemented by *decay.Engine; declared here rather than
// imported directly so memstore doesn't need to depend on decay's
// batching internals, only this one call.
type Reinforcer interface {
	Reinforce(ctx context.Context, userID, memoryID string, similarity float64) error
}

// MaxContentBytes bounds Create's content length (spec §4.3: "non-empty, ≤ bound").
const MaxContentBytes = 32 * 1024

// CreateInput is Store's Create request.
type CreateInput struct {
	UserID    string
	SessionID string
	Content   string
	Sector    model.Sector
	Metadata  model.MemoryMetadata
	Links     []model.MemoryLink
}

// SearchInput is Store's Search request.
type SearchInput struct {
	UserID          string
	QueryText       string
	QueryEmbeddings embed.SectorEmbeddings // bypasses the embedding step if set
	Filters         store.Filters
	Limit           int                  // default 10
	RankingMethod   RankingMethod
	MMRLambda       float64 // used only for RankingMethod == RankingCompositeMMR
}

// RankingMethod selects the combine strategy for Search.
type RankingMethod string

const (
	RankingSimilarity  RankingMethod = "similarity"
	RankingComposite   RankingMethod = "composite"
	RankingCompositeMMR RankingMethod = "composite_mmr" // supplemented: MMR-diversified composite (see SPEC_FULL.md §2.3)
)

// SearchResultItem is one ranked hit.
type SearchResultItem struct {
	Record model.Record
	Score  ranker.Ranked
}

// SearchOutput is Search's full response.
type SearchOutput struct {
	Results          []SearchResultItem
	ProcessingTimeMS int64
	RankingMethod    RankingMethod
	TotalCandidates  int
}

// IDGenerator mints a new memory id.
type IDGenerator func() string

// Clock returns the current time; overridable for deterministic tests.
type Clock func() time.Time

// Store is the C3 facade over a persistence driver, an embedding
// provider, and the composite ranker.
type Store struct {
	driver     store.Driver
	embedder   embed.Provider
	rank       *ranker.Ranker
	newID      IDGenerator
	now        Clock
	pool       *cache.CandidatePool
	reinforcer Reinforcer
}

// New constructs a Store. now defaults to time.Now if nil. A bounded,
// short-TTL cache of per-sector nearest-neighbor probes is attached so
// that repeated identical searches (e.g. pagination, retries) within
// the TTL window skip the driver round-trip. reinforcer may be nil, in
// which case retrieval never reinforces strength (used in tests that
// don't care about decay).
func New(driver store.Driver, embedder embed.Provider, rank *ranker.Ranker, newID IDGenerator, now Clock, reinforcer Reinforcer) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{driver: driver, embedder: embedder, rank: rank, newID: newID, now: now, pool: cache.New(512, 5*time.Second), reinforcer: reinforcer}
}

// Create embeds content across the five sectors, validates invariants,
// and persists the memory/metadata/embeddings/links atomically via the
// driver (spec §4.3 Create). Returns the new id.
func (s *Store) Create(ctx context.Context, in CreateInput) (string, error) {
	if in.UserID == "" {
		return "", model.NewValidationError("user_id", "required", "user_id must be non-empty", "pass a user id")
	}
	if len(in.Content) == 0 {
		return "", model.NewValidationError("content", "required", "content must be non-empty", "pass non-empty content")
	}
	if len(in.Content) > MaxContentBytes {
		return "", model.NewValidationError("content", "too_long", fmt.Sprintf("content exceeds %d bytes", MaxContentBytes), "shorten the content")
	}
	if !in.Sector.Valid() {
		return "", model.NewValidationError("sector", "invalid", "sector must be one of the five known sectors", "pass a known sector")
	}
	for _, l := range in.Links {
		if l.SourceID == l.TargetID {
			return "", model.NewValidationError("links", "self_loop", "link source and target must differ", "remove the self-loop")
		}
	}

	sectorVecs, err := s.embedder.Embed(ctx, in.Content)
	if err != nil {
		return "", fmt.Errorf("embed content: %w", err)
	}

	now := s.now().UTC()
	id := s.newID()
	mem := model.Memory{
		ID:             id,
		UserID:         in.UserID,
		SessionID:      in.SessionID,
		Content:        in.Content,
		PrimarySector:  in.Sector,
		CreatedAt:      now,
		LastAccessedAt: now,
		AccessCount:    0,
		Strength:       1.0,
		Salience:       clamp01(in.Metadata.Importance),
		DecayRate:      0.05,
		IsAtomic:       true,
	}
	meta := in.Metadata
	meta.MemoryID = id
	meta.CanonicalizeOrder()

	rec := model.Record{Memory: mem, Metadata: meta}
	for i, sec := range model.AllSectors {
		rec.Embeddings[i] = model.Embedding{MemoryID: id, Sector: sec, Vector: sectorVecs[sec], CapturedAt: now}
	}
	for _, l := range in.Links {
		l.SourceID = id
		rec.Links = append(rec.Links, l)
	}

	if err := s.driver.Create(ctx, rec); err != nil {
		return "", fmt.Errorf("create: %w", err)
	}
	for _, l := range rec.Links {
		if err := s.driver.UpsertLink(ctx, in.UserID, l); err != nil {
			return "", fmt.Errorf("create: link %s->%s: %w", l.SourceID, l.TargetID, err)
		}
	}
	return id, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Get retrieves a memory by id, touching last_accessed_at/access_count
// as a side effect (spec §4.3 "Retrieve by id").
func (s *Store) Get(ctx context.Context, userID, id string) (model.Record, error) {
	rec, err := s.driver.Get(ctx, userID, id)
	if err != nil {
		return model.Record{}, err
	}
	now := s.now().UTC()
	if err := s.driver.Touch(ctx, userID, id, now); err == nil {
		rec.Memory.LastAccessedAt = now
		rec.Memory.AccessCount++
	}
	if s.reinforcer != nil {
		// A direct by-id retrieval is maximally relevant to itself.
		_ = s.reinforcer.Reinforce(ctx, userID, id, 1.0)
	}
	return rec, nil
}

// Search runs the candidate-pool/dedup/combine/rank pipeline of spec
// §4.3-§4.4.
func (s *Store) Search(ctx context.Context, in SearchInput) (SearchOutput, error) {
	start := s.now()
	if in.UserID == "" {
		return SearchOutput{}, model.NewValidationError("user_id", "required", "user_id must be non-empty", "pass a user id")
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	method := in.RankingMethod
	if method == "" {
		method = RankingComposite
	}

	queryVecs := in.QueryEmbeddings
	if queryVecs == nil {
		if in.QueryText == "" {
			return SearchOutput{}, model.NewValidationError("query", "required", "either query_text or query_embeddings must be set", "pass a query")
		}
		vecs, err := s.embedder.Embed(ctx, in.QueryText)
		if err != nil {
			return SearchOutput{}, fmt.Errorf("embed query: %w", err)
		}
		queryVecs = vecs
	}

	filters := in.Filters
	filters.ExcludeTombstoned = true
	poolLimit := 5 * limit
	// Filters.Sectors selects which sector embeddings are probed below;
	// it is not passed on as a primary-sector filter.
	probeFilters := filters
	probeFilters.Sectors = nil

	// Step 1+2: per-sector nearest-neighbor probes, deduped by memory id,
	// combined via max-over-sectors (spec §4.3 step 2's default combine).
	combined := map[string]float64{}
	recordByID := map[string]model.Record{}
	for sector, vec := range queryVecs {
		sectors := filters.Sectors
		if len(sectors) > 0 {
			allowed := false
			for _, sc := range sectors {
				if sc == sector {
					allowed = true
					break
				}
			}
			if !allowed {
				continue
			}
		}
		key := cache.Key(in.UserID, fmt.Sprintf("%s|%v", sector, filters), vec)
		cands, hit := s.pool.Get(key)
		if !hit {
			var err error
			cands, err = s.driver.ProbeSector(ctx, in.UserID, sector, vec, probeFilters, poolLimit)
			if err != nil {
				return SearchOutput{}, fmt.Errorf("probe sector %s: %w", sector, err)
			}
			s.pool.Set(key, cands)
		}
		for _, c := range cands {
			id := c.Record.Memory.ID
			recordByID[id] = c.Record
			if c.Similarity > combined[id] {
				combined[id] = c.Similarity
			}
		}
	}

	candidates := make([]ranker.Candidate, 0, len(combined))
	for id, sim := range combined {
		rec := recordByID[id]
		candidates = append(candidates, ranker.Candidate{Memory: rec.Memory, Similarity: sim, Links: rec.Links})
	}
	totalCandidates := len(candidates)

	var ranked []ranker.Ranked
	switch method {
	case RankingSimilarity:
		ranked = make([]ranker.Ranked, len(candidates))
		for i, c := range candidates {
			ranked[i] = ranker.Ranked{Memory: c.Memory, Total: c.Similarity, Similarity: c.Similarity}
		}
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].Total != ranked[j].Total {
				return ranked[i].Total > ranked[j].Total
			}
			if ranked[i].Memory.Salience != ranked[j].Memory.Salience {
				return ranked[i].Memory.Salience > ranked[j].Memory.Salience
			}
			return ranked[i].Memory.ID < ranked[j].Memory.ID
		})
	case RankingCompositeMMR:
		all := s.rank.Rank(start, candidates)
		simByID := make(map[string]float64, len(candidates))
		for _, c := range candidates {
			simByID[c.Memory.ID] = c.Similarity
		}
		lambda := in.MMRLambda
		if lambda <= 0 {
			lambda = 0.5
		}
		ranked = ranker.MMRSelect(all, func(a, b ranker.Ranked) float64 {
			recA, recB := recordByID[a.Memory.ID], recordByID[b.Memory.ID]
			embA, okA := recA.EmbeddingBySector(recA.Memory.PrimarySector)
			embB, okB := recB.EmbeddingBySector(recB.Memory.PrimarySector)
			if !okA || !okB {
				return 0
			}
			return model.CosineSimilarity(embA.Vector, embB.Vector)
		}, limit, lambda)
	default: // RankingComposite
		ranked = s.rank.Rank(start, candidates)
	}

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := SearchOutput{ProcessingTimeMS: time.Since(start).Milliseconds(), RankingMethod: method, TotalCandidates: totalCandidates}
	for _, r := range ranked {
		out.Results = append(out.Results, SearchResultItem{Record: recordByID[r.Memory.ID], Score: r})
		if s.reinforcer != nil {
			_ = s.reinforcer.Reinforce(ctx, in.UserID, r.Memory.ID, r.Similarity)
		}
	}
	return out, nil
}

// Update applies a patch to an existing memory, re-embedding content
// only when the caller changed it. Invariants (salience/strength
// bounds) are re-clamped before persisting.
type UpdateInput struct {
	UserID       string
	ID           string
	Content      *string
	Metadata     *model.MemoryMetadata
	Salience     *float64
	ReembedOnContentChange bool
}

func (s *Store) Update(ctx context.Context, in UpdateInput) (model.Record, error) {
	rec, err := s.driver.Get(ctx, in.UserID, in.ID)
	if err != nil {
		return model.Record{}, err
	}
	mem := rec.Memory
	meta := rec.Metadata

	if in.Content != nil {
		mem.Content = *in.Content
	}
	if in.Salience != nil {
		mem.Salience = clamp01(*in.Salience)
	}
	if in.Metadata != nil {
		meta = *in.Metadata
		meta.MemoryID = mem.ID
		meta.Importance = clamp01(meta.Importance)
		meta.CanonicalizeOrder()
	}

	if err := s.driver.UpdateMemory(ctx, mem, &meta); err != nil {
		return model.Record{}, err
	}

	if in.Content != nil && in.ReembedOnContentChange {
		vecs, err := s.embedder.Embed(ctx, *in.Content)
		if err == nil {
			now := s.now().UTC()
			newRec := model.Record{Memory: mem, Metadata: meta}
			for i, sec := range model.AllSectors {
				newRec.Embeddings[i] = model.Embedding{MemoryID: mem.ID, Sector: sec, Vector: vecs[sec], CapturedAt: now}
			}
			_ = s.driver.Create(ctx, newRec) // overwrite in place (same id)
		}
	}
	return s.driver.Get(ctx, in.UserID, in.ID)
}

// Delete removes a memory and its cascaded metadata/embeddings/links
// (spec §4.3 Update/Delete). Prefer forget.Engine's archive path over
// this for policy-driven removal.
func (s *Store) Delete(ctx context.Context, userID, id string) error {
	return s.driver.Delete(ctx, userID, id)
}
