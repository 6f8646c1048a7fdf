package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
)

// linkKey identifies a unique (source, target, type) edge.
type linkKey struct {
	source, target string
	kind            model.LinkType
}

// MemoryDriver is the in-memory reference Driver: the default for
// tests and lightweight deployments, grounded in the teacher's
// InMemoryStore (pkg/memory/store/in_memory_store.go) generalized from
// a single embedding column to five sectored embeddings plus metadata
// and links.
type MemoryDriver struct {
	mu         sync.RWMutex
	records    map[string]model.Memory
	metadata   map[string]model.MemoryMetadata
	embeddings map[string]map[model.Sector]model.Embedding
	links      map[linkKey]model.MemoryLink
	dimension  int
}

// NewMemoryDriver constructs an empty in-memory driver.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		records:    make(map[string]model.Memory),
		metadata:   make(map[string]model.MemoryMetadata),
		embeddings: make(map[string]map[model.Sector]model.Embedding),
		links:      make(map[linkKey]model.MemoryLink),
	}
}

func (d *MemoryDriver) Create(_ context.Context, rec model.Record) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range rec.Embeddings {
		if d.dimension == 0 && len(e.Vector) > 0 {
			d.dimension = len(e.Vector)
		} else if len(e.Vector) > 0 && len(e.Vector) != d.dimension {
			return model.NewFatalError("embedding dimension mismatch", nil)
		}
	}
	d.records[rec.Memory.ID] = rec.Memory
	d.metadata[rec.Memory.ID] = rec.Metadata
	sectorMap := make(map[model.Sector]model.Embedding, 5)
	for _, e := range rec.Embeddings {
		sectorMap[e.Sector] = e
	}
	d.embeddings[rec.Memory.ID] = sectorMap
	for _, l := range rec.Links {
		d.links[linkKey{l.SourceID, l.TargetID, l.LinkType}] = l
	}
	return nil
}

func (d *MemoryDriver) get(userID, id string) (model.Record, bool) {
	mem, ok := d.records[id]
	if !ok || mem.UserID != userID {
		return model.Record{}, false
	}
	rec := model.Record{Memory: mem, Metadata: d.metadata[id]}
	i := 0
	for _, e := range d.embeddings[id] {
		if i < 5 {
			rec.Embeddings[i] = e
			i++
		}
	}
	for k, l := range d.links {
		if k.source == id {
			rec.Links = append(rec.Links, l)
		}
	}
	return rec, true
}

func (d *MemoryDriver) Get(_ context.Context, userID, id string) (model.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rec, ok := d.get(userID, id)
	if !ok {
		return model.Record{}, model.NewNotFoundError("memory", id)
	}
	return rec, nil
}

func (d *MemoryDriver) Touch(_ context.Context, userID, id string, now time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.records[id]
	if !ok || mem.UserID != userID {
		return model.NewNotFoundError("memory", id)
	}
	mem.LastAccessedAt = now
	mem.AccessCount++
	d.records[id] = mem
	return nil
}

func (d *MemoryDriver) Reinforce(_ context.Context, userID, id string, delta float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.records[id]
	if !ok || mem.UserID != userID {
		return model.NewNotFoundError("memory", id)
	}
	mem.Strength += delta
	if mem.Strength > 1 {
		mem.Strength = 1
	}
	d.records[id] = mem
	return nil
}

func (d *MemoryDriver) UpdateMemory(_ context.Context, mem model.Memory, meta *model.MemoryMetadata) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	existing, ok := d.records[mem.ID]
	if !ok || existing.UserID != mem.UserID {
		return model.NewNotFoundError("memory", mem.ID)
	}
	d.records[mem.ID] = mem
	if meta != nil {
		d.metadata[mem.ID] = *meta
	}
	return nil
}

func (d *MemoryDriver) Delete(_ context.Context, userID, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	mem, ok := d.records[id]
	if !ok || mem.UserID != userID {
		return model.NewNotFoundError("memory", id)
	}
	delete(d.records, id)
	delete(d.metadata, id)
	delete(d.embeddings, id)
	for k := range d.links {
		if k.source == id || k.target == id {
			delete(d.links, k)
		}
	}
	return nil
}

func matchesFilters(mem model.Memory, meta model.MemoryMetadata, f Filters) bool {
	if !f.IncludeHidden && mem.Hidden() {
		return false
	}
	if f.ExcludeTombstoned && mem.ConsolidatedInto != nil && *mem.ConsolidatedInto == model.TombstoneID {
		return false
	}
	if len(f.Sectors) > 0 {
		found := false
		for _, s := range f.Sectors {
			if s == mem.PrimarySector {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range meta.Tags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	if !f.CreatedAfter.IsZero() && mem.CreatedAt.Before(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && mem.CreatedAt.After(f.CreatedBefore) {
		return false
	}
	if f.MinSalience > 0 && mem.Salience < f.MinSalience {
		return false
	}
	if f.MinStrength > 0 && mem.Strength < f.MinStrength {
		return false
	}
	return true
}

func (d *MemoryDriver) ProbeSector(_ context.Context, userID string, sector model.Sector, query []float32, filters Filters, limit int) ([]Candidate, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if limit <= 0 {
		return nil, nil
	}
	type scored struct {
		rec   model.Record
		score float64
	}
	var pool []scored
	for id, mem := range d.records {
		if mem.UserID != userID {
			continue
		}
		meta := d.metadata[id]
		if !matchesFilters(mem, meta, filters) {
			continue
		}
		sectorEmb, ok := d.embeddings[id][sector]
		if !ok {
			continue
		}
		sim := model.CosineSimilarity(query, sectorEmb.Vector)
		rec, _ := d.get(userID, id)
		pool = append(pool, scored{rec: rec, score: sim})
	}
	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		return pool[i].rec.Memory.ID < pool[j].rec.Memory.ID
	})
	if len(pool) > limit {
		pool = pool[:limit]
	}
	out := make([]Candidate, len(pool))
	for i, s := range pool {
		out[i] = Candidate{Record: s.rec, Similarity: s.score, Sector: sector}
	}
	return out, nil
}

func (d *MemoryDriver) AllForUser(_ context.Context, userID string, filters Filters) ([]model.Record, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []string
	for id, mem := range d.records {
		if mem.UserID != userID {
			continue
		}
		if !matchesFilters(mem, d.metadata[id], filters) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return d.records[ids[i]].CreatedAt.Before(d.records[ids[j]].CreatedAt)
	})
	out := make([]model.Record, 0, len(ids))
	for _, id := range ids {
		rec, _ := d.get(userID, id)
		out = append(out, rec)
	}
	return out, nil
}

func (d *MemoryDriver) UpsertLink(_ context.Context, userID string, link model.MemoryLink) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	src, ok := d.records[link.SourceID]
	if !ok || src.UserID != userID {
		return model.NewNotFoundError("memory", link.SourceID)
	}
	tgt, ok := d.records[link.TargetID]
	if !ok || tgt.UserID != userID {
		return model.NewNotFoundError("memory", link.TargetID)
	}
	if link.SourceID == link.TargetID {
		return model.NewValidationError("target_id", "self_loop", "source != target", "choose a different target")
	}
	d.links[linkKey{link.SourceID, link.TargetID, link.LinkType}] = link
	return nil
}

func (d *MemoryDriver) LinksFrom(_ context.Context, userID, id string) ([]model.MemoryLink, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.MemoryLink
	for k, l := range d.links {
		if k.source == id {
			if mem, ok := d.records[id]; ok && mem.UserID == userID {
				out = append(out, l)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out, nil
}

func (d *MemoryDriver) LinksTo(_ context.Context, userID, id string) ([]model.MemoryLink, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []model.MemoryLink
	for k, l := range d.links {
		if k.target == id {
			if mem, ok := d.records[id]; ok && mem.UserID == userID {
				out = append(out, l)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

func (d *MemoryDriver) Stats(_ context.Context, userID string) (Stats, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	now := time.Now().UTC()
	st := Stats{
		CountBySector:    map[model.Sector]int{},
		CountByAgeBucket: map[string]int{"24h": 0, "week": 0, "month": 0, "older": 0},
	}
	for _, s := range model.AllSectors {
		st.CountBySector[s] = 0
	}
	for id, mem := range d.records {
		if mem.UserID != userID {
			continue
		}
		st.TotalMemories++
		st.CountBySector[mem.PrimarySector]++
		st.ContentBytes += int64(len(mem.Content))
		for _, e := range d.embeddings[id] {
			st.EmbeddingBytes += int64(len(e.Vector) * 4)
		}
		age := now.Sub(mem.CreatedAt)
		switch {
		case age <= 24*time.Hour:
			st.CountByAgeBucket["24h"]++
		case age <= 7*24*time.Hour:
			st.CountByAgeBucket["week"]++
		case age <= 30*24*time.Hour:
			st.CountByAgeBucket["month"]++
		default:
			st.CountByAgeBucket["older"]++
		}
		if mem.IsAtomic && mem.PrimarySector == model.SectorEpisodic && mem.ConsolidatedInto == nil {
			st.AtomicEpisodic++
		}
	}
	return st, nil
}

func (d *MemoryDriver) ReplaceAllForUser(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, mem := range d.records {
		if mem.UserID != userID {
			continue
		}
		delete(d.records, id)
		delete(d.metadata, id)
		delete(d.embeddings, id)
		for k := range d.links {
			if k.source == id || k.target == id {
				delete(d.links, k)
			}
		}
	}
	return nil
}

func (d *MemoryDriver) EmbeddingDimension(_ context.Context) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dimension, nil
}
