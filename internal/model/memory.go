package model

import (
	"sort"
	"time"
)

// Memory is the primary stored entity: a sectored, decaying, linkable
// observation belonging to exactly one user.
type Memory struct {
	ID               string    `json:"id"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id,omitempty"`
	Content          string    `json:"content"`
	PrimarySector    Sector    `json:"primary_sector"`
	CreatedAt        time.Time `json:"created_at"`
	LastAccessedAt   time.Time `json:"last_accessed_at"`
	AccessCount      int64     `json:"access_count"`
	Strength         float64   `json:"strength"`
	Salience         float64   `json:"salience"`
	DecayRate        float64   `json:"decay_rate"`
	IsAtomic         bool      `json:"is_atomic"`
	ParentID         *string   `json:"parent_id,omitempty"`
	ConsolidatedInto *string   `json:"consolidated_into,omitempty"`
}

// Hidden reports whether the memory is invisible to default retrieval.
func (m Memory) Hidden() bool {
	return m.ConsolidatedInto != nil
}

// MemoryMetadata is one-to-one with a Memory.
type MemoryMetadata struct {
	MemoryID      string   `json:"memory_id"`
	Keywords      []string `json:"keywords,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	Category      string   `json:"category,omitempty"`
	Context       string   `json:"context,omitempty"`
	Importance    float64  `json:"importance"`
	EmotionalTags []string `json:"emotional_tags,omitempty"`
}

// CanonicalizeOrder sorts the metadata's keyword-set fields in place so
// two semantically identical memories built from differently-ordered
// input serialize identically (spec invariant: bit-exact export/import
// round-tripping requires a canonical sort of keyword sets).
func (m *MemoryMetadata) CanonicalizeOrder() {
	sort.Strings(m.Keywords)
	sort.Strings(m.Tags)
	sort.Strings(m.EmotionalTags)
}

// Embedding is one per sector per memory; exactly five exist for a
// committed memory, each L2-normalized to unit length (or all zero for
// degenerate input).
type Embedding struct {
	MemoryID   string    `json:"memory_id"`
	Sector     Sector    `json:"sector"`
	Vector     []float32 `json:"vector"`
	ModelID    string    `json:"model_id"`
	CapturedAt time.Time `json:"captured_at"`
}

// LinkType extends a small closed core set of named relations; the
// schema itself treats it as an open string so callers can mint new
// kinds, matching spec §3's "…extensible" note.
type LinkType string

const (
	LinkSemantic   LinkType = "semantic"
	LinkCausal     LinkType = "causal"
	LinkTemporal   LinkType = "temporal"
	LinkAnalogical LinkType = "analogical"
	LinkRelated    LinkType = "related"
	LinkSimilar    LinkType = "similar"
)

// MemoryLink is a directed, weighted edge between two memories owned by
// the same user. (source_id, target_id, link_type) is unique; self-loops
// are forbidden by the store on write.
type MemoryLink struct {
	SourceID string   `json:"source_id"`
	TargetID string   `json:"target_id"`
	LinkType LinkType `json:"link_type"`
	Weight   float64  `json:"weight"`
}

// TombstoneID marks a memory as archived by forgetting without deleting
// the row: ConsolidatedInto is set to this sentinel id rather than to a
// real consolidation parent.
const TombstoneID = "__tombstone__"

// Record bundles a memory with everything the store considers part of
// its committed state: metadata, embeddings (one per sector), and its
// outgoing links.
type Record struct {
	Memory     Memory
	Metadata   MemoryMetadata
	Embeddings [5]Embedding
	Links      []MemoryLink
}

// EmbeddingBySector returns the record's embedding for sector s and
// whether it was found (it always is for a well-formed record).
func (r Record) EmbeddingBySector(s Sector) (Embedding, bool) {
	for _, e := range r.Embeddings {
		if e.Sector == s {
			return e, true
		}
	}
	return Embedding{}, false
}
