// Package store defines the persistence driver contract (C1) and the
// candidate-probe types C3 and C4 share, plus the concrete drivers
// (in-memory, Postgres/pgvector, MongoDB) that implement it.
package store

import (
	"context"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
)

// Filters restricts a batch scan or search: sectors allowed, tag set
// (OR), date range, min salience, min strength. A zero value matches
// every memory that is not hidden (consolidated_into unset).
type Filters struct {
	Sectors        []model.Sector
	Tags           []string
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	MinSalience    float64
	MinStrength    float64
	IncludeHidden  bool // include consolidated_into-set memories
	ExcludeTombstoned bool
}

// Candidate is one pool entry returned by a nearest-neighbor probe: the
// full record plus the per-sector similarity that produced it.
type Candidate struct {
	Record     model.Record
	Similarity float64 // per-sector similarity that surfaced this candidate
	Sector     model.Sector
}

// Stats is the aggregate the health monitor (C9) reads.
type Stats struct {
	ContentBytes      int64
	EmbeddingBytes    int64
	CountBySector     map[model.Sector]int
	CountByAgeBucket  map[string]int // "24h","week","month","older"
	TotalMemories     int
	AtomicEpisodic    int // atomic, episodic, consolidated_into == nil
}

// Driver is the C1 persistence contract: transactional row access over
// memories, metadata, embeddings, and links. Implementations: an
// in-memory reference driver, a pgx/pgvector-backed driver, and a
// MongoDB-backed driver.
type Driver interface {
	// Create writes memory+metadata+embeddings+links atomically. The
	// memory's ID is assigned by the caller (C3) before Create is
	// invoked, so Create itself never generates identifiers.
	Create(ctx context.Context, rec model.Record) error

	// Get returns the full record for (userID, id), or a *model.NotFoundError.
	Get(ctx context.Context, userID, id string) (model.Record, error)

	// Touch updates last_accessed_at to now and increments access_count.
	// No atomicity guarantee versus concurrent Touch calls (spec §5).
	Touch(ctx context.Context, userID, id string, now time.Time) error

	// Reinforce adds delta to strength, capped at 1.0.
	Reinforce(ctx context.Context, userID, id string, delta float64) error

	// UpdateMemory persists a patched Memory (fields already validated
	// by the caller) and, if meta is non-nil, its metadata too.
	UpdateMemory(ctx context.Context, mem model.Memory, meta *model.MemoryMetadata) error

	// Delete removes a memory and cascades to metadata/embeddings/links.
	Delete(ctx context.Context, userID, id string) error

	// ProbeSector runs a nearest-neighbor probe for one sector and
	// returns up to limit candidates ordered by descending similarity,
	// honoring filters.
	ProbeSector(ctx context.Context, userID string, sector model.Sector, query []float32, filters Filters, limit int) ([]Candidate, error)

	// AllForUser returns every record for userID matching filters,
	// ordered by ascending CreatedAt. Used by batch maintenance tasks
	// and export; IncludeHidden controls consolidated_into visibility.
	AllForUser(ctx context.Context, userID string, filters Filters) ([]model.Record, error)

	// UpsertLink inserts or updates a link keyed by (source, target, type).
	UpsertLink(ctx context.Context, userID string, link model.MemoryLink) error

	// LinksFrom returns outgoing links from id.
	LinksFrom(ctx context.Context, userID, id string) ([]model.MemoryLink, error)

	// LinksTo returns incoming links to id (used by forgetting's risk
	// assessment: "density of incoming links").
	LinksTo(ctx context.Context, userID, id string) ([]model.MemoryLink, error)

	// Stats aggregates storage/count metrics for the health monitor.
	Stats(ctx context.Context, userID string) (Stats, error)

	// ReplaceAllForUser atomically deletes every memory for userID
	// (cascading) before an import in "replace" mode re-inserts.
	ReplaceAllForUser(ctx context.Context, userID string) error

	// EmbeddingDimension returns the fixed dimension recorded at
	// provider construction, or 0 if the driver has seen no writes yet.
	EmbeddingDimension(ctx context.Context) (int, error)
}
