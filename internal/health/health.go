// Package health synthesizes on-demand store snapshots (C9): storage
// quota usage, per-sector/age counts, forgetting candidates,
// consolidation backlog, and active-consolidation progress, grounded in
// spec §4.9.
package health

import (
	"context"
	"time"

	"github.com/protocol-lattice/cogmem/internal/consolidate"
	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

// DefaultQuotaBytes is spec §4.9's stated default (1 GiB).
const DefaultQuotaBytes int64 = 1 << 30

// Priority is a recommendation's urgency.
type Priority string

const (
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Recommendation is one actionable suggestion surfaced in a snapshot.
type Recommendation struct {
	Kind     string // "optimization", "pruning", "archiving", "consolidation"
	Priority Priority
	Message  string
}

// ForgettingCandidates summarizes why memories are forgetting-eligible;
// total_unique deduplicates across the three buckets.
type ForgettingCandidates struct {
	LowStrength int
	OldAge      int
	LowAccess   int
	TotalUnique int
}

// ActiveConsolidation mirrors the scheduler's last-published
// consolidation Progress, or IsRunning=false/Phase="" if idle.
type ActiveConsolidation struct {
	IsRunning bool
	Phase     consolidate.Phase
	Progress  *consolidate.Progress
}

// Snapshot is the full health document returned by get_health.
type Snapshot struct {
	GeneratedAt          time.Time
	BytesUsed            int64
	QuotaBytes           int64
	UsagePercent         float64
	CountsBySector        map[model.Sector]int
	CountsByAge           map[string]int
	ForgettingCandidates ForgettingCandidates
	ConsolidationQueue   int
	ActiveConsolidation  ActiveConsolidation
	Recommendations      []Recommendation
}

// ProgressSource lets the health monitor read the scheduler's
// last-published consolidation progress without importing the
// scheduler package (which would create an import cycle, since the
// scheduler's TaskFunc closures call into this engine's facade).
type ProgressSource func() (consolidate.Progress, bool)

// Monitor synthesizes snapshots for one driver.
type Monitor struct {
	driver     store.Driver
	quotaBytes int64
	progress   ProgressSource

	// lowStrengthFloor mirrors decay.Options.ForgettingCandidateFloor;
	// the age and access floors have no decay counterpart, so
	// TotalUnique can exceed what the decay engine flags.
	lowStrengthFloor float64
	oldAgeDays        int
	lowAccessFloor    int
}

// Options configures threshold tuning; zero values fall back to spec defaults.
type Options struct {
	QuotaBytes       int64
	LowStrengthFloor float64 // default 0.2, matches decay.DefaultOptions().ForgettingCandidateFloor
	OldAgeDays       int     // default 90
	LowAccessFloor   int     // default 1 (accessed at most once since creation)
}

func withDefaults(o Options) Options {
	if o.QuotaBytes <= 0 {
		o.QuotaBytes = DefaultQuotaBytes
	}
	if o.LowStrengthFloor <= 0 {
		o.LowStrengthFloor = 0.2
	}
	if o.OldAgeDays <= 0 {
		o.OldAgeDays = 90
	}
	if o.LowAccessFloor <= 0 {
		o.LowAccessFloor = 1
	}
	return o
}

// New constructs a Monitor. progress may be nil if no scheduler is wired yet.
func New(driver store.Driver, opts Options, progress ProgressSource) *Monitor {
	o := withDefaults(opts)
	return &Monitor{
		driver:           driver,
		quotaBytes:       o.QuotaBytes,
		progress:         progress,
		lowStrengthFloor: o.LowStrengthFloor,
		oldAgeDays:       o.OldAgeDays,
		lowAccessFloor:   o.LowAccessFloor,
	}
}

// Snapshot synthesizes the full health document for userID at now.
func (m *Monitor) Snapshot(ctx context.Context, userID string, now time.Time) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, model.NewValidationError("user_id", "required", "user_id must be non-empty", "pass a user id")
	}

	stats, err := m.driver.Stats(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	records, err := m.driver.AllForUser(ctx, userID, store.Filters{IncludeHidden: true})
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{
		GeneratedAt:   now,
		BytesUsed:     stats.ContentBytes + stats.EmbeddingBytes,
		QuotaBytes:    m.quotaBytes,
		CountsBySector: zeroFilledSectorCounts(stats.CountBySector),
		CountsByAge:    zeroFilledAgeCounts(stats.CountByAgeBucket),
	}
	if snap.QuotaBytes > 0 {
		snap.UsagePercent = float64(snap.BytesUsed) / float64(snap.QuotaBytes)
	}

	snap.ForgettingCandidates = m.forgettingCandidates(records, now)
	snap.ConsolidationQueue = consolidationQueue(records, stats)
	snap.ActiveConsolidation = m.activeConsolidation()
	snap.Recommendations = buildRecommendations(snap)
	return snap, nil
}

func zeroFilledSectorCounts(in map[model.Sector]int) map[model.Sector]int {
	out := make(map[model.Sector]int, len(model.AllSectors))
	for _, s := range model.AllSectors {
		out[s] = in[s]
	}
	return out
}

// zeroFilledAgeCounts's keys mirror store.Stats.CountByAgeBucket's keys exactly
// ("24h","week","month","older" — see store/memdriver.go Stats).
func zeroFilledAgeCounts(in map[string]int) map[string]int {
	out := map[string]int{"24h": 0, "week": 0, "month": 0, "older": 0}
	for k, v := range in {
		if _, ok := out[k]; ok {
			out[k] = v
		}
	}
	return out
}

func (m *Monitor) forgettingCandidates(records []model.Record, now time.Time) ForgettingCandidates {
	seen := map[string]bool{}
	var fc ForgettingCandidates
	for _, r := range records {
		if r.Memory.Hidden() {
			continue
		}
		isCandidate := false
		if r.Memory.Strength < m.lowStrengthFloor {
			fc.LowStrength++
			isCandidate = true
		}
		ageDays := now.Sub(r.Memory.CreatedAt).Hours() / 24
		if ageDays >= float64(m.oldAgeDays) {
			fc.OldAge++
			isCandidate = true
		}
		if r.Memory.AccessCount <= m.lowAccessFloor {
			fc.LowAccess++
			isCandidate = true
		}
		if isCandidate && !seen[r.Memory.ID] {
			seen[r.Memory.ID] = true
			fc.TotalUnique++
		}
	}
	return fc
}

// consolidationQueue counts atomic episodic memories not yet
// consolidated. When no episodic memory qualifies (for example imported
// records that never had is_atomic set), it returns the raw episodic
// sector count from stats instead.
func consolidationQueue(records []model.Record, stats store.Stats) int {
	var n int
	for _, r := range records {
		if r.Memory.PrimarySector == model.SectorEpisodic && r.Memory.IsAtomic && r.Memory.ConsolidatedInto == nil {
			n++
		}
	}
	if n == 0 {
		return stats.CountBySector[model.SectorEpisodic]
	}
	return n
}

func (m *Monitor) activeConsolidation() ActiveConsolidation {
	if m.progress == nil {
		return ActiveConsolidation{}
	}
	p, ok := m.progress()
	if !ok || p.Phase == "" || p.Phase == consolidate.PhaseFinished || p.Cancelled {
		return ActiveConsolidation{}
	}
	pc := p
	return ActiveConsolidation{IsRunning: true, Phase: p.Phase, Progress: &pc}
}

func buildRecommendations(snap Snapshot) []Recommendation {
	var recs []Recommendation
	if snap.UsagePercent >= 0.8 {
		prio := PriorityMedium
		if snap.UsagePercent >= 0.9 {
			prio = PriorityHigh
		}
		recs = append(recs, Recommendation{Kind: "optimization", Priority: prio, Message: "storage usage is high; consider consolidating or forgetting low-value memories"})
	}
	if snap.ForgettingCandidates.TotalUnique > 100 {
		recs = append(recs, Recommendation{Kind: "pruning", Priority: PriorityMedium, Message: "over 100 memories are eligible for forgetting"})
	}
	if snap.CountsByAge["older"] > 100 {
		recs = append(recs, Recommendation{Kind: "archiving", Priority: PriorityMedium, Message: "over 100 memories are older than the last-month bucket"})
	}
	if snap.CountsBySector[model.SectorEpisodic] > 50 {
		recs = append(recs, Recommendation{Kind: "consolidation", Priority: PriorityMedium, Message: "episodic memory count exceeds 50; run consolidation"})
	}
	return recs
}
