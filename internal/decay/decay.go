// Package decay implements the decay engine (C5): periodic, batched
// strength reduction plus the reinforcement-on-retrieval path, grounded
// in spec §4.5 and the teacher's batched-write style in
// pkg/memory/engine.go.
package decay

import (
	"context"
	"time"

	"github.com/protocol-lattice/cogmem/internal/concurrent"
	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

// writeConcurrency bounds in-flight driver writes within one batch.
const writeConcurrency = 8

// Options configures the decay engine; zero values fall back to spec defaults.
type Options struct {
	// AccessFloor is the minimum age of last_accessed_at before a
	// memory is eligible for decay.
	AccessFloor time.Duration
	// BatchSize is the number of rows per transaction (default 500).
	BatchSize int
	// ForgettingCandidateFloor: strength below this makes a memory
	// eligible for C7 (computed here, acted on there).
	ForgettingCandidateFloor float64
	// ReinforceThreshold: retrieval similarity at/above this triggers
	// reinforcement (default 0.5).
	ReinforceThreshold float64
	// ReinforceDelta: fixed reward added to strength on reinforcement
	// (default 0.05), capped at 1.0 by the driver.
	ReinforceDelta float64
}

// DefaultOptions matches spec §4.5's stated defaults.
func DefaultOptions() Options {
	return Options{
		AccessFloor:              0,
		BatchSize:                500,
		ForgettingCandidateFloor: 0.2,
		ReinforceThreshold:       0.5,
		ReinforceDelta:           0.05,
	}
}

func withDefaults(o Options) Options {
	d := DefaultOptions()
	if o.BatchSize <= 0 {
		o.BatchSize = d.BatchSize
	}
	if o.ForgettingCandidateFloor <= 0 {
		o.ForgettingCandidateFloor = d.ForgettingCandidateFloor
	}
	if o.ReinforceThreshold <= 0 {
		o.ReinforceThreshold = d.ReinforceThreshold
	}
	if o.ReinforceDelta <= 0 {
		o.ReinforceDelta = d.ReinforceDelta
	}
	return o
}

// BatchResult reports the outcome of one decay batch.
type BatchResult struct {
	Processed          int
	ForgettingEligible int
	TimedOut           bool
}

// Engine runs decay over a driver's memories for one user at a time.
type Engine struct {
	driver store.Driver
	opts   Options
}

// New constructs a decay Engine against driver.
func New(driver store.Driver, opts Options) *Engine {
	return &Engine{driver: driver, opts: withDefaults(opts)}
}

// RunTick applies decay to every memory for userID whose
// last_accessed_at exceeds AccessFloor, in batches of BatchSize rows
// per transaction (here: per driver call), yielding progress after
// each batch via onProgress. Returns once all eligible memories are
// processed or ctx is cancelled between batches.
func (e *Engine) RunTick(ctx context.Context, userID string, now time.Time, onProgress func(BatchResult)) (BatchResult, error) {
	all, err := e.driver.AllForUser(ctx, userID, store.Filters{IncludeHidden: false})
	if err != nil {
		return BatchResult{}, err
	}

	total := BatchResult{}
	batch := make([]model.Memory, 0, e.opts.BatchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res := e.applyBatch(ctx, batch, now)
		total.Processed += res.Processed
		total.ForgettingEligible += res.ForgettingEligible
		if onProgress != nil {
			onProgress(total)
		}
		batch = batch[:0]
		return nil
	}

	for _, rec := range all {
		select {
		case <-ctx.Done():
			total.TimedOut = true
			_ = flush()
			return total, nil
		default:
		}
		if e.opts.AccessFloor > 0 && now.Sub(rec.Memory.LastAccessedAt) < e.opts.AccessFloor {
			continue
		}
		batch = append(batch, rec.Memory)
		if len(batch) >= e.opts.BatchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := flush(); err != nil {
		return total, err
	}
	return total, nil
}

type decayOutcome struct {
	applied            bool
	forgettingEligible bool
}

func (e *Engine) applyBatch(ctx context.Context, memories []model.Memory, now time.Time) BatchResult {
	outcomes, _ := concurrent.ParallelMap(ctx, memories, func(mem model.Memory) (decayOutcome, error) {
		deltaDays := now.Sub(mem.LastAccessedAt).Hours() / 24
		if deltaDays < 0 {
			deltaDays = 0
		}
		newStrength := mem.Strength - mem.DecayRate*deltaDays
		if newStrength < 0 {
			newStrength = 0
		}
		mem.Strength = newStrength
		if err := e.driver.UpdateMemory(ctx, mem, nil); err != nil {
			return decayOutcome{}, nil
		}
		return decayOutcome{applied: true, forgettingEligible: mem.Strength < e.opts.ForgettingCandidateFloor}, nil
	}, writeConcurrency)

	res := BatchResult{}
	for _, o := range outcomes {
		if !o.applied {
			continue
		}
		res.Processed++
		if o.forgettingEligible {
			res.ForgettingEligible++
		}
	}
	return res
}

// Reinforce applies the reinforcement path: when a memory is retrieved
// with similarity >= ReinforceThreshold, its strength increases by
// ReinforceDelta, capped at 1.0 by the driver. This is the only source
// of strength increase (spec §4.5).
func (e *Engine) Reinforce(ctx context.Context, userID, memoryID string, similarity float64) error {
	if similarity < e.opts.ReinforceThreshold {
		return nil
	}
	return e.driver.Reinforce(ctx, userID, memoryID, e.opts.ReinforceDelta)
}
