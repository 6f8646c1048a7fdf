// Package cogmem is the public facade over the cognitive memory
// engine: it wires the persistence driver (C1), embedding provider
// (C2), memory store (C3), ranker (C4), decay/consolidation/forgetting
// engines (C5-C7), scheduler (C8), health monitor (C9), and
// export/import (C10) into the single invocation surface described in
// spec §6, grounded in the teacher's pkg/memory/memory.go alias-facade
// pattern — generalized here from type aliases into real orchestration
// since this engine's subsystems live under internal/ and cannot be
// re-exported by alias from outside the module.
package cogmem

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/protocol-lattice/cogmem/internal/consolidate"
	"github.com/protocol-lattice/cogmem/internal/decay"
	"github.com/protocol-lattice/cogmem/internal/embed"
	"github.com/protocol-lattice/cogmem/internal/exportimport"
	"github.com/protocol-lattice/cogmem/internal/forget"
	"github.com/protocol-lattice/cogmem/internal/health"
	"github.com/protocol-lattice/cogmem/internal/memstore"
	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/ranker"
	"github.com/protocol-lattice/cogmem/internal/scheduler"
	"github.com/protocol-lattice/cogmem/internal/store"
)

// Re-exported types so callers depend only on this package.
type (
	Memory         = model.Memory
	MemoryMetadata = model.MemoryMetadata
	MemoryLink     = model.MemoryLink
	Record         = model.Record
	Sector         = model.Sector

	Driver = store.Driver

	SearchInput     = memstore.SearchInput
	SearchOutput    = memstore.SearchOutput
	CreateInput     = memstore.CreateInput
	UpdateInput     = memstore.UpdateInput
	RankingMethod   = memstore.RankingMethod

	HealthSnapshot = health.Snapshot

	ExportFilter   = exportimport.Filter
	ExportDocument = exportimport.Document
	ImportMode     = exportimport.Mode
	ImportSummary  = exportimport.ImportResult

	ForgetPolicy = forget.Policy
)

const (
	SectorEpisodic   = model.SectorEpisodic
	SectorSemantic   = model.SectorSemantic
	SectorProcedural = model.SectorProcedural
	SectorEmotional  = model.SectorEmotional
	SectorReflective = model.SectorReflective

	RankingSimilarity   = memstore.RankingSimilarity
	RankingComposite    = memstore.RankingComposite
	RankingCompositeMMR = memstore.RankingCompositeMMR

	ImportMerge   = exportimport.ModeMerge
	ImportReplace = exportimport.ModeReplace
)

// Options configures Engine construction; zero values take spec
// defaults throughout.
type Options struct {
	Driver          store.Driver        // defaults to a fresh in-memory driver
	Embedder        embed.Provider      // defaults to embed.AutoProvider
	RankerWeights   ranker.Weights      // defaults to ranker.DefaultWeights
	RecencyTau      time.Duration       // defaults to ranker.DefaultRecencyTau
	DecayOptions    decay.Options       // defaults to decay.DefaultOptions()
	ConsolidateOpts consolidate.Options // defaults per consolidate.withDefaults
	ForgetPolicy    forget.Policy       // defaults to forget.DefaultPolicy()
	HealthOptions   health.Options      // defaults to health.Options{}'s own defaults
	Intervals       scheduler.Intervals // defaults to scheduler.DefaultIntervals()
	TaskBudget      time.Duration       // per-maintenance-task wall-clock budget, default 5s
	Logger          *log.Logger         // defaults to stderr
	Clock           func() time.Time    // defaults to time.Now
}

func withDefaults(o Options) Options {
	if o.Driver == nil {
		o.Driver = store.NewMemoryDriver()
	}
	if o.Logger == nil {
		o.Logger = log.New(os.Stderr, "cogmem: ", log.LstdFlags)
	}
	if o.Embedder == nil {
		o.Embedder = embed.AutoProvider(o.Logger)
	}
	if o.RankerWeights == (ranker.Weights{}) {
		o.RankerWeights = ranker.DefaultWeights
	}
	if o.RecencyTau <= 0 {
		o.RecencyTau = ranker.DefaultRecencyTau
	}
	if o.Intervals == (scheduler.Intervals{}) {
		o.Intervals = scheduler.DefaultIntervals()
	}
	if o.TaskBudget <= 0 {
		o.TaskBudget = 5 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Engine is the single entry point for the invocation surface of spec
// §6: create/get/search/update/delete memories, export/import, health
// snapshots, and manual maintenance triggers.
type Engine struct {
	driver store.Driver
	mstore *memstore.Store
	decayE *decay.Engine
	consE  *consolidate.Engine
	forgE  *forget.Engine
	health *health.Monitor
	expE   *exportimport.Engine
	sched  *scheduler.Scheduler
	logger *log.Logger
	clock  func() time.Time

	lastConsolidation consolidate.Progress
	hasConsolidation  bool
}

// New constructs a fully-wired Engine.
func New(opts Options) *Engine {
	opts = withDefaults(opts)

	rk := ranker.New(opts.RankerWeights, opts.RecencyTau)
	newID := func() string { return uuid.NewString() }
	decayE := decay.New(opts.Driver, opts.DecayOptions)
	ms := memstore.New(opts.Driver, opts.Embedder, rk, newID, opts.Clock, decayE)
	consE := consolidate.New(opts.Driver, opts.ConsolidateOpts, newID)
	forgPolicy := opts.ForgetPolicy
	if forgPolicy.MaxAutoForgetImportance == 0 && forgPolicy.MinAgeDays == 0 {
		// Policy is a struct with map/slice fields, so it can't be
		// compared to its zero value directly; these two scalar fields
		// are 0 only when the caller left Options.ForgetPolicy unset.
		forgPolicy = forget.DefaultPolicy()
	}
	forgE := forget.New(opts.Driver, forgPolicy)
	expE := exportimport.New(opts.Driver)

	e := &Engine{
		driver: opts.Driver,
		mstore: ms,
		decayE: decayE,
		consE:  consE,
		forgE:  forgE,
		expE:   expE,
		logger: opts.Logger,
		clock:  opts.Clock,
	}
	e.health = health.New(opts.Driver, opts.HealthOptions, e.lastConsolidationProgress)

	e.sched = scheduler.New(opts.Logger, opts.Intervals, opts.TaskBudget)
	e.sched.Register(scheduler.TaskDecay, func(ctx context.Context, userID string) (bool, error) {
		res, err := e.decayE.RunTick(ctx, userID, e.clock().UTC(), nil)
		return res.TimedOut, err
	})
	e.sched.Register(scheduler.TaskConsolidation, func(ctx context.Context, userID string) (bool, error) {
		progress, err := e.consE.RunTick(ctx, userID, e.clock().UTC(), e.recordConsolidationProgress)
		return progress.Cancelled, err
	})
	e.sched.Register(scheduler.TaskForgetting, func(ctx context.Context, userID string) (bool, error) {
		return e.runForgettingTick(ctx, userID)
	})
	return e
}

func (e *Engine) recordConsolidationProgress(p consolidate.Progress) {
	e.lastConsolidation = p
	e.hasConsolidation = true
}

func (e *Engine) lastConsolidationProgress() (consolidate.Progress, bool) {
	return e.lastConsolidation, e.hasConsolidation
}

func (e *Engine) runForgettingTick(ctx context.Context, userID string) (bool, error) {
	now := e.clock().UTC()
	all, err := e.driver.AllForUser(ctx, userID, store.Filters{IncludeHidden: false})
	if err != nil {
		return false, err
	}
	candidates := make([]forget.Candidate, 0, len(all))
	for _, rec := range all {
		links, _ := e.driver.LinksTo(ctx, userID, rec.Memory.ID)
		candidates = append(candidates, forget.Candidate{Record: rec, IncomingLinks: len(links)})
	}
	_, err = e.forgE.Run(ctx, userID, candidates, len(all), now, false)
	return false, err
}

// Start begins the background maintenance loops for userID.
func (e *Engine) Start(ctx context.Context, userID string) { e.sched.Run(ctx, userID) }

// Stop halts the background maintenance loops.
func (e *Engine) Stop() { e.sched.Stop() }

// CreateMemory implements create_memory.
func (e *Engine) CreateMemory(ctx context.Context, in CreateInput) (string, error) {
	return e.mstore.Create(ctx, in)
}

// GetMemory implements get_memory.
func (e *Engine) GetMemory(ctx context.Context, userID, id string) (Record, error) {
	return e.mstore.Get(ctx, userID, id)
}

// SearchMemories implements search_memories.
func (e *Engine) SearchMemories(ctx context.Context, in SearchInput) (SearchOutput, error) {
	return e.mstore.Search(ctx, in)
}

// UpdateMemory implements update_memory.
func (e *Engine) UpdateMemory(ctx context.Context, in UpdateInput) (Record, error) {
	return e.mstore.Update(ctx, in)
}

// DeleteMemory implements delete_memory.
func (e *Engine) DeleteMemory(ctx context.Context, userID, id string) error {
	return e.mstore.Delete(ctx, userID, id)
}

// ExportMemories implements export_memories.
func (e *Engine) ExportMemories(ctx context.Context, userID string, filter ExportFilter, includeEmbeddings bool) (ExportDocument, error) {
	return e.expE.Export(ctx, userID, filter, includeEmbeddings, e.clock().UTC())
}

// ImportMemories implements import_memories.
func (e *Engine) ImportMemories(ctx context.Context, userID string, raw []byte, mode ImportMode) (ImportSummary, error) {
	return e.expE.Import(ctx, userID, raw, mode, e.clock().UTC())
}

// GetHealth implements get_health.
func (e *Engine) GetHealth(ctx context.Context, userID string) (HealthSnapshot, error) {
	return e.health.Snapshot(ctx, userID, e.clock().UTC())
}

// RunConsolidation implements the manual run_consolidation trigger.
func (e *Engine) RunConsolidation(ctx context.Context, userID string) (consolidate.Progress, error) {
	_, _, err := e.sched.Trigger(ctx, scheduler.TaskConsolidation, userID)
	return e.lastConsolidation, err
}

// RunForgetting implements the manual run_forgetting trigger.
func (e *Engine) RunForgetting(ctx context.Context, userID string) error {
	_, _, err := e.sched.Trigger(ctx, scheduler.TaskForgetting, userID)
	return err
}

// Recover un-archives a forgotten memory until purge, per spec §4.7.
func (e *Engine) Recover(ctx context.Context, userID, id string) error {
	rec, err := e.driver.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	return e.forgE.Recover(ctx, userID, rec)
}

// Purge hard-deletes a memory archived past its retention window, the
// only true-delete pathway of spec §4.7. Requires the engine's
// ForgetPolicy.AllowPurge and that the memory has been archived (not
// merely downweighted) for at least RetentionWindow.
func (e *Engine) Purge(ctx context.Context, userID, id string) error {
	rec, err := e.driver.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	return e.forgE.Purge(ctx, userID, rec, e.clock().UTC())
}
