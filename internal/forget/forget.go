// Package forget implements the forgetting engine (C7): per-candidate
// scoring, risk-gated action selection, and archive-before-delete
// semantics, grounded in spec §4.7.
package forget

import (
	"context"
	"strings"
	"time"

	"github.com/protocol-lattice/cogmem/internal/concurrent"
	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

// scoreConcurrency bounds how many candidates are scored at once; the
// factor computation is pure CPU work, but keeping it bounded matches
// the rest of the maintenance engines' batch discipline.
const scoreConcurrency = 8

// Policy is the per-user configuration gating auto-forgetting.
type Policy struct {
	MaxAutoForgetImportance float64
	ProtectedCategories     map[string]bool
	MinAgeDays              int
	ImportanceThreshold     float64 // default 0.3
	ActiveGoals             []string
	RequireConsentAboveRisk Risk // default RiskMedium; Run does not read it and always requires consent at RiskHigh and above
	AllowPurge              bool
	RetentionWindow         time.Duration
}

// DefaultPolicy matches spec §4.7's stated defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAutoForgetImportance: 0.9,
		ProtectedCategories:     map[string]bool{},
		MinAgeDays:              30,
		ImportanceThreshold:     0.3,
		RequireConsentAboveRisk: RiskMedium,
		RetentionWindow:         30 * 24 * time.Hour,
	}
}

// Risk is the operation-level risk level for a proposed removal set.
type Risk int

const (
	RiskVeryLow Risk = iota
	RiskLow
	RiskMedium
	RiskHigh
	RiskVeryHigh
)

func (r Risk) String() string {
	switch r {
	case RiskVeryLow:
		return "very_low"
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "very_high"
	}
}

// Action is the outcome selected for a candidate.
type Action string

const (
	ActionNone    Action = "none"
	ActionArchive Action = "archive"
	ActionDownweight Action = "downweight"
	ActionDelete  Action = "delete"
)

// Candidate is the scoring unit: a memory plus incoming-link count (for
// risk assessment) and emotional/goal inputs.
type Candidate struct {
	Record        model.Record
	IncomingLinks int
}

// strongEmotions are the tag names that add +0.3 to emotional significance.
var strongEmotions = map[string]bool{"love": true, "fear": true, "anger": true, "joy": true, "sadness": true}

// ScoreResult is the per-candidate output.
type ScoreResult struct {
	MemoryID string
	Score    float64
	Action   Action
	Reasons  []string
}

// Engine scores and acts on forgetting candidates for one user.
type Engine struct {
	driver store.Driver
	policy Policy
}

// New constructs a forgetting Engine.
func New(driver store.Driver, policy Policy) *Engine {
	if policy.ProtectedCategories == nil {
		policy.ProtectedCategories = map[string]bool{}
	}
	if policy.ImportanceThreshold <= 0 {
		policy.ImportanceThreshold = 0.3
	}
	return &Engine{driver: driver, policy: policy}
}

// Score computes the forgetting score for one candidate per spec
// §4.7's weighted-factor table.
func (e *Engine) Score(c Candidate, now time.Time) float64 {
	mem := c.Record.Memory
	meta := c.Record.Metadata

	baseImportance := 1 - mem.Salience
	if mem.Salience < e.policy.ImportanceThreshold {
		baseImportance *= 1.5
		if baseImportance > 1 {
			baseImportance = 1
		}
	}

	emotionalSig := emotionalSignificance(meta.EmotionalTags)
	contextRelevance := 1 - relevanceToGoals(mem.Content, e.policy.ActiveGoals)

	protected := e.isProtectedByPolicy(mem, meta)
	var userProtection float64
	if protected {
		userProtection = 1.0
	} else {
		userProtection = 1 - meta.Importance
		if userProtection < 0 {
			userProtection = 0
		}
	}

	goalAlignment := 1 - overlapWithGoals(mem.Content, e.policy.ActiveGoals)

	// Factor weights: base_importance=0.40 and user_protection=0.50 are
	// spec-fixed; emotional_significance/context_relevance are spec
	// "varies" and goal_alignment is 0.25 — the literal fixed weights
	// alone (1.15) already exceed 1, so the four variable/secondary
	// weights here are chosen to renormalize the full set to 1.0 while
	// preserving the fixed weights' relative dominance (see DESIGN.md).
	const (
		wBaseImportance = 0.40
		wEmotional      = 0.10
		wContext        = 0.10
		wUserProtection  = 0.25
		wGoalAlignment  = 0.15
	)
	score := wBaseImportance*baseImportance + wEmotional*emotionalSig + wContext*contextRelevance + wUserProtection*userProtection + wGoalAlignment*goalAlignment
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func emotionalSignificance(tags []string) float64 {
	if len(tags) == 0 {
		return 1 // no emotional weight -> nothing protecting it emotionally
	}
	var bonus float64
	for _, t := range tags {
		if strongEmotions[strings.ToLower(t)] {
			bonus += 0.3
		}
	}
	f := float64(len(tags)) * 0.1
	f += bonus
	if f > 1 {
		f = 1
	}
	return 1 - f
}

func relevanceToGoals(content string, goals []string) float64 {
	return overlapWithGoals(content, goals)
}

func overlapWithGoals(content string, goals []string) float64 {
	if len(goals) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	var hits int
	for _, g := range goals {
		if strings.Contains(lower, strings.ToLower(g)) {
			hits++
		}
	}
	return float64(hits) / float64(len(goals))
}

// eligibleForAuto reports whether mem may ever be auto-forgotten,
// independent of score: spec §4.7's "never forgets" gates.
func (e *Engine) eligibleForAuto(mem model.Memory, meta model.MemoryMetadata, now time.Time) bool {
	if mem.Salience > e.policy.MaxAutoForgetImportance {
		return false
	}
	if e.policy.ProtectedCategories[meta.Category] {
		return false
	}
	ageDays := now.Sub(mem.CreatedAt).Hours() / 24
	if ageDays < float64(e.policy.MinAgeDays) {
		return false
	}
	return true
}

func (e *Engine) isProtectedByPolicy(mem model.Memory, meta model.MemoryMetadata) bool {
	return e.policy.ProtectedCategories[meta.Category]
}

// AssessRisk computes the operation-level risk for a proposed removal
// set against totalMemories already known to the caller.
func AssessRisk(proposed []Candidate, totalMemories int, now time.Time) Risk {
	if totalMemories == 0 || len(proposed) == 0 {
		return RiskVeryLow
	}
	batchRatio := float64(len(proposed)) / float64(totalMemories)

	var sumImportance float64
	var recentlyAccessed int
	var totalIncoming int
	for _, c := range proposed {
		sumImportance += c.Record.Metadata.Importance
		if now.Sub(c.Record.Memory.LastAccessedAt) < 7*24*time.Hour {
			recentlyAccessed++
		}
		totalIncoming += c.IncomingLinks
	}
	avgImportance := sumImportance / float64(len(proposed))
	recentRatio := float64(recentlyAccessed) / float64(len(proposed))
	linkDensity := float64(totalIncoming) / float64(len(proposed))

	riskScore := 0.0
	riskScore += clamp(batchRatio*2, 0, 1) * 0.35
	riskScore += clamp(avgImportance, 0, 1) * 0.25
	riskScore += clamp(recentRatio, 0, 1) * 0.25
	riskScore += clamp(linkDensity/3, 0, 1) * 0.15

	switch {
	case riskScore >= 0.8:
		return RiskVeryHigh
	case riskScore >= 0.6:
		return RiskHigh
	case riskScore >= 0.4:
		return RiskMedium
	case riskScore >= 0.2:
		return RiskLow
	default:
		return RiskVeryLow
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SelectAction applies spec §4.7's action-selection table, after the
// never-forgets gates and risk assessment have already been checked by
// the caller (Run).
func SelectAction(score float64, risk Risk) Action {
	switch {
	case score >= 0.7 && risk <= RiskLow:
		return ActionArchive
	case score >= 0.4:
		return ActionDownweight
	default:
		return ActionNone
	}
}

// RunResult summarizes one forgetting pass.
type RunResult struct {
	Scored         []ScoreResult
	ArchivedCount  int
	DownweightedCount int
	ConsentRequired bool
	Risk           Risk
}

// Run scores every candidate, assesses aggregate risk, and — unless
// consent is required and not granted — applies the selected action to
// each non-gated candidate. hasConsent is the caller's (upstream)
// confirmation for high/very_high risk operations.
func (e *Engine) Run(ctx context.Context, userID string, candidates []Candidate, totalMemories int, now time.Time, hasConsent bool) (RunResult, error) {
	risk := AssessRisk(candidates, totalMemories, now)
	result := RunResult{Risk: risk}
	if risk >= RiskHigh && !hasConsent {
		// high/very_high without consent: refuse entirely (spec §4.7).
		result.ConsentRequired = true
		return result, nil
	}

	// Scoring is pure CPU work over each candidate independently, so it
	// fans out; the resulting plans are then applied to the driver in
	// input order to keep write ordering deterministic.
	plans, _ := concurrent.ParallelMap(ctx, candidates, func(c Candidate) (ScoreResult, error) {
		mem := c.Record.Memory
		meta := c.Record.Metadata
		sr := ScoreResult{MemoryID: mem.ID}
		if !e.eligibleForAuto(mem, meta, now) {
			sr.Action = ActionNone
			sr.Reasons = append(sr.Reasons, "gated: protected/too-young/above-max-importance")
			return sr, nil
		}
		score := e.Score(c, now)
		sr.Score = score
		sr.Action = SelectAction(score, risk)
		return sr, nil
	}, scoreConcurrency)

	for i, sr := range plans {
		mem := candidates[i].Record.Memory
		if sr.Action != ActionNone && sr.Score > 0 {
			if err := e.apply(ctx, userID, mem, sr.Action); err != nil {
				sr.Reasons = append(sr.Reasons, err.Error())
				result.Scored = append(result.Scored, sr)
				continue
			}
			switch sr.Action {
			case ActionArchive:
				result.ArchivedCount++
			case ActionDownweight:
				result.DownweightedCount++
			}
		}
		result.Scored = append(result.Scored, sr)
	}
	return result, nil
}

func (e *Engine) apply(ctx context.Context, userID string, mem model.Memory, action Action) error {
	mem.UserID = userID
	switch action {
	case ActionArchive:
		tomb := model.TombstoneID
		mem.ConsolidatedInto = &tomb
		return e.driver.UpdateMemory(ctx, mem, nil)
	case ActionDownweight:
		mem.Salience *= 0.7
		mem.DecayRate *= 1.3
		if mem.DecayRate > 1 {
			mem.DecayRate = 1
		}
		return e.driver.UpdateMemory(ctx, mem, nil)
	default:
		return nil
	}
}

// Purge hard-deletes a memory already archived (ConsolidatedInto ==
// TombstoneID) past the retention window. Only reachable via explicit
// "purge" policy (spec §4.7).
func (e *Engine) Purge(ctx context.Context, userID string, rec model.Record, now time.Time) error {
	if !e.policy.AllowPurge {
		return model.NewValidationError("policy", "purge_disabled", "AllowPurge must be true", "enable purge policy explicitly")
	}
	if rec.Memory.ConsolidatedInto == nil || *rec.Memory.ConsolidatedInto != model.TombstoneID {
		return model.NewValidationError("memory", "not_archived", "memory must be archived before purge", "archive first")
	}
	archivedFor := now.Sub(rec.Memory.LastAccessedAt)
	if archivedFor < e.policy.RetentionWindow {
		return model.NewValidationError("memory", "retention_window", "retention window not elapsed", "wait until the retention window elapses")
	}
	return e.driver.Delete(ctx, userID, rec.Memory.ID)
}

// Recover reverses an archive action by clearing ConsolidatedInto,
// available until purge (spec §4.7: "forgotten memories can be
// recovered until purge").
func (e *Engine) Recover(ctx context.Context, userID string, rec model.Record) error {
	mem := rec.Memory
	mem.ConsolidatedInto = nil
	return e.driver.UpdateMemory(ctx, mem, nil)
}
