// Package exportimport implements the export/import engine (C10):
// JSON document generation, strict collect-all-errors import
// validation, and merge/replace import modes, grounded in spec §4.10.
// Uses stdlib encoding/json rather than a third-party wrapper — the
// export document's shape is fixed by spec §4.10 and needs no schema
// evolution or custom marshaling hooks beyond json struct tags that would justify
// pulling in a dependency for it (see DESIGN.md).
package exportimport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
	"github.com/protocol-lattice/cogmem/internal/store"
)

// DocumentVersion is the export document's schema version.
const DocumentVersion = "1.0.0"

// Filter restricts which memories are exported.
type Filter struct {
	DateRange   [2]time.Time // zero values mean unbounded
	Sectors     []model.Sector
	Tags        []string
	MinStrength float64
}

// LinkView is one outgoing link as it appears in the export document.
type LinkView struct {
	TargetID string         `json:"target_id"`
	Weight   float64        `json:"weight"`
	LinkType model.LinkType `json:"link_type"`
}

// MemoryView is one memory as it appears in the export document.
type MemoryView struct {
	ID             string                 `json:"id"`
	Content        string                 `json:"content"`
	PrimarySector  model.Sector           `json:"primary_sector"`
	Metadata       model.MemoryMetadata   `json:"metadata"`
	Embeddings     [5]model.Embedding     `json:"embeddings,omitempty"`
	Tags           []string               `json:"tags,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	LastAccessed   time.Time              `json:"last_accessed"`
	Strength       float64                `json:"strength"`
	Salience       float64                `json:"salience"`
	AccessCount    int64                  `json:"access_count"`
	Links          []LinkView             `json:"links,omitempty"`
}

// Document is the full export document (spec §4.10).
type Document struct {
	Version    string       `json:"version"`
	ExportedAt time.Time    `json:"exported_at"`
	UserID     string       `json:"user_id"`
	Filter     *Filter      `json:"filter,omitempty"`
	Count      int          `json:"count"`
	Memories   []MemoryView `json:"memories"`
}

// Engine runs export/import against one driver.
type Engine struct {
	driver store.Driver
}

// New constructs an Engine.
func New(driver store.Driver) *Engine {
	return &Engine{driver: driver}
}

// Export builds a Document for userID matching filter, including
// embeddings only when includeEmbeddings is true (spec §4.10: stored if
// present and regenerate_embeddings=false; callers pass false here to
// omit them and force recomputation on next retrieval).
func (e *Engine) Export(ctx context.Context, userID string, filter Filter, includeEmbeddings bool, now time.Time) (Document, error) {
	if userID == "" {
		return Document{}, model.NewValidationError("user_id", "required", "user_id must be non-empty", "pass a user id")
	}

	storeFilters := store.Filters{Sectors: filter.Sectors, Tags: filter.Tags, MinStrength: filter.MinStrength, IncludeHidden: true}
	if !filter.DateRange[0].IsZero() {
		storeFilters.CreatedAfter = filter.DateRange[0]
	}
	if !filter.DateRange[1].IsZero() {
		storeFilters.CreatedBefore = filter.DateRange[1]
	}

	records, err := e.driver.AllForUser(ctx, userID, storeFilters)
	if err != nil {
		return Document{}, err
	}

	doc := Document{Version: DocumentVersion, ExportedAt: now, UserID: userID, Filter: &filter}
	for _, r := range records {
		r.Metadata.CanonicalizeOrder()
		mv := MemoryView{
			ID:            r.Memory.ID,
			Content:       r.Memory.Content,
			PrimarySector: r.Memory.PrimarySector,
			Metadata:      r.Metadata,
			Tags:          r.Metadata.Tags,
			CreatedAt:     r.Memory.CreatedAt,
			LastAccessed:  r.Memory.LastAccessedAt,
			Strength:      r.Memory.Strength,
			Salience:      r.Memory.Salience,
			AccessCount:   r.Memory.AccessCount,
		}
		if includeEmbeddings {
			mv.Embeddings = r.Embeddings
		}
		links, err := e.driver.LinksFrom(ctx, userID, r.Memory.ID)
		if err == nil {
			for _, l := range links {
				mv.Links = append(mv.Links, LinkView{TargetID: l.TargetID, Weight: l.Weight, LinkType: l.LinkType})
			}
		}
		doc.Memories = append(doc.Memories, mv)
	}
	doc.Count = len(doc.Memories)
	return doc, nil
}

// Marshal renders doc as indented JSON.
func Marshal(doc Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// ValidationIssue is one strict-validation failure collected during import.
type ValidationIssue struct {
	Path    string
	Message string
}

func (v ValidationIssue) Error() string { return fmt.Sprintf("%s: %s", v.Path, v.Message) }

// rawDocument mirrors Document but keeps fields as interface{}/loosely
// typed so Validate can report every malformed field instead of
// failing at the first json.Unmarshal type mismatch.
type rawDocument struct {
	Version  *string           `json:"version"`
	UserID   *string           `json:"user_id"`
	Memories []json.RawMessage `json:"memories"`
}

type rawMemory struct {
	ID            *string          `json:"id"`
	Content       *string          `json:"content"`
	PrimarySector *string          `json:"primary_sector"`
	Strength      *json.RawMessage `json:"strength"`
	Salience      *json.RawMessage `json:"salience"`
	Tags          *json.RawMessage `json:"tags"`
}

// Validate performs spec §4.10's strict, collect-all-errors structural
// check over raw import bytes and returns every MemoryView that parsed
// cleanly plus every issue found, across both document- and
// memory-level fields.
func Validate(raw []byte) (Document, []ValidationIssue) {
	var rd rawDocument
	if err := json.Unmarshal(raw, &rd); err != nil {
		return Document{}, []ValidationIssue{{Path: "$", Message: "document must be a JSON object: " + err.Error()}}
	}
	var issues []ValidationIssue
	if rd.Version == nil {
		issues = append(issues, ValidationIssue{Path: "version", Message: "required"})
	}
	if rd.UserID == nil || *rd.UserID == "" {
		issues = append(issues, ValidationIssue{Path: "user_id", Message: "required, non-empty"})
	}
	if rd.Memories == nil {
		issues = append(issues, ValidationIssue{Path: "memories", Message: "required array"})
	}

	doc := Document{}
	if rd.Version != nil {
		doc.Version = *rd.Version
	}
	if rd.UserID != nil {
		doc.UserID = *rd.UserID
	}

	for i, raw := range rd.Memories {
		var rm rawMemory
		if err := json.Unmarshal(raw, &rm); err != nil {
			issues = append(issues, ValidationIssue{Path: fmt.Sprintf("memories[%d]", i), Message: "must be an object: " + err.Error()})
			continue
		}
		path := fmt.Sprintf("memories[%d]", i)
		ok := true
		if rm.ID == nil || *rm.ID == "" {
			issues = append(issues, ValidationIssue{Path: path + ".id", Message: "required string"})
			ok = false
		}
		if rm.Content == nil {
			issues = append(issues, ValidationIssue{Path: path + ".content", Message: "required string"})
			ok = false
		}
		if rm.PrimarySector == nil || !model.Sector(*rm.PrimarySector).Valid() {
			issues = append(issues, ValidationIssue{Path: path + ".primary_sector", Message: "must be one of the five known sectors"})
			ok = false
		}
		var strength, salience float64
		if rm.Strength != nil {
			if err := json.Unmarshal(*rm.Strength, &strength); err != nil {
				issues = append(issues, ValidationIssue{Path: path + ".strength", Message: "must be a number"})
				ok = false
			}
		}
		if rm.Salience != nil {
			if err := json.Unmarshal(*rm.Salience, &salience); err != nil {
				issues = append(issues, ValidationIssue{Path: path + ".salience", Message: "must be a number"})
				ok = false
			}
		}
		var tags []string
		if rm.Tags != nil {
			if err := json.Unmarshal(*rm.Tags, &tags); err != nil {
				issues = append(issues, ValidationIssue{Path: path + ".tags", Message: "must be an array"})
				ok = false
			}
		}
		if !ok {
			continue
		}
		var full MemoryView
		if err := json.Unmarshal(raw, &full); err != nil {
			issues = append(issues, ValidationIssue{Path: path, Message: "failed full decode: " + err.Error()})
			continue
		}
		doc.Memories = append(doc.Memories, full)
	}
	doc.Count = len(doc.Memories)
	return doc, issues
}

// Mode selects merge or replace import semantics (spec §4.10).
type Mode string

const (
	ModeMerge   Mode = "merge"
	ModeReplace Mode = "replace"
)

// ImportResult is the final per-run summary (spec §4.10).
type ImportResult struct {
	ImportedCount int
	SkippedCount  int
	ErrorCount    int
	Errors        []string
}

// Import validates raw bytes, then applies every well-formed memory to
// userID under mode. Structural issues found during Validate count as
// skipped (not imported), each contributing its message to Errors.
// Per-memory driver failures are likewise captured without aborting the
// run; only a connection-level error from ReplaceAllForUser aborts and
// propagates. Original timestamps are preserved verbatim — they are
// copied straight from the decoded MemoryView onto the Memory row.
func (e *Engine) Import(ctx context.Context, userID string, raw []byte, mode Mode, now time.Time) (ImportResult, error) {
	doc, issues := Validate(raw)
	result := ImportResult{}
	for _, iss := range issues {
		result.SkippedCount++
		result.ErrorCount++
		result.Errors = append(result.Errors, iss.Error())
	}
	if doc.UserID == "" {
		return result, nil
	}
	if userID == "" {
		userID = doc.UserID
	}

	if mode == ModeReplace {
		if err := e.driver.ReplaceAllForUser(ctx, userID); err != nil {
			return result, err // connection-level failure: abort and roll back
		}
	}

	for _, mv := range doc.Memories {
		if err := e.importOne(ctx, userID, mv, now); err != nil {
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", mv.ID, err.Error()))
			continue
		}
		result.ImportedCount++
	}
	return result, nil
}

func (e *Engine) importOne(ctx context.Context, userID string, mv MemoryView, now time.Time) error {
	mem := model.Memory{
		ID:             mv.ID,
		UserID:         userID,
		Content:        mv.Content,
		PrimarySector:  mv.PrimarySector,
		CreatedAt:      mv.CreatedAt,
		LastAccessedAt: mv.LastAccessed,
		AccessCount:    mv.AccessCount,
		Strength:       mv.Strength,
		Salience:       mv.Salience,
		DecayRate:      0.05,
		IsAtomic:       true,
	}
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = now
	}
	if mem.LastAccessedAt.IsZero() {
		mem.LastAccessedAt = now
	}
	meta := mv.Metadata
	meta.MemoryID = mv.ID
	if meta.Tags == nil {
		meta.Tags = mv.Tags
	}
	meta.CanonicalizeOrder()

	_, err := e.driver.Get(ctx, userID, mv.ID)
	exists := err == nil

	if exists {
		if uErr := e.driver.UpdateMemory(ctx, mem, &meta); uErr != nil {
			return uErr
		}
	} else {
		rec := model.Record{Memory: mem, Metadata: meta}
		hasEmbeddings := false
		for _, emb := range mv.Embeddings {
			if len(emb.Vector) > 0 {
				hasEmbeddings = true
				break
			}
		}
		if hasEmbeddings {
			rec.Embeddings = mv.Embeddings
		} else {
			for i, s := range model.AllSectors {
				rec.Embeddings[i] = model.Embedding{MemoryID: mv.ID, Sector: s, CapturedAt: now}
			}
		}
		if cErr := e.driver.Create(ctx, rec); cErr != nil {
			return cErr
		}
	}

	for _, l := range mv.Links {
		link := model.MemoryLink{SourceID: mv.ID, TargetID: l.TargetID, LinkType: l.LinkType, Weight: l.Weight}
		_ = e.driver.UpsertLink(ctx, userID, link) // idempotent re-insert; failures here don't fail the memory import
	}
	return nil
}
