package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/protocol-lattice/cogmem/internal/model"
)

// PostgresDriver implements Driver against Postgres + pgvector, grounded
// on the teacher's pkg/memory/postgres_store.go, generalized from one
// embedding column to one row per (memory, sector) in memory_embeddings
// and a standalone memory_links table.
type PostgresDriver struct {
	db  *pgxpool.Pool
	dim int
}

// NewPostgresDriver connects to Postgres and returns a Driver.
func NewPostgresDriver(ctx context.Context, connStr string) (*PostgresDriver, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	return &PostgresDriver{db: db}, nil
}

// CreateSchema provisions the pgvector extension and the three tables
// this driver needs. dim is the fixed embedding width (spec §3's
// "model-dependent but fixed per deployment").
func (p *PostgresDriver) CreateSchema(ctx context.Context, dim int) error {
	schema := fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    session_id TEXT,
    content TEXT NOT NULL,
    primary_sector TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    last_accessed_at TIMESTAMPTZ NOT NULL,
    access_count BIGINT NOT NULL DEFAULT 0,
    strength DOUBLE PRECISION NOT NULL DEFAULT 1,
    salience DOUBLE PRECISION NOT NULL DEFAULT 0,
    decay_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_atomic BOOLEAN NOT NULL DEFAULT true,
    parent_id TEXT,
    consolidated_into TEXT,
    metadata JSONB
);
CREATE INDEX IF NOT EXISTS memories_user_idx ON memories (user_id);
CREATE INDEX IF NOT EXISTS memories_created_idx ON memories (user_id, created_at);

CREATE TABLE IF NOT EXISTS memory_embeddings (
    memory_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    sector TEXT NOT NULL,
    vector vector(%d) NOT NULL,
    model_id TEXT,
    captured_at TIMESTAMPTZ,
    PRIMARY KEY (memory_id, sector)
);
CREATE INDEX IF NOT EXISTS memory_embeddings_ann_idx
    ON memory_embeddings USING ivfflat (vector vector_cosine_ops) WITH (lists = 100);

CREATE TABLE IF NOT EXISTS memory_links (
    user_id TEXT NOT NULL,
    source_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    target_id TEXT NOT NULL REFERENCES memories(id) ON DELETE CASCADE,
    link_type TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 0,
    PRIMARY KEY (source_id, target_id, link_type)
);
CREATE INDEX IF NOT EXISTS memory_links_target_idx ON memory_links (user_id, target_id);
`, dim)
	_, err := p.db.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	p.dim = dim
	return nil
}

func (p *PostgresDriver) Close() {
	p.db.Close()
}

func (p *PostgresDriver) Create(ctx context.Context, rec model.Record) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback(ctx)

	metaJSON, _ := json.Marshal(rec.Metadata)
	_, err = tx.Exec(ctx, `
		INSERT INTO memories (id, user_id, session_id, content, primary_sector, created_at,
			last_accessed_at, access_count, strength, salience, decay_rate, is_atomic,
			parent_id, consolidated_into, metadata)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15::jsonb)
	`, rec.Memory.ID, rec.Memory.UserID, rec.Memory.SessionID, rec.Memory.Content,
		string(rec.Memory.PrimarySector), rec.Memory.CreatedAt, rec.Memory.LastAccessedAt,
		rec.Memory.AccessCount, rec.Memory.Strength, rec.Memory.Salience, rec.Memory.DecayRate,
		rec.Memory.IsAtomic, rec.Memory.ParentID, rec.Memory.ConsolidatedInto, metaJSON)
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}

	for _, emb := range rec.Embeddings {
		if _, err := tx.Exec(ctx, `
			INSERT INTO memory_embeddings (memory_id, sector, vector, model_id, captured_at)
			VALUES ($1,$2,$3,$4,$5)
		`, rec.Memory.ID, string(emb.Sector), vectorLiteral(emb.Vector), emb.ModelID, emb.CapturedAt); err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
	}

	for _, link := range rec.Links {
		if _, err := tx.Exec(ctx, `
			INSERT INTO memory_links (user_id, source_id, target_id, link_type, weight)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (source_id, target_id, link_type) DO UPDATE SET weight = EXCLUDED.weight
		`, rec.Memory.UserID, link.SourceID, link.TargetID, string(link.LinkType), link.Weight); err != nil {
			return fmt.Errorf("insert link: %w", err)
		}
	}

	return tx.Commit(ctx)
}

func (p *PostgresDriver) Get(ctx context.Context, userID, id string) (model.Record, error) {
	row := p.db.QueryRow(ctx, `
		SELECT id, user_id, session_id, content, primary_sector, created_at, last_accessed_at,
			access_count, strength, salience, decay_rate, is_atomic, parent_id, consolidated_into, metadata::text
		FROM memories WHERE user_id = $1 AND id = $2
	`, userID, id)

	mem, metaRaw, err := scanMemoryRow(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return model.Record{}, model.NewNotFoundError("memory", id)
		}
		return model.Record{}, fmt.Errorf("get memory: %w", err)
	}

	rec := model.Record{Memory: mem}
	if metaRaw != "" {
		_ = json.Unmarshal([]byte(metaRaw), &rec.Metadata)
	}
	rec.Metadata.MemoryID = id

	embs, err := p.embeddingsFor(ctx, id)
	if err != nil {
		return model.Record{}, err
	}
	copy(rec.Embeddings[:], embs)

	links, err := p.LinksFrom(ctx, userID, id)
	if err != nil {
		return model.Record{}, err
	}
	rec.Links = links
	return rec, nil
}

func scanMemoryRow(row pgx.Row) (model.Memory, string, error) {
	var mem model.Memory
	var sector string
	var metaRaw string
	err := row.Scan(&mem.ID, &mem.UserID, &mem.SessionID, &mem.Content, &sector, &mem.CreatedAt,
		&mem.LastAccessedAt, &mem.AccessCount, &mem.Strength, &mem.Salience, &mem.DecayRate,
		&mem.IsAtomic, &mem.ParentID, &mem.ConsolidatedInto, &metaRaw)
	mem.PrimarySector = model.Sector(sector)
	return mem, metaRaw, err
}

func (p *PostgresDriver) embeddingsFor(ctx context.Context, memoryID string) ([]model.Embedding, error) {
	rows, err := p.db.Query(ctx, `
		SELECT sector, vector::text, model_id, captured_at FROM memory_embeddings WHERE memory_id = $1
	`, memoryID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []model.Embedding
	for rows.Next() {
		var sector, vecText, modelID string
		var capturedAt time.Time
		if err := rows.Scan(&sector, &vecText, &modelID, &capturedAt); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, model.Embedding{
			MemoryID:   memoryID,
			Sector:     model.Sector(sector),
			Vector:     parseVectorLiteral(vecText),
			ModelID:    modelID,
			CapturedAt: capturedAt,
		})
	}
	return out, rows.Err()
}

func (p *PostgresDriver) Touch(ctx context.Context, userID, id string, now time.Time) error {
	_, err := p.db.Exec(ctx, `
		UPDATE memories SET last_accessed_at = $3, access_count = access_count + 1
		WHERE user_id = $1 AND id = $2
	`, userID, id, now)
	return err
}

func (p *PostgresDriver) Reinforce(ctx context.Context, userID, id string, delta float64) error {
	_, err := p.db.Exec(ctx, `
		UPDATE memories SET strength = LEAST(1.0, strength + $3)
		WHERE user_id = $1 AND id = $2
	`, userID, id, delta)
	return err
}

func (p *PostgresDriver) UpdateMemory(ctx context.Context, mem model.Memory, meta *model.MemoryMetadata) error {
	if meta != nil {
		metaJSON, _ := json.Marshal(meta)
		_, err := p.db.Exec(ctx, `
			UPDATE memories SET content=$3, primary_sector=$4, strength=$5, salience=$6,
				decay_rate=$7, is_atomic=$8, parent_id=$9, consolidated_into=$10, metadata=$11::jsonb
			WHERE user_id=$1 AND id=$2
		`, mem.UserID, mem.ID, mem.Content, string(mem.PrimarySector), mem.Strength, mem.Salience,
			mem.DecayRate, mem.IsAtomic, mem.ParentID, mem.ConsolidatedInto, metaJSON)
		return err
	}
	_, err := p.db.Exec(ctx, `
		UPDATE memories SET content=$3, primary_sector=$4, strength=$5, salience=$6,
			decay_rate=$7, is_atomic=$8, parent_id=$9, consolidated_into=$10
		WHERE user_id=$1 AND id=$2
	`, mem.UserID, mem.ID, mem.Content, string(mem.PrimarySector), mem.Strength, mem.Salience,
		mem.DecayRate, mem.IsAtomic, mem.ParentID, mem.ConsolidatedInto)
	return err
}

func (p *PostgresDriver) Delete(ctx context.Context, userID, id string) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM memory_links WHERE user_id=$1 AND (source_id=$2 OR target_id=$2)`, userID, id); err != nil {
		return fmt.Errorf("delete links: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM memories WHERE user_id=$1 AND id=$2`, userID, id); err != nil {
		return fmt.Errorf("delete memory: %w", err)
	}
	return tx.Commit(ctx)
}

func (p *PostgresDriver) ProbeSector(ctx context.Context, userID string, sector model.Sector, query []float32, filters Filters, limit int) ([]Candidate, error) {
	var sb strings.Builder
	args := []any{userID, string(sector), vectorLiteral(query)}
	sb.WriteString(`
		SELECT m.id, m.user_id, m.session_id, m.content, m.primary_sector, m.created_at, m.last_accessed_at,
			m.access_count, m.strength, m.salience, m.decay_rate, m.is_atomic, m.parent_id, m.consolidated_into,
			m.metadata::text, (e.vector <=> $3::vector) AS dist
		FROM memories m JOIN memory_embeddings e ON e.memory_id = m.id
		WHERE m.user_id = $1 AND e.sector = $2
	`)
	if filters.ExcludeTombstoned {
		sb.WriteString(" AND (m.consolidated_into IS NULL OR m.consolidated_into != '__tombstone__')")
	}
	if !filters.IncludeHidden {
		sb.WriteString(" AND m.consolidated_into IS NULL")
	}
	if filters.MinSalience > 0 {
		args = append(args, filters.MinSalience)
		sb.WriteString(fmt.Sprintf(" AND m.salience >= $%d", len(args)))
	}
	if filters.MinStrength > 0 {
		args = append(args, filters.MinStrength)
		sb.WriteString(fmt.Sprintf(" AND m.strength >= $%d", len(args)))
	}
	sb.WriteString(" ORDER BY e.vector <=> $3::vector LIMIT ")
	args = append(args, limit)
	sb.WriteString(fmt.Sprintf("$%d", len(args)))

	rows, err := p.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("probe sector: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var mem model.Memory
		var sectorStr, metaRaw string
		var dist float64
		if err := rows.Scan(&mem.ID, &mem.UserID, &mem.SessionID, &mem.Content, &sectorStr, &mem.CreatedAt,
			&mem.LastAccessedAt, &mem.AccessCount, &mem.Strength, &mem.Salience, &mem.DecayRate, &mem.IsAtomic,
			&mem.ParentID, &mem.ConsolidatedInto, &metaRaw, &dist); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		mem.PrimarySector = model.Sector(sectorStr)
		rec := model.Record{Memory: mem}
		if metaRaw != "" {
			_ = json.Unmarshal([]byte(metaRaw), &rec.Metadata)
		}
		out = append(out, Candidate{Record: rec, Similarity: 1 - dist, Sector: sector})
	}
	return out, rows.Err()
}

func (p *PostgresDriver) AllForUser(ctx context.Context, userID string, filters Filters) ([]model.Record, error) {
	var sb strings.Builder
	args := []any{userID}
	sb.WriteString(`
		SELECT id, user_id, session_id, content, primary_sector, created_at, last_accessed_at,
			access_count, strength, salience, decay_rate, is_atomic, parent_id, consolidated_into, metadata::text
		FROM memories WHERE user_id = $1
	`)
	if !filters.IncludeHidden {
		sb.WriteString(" AND consolidated_into IS NULL")
	}
	sb.WriteString(" ORDER BY created_at ASC")

	rows, err := p.db.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("all for user: %w", err)
	}
	defer rows.Close()

	var out []model.Record
	for rows.Next() {
		var mem model.Memory
		var sectorStr, metaRaw string
		if err := rows.Scan(&mem.ID, &mem.UserID, &mem.SessionID, &mem.Content, &sectorStr, &mem.CreatedAt,
			&mem.LastAccessedAt, &mem.AccessCount, &mem.Strength, &mem.Salience, &mem.DecayRate, &mem.IsAtomic,
			&mem.ParentID, &mem.ConsolidatedInto, &metaRaw); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		mem.PrimarySector = model.Sector(sectorStr)
		rec := model.Record{Memory: mem}
		if metaRaw != "" {
			_ = json.Unmarshal([]byte(metaRaw), &rec.Metadata)
		}
		embs, err := p.embeddingsFor(ctx, mem.ID)
		if err != nil {
			return nil, err
		}
		copy(rec.Embeddings[:], embs)
		links, err := p.LinksFrom(ctx, userID, mem.ID)
		if err != nil {
			return nil, err
		}
		rec.Links = links
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresDriver) UpsertLink(ctx context.Context, userID string, link model.MemoryLink) error {
	_, err := p.db.Exec(ctx, `
		INSERT INTO memory_links (user_id, source_id, target_id, link_type, weight)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (source_id, target_id, link_type) DO UPDATE SET weight = EXCLUDED.weight
	`, userID, link.SourceID, link.TargetID, string(link.LinkType), link.Weight)
	return err
}

func (p *PostgresDriver) LinksFrom(ctx context.Context, userID, id string) ([]model.MemoryLink, error) {
	rows, err := p.db.Query(ctx, `
		SELECT source_id, target_id, link_type, weight FROM memory_links WHERE user_id=$1 AND source_id=$2
	`, userID, id)
	if err != nil {
		return nil, fmt.Errorf("links from: %w", err)
	}
	defer rows.Close()
	var out []model.MemoryLink
	for rows.Next() {
		var l model.MemoryLink
		var lt string
		if err := rows.Scan(&l.SourceID, &l.TargetID, &lt, &l.Weight); err != nil {
			return nil, err
		}
		l.LinkType = model.LinkType(lt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresDriver) LinksTo(ctx context.Context, userID, id string) ([]model.MemoryLink, error) {
	rows, err := p.db.Query(ctx, `
		SELECT source_id, target_id, link_type, weight FROM memory_links WHERE user_id=$1 AND target_id=$2
	`, userID, id)
	if err != nil {
		return nil, fmt.Errorf("links to: %w", err)
	}
	defer rows.Close()
	var out []model.MemoryLink
	for rows.Next() {
		var l model.MemoryLink
		var lt string
		if err := rows.Scan(&l.SourceID, &l.TargetID, &lt, &l.Weight); err != nil {
			return nil, err
		}
		l.LinkType = model.LinkType(lt)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (p *PostgresDriver) Stats(ctx context.Context, userID string) (Stats, error) {
	stats := Stats{CountBySector: map[model.Sector]int{}, CountByAgeBucket: map[string]int{}}

	rows, err := p.db.Query(ctx, `
		SELECT primary_sector, COUNT(*), LENGTH(content)
		FROM memories WHERE user_id=$1 AND consolidated_into IS NULL GROUP BY primary_sector, content
	`, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("stats sector: %w", err)
	}
	for rows.Next() {
		var sector string
		var count int
		var contentLen int64
		if err := rows.Scan(&sector, &count, &contentLen); err != nil {
			rows.Close()
			return Stats{}, err
		}
		stats.CountBySector[model.Sector(sector)] += count
		stats.ContentBytes += contentLen * int64(count)
		stats.TotalMemories += count
	}
	rows.Close()

	ageRow := p.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE now() - created_at < interval '24 hours'),
			COUNT(*) FILTER (WHERE now() - created_at >= interval '24 hours' AND now() - created_at < interval '7 days'),
			COUNT(*) FILTER (WHERE now() - created_at >= interval '7 days' AND now() - created_at < interval '30 days'),
			COUNT(*) FILTER (WHERE now() - created_at >= interval '30 days'),
			COUNT(*) FILTER (WHERE is_atomic AND primary_sector = 'episodic' AND consolidated_into IS NULL)
		FROM memories WHERE user_id=$1
	`, userID)
	var last24h, week, month, older, atomicEpisodic int
	if err := ageRow.Scan(&last24h, &week, &month, &older, &atomicEpisodic); err != nil {
		return Stats{}, fmt.Errorf("stats age: %w", err)
	}
	stats.CountByAgeBucket["24h"] = last24h
	stats.CountByAgeBucket["week"] = week
	stats.CountByAgeBucket["month"] = month
	stats.CountByAgeBucket["older"] = older
	stats.AtomicEpisodic = atomicEpisodic

	return stats, nil
}

func (p *PostgresDriver) ReplaceAllForUser(ctx context.Context, userID string) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, `DELETE FROM memory_links WHERE user_id=$1`, userID); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `DELETE FROM memories WHERE user_id=$1`, userID); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PostgresDriver) EmbeddingDimension(ctx context.Context) (int, error) {
	return p.dim, nil
}

func vectorLiteral(v []float32) string {
	parts := make([]string, len(v))
	for i, f := range v {
		parts[i] = strconv.FormatFloat(float64(f), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func parseVectorLiteral(text string) []float32 {
	text = strings.Trim(text, "[]")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			continue
		}
		vec = append(vec, float32(f))
	}
	return vec
}
