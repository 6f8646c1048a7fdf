package store

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/protocol-lattice/cogmem/internal/model"
)

// GraphOverlayDriver composes a base Driver (vector/metadata storage)
// with a Neo4j-backed knowledge graph for link traversal, grounded on
// the teacher's src/memory/store/neo4j_store.go composition pattern:
// vector/similarity operations stay delegated to base, while
// UpsertLink writes into Neo4j (and through to base) and
// LinksFrom/LinksTo read from Neo4j. Consolidation's "related" edges
// (spec §4.6) are written through it; ProbeSector and Get are served by
// base, so the links the ranker's link_weight term (spec §4.4) sees come
// from base, not from Neo4j.
type GraphOverlayDriver struct {
	Driver
	neo neo4j.DriverWithContext
	db  string
}

// NewGraphOverlayDriver wraps base with a Neo4j graph for link storage.
func NewGraphOverlayDriver(base Driver, uri, username, password, database string) (*GraphOverlayDriver, error) {
	drv, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("connect to neo4j: %w", err)
	}
	return &GraphOverlayDriver{Driver: base, neo: drv, db: database}, nil
}

func (g *GraphOverlayDriver) Close(ctx context.Context) error {
	return g.neo.Close(ctx)
}

// UpsertLink MERGEs a (:Memory)-[:LINK]->(:Memory) edge keyed by
// (source, target, link_type), matching the base driver's uniqueness
// contract.
func (g *GraphOverlayDriver) UpsertLink(ctx context.Context, userID string, link model.MemoryLink) error {
	session := g.neo.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: g.db})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
			MERGE (s:Memory {user_id: $user_id, id: $source_id})
			MERGE (t:Memory {user_id: $user_id, id: $target_id})
			MERGE (s)-[l:LINK {link_type: $link_type}]->(t)
			SET l.weight = $weight
		`, map[string]any{
			"user_id": userID, "source_id": link.SourceID, "target_id": link.TargetID,
			"link_type": string(link.LinkType), "weight": link.Weight,
		})
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("upsert link: %w", err)
	}
	return g.Driver.UpsertLink(ctx, userID, link)
}

func (g *GraphOverlayDriver) LinksFrom(ctx context.Context, userID, id string) ([]model.MemoryLink, error) {
	return g.queryLinks(ctx, `
		MATCH (s:Memory {user_id: $user_id, id: $id})-[l:LINK]->(t:Memory)
		RETURN t.id AS target_id, l.link_type AS link_type, l.weight AS weight
	`, userID, id, true)
}

func (g *GraphOverlayDriver) LinksTo(ctx context.Context, userID, id string) ([]model.MemoryLink, error) {
	return g.queryLinks(ctx, `
		MATCH (s:Memory)-[l:LINK]->(t:Memory {user_id: $user_id, id: $id})
		RETURN s.id AS source_id, l.link_type AS link_type, l.weight AS weight
	`, userID, id, false)
}

func (g *GraphOverlayDriver) queryLinks(ctx context.Context, query, userID, id string, outgoing bool) ([]model.MemoryLink, error) {
	session := g.neo.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead, DatabaseName: g.db})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"user_id": userID, "id": id})
		if err != nil {
			return nil, err
		}
		var links []model.MemoryLink
		for res.Next(ctx) {
			rec := res.Record()
			weight, _ := rec.Get("weight")
			linkType, _ := rec.Get("link_type")
			link := model.MemoryLink{LinkType: model.LinkType(asString(linkType)), Weight: asFloat64(weight)}
			if outgoing {
				link.SourceID = id
				other, _ := rec.Get("target_id")
				link.TargetID = asString(other)
			} else {
				link.TargetID = id
				other, _ := rec.Get("source_id")
				link.SourceID = asString(other)
			}
			links = append(links, link)
		}
		return links, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	return result.([]model.MemoryLink), nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat64(v any) float64 {
	f, _ := v.(float64)
	return f
}
