package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/protocol-lattice/cogmem/internal/model"
)

// QdrantIndex is a secondary ANN index usable as an alternate
// ProbeSector source at scale, grounded on the teacher's
// pkg/memory/qdrant_store.go REST envelope/dual-status pattern —
// extended here from schema-creation-only to real point upsert and
// search, since the teacher's own QdrantStore had no body beyond
// CreateSchema.
type QdrantIndex struct {
	baseURL    string
	apiKey     string
	collection string
	client     *http.Client
}

// NewQdrantIndex builds a client against baseURL (e.g.
// "http://localhost:6333"); one collection per (sector) is assumed,
// named "<collection>_<sector>".
func NewQdrantIndex(baseURL, apiKey, collection string) *QdrantIndex {
	return &QdrantIndex{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		collection: collection,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
}

type qdrantStatus struct {
	State string
	Error string
}

func (s *qdrantStatus) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		s.State = strings.ToLower(v)
		return nil
	}
	var obj struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	s.Error = obj.Error
	if s.Error != "" {
		s.State = "error"
	}
	return nil
}

type qdrantEnvelope[T any] struct {
	Status qdrantStatus `json:"status"`
	Result T            `json:"result"`
}

// EnsureCollection creates the per-sector collection if absent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, sector model.Sector, dim int) error {
	body, _ := json.Marshal(map[string]any{
		"vectors": map[string]any{"size": dim, "distance": "Cosine"},
	})
	_, err := q.do(ctx, http.MethodPut, "/collections/"+q.collectionName(sector), body)
	return err
}

// Upsert writes a point with id=memoryID and the given vector.
func (q *QdrantIndex) Upsert(ctx context.Context, sector model.Sector, memoryID string, vector []float32) error {
	body, _ := json.Marshal(map[string]any{
		"points": []map[string]any{
			{"id": memoryID, "vector": vector},
		},
	})
	_, err := q.do(ctx, http.MethodPut, "/collections/"+q.collectionName(sector)+"/points?wait=true", body)
	return err
}

// Delete removes a point.
func (q *QdrantIndex) Delete(ctx context.Context, sector model.Sector, memoryID string) error {
	body, _ := json.Marshal(map[string]any{"points": []string{memoryID}})
	_, err := q.do(ctx, http.MethodPost, "/collections/"+q.collectionName(sector)+"/points/delete?wait=true", body)
	return err
}

// ANNResult is one nearest-neighbor hit.
type ANNResult struct {
	MemoryID string
	Score    float64
}

// Search runs an approximate nearest-neighbor query and returns the
// top `limit` hits by cosine similarity (Qdrant already returns
// similarity, not distance, for a Cosine-distance collection).
func (q *QdrantIndex) Search(ctx context.Context, sector model.Sector, vector []float32, limit int) ([]ANNResult, error) {
	body, _ := json.Marshal(map[string]any{
		"vector": vector,
		"limit":  limit,
		"with_payload": false,
	})
	resp, err := q.do(ctx, http.MethodPost, "/collections/"+q.collectionName(sector)+"/points/search", body)
	if err != nil {
		return nil, err
	}
	var env qdrantEnvelope[[]struct {
		ID    json.RawMessage `json:"id"`
		Score float64         `json:"score"`
	}]
	if err := json.Unmarshal(resp, &env); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	out := make([]ANNResult, 0, len(env.Result))
	for _, hit := range env.Result {
		id := strings.Trim(string(hit.ID), `"`)
		out = append(out, ANNResult{MemoryID: id, Score: hit.Score})
	}
	return out, nil
}

func (q *QdrantIndex) collectionName(sector model.Sector) string {
	return q.collection + "_" + string(sector)
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	u, err := url.Parse(q.baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad base url: %w", err)
	}
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	var env qdrantEnvelope[json.RawMessage]
	_ = json.Unmarshal(respBody, &env)
	if env.Status.Error != "" {
		if strings.Contains(strings.ToLower(env.Status.Error), "already exists") {
			return respBody, nil
		}
		return nil, fmt.Errorf("qdrant error: %s", env.Status.Error)
	}
	return nil, fmt.Errorf("qdrant http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
