// Package embed implements the embedding provider contract (C2):
// text -> one unit vector per sector. Grounded in the teacher's
// pkg/memory/embeeding*.go and src/memory/embed/embed.go provider set.
package embed

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"

	"github.com/protocol-lattice/cogmem/internal/model"
)

// ErrNotSupported is returned by providers that do not offer embeddings
// (Claude/Anthropic has no embeddings endpoint).
var ErrNotSupported = errors.New("embeddings not supported by this provider")

// SectorEmbeddings holds one vector per sector, already unit-normalized.
type SectorEmbeddings map[model.Sector][]float32

// Provider is a pluggable text-embedding provider. Dimension is fixed
// for the lifetime of a Provider instance.
type Provider interface {
	// Embed maps text to one unit vector per sector.
	Embed(ctx context.Context, text string) (SectorEmbeddings, error)
	// Dimension returns the fixed vector length this provider produces.
	Dimension() int
}

// base wraps a single-vector text embedder (most backends produce one
// embedding call per sector using sector-prefixed text, rather than a
// genuinely sector-aware model) and fans it out across the five
// sectors, normalizing each result.
type base struct {
	inner     singleEmbedder
	dimension int
}

type singleEmbedder interface {
	embedOne(ctx context.Context, text string) ([]float32, error)
}

func (b *base) Embed(ctx context.Context, text string) (SectorEmbeddings, error) {
	out := make(SectorEmbeddings, len(model.AllSectors))
	for _, sector := range model.AllSectors {
		prefixed := string(sector) + ": " + text
		vec, err := b.inner.embedOne(ctx, prefixed)
		if err != nil {
			return nil, err
		}
		out[sector] = model.Normalize(vec)
	}
	return out, nil
}

func (b *base) Dimension() int { return b.dimension }

// DummyProvider is a deterministic, dependency-free embedder used as
// the default and in tests, grounded in the teacher's DummyEmbedder.
type DummyProvider struct {
	dim int
}

// NewDummyProvider builds a deterministic hash-based embedder with the
// given dimension (768 if dim <= 0, matching the teacher's default).
func NewDummyProvider(dim int) *DummyProvider {
	if dim <= 0 {
		dim = 768
	}
	return &DummyProvider{dim: dim}
}

func (d *DummyProvider) embedOne(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, d.dim)
	for i, ch := range []byte(text) {
		vec[i%d.dim] += float32(ch) / 255.0
	}
	return vec, nil
}

func (d *DummyProvider) Embed(ctx context.Context, text string) (SectorEmbeddings, error) {
	b := &base{inner: d, dimension: d.dim}
	return b.Embed(ctx, text)
}

func (d *DummyProvider) Dimension() int { return d.dim }

// AutoProvider chooses a backend from environment variables:
//
//	COGMEM_EMBED_PROVIDER=openai|google|gemini|ollama|claude|fastembed
//	COGMEM_EMBED_MODEL=<model string>
//
// If unset, it infers from available API keys/OLLAMA_HOST, else falls
// back to DummyProvider. Mirrors the teacher's AutoEmbedder.
func AutoProvider(logger *log.Logger) Provider {
	provider := strings.ToLower(strings.TrimSpace(os.Getenv("COGMEM_EMBED_PROVIDER")))
	modelName := strings.TrimSpace(os.Getenv("COGMEM_EMBED_MODEL"))

	switch provider {
	case "openai":
		if p, err := NewOpenAIProvider(modelName); err == nil {
			return p
		}
	case "google", "gemini", "vertex", "vertexai":
		if p, err := NewVertexProvider(modelName); err == nil {
			return p
		}
	case "ollama":
		if p, err := NewOllamaProvider(modelName); err == nil {
			return p
		}
	case "claude", "anthropic":
		if p, err := NewClaudeProvider(modelName); err == nil {
			return p
		}
	case "fastembed":
		if p, err := NewFastEmbedProvider(""); err == nil {
			return p
		}
	}

	if os.Getenv("OPENAI_API_KEY") != "" || os.Getenv("OPENAI_KEY") != "" {
		if p, err := NewOpenAIProvider(modelName); err == nil {
			return p
		}
	}
	if os.Getenv("GOOGLE_API_KEY") != "" || os.Getenv("GEMINI_API_KEY") != "" {
		if p, err := NewVertexProvider(modelName); err == nil {
			return p
		}
	}
	if os.Getenv("OLLAMA_HOST") != "" {
		if p, err := NewOllamaProvider(modelName); err == nil {
			return p
		}
	}

	if logger != nil {
		logger.Printf("embed: AutoProvider falling back to DummyProvider")
	}
	return NewDummyProvider(768)
}
