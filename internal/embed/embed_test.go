package embed

import (
	"context"
	"os"
	"testing"

	"github.com/protocol-lattice/cogmem/internal/model"
)

func TestDummyProviderProducesOneUnitVectorPerSector(t *testing.T) {
	p := NewDummyProvider(16)
	out, err := p.Embed(context.Background(), "hello world")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(out) != len(model.AllSectors) {
		t.Fatalf("expected %d sectors, got %d", len(model.AllSectors), len(out))
	}
	for _, s := range model.AllSectors {
		vec, ok := out[s]
		if !ok {
			t.Fatalf("missing embedding for sector %s", s)
		}
		if len(vec) != 16 {
			t.Fatalf("expected dimension 16, got %d", len(vec))
		}
		if !model.IsUnitOrZero(vec, 1e-5) {
			t.Fatalf("expected unit-normalized vector for sector %s, got norm=%.4f", s, model.L2Norm(vec))
		}
	}
}

func TestDummyProviderIsDeterministic(t *testing.T) {
	p := NewDummyProvider(32)
	a, err := p.Embed(context.Background(), "repeatable text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	b, err := p.Embed(context.Background(), "repeatable text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	for _, s := range model.AllSectors {
		va, vb := a[s], b[s]
		for i := range va {
			if va[i] != vb[i] {
				t.Fatalf("expected identical embeddings for identical text, sector %s differs at %d", s, i)
			}
		}
	}
}

func TestDummyProviderDifferentSectorsPrefixDifferently(t *testing.T) {
	p := NewDummyProvider(32)
	out, err := p.Embed(context.Background(), "same text")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if model.CosineSimilarity(out[model.SectorEpisodic], out[model.SectorSemantic]) >= 1.0-1e-9 {
		t.Fatalf("expected different sector prefixes to produce distinguishable embeddings")
	}
}

func TestDummyProviderDimensionDefaultsTo768(t *testing.T) {
	p := NewDummyProvider(0)
	if p.Dimension() != 768 {
		t.Fatalf("expected default dimension 768, got %d", p.Dimension())
	}
}

func TestAutoProviderFallsBackToDummyWithoutEnv(t *testing.T) {
	for _, key := range []string{"COGMEM_EMBED_PROVIDER", "COGMEM_EMBED_MODEL", "OPENAI_API_KEY", "OPENAI_KEY", "GOOGLE_API_KEY", "GEMINI_API_KEY", "OLLAMA_HOST"} {
		old, had := os.LookupEnv(key)
		os.Unsetenv(key)
		defer func(k, v string, had bool) {
			if had {
				os.Setenv(k, v)
			}
		}(key, old, had)
	}

	p := AutoProvider(nil)
	if _, ok := p.(*DummyProvider); !ok {
		t.Fatalf("expected AutoProvider to fall back to DummyProvider with no env set, got %T", p)
	}
}
