package embed

import (
	"context"
	"fmt"

	fastembed "github.com/anush008/fastembed-go"
)

// FastEmbedProvider runs a local CPU ONNX embedding model, grounded in
// pkg/memory/embed/fast_embed.go.
type FastEmbedProvider struct {
	m   *fastembed.FlagEmbedding
	dim int
}

// NewFastEmbedProvider initializes bge-small-en-v1.5 (768-dim) unless
// cacheDir overrides the model cache location.
func NewFastEmbedProvider(cacheDir string) (*FastEmbedProvider, error) {
	init := &fastembed.InitOptions{CacheDir: cacheDir}
	m, err := fastembed.NewFlagEmbedding(init)
	if err != nil {
		return nil, fmt.Errorf("fastembed init: %w", err)
	}
	return &FastEmbedProvider{m: m, dim: 768}, nil
}

func (p *FastEmbedProvider) Close() error {
	if p.m != nil {
		p.m.Destroy()
	}
	return nil
}

func (p *FastEmbedProvider) embedOne(_ context.Context, text string) ([]float32, error) {
	vec, err := p.m.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("fastembed query embed: %w", err)
	}
	return vec, nil
}

func (p *FastEmbedProvider) Embed(ctx context.Context, text string) (SectorEmbeddings, error) {
	b := &base{inner: p, dimension: p.dim}
	return b.Embed(ctx, text)
}

func (p *FastEmbedProvider) Dimension() int { return p.dim }
