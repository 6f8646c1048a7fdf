package embed

import (
	"context"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider fans an OpenAI embeddings call out across the five
// sectors, grounded in core/memory/embed/openai.go.
type OpenAIProvider struct {
	client *openai.Client
	model  string
	dim    int
}

// NewOpenAIProvider constructs an OpenAI-backed provider. dimension
// defaults to 1536 (text-embedding-3-small's native size).
func NewOpenAIProvider(model string) (*OpenAIProvider, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		key = os.Getenv("OPENAI_KEY")
	}
	cfg := openai.DefaultConfig(key)
	cli := openai.NewClientWithConfig(cfg)
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &OpenAIProvider{client: cli, model: model, dim: 1536}, nil
}

func (p *OpenAIProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Model: openai.EmbeddingModel(p.model),
		Input: []string{text},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, ErrNotSupported
	}
	return resp.Data[0].Embedding, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) (SectorEmbeddings, error) {
	b := &base{inner: p, dimension: p.dim}
	return b.Embed(ctx, text)
}

func (p *OpenAIProvider) Dimension() int { return p.dim }
