package embed

import (
	"context"
	"errors"
	"os"

	genai "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// VertexProvider fans a Gemini/Vertex embeddings call out across the
// five sectors, grounded in pkg/memory/embeeding_vertex.go.
type VertexProvider struct {
	client *genai.Client
	model  *genai.EmbeddingModel
	dim    int
}

// NewVertexProvider requires GOOGLE_API_KEY or GEMINI_API_KEY.
func NewVertexProvider(model string) (*VertexProvider, error) {
	apiKey := os.Getenv("GOOGLE_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, errors.New("missing GOOGLE_API_KEY or GEMINI_API_KEY")
	}
	cli, err := genai.NewClient(context.Background(), option.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = "text-embedding-004"
	}
	return &VertexProvider{client: cli, model: cli.EmbeddingModel(model), dim: 768}, nil
}

func (p *VertexProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, ErrNotSupported
	}
	return resp.Embedding.Values, nil
}

func (p *VertexProvider) Embed(ctx context.Context, text string) (SectorEmbeddings, error) {
	b := &base{inner: p, dimension: p.dim}
	return b.Embed(ctx, text)
}

func (p *VertexProvider) Dimension() int { return p.dim }
