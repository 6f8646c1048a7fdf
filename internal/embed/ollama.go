package embed

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"time"

	ollama "github.com/ollama/ollama/api"
)

// OllamaProvider fans a local Ollama embeddings call out across the
// five sectors, grounded in pkg/memory/embeeding_ollama.go.
type OllamaProvider struct {
	client *ollama.Client
	model  string
	dim    int
}

// NewOllamaProvider defaults to http://localhost:11434 and model
// "nomic-embed-text" (768-dim) unless overridden.
func NewOllamaProvider(model string) (*OllamaProvider, error) {
	host := os.Getenv("OLLAMA_HOST")
	if host == "" {
		host = "http://localhost:11434"
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, err
	}
	httpClient := &http.Client{Timeout: 60 * time.Second}
	cli := ollama.NewClient(u, httpClient)
	if model == "" {
		model = "nomic-embed-text"
	}
	return &OllamaProvider{client: cli, model: model, dim: 768}, nil
}

func (p *OllamaProvider) embedOne(ctx context.Context, text string) ([]float32, error) {
	res, err := p.client.Embed(ctx, &ollama.EmbedRequest{
		Model: p.model,
		Input: text,
	})
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.Embeddings) == 0 || len(res.Embeddings[0]) == 0 {
		return nil, ErrNotSupported
	}
	return res.Embeddings[0], nil
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) (SectorEmbeddings, error) {
	b := &base{inner: p, dimension: p.dim}
	return b.Embed(ctx, text)
}

func (p *OllamaProvider) Dimension() int { return p.dim }
