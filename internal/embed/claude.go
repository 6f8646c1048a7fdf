package embed

import "context"

// ClaudeProvider is a stub: Anthropic's models have no embeddings
// endpoint. Kept so configuration referencing "claude" doesn't panic,
// grounded in pkg/memory/embeeding_claude.go.
type ClaudeProvider struct {
	model string
}

// NewClaudeProvider always succeeds at construction; every Embed call
// returns ErrNotSupported.
func NewClaudeProvider(model string) (*ClaudeProvider, error) {
	return &ClaudeProvider{model: model}, nil
}

func (c *ClaudeProvider) Embed(_ context.Context, _ string) (SectorEmbeddings, error) {
	return nil, ErrNotSupported
}

func (c *ClaudeProvider) Dimension() int { return 0 }
