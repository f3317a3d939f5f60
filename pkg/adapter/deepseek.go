package adapter

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const deepseekBaseURL = "https://api.deepseek.com/v1"

// DeepSeekAdapter implements the Adapter interface for DeepSeek models over
// their OpenAI-compatible API.
type DeepSeekAdapter struct {
	compat compatClient
}

// DeepSeekOption configures a DeepSeekAdapter.
type DeepSeekOption func(*openai.ClientConfig)

// WithDeepSeekBaseURL points the adapter at another OpenAI-compatible endpoint.
func WithDeepSeekBaseURL(url string) DeepSeekOption {
	return func(c *openai.ClientConfig) {
		c.BaseURL = url
	}
}

// NewDeepSeekAdapter creates a new DeepSeek adapter.
func NewDeepSeekAdapter(apiKey string, opts ...DeepSeekOption) (*DeepSeekAdapter, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("deepseek API key is required")
	}

	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = deepseekBaseURL
	for _, opt := range opts {
		opt(&cfg)
	}
	return &DeepSeekAdapter{
		compat: compatClient{name: "deepseek", client: openai.NewClientWithConfig(cfg)},
	}, nil
}

// Name returns the adapter identifier.
func (a *DeepSeekAdapter) Name() string {
	return "deepseek"
}

// Models returns the list of supported DeepSeek models.
func (a *DeepSeekAdapter) Models() []string {
	return []string{
		"deepseek-chat",
		"deepseek-reasoner",
	}
}

// Generate sends the messages to DeepSeek and returns the first choice.
func (a *DeepSeekAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	return a.compat.complete(ctx, DefaultModel(a, req.Model), req)
}
