package adapter

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

// AzureConfig identifies an Azure OpenAI chat deployment.
type AzureConfig struct {
	APIKey     string
	Endpoint   string
	Deployment string
	APIVersion string
}

// AzureAdapter implements the Adapter interface for Azure OpenAI deployments.
// The request model is ignored; every call goes to the configured deployment.
type AzureAdapter struct {
	compat     compatClient
	deployment string
}

// NewAzureAdapter creates a new Azure OpenAI adapter.
func NewAzureAdapter(cfg AzureConfig) (*AzureAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("azure API key is required")
	}
	if cfg.Endpoint == "" || cfg.Deployment == "" {
		return nil, fmt.Errorf("azure endpoint and deployment are required")
	}

	clientCfg := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	if cfg.APIVersion != "" {
		clientCfg.APIVersion = cfg.APIVersion
	}
	deployment := cfg.Deployment
	clientCfg.AzureModelMapperFunc = func(string) string {
		return deployment
	}

	return &AzureAdapter{
		compat:     compatClient{name: "azure", client: openai.NewClientWithConfig(clientCfg)},
		deployment: deployment,
	}, nil
}

// Name returns the adapter identifier.
func (a *AzureAdapter) Name() string {
	return "azure"
}

// Models returns the configured deployment.
func (a *AzureAdapter) Models() []string {
	return []string{a.deployment}
}

// Generate sends the messages to the Azure deployment.
func (a *AzureAdapter) Generate(ctx context.Context, req Request) (*Response, error) {
	return a.compat.complete(ctx, a.deployment, req)
}
