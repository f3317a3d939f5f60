package adapter

import "fmt"

// Credentials holds the keys for every supported provider.
type Credentials struct {
	OpenAIAPIKey    string
	AnthropicAPIKey string
	GoogleAPIKey    string
	DeepSeekAPIKey  string
	Azure           AzureConfig
}

// Names lists the provider identifiers New accepts.
func Names() []string {
	return []string{"anthropic", "azure", "deepseek", "google", "mock", "openai"}
}

// New constructs the adapter for the named provider.
func New(name string, creds Credentials) (Adapter, error) {
	switch name {
	case "openai":
		return NewOpenAIAdapter(creds.OpenAIAPIKey)
	case "anthropic":
		return NewAnthropicAdapter(creds.AnthropicAPIKey)
	case "google":
		return NewGoogleAdapter(creds.GoogleAPIKey)
	case "deepseek":
		return NewDeepSeekAdapter(creds.DeepSeekAPIKey)
	case "azure":
		return NewAzureAdapter(creds.Azure)
	case "mock":
		return NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown adapter %q", name)
	}
}
