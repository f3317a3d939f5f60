package adapter

import (
	"context"
	"strings"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// Message is one role-tagged prompt segment.
type Message struct {
	Role    Role
	Content string
}

// Request is a single chat completion call.
type Request struct {
	Model    string
	Messages []Message
	// Temperature is always sent explicitly; the zero value asks for
	// deterministic decoding.
	Temperature float64
	MaxTokens   int
}

// Adapter defines the interface for LLM provider adapters.
type Adapter interface {
	// Generate sends the request to the model and returns its text output.
	Generate(ctx context.Context, req Request) (*Response, error)

	// Name returns the adapter's identifier.
	Name() string

	// Models returns the list of supported models.
	Models() []string
}

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// User builds a user message.
func User(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// DefaultModel returns model, or the adapter's first model when model is empty.
func DefaultModel(a Adapter, model string) string {
	if strings.TrimSpace(model) != "" {
		return model
	}
	if models := a.Models(); len(models) > 0 {
		return models[0]
	}
	return ""
}

// splitSystem separates system instructions from the remaining messages for
// providers that take the system prompt out of band.
func splitSystem(messages []Message) (string, []Message) {
	var system []string
	var rest []Message
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

func maxTokens(req Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return 4096
}
