package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/hybridqa/pkg/adapter"
	"github.com/zen-systems/hybridqa/pkg/prompt"
)

// ErrClassification marks a question whose route could not be determined.
var ErrClassification = errors.New("classification failed")

// Classifier picks a route by asking the model for a label.
type Classifier struct {
	llm     adapter.Adapter
	prompts *prompt.Store
	model   string
}

// NewClassifier creates a classifier backed by llm.
func NewClassifier(llm adapter.Adapter, prompts *prompt.Store, model string) *Classifier {
	return &Classifier{llm: llm, prompts: prompts, model: model}
}

// Classify makes one inference call at temperature 0 and normalizes the reply.
// An inference failure is returned wrapped in ErrClassification; no route is
// guessed.
func (c *Classifier) Classify(ctx context.Context, question string) (Decision, error) {
	if c.llm == nil {
		return Decision{}, fmt.Errorf("%w: no inference adapter configured", ErrClassification)
	}
	system, err := c.prompts.Load(prompt.ClassifyQuery)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrClassification, err)
	}

	resp, err := c.llm.Generate(ctx, adapter.Request{
		Model:       c.model,
		Messages:    []adapter.Message{adapter.System(system), adapter.User(question)},
		Temperature: 0,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	if resp == nil {
		return Decision{}, fmt.Errorf("%w: empty response", ErrClassification)
	}

	return Decision{
		Route:    NormalizeLabel(resp.Content),
		RawLabel: resp.Content,
		Adapter:  c.llm.Name(),
		Model:    resp.Model,
	}, nil
}

// NormalizeLabel maps free-text model output to a route. Exact labels win,
// then "sql" anywhere means structured, then "rag" anywhere means retrieval.
// Anything else is hybrid so both backends are consulted.
func NormalizeLabel(raw string) Route {
	label := strings.ToLower(strings.TrimSpace(raw))
	switch label {
	case "sql", string(RouteStructured):
		return RouteStructured
	case "rag", string(RouteRetrieval):
		return RouteRetrieval
	case string(RouteHybrid):
		return RouteHybrid
	}
	if strings.Contains(label, "sql") {
		return RouteStructured
	}
	if strings.Contains(label, "rag") {
		return RouteRetrieval
	}
	return RouteHybrid
}
