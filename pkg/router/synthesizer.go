package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/zen-systems/hybridqa/pkg/adapter"
	"github.com/zen-systems/hybridqa/pkg/prompt"
)

// ErrSynthesis marks a hybrid question whose answers could not be merged.
var ErrSynthesis = errors.New("synthesis failed")

// Synthesizer merges the structured and retrieval answers with one model call.
type Synthesizer struct {
	llm     adapter.Adapter
	prompts *prompt.Store
	model   string
}

// NewSynthesizer creates a synthesizer backed by llm.
func NewSynthesizer(llm adapter.Adapter, prompts *prompt.Store, model string) *Synthesizer {
	return &Synthesizer{llm: llm, prompts: prompts, model: model}
}

// Synthesize returns the model's reconciled answer verbatim. The structured
// answer always comes first in the prompt. There is no fallback to either
// input answer.
func (s *Synthesizer) Synthesize(ctx context.Context, structuredAnswer, retrievalAnswer string) (string, error) {
	if s.llm == nil {
		return "", fmt.Errorf("%w: no inference adapter configured", ErrSynthesis)
	}
	system, err := s.prompts.Load(prompt.HybridSummarization)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSynthesis, err)
	}

	resp, err := s.llm.Generate(ctx, adapter.Request{
		Model: s.model,
		Messages: []adapter.Message{
			adapter.System(system),
			adapter.User(structuredAnswer + "\n\n" + retrievalAnswer),
		},
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrSynthesis, err)
	}
	if resp == nil || strings.TrimSpace(resp.Content) == "" {
		return "", fmt.Errorf("%w: empty response", ErrSynthesis)
	}
	return resp.Content, nil
}
