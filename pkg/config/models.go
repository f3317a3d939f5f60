package config

import (
	"fmt"
	"sort"
)

// ModelAliases maps short names to canonical model names and optionally
// lists the models each provider accepts.
type ModelAliases struct {
	Aliases   map[string]string   `yaml:"aliases,omitempty"`
	Providers map[string][]string `yaml:"providers,omitempty"`
}

// Resolve returns the canonical model name for an alias.
// If the input is not an alias, it returns the input unchanged.
func (a ModelAliases) Resolve(modelOrAlias string) string {
	if canonical, ok := a.Aliases[modelOrAlias]; ok {
		return canonical
	}
	return modelOrAlias
}

// ValidateModel checks model against the provider's list. Providers without a
// list, and empty models, accept anything.
func (a ModelAliases) ValidateModel(provider, model string) error {
	if model == "" {
		return nil
	}
	models, ok := a.Providers[provider]
	if !ok {
		return nil
	}
	for _, m := range models {
		if m == model {
			return nil
		}
	}
	return fmt.Errorf("model %q not in %s provider list", model, provider)
}

// ListAliases returns the alias names in sorted order.
func (a ModelAliases) ListAliases() []string {
	names := make([]string, 0, len(a.Aliases))
	for k := range a.Aliases {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
