// Package prompt resolves named system prompts. Built-in prompts ship with the
// binary; a prompt directory may override any of them with <name>.txt files.
package prompt

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Names of the prompts the service uses.
const (
	ClassifyQuery       = "classify_query"
	HybridSummarization = "hybrid_summarization_prompt"
	SQLAgent            = "sql_agent_prompt"
	SQLAnswer           = "sql_answer_prompt"
	RAGAnswer           = "rag_answer_prompt"
)

//go:embed prompts.yaml
var builtinData []byte

var (
	builtinOnce sync.Once
	builtin     map[string]string
	builtinErr  error
)

func loadBuiltin() (map[string]string, error) {
	builtinOnce.Do(func() {
		builtin = make(map[string]string)
		builtinErr = yaml.Unmarshal(builtinData, &builtin)
	})
	return builtin, builtinErr
}

// Store resolves prompts by name. It is safe for concurrent use.
type Store struct {
	dir       string
	mu        sync.RWMutex
	overrides map[string]string
}

// NewStore creates a store. An empty dir uses only the built-in prompts.
func NewStore(dir string) *Store {
	return &Store{dir: dir, overrides: make(map[string]string)}
}

// Set overrides a prompt in memory.
func (s *Store) Set(name, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[name] = text
}

// Load returns the prompt text for name. Lookup order: in-memory override,
// <dir>/<name>.txt, built-in.
func (s *Store) Load(name string) (string, error) {
	if s != nil {
		s.mu.RLock()
		text, ok := s.overrides[name]
		s.mu.RUnlock()
		if ok {
			return text, nil
		}
		if s.dir != "" {
			data, err := os.ReadFile(filepath.Join(s.dir, name+".txt"))
			if err == nil {
				return strings.TrimSpace(string(data)), nil
			}
			if !errors.Is(err, os.ErrNotExist) {
				return "", fmt.Errorf("read prompt %s: %w", name, err)
			}
		}
	}

	prompts, err := loadBuiltin()
	if err != nil {
		return "", fmt.Errorf("parse built-in prompts: %w", err)
	}
	text, ok := prompts[name]
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}
	return strings.TrimSpace(text), nil
}

// Render loads name and substitutes {{key}} placeholders.
func (s *Store) Render(name string, vars map[string]string) (string, error) {
	text, err := s.Load(name)
	if err != nil {
		return "", err
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text = strings.ReplaceAll(text, "{{"+k+"}}", vars[k])
	}
	return text, nil
}

// Builtin lists the names of the built-in prompts.
func Builtin() []string {
	prompts, err := loadBuiltin()
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(prompts))
	for name := range prompts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
