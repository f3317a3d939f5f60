// Package retrieval implements the document backend: it embeds the question,
// pulls the closest chunks from an on-disk index and answers from them.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/zen-systems/hybridqa/pkg/adapter"
	"github.com/zen-systems/hybridqa/pkg/backend"
	"github.com/zen-systems/hybridqa/pkg/prompt"
)

// DefaultTopK is the number of chunks stuffed into the answer prompt.
const DefaultTopK = 3

// Config controls retrieval and answering.
type Config struct {
	IndexPath string
	TopK      int
	Model     string
}

// Retriever is the retrieval backend.
type Retriever struct {
	llm      adapter.Adapter
	embedder Embedder
	prompts  *prompt.Store
	cfg      Config
	log      zerolog.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Retriever) {
		r.log = l
	}
}

// New creates a retrieval backend.
func New(llm adapter.Adapter, embedder Embedder, prompts *prompt.Store, cfg Config, opts ...Option) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	r := &Retriever{
		llm:      llm,
		embedder: embedder,
		prompts:  prompts,
		cfg:      cfg,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Kind returns backend.KindRAG.
func (r *Retriever) Kind() backend.Kind {
	return backend.KindRAG
}

// Execute answers q from the index at q.IndexPath, or the configured index.
func (r *Retriever) Execute(ctx context.Context, q backend.Query) (backend.Output, error) {
	var out backend.Output
	path := q.IndexPath
	if path == "" {
		path = r.cfg.IndexPath
	}
	if r.embedder == nil {
		return out, errors.New("no embedder configured")
	}

	ix, err := OpenExisting(path)
	if err != nil {
		return out, err
	}

	vectors, err := r.embedder.Embed(ctx, []string{q.Question})
	if err != nil {
		return out, fmt.Errorf("embed question: %w", err)
	}
	if len(vectors) != 1 {
		return out, fmt.Errorf("embed question: got %d vectors", len(vectors))
	}

	hits, err := ix.Search(ctx, vectors[0], r.cfg.TopK)
	if err != nil {
		return out, fmt.Errorf("search index: %w", err)
	}
	r.log.Debug().Str("index", path).Int("hits", len(hits)).Msg("retrieved chunks")

	contents := make([]string, 0, len(hits))
	for _, h := range hits {
		contents = append(contents, h.Content)
		out.Sources = append(out.Sources, backend.SourceDocument{
			Content:  h.Content,
			Metadata: h.Metadata,
		})
	}

	instruction, err := r.prompts.Load(prompt.RAGAnswer)
	if err != nil {
		return out, err
	}
	system := instruction + "\n\n" + strings.Join(contents, "\n\n")

	resp, err := r.llm.Generate(ctx, adapter.Request{
		Model:       r.cfg.Model,
		Messages:    []adapter.Message{adapter.System(system), adapter.User(q.Question)},
		Temperature: 0,
	})
	if err != nil {
		return out, fmt.Errorf("answer: %w", err)
	}
	out.Answer = strings.TrimSpace(resp.Content)
	return out, nil
}
