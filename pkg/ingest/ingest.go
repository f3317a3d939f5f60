// Package ingest builds a retrieval index from a folder of documents: load,
// split into overlapping chunks, embed, store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/textsplitter"

	"github.com/zen-systems/hybridqa/pkg/backend/retrieval"
)

const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	defaultBatchSize    = 64
)

var (
	defaultSeparators  = []string{"\n\n", "\n", " ", ""}
	markdownSeparators = []string{
		"\n# ", "\n## ", "\n### ", "\n#### ", "\n##### ", "\n###### ",
		"\n\n", "\n", " ", "",
	}
)

// Document is one loaded source file.
type Document struct {
	Source  string
	Content string
}

// Stats summarizes an ingestion run.
type Stats struct {
	Files   int      `json:"files"`
	Chunks  int      `json:"chunks"`
	Skipped []string `json:"skipped,omitempty"`
}

// Ingester writes embedded chunks into an index.
type Ingester struct {
	embedder     retrieval.Embedder
	chunkSize    int
	chunkOverlap int
	batchSize    int
	log          zerolog.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithChunking sets chunk size and overlap in characters.
func WithChunking(size, overlap int) Option {
	return func(in *Ingester) {
		if size > 0 {
			in.chunkSize = size
		}
		if overlap >= 0 && overlap < in.chunkSize {
			in.chunkOverlap = overlap
		}
	}
}

// WithBatchSize sets how many chunks are embedded and stored per round trip.
func WithBatchSize(n int) Option {
	return func(in *Ingester) {
		if n > 0 {
			in.batchSize = n
		}
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(in *Ingester) {
		in.log = l
	}
}

// New creates an ingester.
func New(embedder retrieval.Embedder, opts ...Option) *Ingester {
	in := &Ingester{
		embedder:     embedder,
		chunkSize:    DefaultChunkSize,
		chunkOverlap: DefaultChunkOverlap,
		batchSize:    defaultBatchSize,
		log:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// IndexDir loads every supported file under dir and stores its chunks in the
// index at indexPath. Re-indexing a file overwrites its chunks.
func (in *Ingester) IndexDir(ctx context.Context, dir, indexPath string) (Stats, error) {
	var stats Stats
	if in.embedder == nil {
		return stats, errors.New("no embedder configured")
	}

	docs, skipped, err := LoadDir(dir)
	if err != nil {
		return stats, err
	}
	stats.Skipped = skipped
	for _, s := range skipped {
		in.log.Warn().Str("file", s).Msg("skipping unsupported file")
	}
	if len(docs) == 0 {
		return stats, fmt.Errorf("no .txt or .md documents found in %s", dir)
	}

	ix, err := retrieval.Open(indexPath)
	if err != nil {
		return stats, err
	}

	var pending []retrieval.Chunk
	for _, doc := range docs {
		chunks, err := in.split(doc)
		if err != nil {
			return stats, fmt.Errorf("split %s: %w", doc.Source, err)
		}
		pending = append(pending, chunks...)
		stats.Files++
	}

	for start := 0; start < len(pending); start += in.batchSize {
		end := min(start+in.batchSize, len(pending))
		batch := pending[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vectors, err := in.embedder.Embed(ctx, texts)
		if err != nil {
			return stats, fmt.Errorf("embed chunks: %w", err)
		}
		if len(vectors) != len(batch) {
			return stats, fmt.Errorf("embed chunks: got %d vectors for %d chunks", len(vectors), len(batch))
		}
		for i := range batch {
			batch[i].Embedding = vectors[i]
		}
		if err := ix.Put(ctx, batch); err != nil {
			return stats, err
		}
		stats.Chunks += len(batch)
		in.log.Debug().Int("stored", stats.Chunks).Int("total", len(pending)).Msg("indexed batch")
	}
	return stats, nil
}

func (in *Ingester) split(doc Document) ([]retrieval.Chunk, error) {
	separators := defaultSeparators
	if strings.EqualFold(filepath.Ext(doc.Source), ".md") {
		separators = markdownSeparators
	}
	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(in.chunkSize),
		textsplitter.WithChunkOverlap(in.chunkOverlap),
		textsplitter.WithSeparators(separators),
	)
	texts, err := splitter.SplitText(doc.Content)
	if err != nil {
		return nil, err
	}

	chunks := make([]retrieval.Chunk, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, retrieval.Chunk{
			ID:      ChunkID(doc.Source, i),
			Content: text,
			Metadata: map[string]string{
				"source": doc.Source,
				"chunk":  strconv.Itoa(i),
			},
		})
	}
	return chunks, nil
}

// ChunkID is stable for a (source, position) pair.
func ChunkID(source string, n int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"#"+strconv.Itoa(n))).String()
}

// LoadDir reads every .txt and .md file under dir. Other regular files are
// returned as skipped.
func LoadDir(dir string) ([]Document, []string, error) {
	var docs []Document
	var skipped []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".txt", ".md":
		default:
			skipped = append(skipped, path)
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		docs = append(docs, Document{Source: path, Content: string(data)})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("load documents from %s: %w", dir, err)
	}
	return docs, skipped, nil
}
