package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/dgraph-io/badger/v4"

	"github.com/zen-systems/hybridqa/pkg/cache"
)

const chunkPrefix = "chunk/"

// ErrIndexNotFound is returned when an index directory does not exist.
var ErrIndexNotFound = errors.New("index not found")

// Chunk is one embedded document fragment.
type Chunk struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"embedding"`
}

// Hit is a chunk with its similarity to the query vector.
type Hit struct {
	Chunk
	Score float64
}

// Index is an on-disk chunk store. It is safe for concurrent use.
type Index struct {
	db       *badger.DB
	path     string
	readOnly bool
}

var (
	sharedIndexes   = cache.NewRegistry[*Index]()
	readOnlyIndexes = cache.NewRegistry[*Index]()
)

// Open returns the process-wide handle for the index at path, creating the
// directory if needed. Badger locks its directory, so every user of an index
// in one process must go through Open.
func Open(path string) (*Index, error) {
	if path == "" {
		return nil, errors.New("index path is required")
	}
	return sharedIndexes.Get(path, func() (*Index, error) {
		return openIndex(path, false)
	})
}

// OpenExisting returns a handle for querying an index that must already
// exist. It reuses a writable handle opened in this process and otherwise
// opens the index read-only, so it never creates or modifies a store.
func OpenExisting(path string) (*Index, error) {
	if path == "" {
		return nil, errors.New("index path is required")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, path)
		}
		return nil, err
	}
	if ix, ok := sharedIndexes.Lookup(path); ok {
		return ix, nil
	}
	return readOnlyIndexes.Get(path, func() (*Index, error) {
		return openIndex(path, true)
	})
}

// CloseAll closes every index opened through Open or OpenExisting.
func CloseAll() error {
	release := func(_ string, ix *Index) error {
		return ix.db.Close()
	}
	err := sharedIndexes.Close(release)
	if roErr := readOnlyIndexes.Close(release); err == nil {
		err = roErr
	}
	return err
}

func openIndex(path string, readOnly bool) (*Index, error) {
	if !readOnly {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create index directory %s: %w", path, err)
		}
	}
	opts := badger.DefaultOptions(path).WithLogger(nil).WithReadOnly(readOnly)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open index %s: %w", path, err)
	}
	return &Index{db: db, path: path, readOnly: readOnly}, nil
}

// ReadOnly reports whether the handle was opened for queries only.
func (ix *Index) ReadOnly() bool {
	return ix.readOnly
}

// Path returns the index directory.
func (ix *Index) Path() string {
	return ix.path
}

// Put stores chunks, replacing any with the same ID.
func (ix *Index) Put(ctx context.Context, chunks []Chunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ix.readOnly {
		return fmt.Errorf("index %s is open read-only", ix.path)
	}
	wb := ix.db.NewWriteBatch()
	defer wb.Cancel()

	for _, c := range chunks {
		if c.ID == "" {
			return errors.New("chunk id is required")
		}
		data, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("encode chunk %s: %w", c.ID, err)
		}
		if err := wb.Set([]byte(chunkPrefix+c.ID), data); err != nil {
			return fmt.Errorf("write chunk %s: %w", c.ID, err)
		}
	}
	return wb.Flush()
}

// Count returns the number of stored chunks.
func (ix *Index) Count(ctx context.Context) (int, error) {
	n := 0
	err := ix.scan(ctx, false, func(*badger.Item) error {
		n++
		return nil
	})
	return n, err
}

// Search returns the k chunks most similar to query by cosine similarity,
// best first. Ties keep ID order.
func (ix *Index) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	var hits []Hit
	err := ix.scan(ctx, true, func(item *badger.Item) error {
		return item.Value(func(val []byte) error {
			var c Chunk
			if err := json.Unmarshal(val, &c); err != nil {
				return fmt.Errorf("decode chunk %s: %w", item.Key(), err)
			}
			hits = append(hits, Hit{Chunk: c, Score: cosine(query, c.Embedding)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (ix *Index) scan(ctx context.Context, values bool, fn func(*badger.Item) error) error {
	return ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = values
		opts.Prefix = []byte(chunkPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(it.Item()); err != nil {
				return err
			}
		}
		return nil
	})
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
