package retrieval

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/hybridqa/pkg/adapter"
	"github.com/zen-systems/hybridqa/pkg/backend"
	"github.com/zen-systems/hybridqa/pkg/prompt"
)

var vocabulary = []string{"refund", "shipping", "warranty", "password"}

// wordEmbedder counts vocabulary words, giving tests predictable similarity.
type wordEmbedder struct {
	calls int
	err   error
}

func (w *wordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	w.calls++
	if w.err != nil {
		return nil, w.err
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		lower := strings.ToLower(text)
		vec := make([]float32, len(vocabulary))
		for j, word := range vocabulary {
			vec[j] = float32(strings.Count(lower, word))
		}
		out[i] = vec
	}
	return out, nil
}

type recordingAdapter struct {
	reply    string
	requests []adapter.Request
}

func (r *recordingAdapter) Name() string     { return "recording" }
func (r *recordingAdapter) Models() []string { return []string{"recording-1"} }

func (r *recordingAdapter) Generate(_ context.Context, req adapter.Request) (*adapter.Response, error) {
	r.requests = append(r.requests, req)
	return &adapter.Response{Content: r.reply}, nil
}

func buildIndex(t *testing.T, docs map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index")
	t.Cleanup(func() { CloseAll() })

	ix, err := Open(path)
	require.NoError(t, err)

	emb := &wordEmbedder{}
	var chunks []Chunk
	for id, content := range docs {
		vecs, err := emb.Embed(context.Background(), []string{content})
		require.NoError(t, err)
		chunks = append(chunks, Chunk{
			ID:        id,
			Content:   content,
			Metadata:  map[string]string{"source": id + ".txt"},
			Embedding: vecs[0],
		})
	}
	require.NoError(t, ix.Put(context.Background(), chunks))
	return path
}

func TestSearchOrdersBySimilarity(t *testing.T) {
	path := buildIndex(t, map[string]string{
		"a": "Refund requests are accepted within 30 days. Refund goes to the original card.",
		"b": "Shipping takes five business days.",
		"c": "A refund is not possible after the warranty expires.",
		"d": "Reset your password from the login page.",
	})
	ix, err := Open(path)
	require.NoError(t, err)

	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	query := []float32{1, 0, 0, 0}
	hits, err := ix.Search(context.Background(), query, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "c", hits[1].ID)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestOpenReturnsSharedHandle(t *testing.T) {
	path := buildIndex(t, map[string]string{"a": "refund"})
	first, err := Open(path)
	require.NoError(t, err)
	second, err := OpenExisting(path)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestOpenExistingOpensReadOnly(t *testing.T) {
	path := buildIndex(t, map[string]string{"a": "refund", "b": "shipping"})
	require.NoError(t, CloseAll())

	ix, err := OpenExisting(path)
	require.NoError(t, err)
	assert.True(t, ix.ReadOnly())

	n, err := ix.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Error(t, ix.Put(context.Background(), []Chunk{{ID: "c", Content: "new"}}))
}

func TestOpenExistingDoesNotCreateStore(t *testing.T) {
	t.Cleanup(func() { CloseAll() })
	dir := t.TempDir()

	_, err := OpenExisting(dir)
	require.Error(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenExistingMissing(t *testing.T) {
	_, err := OpenExisting(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, ErrIndexNotFound)
}

func TestExecuteStuffsTopChunks(t *testing.T) {
	path := buildIndex(t, map[string]string{
		"a": "Refund requests are accepted within 30 days.",
		"b": "Shipping takes five business days.",
		"c": "Refund after warranty is not possible.",
		"d": "Password resets are self-service.",
		"e": "Refund and shipping fees are not refunded.",
	})
	llm := &recordingAdapter{reply: " Refunds are accepted within 30 days. "}
	r := New(llm, &wordEmbedder{}, prompt.NewStore(""), Config{})

	out, err := r.Execute(context.Background(), backend.Query{
		Question:  "What is the refund policy?",
		IndexPath: path,
	})
	require.NoError(t, err)

	assert.Equal(t, "Refunds are accepted within 30 days.", out.Answer)
	require.Len(t, out.Sources, DefaultTopK)
	for _, s := range out.Sources {
		assert.Contains(t, strings.ToLower(s.Content), "refund")
		assert.NotEmpty(t, s.Metadata["source"])
	}

	require.Len(t, llm.requests, 1)
	req := llm.requests[0]
	assert.Equal(t, 0.0, req.Temperature)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, adapter.RoleSystem, req.Messages[0].Role)
	assert.Contains(t, req.Messages[0].Content, "Use the following pieces of context")
	assert.Contains(t, req.Messages[0].Content, "Refund requests are accepted within 30 days.")
	assert.NotContains(t, req.Messages[0].Content, "Password resets")
	assert.Equal(t, "What is the refund policy?", req.Messages[1].Content)
}

func TestExecuteUsesConfiguredIndex(t *testing.T) {
	path := buildIndex(t, map[string]string{"a": "Shipping is free."})
	llm := &recordingAdapter{reply: "Free."}
	r := New(llm, &wordEmbedder{}, prompt.NewStore(""), Config{IndexPath: path, TopK: 1})

	out, err := r.Execute(context.Background(), backend.Query{Question: "shipping cost?"})
	require.NoError(t, err)
	assert.Equal(t, "Free.", out.Answer)
	assert.Len(t, out.Sources, 1)
}

func TestExecuteErrors(t *testing.T) {
	path := buildIndex(t, map[string]string{"a": "refund"})

	_, err := New(&recordingAdapter{}, &wordEmbedder{}, prompt.NewStore(""), Config{}).
		Execute(context.Background(), backend.Query{Question: "q", IndexPath: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, ErrIndexNotFound)

	_, err = New(&recordingAdapter{}, &wordEmbedder{err: errors.New("quota")}, prompt.NewStore(""), Config{}).
		Execute(context.Background(), backend.Query{Question: "q", IndexPath: path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "quota")

	_, err = New(&recordingAdapter{}, nil, prompt.NewStore(""), Config{}).
		Execute(context.Background(), backend.Query{Question: "q", IndexPath: path})
	require.Error(t, err)
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, cosine([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, cosine([]float32{1}, []float32{1, 2}))
	assert.Equal(t, 0.0, cosine([]float32{0, 0}, []float32{1, 1}))
}

func TestNewOpenAIEmbedderValidation(t *testing.T) {
	_, err := NewOpenAIEmbedder(EmbedderConfig{})
	require.Error(t, err)

	_, err = NewOpenAIEmbedder(EmbedderConfig{Provider: "azure", APIKey: "k"})
	require.Error(t, err)

	_, err = NewOpenAIEmbedder(EmbedderConfig{Provider: "bogus", APIKey: "k"})
	require.Error(t, err)

	e, err := NewOpenAIEmbedder(EmbedderConfig{Provider: "azure", APIKey: "k", Endpoint: "https://x.openai.azure.com", Deployment: "emb"})
	require.NoError(t, err)
	assert.Equal(t, "emb", string(e.model))
}
