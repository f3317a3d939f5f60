package router

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/hybridqa/pkg/backend"
	"github.com/zen-systems/hybridqa/pkg/execlog"
	"github.com/zen-systems/hybridqa/pkg/metrics"
)

type fakeClassifier struct {
	route Route
	err   error
	calls atomic.Int32
}

func (f *fakeClassifier) Classify(context.Context, string) (Decision, error) {
	f.calls.Add(1)
	if f.err != nil {
		return Decision{}, f.err
	}
	return Decision{Route: f.route, RawLabel: string(f.route)}, nil
}

type countingBackend struct {
	kind   backend.Kind
	answer string
	err    error
	panic  any
	delay  time.Duration
	// started, when set, is signalled on entry and the run waits for release.
	started chan<- struct{}
	release <-chan struct{}
	calls   atomic.Int32
}

func (b *countingBackend) Kind() backend.Kind { return b.kind }

func (b *countingBackend) Execute(ctx context.Context, q backend.Query) (backend.Output, error) {
	b.calls.Add(1)
	if b.started != nil {
		b.started <- struct{}{}
		select {
		case <-b.release:
		case <-time.After(2 * time.Second):
			return backend.Output{}, errors.New("never released")
		}
	}
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.panic != nil {
		panic(b.panic)
	}
	if b.err != nil {
		return backend.Output{}, b.err
	}
	return backend.Output{Answer: b.answer}, nil
}

type recordingSynthesizer struct {
	mu    sync.Mutex
	calls [][2]string
	out   string
	err   error
}

func (s *recordingSynthesizer) Synthesize(_ context.Context, a, b string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, [2]string{a, b})
	if s.err != nil {
		return "", s.err
	}
	return s.out, nil
}

type fixture struct {
	classifier *fakeClassifier
	structured *countingBackend
	retrieval  *countingBackend
	synth      *recordingSynthesizer
	logDir     string
	router     *Router
}

func newFixture(t *testing.T, route Route, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		classifier: &fakeClassifier{route: route},
		structured: &countingBackend{kind: backend.KindSQL, answer: "1,204 customers signed up last month."},
		retrieval:  &countingBackend{kind: backend.KindRAG, answer: "Refunds are accepted within 30 days."},
		synth:      &recordingSynthesizer{out: "We issued 37 refunds; the policy allows refunds within 30 days."},
		logDir:     t.TempDir(),
	}
	opts = append([]Option{
		WithExecLog(execlog.New(f.logDir)),
		WithIDGenerator(func() string { return "query-1" }),
	}, opts...)
	f.router = New(f.classifier, f.synth, f.structured, f.retrieval, opts...)
	return f
}

func (f *fixture) entries(t *testing.T, typ execlog.Type) []execlog.Entry {
	t.Helper()
	entries, err := execlog.Read(filepath.Join(f.logDir, string(typ), execlog.DefaultFileName))
	require.NoError(t, err)
	return entries
}

func TestAskStructuredRoute(t *testing.T) {
	f := newFixture(t, RouteStructured)

	resp, err := f.router.Ask(context.Background(), Request{Question: "How many customers signed up last month?"})
	require.NoError(t, err)

	assert.Equal(t, "query-1", resp.QueryID)
	assert.Equal(t, RouteStructured, resp.Route)
	assert.Equal(t, "1,204 customers signed up last month.", resp.Answer)
	require.NotNil(t, resp.Structured)
	assert.Nil(t, resp.Retrieval)
	assert.Len(t, resp.Results(), 1)

	assert.Equal(t, int32(1), f.structured.calls.Load())
	assert.Equal(t, int32(0), f.retrieval.calls.Load())
	assert.Empty(t, f.synth.calls)

	assert.Len(t, f.entries(t, execlog.TypeClassification), 1)
	assert.Len(t, f.entries(t, execlog.TypeSQL), 1)
	assert.Empty(t, f.entries(t, execlog.TypeRAG))
}

func TestAskRetrievalRoute(t *testing.T) {
	f := newFixture(t, RouteRetrieval)

	resp, err := f.router.Ask(context.Background(), Request{Question: "What is the refund policy?"})
	require.NoError(t, err)

	assert.Equal(t, RouteRetrieval, resp.Route)
	assert.Equal(t, "Refunds are accepted within 30 days.", resp.Answer)
	assert.Nil(t, resp.Structured)
	require.NotNil(t, resp.Retrieval)
	assert.Equal(t, int32(0), f.structured.calls.Load())
	assert.Equal(t, int32(1), f.retrieval.calls.Load())
	assert.Empty(t, f.synth.calls)

	rag := f.entries(t, execlog.TypeRAG)
	require.Len(t, rag, 1)
	assert.Equal(t, "rag", rag[0].AgentType)
	assert.Equal(t, "query-1", rag[0].QueryID)
}

func TestAskHybridRoute(t *testing.T) {
	f := newFixture(t, RouteHybrid)
	f.structured.answer = "We issued 37 refunds."

	resp, err := f.router.Ask(context.Background(), Request{
		Question: "What does our product documentation say about refunds, and how many refunds did we issue?",
	})
	require.NoError(t, err)

	assert.Equal(t, RouteHybrid, resp.Route)
	assert.Equal(t, f.synth.out, resp.Answer)
	assert.NotEqual(t, resp.Structured.Answer, resp.Answer)
	assert.NotEqual(t, resp.Retrieval.Answer, resp.Answer)

	assert.Equal(t, int32(1), f.structured.calls.Load())
	assert.Equal(t, int32(1), f.retrieval.calls.Load())
	require.Len(t, f.synth.calls, 1)
	assert.Equal(t, [2]string{"We issued 37 refunds.", "Refunds are accepted within 30 days."}, f.synth.calls[0])

	assert.Len(t, f.entries(t, execlog.TypeSQL), 1)
	assert.Len(t, f.entries(t, execlog.TypeRAG), 1)
}

func TestAskHybridRunsBackendsConcurrently(t *testing.T) {
	f := newFixture(t, RouteHybrid)
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	f.structured.started, f.structured.release = started, release
	f.retrieval.started, f.retrieval.release = started, release

	done := make(chan error, 1)
	go func() {
		_, err := f.router.Ask(context.Background(), Request{Question: "q"})
		done <- err
	}()

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("backends did not run concurrently")
		}
	}
	close(release)
	require.NoError(t, <-done)
	assert.Len(t, f.synth.calls, 1)
}

func TestAskHybridWaitsForSlowBackend(t *testing.T) {
	f := newFixture(t, RouteHybrid)
	f.retrieval.delay = 50 * time.Millisecond

	resp, err := f.router.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Refunds are accepted within 30 days.", resp.Retrieval.Answer)
	assert.Equal(t, "Refunds are accepted within 30 days.", f.synth.calls[0][1])
}

func TestAskHybridSynthesizesBackendErrors(t *testing.T) {
	f := newFixture(t, RouteHybrid)
	f.structured.err = errors.New("connection refused")

	resp, err := f.router.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)

	assert.True(t, resp.Structured.Failed())
	assert.Equal(t, "connection refused", resp.Structured.Error)
	require.Len(t, f.synth.calls, 1)
	assert.Equal(t, "Error: connection refused", f.synth.calls[0][0])
	assert.Equal(t, f.synth.out, resp.Answer)

	sql := f.entries(t, execlog.TypeSQL)
	require.Len(t, sql, 1)
	assert.Equal(t, "connection refused", sql[0].Error)
}

func TestAskStructuredBackendPanics(t *testing.T) {
	f := newFixture(t, RouteStructured)
	f.structured.panic = "nil map write"

	var resp Response
	var err error
	require.NotPanics(t, func() {
		resp, err = f.router.Ask(context.Background(), Request{Question: "q"})
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(resp.Answer, "Error"))
	assert.True(t, resp.Structured.Failed())
	assert.Len(t, f.entries(t, execlog.TypeSQL), 1)
}

func TestAskClassificationFailure(t *testing.T) {
	f := newFixture(t, "")
	f.classifier.err = errors.New("inference unreachable")

	resp, err := f.router.Ask(context.Background(), Request{Question: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClassification)
	assert.Empty(t, resp.Answer)
	assert.Equal(t, int32(0), f.structured.calls.Load())
	assert.Equal(t, int32(0), f.retrieval.calls.Load())

	class := f.entries(t, execlog.TypeClassification)
	require.Len(t, class, 1)
	assert.Equal(t, "classifier", class[0].AgentType)
	assert.Contains(t, class[0].Error, "inference unreachable")
	assert.Empty(t, class[0].Classification)
}

func TestAskSynthesisFailure(t *testing.T) {
	f := newFixture(t, RouteHybrid)
	f.synth.err = errors.New("rate limited")

	_, err := f.router.Ask(context.Background(), Request{Question: "q"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSynthesis)
	assert.Len(t, f.entries(t, execlog.TypeSQL), 1)
	assert.Len(t, f.entries(t, execlog.TypeRAG), 1)
}

func TestAskLogsClassification(t *testing.T) {
	f := newFixture(t, RouteRetrieval)
	_, err := f.router.Ask(context.Background(), Request{Question: "What is the refund policy?"})
	require.NoError(t, err)

	class := f.entries(t, execlog.TypeClassification)
	require.Len(t, class, 1)
	assert.Equal(t, "classifier", class[0].AgentType)
	assert.Equal(t, "What is the refund policy?", class[0].Question)
	assert.Equal(t, "retrieval", class[0].Classification)
	assert.Equal(t, "query-1", class[0].QueryID)
}

func TestAskLogDestinationOrdersEntries(t *testing.T) {
	f := newFixture(t, RouteHybrid)
	f.retrieval.delay = 0
	f.structured.delay = 30 * time.Millisecond
	dest := filepath.Join(t.TempDir(), "query.jsonl")

	_, err := f.router.Ask(context.Background(), Request{Question: "q", LogDestination: dest})
	require.NoError(t, err)

	entries, err := execlog.Read(dest)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "classifier", entries[0].AgentType)
	assert.Equal(t, "sql", entries[1].AgentType)
	assert.Equal(t, "rag", entries[2].AgentType)

	assert.Empty(t, f.entries(t, execlog.TypeClassification))
}

func TestAskUnwritableLogDestination(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0644))

	var diag bytes.Buffer
	f := newFixture(t, RouteHybrid, WithExecLog(execlog.New(dir, execlog.WithDiagnostics(zerolog.New(&diag)))))

	resp, err := f.router.Ask(context.Background(), Request{
		Question:       "q",
		LogDestination: filepath.Join(blocker, "log.jsonl"),
	})
	require.NoError(t, err)
	assert.Equal(t, f.synth.out, resp.Answer)
	assert.NotNil(t, resp.Structured)
	assert.NotNil(t, resp.Retrieval)
	assert.Equal(t, 3, strings.Count(diag.String(), "failed to write execution log"))
}

func TestAskNilBackendStillAnswers(t *testing.T) {
	classifier := &fakeClassifier{route: RouteRetrieval}
	dir := t.TempDir()
	r := New(classifier, &recordingSynthesizer{}, nil, nil, WithExecLog(execlog.New(dir)))

	resp, err := r.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "Error: retrieval backend not configured", resp.Answer)

	entries, err := execlog.Read(filepath.Join(dir, "rag", execlog.DefaultFileName))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAskNormalizesInvalidClassifierRoute(t *testing.T) {
	f := newFixture(t, Route("SQL please"))
	resp, err := f.router.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, RouteStructured, resp.Route)
}

func TestAskGeneratesQueryIDs(t *testing.T) {
	classifier := &fakeClassifier{route: RouteStructured}
	sb := &countingBackend{kind: backend.KindSQL, answer: "ok"}
	r := New(classifier, nil, sb, nil)

	a, err := r.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	b, err := r.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)
	assert.NotEmpty(t, a.QueryID)
	assert.NotEqual(t, a.QueryID, b.QueryID)
}

func TestAskRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, RouteHybrid, WithMetrics(metrics.New(reg)))

	_, err := f.router.Ask(context.Background(), Request{Question: "q"})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "hybridqa_backend_runs_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(reg, "hybridqa_queries_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAskConcurrentQueries(t *testing.T) {
	f := newFixture(t, RouteHybrid)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := f.router.Ask(context.Background(), Request{Question: "q"})
			assert.NoError(t, err)
			assert.NotEmpty(t, resp.Answer)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(20), f.structured.calls.Load())
	assert.Len(t, f.entries(t, execlog.TypeSQL), 20)
	assert.Len(t, f.entries(t, execlog.TypeRAG), 20)
	assert.Len(t, f.entries(t, execlog.TypeClassification), 20)
}
