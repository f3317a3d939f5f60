// Package router answers questions by classifying them, dispatching to the
// structured backend, the retrieval backend or both, and merging hybrid
// answers.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/hybridqa/pkg/backend"
	"github.com/zen-systems/hybridqa/pkg/execlog"
	"github.com/zen-systems/hybridqa/pkg/metrics"
)

// RouteClassifier decides the route for a question.
type RouteClassifier interface {
	Classify(ctx context.Context, question string) (Decision, error)
}

// AnswerSynthesizer merges a structured and a retrieval answer, in that order.
type AnswerSynthesizer interface {
	Synthesize(ctx context.Context, structuredAnswer, retrievalAnswer string) (string, error)
}

// Request is one question.
type Request struct {
	Question string
	// LogDestination, when set, receives every log entry for this question.
	LogDestination string
	// IndexPath overrides the retrieval backend's default index.
	IndexPath string
}

// Response is the final answer for one question.
type Response struct {
	QueryID    string          `json:"query_id"`
	Route      Route           `json:"route"`
	Answer     string          `json:"answer"`
	Structured *backend.Result `json:"sql_result,omitempty"`
	Retrieval  *backend.Result `json:"rag_result,omitempty"`
}

// Results returns the contributing backend results, structured first.
func (r Response) Results() []backend.Result {
	var out []backend.Result
	if r.Structured != nil {
		out = append(out, *r.Structured)
	}
	if r.Retrieval != nil {
		out = append(out, *r.Retrieval)
	}
	return out
}

// Router drives classification, dispatch and synthesis for each question. It
// keeps no per-question state and is safe for concurrent use.
type Router struct {
	classifier  RouteClassifier
	synthesizer AnswerSynthesizer
	structured  backend.Backend
	retrieval   backend.Backend
	execLog     *execlog.Logger
	metrics     *metrics.Metrics
	log         zerolog.Logger
	tracer      trace.Tracer
	newID       func() string
}

// Option configures a Router.
type Option func(*Router)

// WithExecLog sets the execution logger. Without one nothing is recorded.
func WithExecLog(l *execlog.Logger) Option {
	return func(r *Router) {
		r.execLog = l
	}
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) {
		r.log = l
	}
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithIDGenerator sets the query ID source.
func WithIDGenerator(fn func() string) Option {
	return func(r *Router) {
		r.newID = fn
	}
}

// New creates a router. A nil backend is replaced by one that always fails,
// so its runs still produce an error result and a log entry.
func New(classifier RouteClassifier, synthesizer AnswerSynthesizer, structured, retrieval backend.Backend, opts ...Option) *Router {
	if structured == nil {
		structured = backend.Unavailable(backend.KindSQL, errors.New("structured backend not configured"))
	}
	if retrieval == nil {
		retrieval = backend.Unavailable(backend.KindRAG, errors.New("retrieval backend not configured"))
	}
	r := &Router{
		classifier:  classifier,
		synthesizer: synthesizer,
		structured:  structured,
		retrieval:   retrieval,
		log:         zerolog.Nop(),
		tracer:      otel.Tracer("hybridqa/router"),
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ask answers one question. Only classification and synthesis failures are
// returned as errors; backend failures come back as error results inside the
// Response.
func (r *Router) Ask(ctx context.Context, req Request) (Response, error) {
	start := time.Now()
	queryID := r.newID()

	ctx, span := r.tracer.Start(ctx, "router.Ask", trace.WithAttributes(
		attribute.String("query_id", queryID),
	))
	defer span.End()

	decision, err := r.classify(ctx, queryID, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "classification failed")
		r.metrics.ObserveQuery("", true, time.Since(start))
		return Response{}, err
	}
	span.SetAttributes(attribute.String("route", string(decision.Route)))

	q := backend.Query{
		Question:       req.Question,
		IndexPath:      req.IndexPath,
		LogDestination: req.LogDestination,
		QueryID:        queryID,
	}
	resp := Response{QueryID: queryID, Route: decision.Route}

	switch decision.Route {
	case RouteStructured:
		res := r.run(ctx, r.structured, q)
		r.record(q, res)
		resp.Structured = &res
		resp.Answer = res.Answer

	case RouteRetrieval:
		res := r.run(ctx, r.retrieval, q)
		r.record(q, res)
		resp.Retrieval = &res
		resp.Answer = res.Answer

	default:
		structuredRes, retrievalRes := r.fanOut(ctx, q)
		r.record(q, structuredRes)
		r.record(q, retrievalRes)
		resp.Structured = &structuredRes
		resp.Retrieval = &retrievalRes

		answer, err := r.synthesize(ctx, structuredRes.Answer, retrievalRes.Answer)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "synthesis failed")
			r.metrics.ObserveQuery(string(decision.Route), true, time.Since(start))
			return Response{}, err
		}
		resp.Answer = answer
	}

	r.metrics.ObserveQuery(string(resp.Route), false, time.Since(start))
	r.log.Debug().
		Str("query_id", queryID).
		Str("route", string(resp.Route)).
		Dur("elapsed", time.Since(start)).
		Msg("question answered")
	return resp, nil
}

func (r *Router) classify(ctx context.Context, queryID string, req Request) (Decision, error) {
	ctx, span := r.tracer.Start(ctx, "router.classify")
	defer span.End()

	start := time.Now()
	var decision Decision
	var err error
	if r.classifier == nil {
		err = fmt.Errorf("%w: no classifier configured", ErrClassification)
	} else {
		decision, err = r.classifier.Classify(ctx, req.Question)
	}
	elapsed := time.Since(start)

	if err != nil && !errors.Is(err, ErrClassification) {
		err = fmt.Errorf("%w: %w", ErrClassification, err)
	}

	if err == nil && !decision.Route.Valid() {
		decision.Route = NormalizeLabel(string(decision.Route))
	}

	entry := execlog.Entry{
		QueryID:         queryID,
		AgentType:       "classifier",
		Question:        req.Question,
		DurationSeconds: elapsed.Seconds(),
	}
	if err != nil {
		entry.Error = err.Error()
		r.metrics.ObserveClassification("error")
		span.RecordError(err)
		span.SetStatus(codes.Error, "classifier call failed")
		r.log.Warn().Err(err).Str("query_id", queryID).Msg("classification failed")
	} else {
		entry.Classification = string(decision.Route)
		entry.RawLabel = decision.RawLabel
		r.metrics.ObserveClassification(string(decision.Route))
		span.SetAttributes(attribute.String("route", string(decision.Route)))
	}
	r.execLog.Append(execlog.TypeClassification, req.LogDestination, entry)

	return decision, err
}

// fanOut runs both backends concurrently and waits for both.
func (r *Router) fanOut(ctx context.Context, q backend.Query) (backend.Result, backend.Result) {
	var structuredRes, retrievalRes backend.Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		structuredRes = r.run(ctx, r.structured, q)
	}()
	go func() {
		defer wg.Done()
		retrievalRes = r.run(ctx, r.retrieval, q)
	}()
	wg.Wait()
	return structuredRes, retrievalRes
}

func (r *Router) run(ctx context.Context, b backend.Backend, q backend.Query) backend.Result {
	ctx, span := r.tracer.Start(ctx, "backend."+string(b.Kind()))
	defer span.End()

	res := backend.Execute(ctx, b, q)

	span.SetAttributes(attribute.Float64("duration_seconds", res.DurationSeconds))
	if res.Failed() {
		span.SetStatus(codes.Error, res.Error)
		r.log.Warn().Str("query_id", q.QueryID).Str("backend", string(res.Backend)).Str("error", res.Error).Msg("backend run failed")
	}
	r.metrics.ObserveBackend(string(res.Backend), res.Failed(), res.Duration)
	return res
}

func (r *Router) record(q backend.Query, res backend.Result) {
	backend.Record(r.execLog, q, res)
}

func (r *Router) synthesize(ctx context.Context, structuredAnswer, retrievalAnswer string) (string, error) {
	ctx, span := r.tracer.Start(ctx, "router.synthesize")
	defer span.End()

	if r.synthesizer == nil {
		r.metrics.ObserveSynthesis(true)
		return "", fmt.Errorf("%w: no synthesizer configured", ErrSynthesis)
	}
	answer, err := r.synthesizer.Synthesize(ctx, structuredAnswer, retrievalAnswer)
	r.metrics.ObserveSynthesis(err != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		if !errors.Is(err, ErrSynthesis) {
			err = fmt.Errorf("%w: %w", ErrSynthesis, err)
		}
		return "", err
	}
	return answer, nil
}
