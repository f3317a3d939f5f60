// Package metrics exposes Prometheus instrumentation for queries and backend
// runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	queries         *prometheus.CounterVec
	queryDuration   *prometheus.HistogramVec
	backendRuns     *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	classifications *prometheus.CounterVec
	syntheses       *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridqa_queries_total",
			Help: "Questions answered, by route and outcome",
		}, []string{"route", "outcome"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hybridqa_query_duration_seconds",
			Help:    "End-to-end question latency by route",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		}, []string{"route"}),
		backendRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridqa_backend_runs_total",
			Help: "Backend runs by backend and outcome",
		}, []string{"backend", "outcome"}),
		backendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hybridqa_backend_duration_seconds",
			Help:    "Backend run latency",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40},
		}, []string{"backend"}),
		classifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridqa_classifications_total",
			Help: "Classifier outcomes by route",
		}, []string{"route"}),
		syntheses: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hybridqa_syntheses_total",
			Help: "Hybrid synthesis calls by outcome",
		}, []string{"outcome"}),
	}
}

func outcome(failed bool) string {
	if failed {
		return "error"
	}
	return "ok"
}

// ObserveQuery records one finished question.
func (m *Metrics) ObserveQuery(route string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "none"
	}
	m.queries.WithLabelValues(route, outcome(failed)).Inc()
	m.queryDuration.WithLabelValues(route).Observe(d.Seconds())
}

// ObserveBackend records one backend run.
func (m *Metrics) ObserveBackend(backend string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.backendRuns.WithLabelValues(backend, outcome(failed)).Inc()
	m.backendDuration.WithLabelValues(backend).Observe(d.Seconds())
}

// ObserveClassification records a classifier result. A failed call is
// recorded under route "error".
func (m *Metrics) ObserveClassification(route string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(route).Inc()
}

// ObserveSynthesis records a synthesis call.
func (m *Metrics) ObserveSynthesis(failed bool) {
	if m == nil {
		return
	}
	m.syntheses.WithLabelValues(outcome(failed)).Inc()
}
