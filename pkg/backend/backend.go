// Package backend defines the answer-producing backends the router dispatches
// to and the boundary every backend run passes through.
package backend

import (
	"context"
	"time"
)

// Kind tags a backend and names its execution log stream.
type Kind string

const (
	KindSQL Kind = "sql"
	KindRAG Kind = "rag"
)

// Query is the input to one backend run.
type Query struct {
	Question string
	// IndexPath selects the retrieval index. Empty uses the backend default.
	IndexPath string
	// LogDestination, when set, receives the run's log entry instead of the
	// per-type default file.
	LogDestination string
	QueryID        string
}

// Step is one tool invocation in a structured backend's reasoning trace.
type Step struct {
	Number      int    `json:"step_number"`
	Tool        string `json:"tool"`
	ToolInput   string `json:"tool_input"`
	Observation string `json:"observation"`
}

// SourceDocument is a retrieved fragment that supported an answer.
type SourceDocument struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Output is what a backend produces on success.
type Output struct {
	Answer       string
	Steps        []Step
	Sources      []SourceDocument
	GeneratedSQL string
}

// Backend answers a question. Implementations may return an error or panic;
// Run turns both into an error Result.
type Backend interface {
	Kind() Kind
	Execute(ctx context.Context, q Query) (Output, error)
}

// Result is the uniform outcome of a backend run, success or failure.
type Result struct {
	Backend         Kind             `json:"backend"`
	Answer          string           `json:"answer"`
	Steps           []Step           `json:"steps,omitempty"`
	Sources         []SourceDocument `json:"source_documents,omitempty"`
	GeneratedSQL    string           `json:"generated_sql,omitempty"`
	Duration        time.Duration    `json:"-"`
	DurationSeconds float64          `json:"duration_seconds"`
	Error           string           `json:"error,omitempty"`
}

// Failed reports whether the run ended in an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

type unavailable struct {
	kind Kind
	err  error
}

// Unavailable returns a Backend whose every run fails with err. It stands in
// for a backend that could not be configured so runs are still recorded.
func Unavailable(kind Kind, err error) Backend {
	return unavailable{kind: kind, err: err}
}

func (u unavailable) Kind() Kind { return u.kind }

func (u unavailable) Execute(context.Context, Query) (Output, error) {
	return Output{}, u.err
}
