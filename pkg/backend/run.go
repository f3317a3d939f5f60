package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zen-systems/hybridqa/pkg/execlog"
)

const (
	maxObservationLen = 500
	maxSourceLen      = 200
)

var errEmptyAnswer = errors.New("backend returned an empty answer")

// Run executes b once, appends exactly one execution log entry and returns
// the Result.
func Run(ctx context.Context, b Backend, q Query, logger *execlog.Logger) Result {
	res := Execute(ctx, b, q)
	Record(logger, q, res)
	return res
}

// Execute runs b once and always returns a Result. Errors and panics become
// an error Result whose answer starts with "Error: ". Nothing is logged;
// callers pair every Execute with one Record.
func Execute(ctx context.Context, b Backend, q Query) Result {
	start := time.Now()
	out, err := execute(ctx, b, q)
	elapsed := time.Since(start)

	if err == nil && strings.TrimSpace(out.Answer) == "" {
		err = errEmptyAnswer
	}

	res := Result{
		Backend:         b.Kind(),
		Answer:          out.Answer,
		Steps:           out.Steps,
		Sources:         out.Sources,
		GeneratedSQL:    out.GeneratedSQL,
		Duration:        elapsed,
		DurationSeconds: elapsed.Seconds(),
	}
	if err != nil {
		res.Error = err.Error()
		res.Answer = "Error: " + res.Error
	}
	return res
}

// Record appends the execution log entry for res.
func Record(logger *execlog.Logger, q Query, res Result) {
	logger.Append(execlog.Type(res.Backend), q.LogDestination, logEntry(q, res))
}

func execute(ctx context.Context, b Backend, q Query) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = Output{}
			err = fmt.Errorf("%s backend panicked: %v", b.Kind(), r)
		}
	}()
	return b.Execute(ctx, q)
}

func logEntry(q Query, res Result) execlog.Entry {
	entry := execlog.Entry{
		QueryID:         q.QueryID,
		AgentType:       string(res.Backend),
		Question:        q.Question,
		Answer:          res.Answer,
		GeneratedSQL:    res.GeneratedSQL,
		DurationSeconds: res.DurationSeconds,
		Error:           res.Error,
	}

	for _, s := range res.Steps {
		entry.Steps = append(entry.Steps, execlog.StepRecord{
			StepNumber:  s.Number,
			Tool:        s.Tool,
			ToolInput:   s.ToolInput,
			Observation: Truncate(s.Observation, maxObservationLen),
		})
	}
	if res.Backend == KindRAG {
		entry.NumSources = len(res.Sources)
		for _, d := range res.Sources {
			entry.SourceDocuments = append(entry.SourceDocuments, execlog.SourceRecord{
				Content:  Truncate(d.Content, maxSourceLen),
				Metadata: d.Metadata,
			})
		}
	}
	return entry
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
