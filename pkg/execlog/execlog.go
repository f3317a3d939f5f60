// Package execlog writes the append-only execution log: one JSON record per
// line, one file per log type, for every classification and backend run.
package execlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Type identifies a log stream.
type Type string

const (
	TypeClassification Type = "classification"
	TypeSQL            Type = "sql"
	TypeRAG            Type = "rag"
)

// DefaultDir is used when no log directory is configured.
const DefaultDir = "logs"

// DefaultFileName is the per-type file name under the log directory.
const DefaultFileName = "agent_executions.jsonl"

// Entry is one execution log record.
type Entry struct {
	Timestamp       time.Time      `json:"timestamp"`
	QueryID         string         `json:"query_id,omitempty"`
	AgentType       string         `json:"agent_type"`
	Question        string         `json:"question"`
	Classification  string         `json:"classification,omitempty"`
	RawLabel        string         `json:"raw_label,omitempty"`
	Answer          string         `json:"answer,omitempty"`
	Steps           []StepRecord   `json:"steps,omitempty"`
	GeneratedSQL    string         `json:"generated_sql,omitempty"`
	SourceDocuments []SourceRecord `json:"source_documents,omitempty"`
	NumSources      int            `json:"num_sources,omitempty"`
	DurationSeconds float64        `json:"duration_seconds"`
	Error           string         `json:"error,omitempty"`
}

// StepRecord mirrors a structured backend reasoning step.
type StepRecord struct {
	StepNumber  int    `json:"step_number"`
	Tool        string `json:"tool"`
	ToolInput   string `json:"tool_input"`
	Observation string `json:"observation"`
}

// SourceRecord mirrors a retrieval source fragment.
type SourceRecord struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Logger appends entries to JSONL files. Write failures are reported on the
// diagnostic logger and never returned to the caller.
type Logger struct {
	dir  string
	diag zerolog.Logger
	mu   sync.Mutex
}

// Option configures a Logger.
type Option func(*Logger)

// WithDiagnostics sets the logger that receives write failures.
func WithDiagnostics(l zerolog.Logger) Option {
	return func(lg *Logger) {
		lg.diag = l
	}
}

// New creates a logger rooted at dir.
func New(dir string, opts ...Option) *Logger {
	if dir == "" {
		dir = DefaultDir
	}
	l := &Logger{
		dir:  dir,
		diag: zerolog.New(os.Stderr).With().Timestamp().Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Dir returns the log root directory.
func (l *Logger) Dir() string {
	return l.dir
}

// Path returns the file an entry of type t is written to. A non-empty
// destination overrides the per-type layout for every type.
func (l *Logger) Path(t Type, destination string) string {
	if destination != "" {
		return destination
	}
	return filepath.Join(l.dir, string(t), DefaultFileName)
}

// Append writes one entry. A nil logger discards entries.
func (l *Logger) Append(t Type, destination string, entry Entry) {
	if l == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	path := l.Path(t, destination)
	data, err := json.Marshal(entry)
	if err != nil {
		l.diag.Error().Err(err).Str("path", path).Str("log_type", string(t)).Msg("failed to encode execution log entry")
		return
	}

	if err := l.write(path, data); err != nil {
		l.diag.Error().
			Err(err).
			Str("path", path).
			Str("log_type", string(t)).
			RawJSON("entry", data).
			Msg("failed to write execution log")
	}
}

// write appends data plus a newline with a single Write call so concurrent
// writers never interleave inside one line.
func (l *Logger) write(path string, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	line := make([]byte, 0, len(data)+1)
	line = append(line, data...)
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Read returns every parseable entry in path. Malformed lines are skipped; a
// missing file yields no entries.
func Read(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	var entries []Entry
	reader := bufio.NewReader(f)
	for {
		line, readErr := reader.ReadBytes('\n')
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			var entry Entry
			if err := json.Unmarshal(line, &entry); err == nil {
				entries = append(entries, entry)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return entries, fmt.Errorf("read log %s: %w", path, readErr)
		}
	}
	return entries, nil
}
