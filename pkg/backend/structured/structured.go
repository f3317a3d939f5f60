// Package structured implements the SQL agent backend: it inspects the
// database schema, asks the model for a read-only query, runs it and turns
// the rows into an answer.
package structured

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/zen-systems/hybridqa/pkg/adapter"
	"github.com/zen-systems/hybridqa/pkg/backend"
	"github.com/zen-systems/hybridqa/pkg/cache"
	"github.com/zen-systems/hybridqa/pkg/prompt"
)

// Tool names recorded in the step trace.
const (
	ToolSchema      = "sql_db_schema"
	ToolQueryGen    = "sql_db_query_gen"
	ToolQuery       = "sql_db_query"
	ToolFinalAnswer = "final_answer"
)

// DefaultDriver is the only supported database/sql driver.
const DefaultDriver = "sqlite"

// Config selects the database and bounds the agent loop.
type Config struct {
	// Driver is the database/sql driver name. Only "sqlite" is registered.
	Driver        string
	DSN           string
	Model         string
	MaxIterations int
	MaxRows       int
}

func (c Config) withDefaults() Config {
	if c.Driver == "" {
		c.Driver = DefaultDriver
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = 3
	}
	if c.MaxRows <= 0 {
		c.MaxRows = 50
	}
	return c
}

var sharedPools = cache.NewRegistry[*sql.DB]()

// Agent is the structured backend.
type Agent struct {
	llm     adapter.Adapter
	prompts *prompt.Store
	pools   *cache.Registry[*sql.DB]
	cfg     Config
	log     zerolog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

// WithPools replaces the process-wide connection pool registry.
func WithPools(r *cache.Registry[*sql.DB]) Option {
	return func(a *Agent) {
		a.pools = r
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(l zerolog.Logger) Option {
	return func(a *Agent) {
		a.log = l
	}
}

// New creates a SQL agent.
func New(llm adapter.Adapter, prompts *prompt.Store, cfg Config, opts ...Option) *Agent {
	a := &Agent{
		llm:     llm,
		prompts: prompts,
		pools:   sharedPools,
		cfg:     cfg.withDefaults(),
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Kind returns backend.KindSQL.
func (a *Agent) Kind() backend.Kind {
	return backend.KindSQL
}

// Execute answers q against the configured database.
func (a *Agent) Execute(ctx context.Context, q backend.Query) (backend.Output, error) {
	var out backend.Output
	if a.cfg.DSN == "" {
		return out, errors.New("no database configured")
	}

	db, err := a.db()
	if err != nil {
		return out, err
	}

	schema, err := readSchema(ctx, db)
	if err != nil {
		return out, fmt.Errorf("read schema: %w", err)
	}
	out.Steps = append(out.Steps, a.step(out.Steps, ToolSchema, "", schema))

	var feedback string
	var rows string
	var lastErr error
	for i := 0; i < a.cfg.MaxIterations; i++ {
		query, err := a.generate(ctx, schema, q.Question, feedback)
		if err != nil {
			return out, fmt.Errorf("generate query: %w", err)
		}
		out.Steps = append(out.Steps, a.step(out.Steps, ToolQueryGen, q.Question, query))

		if err := checkReadOnly(query); err != nil {
			lastErr = err
			out.Steps = append(out.Steps, a.step(out.Steps, ToolQuery, query, "Error: "+err.Error()))
			feedback = retryFeedback(query, err)
			continue
		}

		rows, err = runQuery(ctx, db, query, a.cfg.MaxRows)
		if err != nil {
			lastErr = err
			out.Steps = append(out.Steps, a.step(out.Steps, ToolQuery, query, "Error: "+err.Error()))
			feedback = retryFeedback(query, err)
			a.log.Debug().Err(err).Int("attempt", i+1).Msg("sql query failed")
			continue
		}

		out.GeneratedSQL = query
		out.Steps = append(out.Steps, a.step(out.Steps, ToolQuery, query, rows))
		lastErr = nil
		break
	}
	if lastErr != nil {
		return out, fmt.Errorf("no valid query after %d attempts: %w", a.cfg.MaxIterations, lastErr)
	}

	answer, err := a.answer(ctx, q.Question, out.GeneratedSQL, rows)
	if err != nil {
		return out, fmt.Errorf("final answer: %w", err)
	}
	out.Answer = answer
	out.Steps = append(out.Steps, a.step(out.Steps, ToolFinalAnswer, q.Question, answer))
	return out, nil
}

// Close releases every pooled connection in the shared registry.
func Close() error {
	return sharedPools.Close(func(_ string, db *sql.DB) error {
		return db.Close()
	})
}

func (a *Agent) db() (*sql.DB, error) {
	key := a.cfg.Driver + "|" + a.cfg.DSN
	return a.pools.Get(key, func() (*sql.DB, error) {
		if a.cfg.Driver != DefaultDriver {
			return nil, fmt.Errorf("unsupported database driver %q", a.cfg.Driver)
		}
		db, err := sql.Open(a.cfg.Driver, readOnlyDSN(a.cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("open %s database: %w", a.cfg.Driver, err)
		}
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("connect %s database: %w", a.cfg.Driver, err)
		}
		a.log.Debug().Str("driver", a.cfg.Driver).Msg("opened database pool")
		return db, nil
	})
}

func (a *Agent) step(prev []backend.Step, tool, input, observation string) backend.Step {
	return backend.Step{
		Number:      len(prev) + 1,
		Tool:        tool,
		ToolInput:   input,
		Observation: observation,
	}
}

func (a *Agent) generate(ctx context.Context, schema, question, feedback string) (string, error) {
	system, err := a.prompts.Render(prompt.SQLAgent, map[string]string{
		"max_rows": strconv.Itoa(a.cfg.MaxRows),
	})
	if err != nil {
		return "", err
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Tables:\n%s\n\nQuestion: %s", schema, question)
	if feedback != "" {
		user.WriteString("\n\n")
		user.WriteString(feedback)
	}

	resp, err := a.llm.Generate(ctx, adapter.Request{
		Model:       a.cfg.Model,
		Messages:    []adapter.Message{adapter.System(system), adapter.User(user.String())},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	query := extractSQL(resp.Content)
	if query == "" {
		return "", errors.New("model returned no SQL")
	}
	return query, nil
}

func (a *Agent) answer(ctx context.Context, question, query, rows string) (string, error) {
	system, err := a.prompts.Load(prompt.SQLAnswer)
	if err != nil {
		return "", err
	}
	user := fmt.Sprintf("Question: %s\n\nSQL query:\n%s\n\nSQL result:\n%s", question, query, rows)
	resp, err := a.llm.Generate(ctx, adapter.Request{
		Model:       a.cfg.Model,
		Messages:    []adapter.Message{adapter.System(system), adapter.User(user)},
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func retryFeedback(query string, err error) string {
	return fmt.Sprintf("The previous query failed.\nQuery:\n%s\nError: %s\nWrite a corrected query.", query, err)
}
