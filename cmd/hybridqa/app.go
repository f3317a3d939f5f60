package main

import (
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/zen-systems/hybridqa/pkg/adapter"
	"github.com/zen-systems/hybridqa/pkg/backend"
	"github.com/zen-systems/hybridqa/pkg/backend/retrieval"
	"github.com/zen-systems/hybridqa/pkg/backend/structured"
	"github.com/zen-systems/hybridqa/pkg/cache"
	"github.com/zen-systems/hybridqa/pkg/config"
	"github.com/zen-systems/hybridqa/pkg/execlog"
	"github.com/zen-systems/hybridqa/pkg/metrics"
	"github.com/zen-systems/hybridqa/pkg/prompt"
	"github.com/zen-systems/hybridqa/pkg/router"
)

var adapters = cache.NewRegistry[adapter.Adapter]()

// app holds the wiring shared by every command.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	prompts  *prompt.Store
	execLog  *execlog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
}

func newApp(jsonLogs bool) (*app, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if providerFlag != "" {
		cfg.Inference.Provider = providerFlag
	}
	if modelFlag != "" {
		cfg.Inference.Model = modelFlag
	}
	if logDirFlag != "" {
		cfg.Logging.Dir = logDirFlag
	}
	if indexFlag != "" {
		cfg.Retrieval.IndexPath = indexFlag
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Logging.Level, jsonLogs)
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &app{
		cfg:      cfg,
		log:      logger,
		prompts:  prompt.NewStore(cfg.PromptDir),
		execLog:  execlog.New(cfg.Logging.Dir, execlog.WithDiagnostics(logger)),
		registry: reg,
		metrics:  metrics.New(reg),
	}, nil
}

func newLogger(level string, jsonLogs bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	if jsonLogs {
		return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
}

// llm returns the cached inference adapter for the configured provider.
func (a *app) llm() (adapter.Adapter, error) {
	provider := a.cfg.Inference.Provider
	return adapters.Get(provider, func() (adapter.Adapter, error) {
		base, err := adapter.New(provider, a.credentials())
		if err != nil {
			return nil, fmt.Errorf("failed to create %s adapter: %w", provider, err)
		}
		wrapped := adapter.WithRetry(base, adapter.RetryPolicy{
			MaxRetries:    a.cfg.Retry.MaxRetries,
			BaseBackoffMs: a.cfg.Retry.BaseBackoffMs,
			MaxBackoffMs:  a.cfg.Retry.MaxBackoffMs,
		})
		wrapped = adapter.WithRateLimit(wrapped, a.cfg.RateLimit.RequestsPerSecond, a.cfg.RateLimit.Burst)
		a.log.Debug().Str("provider", provider).Msg("created inference adapter")
		return wrapped, nil
	})
}

func (a *app) credentials() adapter.Credentials {
	k := a.cfg.Keys
	return adapter.Credentials{
		OpenAIAPIKey:    k.OpenAI,
		AnthropicAPIKey: k.Anthropic,
		GoogleAPIKey:    k.Google,
		DeepSeekAPIKey:  k.DeepSeek,
		Azure: adapter.AzureConfig{
			APIKey:     k.AzureOpenAI,
			Endpoint:   a.cfg.Inference.Azure.Endpoint,
			Deployment: a.cfg.Inference.Azure.Deployment,
			APIVersion: a.cfg.Inference.Azure.APIVersion,
		},
	}
}

func (a *app) embedder() (retrieval.Embedder, error) {
	e := a.cfg.Embeddings
	key := a.cfg.Keys.OpenAI
	if e.Provider == "azure" {
		key = a.cfg.Keys.AzureOpenAIEmbeddings
	}
	emb, err := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
		Provider:   e.Provider,
		APIKey:     key,
		Model:      e.Model,
		Endpoint:   e.Endpoint,
		Deployment: e.Deployment,
		APIVersion: e.APIVersion,
		BatchSize:  e.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	return emb, nil
}

func (a *app) structuredBackend(llm adapter.Adapter) backend.Backend {
	return structured.New(llm, a.prompts, structured.Config{
		Driver:        a.cfg.Database.Driver,
		DSN:           a.cfg.Database.DSN,
		Model:         a.cfg.ModelFor("sql"),
		MaxIterations: a.cfg.Database.MaxIterations,
		MaxRows:       a.cfg.Database.MaxRows,
	}, structured.WithLogger(a.log))
}

// retrievalBackend degrades to an always-failing backend when embeddings are
// not configured, so hybrid questions still get the structured answer.
func (a *app) retrievalBackend(llm adapter.Adapter) backend.Backend {
	emb, err := a.embedder()
	if err != nil {
		a.log.Warn().Err(err).Msg("retrieval backend unavailable")
		return backend.Unavailable(backend.KindRAG, err)
	}
	return retrieval.New(llm, emb, a.prompts, retrieval.Config{
		IndexPath: a.cfg.Retrieval.IndexPath,
		TopK:      a.cfg.Retrieval.TopK,
		Model:     a.cfg.ModelFor("rag"),
	}, retrieval.WithLogger(a.log))
}

func (a *app) router() (*router.Router, error) {
	llm, err := a.llm()
	if err != nil {
		return nil, err
	}
	return router.New(
		router.NewClassifier(llm, a.prompts, a.cfg.ModelFor("classifier")),
		router.NewSynthesizer(llm, a.prompts, a.cfg.ModelFor("synthesis")),
		a.structuredBackend(llm),
		a.retrievalBackend(llm),
		router.WithExecLog(a.execLog),
		router.WithMetrics(a.metrics),
		router.WithLogger(a.log),
	), nil
}

func (a *app) close() {
	if err := structured.Close(); err != nil {
		a.log.Warn().Err(err).Msg("closing database pools")
	}
	if err := retrieval.CloseAll(); err != nil {
		a.log.Warn().Err(err).Msg("closing indexes")
	}
}
