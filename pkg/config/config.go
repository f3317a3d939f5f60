// Package config loads settings from ~/.hybridqa/config.yaml, a .env file and
// the environment. Environment variables take precedence over the file; API
// keys are read from the environment only.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	Inference  InferenceConfig  `yaml:"inference"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	Retry      RetryConfig      `yaml:"retry,omitempty"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit,omitempty"`
	Database   DatabaseConfig   `yaml:"database"`
	Retrieval  RetrievalConfig  `yaml:"retrieval"`
	Logging    LoggingConfig    `yaml:"logging"`
	Server     ServerConfig     `yaml:"server"`
	Models     ModelAliases     `yaml:"models,omitempty"`
	PromptDir  string           `yaml:"prompt_dir,omitempty"`

	Keys      APIKeys `yaml:"-"`
	ConfigDir string  `yaml:"-"`
}

// InferenceConfig selects the chat model used by every component.
type InferenceConfig struct {
	Provider        string `yaml:"provider" validate:"oneof=openai anthropic google deepseek azure mock"`
	Model           string `yaml:"model,omitempty"`
	ClassifierModel string `yaml:"classifier_model,omitempty"`
	SynthesisModel  string `yaml:"synthesis_model,omitempty"`
	// Azure applies when Provider is "azure".
	Azure AzureConfig `yaml:"azure,omitempty"`
}

// AzureConfig identifies an Azure OpenAI deployment.
type AzureConfig struct {
	Endpoint   string `yaml:"endpoint,omitempty"`
	Deployment string `yaml:"deployment,omitempty"`
	APIVersion string `yaml:"api_version,omitempty"`
}

// EmbeddingsConfig selects the embeddings model for the retrieval index.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider" validate:"oneof=openai azure"`
	Model      string `yaml:"model,omitempty"`
	Endpoint   string `yaml:"endpoint,omitempty"`
	Deployment string `yaml:"deployment,omitempty"`
	APIVersion string `yaml:"api_version,omitempty"`
	BatchSize  int    `yaml:"batch_size,omitempty" validate:"gte=0"`
}

// RetryConfig defines retry and backoff behavior for transient inference
// errors. Zero retries disables the wrapper.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty" validate:"gte=0,lte=10"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty" validate:"gte=0"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty" validate:"gte=0"`
}

// RateLimitConfig caps inference requests per second. Zero disables it.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty" validate:"gte=0"`
	Burst             int     `yaml:"burst,omitempty" validate:"gte=0"`
}

// DatabaseConfig configures the structured backend.
type DatabaseConfig struct {
	Driver        string `yaml:"driver" validate:"oneof=sqlite"`
	DSN           string `yaml:"dsn,omitempty"`
	MaxIterations int    `yaml:"max_iterations" validate:"gte=1,lte=10"`
	MaxRows       int    `yaml:"max_rows" validate:"gte=1"`
}

// RetrievalConfig configures the retrieval backend and ingestion.
// ChunkOverlap is nil when unset so an explicit 0 survives defaulting.
type RetrievalConfig struct {
	IndexPath    string `yaml:"index_path" validate:"required"`
	TopK         int    `yaml:"top_k" validate:"gte=1,lte=50"`
	ChunkSize    int    `yaml:"chunk_size" validate:"gte=100"`
	ChunkOverlap *int   `yaml:"chunk_overlap,omitempty" validate:"omitempty,gte=0"`
}

// Overlap returns the configured chunk overlap, or 0 when unset.
func (r RetrievalConfig) Overlap() int {
	if r.ChunkOverlap == nil {
		return 0
	}
	return *r.ChunkOverlap
}

// LoggingConfig configures the execution log and diagnostics.
type LoggingConfig struct {
	Dir   string `yaml:"dir" validate:"required"`
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

// APIKeys holds provider credentials.
type APIKeys struct {
	Anthropic             string
	OpenAI                string
	Google                string
	DeepSeek              string
	AzureOpenAI           string
	AzureOpenAIEmbeddings string
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the config file at path, or ~/.hybridqa/config.yaml when path is
// empty, then applies environment overrides and defaults and validates the
// result. A missing default file is not an error.
func Load(path string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	cfg := &Config{ConfigDir: configDir}
	if path == "" {
		path = filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(path); err != nil {
			path = ""
		}
	}
	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file or environment is set.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate checks field constraints and model names.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if overlap := c.Retrieval.Overlap(); overlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("invalid config: chunk_overlap %d must be less than chunk_size %d", overlap, c.Retrieval.ChunkSize)
	}
	model := c.Models.Resolve(c.Inference.Model)
	if err := c.Models.ValidateModel(c.Inference.Provider, model); err != nil {
		return fmt.Errorf("invalid config: inference model: %w", err)
	}
	return nil
}

// HasCredentials reports whether the API key for provider is configured.
func (c *Config) HasCredentials(provider string) bool {
	switch provider {
	case "anthropic":
		return c.Keys.Anthropic != ""
	case "openai":
		return c.Keys.OpenAI != ""
	case "google":
		return c.Keys.Google != ""
	case "deepseek":
		return c.Keys.DeepSeek != ""
	case "azure":
		return c.Keys.AzureOpenAI != ""
	case "mock":
		return true
	default:
		return false
	}
}

// ModelFor returns the resolved model for a component. Component-specific
// settings win over the shared inference model.
func (c *Config) ModelFor(component string) string {
	model := c.Inference.Model
	switch component {
	case "classifier":
		if c.Inference.ClassifierModel != "" {
			model = c.Inference.ClassifierModel
		}
	case "synthesis":
		if c.Inference.SynthesisModel != "" {
			model = c.Inference.SynthesisModel
		}
	}
	return c.Models.Resolve(model)
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Keys = APIKeys{
		Anthropic:             os.Getenv("ANTHROPIC_API_KEY"),
		OpenAI:                os.Getenv("OPENAI_API_KEY"),
		Google:                os.Getenv("GOOGLE_API_KEY"),
		DeepSeek:              os.Getenv("DEEPSEEK_API_KEY"),
		AzureOpenAI:           os.Getenv("AZURE_OPENAI_API_KEY"),
		AzureOpenAIEmbeddings: getEnvOrDefault("AZURE_OPENAI_API_KEY_EMBEDDINGS", os.Getenv("AZURE_OPENAI_API_KEY")),
	}

	inf := &cfg.Inference
	inf.Provider = getEnvOrDefault("HYBRIDQA_PROVIDER", inf.Provider)
	inf.Model = getEnvOrDefault("HYBRIDQA_MODEL", inf.Model)
	inf.Azure.Endpoint = getEnvOrDefault("AZURE_OPENAI_ENDPOINT", inf.Azure.Endpoint)
	inf.Azure.Deployment = getEnvOrDefault("AZURE_OPENAI_DEPLOYMENT_NAME", inf.Azure.Deployment)
	inf.Azure.APIVersion = getEnvOrDefault("AZURE_OPENAI_API_VERSION", inf.Azure.APIVersion)

	emb := &cfg.Embeddings
	emb.Provider = getEnvOrDefault("HYBRIDQA_EMBEDDINGS_PROVIDER", emb.Provider)
	emb.Model = getEnvOrDefault("HYBRIDQA_EMBEDDINGS_MODEL", emb.Model)
	emb.Endpoint = getEnvOrDefault("AZURE_OPENAI_ENDPOINT_EMBEDDINGS", emb.Endpoint)
	emb.Deployment = getEnvOrDefault("AZURE_OPENAI_EMBEDDINGS_DEPLOYMENT_NAME", emb.Deployment)
	emb.APIVersion = getEnvOrDefault("AZURE_OPENAI_API_VERSION_EMBEDDINGS", emb.APIVersion)

	cfg.Database.Driver = getEnvOrDefault("HYBRIDQA_DB_DRIVER", cfg.Database.Driver)
	cfg.Database.DSN = getEnvOrDefault("DATABASE_URL", cfg.Database.DSN)
	cfg.Retrieval.IndexPath = getEnvOrDefault("HYBRIDQA_INDEX_PATH", cfg.Retrieval.IndexPath)
	cfg.Logging.Dir = getEnvOrDefault("HYBRIDQA_LOG_DIR", cfg.Logging.Dir)
	cfg.Logging.Level = getEnvOrDefault("HYBRIDQA_LOG_LEVEL", cfg.Logging.Level)
	cfg.Server.Addr = getEnvOrDefault("HYBRIDQA_ADDR", cfg.Server.Addr)
	cfg.PromptDir = getEnvOrDefault("HYBRIDQA_PROMPT_DIR", cfg.PromptDir)

	if v, err := strconv.Atoi(os.Getenv("HYBRIDQA_TOP_K")); err == nil {
		cfg.Retrieval.TopK = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Inference.Provider == "" {
		cfg.Inference.Provider = "azure"
	}
	if cfg.Embeddings.Provider == "" {
		if cfg.Inference.Provider == "azure" {
			cfg.Embeddings.Provider = "azure"
		} else {
			cfg.Embeddings.Provider = "openai"
		}
	}
	if cfg.Embeddings.Provider == "azure" {
		if cfg.Embeddings.Endpoint == "" {
			cfg.Embeddings.Endpoint = cfg.Inference.Azure.Endpoint
		}
		if cfg.Embeddings.APIVersion == "" {
			cfg.Embeddings.APIVersion = cfg.Inference.Azure.APIVersion
		}
	}

	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 200
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 2000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.MaxIterations == 0 {
		cfg.Database.MaxIterations = 3
	}
	if cfg.Database.MaxRows == 0 {
		cfg.Database.MaxRows = 50
	}

	if cfg.Retrieval.IndexPath == "" {
		cfg.Retrieval.IndexPath = filepath.Join("data", "index")
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 3
	}
	if cfg.Retrieval.ChunkSize == 0 {
		cfg.Retrieval.ChunkSize = 1000
	}
	if cfg.Retrieval.ChunkOverlap == nil {
		overlap := min(200, cfg.Retrieval.ChunkSize/5)
		cfg.Retrieval.ChunkOverlap = &overlap
	}

	if cfg.Logging.Dir == "" {
		cfg.Logging.Dir = "logs"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8000"
	}
}

// getEnvOrDefault returns the environment variable value if set,
// otherwise returns the default value.
func getEnvOrDefault(envVar, defaultValue string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultValue
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".hybridqa"), nil
}
