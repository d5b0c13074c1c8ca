// Package config loads the turnmesh service configuration from YAML and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/turnmesh/logging"
)

// Config is the root configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Provider    ProviderConfig    `yaml:"provider"`
	Turn        TurnConfig        `yaml:"turn"`
	Tools       ToolsConfig       `yaml:"tools"`
	Database    DatabaseConfig    `yaml:"database"`
	RAG         RAGConfig         `yaml:"rag"`
	Logging     LoggingConfig     `yaml:"logging"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Engine      EngineConfig      `yaml:"engine"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// APIKey enables bearer authentication of the chat routes when set.
	APIKey          string        `yaml:"api_key"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ProviderConfig struct {
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	// BaseURL points the OpenAI compatible client at another endpoint.
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	// MockModel simulates mocked tools.
	MockModel   string  `yaml:"mock_model"`
	Temperature float64 `yaml:"temperature"`
}

type TurnConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	MaxSteps      int `yaml:"max_steps"`
	// StartWithStartAgent ignores the prior state and always starts at the
	// request's start agent.
	StartWithStartAgent bool `yaml:"start_with_start_agent"`
	// DisableStream requests complete model responses instead of streams.
	DisableStream bool `yaml:"disable_stream"`
}

type ToolsConfig struct {
	LockWait    time.Duration `yaml:"lock_wait"`
	ExecTimeout time.Duration `yaml:"exec_timeout"`
	IdleLockTTL time.Duration `yaml:"idle_lock_ttl"`
	// SigningSecret is used for webhook calls when no database is configured.
	SigningSecret string `yaml:"signing_secret"`
}

type DatabaseConfig struct {
	// URL is a postgres:// or sqlite:// URL. Empty disables the store.
	URL             string        `yaml:"url"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

type RAGConfig struct {
	Enabled        bool   `yaml:"enabled"`
	EmbeddingModel string `yaml:"embedding_model"`
	ChunkWords     int    `yaml:"chunk_words"`
	OverlapWords   int    `yaml:"overlap_words"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string            `yaml:"endpoint"`
	Insecure     bool              `yaml:"insecure"`
	SamplingRate float64           `yaml:"sampling_rate"`
	Environment  string            `yaml:"environment"`
	Attributes   map[string]string `yaml:"attributes"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type EngineConfig struct {
	MaxConcurrentTurns int           `yaml:"max_concurrent_turns"`
	TurnTimeout        time.Duration `yaml:"turn_timeout"`
}

type MaintenanceConfig struct {
	// SweepSchedule is the cron spec of the gate lock sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads the YAML file at path, expands ${VAR} references, applies
// defaults and environment overrides, and validates the result. An empty
// path skips the file.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, cfg); err != nil {
			return nil, err
		}
	}

	applyDefaults(cfg)

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	expanded := os.ExpandEnv(string(data))

	decoder := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: expected single document")
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":3001"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Provider.DefaultModel == "" {
		cfg.Provider.DefaultModel = "gpt-4o"
	}
	if cfg.Provider.MockModel == "" {
		cfg.Provider.MockModel = "gpt-4o-mini"
	}
	if cfg.Turn.MaxIterations == 0 {
		cfg.Turn.MaxIterations = 20
	}
	if cfg.Turn.MaxSteps == 0 {
		cfg.Turn.MaxSteps = 10
	}
	if cfg.Tools.LockWait == 0 {
		cfg.Tools.LockWait = 5 * time.Minute
	}
	if cfg.Tools.IdleLockTTL == 0 {
		cfg.Tools.IdleLockTTL = 10 * time.Minute
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.RAG.EmbeddingModel == "" {
		cfg.RAG.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.RAG.ChunkWords == 0 {
		cfg.RAG.ChunkWords = 200
	}
	if cfg.RAG.OverlapWords == 0 {
		cfg.RAG.OverlapWords = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Engine.MaxConcurrentTurns == 0 {
		cfg.Engine.MaxConcurrentTurns = 64
	}
	if cfg.Maintenance.SweepSchedule == "" {
		cfg.Maintenance.SweepSchedule = "@every 5m"
	}
}

// applyEnvOverrides lets the environment win over the file.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Provider.OpenAIAPIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		cfg.Provider.AnthropicAPIKey = v
	}
	if v := os.Getenv("PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("PROVIDER_DEFAULT_MODEL"); v != "" {
		cfg.Provider.DefaultModel = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("START_TURN_WITH_START_AGENT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid START_TURN_WITH_START_AGENT %q: %w", v, err)
		}
		cfg.Turn.StartWithStartAgent = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format)
	}
	if c.Turn.MaxIterations < 0 {
		return errors.New("turn.max_iterations must not be negative")
	}
	if c.Turn.MaxSteps < 0 {
		return errors.New("turn.max_steps must not be negative")
	}
	if c.Engine.MaxConcurrentTurns < 0 {
		return errors.New("engine.max_concurrent_turns must not be negative")
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return errors.New("tracing.sampling_rate must be between 0 and 1")
	}
	if c.RAG.OverlapWords >= c.RAG.ChunkWords {
		return errors.New("rag.overlap_words must be smaller than rag.chunk_words")
	}
	if c.RAG.Enabled && c.Database.URL == "" {
		return errors.New("rag.enabled requires database.url")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}
	return nil
}

// LoggerConfig converts the logging section. Validate must have passed.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	lc := logging.DefaultLoggerConfig()
	if lvl, err := logging.ParseLevel(c.Logging.Level); err == nil {
		lc.Level = lvl
	}
	lc.Format = c.Logging.Format
	return lc
}
