// Package config provides configuration management for nova-memory.
// Settings are loaded from an optional YAML file and environment
// variables with the NOVA_MEMORY_ prefix, with sensible defaults for
// every option. Environment variables take precedence over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all settings for the memory engine.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Index         IndexConfig         `yaml:"index"`
	Retrieval     RetrievalConfig     `yaml:"retrieval"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Limits        LimitsConfig        `yaml:"limits"`
	Fallback      FallbackConfig      `yaml:"fallback"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	Backend string `yaml:"backend"` // sqlite, postgres, or memory (default: sqlite)
	DSN     string `yaml:"dsn"`     // backend connection string (default: ./data/nova-memory.db)
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider          string        `yaml:"provider"`            // ollama or mock (default: ollama)
	URL               string        `yaml:"url"`                 // provider base URL (default: http://localhost:11434)
	Model             string        `yaml:"model"`               // embedding model name (default: nomic-embed-text)
	Dimension         int           `yaml:"dimension"`           // vector length (default: 768)
	Timeout           time.Duration `yaml:"timeout"`             // per-request timeout (default: 30s)
	RequestsPerSecond float64       `yaml:"requests_per_second"` // rate limit (default: 10)
}

// IndexConfig configures the in-memory vector index.
type IndexConfig struct {
	// BruteForceThreshold is the index size above which search is
	// delegated to a backend with native ANN support (default: 100000).
	BruteForceThreshold int `yaml:"brute_force_threshold"`
}

// RetrievalConfig configures query-time scoring and budgeting.
type RetrievalConfig struct {
	TopK                int     `yaml:"top_k"`                 // default result count (default: 10)
	SimilarityThreshold float64 `yaml:"similarity_threshold"`  // same-namespace floor (default: 0.3)
	CrossAgentThreshold float64 `yaml:"cross_agent_threshold"` // sibling-namespace floor (default: 0.75)
	RecencyHalfLifeDays float64 `yaml:"recency_half_life_days"`
	FrequencyFactor     float64 `yaml:"frequency_factor"`
	DefaultTokenBudget  int     `yaml:"default_token_budget"`
}

// ConsolidationConfig configures the background maintenance cycle.
type ConsolidationConfig struct {
	DeduplicationThreshold float64       `yaml:"deduplication_threshold"` // similarity at or above which fragments merge (default: 0.95)
	DecayRate              float64       `yaml:"decay_rate"`              // per-day exponential decay rate (default: 0.01)
	DeletionThreshold      float64       `yaml:"deletion_threshold"`      // relevance below which fragments archive (default: 0.05)
	Interval               time.Duration `yaml:"interval"`                // cycle period, 0 disables (default: 1h)
}

// LimitsConfig bounds stored content.
type LimitsConfig struct {
	MaxContentLength int `yaml:"max_content_length"` // maximum fragment content length in runes (default: 2000)
}

// FallbackConfig configures degraded-mode behavior when the backend is
// unavailable.
type FallbackConfig struct {
	MaxRetries    int           `yaml:"max_retries"`    // flush attempts per queued write (default: 5)
	BaseBackoff   time.Duration `yaml:"base_backoff"`   // initial retry backoff (default: 500ms)
	QueueLimit    int           `yaml:"queue_limit"`    // max queued writes before rejection (default: 10000)
	ProbeInterval time.Duration `yaml:"probe_interval"` // backend liveness probe period, 0 disables (default: 15s)
}

// Load builds a Config from defaults, an optional YAML file, and
// NOVA_MEMORY_ environment variables, then validates it. An empty path
// skips the file layer.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading files or
// the environment.
func Default() *Config {
	return defaultConfig()
}

func defaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend: "sqlite",
			DSN:     "./data/nova-memory.db",
		},
		Embedding: EmbeddingConfig{
			Provider:          "ollama",
			URL:               "http://localhost:11434",
			Model:             "nomic-embed-text",
			Dimension:         768,
			Timeout:           30 * time.Second,
			RequestsPerSecond: 10,
		},
		Index: IndexConfig{
			BruteForceThreshold: 100_000,
		},
		Retrieval: RetrievalConfig{
			TopK:                10,
			SimilarityThreshold: 0.3,
			CrossAgentThreshold: 0.75,
			RecencyHalfLifeDays: 30,
			FrequencyFactor:     0.1,
			DefaultTokenBudget:  2048,
		},
		Consolidation: ConsolidationConfig{
			DeduplicationThreshold: 0.95,
			DecayRate:              0.01,
			DeletionThreshold:      0.05,
			Interval:               time.Hour,
		},
		Limits: LimitsConfig{
			MaxContentLength: 2000,
		},
		Fallback: FallbackConfig{
			MaxRetries:    5,
			BaseBackoff:   500 * time.Millisecond,
			QueueLimit:    10_000,
			ProbeInterval: 15 * time.Second,
		},
	}
}

func applyEnv(cfg *Config) {
	cfg.Storage.Backend = getEnv("NOVA_MEMORY_STORAGE_BACKEND", cfg.Storage.Backend)
	cfg.Storage.DSN = getEnv("NOVA_MEMORY_STORAGE_DSN", cfg.Storage.DSN)

	cfg.Embedding.Provider = getEnv("NOVA_MEMORY_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.URL = getEnv("NOVA_MEMORY_EMBEDDING_URL", cfg.Embedding.URL)
	cfg.Embedding.Model = getEnv("NOVA_MEMORY_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimension = getEnvInt("NOVA_MEMORY_EMBEDDING_DIMENSION", cfg.Embedding.Dimension)
	cfg.Embedding.Timeout = getEnvDuration("NOVA_MEMORY_EMBEDDING_TIMEOUT", cfg.Embedding.Timeout)
	cfg.Embedding.RequestsPerSecond = getEnvFloat("NOVA_MEMORY_EMBEDDING_RPS", cfg.Embedding.RequestsPerSecond)

	cfg.Index.BruteForceThreshold = getEnvInt("NOVA_MEMORY_INDEX_BRUTE_FORCE_THRESHOLD", cfg.Index.BruteForceThreshold)

	cfg.Retrieval.TopK = getEnvInt("NOVA_MEMORY_RETRIEVAL_TOP_K", cfg.Retrieval.TopK)
	cfg.Retrieval.SimilarityThreshold = getEnvFloat("NOVA_MEMORY_RETRIEVAL_SIMILARITY_THRESHOLD", cfg.Retrieval.SimilarityThreshold)
	cfg.Retrieval.CrossAgentThreshold = getEnvFloat("NOVA_MEMORY_RETRIEVAL_CROSS_AGENT_THRESHOLD", cfg.Retrieval.CrossAgentThreshold)
	cfg.Retrieval.RecencyHalfLifeDays = getEnvFloat("NOVA_MEMORY_RETRIEVAL_RECENCY_HALF_LIFE_DAYS", cfg.Retrieval.RecencyHalfLifeDays)
	cfg.Retrieval.FrequencyFactor = getEnvFloat("NOVA_MEMORY_RETRIEVAL_FREQUENCY_FACTOR", cfg.Retrieval.FrequencyFactor)
	cfg.Retrieval.DefaultTokenBudget = getEnvInt("NOVA_MEMORY_RETRIEVAL_TOKEN_BUDGET", cfg.Retrieval.DefaultTokenBudget)

	cfg.Consolidation.DeduplicationThreshold = getEnvFloat("NOVA_MEMORY_CONSOLIDATION_DEDUP_THRESHOLD", cfg.Consolidation.DeduplicationThreshold)
	cfg.Consolidation.DecayRate = getEnvFloat("NOVA_MEMORY_CONSOLIDATION_DECAY_RATE", cfg.Consolidation.DecayRate)
	cfg.Consolidation.DeletionThreshold = getEnvFloat("NOVA_MEMORY_CONSOLIDATION_DELETION_THRESHOLD", cfg.Consolidation.DeletionThreshold)
	cfg.Consolidation.Interval = getEnvDuration("NOVA_MEMORY_CONSOLIDATION_INTERVAL", cfg.Consolidation.Interval)

	cfg.Limits.MaxContentLength = getEnvInt("NOVA_MEMORY_MAX_CONTENT_LENGTH", cfg.Limits.MaxContentLength)

	cfg.Fallback.MaxRetries = getEnvInt("NOVA_MEMORY_FALLBACK_MAX_RETRIES", cfg.Fallback.MaxRetries)
	cfg.Fallback.BaseBackoff = getEnvDuration("NOVA_MEMORY_FALLBACK_BASE_BACKOFF", cfg.Fallback.BaseBackoff)
	cfg.Fallback.QueueLimit = getEnvInt("NOVA_MEMORY_FALLBACK_QUEUE_LIMIT", cfg.Fallback.QueueLimit)
	cfg.Fallback.ProbeInterval = getEnvDuration("NOVA_MEMORY_FALLBACK_PROBE_INTERVAL", cfg.Fallback.ProbeInterval)
}

// Validate checks the configuration for invalid values. The engine
// refuses to start on a bad config rather than limping along.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.DSN == "" && c.Storage.Backend != "memory" {
		return errors.New("config: storage DSN is required")
	}

	switch c.Embedding.Provider {
	case "ollama", "mock":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimension <= 0 {
		return fmt.Errorf("config: embedding dimension must be positive, got %d", c.Embedding.Dimension)
	}
	if c.Embedding.Timeout <= 0 {
		return errors.New("config: embedding timeout must be positive")
	}

	if c.Index.BruteForceThreshold <= 0 {
		return errors.New("config: index brute force threshold must be positive")
	}

	if c.Retrieval.TopK <= 0 {
		return errors.New("config: retrieval top_k must be positive")
	}
	if c.Retrieval.SimilarityThreshold < 0 || c.Retrieval.SimilarityThreshold > 1 {
		return fmt.Errorf("config: similarity threshold must be in [0,1], got %g", c.Retrieval.SimilarityThreshold)
	}
	if c.Retrieval.CrossAgentThreshold < 0 || c.Retrieval.CrossAgentThreshold > 1 {
		return fmt.Errorf("config: cross agent threshold must be in [0,1], got %g", c.Retrieval.CrossAgentThreshold)
	}
	if c.Retrieval.RecencyHalfLifeDays <= 0 {
		return errors.New("config: recency half life must be positive")
	}
	if c.Retrieval.FrequencyFactor < 0 {
		return errors.New("config: frequency factor must not be negative")
	}
	if c.Retrieval.DefaultTokenBudget <= 0 {
		return errors.New("config: default token budget must be positive")
	}

	if c.Consolidation.DeduplicationThreshold < 0 || c.Consolidation.DeduplicationThreshold > 1 {
		return fmt.Errorf("config: deduplication threshold must be in [0,1], got %g", c.Consolidation.DeduplicationThreshold)
	}
	if c.Consolidation.DecayRate < 0 {
		return errors.New("config: decay rate must not be negative")
	}
	if c.Consolidation.DeletionThreshold < 0 || c.Consolidation.DeletionThreshold > 1 {
		return fmt.Errorf("config: deletion threshold must be in [0,1], got %g", c.Consolidation.DeletionThreshold)
	}
	if c.Consolidation.Interval < 0 {
		return errors.New("config: consolidation interval must not be negative")
	}

	if c.Limits.MaxContentLength <= 0 {
		return errors.New("config: max content length must be positive")
	}

	if c.Fallback.MaxRetries < 0 {
		return errors.New("config: fallback max retries must not be negative")
	}
	if c.Fallback.BaseBackoff <= 0 {
		return errors.New("config: fallback base backoff must be positive")
	}
	if c.Fallback.QueueLimit <= 0 {
		return errors.New("config: fallback queue limit must be positive")
	}
	if c.Fallback.ProbeInterval < 0 {
		return errors.New("config: fallback probe interval must not be negative")
	}

	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. Unparseable values fall back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable or returns a
// default value. Unparseable values fall back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
