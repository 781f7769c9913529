package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("expected sqlite backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Embedding.Dimension != 768 {
		t.Errorf("expected dimension 768, got %d", cfg.Embedding.Dimension)
	}
	if cfg.Consolidation.DeduplicationThreshold != 0.95 {
		t.Errorf("expected dedup threshold 0.95, got %g", cfg.Consolidation.DeduplicationThreshold)
	}
	if cfg.Index.BruteForceThreshold != 100_000 {
		t.Errorf("expected brute force threshold 100000, got %d", cfg.Index.BruteForceThreshold)
	}
	if cfg.Fallback.ProbeInterval != 15*time.Second {
		t.Errorf("expected 15s probe interval, got %v", cfg.Fallback.ProbeInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
storage:
  backend: postgres
  dsn: postgres://localhost/nova
retrieval:
  top_k: 25
consolidation:
  interval: 15m
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "postgres" {
		t.Errorf("expected postgres backend, got %q", cfg.Storage.Backend)
	}
	if cfg.Retrieval.TopK != 25 {
		t.Errorf("expected top_k 25, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Consolidation.Interval != 15*time.Minute {
		t.Errorf("expected 15m interval, got %v", cfg.Consolidation.Interval)
	}
	// Untouched fields keep defaults.
	if cfg.Embedding.Model != "nomic-embed-text" {
		t.Errorf("expected default model, got %q", cfg.Embedding.Model)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("storage:\n  backend: sqlite\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("NOVA_MEMORY_STORAGE_BACKEND", "memory")
	t.Setenv("NOVA_MEMORY_RETRIEVAL_TOP_K", "3")
	t.Setenv("NOVA_MEMORY_EMBEDDING_TIMEOUT", "5s")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("env should override file, got %q", cfg.Storage.Backend)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("expected top_k 3, got %d", cfg.Retrieval.TopK)
	}
	if cfg.Embedding.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", cfg.Embedding.Timeout)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "redis" }},
		{"empty dsn", func(c *Config) { c.Storage.DSN = "" }},
		{"unknown provider", func(c *Config) { c.Embedding.Provider = "openai" }},
		{"zero dimension", func(c *Config) { c.Embedding.Dimension = 0 }},
		{"negative top_k", func(c *Config) { c.Retrieval.TopK = -1 }},
		{"threshold above one", func(c *Config) { c.Consolidation.DeduplicationThreshold = 1.5 }},
		{"zero half life", func(c *Config) { c.Retrieval.RecencyHalfLifeDays = 0 }},
		{"zero content length", func(c *Config) { c.Limits.MaxContentLength = 0 }},
		{"zero queue limit", func(c *Config) { c.Fallback.QueueLimit = 0 }},
		{"negative probe interval", func(c *Config) { c.Fallback.ProbeInterval = -time.Second }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidateAllowsMemoryWithoutDSN(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "memory"
	cfg.Storage.DSN = ""
	if err := cfg.Validate(); err != nil {
		t.Fatalf("memory backend should not require DSN: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}
