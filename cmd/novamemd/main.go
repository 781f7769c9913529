// Command novamemd runs the nova-memory daemon: it opens the configured
// storage backend, starts the memory engine with its background
// consolidation loop, and shuts down cleanly on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nelsen3000/nova-memory/internal/config"
	"github.com/nelsen3000/nova-memory/internal/embedding"
	"github.com/nelsen3000/nova-memory/internal/engine"
	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/internal/storage/memstore"
	"github.com/nelsen3000/nova-memory/internal/storage/postgres"
	"github.com/nelsen3000/nova-memory/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	flag.Parse()

	logger := log.New(os.Stdout, "[nova-memory] ", log.LstdFlags)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("configuration error: %v", err)
	}

	adapter, err := openBackend(cfg)
	if err != nil {
		logger.Fatalf("storage error: %v", err)
	}

	provider := buildProvider(cfg)

	eng, err := engine.New(cfg, adapter, provider, logger)
	if err != nil {
		logger.Fatalf("engine error: %v", err)
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		logger.Fatalf("startup error: %v", err)
	}

	hs := eng.HealthCheck(ctx)
	logger.Printf("ready: backend=%s available=%t indexed=%d",
		cfg.Storage.Backend, hs.AdapterAvailable, hs.IndexSize)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Printf("received %s, shutting down", s)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("shutdown error: %v", err)
	}
	logger.Printf("goodbye")
}

func openBackend(cfg *config.Config) (storage.Adapter, error) {
	switch cfg.Storage.Backend {
	case "sqlite":
		return sqlite.New(cfg.Storage.DSN)
	case "postgres":
		return postgres.New(cfg.Storage.DSN, cfg.Embedding.Dimension)
	case "memory":
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildProvider(cfg *config.Config) embedding.Provider {
	switch cfg.Embedding.Provider {
	case "mock":
		return embedding.NewMockProvider(cfg.Embedding.Dimension)
	default:
		return embedding.NewOllamaProvider(embedding.OllamaConfig{
			BaseURL:           cfg.Embedding.URL,
			Model:             cfg.Embedding.Model,
			Dimension:         cfg.Embedding.Dimension,
			Timeout:           cfg.Embedding.Timeout,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		})
	}
}
