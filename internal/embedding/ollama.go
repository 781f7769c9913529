package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// OllamaConfig holds Ollama embedding client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434).
	BaseURL string

	// Model is the embedding model name (default: nomic-embed-text).
	Model string

	// Dimension is the vector length the model produces (default: 768,
	// the nomic-embed-text width). Responses with a different length are
	// rejected as a provider fault.
	Dimension int

	// Timeout is the per-request timeout (default: 30s).
	Timeout time.Duration

	// RequestsPerSecond throttles calls to the local model so bulk
	// consolidation re-embedding cannot starve interactive stores
	// (default: 10).
	RequestsPerSecond float64

	// Breaker configures the circuit breaker; zero values take defaults.
	Breaker CircuitBreakerConfig
}

// OllamaProvider generates embeddings via a local Ollama daemon.
type OllamaProvider struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
	breaker   *CircuitBreaker
	limiter   *rate.Limiter
}

// Ensure *OllamaProvider implements Provider at compile time.
var _ Provider = (*OllamaProvider)(nil)

// embedRequest is the body for the /api/embed endpoint.
type embedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// embedResponse is the /api/embed response. The embeddings field is a 2D
// array; a single-input request always yields exactly one row.
type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaProvider creates an Ollama embedding provider, applying
// defaults for any zero-valued config field.
func NewOllamaProvider(config OllamaConfig) *OllamaProvider {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434"
	}
	if config.Model == "" {
		config.Model = "nomic-embed-text"
	}
	if config.Dimension == 0 {
		config.Dimension = 768
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.RequestsPerSecond == 0 {
		config.RequestsPerSecond = 10
	}

	return &OllamaProvider{
		baseURL:   config.BaseURL,
		model:     config.Model,
		dimension: config.Dimension,
		client:    &http.Client{Timeout: config.Timeout},
		breaker:   NewCircuitBreaker(config.Breaker),
		limiter:   rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1),
	}
}

// Embed generates an embedding for the given text.
func (p *OllamaProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("embedding: text is required")
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	result, err := p.breaker.Execute(ctx, func() (interface{}, error) {
		return p.embed(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	return result.([]float32), nil
}

func (p *OllamaProvider) embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: p.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("embedding: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embedding: ollama request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding: ollama returned status %d: %s", resp.StatusCode, msg)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("embedding: decode response: %w", err)
	}
	if len(parsed.Embeddings) == 0 || len(parsed.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("embedding: ollama returned no embedding")
	}
	vec := parsed.Embeddings[0]
	if len(vec) != p.dimension {
		return nil, fmt.Errorf("embedding: model returned dimension %d, want %d", len(vec), p.dimension)
	}
	return vec, nil
}

// Dimension reports the configured vector length.
func (p *OllamaProvider) Dimension() int { return p.dimension }

// IsAvailable probes the Ollama daemon's tag listing endpoint.
func (p *OllamaProvider) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// BreakerState exposes the circuit state for health reporting.
func (p *OllamaProvider) BreakerState() string { return p.breaker.State() }
