// Package embedding defines the boundary to the embedding provider: a
// black-box function from text to a fixed-length vector, or failure.
//
// The engine never blocks a store on embedding failure; a fragment that
// cannot be embedded persists unembedded and is retried by the next
// consolidation pass. The Ollama implementation wraps every call in a
// circuit breaker and a rate limiter so a struggling local model cannot
// cascade into the write path.
package embedding

import (
	"context"
	"errors"
)

// ErrCircuitOpen is returned when the circuit breaker rejects a call to
// prevent cascading failures.
var ErrCircuitOpen = errors.New("embedding circuit breaker is open")

// Provider generates vector embeddings for fragment content.
type Provider interface {
	// Embed returns the embedding for the given text. The vector length
	// equals Dimension for every successful call within one deployment.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension reports the fixed vector length this provider produces.
	Dimension() int

	// IsAvailable probes provider liveness for health checks.
	IsAvailable(ctx context.Context) bool
}
