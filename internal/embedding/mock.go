package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// MockProvider is a deterministic in-process embedding provider for tests
// and offline development. The same text always maps to the same unit
// vector, and distinct texts almost always map to distinct vectors, so
// similarity comparisons behave sensibly without a model.
type MockProvider struct {
	dimension int
	available bool

	mu     sync.Mutex
	preset map[string][]float32
	calls  int
}

var _ Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock provider producing vectors of the given
// dimension.
func NewMockProvider(dimension int) *MockProvider {
	if dimension <= 0 {
		dimension = 8
	}
	return &MockProvider{
		dimension: dimension,
		available: true,
		preset:    make(map[string][]float32),
	}
}

// SetPreset pins an exact vector for a text, overriding the derived one.
// Useful for constructing fixtures with known pairwise similarities.
func (m *MockProvider) SetPreset(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.preset[text] = vec
}

// SetAvailable toggles the reported availability.
func (m *MockProvider) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

// Calls reports how many Embed calls have been made.
func (m *MockProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Embed derives a deterministic unit vector from the text.
func (m *MockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls++
	if v, ok := m.preset[text]; ok {
		out := make([]float32, len(v))
		copy(out, v)
		m.mu.Unlock()
		return out, nil
	}
	if !m.available {
		m.mu.Unlock()
		return nil, ErrCircuitOpen
	}
	m.mu.Unlock()

	vec := make([]float32, m.dimension)
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	var norm float64
	for i := range vec {
		// Simple splitmix-style scramble per component.
		seed += 0x9e3779b97f4a7c15
		z := seed
		z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
		z = (z ^ (z >> 27)) * 0x94d049bb133111eb
		z ^= z >> 31
		v := float64(int64(z))/float64(math.MaxInt64)*2 - 1
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

// Dimension reports the configured vector length.
func (m *MockProvider) Dimension() int { return m.dimension }

// IsAvailable reports the toggled availability.
func (m *MockProvider) IsAvailable(ctx context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}
