package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nelsen3000/nova-memory/internal/config"
	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/internal/storage/memstore"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// flakyAdapter wraps a memstore and can be switched offline to simulate
// a backend outage.
type flakyAdapter struct {
	*memstore.Store

	mu   sync.Mutex
	down bool
}

func newFlakyAdapter() *flakyAdapter {
	return &flakyAdapter{Store: memstore.New()}
}

func (f *flakyAdapter) setDown(down bool) {
	f.mu.Lock()
	f.down = down
	f.mu.Unlock()
}

func (f *flakyAdapter) isDown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

var errOffline = errors.New("backend offline")

func (f *flakyAdapter) Write(ctx context.Context, fr *types.Fragment) error {
	if f.isDown() {
		return errOffline
	}
	return f.Store.Write(ctx, fr)
}

func (f *flakyAdapter) Read(ctx context.Context, id string) (*types.Fragment, error) {
	if f.isDown() {
		return nil, errOffline
	}
	return f.Store.Read(ctx, id)
}

func (f *flakyAdapter) IsAvailable(ctx context.Context) bool {
	return !f.isDown()
}

func testFallbackConfig() config.FallbackConfig {
	return config.FallbackConfig{
		MaxRetries:  3,
		BaseBackoff: 0,
		QueueLimit:  100,
	}
}

func TestFallbackPassThroughWhenHealthy(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyAdapter()
	fb, err := NewFallbackAdapter(primary, testFallbackConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fb.Close() }()

	fr := testFragment("f1", "p1:a1", unitVec2(0), 0.5)
	if err := fb.Write(ctx, fr); err != nil {
		t.Fatal(err)
	}
	if fb.Degraded() {
		t.Error("healthy write should not enter degraded mode")
	}
	if fb.QueuedWrites() != 0 {
		t.Errorf("queue should be empty, has %d", fb.QueuedWrites())
	}

	got, err := fb.Read(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "f1" {
		t.Errorf("read wrong fragment %s", got.ID)
	}
}

func TestFallbackQueuesWritesWhileDown(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyAdapter()
	fb, err := NewFallbackAdapter(primary, testFallbackConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fb.Close() }()

	primary.setDown(true)

	a := testFragment("qa", "p1:a1", unitVec2(0), 0.5)
	b := testFragment("qb", "p1:a1", unitVec2(1), 0.5)
	if err := fb.Write(ctx, a); err != nil {
		t.Fatalf("degraded write should be accepted: %v", err)
	}
	if err := fb.Write(ctx, b); err != nil {
		t.Fatalf("degraded write should be accepted: %v", err)
	}

	if !fb.Degraded() {
		t.Error("adapter should be degraded")
	}
	if fb.QueuedWrites() != 2 {
		t.Errorf("expected 2 queued writes, got %d", fb.QueuedWrites())
	}

	// Reads observe queued writes via the mirror.
	got, err := fb.Read(ctx, "qa")
	if err != nil {
		t.Fatalf("degraded read should hit the mirror: %v", err)
	}
	if got.ID != "qa" {
		t.Errorf("read wrong fragment %s", got.ID)
	}

	// The primary has seen nothing yet.
	if _, err := primary.Store.Read(ctx, "qa"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("primary should not have the queued write yet")
	}
}

func TestFallbackFlushPreservesOrder(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyAdapter()
	fb, err := NewFallbackAdapter(primary, testFallbackConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fb.Close() }()

	primary.setDown(true)

	// Two writes to the same id; the second must win after the flush.
	v1 := testFragment("same", "p1:a1", unitVec2(0), 0.1)
	v2 := testFragment("same", "p1:a1", unitVec2(0), 0.9)
	if err := fb.Write(ctx, v1); err != nil {
		t.Fatal(err)
	}
	if err := fb.Write(ctx, v2); err != nil {
		t.Fatal(err)
	}

	primary.setDown(false)
	if !fb.IsAvailable(ctx) {
		t.Fatal("primary should be available again")
	}
	if fb.Degraded() {
		t.Error("recovery should leave degraded mode")
	}
	if fb.QueuedWrites() != 0 {
		t.Errorf("queue should be drained, has %d", fb.QueuedWrites())
	}

	got, err := primary.Store.Read(ctx, "same")
	if err != nil {
		t.Fatal(err)
	}
	if got.RelevanceScore != 0.9 {
		t.Errorf("last write should win, relevance = %g", got.RelevanceScore)
	}
}

func TestFallbackQueueLimit(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyAdapter()
	cfg := testFallbackConfig()
	cfg.QueueLimit = 2
	fb, err := NewFallbackAdapter(primary, cfg, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fb.Close() }()

	primary.setDown(true)
	for i := 0; i < 2; i++ {
		fr := testFragment(string(rune('a'+i)), "p1:a1", unitVec2(0), 0.5)
		if err := fb.Write(ctx, fr); err != nil {
			t.Fatal(err)
		}
	}
	overflow := testFragment("overflow", "p1:a1", unitVec2(0), 0.5)
	if err := fb.Write(ctx, overflow); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable on full queue, got %v", err)
	}
}

func TestFallbackDeleteRefusedWhileDegraded(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyAdapter()
	fb, err := NewFallbackAdapter(primary, testFallbackConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fb.Close() }()

	primary.setDown(true)
	fb.IsAvailable(ctx) // trips into degraded mode

	if _, err := fb.Delete(ctx, "anything"); !errors.Is(err, storage.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable for degraded delete, got %v", err)
	}
}

func TestFallbackMirrorServesVectorSearch(t *testing.T) {
	ctx := context.Background()
	primary := newFlakyAdapter()
	fb, err := NewFallbackAdapter(primary, testFallbackConfig(), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fb.Close() }()

	// Written while healthy, mirrored automatically.
	fr := testFragment("vec", "p1:a1", unitVec2(0.1), 0.5)
	if err := fb.Write(ctx, fr); err != nil {
		t.Fatal(err)
	}

	primary.setDown(true)
	fb.IsAvailable(ctx)

	matches, err := fb.SearchByVector(ctx, unitVec2(0), 5, &types.Filter{Namespace: "p1:a1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Fragment.ID != "vec" {
		t.Fatalf("degraded vector search should hit the mirror, got %d matches", len(matches))
	}
}
