package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/nelsen3000/nova-memory/internal/config"
	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/internal/storage/memstore"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// queuedWrite is one deferred upsert waiting for the primary backend to
// recover. Queue order is arrival order and flushing preserves it, so a
// later overwrite of the same fragment still lands last.
type queuedWrite struct {
	fragment    *types.Fragment
	attempts    int
	nextAttempt time.Time
}

// FallbackAdapter wraps a primary backend with degraded-mode behavior.
// While the primary is healthy every operation passes through, successful
// writes are mirrored into an in-memory store, and hot reads are served
// from a ristretto cache. When the primary goes down, reads fall back to
// the mirror and writes are accepted into a bounded retry queue that is
// flushed in order once the primary recovers.
type FallbackAdapter struct {
	primary storage.Adapter
	mirror  *memstore.Store
	reads   *ristretto.Cache
	cfg     config.FallbackConfig
	logger  *log.Logger

	mu       sync.Mutex
	queue    []*queuedWrite
	degraded bool

	// flushMu serializes Flush calls so only one goroutine walks the
	// queue head at a time.
	flushMu sync.Mutex
}

var _ storage.Adapter = (*FallbackAdapter)(nil)

// NewFallbackAdapter wraps primary with degraded-mode support.
func NewFallbackAdapter(primary storage.Adapter, cfg config.FallbackConfig, logger *log.Logger) (*FallbackAdapter, error) {
	if logger == nil {
		logger = log.Default()
	}
	reads, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     64 << 20,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("fallback: read cache: %w", err)
	}
	return &FallbackAdapter{
		primary: primary,
		mirror:  memstore.New(),
		reads:   reads,
		cfg:     cfg,
		logger:  logger,
	}, nil
}

// Degraded reports whether the adapter is currently running against the
// in-memory mirror instead of the primary backend.
func (a *FallbackAdapter) Degraded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.degraded
}

// QueuedWrites reports how many writes are waiting to be flushed.
func (a *FallbackAdapter) QueuedWrites() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.queue)
}

func (a *FallbackAdapter) setDegraded(v bool) (changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	changed = a.degraded != v
	a.degraded = v
	return changed
}

// Write upserts through to the primary, mirroring on success. While the
// primary is unavailable the write is accepted into the retry queue and
// applied to the mirror so subsequent reads observe it.
func (a *FallbackAdapter) Write(ctx context.Context, fr *types.Fragment) error {
	if a.Degraded() {
		return a.enqueue(ctx, fr)
	}
	if err := a.primary.Write(ctx, fr); err != nil {
		if !a.primary.IsAvailable(ctx) {
			if a.setDegraded(true) {
				a.logger.Printf("backend unavailable, entering degraded mode: %v", err)
			}
			return a.enqueue(ctx, fr)
		}
		return err
	}
	a.mirrorWrite(ctx, fr)
	return nil
}

func (a *FallbackAdapter) enqueue(ctx context.Context, fr *types.Fragment) error {
	a.mu.Lock()
	if len(a.queue) >= a.cfg.QueueLimit {
		a.mu.Unlock()
		return fmt.Errorf("%w: degraded write queue full (%d)", storage.ErrUnavailable, a.cfg.QueueLimit)
	}
	a.queue = append(a.queue, &queuedWrite{fragment: fr.Clone()})
	a.mu.Unlock()

	a.mirrorWrite(ctx, fr)
	return nil
}

func (a *FallbackAdapter) mirrorWrite(ctx context.Context, fr *types.Fragment) {
	if err := a.mirror.Write(ctx, fr); err != nil {
		a.logger.Printf("fallback: mirror write %s failed: %v", fr.ID, err)
	}
	a.reads.Set(fr.ID, fr.Clone(), int64(len(fr.Content))+64)
}

// Flush attempts to replay queued writes onto the primary, strictly in
// arrival order so overwrites stay ordered. Each item backs off
// exponentially between attempts and is dropped, with a log line, after
// the configured retry limit. Returns the number of writes flushed.
func (a *FallbackAdapter) Flush(ctx context.Context) int {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	now := time.Now()
	flushed := 0

	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.mu.Unlock()
			break
		}
		head := a.queue[0]
		a.mu.Unlock()

		if now.Before(head.nextAttempt) {
			break
		}

		if err := a.primary.Write(ctx, head.fragment); err != nil {
			head.attempts++
			if head.attempts >= a.cfg.MaxRetries {
				a.logger.Printf("fallback: dropping write %s after %d attempts: %v",
					head.fragment.ID, head.attempts, err)
				a.popHead()
				continue
			}
			head.nextAttempt = now.Add(a.cfg.BaseBackoff << uint(head.attempts-1))
			break
		}

		a.popHead()
		flushed++
	}

	a.mu.Lock()
	empty := len(a.queue) == 0
	a.mu.Unlock()
	if empty && flushed > 0 {
		a.logger.Printf("fallback: flushed %d queued writes", flushed)
	}
	return flushed
}

func (a *FallbackAdapter) popHead() {
	a.mu.Lock()
	if len(a.queue) > 0 {
		a.queue = a.queue[1:]
	}
	a.mu.Unlock()
}

// Read serves from the hot cache first, then the primary, then the
// mirror when degraded.
func (a *FallbackAdapter) Read(ctx context.Context, id string) (*types.Fragment, error) {
	if v, ok := a.reads.Get(id); ok {
		if fr, ok := v.(*types.Fragment); ok {
			return fr.Clone(), nil
		}
	}
	if a.Degraded() {
		return a.mirror.Read(ctx, id)
	}
	fr, err := a.primary.Read(ctx, id)
	if err != nil {
		if !a.primary.IsAvailable(ctx) {
			a.setDegraded(true)
			return a.mirror.Read(ctx, id)
		}
		return nil, err
	}
	a.reads.Set(id, fr.Clone(), int64(len(fr.Content))+64)
	return fr, nil
}

// BulkWrite passes through to the primary, enqueueing each fragment
// individually while degraded. Queued bulk writes lose atomicity; that
// is the documented cost of degraded mode.
func (a *FallbackAdapter) BulkWrite(ctx context.Context, frs []*types.Fragment) error {
	if a.Degraded() {
		for _, fr := range frs {
			if err := a.enqueue(ctx, fr); err != nil {
				return err
			}
		}
		return nil
	}
	if err := a.primary.BulkWrite(ctx, frs); err != nil {
		if !a.primary.IsAvailable(ctx) {
			a.setDegraded(true)
			for _, fr := range frs {
				if qerr := a.enqueue(ctx, fr); qerr != nil {
					return qerr
				}
			}
			return nil
		}
		return err
	}
	for _, fr := range frs {
		a.mirrorWrite(ctx, fr)
	}
	return nil
}

func (a *FallbackAdapter) BulkRead(ctx context.Context, ids []string) ([]*types.Fragment, error) {
	if a.Degraded() {
		return a.mirror.BulkRead(ctx, ids)
	}
	frs, err := a.primary.BulkRead(ctx, ids)
	if err != nil && !a.primary.IsAvailable(ctx) {
		a.setDegraded(true)
		return a.mirror.BulkRead(ctx, ids)
	}
	return frs, err
}

// Delete is not queueable; while degraded it fails with ErrUnavailable
// rather than silently diverging from the primary.
func (a *FallbackAdapter) Delete(ctx context.Context, id string) (bool, error) {
	if a.Degraded() {
		return false, fmt.Errorf("%w: deletes are not queued in degraded mode", storage.ErrUnavailable)
	}
	existed, err := a.primary.Delete(ctx, id)
	if err != nil {
		return false, err
	}
	a.reads.Del(id)
	_, _ = a.mirror.Delete(ctx, id)
	return existed, nil
}

func (a *FallbackAdapter) Query(ctx context.Context, f *types.Filter) ([]*types.Fragment, error) {
	if a.Degraded() {
		return a.mirror.Query(ctx, f)
	}
	frs, err := a.primary.Query(ctx, f)
	if err != nil && !a.primary.IsAvailable(ctx) {
		a.setDegraded(true)
		return a.mirror.Query(ctx, f)
	}
	return frs, err
}

func (a *FallbackAdapter) Count(ctx context.Context, f *types.Filter) (int, error) {
	if a.Degraded() {
		return a.mirror.Count(ctx, f)
	}
	n, err := a.primary.Count(ctx, f)
	if err != nil && !a.primary.IsAvailable(ctx) {
		a.setDegraded(true)
		return a.mirror.Count(ctx, f)
	}
	return n, err
}

func (a *FallbackAdapter) SearchByVector(ctx context.Context, embedding []float32, topK int, f *types.Filter) ([]storage.VectorMatch, error) {
	if a.Degraded() {
		return a.mirror.SearchByVector(ctx, embedding, topK, f)
	}
	matches, err := a.primary.SearchByVector(ctx, embedding, topK, f)
	if err != nil && !a.primary.IsAvailable(ctx) {
		a.setDegraded(true)
		return a.mirror.SearchByVector(ctx, embedding, topK, f)
	}
	return matches, err
}

// ExportAll always reflects the primary; a degraded export would be a
// silently partial snapshot.
func (a *FallbackAdapter) ExportAll(ctx context.Context) ([]*types.Fragment, error) {
	if a.Degraded() {
		return nil, fmt.Errorf("%w: export requires the primary backend", storage.ErrUnavailable)
	}
	return a.primary.ExportAll(ctx)
}

func (a *FallbackAdapter) ImportAll(ctx context.Context, frs []*types.Fragment) error {
	if a.Degraded() {
		return fmt.Errorf("%w: import requires the primary backend", storage.ErrUnavailable)
	}
	return a.primary.ImportAll(ctx, frs)
}

// IsAvailable probes the primary and, on recovery, flushes the queue and
// leaves degraded mode.
func (a *FallbackAdapter) IsAvailable(ctx context.Context) bool {
	ok := a.primary.IsAvailable(ctx)
	if ok && a.Degraded() {
		a.Flush(ctx)
		if a.QueuedWrites() == 0 {
			if a.setDegraded(false) {
				a.logger.Printf("backend recovered, leaving degraded mode")
			}
		}
	} else if !ok {
		a.setDegraded(true)
	}
	return ok
}

func (a *FallbackAdapter) Stats(ctx context.Context) (*storage.Stats, error) {
	if a.Degraded() {
		return a.mirror.Stats(ctx)
	}
	return a.primary.Stats(ctx)
}

func (a *FallbackAdapter) NativeANN() bool {
	if a.Degraded() {
		return false
	}
	return a.primary.NativeANN()
}

func (a *FallbackAdapter) Close() error {
	a.reads.Close()
	_ = a.mirror.Close()
	return a.primary.Close()
}
