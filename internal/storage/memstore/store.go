// Package memstore provides an in-memory implementation of the storage
// adapter. The engine uses it as the degraded-mode fallback cache when
// the durable backend fails its liveness probe; it is also the backend
// the test suites run against.
//
// Fragments live in a plain map; the vector path is backed by chromem-go,
// a pure Go embedded vector database, with one collection per namespace
// so namespace-scoped searches never touch sibling data.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// Ensure *Store implements storage.Adapter at compile time.
var _ storage.Adapter = (*Store)(nil)

// Store implements storage.Adapter entirely in memory.
type Store struct {
	mu          sync.RWMutex
	fragments   map[string]*types.Fragment
	db          *chromem.DB
	collections map[string]*chromem.Collection
	dimension   int // fixed by the first indexed embedding
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		fragments:   make(map[string]*types.Fragment),
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

func validateFragment(fr *types.Fragment) error {
	if fr == nil {
		return storage.ErrInvalidInput
	}
	if fr.ID == "" {
		return fmt.Errorf("%w: fragment id is required", storage.ErrInvalidInput)
	}
	if fr.Content == "" {
		return fmt.Errorf("%w: fragment content is required", storage.ErrInvalidInput)
	}
	if fr.Namespace == "" {
		return fmt.Errorf("%w: fragment namespace is required", storage.ErrInvalidInput)
	}
	return nil
}

// Write upserts a fragment.
func (s *Store) Write(ctx context.Context, fr *types.Fragment) error {
	return s.BulkWrite(ctx, []*types.Fragment{fr})
}

// BulkWrite upserts a set of fragments. The whole batch is validated
// before any state changes, so a rejected batch leaves the store intact.
func (s *Store) BulkWrite(ctx context.Context, frs []*types.Fragment) error {
	for _, fr := range frs {
		if err := validateFragment(fr); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, fr := range frs {
		cp := fr.Clone()
		s.fragments[cp.ID] = cp
		if err := s.indexLocked(ctx, cp); err != nil {
			return err
		}
	}
	return nil
}

// indexLocked keeps the chromem collection in sync with a written
// fragment. Unembedded and wrong-dimension vectors are left out of the
// vector path; the fragment itself stays stored and queryable.
func (s *Store) indexLocked(ctx context.Context, fr *types.Fragment) error {
	col := s.collections[fr.Namespace]

	if fr.Embedding == nil || (s.dimension > 0 && len(fr.Embedding) != s.dimension) {
		if col != nil {
			_ = col.Delete(ctx, nil, nil, fr.ID)
		}
		return nil
	}
	if s.dimension == 0 {
		s.dimension = len(fr.Embedding)
	}

	if col == nil {
		var err error
		col, err = s.db.CreateCollection("ns_"+fr.Namespace, nil, nil)
		if err != nil {
			return fmt.Errorf("memstore: create collection %s: %w", fr.Namespace, err)
		}
		s.collections[fr.Namespace] = col
	}

	doc := chromem.Document{
		ID:        fr.ID,
		Content:   fr.Content,
		Embedding: fr.Embedding,
		Metadata:  map[string]string{"namespace": fr.Namespace},
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("memstore: index fragment %s: %w", fr.ID, err)
	}
	return nil
}

// Read retrieves a fragment by id, archived included.
func (s *Store) Read(ctx context.Context, id string) (*types.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fr, ok := s.fragments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return fr.Clone(), nil
}

// BulkRead retrieves fragments for the given ids, preserving input order
// and silently omitting missing ids.
func (s *Store) BulkRead(ctx context.Context, ids []string) ([]*types.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Fragment, 0, len(ids))
	for _, id := range ids {
		if fr, ok := s.fragments[id]; ok {
			out = append(out, fr.Clone())
		}
	}
	return out, nil
}

// Delete permanently removes a fragment and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fr, ok := s.fragments[id]
	if !ok {
		return false, nil
	}
	delete(s.fragments, id)
	if col := s.collections[fr.Namespace]; col != nil {
		_ = col.Delete(ctx, nil, nil, id)
	}
	return true, nil
}

// Query returns all fragments matching the filter in id order.
func (s *Store) Query(ctx context.Context, f *types.Filter) ([]*types.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*types.Fragment
	for _, fr := range s.fragments {
		if f.Matches(fr) {
			out = append(out, fr.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Count returns the number of fragments matching the filter.
func (s *Store) Count(ctx context.Context, f *types.Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, fr := range s.fragments {
		if f.Matches(fr) {
			n++
		}
	}
	return n, nil
}

// SearchByVector returns the topK most similar fragments matching the
// filter. Namespace-scoped searches query a single chromem collection;
// unscoped searches fan out across all collections and merge.
func (s *Store) SearchByVector(ctx context.Context, embedding []float32, topK int, f *types.Filter) ([]storage.VectorMatch, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var cols []*chromem.Collection
	if f != nil && f.Namespace != "" {
		col := s.collections[f.Namespace]
		if col == nil {
			return nil, nil
		}
		cols = append(cols, col)
	} else {
		for _, col := range s.collections {
			cols = append(cols, col)
		}
	}

	var matches []storage.VectorMatch
	for _, col := range cols {
		n := col.Count()
		if n == 0 {
			continue
		}
		// Fetch the whole collection and trim to topK only after the
		// filter runs. Asking chromem for topK up front would let
		// filter-excluded fragments crowd out matching ones when they
		// rank higher; the scan is exhaustive either way.
		results, err := col.QueryEmbedding(ctx, embedding, n, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("memstore: vector query: %w", err)
		}
		for _, res := range results {
			fr, ok := s.fragments[res.ID]
			if !ok || !f.Matches(fr) {
				continue
			}
			matches = append(matches, storage.VectorMatch{
				Fragment: fr.Clone(),
				// Recompute in double precision so the similarity values
				// agree with the SQL backends bit-for-bit at 1e-6.
				Similarity: storage.CosineSimilarity(embedding, fr.Embedding),
			})
		}
	}

	storage.SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// ExportAll returns a full dump ordered by id.
func (s *Store) ExportAll(ctx context.Context) ([]*types.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Fragment, 0, len(s.fragments))
	for _, fr := range s.fragments {
		out = append(out, fr.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ImportAll restores a full dump. Existing ids are overwritten.
func (s *Store) ImportAll(ctx context.Context, frs []*types.Fragment) error {
	return s.BulkWrite(ctx, frs)
}

// IsAvailable always reports true; memory never goes away while the
// process lives.
func (s *Store) IsAvailable(ctx context.Context) bool { return true }

// NativeANN reports false; chromem's scan is exhaustive, not approximate.
func (s *Store) NativeANN() bool { return false }

// Stats returns fragment counts. StorageBytes stays zero: the Go heap is
// not meaningfully measurable per store.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := &storage.Stats{Backend: "memory", FragmentCount: len(s.fragments)}
	for _, fr := range s.fragments {
		if fr.Embedding != nil {
			st.EmbeddedCount++
		}
		if fr.IsArchived {
			st.ArchivedCount++
		}
	}
	return st, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

// Reset drops all state. Used when the engine re-seeds the fallback cache
// after the durable backend recovers.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fragments = make(map[string]*types.Fragment)
	s.db = chromem.NewDB()
	s.collections = make(map[string]*chromem.Collection)
	s.dimension = 0
}
