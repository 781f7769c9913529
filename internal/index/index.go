// Package index maintains the searchable embedding space.
//
// The index answers "top-K most similar fragments to vector V, optionally
// filtered" using the fastest available method: when the active backend
// exposes native approximate nearest-neighbor search and the corpus is
// large enough for the approximation to pay off, it delegates; otherwise
// it runs an exhaustive cosine scan over an in-memory vector snapshot.
package index

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// DefaultBruteForceThreshold is the corpus size at which the index stops
// scanning linearly and starts delegating to a native ANN backend.
const DefaultBruteForceThreshold = 100_000

// bulkFetchSize bounds how many fragments the brute-force path hydrates
// per storage round trip while walking candidates in rank order.
const bulkFetchSize = 256

// Index keeps an id -> embedding snapshot consistent with storage writes
// and serves similarity search over it.
type Index struct {
	adapter             storage.Adapter
	bruteForceThreshold int

	mu        sync.RWMutex
	vectors   map[string][]float32
	invalid   map[string]struct{}
	dimension int
}

// New creates an index over the given adapter. threshold <= 0 selects
// DefaultBruteForceThreshold. The index starts empty; call Rebuild to
// load existing embeddings from storage.
func New(adapter storage.Adapter, threshold int) *Index {
	if threshold <= 0 {
		threshold = DefaultBruteForceThreshold
	}
	return &Index{
		adapter:             adapter,
		bruteForceThreshold: threshold,
		vectors:             make(map[string][]float32),
		invalid:             make(map[string]struct{}),
	}
}

// Add indexes an embedding for a fragment id. A vector whose dimension
// disagrees with the deployment's (fixed by the first vector seen) is
// recorded as invalid and excluded from search until re-embedded.
func (i *Index) Add(id string, embedding []float32) {
	if id == "" || len(embedding) == 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if i.dimension == 0 {
		i.dimension = len(embedding)
	}
	if len(embedding) != i.dimension {
		i.invalid[id] = struct{}{}
		delete(i.vectors, id)
		return
	}

	delete(i.invalid, id)
	vec := make([]float32, len(embedding))
	copy(vec, embedding)
	i.vectors[id] = vec
}

// Remove drops a fragment id from the index.
func (i *Index) Remove(id string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.vectors, id)
	delete(i.invalid, id)
}

// Size reports the number of indexed vectors. It feeds the brute-force
// versus ANN strategy decision and health checks.
func (i *Index) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.vectors)
}

// Invalid returns the ids whose stored embeddings failed dimension
// validation, sorted. Consolidation re-embeds them.
func (i *Index) Invalid() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]string, 0, len(i.invalid))
	for id := range i.invalid {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Search returns the topK most similar fragments matching the filter,
// descending, ties broken by id.
func (i *Index) Search(ctx context.Context, embedding []float32, topK int, f *types.Filter) ([]storage.VectorMatch, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}

	if i.adapter.NativeANN() && i.Size() >= i.bruteForceThreshold {
		return i.adapter.SearchByVector(ctx, embedding, topK, f)
	}
	return i.scan(ctx, embedding, topK, f)
}

// scan is the exhaustive fallback: score every indexed vector, then walk
// the ranking and hydrate fragments from storage until topK survivors of
// the filter are collected.
func (i *Index) scan(ctx context.Context, embedding []float32, topK int, f *types.Filter) ([]storage.VectorMatch, error) {
	type scored struct {
		id  string
		sim float64
	}

	i.mu.RLock()
	candidates := make([]scored, 0, len(i.vectors))
	for id, vec := range i.vectors {
		if len(vec) != len(embedding) {
			continue
		}
		candidates = append(candidates, scored{id, storage.CosineSimilarity(embedding, vec)})
	}
	i.mu.RUnlock()

	sort.Slice(candidates, func(a, b int) bool {
		if candidates[a].sim != candidates[b].sim {
			return candidates[a].sim > candidates[b].sim
		}
		return candidates[a].id < candidates[b].id
	})

	matches := make([]storage.VectorMatch, 0, topK)
	for start := 0; start < len(candidates) && len(matches) < topK; start += bulkFetchSize {
		end := start + bulkFetchSize
		if end > len(candidates) {
			end = len(candidates)
		}

		ids := make([]string, 0, end-start)
		simByID := make(map[string]float64, end-start)
		for _, c := range candidates[start:end] {
			ids = append(ids, c.id)
			simByID[c.id] = c.sim
		}

		frs, err := i.adapter.BulkRead(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("index: hydrate candidates: %w", err)
		}
		byID := make(map[string]*types.Fragment, len(frs))
		for _, fr := range frs {
			byID[fr.ID] = fr
		}

		// Walk in rank order, not storage-return order.
		for _, c := range candidates[start:end] {
			fr, ok := byID[c.id]
			if !ok || !f.Matches(fr) {
				continue
			}
			matches = append(matches, storage.VectorMatch{Fragment: fr, Similarity: simByID[c.id]})
			if len(matches) == topK {
				break
			}
		}
	}
	return matches, nil
}

// Rebuild reconstructs the index from storage. The fresh snapshot is
// built without holding the lock, so reads continue against the stale
// vectors until the final swap; only the swap itself synchronizes.
func (i *Index) Rebuild(ctx context.Context) error {
	frs, err := i.adapter.Query(ctx, &types.Filter{IncludeArchived: true})
	if err != nil {
		return fmt.Errorf("index: rebuild query: %w", err)
	}

	vectors := make(map[string][]float32, len(frs))
	invalid := make(map[string]struct{})
	dimension := 0
	for _, fr := range frs {
		if fr.Embedding == nil {
			continue
		}
		if dimension == 0 {
			dimension = len(fr.Embedding)
		}
		if len(fr.Embedding) != dimension {
			invalid[fr.ID] = struct{}{}
			continue
		}
		vectors[fr.ID] = fr.Embedding
	}

	i.mu.Lock()
	i.vectors = vectors
	i.invalid = invalid
	i.dimension = dimension
	i.mu.Unlock()
	return nil
}
