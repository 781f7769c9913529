// Package storage defines the backend-agnostic persistence contract for
// memory fragments.
//
// The Adapter interface is implemented once per backend (embedded SQLite,
// networked PostgreSQL with pgvector, and the in-memory fallback store).
// Callers depend only on the interface, never on a concrete backend type;
// aside from latency and Stats output, a caller cannot tell which backend
// is active.
package storage

import (
	"context"

	"github.com/nelsen3000/nova-memory/pkg/types"
)

// Adapter provides durable CRUD, filtered queries, and vector search over
// fragments.
type Adapter interface {
	// Write upserts a fragment by id. Writing the same id twice overwrites
	// rather than duplicates.
	Write(ctx context.Context, fr *types.Fragment) error

	// Read retrieves a fragment by id, including archived fragments.
	// Returns ErrNotFound when the id does not exist.
	Read(ctx context.Context, id string) (*types.Fragment, error)

	// BulkWrite upserts a set of fragments. The batch is applied
	// atomically: either every fragment is written or none is. SQL
	// backends use a single transaction; the in-memory store validates
	// the whole batch before touching state.
	BulkWrite(ctx context.Context, frs []*types.Fragment) error

	// BulkRead retrieves fragments for the given ids. Missing ids are
	// silently omitted from the result; order follows the input ids.
	BulkRead(ctx context.Context, ids []string) ([]*types.Fragment, error)

	// Delete removes a fragment permanently and reports whether anything
	// existed to delete. Used by consolidation merge compaction and by
	// administrative cleanup; archival never calls it.
	Delete(ctx context.Context, id string) (bool, error)

	// Query returns all fragments matching the filter, in fragment-id
	// order. A nil filter returns all non-archived fragments.
	Query(ctx context.Context, f *types.Filter) ([]*types.Fragment, error)

	// Count returns the number of fragments matching the filter. It
	// agrees with len(Query(f)) at the same point in time.
	Count(ctx context.Context, f *types.Filter) (int, error)

	// SearchByVector returns the topK highest cosine-similarity fragments
	// matching the filter, descending, ties broken by id. Similarity is
	// the raw cosine value in [-1, 1], not the composite retrieval score.
	// Unembedded fragments never appear in results.
	SearchByVector(ctx context.Context, embedding []float32, topK int, f *types.Filter) ([]VectorMatch, error)

	// ExportAll returns a full lossless dump of every fragment, archived
	// included, with embeddings and scoring state, ordered by id.
	ExportAll(ctx context.Context) ([]*types.Fragment, error)

	// ImportAll restores a full dump into the backend. Existing fragments
	// with matching ids are overwritten. Used for backend migration, not
	// incremental sync.
	ImportAll(ctx context.Context, frs []*types.Fragment) error

	// IsAvailable is a liveness probe used for degraded-mode decisions.
	IsAvailable(ctx context.Context) bool

	// Stats returns fragment counts and backend-specific health numbers.
	Stats(ctx context.Context) (*Stats, error)

	// NativeANN reports whether the backend exposes approximate
	// nearest-neighbor search (pgvector). The vector index uses this to
	// choose between delegation and its own linear scan.
	NativeANN() bool

	// Close releases any resources held by the adapter.
	Close() error
}

// VectorMatch pairs a fragment with its raw cosine similarity to the
// query vector.
type VectorMatch struct {
	Fragment   *types.Fragment
	Similarity float64
}
