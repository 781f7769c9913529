package storage

import (
	"errors"
	"math"
	"sort"

	"github.com/nelsen3000/nova-memory/pkg/types"
)

var (
	// ErrNotFound indicates that the requested fragment does not exist.
	ErrNotFound = errors.New("fragment not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable indicates that the backend failed its liveness probe
	// or a connection-level error occurred.
	ErrUnavailable = errors.New("storage backend unavailable")
)

// Stats reports backend health numbers for the administrative surface.
type Stats struct {
	// Backend names the active implementation ("sqlite", "postgres", "memory").
	Backend string

	// FragmentCount is the total number of stored fragments, archived included.
	FragmentCount int

	// EmbeddedCount is the number of fragments with a stored embedding.
	EmbeddedCount int

	// ArchivedCount is the number of soft-deleted fragments.
	ArchivedCount int

	// StorageBytes is the approximate on-disk or in-memory footprint.
	// Zero when the backend cannot measure it.
	StorageBytes int64
}

// CosineSimilarity computes cosine similarity between two equal-length
// vectors in double precision, regardless of stored embedding precision,
// to bound floating-point drift across platforms. Returns 0 when either
// vector has zero magnitude or lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// TopKByVector is the shared brute-force ranking helper: it scores every
// embedded fragment matching the filter against the query vector and
// returns the topK matches, descending, ties broken by id. Backends
// without native ANN support build their SearchByVector on it.
func TopKByVector(frs []*types.Fragment, embedding []float32, topK int, f *types.Filter) []VectorMatch {
	if topK <= 0 || len(embedding) == 0 {
		return nil
	}
	matches := make([]VectorMatch, 0, len(frs))
	for _, fr := range frs {
		if fr.Embedding == nil || !f.Matches(fr) {
			continue
		}
		matches = append(matches, VectorMatch{
			Fragment:   fr,
			Similarity: CosineSimilarity(embedding, fr.Embedding),
		})
	}
	SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}

// SortMatches orders matches by similarity descending, ties broken by
// fragment id ascending.
func SortMatches(matches []VectorMatch) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Fragment.ID < matches[j].Fragment.ID
	})
}
