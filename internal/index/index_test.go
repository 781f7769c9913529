package index

import (
	"context"
	"testing"
	"time"

	"github.com/nelsen3000/nova-memory/internal/storage/memstore"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

func writeFragment(t *testing.T, store *memstore.Store, id, namespace string, embedding []float32) *types.Fragment {
	t.Helper()
	now := time.Now().UTC()
	fr := &types.Fragment{
		ID:        id,
		Namespace: namespace,
		Kind:      types.KindSemantic,
		Content:   "content " + id,
		Embedding: embedding,
		Provenance: types.Provenance{
			AgentID:    "a1",
			ProjectID:  "p1",
			SourceType: types.SourceManual,
		},
		RelevanceScore: 0.5,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := store.Write(context.Background(), fr); err != nil {
		t.Fatal(err)
	}
	return fr
}

func TestAddAndSize(t *testing.T) {
	store := memstore.New()
	idx := New(store, 100)

	idx.Add("a", []float32{1, 0})
	idx.Add("b", []float32{0, 1})
	if idx.Size() != 2 {
		t.Errorf("size = %d, want 2", idx.Size())
	}

	// Overwriting the same id does not grow the index.
	idx.Add("a", []float32{0.5, 0.5})
	if idx.Size() != 2 {
		t.Errorf("size after overwrite = %d, want 2", idx.Size())
	}

	idx.Remove("a")
	if idx.Size() != 1 {
		t.Errorf("size after remove = %d, want 1", idx.Size())
	}
}

func TestWrongDimensionFlagged(t *testing.T) {
	store := memstore.New()
	idx := New(store, 100)

	idx.Add("good", []float32{1, 0})
	idx.Add("bad", []float32{1, 0, 0}) // wrong width once the first set it

	if idx.Size() != 1 {
		t.Errorf("size = %d, wrong-dimension vector should not index", idx.Size())
	}
	invalid := idx.Invalid()
	if len(invalid) != 1 || invalid[0] != "bad" {
		t.Errorf("Invalid() = %v, want [bad]", invalid)
	}

	// Re-adding with the right width clears the flag.
	idx.Add("bad", []float32{0, 1})
	if len(idx.Invalid()) != 0 {
		t.Errorf("Invalid() should be empty after fix, got %v", idx.Invalid())
	}
	if idx.Size() != 2 {
		t.Errorf("size = %d, want 2", idx.Size())
	}
}

func TestSearchScanRanksAndFilters(t *testing.T) {
	store := memstore.New()
	idx := New(store, 100)
	ctx := context.Background()

	writeFragment(t, store, "near", "p1:a1", []float32{1, 0})
	writeFragment(t, store, "mid", "p1:a1", []float32{0.7, 0.7})
	writeFragment(t, store, "other", "p2:a1", []float32{1, 0})
	for _, id := range []string{"near", "mid", "other"} {
		fr, _ := store.Read(ctx, id)
		idx.Add(fr.ID, fr.Embedding)
	}

	matches, err := idx.Search(ctx, []float32{1, 0}, 10, &types.Filter{Namespace: "p1:a1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	if matches[0].Fragment.ID != "near" || matches[1].Fragment.ID != "mid" {
		t.Errorf("wrong order: %s, %s", matches[0].Fragment.ID, matches[1].Fragment.ID)
	}
	if matches[0].Similarity < matches[1].Similarity {
		t.Error("similarities should be descending")
	}
}

func TestSearchSkipsStaleIndexEntries(t *testing.T) {
	store := memstore.New()
	idx := New(store, 100)
	ctx := context.Background()

	fr := writeFragment(t, store, "ghost", "p1:a1", []float32{1, 0})
	idx.Add(fr.ID, fr.Embedding)

	// Fragment deleted from storage but not yet from the index; search
	// must not return a phantom.
	if _, err := store.Delete(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}

	matches, err := idx.Search(ctx, []float32{1, 0}, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("stale index entry returned %d phantom matches", len(matches))
	}
}

func TestRebuildFromStorage(t *testing.T) {
	store := memstore.New()
	idx := New(store, 100)
	ctx := context.Background()

	writeFragment(t, store, "a", "p1:a1", []float32{1, 0})
	writeFragment(t, store, "b", "p1:a1", []float32{0, 1})
	writeFragment(t, store, "bare", "p1:a1", nil)

	if err := idx.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	if idx.Size() != 2 {
		t.Errorf("rebuilt size = %d, want 2 embedded fragments", idx.Size())
	}

	matches, err := idx.Search(ctx, []float32{1, 0}, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches after rebuild, got %d", len(matches))
	}
	if matches[0].Fragment.ID != "a" {
		t.Errorf("best match = %s, want a", matches[0].Fragment.ID)
	}
}

func TestRebuildIncludesArchivedEmbeddings(t *testing.T) {
	store := memstore.New()
	idx := New(store, 100)
	ctx := context.Background()

	fr := writeFragment(t, store, "dead", "p1:a1", []float32{1, 0})
	fr.IsArchived = true
	if err := store.Write(ctx, fr); err != nil {
		t.Fatal(err)
	}

	if err := idx.Rebuild(ctx); err != nil {
		t.Fatal(err)
	}
	// Archived fragments stay indexed (cheap to keep, excluded by the
	// filter at query time) but never surface in a default search.
	matches, err := idx.Search(ctx, []float32{1, 0}, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 0 {
		t.Errorf("archived fragment surfaced in default search: %d", len(matches))
	}

	matches, err = idx.Search(ctx, []float32{1, 0}, 10, &types.Filter{IncludeArchived: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 {
		t.Errorf("archived fragment should match with IncludeArchived, got %d", len(matches))
	}
}
