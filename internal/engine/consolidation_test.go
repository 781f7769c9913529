package engine

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/nelsen3000/nova-memory/internal/config"
	"github.com/nelsen3000/nova-memory/internal/embedding"
	"github.com/nelsen3000/nova-memory/internal/storage/memstore"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

func testConsolidationConfig() config.ConsolidationConfig {
	return config.ConsolidationConfig{
		DeduplicationThreshold: 0.95,
		DecayRate:              0.01,
		DeletionThreshold:      0.05,
	}
}

// unitVec2 builds a 2D unit vector at the given angle so pairwise cosine
// similarities in fixtures are exact by construction.
func unitVec2(radians float64) []float32 {
	return []float32{float32(math.Cos(radians)), float32(math.Sin(radians))}
}

func testFragment(id, namespace string, embedding []float32, relevance float64) *types.Fragment {
	now := time.Now().UTC()
	return &types.Fragment{
		ID:             id,
		Namespace:      namespace,
		Kind:           types.KindSemantic,
		Content:        "content of " + id,
		Embedding:      embedding,
		RelevanceScore: relevance,
		Provenance: types.Provenance{
			AgentID:    "a1",
			ProjectID:  "p1",
			SourceType: types.SourceManual,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestConsolidateMergesNearDuplicates(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer func() { _ = store.Close() }()

	// Two near-duplicates (cosine ~0.97) and one unrelated fragment
	// (cosine ~0.40 to the first).
	theta := math.Acos(0.97)
	phi := math.Acos(0.40)
	a := testFragment("frag-a", "p1:a1", unitVec2(0), 0.6)
	b := testFragment("frag-b", "p1:a1", unitVec2(theta), 0.9)
	c := testFragment("frag-c", "p1:a1", unitVec2(phi), 0.5)
	// Make b the most recently updated so it survives the merge.
	b.UpdatedAt = b.UpdatedAt.Add(time.Minute)

	for _, fr := range []*types.Fragment{a, b, c} {
		if err := store.Write(ctx, fr); err != nil {
			t.Fatal(err)
		}
	}

	cons := NewConsolidator(store, nil, nil, testConsolidationConfig(), 0, nil)
	report := cons.Run(ctx, "p1:a1")
	if report.Err != nil {
		t.Fatalf("consolidation failed: %v", report.Err)
	}

	if report.Merged != 1 {
		t.Errorf("expected 1 merged cluster, got %d", report.Merged)
	}
	if report.Compressed != 1 {
		t.Errorf("expected 1 compressed fragment, got %d", report.Compressed)
	}

	count, err := store.Count(ctx, &types.Filter{Namespace: "p1:a1"})
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Errorf("expected 2 fragments after merge, got %d", count)
	}

	// Survivor keeps the cluster's max relevance and records the loser
	// in its source ids.
	survivor, err := store.Read(ctx, "frag-b")
	if err != nil {
		t.Fatalf("survivor missing: %v", err)
	}
	if survivor.RelevanceScore < 0.9-1e-6 {
		t.Errorf("survivor relevance = %g, want max of cluster (0.9)", survivor.RelevanceScore)
	}
	found := false
	for _, sid := range survivor.Provenance.SourceIDs {
		if sid == "frag-a" {
			found = true
		}
	}
	if !found {
		t.Errorf("survivor source ids %v should contain frag-a", survivor.Provenance.SourceIDs)
	}

	// The unrelated fragment is untouched.
	if _, err := store.Read(ctx, "frag-c"); err != nil {
		t.Errorf("unrelated fragment should survive: %v", err)
	}
	// The loser is physically gone.
	if _, err := store.Read(ctx, "frag-a"); err == nil {
		t.Error("merged loser should be deleted")
	}
}

func TestConsolidateTransitiveClusters(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer func() { _ = store.Close() }()

	// a~b and b~c are above threshold but a~c is not; all three still
	// collapse into one cluster.
	step := math.Acos(0.96)
	a := testFragment("t-a", "p1:a1", unitVec2(0), 0.5)
	b := testFragment("t-b", "p1:a1", unitVec2(step), 0.5)
	c := testFragment("t-c", "p1:a1", unitVec2(2*step), 0.5)
	if math.Cos(2*step) >= 0.95 {
		t.Fatal("fixture broken: a~c should be below threshold")
	}

	for _, fr := range []*types.Fragment{a, b, c} {
		if err := store.Write(ctx, fr); err != nil {
			t.Fatal(err)
		}
	}

	cons := NewConsolidator(store, nil, nil, testConsolidationConfig(), 0, nil)
	report := cons.Run(ctx, "p1:a1")
	if report.Err != nil {
		t.Fatalf("consolidation failed: %v", report.Err)
	}
	if report.Merged != 1 || report.Compressed != 2 {
		t.Errorf("expected 1 cluster with 2 losers, got merged=%d compressed=%d", report.Merged, report.Compressed)
	}

	count, _ := store.Count(ctx, &types.Filter{Namespace: "p1:a1"})
	if count != 1 {
		t.Errorf("expected 1 fragment after transitive merge, got %d", count)
	}
}

func TestConsolidateDecaysAndArchives(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer func() { _ = store.Close() }()

	old := time.Now().UTC().Add(-100 * 24 * time.Hour)

	stale := testFragment("stale", "p1:a1", unitVec2(0), 0.1)
	stale.CreatedAt = old
	stale.UpdatedAt = old

	pinned := testFragment("pinned", "p1:a1", unitVec2(1.0), 0.1)
	pinned.CreatedAt = old
	pinned.UpdatedAt = old
	pinned.IsPinned = true

	fresh := testFragment("fresh", "p1:a1", unitVec2(2.0), 0.8)

	for _, fr := range []*types.Fragment{stale, pinned, fresh} {
		if err := store.Write(ctx, fr); err != nil {
			t.Fatal(err)
		}
	}

	cons := NewConsolidator(store, nil, nil, testConsolidationConfig(), 0, nil)
	report := cons.Run(ctx, "p1:a1")
	if report.Err != nil {
		t.Fatalf("consolidation failed: %v", report.Err)
	}

	// 0.1 * e^(-0.01*100) ~ 0.037, below the 0.05 deletion threshold.
	got, err := store.Read(ctx, "stale")
	if err != nil {
		t.Fatalf("archived fragment should remain readable by id: %v", err)
	}
	if !got.IsArchived {
		t.Error("stale fragment should be archived")
	}
	if got.RelevanceScore >= 0.1 {
		t.Errorf("stale relevance should have decayed below 0.1, got %g", got.RelevanceScore)
	}
	if report.Archived != 1 {
		t.Errorf("expected 1 archived, got %d", report.Archived)
	}

	// Pinned fragments skip decay, so this one holds at 0.1 and stays
	// above the deletion threshold.
	gotPinned, _ := store.Read(ctx, "pinned")
	if gotPinned.RelevanceScore != 0.1 {
		t.Errorf("pinned relevance changed: %g", gotPinned.RelevanceScore)
	}
	if gotPinned.IsArchived {
		t.Error("pinned fragment above the threshold should not archive")
	}

	gotFresh, _ := store.Read(ctx, "fresh")
	if gotFresh.IsArchived {
		t.Error("fresh fragment should not archive")
	}
}

func TestConsolidateArchivesPinnedBelowThreshold(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer func() { _ = store.Close() }()

	// Pinning exempts a fragment from decay but not from the archive
	// check: anything below the deletion threshold is archived.
	pinned := testFragment("pinned-low", "p1:a1", unitVec2(0), 0.01)
	pinned.IsPinned = true
	if err := store.Write(ctx, pinned); err != nil {
		t.Fatal(err)
	}

	cons := NewConsolidator(store, nil, nil, testConsolidationConfig(), 0, nil)
	report := cons.Run(ctx, "p1:a1")
	if report.Err != nil {
		t.Fatalf("consolidation failed: %v", report.Err)
	}
	if report.Decayed != 0 {
		t.Errorf("pinned fragment should not decay, got decayed=%d", report.Decayed)
	}
	if report.Archived != 1 {
		t.Errorf("expected 1 archived, got %d", report.Archived)
	}

	got, err := store.Read(ctx, "pinned-low")
	if err != nil {
		t.Fatal(err)
	}
	if got.RelevanceScore != 0.01 {
		t.Errorf("pinned relevance changed: %g", got.RelevanceScore)
	}
	if !got.IsArchived {
		t.Error("pinned fragment below the deletion threshold should be archived")
	}
}

func TestConsolidateReembedsUnembedded(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer func() { _ = store.Close() }()

	provider := embedding.NewMockProvider(2)

	fr := testFragment("bare", "p1:a1", nil, 0.5)
	if err := store.Write(ctx, fr); err != nil {
		t.Fatal(err)
	}

	cons := NewConsolidator(store, provider, nil, testConsolidationConfig(), time.Second, nil)
	report := cons.Run(ctx, "p1:a1")
	if report.Err != nil {
		t.Fatalf("consolidation failed: %v", report.Err)
	}
	if report.Reembedded != 1 {
		t.Errorf("expected 1 reembedded, got %d", report.Reembedded)
	}

	got, _ := store.Read(ctx, "bare")
	if got.Embedding == nil {
		t.Fatal("fragment should have gained an embedding")
	}
	if len(got.Embedding) != 2 {
		t.Errorf("embedding dimension = %d, want 2", len(got.Embedding))
	}
}

func TestConsolidateEmbedFailureSkipsFragment(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer func() { _ = store.Close() }()

	provider := embedding.NewMockProvider(2)
	provider.SetAvailable(false)

	fr := testFragment("bare", "p1:a1", nil, 0.5)
	if err := store.Write(ctx, fr); err != nil {
		t.Fatal(err)
	}

	cons := NewConsolidator(store, provider, nil, testConsolidationConfig(), time.Second, nil)
	report := cons.Run(ctx, "p1:a1")
	if report.Err != nil {
		t.Fatalf("embed failure must not fail the run: %v", report.Err)
	}
	if report.Reembedded != 0 {
		t.Errorf("expected 0 reembedded, got %d", report.Reembedded)
	}

	got, _ := store.Read(ctx, "bare")
	if got.Embedding != nil {
		t.Error("fragment should remain unembedded for the next cycle")
	}
}

func TestConsolidateIdempotentNoOp(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer func() { _ = store.Close() }()

	fr := testFragment("solo", "p1:a1", unitVec2(0), 0.8)
	fr.IsPinned = true // exempt from decay so a second run changes nothing
	if err := store.Write(ctx, fr); err != nil {
		t.Fatal(err)
	}

	cons := NewConsolidator(store, nil, nil, testConsolidationConfig(), 0, nil)
	first := cons.Run(ctx, "p1:a1")
	if first.Err != nil {
		t.Fatal(first.Err)
	}
	second := cons.Run(ctx, "p1:a1")
	if second.Err != nil {
		t.Fatal(second.Err)
	}
	if second.Merged+second.Compressed+second.Decayed+second.Archived+second.Reembedded != 0 {
		t.Errorf("second run should be a no-op, got %+v", second)
	}
}

func TestRunAllCoversEveryNamespace(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	defer func() { _ = store.Close() }()

	for _, ns := range []string{"p1:a1", "p1:a2", "p2:a1"} {
		fr := testFragment("frag-"+ns, ns, unitVec2(0), 0.5)
		if err := store.Write(ctx, fr); err != nil {
			t.Fatal(err)
		}
	}

	cons := NewConsolidator(store, nil, nil, testConsolidationConfig(), 0, nil)
	reports := cons.RunAll(ctx)
	if len(reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(reports))
	}
	want := []string{"p1:a1", "p1:a2", "p2:a1"}
	for i, r := range reports {
		if r.Namespace != want[i] {
			t.Errorf("report %d namespace = %q, want %q", i, r.Namespace, want[i])
		}
		if r.Err != nil {
			t.Errorf("namespace %s failed: %v", r.Namespace, r.Err)
		}
	}
}
