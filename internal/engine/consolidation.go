package engine

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/nelsen3000/nova-memory/internal/config"
	"github.com/nelsen3000/nova-memory/internal/embedding"
	"github.com/nelsen3000/nova-memory/internal/index"
	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// Report summarises one consolidation run over a namespace.
type Report struct {
	Namespace  string        `json:"namespace"`
	Reembedded int           `json:"reembedded"` // fragments that gained an embedding
	Merged     int           `json:"merged"`     // duplicate clusters collapsed
	Compressed int           `json:"compressed"` // loser fragments removed by merging
	Decayed    int           `json:"decayed"`    // fragments whose relevance decayed
	Archived   int           `json:"archived"`   // fragments soft-deleted this run
	Duration   time.Duration `json:"duration"`
	Err        error         `json:"-"`
}

// Consolidator runs the background maintenance cycle for one namespace
// at a time: re-embed, deduplicate, merge, decay, archive.
type Consolidator struct {
	adapter  storage.Adapter
	provider embedding.Provider
	index    *index.Index
	cfg      config.ConsolidationConfig
	timeout  time.Duration
	logger   *log.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewConsolidator creates a consolidator. The index may be nil; when set
// it is kept in sync with merges and re-embeddings.
func NewConsolidator(adapter storage.Adapter, provider embedding.Provider, idx *index.Index, cfg config.ConsolidationConfig, embedTimeout time.Duration, logger *log.Logger) *Consolidator {
	if logger == nil {
		logger = log.Default()
	}
	if embedTimeout <= 0 {
		embedTimeout = 30 * time.Second
	}
	return &Consolidator{
		adapter:  adapter,
		provider: provider,
		index:    idx,
		cfg:      cfg,
		timeout:  embedTimeout,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
	}
}

// namespaceLock returns the advisory lock for a namespace, creating it
// on first use. Concurrent runs on different namespaces proceed in
// parallel; runs on the same namespace serialize.
func (c *Consolidator) namespaceLock(namespace string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[namespace]
	if !ok {
		l = &sync.Mutex{}
		c.locks[namespace] = l
	}
	return l
}

// Run consolidates a single namespace and returns a report. A run with
// no pending work is a no-op with zero counts. The run stages every
// mutation on copies: on commit failure the store keeps its pre-run
// state and the report carries the error.
func (c *Consolidator) Run(ctx context.Context, namespace string) *Report {
	start := time.Now()
	report := &Report{Namespace: namespace}

	lock := c.namespaceLock(namespace)
	lock.Lock()
	defer lock.Unlock()

	originals, err := c.adapter.Query(ctx, &types.Filter{Namespace: namespace})
	if err != nil {
		report.Err = fmt.Errorf("consolidation: load %s: %w", namespace, err)
		report.Duration = time.Since(start)
		return report
	}
	if len(originals) == 0 {
		report.Duration = time.Since(start)
		return report
	}

	staged := make([]*types.Fragment, len(originals))
	for i, fr := range originals {
		staged[i] = fr.Clone()
	}

	report.Reembedded = c.reembed(ctx, staged)

	clusters := c.cluster(staged)
	survivors, losers := c.merge(staged, clusters)
	report.Merged = len(clusters)
	report.Compressed = len(losers)

	now := time.Now().UTC()
	for _, fr := range survivors {
		if !fr.IsPinned {
			elapsedDays := now.Sub(fr.AccessRef()).Hours() / 24
			decayed := DecayRelevance(fr.RelevanceScore, elapsedDays, c.cfg.DecayRate)
			if decayed != fr.RelevanceScore {
				fr.RelevanceScore = decayed
				report.Decayed++
			}
		}
		// The archive check runs for pinned fragments too; pinning only
		// exempts a fragment from decay.
		if fr.RelevanceScore < c.cfg.DeletionThreshold && !fr.IsArchived {
			fr.IsArchived = true
			report.Archived++
		}
	}

	if err := c.commit(ctx, originals, survivors, losers); err != nil {
		report.Err = err
		report.Duration = time.Since(start)
		return report
	}

	c.syncIndex(survivors, losers)

	report.Duration = time.Since(start)
	if report.Reembedded+report.Merged+report.Decayed+report.Archived > 0 {
		c.logger.Printf("consolidated %s: reembedded=%d merged=%d compressed=%d decayed=%d archived=%d in %s",
			namespace, report.Reembedded, report.Merged, report.Compressed, report.Decayed, report.Archived, report.Duration.Round(time.Millisecond))
	}
	return report
}

// RunAll consolidates every namespace that currently has non-archived
// fragments and returns one report per namespace, ordered by namespace.
func (c *Consolidator) RunAll(ctx context.Context) []*Report {
	all, err := c.adapter.Query(ctx, nil)
	if err != nil {
		return []*Report{{Err: fmt.Errorf("consolidation: list namespaces: %w", err)}}
	}

	seen := make(map[string]struct{})
	var namespaces []string
	for _, fr := range all {
		if _, ok := seen[fr.Namespace]; !ok {
			seen[fr.Namespace] = struct{}{}
			namespaces = append(namespaces, fr.Namespace)
		}
	}
	sort.Strings(namespaces)

	reports := make([]*Report, 0, len(namespaces))
	for _, ns := range namespaces {
		if ctx.Err() != nil {
			break
		}
		reports = append(reports, c.Run(ctx, ns))
	}
	return reports
}

// reembed fills in embeddings for unembedded fragments and fragments
// whose stored vector has the wrong dimension. Each fragment gets its
// own timeout; a failure skips that one fragment, leaving it for the
// next cycle, and never aborts the batch.
func (c *Consolidator) reembed(ctx context.Context, staged []*types.Fragment) int {
	if c.provider == nil {
		return 0
	}
	want := c.provider.Dimension()
	count := 0
	for _, fr := range staged {
		if fr.Embedding != nil && len(fr.Embedding) == want {
			continue
		}
		embedCtx, cancel := context.WithTimeout(ctx, c.timeout)
		vec, err := c.provider.Embed(embedCtx, fr.Content)
		cancel()
		if err != nil {
			c.logger.Printf("consolidation: embed %s failed, will retry next cycle: %v", fr.ID, err)
			continue
		}
		fr.Embedding = vec
		fr.UpdatedAt = time.Now().UTC()
		count++
	}
	return count
}

// cluster groups near-duplicate fragments using union-find so that
// duplication is transitive: if A~B and B~C, all three end up in one
// cluster even when A and C alone fall below the threshold.
func (c *Consolidator) cluster(staged []*types.Fragment) [][]int {
	parent := make([]int, len(staged))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	for i := 0; i < len(staged); i++ {
		ei := staged[i].Embedding
		if ei == nil {
			continue
		}
		for j := i + 1; j < len(staged); j++ {
			ej := staged[j].Embedding
			if ej == nil || len(ej) != len(ei) {
				continue
			}
			if storage.CosineSimilarity(ei, ej) >= c.cfg.DeduplicationThreshold {
				union(i, j)
			}
		}
	}

	groups := make(map[int][]int)
	for i := range staged {
		r := find(i)
		groups[r] = append(groups[r], i)
	}

	var clusters [][]int
	for _, members := range groups {
		if len(members) > 1 {
			clusters = append(clusters, members)
		}
	}
	sort.Slice(clusters, func(a, b int) bool { return clusters[a][0] < clusters[b][0] })
	return clusters
}

// merge collapses each duplicate cluster into one survivor. The most
// recently updated member wins and donates content and embedding; the
// survivor takes the cluster's maximum relevance, the union of tags,
// the sum of access counts, and a recency-ordered union of source ids
// so no provenance is lost. Returns all fragments that remain and the
// ids to remove.
func (c *Consolidator) merge(staged []*types.Fragment, clusters [][]int) (survivors []*types.Fragment, losers []string) {
	removed := make(map[int]bool)

	for _, members := range clusters {
		// Most recently updated member first; ties by id for determinism.
		sort.Slice(members, func(a, b int) bool {
			fa, fb := staged[members[a]], staged[members[b]]
			if !fa.UpdatedAt.Equal(fb.UpdatedAt) {
				return fa.UpdatedAt.After(fb.UpdatedAt)
			}
			return fa.ID < fb.ID
		})

		survivor := staged[members[0]]
		var sourceIDs []string
		seen := make(map[string]bool)
		addSource := func(id string) {
			if id != "" && id != survivor.ID && !seen[id] {
				seen[id] = true
				sourceIDs = append(sourceIDs, id)
			}
		}

		for idx, mi := range members {
			m := staged[mi]
			for _, sid := range m.Provenance.SourceIDs {
				addSource(sid)
			}
			if idx == 0 {
				continue
			}
			addSource(m.ID)
			if m.RelevanceScore > survivor.RelevanceScore {
				survivor.RelevanceScore = m.RelevanceScore
			}
			survivor.AccessCount += m.AccessCount
			survivor.Tags = append(survivor.Tags, m.Tags...)
			if m.IsPinned {
				survivor.IsPinned = true
			}
			if m.LastAccessedAt != nil && (survivor.LastAccessedAt == nil || m.LastAccessedAt.After(*survivor.LastAccessedAt)) {
				t := *m.LastAccessedAt
				survivor.LastAccessedAt = &t
			}
			removed[mi] = true
			losers = append(losers, m.ID)
		}

		survivor.Provenance.SourceIDs = sourceIDs
		survivor.NormalizeTags()
		survivor.UpdatedAt = time.Now().UTC()
	}

	for i, fr := range staged {
		if !removed[i] {
			survivors = append(survivors, fr)
		}
	}
	sort.Strings(losers)
	return survivors, losers
}

// commit writes the staged survivors in one atomic batch, then removes
// merge losers. If loser removal fails partway the survivors are rolled
// back to their pre-run state so the next cycle starts clean.
func (c *Consolidator) commit(ctx context.Context, originals, survivors []*types.Fragment, losers []string) error {
	changed := changedFragments(originals, survivors)
	if len(changed) == 0 && len(losers) == 0 {
		return nil
	}

	if len(changed) > 0 {
		if err := c.adapter.BulkWrite(ctx, changed); err != nil {
			return fmt.Errorf("consolidation: commit: %w", err)
		}
	}

	for i, id := range losers {
		if _, err := c.adapter.Delete(ctx, id); err != nil {
			c.rollback(ctx, originals)
			return fmt.Errorf("consolidation: remove merged fragment %s (%d/%d): %w", id, i+1, len(losers), err)
		}
	}
	return nil
}

func (c *Consolidator) rollback(ctx context.Context, originals []*types.Fragment) {
	if err := c.adapter.BulkWrite(ctx, originals); err != nil {
		c.logger.Printf("consolidation: rollback failed, store may need a repair cycle: %v", err)
	}
}

// changedFragments pairs staged fragments with their originals by id and
// keeps only the ones that actually changed, so idempotent runs write
// nothing.
func changedFragments(originals, survivors []*types.Fragment) []*types.Fragment {
	origByID := make(map[string]*types.Fragment, len(originals))
	for _, fr := range originals {
		origByID[fr.ID] = fr
	}

	var changed []*types.Fragment
	for _, fr := range survivors {
		orig, ok := origByID[fr.ID]
		if !ok || fragmentChanged(orig, fr) {
			changed = append(changed, fr)
		}
	}
	return changed
}

func fragmentChanged(a, b *types.Fragment) bool {
	if a.RelevanceScore != b.RelevanceScore ||
		a.AccessCount != b.AccessCount ||
		a.IsPinned != b.IsPinned ||
		a.IsArchived != b.IsArchived ||
		a.Content != b.Content ||
		len(a.Tags) != len(b.Tags) ||
		len(a.Provenance.SourceIDs) != len(b.Provenance.SourceIDs) ||
		len(a.Embedding) != len(b.Embedding) {
		return true
	}
	for i := range a.Embedding {
		if a.Embedding[i] != b.Embedding[i] {
			return true
		}
	}
	for i := range a.Tags {
		if a.Tags[i] != b.Tags[i] {
			return true
		}
	}
	for i := range a.Provenance.SourceIDs {
		if a.Provenance.SourceIDs[i] != b.Provenance.SourceIDs[i] {
			return true
		}
	}
	return false
}

func (c *Consolidator) syncIndex(survivors []*types.Fragment, losers []string) {
	if c.index == nil {
		return
	}
	for _, id := range losers {
		c.index.Remove(id)
	}
	for _, fr := range survivors {
		if fr.IsArchived {
			c.index.Remove(fr.ID)
		} else if fr.Embedding != nil {
			c.index.Add(fr.ID, fr.Embedding)
		}
	}
}
