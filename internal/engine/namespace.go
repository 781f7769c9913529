package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/nelsen3000/nova-memory/internal/index"
	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// MergeReport summarises one namespace merge.
type MergeReport struct {
	Kept      int `json:"kept"`      // fragments that landed in the target
	Discarded int `json:"discarded"` // duplicate losers dropped on either side
}

// NamespaceManager implements namespace-level branch and reconciliation:
// fork copies a namespace at a point in time, merge reconciles one back
// into another.
type NamespaceManager struct {
	adapter storage.Adapter
	index   *index.Index
	logger  *log.Logger
}

// NewNamespaceManager creates a namespace manager. The index may be nil.
func NewNamespaceManager(adapter storage.Adapter, idx *index.Index, logger *log.Logger) *NamespaceManager {
	if logger == nil {
		logger = log.Default()
	}
	return &NamespaceManager{adapter: adapter, index: idx, logger: logger}
}

// Fork copies every non-archived fragment of source into target as a
// point-in-time snapshot. Copies get fresh ids and carry the original
// fragment's id at the head of their source-id list, so later merges can
// reconcile branches of the same origin. After the fork the namespaces
// are fully isolated. Returns the number of fragments copied.
func (m *NamespaceManager) Fork(ctx context.Context, source, target string) (int, error) {
	if err := validateNamespacePair(source, target); err != nil {
		return 0, err
	}

	frs, err := m.adapter.Query(ctx, &types.Filter{Namespace: source})
	if err != nil {
		return 0, fmt.Errorf("fork: load %s: %w", source, err)
	}
	if len(frs) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	copies := make([]*types.Fragment, 0, len(frs))
	for _, fr := range frs {
		c := fr.Clone()
		c.ID = uuid.NewString()
		c.Namespace = target
		c.Provenance.SourceIDs = append([]string{fr.ID}, fr.Provenance.SourceIDs...)
		c.UpdatedAt = now
		copies = append(copies, c)
	}

	if err := m.adapter.BulkWrite(ctx, copies); err != nil {
		return 0, fmt.Errorf("fork: write %s: %w", target, err)
	}
	m.indexAdd(copies)

	m.logger.Printf("forked %s into %s: %d fragments", source, target, len(copies))
	return len(copies), nil
}

// Merge moves every non-archived fragment of source into target. When a
// source fragment and a target fragment trace back to the same origin,
// the copy with the higher relevance score wins and the other is
// dropped, so the target never holds two descendants of one origin. The
// source namespace is drained. Moved fragments get fresh ids in the
// target.
func (m *NamespaceManager) Merge(ctx context.Context, source, target string) (*MergeReport, error) {
	if err := validateNamespacePair(source, target); err != nil {
		return nil, err
	}

	sourceFrs, err := m.adapter.Query(ctx, &types.Filter{Namespace: source})
	if err != nil {
		return nil, fmt.Errorf("merge: load %s: %w", source, err)
	}
	targetFrs, err := m.adapter.Query(ctx, &types.Filter{Namespace: target})
	if err != nil {
		return nil, fmt.Errorf("merge: load %s: %w", target, err)
	}

	targetByOrigin := make(map[string]*types.Fragment, len(targetFrs))
	for _, fr := range targetFrs {
		targetByOrigin[fr.OriginID()] = fr
	}

	report := &MergeReport{}
	var moved []*types.Fragment
	var removeIDs []string

	now := time.Now().UTC()
	for _, fr := range sourceFrs {
		removeIDs = append(removeIDs, fr.ID)

		if existing, ok := targetByOrigin[fr.OriginID()]; ok {
			if fr.RelevanceScore <= existing.RelevanceScore {
				// Target copy wins; the source copy is dropped.
				report.Discarded++
				continue
			}
			// Source copy wins; replace the target copy.
			removeIDs = append(removeIDs, existing.ID)
			report.Discarded++
		}

		c := fr.Clone()
		c.ID = uuid.NewString()
		c.Namespace = target
		origin := fr.OriginID()
		sourceIDs := []string{origin}
		for _, sid := range fr.Provenance.SourceIDs {
			if sid != origin {
				sourceIDs = append(sourceIDs, sid)
			}
		}
		c.Provenance.SourceIDs = sourceIDs
		c.UpdatedAt = now
		moved = append(moved, c)
		targetByOrigin[origin] = c
		report.Kept++
	}

	if len(moved) > 0 {
		if err := m.adapter.BulkWrite(ctx, moved); err != nil {
			return nil, fmt.Errorf("merge: write %s: %w", target, err)
		}
	}
	for _, id := range removeIDs {
		if _, err := m.adapter.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("merge: remove %s: %w", id, err)
		}
		if m.index != nil {
			m.index.Remove(id)
		}
	}
	m.indexAdd(moved)

	m.logger.Printf("merged %s into %s: kept=%d discarded=%d", source, target, report.Kept, report.Discarded)
	return report, nil
}

func (m *NamespaceManager) indexAdd(frs []*types.Fragment) {
	if m.index == nil {
		return
	}
	for _, fr := range frs {
		if fr.Embedding != nil {
			m.index.Add(fr.ID, fr.Embedding)
		}
	}
}

func validateNamespacePair(source, target string) error {
	if _, _, err := types.SplitNamespace(source); err != nil {
		return fmt.Errorf("%w: source: %v", storage.ErrInvalidInput, err)
	}
	if _, _, err := types.SplitNamespace(target); err != nil {
		return fmt.Errorf("%w: target: %v", storage.ErrInvalidInput, err)
	}
	if source == target {
		return fmt.Errorf("%w: source and target namespaces are identical", storage.ErrInvalidInput)
	}
	return nil
}
