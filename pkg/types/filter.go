package types

import (
	"sort"
	"time"
)

// Filter is a conjunction of optional predicates over fragments. Every
// storage query and vector search accepts the same filter shape, so
// backends are free to pre-filter in SQL or post-filter in Go as long as
// the result agrees with Matches.
type Filter struct {
	// Namespace matches fragments in exactly this namespace.
	Namespace string

	// AgentID matches fragments produced by this agent.
	AgentID string

	// ProjectID matches fragments belonging to this project.
	ProjectID string

	// Kind matches fragments of this kind.
	Kind Kind

	// MinRelevance matches fragments with RelevanceScore >= this value.
	MinRelevance float64

	// CreatedAfter matches fragments created strictly after this time.
	// Zero value means no lower bound.
	CreatedAfter time.Time

	// CreatedBefore matches fragments created strictly before this time.
	// Zero value means no upper bound.
	CreatedBefore time.Time

	// Tags matches fragments whose tag set intersects this set (non-empty
	// intersection). Empty slice means no tag predicate.
	Tags []string

	// IncludeArchived includes archived fragments in results. By default
	// archived fragments are excluded everywhere.
	IncludeArchived bool
}

// Matches is the reference filter predicate. Backends that pre-filter in
// SQL must produce exactly the set of fragments for which Matches returns
// true.
func (f *Filter) Matches(fr *Fragment) bool {
	if f == nil {
		return !fr.IsArchived
	}
	if !f.IncludeArchived && fr.IsArchived {
		return false
	}
	if f.Namespace != "" && fr.Namespace != f.Namespace {
		return false
	}
	if f.AgentID != "" && fr.Provenance.AgentID != f.AgentID {
		return false
	}
	if f.ProjectID != "" && fr.Provenance.ProjectID != f.ProjectID {
		return false
	}
	if f.Kind != "" && fr.Kind != f.Kind {
		return false
	}
	if f.MinRelevance > 0 && fr.RelevanceScore < f.MinRelevance {
		return false
	}
	if !f.CreatedAfter.IsZero() && !fr.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !fr.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if len(f.Tags) > 0 {
		hit := false
		for _, t := range f.Tags {
			if fr.HasTag(t) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	return true
}

// ScoredFragment pairs a fragment with its composite retrieval score and
// the raw cosine similarity that produced it.
type ScoredFragment struct {
	Fragment   *Fragment
	Score      float64
	Similarity float64
}

// SortScored orders scored fragments by score descending, ties broken by
// fragment id ascending. This is the total order used for ranking; it is
// stable and deterministic across runs.
func SortScored(s []ScoredFragment) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Score != s[j].Score {
			return s[i].Score > s[j].Score
		}
		return s[i].Fragment.ID < s[j].Fragment.ID
	})
}
