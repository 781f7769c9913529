// Package types defines the core data model for the Nova memory engine.
// Fragments are the atomic units of long-term memory: a piece of text with
// an optional embedding, provenance, scoring state, and metadata.
package types

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// Kind classifies what a fragment represents. The kind drives default
// scoring weights and formatting downstream; the engine core treats it as
// an opaque enum beyond validation.
type Kind string

const (
	KindEpisodic   Kind = "episodic"   // something that happened (task runs, events)
	KindSemantic   Kind = "semantic"   // distilled knowledge and facts
	KindProcedural Kind = "procedural" // how-to knowledge (triggers, steps)
)

// Valid reports whether k is one of the known fragment kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindEpisodic, KindSemantic, KindProcedural:
		return true
	}
	return false
}

// SourceType identifies which subsystem produced a fragment.
type SourceType string

const (
	SourceTask          SourceType = "task"
	SourceAtlas         SourceType = "atlas"
	SourceTasteVault    SourceType = "taste-vault"
	SourceRetrospective SourceType = "retrospective"
	SourceManual        SourceType = "manual"
)

// Valid reports whether s is one of the known source types.
func (s SourceType) Valid() bool {
	switch s {
	case SourceTask, SourceAtlas, SourceTasteVault, SourceRetrospective, SourceManual:
		return true
	}
	return false
}

// Outcome records whether the remembered event went well. Empty means
// unknown/not applicable.
type Outcome string

const (
	OutcomePositive Outcome = "positive"
	OutcomeNegative Outcome = "negative"
	OutcomeNeutral  Outcome = "neutral"
)

// Valid reports whether o is a known outcome or empty.
func (o Outcome) Valid() bool {
	switch o {
	case "", OutcomePositive, OutcomeNegative, OutcomeNeutral:
		return true
	}
	return false
}

// SharedAgent is the agent slot of a project-wide shared namespace.
const SharedAgent = "shared"

// Namespace builds the composite isolation key for an agent's memory
// within a project.
func Namespace(projectID, agentID string) string {
	return projectID + ":" + agentID
}

// SharedNamespace builds the project-wide shared namespace key.
func SharedNamespace(projectID string) string {
	return Namespace(projectID, SharedAgent)
}

// SplitNamespace splits a composite namespace key into its project and
// agent parts. The agent part may itself be "shared".
func SplitNamespace(ns string) (projectID, agentID string, err error) {
	i := strings.IndexByte(ns, ':')
	if i <= 0 || i == len(ns)-1 {
		return "", "", fmt.Errorf("malformed namespace %q (want project:agent)", ns)
	}
	return ns[:i], ns[i+1:], nil
}

// Provenance records where a fragment came from.
type Provenance struct {
	// AgentID is the agent that produced the fragment.
	AgentID string `json:"agent_id"`

	// ProjectID is the project the fragment belongs to.
	ProjectID string `json:"project_id"`

	// WorkflowID optionally ties the fragment to a workflow run.
	WorkflowID string `json:"workflow_id,omitempty"`

	// SourceType identifies the producing subsystem.
	SourceType SourceType `json:"source_type"`

	// SourceIDs lists the upstream identities this fragment derives from.
	// The list grows when fragments are merged during consolidation and
	// when a namespace is forked (the fork copy carries the original
	// fragment's id at the head of the list).
	SourceIDs []string `json:"source_ids,omitempty"`
}

// Fragment is one stored memory unit.
type Fragment struct {
	// ID is globally unique and immutable once created.
	ID string `json:"id"`

	// Namespace is the isolation key ("project:agent" or "project:shared").
	// Immutable after creation; merging namespaces creates new fragments
	// rather than renaming existing ones.
	Namespace string `json:"namespace"`

	Kind    Kind   `json:"kind"`
	Content string `json:"content"`

	// Embedding is the fixed-dimension vector for similarity search.
	// nil means the fragment is unembedded, which is a valid state distinct
	// from an all-zero vector; unembedded fragments are excluded from
	// vector search and picked up by the next consolidation pass.
	Embedding []float32 `json:"embedding,omitempty"`

	Provenance Provenance `json:"provenance"`

	// RelevanceScore is the fragment's usefulness estimate in [0, 1].
	// It decays over time unless the fragment is pinned and is boosted by
	// reinforcement events.
	RelevanceScore float64 `json:"relevance_score"`

	// AccessCount is the number of retrievals that selected this fragment.
	// Monotonically non-decreasing.
	AccessCount int `json:"access_count"`

	// IsPinned exempts the fragment from relevance decay.
	IsPinned bool `json:"is_pinned"`

	// IsArchived excludes the fragment from default retrieval. Archived
	// fragments are never physically deleted by consolidation and remain
	// fetchable by id.
	IsArchived bool `json:"is_archived"`

	// Tags is an unordered, deduplicated label set. The producing agent's
	// id is always present.
	Tags []string `json:"tags,omitempty"`

	Outcome Outcome `json:"outcome,omitempty"`

	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`

	// Extra carries kind-specific fields (procedural trigger/steps,
	// semantic confidence, ...). Opaque to the core, round-tripped verbatim.
	Extra map[string]interface{} `json:"extra,omitempty"`
}

// Clone returns a deep copy of the fragment. Consolidation stages all its
// mutations on clones so a failed batch can be rolled back.
func (f *Fragment) Clone() *Fragment {
	c := *f
	if f.Embedding != nil {
		c.Embedding = make([]float32, len(f.Embedding))
		copy(c.Embedding, f.Embedding)
	}
	if f.Tags != nil {
		c.Tags = append([]string(nil), f.Tags...)
	}
	if f.Provenance.SourceIDs != nil {
		c.Provenance.SourceIDs = append([]string(nil), f.Provenance.SourceIDs...)
	}
	if f.LastAccessedAt != nil {
		t := *f.LastAccessedAt
		c.LastAccessedAt = &t
	}
	if f.Extra != nil {
		c.Extra = make(map[string]interface{}, len(f.Extra))
		for k, v := range f.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

// AccessRef returns the reference time used for recency and decay math:
// LastAccessedAt when set, CreatedAt otherwise.
func (f *Fragment) AccessRef() time.Time {
	if f.LastAccessedAt != nil && !f.LastAccessedAt.IsZero() {
		return *f.LastAccessedAt
	}
	return f.CreatedAt
}

// OriginID returns the identity used to reconcile fragments across
// namespace fork/merge: the head of the source-id list when present,
// else the fragment's own id.
func (f *Fragment) OriginID() string {
	if len(f.Provenance.SourceIDs) > 0 {
		return f.Provenance.SourceIDs[0]
	}
	return f.ID
}

// ContentLength returns the content length in Unicode code points, which
// is what the configurable content ceiling is measured in.
func (f *Fragment) ContentLength() int {
	return utf8.RuneCountInString(f.Content)
}

// NormalizeTags deduplicates and sorts the tag set in place. Sorting keeps
// exports and comparisons deterministic; the set is semantically unordered.
func (f *Fragment) NormalizeTags() {
	f.Tags = DedupTags(f.Tags)
}

// DedupTags returns tags deduplicated and sorted.
func DedupTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	sort.Strings(out)
	return out
}

// HasTag reports whether the fragment carries the given tag.
func (f *Fragment) HasTag(tag string) bool {
	for _, t := range f.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
