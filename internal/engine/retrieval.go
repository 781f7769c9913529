package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nelsen3000/nova-memory/internal/config"
	"github.com/nelsen3000/nova-memory/internal/embedding"
	"github.com/nelsen3000/nova-memory/internal/index"
	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// Query describes one retrieval request. Either Text or Embedding must be
// set; when both are set the embedding wins and the text is ignored.
type Query struct {
	// Namespace is the requesting agent's namespace ("project:agent").
	Namespace string

	Text      string
	Embedding []float32

	// TopK caps the number of results. 0 uses the configured default.
	TopK int

	// TokenBudget bounds the total estimated tokens of the returned
	// fragments (Retrieve only). 0 uses the configured default.
	TokenBudget int

	// IncludeShared also searches the project's shared namespace.
	IncludeShared bool

	// CrossAgent also searches sibling agent namespaces within the same
	// project, subject to the stricter cross-agent similarity floor.
	CrossAgent bool

	// CrossAgentThreshold overrides the configured cross-agent floor for
	// this query. 0 uses the configured default.
	CrossAgentThreshold float64

	// Kind optionally restricts results to one fragment kind.
	Kind types.Kind

	// Tags optionally requires a non-empty tag intersection.
	Tags []string
}

// RetrieveResult is the budgeted retrieval output.
type RetrieveResult struct {
	Fragments     []types.ScoredFragment
	FormattedText string
	TokensUsed    int
	Truncated     bool
	Degraded      bool
}

// Retriever implements similarity search with composite ranking and
// token budgeting over the vector index.
type Retriever struct {
	adapter  storage.Adapter
	provider embedding.Provider
	index    *index.Index
	cfg      config.RetrievalConfig
	logger   *log.Logger

	// trackMu serializes access-count bumps so concurrent retrievals
	// selecting the same fragment never lose an increment.
	trackMu sync.Mutex
}

// NewRetriever creates a retriever over the given index and backend.
func NewRetriever(adapter storage.Adapter, provider embedding.Provider, idx *index.Index, cfg config.RetrievalConfig, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.Default()
	}
	return &Retriever{
		adapter:  adapter,
		provider: provider,
		index:    idx,
		cfg:      cfg,
		logger:   logger,
	}
}

// Search returns ranked fragments with no token budgeting and no access
// tracking. It is the raw building block Retrieve sits on.
func (r *Retriever) Search(ctx context.Context, q *Query) ([]types.ScoredFragment, error) {
	scored, err := r.search(ctx, q)
	if err != nil {
		return nil, err
	}
	topK := q.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	if len(scored) > topK {
		scored = scored[:topK]
	}
	return scored, nil
}

// Retrieve returns the highest-scored fragments that fit the token
// budget and records an access on each selected fragment. Budget fill is
// strict priority: selection stops at the first fragment that does not
// fit, so a lower-scored fragment never displaces a higher-scored one.
func (r *Retriever) Retrieve(ctx context.Context, q *Query) (*RetrieveResult, error) {
	scored, err := r.search(ctx, q)
	if err != nil {
		return nil, err
	}

	topK := q.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	budget := q.TokenBudget
	if budget <= 0 {
		budget = r.cfg.DefaultTokenBudget
	}

	result := &RetrieveResult{}
	for _, sf := range scored {
		if len(result.Fragments) >= topK {
			result.Truncated = true
			break
		}
		tokens := EstimateTokens(sf.Fragment.Content)
		if result.TokensUsed+tokens > budget {
			result.Truncated = true
			break
		}
		result.Fragments = append(result.Fragments, sf)
		result.TokensUsed += tokens
	}

	r.trackAccess(ctx, result.Fragments)
	return result, nil
}

// search gathers candidates from the namespace itself, the project's
// shared namespace, and sibling namespaces, scores them, and returns the
// full ranked list.
func (r *Retriever) search(ctx context.Context, q *Query) ([]types.ScoredFragment, error) {
	if q == nil || q.Namespace == "" {
		return nil, fmt.Errorf("%w: namespace is required", storage.ErrInvalidInput)
	}
	projectID, _, err := types.SplitNamespace(q.Namespace)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidInput, err)
	}

	queryVec := q.Embedding
	if queryVec == nil {
		if q.Text == "" {
			return nil, fmt.Errorf("%w: text or embedding is required", storage.ErrInvalidInput)
		}
		if r.provider == nil {
			return nil, errors.New("retrieval: no embedding provider configured")
		}
		queryVec, err = r.provider.Embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("retrieval: embed query: %w", err)
		}
	}

	topK := q.TopK
	if topK <= 0 {
		topK = r.cfg.TopK
	}
	// Over-fetch per namespace pool so recency/frequency reweighting and
	// threshold filtering still leave topK survivors.
	fetch := topK * 4
	if fetch < 20 {
		fetch = 20
	}

	crossFloor := q.CrossAgentThreshold
	if crossFloor <= 0 {
		crossFloor = r.cfg.CrossAgentThreshold
	}

	baseFilter := func(namespace string) *types.Filter {
		return &types.Filter{
			Namespace: namespace,
			Kind:      q.Kind,
			Tags:      q.Tags,
		}
	}

	now := time.Now().UTC()
	params := ScoringParams{
		RecencyHalfLifeDays: r.cfg.RecencyHalfLifeDays,
		FrequencyFactor:     r.cfg.FrequencyFactor,
	}

	seen := make(map[string]bool)
	var scored []types.ScoredFragment
	collect := func(matches []storage.VectorMatch, floor float64) {
		for _, m := range matches {
			if m.Similarity < floor || seen[m.Fragment.ID] {
				continue
			}
			seen[m.Fragment.ID] = true
			scored = append(scored, types.ScoredFragment{
				Fragment:   m.Fragment,
				Similarity: m.Similarity,
				Score:      CompositeScore(m.Fragment, m.Similarity, now, params),
			})
		}
	}

	own, err := r.index.Search(ctx, queryVec, fetch, baseFilter(q.Namespace))
	if err != nil {
		return nil, fmt.Errorf("retrieval: search %s: %w", q.Namespace, err)
	}
	collect(own, r.cfg.SimilarityThreshold)

	if q.IncludeShared {
		sharedNS := types.SharedNamespace(projectID)
		if sharedNS != q.Namespace {
			shared, err := r.index.Search(ctx, queryVec, fetch, baseFilter(sharedNS))
			if err != nil {
				return nil, fmt.Errorf("retrieval: search %s: %w", sharedNS, err)
			}
			collect(shared, r.cfg.SimilarityThreshold)
		}
	}

	if q.CrossAgent {
		siblings, err := r.index.Search(ctx, queryVec, fetch, &types.Filter{
			ProjectID: projectID,
			Kind:      q.Kind,
			Tags:      q.Tags,
		})
		if err != nil {
			return nil, fmt.Errorf("retrieval: cross-agent search: %w", err)
		}
		// Drop fragments already gathered from the own and shared pools;
		// sibling results face the stricter floor.
		var foreign []storage.VectorMatch
		for _, m := range siblings {
			if m.Fragment.Namespace == q.Namespace || m.Fragment.Namespace == types.SharedNamespace(projectID) {
				continue
			}
			foreign = append(foreign, m)
		}
		collect(foreign, crossFloor)
	}

	types.SortScored(scored)
	return scored, nil
}

// trackAccess bumps access counters on the selected fragments. Each
// fragment is re-read under the tracking lock so the increment applies
// to current state, not the copy hydrated during search. Tracking is
// best effort: a failed write costs one reinforcement event, never the
// retrieval itself.
func (r *Retriever) trackAccess(ctx context.Context, selected []types.ScoredFragment) {
	if len(selected) == 0 {
		return
	}
	r.trackMu.Lock()
	defer r.trackMu.Unlock()

	now := time.Now().UTC()
	for _, sf := range selected {
		fr, err := r.adapter.Read(ctx, sf.Fragment.ID)
		if err != nil {
			r.logger.Printf("retrieval: access tracking read for %s failed: %v", sf.Fragment.ID, err)
			continue
		}
		fr.AccessCount++
		fr.LastAccessedAt = &now
		if err := r.adapter.Write(ctx, fr); err != nil {
			r.logger.Printf("retrieval: access tracking for %s failed: %v", fr.ID, err)
		}
	}
}
