// Package engine implements the memory engine core: the store/retrieve
// façade, composite-score ranking, the consolidation pipeline, namespace
// fork/merge, and degraded-mode fallback behavior.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nelsen3000/nova-memory/internal/config"
	"github.com/nelsen3000/nova-memory/internal/embedding"
	"github.com/nelsen3000/nova-memory/internal/index"
	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

var (
	// ErrNotStarted is returned by operations invoked before Start.
	ErrNotStarted = errors.New("engine: not started")

	// ErrValidation wraps all store-input validation failures.
	ErrValidation = errors.New("engine: invalid input")
)

// StoreInput is the write-side input shape: a fragment minus the
// generated fields (id, timestamps, scoring state).
type StoreInput struct {
	ProjectID  string
	AgentID    string
	Kind       types.Kind
	Content    string
	SourceType types.SourceType
	WorkflowID string
	SourceIDs  []string
	Tags       []string
	Outcome    types.Outcome
	Pin        bool

	// Shared stores into the project's shared namespace instead of the
	// agent's own.
	Shared bool

	// Relevance is the initial relevance score. Nil defaults to 0.5; an
	// explicit 0 is honored.
	Relevance *float64

	Extra map[string]interface{}
}

// HealthStatus is the healthCheck output.
type HealthStatus struct {
	AdapterAvailable    bool      `json:"adapter_available"`
	IndexSize           int       `json:"index_size"`
	LastConsolidationAt time.Time `json:"last_consolidation_at"`
	QueuedWrites        int       `json:"queued_writes"`
	Degraded            bool      `json:"degraded"`
}

// Engine is the façade over storage, embedding, indexing, retrieval,
// consolidation, and namespace management.
type Engine struct {
	cfg      *config.Config
	adapter  *FallbackAdapter
	provider embedding.Provider
	index    *index.Index
	logger   *log.Logger

	retriever    *Retriever
	consolidator *Consolidator
	namespaces   *NamespaceManager

	mu                sync.RWMutex
	started           bool
	lastConsolidation time.Time

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds an engine over the given backend and embedding provider.
// The configuration must already validate; New fails fast otherwise.
func New(cfg *config.Config, adapter storage.Adapter, provider embedding.Provider, logger *log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}

	fb, err := NewFallbackAdapter(adapter, cfg.Fallback, logger)
	if err != nil {
		return nil, err
	}

	idx := index.New(fb, cfg.Index.BruteForceThreshold)

	e := &Engine{
		cfg:      cfg,
		adapter:  fb,
		provider: provider,
		index:    idx,
		logger:   logger,
		stop:     make(chan struct{}),
	}
	e.retriever = NewRetriever(fb, provider, idx, cfg.Retrieval, logger)
	e.consolidator = NewConsolidator(fb, provider, idx, cfg.Consolidation, cfg.Embedding.Timeout, logger)
	e.namespaces = NewNamespaceManager(fb, idx, logger)
	return e, nil
}

// Start loads the vector index from storage and launches the background
// consolidation loop when an interval is configured.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	if err := e.index.Rebuild(ctx); err != nil {
		return fmt.Errorf("engine: index load: %w", err)
	}
	e.logger.Printf("engine started: %d embedded fragments indexed", e.index.Size())

	if e.cfg.Consolidation.Interval > 0 {
		e.wg.Add(1)
		go e.consolidationLoop(e.cfg.Consolidation.Interval)
	}
	if e.cfg.Fallback.ProbeInterval > 0 {
		e.wg.Add(1)
		go e.probeLoop(e.cfg.Fallback.ProbeInterval)
	}

	e.started = true
	return nil
}

// Shutdown stops background work and closes the backend.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	close(e.stop)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.adapter.Close()
}

func (e *Engine) consolidationLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			e.ConsolidateAll(ctx)
			cancel()
		}
	}
}

// probeLoop re-checks backend liveness on a fixed period. The probe is
// what drives recovery: a healthy result while degraded flushes the
// write queue and leaves degraded mode, so the engine heals without any
// external caller polling HealthCheck.
func (e *Engine) probeLoop(interval time.Duration) {
	defer e.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			e.adapter.IsAvailable(ctx)
			cancel()
		}
	}
}

func (e *Engine) checkStarted() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.started {
		return ErrNotStarted
	}
	return nil
}

// Store validates the input, persists a new fragment, and indexes its
// embedding. An embedding failure never blocks the write: the fragment
// persists unembedded and the next consolidation pass picks it up.
func (e *Engine) Store(ctx context.Context, in *StoreInput) (*types.Fragment, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	if err := e.validateInput(in); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	relevance := 0.5
	if in.Relevance != nil {
		relevance = *in.Relevance
	}
	namespace := types.Namespace(in.ProjectID, in.AgentID)
	if in.Shared {
		namespace = types.SharedNamespace(in.ProjectID)
	}

	fr := &types.Fragment{
		ID:        uuid.NewString(),
		Namespace: namespace,
		Kind:      in.Kind,
		Content:   in.Content,
		Provenance: types.Provenance{
			AgentID:    in.AgentID,
			ProjectID:  in.ProjectID,
			WorkflowID: in.WorkflowID,
			SourceType: in.SourceType,
			SourceIDs:  append([]string(nil), in.SourceIDs...),
		},
		RelevanceScore: relevance,
		IsPinned:       in.Pin,
		Tags:           types.DedupTags(append(append([]string(nil), in.Tags...), in.AgentID)),
		Outcome:        in.Outcome,
		CreatedAt:      now,
		UpdatedAt:      now,
		Extra:          in.Extra,
	}

	if e.provider != nil {
		embedCtx, cancel := context.WithTimeout(ctx, e.cfg.Embedding.Timeout)
		vec, err := e.provider.Embed(embedCtx, fr.Content)
		cancel()
		if err != nil {
			e.logger.Printf("store: embedding %s failed, persisting unembedded: %v", fr.ID, err)
		} else {
			fr.Embedding = vec
		}
	}

	if err := e.adapter.Write(ctx, fr); err != nil {
		return nil, fmt.Errorf("engine: store: %w", err)
	}
	if fr.Embedding != nil {
		e.index.Add(fr.ID, fr.Embedding)
	}
	return fr, nil
}

func (e *Engine) validateInput(in *StoreInput) error {
	if in == nil {
		return fmt.Errorf("%w: input is nil", ErrValidation)
	}
	var problems []string
	if strings.TrimSpace(in.Content) == "" {
		problems = append(problems, "content is empty")
	}
	max := e.cfg.Limits.MaxContentLength
	if n := len([]rune(in.Content)); n > max {
		problems = append(problems, fmt.Sprintf("content length %d exceeds limit %d", n, max))
	}
	if in.ProjectID == "" {
		problems = append(problems, "project id is required")
	}
	if in.AgentID == "" {
		problems = append(problems, "agent id is required")
	}
	if !in.Kind.Valid() {
		problems = append(problems, fmt.Sprintf("unknown kind %q", in.Kind))
	}
	if !in.SourceType.Valid() {
		problems = append(problems, fmt.Sprintf("unknown source type %q", in.SourceType))
	}
	if !in.Outcome.Valid() {
		problems = append(problems, fmt.Sprintf("unknown outcome %q", in.Outcome))
	}
	if in.Relevance != nil && (*in.Relevance < 0 || *in.Relevance > 1) {
		problems = append(problems, fmt.Sprintf("relevance %g outside [0,1]", *in.Relevance))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(problems, "; "))
	}
	return nil
}

// Get fetches a fragment by id, archived included.
func (e *Engine) Get(ctx context.Context, id string) (*types.Fragment, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	return e.adapter.Read(ctx, id)
}

// Retrieve runs a budgeted, ranked retrieval and formats the selected
// fragments into a single prompt-ready block.
func (e *Engine) Retrieve(ctx context.Context, q *Query) (*RetrieveResult, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	res, err := e.retriever.Retrieve(ctx, q)
	if err != nil {
		return nil, err
	}
	res.Degraded = e.adapter.Degraded()
	res.FormattedText = FormatFragments(res.Fragments)
	return res, nil
}

// Search runs a ranked similarity search with no token budgeting and no
// access tracking.
func (e *Engine) Search(ctx context.Context, q *Query) ([]types.ScoredFragment, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	return e.retriever.Search(ctx, q)
}

// Pin exempts a fragment from relevance decay.
func (e *Engine) Pin(ctx context.Context, id string) error {
	return e.setPinned(ctx, id, true)
}

// Unpin re-enables relevance decay for a fragment.
func (e *Engine) Unpin(ctx context.Context, id string) error {
	return e.setPinned(ctx, id, false)
}

func (e *Engine) setPinned(ctx context.Context, id string, pinned bool) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	fr, err := e.adapter.Read(ctx, id)
	if err != nil {
		return err
	}
	if fr.IsPinned == pinned {
		return nil
	}
	fr.IsPinned = pinned
	fr.UpdatedAt = time.Now().UTC()
	return e.adapter.Write(ctx, fr)
}

// Reinforce boosts a fragment's relevance score, capped at 1.0. Agents
// call this when a retrieved memory proved useful.
func (e *Engine) Reinforce(ctx context.Context, id string, boost float64) error {
	if err := e.checkStarted(); err != nil {
		return err
	}
	if boost <= 0 {
		return fmt.Errorf("%w: boost must be positive", ErrValidation)
	}
	fr, err := e.adapter.Read(ctx, id)
	if err != nil {
		return err
	}
	fr.RelevanceScore += boost
	if fr.RelevanceScore > 1.0 {
		fr.RelevanceScore = 1.0
	}
	fr.UpdatedAt = time.Now().UTC()
	return e.adapter.Write(ctx, fr)
}

// Consolidate runs one consolidation cycle for a namespace.
func (e *Engine) Consolidate(ctx context.Context, namespace string) (*Report, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	report := e.consolidator.Run(ctx, namespace)
	e.mu.Lock()
	e.lastConsolidation = time.Now().UTC()
	e.mu.Unlock()
	return report, report.Err
}

// ConsolidateAll runs one consolidation cycle for every namespace.
func (e *Engine) ConsolidateAll(ctx context.Context) []*Report {
	if err := e.checkStarted(); err != nil {
		return []*Report{{Err: err}}
	}
	reports := e.consolidator.RunAll(ctx)
	e.mu.Lock()
	e.lastConsolidation = time.Now().UTC()
	e.mu.Unlock()
	return reports
}

// ForkNamespace copies source into target at a point in time.
func (e *Engine) ForkNamespace(ctx context.Context, source, target string) (int, error) {
	if err := e.checkStarted(); err != nil {
		return 0, err
	}
	return e.namespaces.Fork(ctx, source, target)
}

// MergeNamespaces reconciles source into target.
func (e *Engine) MergeNamespaces(ctx context.Context, source, target string) (*MergeReport, error) {
	if err := e.checkStarted(); err != nil {
		return nil, err
	}
	return e.namespaces.Merge(ctx, source, target)
}

// HealthCheck reports adapter liveness, index size, and degraded-mode
// state.
func (e *Engine) HealthCheck(ctx context.Context) *HealthStatus {
	e.mu.RLock()
	last := e.lastConsolidation
	e.mu.RUnlock()
	return &HealthStatus{
		AdapterAvailable:    e.adapter.IsAvailable(ctx),
		IndexSize:           e.index.Size(),
		LastConsolidationAt: last,
		QueuedWrites:        e.adapter.QueuedWrites(),
		Degraded:            e.adapter.Degraded(),
	}
}

// FormatFragments renders retrieved fragments as a prompt-ready text
// block, one section per fragment with its kind and tags.
func FormatFragments(frs []types.ScoredFragment) string {
	if len(frs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, sf := range frs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "[%s] %s", sf.Fragment.Kind, sf.Fragment.Content)
		if len(sf.Fragment.Tags) > 0 {
			fmt.Fprintf(&b, "\n(tags: %s)", strings.Join(sf.Fragment.Tags, ", "))
		}
	}
	return b.String()
}
