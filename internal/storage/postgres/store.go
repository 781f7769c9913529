package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// Ensure *Store implements storage.Adapter at compile time.
var _ storage.Adapter = (*Store)(nil)

// Store implements storage.Adapter using PostgreSQL with the pgvector
// extension. SearchByVector runs against the ivfflat cosine index, which
// is what makes this the "equivalent indexing" cloud backend; servers
// without pgvector are rejected at open rather than silently degraded.
type Store struct {
	db        *sql.DB
	dimension int
}

// New opens a PostgreSQL fragment store. dimension is the deployment's
// fixed embedding dimension; it types the pgvector column and must not
// change for the lifetime of the database.
func New(dsn string, dimension int) (*Store, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: embedding dimension must be positive", storage.ErrInvalidInput)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	s := &Store{db: db, dimension: dimension}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to apply schema: %w", err)
	}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: pgvector extension is required: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf(embeddingSchema, dimension)); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to apply embedding schema: %w", err)
	}

	log.Printf("postgres: fragment store ready (dimension=%d)", dimension)
	return s, nil
}

// Write upserts a fragment and its embedding inside one transaction.
func (s *Store) Write(ctx context.Context, fr *types.Fragment) error {
	return s.BulkWrite(ctx, []*types.Fragment{fr})
}

// BulkWrite upserts a set of fragments atomically in one transaction.
func (s *Store) BulkWrite(ctx context.Context, frs []*types.Fragment) error {
	for _, fr := range frs {
		if err := validateFragment(fr); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin bulk write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, fr := range frs {
		if err := s.upsertFragment(ctx, tx, fr); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit bulk write: %w", err)
	}
	return nil
}

func validateFragment(fr *types.Fragment) error {
	if fr == nil {
		return storage.ErrInvalidInput
	}
	if fr.ID == "" {
		return fmt.Errorf("%w: fragment id is required", storage.ErrInvalidInput)
	}
	if fr.Content == "" {
		return fmt.Errorf("%w: fragment content is required", storage.ErrInvalidInput)
	}
	if fr.Namespace == "" {
		return fmt.Errorf("%w: fragment namespace is required", storage.ErrInvalidInput)
	}
	return nil
}

func (s *Store) upsertFragment(ctx context.Context, tx *sql.Tx, fr *types.Fragment) error {
	sourceIDsJSON, err := marshalJSONB(fr.Provenance.SourceIDs)
	if err != nil {
		return fmt.Errorf("postgres: marshal source_ids: %w", err)
	}
	tagsJSON, err := marshalJSONB(fr.Tags)
	if err != nil {
		return fmt.Errorf("postgres: marshal tags: %w", err)
	}
	var extraJSON interface{}
	if len(fr.Extra) > 0 {
		b, err := json.Marshal(fr.Extra)
		if err != nil {
			return fmt.Errorf("postgres: marshal extra: %w", err)
		}
		extraJSON = string(b)
	}

	var lastAccessed interface{}
	if fr.LastAccessedAt != nil {
		lastAccessed = fr.LastAccessedAt.UTC()
	}

	const query = `
		INSERT INTO fragments (
			id, namespace, kind, content,
			agent_id, project_id, workflow_id, source_type, source_ids,
			relevance_score, access_count, is_pinned, is_archived,
			tags, outcome, extra,
			created_at, updated_at, last_accessed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			content = EXCLUDED.content,
			agent_id = EXCLUDED.agent_id,
			project_id = EXCLUDED.project_id,
			workflow_id = EXCLUDED.workflow_id,
			source_type = EXCLUDED.source_type,
			source_ids = EXCLUDED.source_ids,
			relevance_score = EXCLUDED.relevance_score,
			access_count = EXCLUDED.access_count,
			is_pinned = EXCLUDED.is_pinned,
			is_archived = EXCLUDED.is_archived,
			tags = EXCLUDED.tags,
			outcome = EXCLUDED.outcome,
			extra = EXCLUDED.extra,
			updated_at = EXCLUDED.updated_at,
			last_accessed_at = EXCLUDED.last_accessed_at
	`
	_, err = tx.ExecContext(ctx, query,
		fr.ID, fr.Namespace, string(fr.Kind), fr.Content,
		fr.Provenance.AgentID, fr.Provenance.ProjectID,
		nullString(fr.Provenance.WorkflowID), string(fr.Provenance.SourceType), sourceIDsJSON,
		fr.RelevanceScore, fr.AccessCount, fr.IsPinned, fr.IsArchived,
		tagsJSON, nullString(string(fr.Outcome)), extraJSON,
		fr.CreatedAt.UTC(), fr.UpdatedAt.UTC(), lastAccessed,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert fragment %s: %w", fr.ID, err)
	}

	if fr.Embedding == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE fragment_id = $1`, fr.ID); err != nil {
			return fmt.Errorf("postgres: clear embedding %s: %w", fr.ID, err)
		}
		return nil
	}
	if len(fr.Embedding) != s.dimension {
		return fmt.Errorf("%w: embedding dimension %d does not match store dimension %d",
			storage.ErrInvalidInput, len(fr.Embedding), s.dimension)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (fragment_id, embedding)
		VALUES ($1, $2)
		ON CONFLICT (fragment_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
		fr.ID, pgvector.NewVector(fr.Embedding),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert embedding %s: %w", fr.ID, err)
	}
	return nil
}

// fragmentColumns is the canonical SELECT column list. It must match the
// scan order in scanFragment.
const fragmentColumns = `
	f.id, f.namespace, f.kind, f.content,
	f.agent_id, f.project_id, f.workflow_id, f.source_type, f.source_ids,
	f.relevance_score, f.access_count, f.is_pinned, f.is_archived,
	f.tags, f.outcome, f.extra,
	f.created_at, f.updated_at, f.last_accessed_at,
	e.embedding
`

const fragmentFrom = `
	FROM fragments f
	LEFT JOIN embeddings e ON e.fragment_id = f.id
`

// Read retrieves a fragment by id, archived included.
func (s *Store) Read(ctx context.Context, id string) (*types.Fragment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+` WHERE f.id = $1`, id)
	fr, err := scanFragment(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read %s: %w", id, err)
	}
	return fr, nil
}

// BulkRead retrieves fragments for the given ids, preserving input order
// and silently omitting missing ids.
func (s *Store) BulkRead(ctx context.Context, ids []string) ([]*types.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+` WHERE f.id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: bulk read: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*types.Fragment, len(ids))
	for rows.Next() {
		fr, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: bulk read scan: %w", err)
		}
		byID[fr.ID] = fr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: bulk read rows: %w", err)
	}

	out := make([]*types.Fragment, 0, len(byID))
	for _, id := range ids {
		if fr, ok := byID[id]; ok {
			out = append(out, fr)
		}
	}
	return out, nil
}

// Delete permanently removes a fragment and reports whether it existed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("postgres: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: delete rows affected: %w", err)
	}
	return n > 0, nil
}

// Query returns all fragments matching the filter in id order. Cheap
// predicates run in SQL; scanned rows pass through Filter.Matches so the
// result agrees exactly with the reference predicate.
func (s *Store) Query(ctx context.Context, f *types.Filter) ([]*types.Fragment, error) {
	where, args := buildFilterSQL(f, 0)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+where+` ORDER BY f.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Fragment
	for rows.Next() {
		fr, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: query scan: %w", err)
		}
		if f.Matches(fr) {
			out = append(out, fr)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: query rows: %w", err)
	}
	return out, nil
}

// Count returns the number of fragments matching the filter. It shares
// the Query scan so the two always agree.
func (s *Store) Count(ctx context.Context, f *types.Filter) (int, error) {
	frs, err := s.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(frs), nil
}

// SearchByVector returns the topK most similar fragments matching the
// filter. With pgvector it orders by the <=> cosine-distance operator so
// the ivfflat index is used; similarity is 1 - distance. Because tag
// filtering happens after the SQL, the ANN query over-fetches (4x topK)
// before the Go-side filter trims the result.
func (s *Store) SearchByVector(ctx context.Context, embedding []float32, topK int, f *types.Filter) ([]storage.VectorMatch, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}

	if len(embedding) != s.dimension {
		return nil, fmt.Errorf("%w: query dimension %d does not match store dimension %d",
			storage.ErrInvalidInput, len(embedding), s.dimension)
	}

	candidateLimit := topK * 4
	if candidateLimit < 50 {
		candidateLimit = 50
	}

	vec := pgvector.NewVector(embedding)
	where, args := buildFilterSQL(f, 1) // $1 is reserved for the query vector
	querySQL := `
		SELECT ` + fragmentColumns + `,
		       1 - (e.embedding <=> $1) AS similarity
		FROM embeddings e
		JOIN fragments f ON f.id = e.fragment_id
	` + where + `
		ORDER BY e.embedding <=> $1, f.id
		LIMIT ` + fmt.Sprintf("%d", candidateLimit)

	rows, err := s.db.QueryContext(ctx, querySQL, append([]interface{}{vec}, args...)...)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		fr, sim, err := scanScoredFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: vector search scan: %w", err)
		}
		if !f.Matches(fr) {
			continue
		}
		matches = append(matches, storage.VectorMatch{Fragment: fr, Similarity: sim})
		if len(matches) == topK {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector search rows: %w", err)
	}
	return matches, nil
}

// ExportAll returns a full lossless dump ordered by id.
func (s *Store) ExportAll(ctx context.Context) ([]*types.Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+` ORDER BY f.id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: export: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Fragment
	for rows.Next() {
		fr, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: export scan: %w", err)
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: export rows: %w", err)
	}
	return out, nil
}

// ImportAll restores a full dump. Existing ids are overwritten.
func (s *Store) ImportAll(ctx context.Context, frs []*types.Fragment) error {
	return s.BulkWrite(ctx, frs)
}

// IsAvailable pings the database.
func (s *Store) IsAvailable(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}

// NativeANN reports true: the pgvector ivfflat index is always active.
func (s *Store) NativeANN() bool { return true }

// Stats returns fragment counts and the database size as reported by
// pg_total_relation_size.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	st := &storage.Stats{Backend: "postgres"}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments`).Scan(&st.FragmentCount); err != nil {
		return nil, fmt.Errorf("postgres: stats count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&st.EmbeddedCount); err != nil {
		return nil, fmt.Errorf("postgres: stats embedded count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments WHERE is_archived`).Scan(&st.ArchivedCount); err != nil {
		return nil, fmt.Errorf("postgres: stats archived count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT pg_total_relation_size('fragments')`).Scan(&st.StorageBytes); err != nil {
		// Size is advisory; don't fail stats over it.
		st.StorageBytes = 0
	}
	return st, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// buildFilterSQL converts the cheap filter predicates into a WHERE clause
// with $n placeholders starting after argOffset reserved parameters.
func buildFilterSQL(f *types.Filter, argOffset int) (string, []interface{}) {
	var conds []string
	var args []interface{}

	next := func() string {
		return fmt.Sprintf("$%d", argOffset+len(args)+1)
	}

	if f == nil || !f.IncludeArchived {
		conds = append(conds, "NOT f.is_archived")
	}
	if f != nil {
		if f.Namespace != "" {
			conds = append(conds, "f.namespace = "+next())
			args = append(args, f.Namespace)
		}
		if f.AgentID != "" {
			conds = append(conds, "f.agent_id = "+next())
			args = append(args, f.AgentID)
		}
		if f.ProjectID != "" {
			conds = append(conds, "f.project_id = "+next())
			args = append(args, f.ProjectID)
		}
		if f.Kind != "" {
			conds = append(conds, "f.kind = "+next())
			args = append(args, string(f.Kind))
		}
		if f.MinRelevance > 0 {
			conds = append(conds, "f.relevance_score >= "+next())
			args = append(args, f.MinRelevance)
		}
		if !f.CreatedAfter.IsZero() {
			conds = append(conds, "f.created_at > "+next())
			args = append(args, f.CreatedAfter.UTC())
		}
		if !f.CreatedBefore.IsZero() {
			conds = append(conds, "f.created_at < "+next())
			args = append(args, f.CreatedBefore.UTC())
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFragment(row rowScanner) (*types.Fragment, error) {
	fr, _, err := scanFragmentInner(row, false)
	return fr, err
}

func scanScoredFragment(row rowScanner) (*types.Fragment, float64, error) {
	return scanFragmentInner(row, true)
}

func scanFragmentInner(row rowScanner, withSimilarity bool) (*types.Fragment, float64, error) {
	var fr types.Fragment
	var kind, sourceType string
	var workflowID, sourceIDsJSON, tagsJSON, outcome, extraJSON sql.NullString
	var lastAccessedAt sql.NullTime
	var embeddingRaw []byte
	var similarity float64

	dest := []interface{}{
		&fr.ID, &fr.Namespace, &kind, &fr.Content,
		&fr.Provenance.AgentID, &fr.Provenance.ProjectID, &workflowID, &sourceType, &sourceIDsJSON,
		&fr.RelevanceScore, &fr.AccessCount, &fr.IsPinned, &fr.IsArchived,
		&tagsJSON, &outcome, &extraJSON,
		&fr.CreatedAt, &fr.UpdatedAt, &lastAccessedAt,
		&embeddingRaw,
	}
	if withSimilarity {
		dest = append(dest, &similarity)
	}

	if err := row.Scan(dest...); err != nil {
		return nil, 0, err
	}

	fr.Kind = types.Kind(kind)
	fr.Provenance.SourceType = types.SourceType(sourceType)
	fr.CreatedAt = fr.CreatedAt.UTC()
	fr.UpdatedAt = fr.UpdatedAt.UTC()
	if workflowID.Valid {
		fr.Provenance.WorkflowID = workflowID.String
	}
	if outcome.Valid {
		fr.Outcome = types.Outcome(outcome.String)
	}
	if lastAccessedAt.Valid {
		t := lastAccessedAt.Time.UTC()
		fr.LastAccessedAt = &t
	}
	if sourceIDsJSON.Valid && sourceIDsJSON.String != "" {
		if err := json.Unmarshal([]byte(sourceIDsJSON.String), &fr.Provenance.SourceIDs); err != nil {
			return nil, 0, fmt.Errorf("unmarshal source_ids: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &fr.Tags); err != nil {
			return nil, 0, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if extraJSON.Valid && extraJSON.String != "" {
		if err := json.Unmarshal([]byte(extraJSON.String), &fr.Extra); err != nil {
			return nil, 0, fmt.Errorf("unmarshal extra: %w", err)
		}
	}
	if embeddingRaw != nil {
		var vec pgvector.Vector
		if err := vec.Scan(embeddingRaw); err != nil {
			return nil, 0, fmt.Errorf("scan embedding: %w", err)
		}
		fr.Embedding = vec.Slice()
	}

	return &fr, similarity, nil
}

func marshalJSONB(v []string) (interface{}, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
