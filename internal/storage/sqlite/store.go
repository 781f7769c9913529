// Package sqlite provides the embedded local backend for the fragment
// store. It keeps fragments in a WAL-mode SQLite database with embeddings
// stored as fixed-width float32 BLOBs in a side table. Vector search is a
// linear cosine scan computed in Go; the backend reports no native ANN
// support, so the vector index only delegates the scan here when its own
// snapshot is cold.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nelsen3000/nova-memory/internal/storage"
	"github.com/nelsen3000/nova-memory/pkg/types"
)

// Ensure *Store implements storage.Adapter at compile time.
var _ storage.Adapter = (*Store)(nil)

// Store implements storage.Adapter using SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// New opens (or creates) a SQLite fragment store at the given DSN and
// applies the schema. Use ":memory:" for an ephemeral store.
func New(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; WAL
	// mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to create schema: %w", err)
	}

	return &Store{db: db, path: dsn}, nil
}

// Write upserts a fragment and its embedding inside one transaction.
func (s *Store) Write(ctx context.Context, fr *types.Fragment) error {
	if err := validateFragment(fr); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertFragment(ctx, tx, fr); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit write: %w", err)
	}
	return nil
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
		return fmt.Errorf("sqlite: begin bulk write: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, fr := range frs {
		if err := upsertFragment(ctx, tx, fr); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit bulk write: %w", err)
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

// execer abstracts *sql.Tx and *sql.DB for the upsert helpers.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertFragment(ctx context.Context, tx execer, fr *types.Fragment) error {
	sourceIDsJSON, err := marshalNullable(fr.Provenance.SourceIDs)
	if err != nil {
		return fmt.Errorf("sqlite: marshal source_ids: %w", err)
	}
	tagsJSON, err := marshalNullable(fr.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tags: %w", err)
	}
	var extraJSON interface{}
	if len(fr.Extra) > 0 {
		b, err := json.Marshal(fr.Extra)
		if err != nil {
			return fmt.Errorf("sqlite: marshal extra: %w", err)
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
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			content = excluded.content,
			agent_id = excluded.agent_id,
			project_id = excluded.project_id,
			workflow_id = excluded.workflow_id,
			source_type = excluded.source_type,
			source_ids = excluded.source_ids,
			relevance_score = excluded.relevance_score,
			access_count = excluded.access_count,
			is_pinned = excluded.is_pinned,
			is_archived = excluded.is_archived,
			tags = excluded.tags,
			outcome = excluded.outcome,
			extra = excluded.extra,
			updated_at = excluded.updated_at,
			last_accessed_at = excluded.last_accessed_at
	`
	_, err = tx.ExecContext(ctx, query,
		fr.ID, fr.Namespace, string(fr.Kind), fr.Content,
		fr.Provenance.AgentID, fr.Provenance.ProjectID,
		nullString(fr.Provenance.WorkflowID), string(fr.Provenance.SourceType), sourceIDsJSON,
		fr.RelevanceScore, fr.AccessCount, boolToInt(fr.IsPinned), boolToInt(fr.IsArchived),
		tagsJSON, nullString(string(fr.Outcome)), extraJSON,
		fr.CreatedAt.UTC(), fr.UpdatedAt.UTC(), lastAccessed,
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert fragment %s: %w", fr.ID, err)
	}

	if fr.Embedding == nil {
		if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE fragment_id = ?`, fr.ID); err != nil {
			return fmt.Errorf("sqlite: clear embedding %s: %w", fr.ID, err)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO embeddings (fragment_id, dimension, vector)
		VALUES (?, ?, ?)
		ON CONFLICT(fragment_id) DO UPDATE SET
			dimension = excluded.dimension,
			vector = excluded.vector`,
		fr.ID, len(fr.Embedding), serializeEmbedding(fr.Embedding),
	)
	if err != nil {
		return fmt.Errorf("sqlite: upsert embedding %s: %w", fr.ID, err)
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
	e.dimension, e.vector
`

const fragmentFrom = `
	FROM fragments f
	LEFT JOIN embeddings e ON e.fragment_id = f.id
`

// Read retrieves a fragment by id, archived included.
func (s *Store) Read(ctx context.Context, id string) (*types.Fragment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+` WHERE f.id = ?`, id)
	fr, err := scanFragment(row)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read %s: %w", id, err)
	}
	return fr, nil
}

// BulkRead retrieves fragments for the given ids, preserving input order
// and silently omitting missing ids.
func (s *Store) BulkRead(ctx context.Context, ids []string) ([]*types.Fragment, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+` WHERE f.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: bulk read: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byID := make(map[string]*types.Fragment, len(ids))
	for rows.Next() {
		fr, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: bulk read scan: %w", err)
		}
		byID[fr.ID] = fr
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: bulk read rows: %w", err)
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
// The embeddings row goes with it via ON DELETE CASCADE.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fragments WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: delete rows affected: %w", err)
	}
	return n > 0, nil
}

// Query returns all fragments matching the filter in id order.
//
// Cheap predicates are pushed into SQL; the scanned rows are then run
// through Filter.Matches so the result agrees exactly with the reference
// predicate (tag intersection stays in Go because tags live in a JSON
// column).
func (s *Store) Query(ctx context.Context, f *types.Filter) ([]*types.Fragment, error) {
	where, args := buildFilterSQL(f)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+where+` ORDER BY f.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Fragment
	for rows.Next() {
		fr, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: query scan: %w", err)
		}
		if f.Matches(fr) {
			out = append(out, fr)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: query rows: %w", err)
	}
	return out, nil
}

// Count returns the number of fragments matching the filter.
func (s *Store) Count(ctx context.Context, f *types.Filter) (int, error) {
	// Tag intersection cannot be counted in SQL, so counting goes through
	// the same scan as Query to keep the two in exact agreement.
	frs, err := s.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	return len(frs), nil
}

// SearchByVector performs a linear cosine scan over every embedded
// fragment matching the filter, descending, ties broken by id.
func (s *Store) SearchByVector(ctx context.Context, embedding []float32, topK int, f *types.Filter) ([]storage.VectorMatch, error) {
	if len(embedding) == 0 || topK <= 0 {
		return nil, nil
	}

	where, args := buildFilterSQL(f)
	if where == "" {
		where = " WHERE e.fragment_id IS NOT NULL"
	} else {
		where += " AND e.fragment_id IS NOT NULL"
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+where, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var matches []storage.VectorMatch
	for rows.Next() {
		fr, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: vector search scan: %w", err)
		}
		if fr.Embedding == nil || !f.Matches(fr) {
			continue
		}
		// Wrong-dimension embeddings are excluded from similarity math;
		// the caller flags them for re-embedding via the index.
		if len(fr.Embedding) != len(embedding) {
			continue
		}
		matches = append(matches, storage.VectorMatch{
			Fragment:   fr,
			Similarity: storage.CosineSimilarity(embedding, fr.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: vector search rows: %w", err)
	}

	storage.SortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// ExportAll returns a full lossless dump ordered by id.
func (s *Store) ExportAll(ctx context.Context) ([]*types.Fragment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fragmentColumns+fragmentFrom+` ORDER BY f.id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: export: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Fragment
	for rows.Next() {
		fr, err := scanFragment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: export scan: %w", err)
		}
		out = append(out, fr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: export rows: %w", err)
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

// NativeANN reports false: SQLite has no approximate index here, only the
// linear scan.
func (s *Store) NativeANN() bool { return false }

// Stats returns fragment counts and the database file size.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	st := &storage.Stats{Backend: "sqlite"}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments`).Scan(&st.FragmentCount); err != nil {
		return nil, fmt.Errorf("sqlite: stats count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&st.EmbeddedCount); err != nil {
		return nil, fmt.Errorf("sqlite: stats embedded count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fragments WHERE is_archived = 1`).Scan(&st.ArchivedCount); err != nil {
		return nil, fmt.Errorf("sqlite: stats archived count: %w", err)
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err == nil {
		if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err == nil {
			st.StorageBytes = pageCount * pageSize
		}
	}
	return st, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// buildFilterSQL converts the cheap filter predicates into a WHERE clause.
// Tag intersection is deliberately left to Filter.Matches in Go.
func buildFilterSQL(f *types.Filter) (string, []interface{}) {
	var conds []string
	var args []interface{}

	if f == nil || !f.IncludeArchived {
		conds = append(conds, "f.is_archived = 0")
	}
	if f != nil {
		if f.Namespace != "" {
			conds = append(conds, "f.namespace = ?")
			args = append(args, f.Namespace)
		}
		if f.AgentID != "" {
			conds = append(conds, "f.agent_id = ?")
			args = append(args, f.AgentID)
		}
		if f.ProjectID != "" {
			conds = append(conds, "f.project_id = ?")
			args = append(args, f.ProjectID)
		}
		if f.Kind != "" {
			conds = append(conds, "f.kind = ?")
			args = append(args, string(f.Kind))
		}
		if f.MinRelevance > 0 {
			conds = append(conds, "f.relevance_score >= ?")
			args = append(args, f.MinRelevance)
		}
		if !f.CreatedAfter.IsZero() {
			conds = append(conds, "f.created_at > ?")
			args = append(args, f.CreatedAfter.UTC())
		}
		if !f.CreatedBefore.IsZero() {
			conds = append(conds, "f.created_at < ?")
			args = append(args, f.CreatedBefore.UTC())
		}
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// rowScanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanFragment(row rowScanner) (*types.Fragment, error) {
	var fr types.Fragment
	var kind, sourceType string
	var workflowID, sourceIDsJSON, tagsJSON, outcome, extraJSON sql.NullString
	var isPinned, isArchived int
	var lastAccessedAt sql.NullTime
	var dimension sql.NullInt64
	var vector []byte

	err := row.Scan(
		&fr.ID, &fr.Namespace, &kind, &fr.Content,
		&fr.Provenance.AgentID, &fr.Provenance.ProjectID, &workflowID, &sourceType, &sourceIDsJSON,
		&fr.RelevanceScore, &fr.AccessCount, &isPinned, &isArchived,
		&tagsJSON, &outcome, &extraJSON,
		&fr.CreatedAt, &fr.UpdatedAt, &lastAccessedAt,
		&dimension, &vector,
	)
	if err != nil {
		return nil, err
	}

	fr.Kind = types.Kind(kind)
	fr.Provenance.SourceType = types.SourceType(sourceType)
	fr.IsPinned = isPinned != 0
	fr.IsArchived = isArchived != 0
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
			return nil, fmt.Errorf("unmarshal source_ids: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &fr.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	if extraJSON.Valid && extraJSON.String != "" {
		if err := json.Unmarshal([]byte(extraJSON.String), &fr.Extra); err != nil {
			return nil, fmt.Errorf("unmarshal extra: %w", err)
		}
	}
	if dimension.Valid && len(vector) > 0 {
		emb, err := deserializeEmbedding(vector, int(dimension.Int64))
		if err != nil {
			return nil, fmt.Errorf("fragment %s: %w", fr.ID, err)
		}
		fr.Embedding = emb
	}

	return &fr, nil
}

// serializeEmbedding encodes a vector as a little-endian float32 BLOB.
func serializeEmbedding(embedding []float32) []byte {
	buf := make([]byte, 4*len(embedding))
	for i, v := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeEmbedding decodes a float32 BLOB, validating the declared
// dimension against the blob length.
func deserializeEmbedding(blob []byte, dimension int) ([]float32, error) {
	if len(blob) != 4*dimension {
		return nil, fmt.Errorf("embedding blob length %d does not match dimension %d", len(blob), dimension)
	}
	out := make([]float32, dimension)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return out, nil
}

func marshalNullable(v []string) (interface{}, error) {
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
