// Package postgres provides the networked cloud backend for the fragment
// store, with pgvector-native approximate nearest-neighbor search.
package postgres

// Schema contains the SQL statements to create the fragment store schema.
// All statements are idempotent. The embeddings table and its ivfflat
// index are created separately because the vector column needs the
// deployment's embedding dimension (see embeddingSchema).
const Schema = `
CREATE TABLE IF NOT EXISTS fragments (
    id TEXT PRIMARY KEY,
    namespace TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,

    agent_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    workflow_id TEXT,
    source_type TEXT NOT NULL,
    source_ids JSONB,

    relevance_score DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    access_count INTEGER NOT NULL DEFAULT 0,
    is_pinned BOOLEAN NOT NULL DEFAULT FALSE,
    is_archived BOOLEAN NOT NULL DEFAULT FALSE,

    tags JSONB,
    outcome TEXT,
    extra JSONB,

    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL,
    last_accessed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_fragments_namespace ON fragments(namespace);
CREATE INDEX IF NOT EXISTS idx_fragments_project ON fragments(project_id);
CREATE INDEX IF NOT EXISTS idx_fragments_agent ON fragments(agent_id);
CREATE INDEX IF NOT EXISTS idx_fragments_ns_relevance ON fragments(namespace, relevance_score);
CREATE INDEX IF NOT EXISTS idx_fragments_ns_kind ON fragments(namespace, kind);
CREATE INDEX IF NOT EXISTS idx_fragments_archived ON fragments(is_archived);
`

// embeddingSchema is formatted with the embedding dimension before being
// applied. The ivfflat index accelerates cosine-distance ordering; list
// count 100 is the pgvector default guidance for corpora under a million
// rows.
const embeddingSchema = `
CREATE TABLE IF NOT EXISTS embeddings (
    fragment_id TEXT PRIMARY KEY REFERENCES fragments(id) ON DELETE CASCADE,
    embedding vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_embeddings_cosine
    ON embeddings USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
