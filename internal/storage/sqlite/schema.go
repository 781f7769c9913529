package sqlite

// Schema contains the SQL statements to create the fragment store schema.
// All statements are idempotent (IF NOT EXISTS) so the schema can be
// re-applied on every open.
const Schema = `
-- Fragments table: one row per memory unit.
CREATE TABLE IF NOT EXISTS fragments (
    id TEXT PRIMARY KEY,
    namespace TEXT NOT NULL,
    kind TEXT NOT NULL,
    content TEXT NOT NULL,

    -- Provenance
    agent_id TEXT NOT NULL,
    project_id TEXT NOT NULL,
    workflow_id TEXT,
    source_type TEXT NOT NULL,
    source_ids TEXT,          -- JSON array

    -- Scoring state
    relevance_score REAL NOT NULL DEFAULT 1.0,
    access_count INTEGER NOT NULL DEFAULT 0,
    is_pinned INTEGER NOT NULL DEFAULT 0,
    is_archived INTEGER NOT NULL DEFAULT 0,

    -- Metadata
    tags TEXT,                -- JSON array
    outcome TEXT,
    extra TEXT,               -- JSON object, opaque to the core

    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    last_accessed_at TIMESTAMP
);

-- Embeddings table: fixed-width vectors stored as little-endian float32 BLOBs.
-- Absence of a row is the explicit "unembedded" state.
CREATE TABLE IF NOT EXISTS embeddings (
    fragment_id TEXT PRIMARY KEY REFERENCES fragments(id) ON DELETE CASCADE,
    dimension INTEGER NOT NULL,
    vector BLOB NOT NULL
);

-- Secondary indexes backing the fixed filter shape.
CREATE INDEX IF NOT EXISTS idx_fragments_namespace ON fragments(namespace);
CREATE INDEX IF NOT EXISTS idx_fragments_project ON fragments(project_id);
CREATE INDEX IF NOT EXISTS idx_fragments_agent ON fragments(agent_id);
CREATE INDEX IF NOT EXISTS idx_fragments_ns_relevance ON fragments(namespace, relevance_score);
CREATE INDEX IF NOT EXISTS idx_fragments_ns_kind ON fragments(namespace, kind);
CREATE INDEX IF NOT EXISTS idx_fragments_archived ON fragments(is_archived);
`
