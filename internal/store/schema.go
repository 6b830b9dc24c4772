package store

import "fmt"

// schemaSQL returns the DDL for all relational and graph tables.
// embeddingDim controls the vec0 virtual table dimension.
func schemaSQL(embeddingDim int) string {
	return fmt.Sprintf(`
-- One row per ingested version of an artifact.
CREATE TABLE IF NOT EXISTS artifact_revisions (
    artifact_uid TEXT NOT NULL,
    revision_id TEXT NOT NULL,
    artifact_id TEXT NOT NULL,
    artifact_type TEXT NOT NULL,
    source_system TEXT NOT NULL DEFAULT '',
    source_id TEXT NOT NULL DEFAULT '',
    content_hash TEXT NOT NULL,
    token_count INTEGER NOT NULL,
    is_chunked INTEGER NOT NULL DEFAULT 0,
    chunk_count INTEGER NOT NULL DEFAULT 0,
    is_latest INTEGER NOT NULL DEFAULT 1,
    metadata TEXT NOT NULL DEFAULT '{}',
    ingested_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (artifact_uid, revision_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_revisions_latest
    ON artifact_revisions(artifact_uid) WHERE is_latest = 1;
CREATE INDEX IF NOT EXISTS idx_revisions_artifact_id ON artifact_revisions(artifact_id);

-- Directly remembered notes outside the artifact pipeline.
CREATE TABLE IF NOT EXISTS memories (
    memory_id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

-- Durable job queue. At most one row per (artifact_uid, revision_id, job_type).
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    job_type TEXT NOT NULL,
    artifact_uid TEXT NOT NULL,
    revision_id TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'PENDING',
    attempts INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 5,
    next_run_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    locked_by TEXT,
    locked_at TIMESTAMP,
    last_error TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (artifact_uid, revision_id, job_type)
);
CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON jobs(status, next_run_at);

-- Structured extractions. Replaced wholesale per revision on re-extraction.
CREATE TABLE IF NOT EXISTS semantic_events (
    event_id TEXT PRIMARY KEY,
    artifact_uid TEXT NOT NULL,
    revision_id TEXT NOT NULL,
    category TEXT NOT NULL,
    narrative TEXT NOT NULL,
    event_time TIMESTAMP,
    confidence REAL NOT NULL DEFAULT 0,
    extraction_run_id TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_revision ON semantic_events(artifact_uid, revision_id);

CREATE TABLE IF NOT EXISTS evidence (
    evidence_id TEXT PRIMARY KEY,
    event_id TEXT NOT NULL REFERENCES semantic_events(event_id) ON DELETE CASCADE,
    artifact_uid TEXT NOT NULL,
    revision_id TEXT NOT NULL,
    chunk_id TEXT NOT NULL DEFAULT '',
    start_char INTEGER NOT NULL,
    end_char INTEGER NOT NULL,
    quote TEXT NOT NULL,
    CHECK (end_char > start_char)
);
CREATE INDEX IF NOT EXISTS idx_evidence_event ON evidence(event_id);

-- Canonical entities. Append-only apart from alias/mention additions,
-- canonical-name upgrades, review flags and embedding repair.
CREATE TABLE IF NOT EXISTS entities (
    entity_id TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    canonical_name TEXT NOT NULL,
    normalized_name TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT '',
    organization TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT '',
    has_embedding INTEGER NOT NULL DEFAULT 0,
    first_seen_artifact_uid TEXT NOT NULL,
    first_seen_revision_id TEXT NOT NULL,
    needs_review INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_entities_normalized ON entities(entity_type, normalized_name);

CREATE VIRTUAL TABLE IF NOT EXISTS vec_entities USING vec0(
    entity_rowid INTEGER PRIMARY KEY,
    embedding float[%d] distance_metric=cosine
);

CREATE TABLE IF NOT EXISTS entity_aliases (
    entity_id TEXT NOT NULL REFERENCES entities(entity_id),
    alias TEXT NOT NULL,
    normalized_alias TEXT NOT NULL,
    PRIMARY KEY (entity_id, normalized_alias)
);

CREATE TABLE IF NOT EXISTS entity_mentions (
    mention_id TEXT PRIMARY KEY,
    entity_id TEXT NOT NULL REFERENCES entities(entity_id),
    artifact_uid TEXT NOT NULL,
    revision_id TEXT NOT NULL,
    surface_form TEXT NOT NULL,
    start_char INTEGER,
    end_char INTEGER
);
CREATE INDEX IF NOT EXISTS idx_mentions_revision ON entity_mentions(artifact_uid, revision_id);
CREATE INDEX IF NOT EXISTS idx_mentions_entity ON entity_mentions(entity_id);

CREATE TABLE IF NOT EXISTS event_actors (
    event_id TEXT NOT NULL REFERENCES semantic_events(event_id) ON DELETE CASCADE,
    entity_id TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'other',
    PRIMARY KEY (event_id, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_actors_entity ON event_actors(entity_id);

CREATE TABLE IF NOT EXISTS event_subjects (
    event_id TEXT NOT NULL REFERENCES semantic_events(event_id) ON DELETE CASCADE,
    entity_id TEXT NOT NULL,
    PRIMARY KEY (event_id, entity_id)
);
CREATE INDEX IF NOT EXISTS idx_subjects_entity ON event_subjects(entity_id);

-- Uncertain-merge flags; cleared when a later extraction confirms the merge.
CREATE TABLE IF NOT EXISTS entity_relations (
    entity_id TEXT NOT NULL,
    other_entity_id TEXT NOT NULL,
    relation TEXT NOT NULL DEFAULT 'POSSIBLY_SAME',
    confidence REAL NOT NULL DEFAULT 0,
    reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (entity_id, other_entity_id, relation)
);

-- Derived graph, rebuildable from the tables above at any time.
CREATE TABLE IF NOT EXISTS graph_nodes (
    node_id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    label TEXT NOT NULL DEFAULT '',
    properties TEXT NOT NULL DEFAULT '{}',
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_graph_nodes_kind ON graph_nodes(kind);

CREATE TABLE IF NOT EXISTS graph_edges (
    src TEXT NOT NULL,
    dst TEXT NOT NULL,
    kind TEXT NOT NULL,
    properties TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (src, dst, kind)
);
CREATE INDEX IF NOT EXISTS idx_graph_edges_dst ON graph_edges(dst);
`, embeddingDim)
}
