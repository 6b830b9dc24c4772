package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/engramkit/engram/internal/types"
)

// CreateRevision inserts a new revision and flips is_latest off on every
// prior revision of the same artifact in the same transaction.
func (t *Tx) CreateRevision(ctx context.Context, rev *types.ArtifactRevision, metadata map[string]any) error {
	if !rev.ArtifactType.IsValid() {
		return fmt.Errorf("invalid artifact type %q", rev.ArtifactType)
	}
	if rev.IngestedAt.IsZero() {
		rev.IngestedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(orEmptyMeta(metadata))
	if err != nil {
		return fmt.Errorf("marshal revision metadata: %w", err)
	}

	if _, err := t.conn.ExecContext(ctx,
		"UPDATE artifact_revisions SET is_latest = 0 WHERE artifact_uid = ? AND is_latest = 1",
		rev.ArtifactUID); err != nil {
		return wrapDBError("supersede old revisions", err)
	}

	rev.IsLatest = true
	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO artifact_revisions
			(artifact_uid, revision_id, artifact_id, artifact_type, source_system, source_id,
			 content_hash, token_count, is_chunked, chunk_count, is_latest, metadata, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, rev.ArtifactUID, rev.RevisionID, rev.ArtifactID, string(rev.ArtifactType),
		rev.SourceSystem, rev.SourceID, rev.ContentHash, rev.TokenCount,
		boolInt(rev.IsChunked), rev.ChunkCount, string(meta), rev.IngestedAt)
	return wrapDBError("insert revision", err)
}

// CascadeCounts reports what a cascade delete removed.
type CascadeCounts struct {
	Revisions int `json:"revisions"`
	Events    int `json:"events"`
	Mentions  int `json:"mentions"`
}

// DeleteCascade removes every revision of an artifact together with its
// events (evidence, actor and subject rows go via FK cascade) and mentions.
// Entities are left in place; orphans are not garbage-collected.
func (t *Tx) DeleteCascade(ctx context.Context, artifactUID string) (CascadeCounts, error) {
	var counts CascadeCounts

	res, err := t.conn.ExecContext(ctx,
		"DELETE FROM semantic_events WHERE artifact_uid = ?", artifactUID)
	if err != nil {
		return counts, wrapDBError("delete events", err)
	}
	n, _ := res.RowsAffected()
	counts.Events = int(n)

	res, err = t.conn.ExecContext(ctx,
		"DELETE FROM entity_mentions WHERE artifact_uid = ?", artifactUID)
	if err != nil {
		return counts, wrapDBError("delete mentions", err)
	}
	n, _ = res.RowsAffected()
	counts.Mentions = int(n)

	if _, err = t.conn.ExecContext(ctx,
		"DELETE FROM jobs WHERE artifact_uid = ?", artifactUID); err != nil {
		return counts, wrapDBError("delete jobs", err)
	}

	res, err = t.conn.ExecContext(ctx,
		"DELETE FROM artifact_revisions WHERE artifact_uid = ?", artifactUID)
	if err != nil {
		return counts, wrapDBError("delete revisions", err)
	}
	n, _ = res.RowsAffected()
	counts.Revisions = int(n)
	if counts.Revisions == 0 {
		return counts, fmt.Errorf("artifact %s: %w", artifactUID, ErrNotFound)
	}
	return counts, nil
}

const revisionColumns = `artifact_uid, revision_id, artifact_id, artifact_type, source_system,
	source_id, content_hash, token_count, is_chunked, chunk_count, is_latest, ingested_at`

func scanRevision(row interface{ Scan(...any) error }) (*types.ArtifactRevision, error) {
	var rev types.ArtifactRevision
	var isChunked, isLatest int
	err := row.Scan(&rev.ArtifactUID, &rev.RevisionID, &rev.ArtifactID, &rev.ArtifactType,
		&rev.SourceSystem, &rev.SourceID, &rev.ContentHash, &rev.TokenCount,
		&isChunked, &rev.ChunkCount, &isLatest, &rev.IngestedAt)
	if err != nil {
		return nil, err
	}
	rev.IsChunked = isChunked != 0
	rev.IsLatest = isLatest != 0
	return &rev, nil
}

// GetRevision fetches one revision. Returns ErrNotFound when absent.
func (s *Store) GetRevision(ctx context.Context, artifactUID, revisionID string) (*types.ArtifactRevision, error) {
	rev, err := scanRevision(s.db.QueryRowContext(ctx,
		"SELECT "+revisionColumns+" FROM artifact_revisions WHERE artifact_uid = ? AND revision_id = ?",
		artifactUID, revisionID))
	if err != nil {
		return nil, wrapDBError("get revision", err)
	}
	return rev, nil
}

// GetLatestRevision fetches the is_latest revision of an artifact.
func (s *Store) GetLatestRevision(ctx context.Context, artifactUID string) (*types.ArtifactRevision, error) {
	rev, err := scanRevision(s.db.QueryRowContext(ctx,
		"SELECT "+revisionColumns+" FROM artifact_revisions WHERE artifact_uid = ? AND is_latest = 1",
		artifactUID))
	if err != nil {
		return nil, wrapDBError("get latest revision", err)
	}
	return rev, nil
}

// ResolveArtifactID maps a short display id onto its artifact_uid.
func (s *Store) ResolveArtifactID(ctx context.Context, artifactID string) (string, error) {
	var uid string
	err := s.db.QueryRowContext(ctx,
		"SELECT artifact_uid FROM artifact_revisions WHERE artifact_id = ? LIMIT 1",
		artifactID).Scan(&uid)
	if err != nil {
		return "", wrapDBError("resolve artifact id", err)
	}
	return uid, nil
}

// RevisionMetadata returns the stored metadata object for a revision.
func (s *Store) RevisionMetadata(ctx context.Context, artifactUID, revisionID string) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT metadata FROM artifact_revisions WHERE artifact_uid = ? AND revision_id = ?",
		artifactUID, revisionID).Scan(&raw)
	if err != nil {
		return nil, wrapDBError("get revision metadata", err)
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("decode revision metadata: %w", err)
	}
	return meta, nil
}

// Memory is a directly remembered note.
type Memory struct {
	MemoryID  string         `json:"memory_id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// CreateMemory inserts a memory row.
func (t *Tx) CreateMemory(ctx context.Context, m *Memory) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(orEmptyMeta(m.Metadata))
	if err != nil {
		return fmt.Errorf("marshal memory metadata: %w", err)
	}
	_, err = t.conn.ExecContext(ctx,
		"INSERT INTO memories (memory_id, content, metadata, created_at) VALUES (?, ?, ?, ?)",
		m.MemoryID, m.Content, string(meta), m.CreatedAt)
	return wrapDBError("insert memory", err)
}

// DeleteMemory removes a memory row. Returns ErrNotFound when absent.
func (t *Tx) DeleteMemory(ctx context.Context, memoryID string) error {
	res, err := t.conn.ExecContext(ctx, "DELETE FROM memories WHERE memory_id = ?", memoryID)
	if err != nil {
		return wrapDBError("delete memory", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("memory %s: %w", memoryID, ErrNotFound)
	}
	return nil
}

// GetMemory fetches a memory row.
func (s *Store) GetMemory(ctx context.Context, memoryID string) (*Memory, error) {
	var m Memory
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT memory_id, content, metadata, created_at FROM memories WHERE memory_id = ?",
		memoryID).Scan(&m.MemoryID, &m.Content, &raw, &m.CreatedAt)
	if err != nil {
		return nil, wrapDBError("get memory", err)
	}
	if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
		return nil, fmt.Errorf("decode memory metadata: %w", err)
	}
	return &m, nil
}

// CountRevisions reports how many revision rows exist, for status output.
func (s *Store) CountRevisions(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM artifact_revisions").Scan(&n)
	return n, wrapDBError("count revisions", err)
}

// CountMemories reports how many memory rows exist, for status output.
func (s *Store) CountMemories(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n)
	return n, wrapDBError("count memories", err)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyMeta(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
