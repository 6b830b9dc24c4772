package store

import (
	"context"
	"fmt"
	"time"

	"github.com/engramkit/engram/internal/types"
	"github.com/engramkit/engram/internal/vector"
)

// InsertEntity creates an entity row and, when an embedding is present,
// indexes it in vec_entities keyed by the entity's rowid.
func (t *Tx) InsertEntity(ctx context.Context, e *types.Entity) error {
	if !e.EntityType.IsValid() {
		return fmt.Errorf("invalid entity type %q", e.EntityType)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO entities
			(entity_id, entity_type, canonical_name, normalized_name, role, organization, email,
			 has_embedding, first_seen_artifact_uid, first_seen_revision_id, needs_review, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.EntityID, string(e.EntityType), e.CanonicalName, e.NormalizedName,
		e.Role, e.Organization, e.Email, boolInt(len(e.ContextEmbedding) > 0),
		e.FirstSeenArtifactUID, e.FirstSeenRevisionID, boolInt(e.NeedsReview), e.CreatedAt)
	if err != nil {
		return wrapDBError("insert entity", err)
	}
	if len(e.ContextEmbedding) > 0 {
		if err := t.indexEntityEmbedding(ctx, e.EntityID, e.ContextEmbedding); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) indexEntityEmbedding(ctx context.Context, entityID string, emb []float32) error {
	var rowid int64
	if err := t.conn.QueryRowContext(ctx,
		"SELECT rowid FROM entities WHERE entity_id = ?", entityID).Scan(&rowid); err != nil {
		return wrapDBError("lookup entity rowid", err)
	}
	if _, err := t.conn.ExecContext(ctx,
		"DELETE FROM vec_entities WHERE entity_rowid = ?", rowid); err != nil {
		return wrapDBError("clear entity embedding", err)
	}
	_, err := t.conn.ExecContext(ctx,
		"INSERT INTO vec_entities (entity_rowid, embedding) VALUES (?, ?)",
		rowid, vector.SerializeFloat32(emb))
	return wrapDBError("index entity embedding", err)
}

// SetEntityEmbedding fills a missing embedding (repair path) and clears the
// review flag set when the original embedding call failed.
func (t *Tx) SetEntityEmbedding(ctx context.Context, entityID string, emb []float32) error {
	if err := t.indexEntityEmbedding(ctx, entityID, emb); err != nil {
		return err
	}
	_, err := t.conn.ExecContext(ctx,
		"UPDATE entities SET has_embedding = 1 WHERE entity_id = ?", entityID)
	return wrapDBError("mark entity embedded", err)
}

// AddAlias records an alternate surface form. Duplicate aliases are ignored.
func (t *Tx) AddAlias(ctx context.Context, entityID, alias string) error {
	_, err := t.conn.ExecContext(ctx,
		"INSERT OR IGNORE INTO entity_aliases (entity_id, alias, normalized_alias) VALUES (?, ?, ?)",
		entityID, alias, types.NormalizeName(alias))
	return wrapDBError("add alias", err)
}

// RecordMention inserts a mention row.
func (t *Tx) RecordMention(ctx context.Context, m *types.EntityMention) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO entity_mentions (mention_id, entity_id, artifact_uid, revision_id, surface_form, start_char, end_char)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.MentionID, m.EntityID, m.ArtifactUID, m.RevisionID, m.SurfaceForm, m.StartChar, m.EndChar)
	return wrapDBError("record mention", err)
}

// UpdateCanonicalName upgrades an entity's display name.
func (t *Tx) UpdateCanonicalName(ctx context.Context, entityID, name string) error {
	_, err := t.conn.ExecContext(ctx,
		"UPDATE entities SET canonical_name = ?, normalized_name = ? WHERE entity_id = ?",
		name, types.NormalizeName(name), entityID)
	return wrapDBError("update canonical name", err)
}

// SetNeedsReview flips the review flag.
func (t *Tx) SetNeedsReview(ctx context.Context, entityID string, needsReview bool) error {
	_, err := t.conn.ExecContext(ctx,
		"UPDATE entities SET needs_review = ? WHERE entity_id = ?",
		boolInt(needsReview), entityID)
	return wrapDBError("set needs review", err)
}

// AddPossiblySame records an uncertain-merge relation between two entities.
func (t *Tx) AddPossiblySame(ctx context.Context, rel *types.EntityRelation) error {
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT OR REPLACE INTO entity_relations (entity_id, other_entity_id, relation, confidence, reason, created_at)
		VALUES (?, ?, 'POSSIBLY_SAME', ?, ?, ?)
	`, rel.EntityID, rel.OtherEntityID, rel.Confidence, rel.Reason, rel.CreatedAt)
	return wrapDBError("add possibly-same relation", err)
}

// RemovePossiblySame drops the relation in both directions once a later
// extraction confirms or refutes the merge.
func (t *Tx) RemovePossiblySame(ctx context.Context, entityID, otherEntityID string) error {
	_, err := t.conn.ExecContext(ctx, `
		DELETE FROM entity_relations
		WHERE relation = 'POSSIBLY_SAME'
		  AND ((entity_id = ? AND other_entity_id = ?) OR (entity_id = ? AND other_entity_id = ?))
	`, entityID, otherEntityID, otherEntityID, entityID)
	return wrapDBError("remove possibly-same relation", err)
}

const entityColumns = `entity_id, entity_type, canonical_name, normalized_name, role,
	organization, email, has_embedding, first_seen_artifact_uid, first_seen_revision_id,
	needs_review, created_at`

func scanEntity(row interface{ Scan(...any) error }) (*types.Entity, error) {
	var e types.Entity
	var hasEmbedding, needsReview int
	err := row.Scan(&e.EntityID, &e.EntityType, &e.CanonicalName, &e.NormalizedName,
		&e.Role, &e.Organization, &e.Email, &hasEmbedding,
		&e.FirstSeenArtifactUID, &e.FirstSeenRevisionID, &needsReview, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.NeedsReview = needsReview != 0
	_ = hasEmbedding
	return &e, nil
}

// GetEntity fetches one entity. Returns ErrNotFound when absent.
func (s *Store) GetEntity(ctx context.Context, entityID string) (*types.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE entity_id = ?", entityID))
	if err != nil {
		return nil, wrapDBError("get entity", err)
	}
	return e, nil
}

// Candidate is one entity-resolution candidate with its cosine distance
// from the query embedding.
type Candidate struct {
	Entity   *types.Entity
	Distance float64
}

// CandidateEntities returns up to k entities of the given type whose context
// embedding lies within maxDistance (cosine) of the query, nearest first
// with entity_id as the tie-breaker. The KNN over-fetches because the type
// filter applies after the index scan.
func (s *Store) CandidateEntities(ctx context.Context, entityType types.EntityType, query []float32, k int, maxDistance float64) ([]Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+`, v.distance
		FROM vec_entities v
		JOIN entities ON entities.rowid = v.entity_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance, entity_id
	`, vector.SerializeFloat32(query), k*10)
	if err != nil {
		return nil, wrapDBError("candidate entities", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var e types.Entity
		var hasEmbedding, needsReview int
		var distance float64
		if err := rows.Scan(&e.EntityID, &e.EntityType, &e.CanonicalName, &e.NormalizedName,
			&e.Role, &e.Organization, &e.Email, &hasEmbedding,
			&e.FirstSeenArtifactUID, &e.FirstSeenRevisionID, &needsReview, &e.CreatedAt,
			&distance); err != nil {
			return nil, wrapDBError("scan candidate", err)
		}
		e.NeedsReview = needsReview != 0
		if e.EntityType != entityType || distance >= maxDistance {
			continue
		}
		out = append(out, Candidate{Entity: &e, Distance: distance})
		if len(out) == k {
			break
		}
	}
	return out, rows.Err()
}

// Aliases returns every recorded alias of an entity.
func (s *Store) Aliases(ctx context.Context, entityID string) ([]types.EntityAlias, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT entity_id, alias, normalized_alias FROM entity_aliases WHERE entity_id = ? ORDER BY alias",
		entityID)
	if err != nil {
		return nil, wrapDBError("get aliases", err)
	}
	defer rows.Close()

	var out []types.EntityAlias
	for rows.Next() {
		var a types.EntityAlias
		if err := rows.Scan(&a.EntityID, &a.Alias, &a.NormalizedAlias); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// MentionCount returns the number of recorded mentions of an entity.
func (s *Store) MentionCount(ctx context.Context, entityID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entity_mentions WHERE entity_id = ?", entityID).Scan(&n)
	return n, wrapDBError("count mentions", err)
}

// EntitiesForRevision returns the distinct entities mentioned in a revision.
func (s *Store) EntitiesForRevision(ctx context.Context, artifactUID, revisionID string) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entityColumns+`
		FROM entities
		WHERE entity_id IN (
			SELECT entity_id FROM entity_mentions WHERE artifact_uid = ? AND revision_id = ?
		)
		ORDER BY entity_id
	`, artifactUID, revisionID)
	if err != nil {
		return nil, wrapDBError("entities for revision", err)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// EntitiesMissingEmbedding lists entities whose embedding call failed, for
// the repair pass.
func (s *Store) EntitiesMissingEmbedding(ctx context.Context, limit int) ([]*types.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+entityColumns+" FROM entities WHERE has_embedding = 0 ORDER BY created_at LIMIT ?",
		limit)
	if err != nil {
		return nil, wrapDBError("entities missing embedding", err)
	}
	defer rows.Close()

	var out []*types.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UncertainPairs lists all POSSIBLY_SAME relations.
func (s *Store) UncertainPairs(ctx context.Context) ([]types.EntityRelation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_id, other_entity_id, confidence, reason, created_at
		FROM entity_relations WHERE relation = 'POSSIBLY_SAME'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, wrapDBError("uncertain pairs", err)
	}
	defer rows.Close()

	var out []types.EntityRelation
	for rows.Next() {
		var r types.EntityRelation
		if err := rows.Scan(&r.EntityID, &r.OtherEntityID, &r.Confidence, &r.Reason, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountEntities reports entity totals for status output.
func (s *Store) CountEntities(ctx context.Context) (total, needsReview int, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(needs_review), 0) FROM entities").Scan(&total, &needsReview)
	return total, needsReview, wrapDBError("count entities", err)
}
