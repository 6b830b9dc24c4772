package store

import (
	"context"
	"strings"
	"time"

	"github.com/engramkit/engram/internal/types"
)

// ReplaceEvents atomically swaps the extracted event set of one revision:
// prior events for the revision (with their evidence, actor and subject rows
// via FK cascade) are deleted, then the new rows are inserted. Running it
// twice with the same input converges to the same state, which is what makes
// extract job replay safe.
func (t *Tx) ReplaceEvents(ctx context.Context, artifactUID, revisionID string,
	events []types.SemanticEvent, evidence []types.Evidence,
	actors []types.EventActor, subjects []types.EventSubject) error {

	if _, err := t.conn.ExecContext(ctx,
		"DELETE FROM semantic_events WHERE artifact_uid = ? AND revision_id = ?",
		artifactUID, revisionID); err != nil {
		return wrapDBError("delete prior events", err)
	}

	now := time.Now().UTC()
	for i := range events {
		ev := &events[i]
		if ev.CreatedAt.IsZero() {
			ev.CreatedAt = now
		}
		if _, err := t.conn.ExecContext(ctx, `
			INSERT INTO semantic_events
				(event_id, artifact_uid, revision_id, category, narrative, event_time,
				 confidence, extraction_run_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, ev.EventID, artifactUID, revisionID, ev.Category, ev.Narrative,
			ev.EventTime, ev.Confidence, ev.ExtractionRunID, ev.CreatedAt); err != nil {
			return wrapDBError("insert event", err)
		}
	}

	for i := range evidence {
		sp := &evidence[i]
		if err := sp.Validate(); err != nil {
			return err
		}
		if _, err := t.conn.ExecContext(ctx, `
			INSERT INTO evidence
				(evidence_id, event_id, artifact_uid, revision_id, chunk_id, start_char, end_char, quote)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, sp.EvidenceID, sp.EventID, artifactUID, revisionID,
			sp.ChunkID, sp.StartChar, sp.EndChar, sp.Quote); err != nil {
			return wrapDBError("insert evidence", err)
		}
	}

	for _, a := range actors {
		if _, err := t.conn.ExecContext(ctx,
			"INSERT OR REPLACE INTO event_actors (event_id, entity_id, role) VALUES (?, ?, ?)",
			a.EventID, a.EntityID, string(a.Role)); err != nil {
			return wrapDBError("insert actor edge", err)
		}
	}

	for _, sub := range subjects {
		if _, err := t.conn.ExecContext(ctx,
			"INSERT OR IGNORE INTO event_subjects (event_id, entity_id) VALUES (?, ?)",
			sub.EventID, sub.EntityID); err != nil {
			return wrapDBError("insert subject edge", err)
		}
	}

	return nil
}

const eventColumns = `event_id, artifact_uid, revision_id, category, narrative,
	event_time, confidence, extraction_run_id, created_at`

func scanEvent(row interface{ Scan(...any) error }) (*types.SemanticEvent, error) {
	var ev types.SemanticEvent
	err := row.Scan(&ev.EventID, &ev.ArtifactUID, &ev.RevisionID, &ev.Category,
		&ev.Narrative, &ev.EventTime, &ev.Confidence, &ev.ExtractionRunID, &ev.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// GetEvent fetches one event. Returns ErrNotFound when absent.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*types.SemanticEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx,
		"SELECT "+eventColumns+" FROM semantic_events WHERE event_id = ?", eventID))
	if err != nil {
		return nil, wrapDBError("get event", err)
	}
	return ev, nil
}

// EventsForRevision returns all events of one revision ordered for stable
// output: event_time descending with NULLs last, then confidence descending,
// then event_id.
func (s *Store) EventsForRevision(ctx context.Context, artifactUID, revisionID string) ([]*types.SemanticEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM semantic_events
		WHERE artifact_uid = ? AND revision_id = ?
		ORDER BY event_time IS NULL, event_time DESC, confidence DESC, event_id ASC
	`, artifactUID, revisionID)
	if err != nil {
		return nil, wrapDBError("events for revision", err)
	}
	defer rows.Close()

	var out []*types.SemanticEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsByIDs fetches events preserving the input order; missing ids are
// silently skipped.
func (s *Store) EventsByIDs(ctx context.Context, ids []string) ([]*types.SemanticEvent, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimPrefix(strings.Repeat(",?", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM semantic_events WHERE event_id IN ("+placeholders+")", args...)
	if err != nil {
		return nil, wrapDBError("events by ids", err)
	}
	defer rows.Close()

	byID := make(map[string]*types.SemanticEvent, len(ids))
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		byID[ev.EventID] = ev
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := make([]*types.SemanticEvent, 0, len(byID))
	for _, id := range ids {
		if ev, ok := byID[id]; ok {
			out = append(out, ev)
		}
	}
	return out, nil
}

// EvidenceForEvent returns an event's evidence spans in document order.
func (s *Store) EvidenceForEvent(ctx context.Context, eventID string) ([]types.Evidence, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT evidence_id, event_id, artifact_uid, revision_id, chunk_id, start_char, end_char, quote
		FROM evidence WHERE event_id = ? ORDER BY start_char
	`, eventID)
	if err != nil {
		return nil, wrapDBError("evidence for event", err)
	}
	defer rows.Close()

	var out []types.Evidence
	for rows.Next() {
		var sp types.Evidence
		if err := rows.Scan(&sp.EvidenceID, &sp.EventID, &sp.ArtifactUID, &sp.RevisionID,
			&sp.ChunkID, &sp.StartChar, &sp.EndChar, &sp.Quote); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// ActorsForEvent returns the actor edges of an event.
func (s *Store) ActorsForEvent(ctx context.Context, eventID string) ([]types.EventActor, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_id, entity_id, role FROM event_actors WHERE event_id = ? ORDER BY entity_id",
		eventID)
	if err != nil {
		return nil, wrapDBError("actors for event", err)
	}
	defer rows.Close()

	var out []types.EventActor
	for rows.Next() {
		var a types.EventActor
		if err := rows.Scan(&a.EventID, &a.EntityID, &a.Role); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SubjectsForEvent returns the subject edges of an event.
func (s *Store) SubjectsForEvent(ctx context.Context, eventID string) ([]types.EventSubject, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT event_id, entity_id FROM event_subjects WHERE event_id = ? ORDER BY entity_id",
		eventID)
	if err != nil {
		return nil, wrapDBError("subjects for event", err)
	}
	defer rows.Close()

	var out []types.EventSubject
	for rows.Next() {
		var sub types.EventSubject
		if err := rows.Scan(&sub.EventID, &sub.EntityID); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// CountEvents reports the event total for status output.
func (s *Store) CountEvents(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM semantic_events").Scan(&n)
	return n, wrapDBError("count events", err)
}
