package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/engramkit/engram/internal/types"
)

// Graph node kinds and edge kinds.
const (
	NodeEntity = "Entity"
	NodeEvent  = "Event"

	EdgeActedIn      = "ACTED_IN"
	EdgeAbout        = "ABOUT"
	EdgePossiblySame = "POSSIBLY_SAME"
)

// GraphNode is one row of the derived graph.
type GraphNode struct {
	NodeID     string         `json:"node_id"`
	Kind       string         `json:"kind"`
	Label      string         `json:"label"`
	Properties map[string]any `json:"properties"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// GraphEdge is one directed edge of the derived graph.
type GraphEdge struct {
	Src        string         `json:"src"`
	Dst        string         `json:"dst"`
	Kind       string         `json:"kind"`
	Properties map[string]any `json:"properties"`
}

// UpsertGraphNode merges a node by id, replacing label and properties.
func (t *Tx) UpsertGraphNode(ctx context.Context, n *GraphNode) error {
	props, err := json.Marshal(orEmptyMeta(n.Properties))
	if err != nil {
		return err
	}
	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO graph_nodes (node_id, kind, label, properties, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			kind = excluded.kind,
			label = excluded.label,
			properties = excluded.properties,
			updated_at = excluded.updated_at
	`, n.NodeID, n.Kind, n.Label, string(props), time.Now().UTC())
	return wrapDBError("upsert graph node", err)
}

// UpsertGraphEdge merges an edge by (src, dst, kind), replacing properties.
func (t *Tx) UpsertGraphEdge(ctx context.Context, e *GraphEdge) error {
	props, err := json.Marshal(orEmptyMeta(e.Properties))
	if err != nil {
		return err
	}
	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO graph_edges (src, dst, kind, properties)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(src, dst, kind) DO UPDATE SET properties = excluded.properties
	`, e.Src, e.Dst, e.Kind, string(props))
	return wrapDBError("upsert graph edge", err)
}

// ClearGraph drops all derived graph rows ahead of a full rebuild.
func (t *Tx) ClearGraph(ctx context.Context) error {
	if _, err := t.conn.ExecContext(ctx, "DELETE FROM graph_edges"); err != nil {
		return wrapDBError("clear graph edges", err)
	}
	if _, err := t.conn.ExecContext(ctx, "DELETE FROM graph_nodes"); err != nil {
		return wrapDBError("clear graph nodes", err)
	}
	return nil
}

func scanGraphNode(row interface{ Scan(...any) error }) (*GraphNode, error) {
	var n GraphNode
	var props string
	if err := row.Scan(&n.NodeID, &n.Kind, &n.Label, &props, &n.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
		return nil, err
	}
	return &n, nil
}

// GraphNodes fetches nodes by id; missing ids are skipped.
func (s *Store) GraphNodes(ctx context.Context, ids []string) (map[string]*GraphNode, error) {
	if len(ids) == 0 {
		return map[string]*GraphNode{}, nil
	}
	placeholders := strings.TrimPrefix(strings.Repeat(",?", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT node_id, kind, label, properties, updated_at FROM graph_nodes WHERE node_id IN ("+placeholders+")",
		args...)
	if err != nil {
		return nil, wrapDBError("graph nodes", err)
	}
	defer rows.Close()

	out := make(map[string]*GraphNode, len(ids))
	for rows.Next() {
		n, err := scanGraphNode(rows)
		if err != nil {
			return nil, err
		}
		out[n.NodeID] = n
	}
	return out, rows.Err()
}

// GraphNeighbors returns every edge touching a node, in either direction,
// ordered for deterministic traversal.
func (s *Store) GraphNeighbors(ctx context.Context, nodeID string) ([]GraphEdge, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT src, dst, kind, properties FROM graph_edges
		WHERE src = ? OR dst = ?
		ORDER BY kind, src, dst
	`, nodeID, nodeID)
	if err != nil {
		return nil, wrapDBError("graph neighbors", err)
	}
	defer rows.Close()

	var out []GraphEdge
	for rows.Next() {
		var e GraphEdge
		var props string
		if err := rows.Scan(&e.Src, &e.Dst, &e.Kind, &props); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(props), &e.Properties); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountGraph reports node and edge totals for status output.
func (s *Store) CountGraph(ctx context.Context) (nodes, edges int, err error) {
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM graph_nodes").Scan(&nodes); err != nil {
		return 0, 0, wrapDBError("count graph nodes", err)
	}
	if err = s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM graph_edges").Scan(&edges); err != nil {
		return 0, 0, wrapDBError("count graph edges", err)
	}
	return nodes, edges, nil
}

// LatestRevisions lists the current revision of every artifact.
func (s *Store) LatestRevisions(ctx context.Context) ([]*types.ArtifactRevision, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+revisionColumns+" FROM artifact_revisions WHERE is_latest = 1 ORDER BY artifact_uid")
	if err != nil {
		return nil, wrapDBError("latest revisions", err)
	}
	defer rows.Close()

	var out []*types.ArtifactRevision
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rev)
	}
	return out, rows.Err()
}
