// Package vector is the embedding index gateway. Two namespaces are
// maintained: "content" holds one vector per small artifact (or a synopsis
// for chunked ones) and "chunks" holds one vector per chunk. Vectors live in
// sqlite-vec vec0 virtual tables keyed by the rowid of a shared document
// table that carries text and filterable metadata.
package vector

import (
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Namespace selects one of the logical collections.
type Namespace string

// Namespaces.
const (
	NSContent Namespace = "content"
	NSChunks  Namespace = "chunks"
)

func (ns Namespace) table() (string, error) {
	switch ns {
	case NSContent:
		return "vec_content", nil
	case NSChunks:
		return "vec_chunks", nil
	}
	return "", fmt.Errorf("unknown vector namespace %q", ns)
}

// Doc is one indexed document.
type Doc struct {
	ID       string
	Text     string
	Metadata map[string]string
	Vector   []float32
}

// Hit is one KNN result. Distance is cosine distance (0 identical, 2 opposite).
type Hit struct {
	ID       string
	Distance float64
	Text     string
	Metadata map[string]string
}

// Store runs against an already-opened SQLite handle with the sqlite-vec
// extension loaded.
type Store struct {
	db  *sql.DB
	dim int
}

// New wraps a database handle. Call Migrate before first use.
func New(db *sql.DB, dim int) *Store {
	return &Store{db: db, dim: dim}
}

// Migrate creates the document table and the per-namespace vec0 tables.
func (s *Store) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS vector_docs (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			ns TEXT NOT NULL,
			doc_id TEXT NOT NULL,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			UNIQUE(ns, doc_id)
		)`,
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_content USING vec0(
			doc_rowid INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, s.dim),
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(
			doc_rowid INTEGER PRIMARY KEY,
			embedding float[%d] distance_metric=cosine
		)`, s.dim),
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("vector schema: %w", err)
		}
	}
	return nil
}

// Upsert writes documents and their vectors. Existing ids are replaced.
func (s *Store) Upsert(ctx context.Context, ns Namespace, docs []Doc) error {
	vecTable, err := ns.table()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vector upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, d := range docs {
		if len(d.Vector) != s.dim {
			return fmt.Errorf("vector for %q has %d dims, want %d", d.ID, len(d.Vector), s.dim)
		}
		meta, err := json.Marshal(orEmpty(d.Metadata))
		if err != nil {
			return fmt.Errorf("marshal metadata for %q: %w", d.ID, err)
		}
		var rowid int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO vector_docs (ns, doc_id, text, metadata) VALUES (?, ?, ?, ?)
			ON CONFLICT(ns, doc_id) DO UPDATE SET text = excluded.text, metadata = excluded.metadata
			RETURNING rowid
		`, string(ns), d.ID, d.Text, string(meta)).Scan(&rowid)
		if err != nil {
			return fmt.Errorf("upsert vector doc %q: %w", d.ID, err)
		}
		// vec0 has no upsert; delete-then-insert.
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE doc_rowid = ?", vecTable), rowid); err != nil {
			return fmt.Errorf("clear vector for %q: %w", d.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("INSERT INTO %s (doc_rowid, embedding) VALUES (?, ?)", vecTable),
			rowid, SerializeFloat32(d.Vector)); err != nil {
			return fmt.Errorf("insert vector for %q: %w", d.ID, err)
		}
	}
	return tx.Commit()
}

// KNN returns up to k nearest documents, nearest first. The where map
// filters on metadata equality; filtered queries over-fetch from the index
// so post-filter results still approach k.
func (s *Store) KNN(ctx context.Context, ns Namespace, query []float32, k int, where map[string]string) ([]Hit, error) {
	vecTable, err := ns.table()
	if err != nil {
		return nil, err
	}
	fetch := k
	if len(where) > 0 {
		fetch = k * 4
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT d.doc_id, v.distance, d.text, d.metadata
		FROM %s v
		JOIN vector_docs d ON d.rowid = v.doc_rowid
		WHERE v.embedding MATCH ? AND k = ?
		ORDER BY v.distance
	`, vecTable), SerializeFloat32(query), fetch)
	if err != nil {
		return nil, fmt.Errorf("knn %s: %w", ns, err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		var meta string
		if err := rows.Scan(&h.ID, &h.Distance, &h.Text, &meta); err != nil {
			return nil, fmt.Errorf("scan knn row: %w", err)
		}
		if err := json.Unmarshal([]byte(meta), &h.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %q: %w", h.ID, err)
		}
		if !matches(h.Metadata, where) {
			continue
		}
		hits = append(hits, h)
		if len(hits) == k {
			break
		}
	}
	return hits, rows.Err()
}

// Get fetches one document without its vector. Returns sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, ns Namespace, id string) (*Doc, error) {
	var d Doc
	var meta string
	err := s.db.QueryRowContext(ctx,
		"SELECT doc_id, text, metadata FROM vector_docs WHERE ns = ? AND doc_id = ?",
		string(ns), id).Scan(&d.ID, &d.Text, &meta)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for %q: %w", id, err)
	}
	return &d, nil
}

// FindByMetadata returns documents whose metadata matches every key/value
// pair, ordered by doc id. Used for neighbor-chunk lookups, where the filter
// is artifact plus chunk index.
func (s *Store) FindByMetadata(ctx context.Context, ns Namespace, where map[string]string) ([]Doc, error) {
	query := "SELECT doc_id, text, metadata FROM vector_docs WHERE ns = ?"
	args := []any{string(ns)}
	for k, v := range where {
		query += " AND json_extract(metadata, '$.' || ?) = ?"
		args = append(args, k, v)
	}
	query += " ORDER BY doc_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find by metadata: %w", err)
	}
	defer rows.Close()

	var out []Doc
	for rows.Next() {
		var d Doc
		var meta string
		if err := rows.Scan(&d.ID, &d.Text, &meta); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(meta), &d.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %q: %w", d.ID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Delete removes documents and their vectors.
func (s *Store) Delete(ctx context.Context, ns Namespace, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	vecTable, err := ns.table()
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin vector delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.TrimPrefix(strings.Repeat(",?", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, string(ns))
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE doc_rowid IN (
			SELECT rowid FROM vector_docs WHERE ns = ? AND doc_id IN (%s)
		)`, vecTable, placeholders), args...); err != nil {
		return fmt.Errorf("delete vectors: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM vector_docs WHERE ns = ? AND doc_id IN (%s)", placeholders), args...); err != nil {
		return fmt.Errorf("delete vector docs: %w", err)
	}
	return tx.Commit()
}

// DeleteByMetadata removes every document in a namespace whose metadata key
// equals value. Used by forget to drop all docs of an artifact.
func (s *Store) DeleteByMetadata(ctx context.Context, ns Namespace, key, value string) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT doc_id FROM vector_docs
		WHERE ns = ? AND json_extract(metadata, '$.' || ?) = ?
	`, string(ns), key, value)
	if err != nil {
		return 0, fmt.Errorf("select by metadata: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if err := s.Delete(ctx, ns, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// SerializeFloat32 converts a float32 slice to little-endian bytes for sqlite-vec.
func SerializeFloat32(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DeserializeFloat32 is the inverse of SerializeFloat32.
func DeserializeFloat32(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func matches(meta, where map[string]string) bool {
	for k, want := range where {
		if meta[k] != want {
			return false
		}
	}
	return true
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
