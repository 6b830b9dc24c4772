// Package store implements the relational gateway on SQLite. One database
// file holds the relational tables, the vector collections and the derived
// graph tables, so every multi-row write can be a single transaction.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"

	"github.com/engramkit/engram/internal/vector"
)

func init() {
	sqlite_vec.Auto()
}

// Store wraps the SQLite database for all persistence.
type Store struct {
	db      *sql.DB
	vectors *vector.Store
	dim     int
}

// Open opens (or creates) the database at path and migrates the schema.
func Open(ctx context.Context, path string, embeddingDim int) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY inside transactions.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, vectors: vector.New(db, embeddingDim), dim: embeddingDim}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the raw handle for read-only consumers (graph expander,
// retrieval joins).
func (s *Store) DB() *sql.DB { return s.db }

// Vectors returns the vector gateway sharing this database.
func (s *Store) Vectors() *vector.Store { return s.vectors }

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL(s.dim)); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return s.vectors.Migrate(ctx)
}

// Tx exposes the write operations available inside a transaction. All
// methods run on the transaction's dedicated connection.
type Tx struct {
	conn *sql.Conn
}

// RunInTransaction executes fn inside a BEGIN IMMEDIATE transaction.
// IMMEDIATE acquires the write lock up front so competing writers queue on
// BEGIN instead of deadlocking mid-transaction. On error or panic the
// transaction is rolled back.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediateWithRetry(ctx, conn, 5, 10*time.Millisecond); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even when ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&Tx{conn: conn}); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

func beginImmediateWithRetry(ctx context.Context, conn *sql.Conn, attempts int, backoff time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if _, err = conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") && !strings.Contains(err.Error(), "busy") {
			return err
		}
	}
	return err
}
