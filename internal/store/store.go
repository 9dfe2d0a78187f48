// Package store persists tasks and their diagnostic logs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Sentinel errors for routine validation outcomes. Anything else returned
// by a Store operation is a storage-layer failure the caller should log
// and, on a polling path, tolerate and retry.
var (
	ErrNotFound      = errors.New("task not found")
	ErrAlreadyExists = errors.New("task already exists")
)

// Store is the SQLite-backed task store. All operations draw their own
// connection from the pool and mutating operations run in their own
// transaction, so a single Store is safe to share across the poll loop,
// worker goroutines, and out-of-band control callers.
type Store struct {
	db *sql.DB
}

// Open creates a store at the given path, creating parent directories if
// needed. Enables WAL mode and a busy timeout so concurrent writers queue
// instead of failing immediately.
func Open(ctx context.Context, dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// Pragmas go in the connection string so every pooled connection
	// gets them, not just the one that ran an explicit PRAGMA.
	connStr := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// OpenMemory creates an in-memory store for testing. Uses a shared cache
// and a single pooled connection: the database disappears when its last
// connection closes, and one connection also serializes writers without
// a busy timeout.
func OpenMemory(ctx context.Context) (*Store, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
