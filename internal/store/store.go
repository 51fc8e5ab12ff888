// Package store persists runs, the event ledger, conversation messages,
// index chunks, and file commits in a single SQLite database under the
// vault's .scribe directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"scribe/internal/logging"
)

// Store wraps the SQLite database. All access goes through a single
// connection; SQLite serializes writers and WAL keeps readers cheap.
type Store struct {
	db        *sql.DB
	mu        sync.RWMutex
	path      string
	vectorExt bool // sqlite-vec loaded into this connection
}

// Open initializes the database at the given path, creating the parent
// directory and applying any pending schema migrations.
func Open(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening store at %s", path)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable sqlite foreign_keys: %v", err)
	}

	s := &Store{db: db, path: path}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	s.vectorExt = s.detectVectorExt()
	if s.vectorExt {
		logging.Store("sqlite-vec extension available, ANN index enabled")
	} else {
		logging.Store("sqlite-vec extension not available, falling back to in-process scan")
	}

	return s, nil
}

// VectorExtAvailable reports whether sqlite-vec was loaded into this
// connection.
func (s *Store) VectorExtAvailable() bool {
	return s.vectorExt
}

// detectVectorExt probes for the sqlite-vec extension. The extension is
// registered at init time when the binary is built with the sqlite_vec tag;
// otherwise vec_version() is simply not present.
func (s *Store) detectVectorExt() bool {
	var version string
	if err := s.db.QueryRow("SELECT vec_version()").Scan(&version); err != nil {
		return false
	}
	logging.StoreDebug("sqlite-vec version: %s", version)
	return true
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
