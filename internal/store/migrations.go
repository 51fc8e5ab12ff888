package store

import (
	"database/sql"
	"fmt"

	"scribe/internal/logging"
)

// Schema versions:
// v1: runs, run_events, messages, chunks, commits
// v2: chunks.tokens column (pre-tokenized lexical terms)
// v3: runs.error column for terminal failure detail
const CurrentSchemaVersion = 3

const baseSchema = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	state           TEXT NOT NULL,
	model           TEXT NOT NULL DEFAULT '',
	prompt          TEXT NOT NULL DEFAULT '',
	iterations      INTEGER NOT NULL DEFAULT 0,
	tool_calls      INTEGER NOT NULL DEFAULT 0,
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	started_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	ended_at        DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_conversation ON runs(conversation_id, started_at);

CREATE TABLE IF NOT EXISTS run_events (
	run_id     TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	channel    TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 1,
	payload    TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (run_id, seq)
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	run_id          TEXT NOT NULL DEFAULT '',
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, id);

CREATE TABLE IF NOT EXISTS chunks (
	id           TEXT PRIMARY KEY,
	path         TEXT NOT NULL,
	start_byte   INTEGER NOT NULL,
	end_byte     INTEGER NOT NULL,
	text         TEXT NOT NULL,
	embedding    BLOB,
	content_hash TEXT NOT NULL,
	indexed_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_chunks_path ON chunks(path);

CREATE TABLE IF NOT EXISTS commits (
	id           TEXT PRIMARY KEY,
	path         TEXT NOT NULL,
	parent_id    TEXT NOT NULL DEFAULT '',
	content_hash TEXT NOT NULL,
	content      BLOB NOT NULL,
	diff_summary TEXT NOT NULL DEFAULT '',
	revert       INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_commits_path ON commits(path, created_at);
`

// Migration adds a column to an existing table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations lists column additions for databases created before the
// current schema version.
var pendingMigrations = []Migration{
	// v2: lexical terms stored alongside chunk text
	{"chunks", "tokens", "TEXT NOT NULL DEFAULT '[]'"},
	// v3: terminal failure detail on runs
	{"runs", "error", "TEXT NOT NULL DEFAULT ''"},
}

// migrate creates the base schema and applies any pending column migrations.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("failed to create base schema: %w", err)
	}

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	if version >= CurrentSchemaVersion {
		return nil
	}
	logging.Store("Migrating schema from v%d to v%d", version, CurrentSchemaVersion)

	for _, m := range pendingMigrations {
		if hasColumn(s.db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", m.Table, m.Column, err)
		}
		logging.StoreDebug("Added column %s.%s", m.Table, m.Column)
	}

	if _, err := s.db.Exec("DELETE FROM schema_version"); err != nil {
		return fmt.Errorf("failed to clear schema version: %w", err)
	}
	if _, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", CurrentSchemaVersion); err != nil {
		return fmt.Errorf("failed to record schema version: %w", err)
	}
	return nil
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return version, nil
}

func hasColumn(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
