package store

import (
	"database/sql"
	"fmt"
	"time"

	"scribe/internal/types"
)

// ===== COMMIT HISTORY =====
//
// Commits form a forward-only chain per path. A revert is a new commit whose
// content equals an earlier commit's content; history is never rewritten.

// InsertCommit records a verified write. Content is the full post-write file
// body so any commit can be restored without replaying the chain.
func (s *Store) InsertCommit(c *types.Commit, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	revert := 0
	if c.Revert {
		revert = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO commits (id, path, parent_id, content_hash, content, diff_summary, revert, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Path, c.ParentID, c.ContentHash, content, c.DiffSummary, revert, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert commit %s: %w", c.ID, err)
	}
	return nil
}

// GetCommit loads a commit and its stored content.
func (s *Store) GetCommit(id string) (*types.Commit, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, path, parent_id, content_hash, content, diff_summary, revert, created_at
		FROM commits WHERE id = ?`, id)
	c, content, err := scanCommit(row)
	if err == sql.ErrNoRows {
		return nil, nil, fmt.Errorf("commit %s not found", id)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load commit %s: %w", id, err)
	}
	return c, content, nil
}

// LatestCommit returns the newest commit for a path, or nil when the path
// has no history.
func (s *Store) LatestCommit(path string) (*types.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, path, parent_id, content_hash, content, diff_summary, revert, created_at
		FROM commits WHERE path = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, path)
	c, _, err := scanCommit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest commit for %s: %w", path, err)
	}
	return c, nil
}

// CommitHistory returns a path's commits newest first.
func (s *Store) CommitHistory(path string, limit int) ([]types.Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, path, parent_id, content_hash, diff_summary, revert, created_at
		FROM commits WHERE path = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, path, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read commit history: %w", err)
	}
	defer rows.Close()

	var commits []types.Commit
	for rows.Next() {
		var c types.Commit
		var revert int
		if err := rows.Scan(&c.ID, &c.Path, &c.ParentID, &c.ContentHash,
			&c.DiffSummary, &revert, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan commit: %w", err)
		}
		c.Revert = revert != 0
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

func scanCommit(row *sql.Row) (*types.Commit, []byte, error) {
	var c types.Commit
	var content []byte
	var revert int
	err := row.Scan(&c.ID, &c.Path, &c.ParentID, &c.ContentHash, &content,
		&c.DiffSummary, &revert, &c.CreatedAt)
	if err != nil {
		return nil, nil, err
	}
	c.Revert = revert != 0
	return &c, content, nil
}
