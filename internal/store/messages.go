package store

import (
	"database/sql"
	"fmt"

	"scribe/internal/types"
)

// AppendMessage stores one conversation message.
func (s *Store) AppendMessage(conversationID, runID string, msg types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO messages (conversation_id, run_id, role, content)
		VALUES (?, ?, ?, ?)`,
		conversationID, runID, string(msg.Role), msg.Content)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// TruncateFromLastUserMessage removes a conversation's most recent user
// message and everything after it, returning the removed prompt. Callers
// re-run the returned prompt against the truncated history to regenerate
// the turn.
func (s *Store) TruncateFromLastUserMessage(conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin truncation: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var content string
	err = tx.QueryRow(`
		SELECT id, content FROM messages
		WHERE conversation_id = ? AND role = ?
		ORDER BY id DESC LIMIT 1`, conversationID, string(types.RoleUser)).Scan(&id, &content)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("conversation %s has no user message to regenerate", conversationID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to find last user message: %w", err)
	}

	if _, err := tx.Exec(`
		DELETE FROM messages WHERE conversation_id = ? AND id >= ?`,
		conversationID, id); err != nil {
		return "", fmt.Errorf("failed to truncate messages: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit truncation: %w", err)
	}
	return content, nil
}

// ConversationMessages returns a conversation's messages in insertion order.
func (s *Store) ConversationMessages(conversationID string) ([]types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT role, content FROM messages
		WHERE conversation_id = ? ORDER BY id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}
	defer rows.Close()

	var msgs []types.Message
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msgs = append(msgs, types.Message{Role: types.Role(role), Content: content})
	}
	return msgs, rows.Err()
}
