package store

import (
	"database/sql"
	"fmt"
	"time"

	"scribe/internal/logging"
	"scribe/internal/types"
)

// ===== RUN RECORDS =====

// CreateRun inserts a new run record in the accepted state.
func (s *Store) CreateRun(run *types.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.State == "" {
		run.State = types.StateAccepted
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (id, conversation_id, state, model, prompt, started_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.ConversationID, string(run.State), run.Model, run.Prompt, run.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to create run %s: %w", run.ID, err)
	}
	logging.Store("Created run %s (conversation %s)", run.ID, run.ConversationID)
	return nil
}

// UpdateRunState records a state transition. Terminal states also stamp
// ended_at and the error detail.
func (s *Store) UpdateRunState(runID string, state types.RunState, errDetail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res sql.Result
	var err error
	if state.Terminal() {
		res, err = s.db.Exec(
			"UPDATE runs SET state = ?, error = ?, ended_at = ? WHERE id = ?",
			string(state), errDetail, time.Now().UTC(), runID)
	} else {
		res, err = s.db.Exec("UPDATE runs SET state = ? WHERE id = ?", string(state), runID)
	}
	if err != nil {
		return fmt.Errorf("failed to update run %s state: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// UpdateRunCounters persists budget counters and the model actually serving
// the run (which changes on fallback).
func (s *Store) UpdateRunCounters(runID string, iterations, toolCalls, inputTokens, outputTokens int, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET iterations = ?, tool_calls = ?, input_tokens = ?, output_tokens = ?, model = ?
		WHERE id = ?`,
		iterations, toolCalls, inputTokens, outputTokens, model, runID)
	if err != nil {
		return fmt.Errorf("failed to update run %s counters: %w", runID, err)
	}
	return nil
}

// GetRun loads a single run by ID.
func (s *Store) GetRun(runID string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, conversation_id, state, model, prompt, iterations, tool_calls,
		       input_tokens, output_tokens, error, started_at, ended_at
		FROM runs WHERE id = ?`, runID)
	return scanRun(row)
}

// LatestRun returns the most recently started run for a conversation, or
// nil when the conversation has none. An empty conversationID matches any
// conversation.
func (s *Store) LatestRun(conversationID string) (*types.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, conversation_id, state, model, prompt, iterations, tool_calls,
		       input_tokens, output_tokens, error, started_at, ended_at
		FROM runs WHERE conversation_id = ? OR ? = ''
		ORDER BY started_at DESC, id DESC LIMIT 1`, conversationID, conversationID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

func scanRun(row *sql.Row) (*types.Run, error) {
	var run types.Run
	var state string
	var endedAt sql.NullTime
	err := row.Scan(&run.ID, &run.ConversationID, &state, &run.Model, &run.Prompt,
		&run.Iterations, &run.ToolCalls, &run.InputTokens, &run.OutputTokens,
		&run.Error, &run.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	run.State = types.RunState(state)
	if endedAt.Valid {
		run.EndedAt = endedAt.Time
	}
	return &run, nil
}
