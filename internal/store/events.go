package store

import (
	"fmt"
	"time"

	"scribe/internal/types"
)

// ===== EVENT LEDGER =====
//
// The ledger is append-only and authoritative: nothing updates or deletes a
// row once written. Sequence numbers are assigned inside the append
// transaction so they are gapless per run, starting at 1.

// AppendEvent writes one event to the run's ledger and returns its assigned
// sequence number.
func (s *Store) AppendEvent(ev *types.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	if ev.Version == 0 {
		ev.Version = 1
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin ledger append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = ?",
		ev.RunID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to assign sequence: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO run_events (run_id, seq, channel, version, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.RunID, seq, string(ev.Channel), ev.Version, string(payload), ev.CreatedAt); err != nil {
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit ledger append: %w", err)
	}
	ev.Seq = seq
	return seq, nil
}

// EventsSince returns a run's events with seq > afterSeq, in sequence order.
// Pass 0 to read the whole ledger.
func (s *Store) EventsSince(runID string, afterSeq int64) ([]types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT run_id, seq, channel, version, payload, created_at
		FROM run_events WHERE run_id = ? AND seq > ?
		ORDER BY seq`, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	defer rows.Close()

	var events []types.Event
	for rows.Next() {
		var ev types.Event
		var channel, payload string
		if err := rows.Scan(&ev.RunID, &ev.Seq, &channel, &ev.Version, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Channel = types.EventChannel(channel)
		ev.Payload = []byte(payload)
		events = append(events, ev)
	}
	return events, rows.Err()
}
