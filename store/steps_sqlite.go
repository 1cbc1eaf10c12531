package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// LoadStep returns the recorded result of a step, if any.
func (s *SQLiteStore) LoadStep(ctx context.Context, eventID, label string) (json.RawMessage, bool, error) {
	var out []byte
	err := s.db.QueryRowContext(ctx, `
SELECT output_json FROM step_results WHERE event_id = ? AND label = ?`, eventID, label).Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("sqlite store load step %s: %w", label, err)
	}
	return json.RawMessage(out), true, nil
}

// SaveStep records a step result. The first recorded result wins.
func (s *SQLiteStore) SaveStep(ctx context.Context, eventID, label string, output json.RawMessage) error {
	if len(output) == 0 {
		output = json.RawMessage("null")
	}
	if _, err := s.db.ExecContext(ctx, `
INSERT INTO step_results (event_id, label, output_json, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(event_id, label) DO NOTHING`,
		eventID, label, []byte(output), formatTime(s.timestamp()),
	); err != nil {
		return fmt.Errorf("sqlite store save step %s: %w", label, err)
	}
	return nil
}

// DeleteSteps drops the step log of an event.
func (s *SQLiteStore) DeleteSteps(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM step_results WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("sqlite store delete steps: %w", err)
	}
	return nil
}
