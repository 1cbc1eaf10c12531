package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/petal-labs/flowforge/core"
)

const executionColumns = `e.id, e.workflow_id, w.name, e.event_id, e.status, e.started_at, e.completed_at, e.output_json, e.error, e.error_stack`

// CreateExecution inserts a RUNNING execution for eventID. A repeated
// eventID returns the execution that already exists.
func (s *SQLiteStore) CreateExecution(ctx context.Context, workflowID, eventID string) (core.Execution, error) {
	if strings.TrimSpace(eventID) == "" {
		return core.Execution{}, errors.New("sqlite store create execution: event id is required")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (id, workflow_id, event_id, status, started_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(event_id) DO NOTHING`,
		uuid.NewString(), workflowID, eventID, string(core.ExecutionRunning), formatTime(s.timestamp()),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return core.Execution{}, ErrWorkflowNotFound
		}
		return core.Execution{}, fmt.Errorf("sqlite store create execution: %w", err)
	}
	return s.GetExecutionByEvent(ctx, eventID)
}

// CompleteExecution marks a running execution SUCCESS.
func (s *SQLiteStore) CompleteExecution(ctx context.Context, eventID string, output json.RawMessage) error {
	var payload any
	if len(output) > 0 {
		payload = []byte(output)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE executions
SET status = ?, completed_at = ?, output_json = ?
WHERE event_id = ? AND completed_at IS NULL`,
		string(core.ExecutionSuccess), formatTime(s.timestamp()), payload, eventID,
	)
	if err != nil {
		return fmt.Errorf("sqlite store complete execution: %w", err)
	}
	return s.checkTransition(ctx, res, eventID)
}

// FailExecution marks a running execution FAILED.
func (s *SQLiteStore) FailExecution(ctx context.Context, eventID, message, stack string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE executions
SET status = ?, completed_at = ?, error = ?, error_stack = ?
WHERE event_id = ? AND completed_at IS NULL`,
		string(core.ExecutionFailed), formatTime(s.timestamp()), message, stack, eventID,
	)
	if err != nil {
		return fmt.Errorf("sqlite store fail execution: %w", err)
	}
	return s.checkTransition(ctx, res, eventID)
}

// checkTransition distinguishes an already-terminal execution (no-op) from
// a missing one.
func (s *SQLiteStore) checkTransition(ctx context.Context, res sql.Result, eventID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.GetExecutionByEvent(ctx, eventID)
	return err
}

// GetExecution loads an execution by id.
func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (core.Execution, error) {
	return s.getExecution(ctx, "e.id = ?", id)
}

// GetExecutionByEvent loads the execution created for an event.
func (s *SQLiteStore) GetExecutionByEvent(ctx context.Context, eventID string) (core.Execution, error) {
	return s.getExecution(ctx, "e.event_id = ?", eventID)
}

func (s *SQLiteStore) getExecution(ctx context.Context, where string, arg string) (core.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+executionColumns+`
FROM executions e
JOIN workflows w ON w.id = e.workflow_id
WHERE `+where, arg)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Execution{}, ErrExecutionNotFound
	}
	if err != nil {
		return core.Execution{}, fmt.Errorf("sqlite store get execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns one page of executions of a user's workflows, most
// recent first. Search matches the workflow name.
func (s *SQLiteStore) ListExecutions(ctx context.Context, userID string, opts ListOptions) (Page[core.Execution], error) {
	opts = opts.Normalize()
	where := "w.user_id = ?"
	args := []any{userID}
	if strings.TrimSpace(opts.Search) != "" {
		where += ` AND lower(w.name) LIKE ? ESCAPE '\'`
		args = append(args, likePattern(opts.Search))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM executions e
JOIN workflows w ON w.id = e.workflow_id
WHERE `+where, args...).Scan(&total); err != nil {
		return Page[core.Execution]{}, fmt.Errorf("sqlite store count executions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+executionColumns+`
FROM executions e
JOIN workflows w ON w.id = e.workflow_id
WHERE `+where+`
ORDER BY e.started_at DESC, e.rowid DESC
LIMIT ? OFFSET ?`, append(args, opts.PageSize, opts.offset())...)
	if err != nil {
		return Page[core.Execution]{}, fmt.Errorf("sqlite store list executions: %w", err)
	}
	defer rows.Close()

	var items []core.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return Page[core.Execution]{}, fmt.Errorf("sqlite store list executions: %w", err)
		}
		items = append(items, exec)
	}
	if err := rows.Err(); err != nil {
		return Page[core.Execution]{}, fmt.Errorf("sqlite store list executions: %w", err)
	}
	return NewPage(items, opts, total), nil
}

func scanExecution(row rowScanner) (core.Execution, error) {
	var (
		exec        core.Execution
		status      string
		startedAt   string
		completedAt sql.NullString
		output      []byte
		errMsg      sql.NullString
		errStack    sql.NullString
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.WorkflowName, &exec.EventID, &status,
		&startedAt, &completedAt, &output, &errMsg, &errStack); err != nil {
		return core.Execution{}, err
	}
	exec.Status = core.ExecutionStatus(status)
	var err error
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return core.Execution{}, fmt.Errorf("parse started_at: %w", err)
	}
	if exec.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return core.Execution{}, fmt.Errorf("parse completed_at: %w", err)
	}
	if len(output) > 0 {
		exec.Output = json.RawMessage(output)
	}
	exec.Error = errMsg.String
	exec.ErrorStack = errStack.String
	return exec, nil
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "foreign key")
}
