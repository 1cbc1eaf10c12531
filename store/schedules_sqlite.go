package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const scheduleColumns = `id, workflow_id, cron_expr, enabled, initial_data_json, next_run_at, last_run_at, last_event_id, last_error, created_at, updated_at`

// CreateSchedule inserts a schedule. ID and timestamps are filled when empty.
func (s *SQLiteStore) CreateSchedule(ctx context.Context, schedule Schedule) (Schedule, error) {
	if strings.TrimSpace(schedule.Cron) == "" {
		return Schedule{}, errors.New("schedule: cron expression is required")
	}
	now := s.timestamp()
	if schedule.ID == "" {
		schedule.ID = uuid.NewString()
	}
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	schedule.UpdatedAt = now

	data, err := marshalMap(schedule.InitialData)
	if err != nil {
		return Schedule{}, fmt.Errorf("sqlite store encode schedule data: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO workflow_schedules (`+scheduleColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.WorkflowID,
		schedule.Cron,
		boolToInt(schedule.Enabled),
		data,
		formatTime(schedule.NextRunAt),
		formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastEventID),
		nullIfEmpty(schedule.LastError),
		formatTime(schedule.CreatedAt),
		formatTime(schedule.UpdatedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return Schedule{}, ErrWorkflowNotFound
		}
		return Schedule{}, fmt.Errorf("sqlite store create schedule: %w", err)
	}
	return schedule, nil
}

// GetSchedule loads one schedule of a workflow.
func (s *SQLiteStore) GetSchedule(ctx context.Context, workflowID, id string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+scheduleColumns+`
FROM workflow_schedules
WHERE workflow_id = ? AND id = ?`, workflowID, id)
	schedule, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrScheduleNotFound
	}
	if err != nil {
		return Schedule{}, fmt.Errorf("sqlite store get schedule: %w", err)
	}
	return schedule, nil
}

// ListSchedules returns every schedule of a workflow, oldest first.
func (s *SQLiteStore) ListSchedules(ctx context.Context, workflowID string) ([]Schedule, error) {
	return s.querySchedules(ctx, `
SELECT `+scheduleColumns+`
FROM workflow_schedules
WHERE workflow_id = ?
ORDER BY created_at ASC, id ASC`, workflowID)
}

// UpdateSchedule overwrites the mutable fields of a schedule.
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, schedule Schedule) error {
	schedule.UpdatedAt = s.timestamp()
	data, err := marshalMap(schedule.InitialData)
	if err != nil {
		return fmt.Errorf("sqlite store encode schedule data: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE workflow_schedules
SET
	cron_expr = ?,
	enabled = ?,
	initial_data_json = ?,
	next_run_at = ?,
	last_run_at = ?,
	last_event_id = ?,
	last_error = ?,
	updated_at = ?
WHERE workflow_id = ? AND id = ?`,
		schedule.Cron,
		boolToInt(schedule.Enabled),
		data,
		formatTime(schedule.NextRunAt),
		formatNullableTime(schedule.LastRunAt),
		nullIfEmpty(schedule.LastEventID),
		nullIfEmpty(schedule.LastError),
		formatTime(schedule.UpdatedAt),
		schedule.WorkflowID,
		schedule.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite store update schedule: %w", err)
	}
	return requireAffected(res, ErrScheduleNotFound)
}

// DeleteSchedule removes one schedule of a workflow.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, workflowID, id string) error {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM workflow_schedules
WHERE workflow_id = ? AND id = ?`, workflowID, id)
	if err != nil {
		return fmt.Errorf("sqlite store delete schedule: %w", err)
	}
	return requireAffected(res, ErrScheduleNotFound)
}

// ListDueSchedules returns enabled schedules whose next run is at or before
// now, earliest first. A limit <= 0 returns all of them.
func (s *SQLiteStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]Schedule, error) {
	query := `
SELECT ` + scheduleColumns + `
FROM workflow_schedules
WHERE enabled = 1 AND next_run_at <= ?
ORDER BY next_run_at ASC`
	args := []any{formatTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.querySchedules(ctx, query, args...)
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite store scan schedule: %w", err)
		}
		schedules = append(schedules, schedule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store list schedules rows: %w", err)
	}
	return schedules, nil
}

func scanSchedule(row rowScanner) (Schedule, error) {
	var (
		schedule    Schedule
		enabled     int
		data        []byte
		nextRunAt   string
		lastRunAt   sql.NullString
		lastEventID sql.NullString
		lastError   sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := row.Scan(&schedule.ID, &schedule.WorkflowID, &schedule.Cron, &enabled, &data,
		&nextRunAt, &lastRunAt, &lastEventID, &lastError, &createdAt, &updatedAt); err != nil {
		return Schedule{}, err
	}
	schedule.Enabled = enabled != 0
	schedule.LastEventID = lastEventID.String
	schedule.LastError = lastError.String

	var err error
	if schedule.InitialData, err = unmarshalMap(data); err != nil {
		return Schedule{}, fmt.Errorf("decode initial data: %w", err)
	}
	if schedule.NextRunAt, err = parseTime(nextRunAt); err != nil {
		return Schedule{}, fmt.Errorf("parse next_run_at: %w", err)
	}
	if schedule.LastRunAt, err = parseNullableTime(lastRunAt); err != nil {
		return Schedule{}, fmt.Errorf("parse last_run_at: %w", err)
	}
	if schedule.CreatedAt, err = parseTime(createdAt); err != nil {
		return Schedule{}, fmt.Errorf("parse created_at: %w", err)
	}
	if schedule.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Schedule{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return schedule, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullIfEmpty(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
