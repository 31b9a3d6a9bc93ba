package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/courierd/courier/pkg/models"
)

// taskColumns is the column list every task query selects, in scan order.
const taskColumns = `id, device_id, agent_key, parameters, status, output, error,
	exit_code, retry_of, timeout_seconds, created_at, started_at, completed_at`

// CreateTask inserts a new task row.
func (d *Database) CreateTask(ctx context.Context, task *models.Task) error {
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}
	params, err := json.Marshal(task.Parameters)
	if err != nil {
		return fmt.Errorf("failed to marshal parameters: %w", err)
	}

	_, err = d.db.ExecContext(ctx, rebind(`
		INSERT INTO agent_tasks (id, device_id, agent_key, parameters, status, retry_of, timeout_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`),
		task.ID,
		task.DeviceID,
		task.AgentKey,
		params,
		task.Status,
		task.RetryOf,
		task.TimeoutSecs,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask fetches one task by id. Returns (nil, nil) when not found.
func (d *Database) GetTask(ctx context.Context, taskID uuid.UUID) (*models.Task, error) {
	row := d.db.QueryRowContext(ctx, rebind(`
		SELECT `+taskColumns+`
		FROM agent_tasks WHERE id = ?
	`), taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return task, nil
}

// TaskFilters narrows ListTasks results. Zero values mean no filter.
type TaskFilters struct {
	DeviceID string
	AgentKey string
	Status   models.TaskStatus
	Limit    int
}

// ListTasks returns tasks newest first, optionally filtered.
func (d *Database) ListTasks(ctx context.Context, filters TaskFilters) ([]*models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM agent_tasks WHERE 1=1`
	var args []interface{}

	if filters.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, filters.DeviceID)
	}
	if filters.AgentKey != "" {
		query += ` AND agent_key = ?`
		args = append(args, filters.AgentKey)
	}
	if filters.Status != "" {
		query += ` AND status = ?`
		args = append(args, filters.Status)
	}
	query += ` ORDER BY created_at DESC`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	}

	rows, err := d.db.QueryContext(ctx, rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// PollPending returns pending tasks addressed to the given device, oldest
// first so earlier submissions run first. Delivery is at-least-once; the
// dispatcher deduplicates.
func (d *Database) PollPending(ctx context.Context, deviceID string, limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.db.QueryContext(ctx, rebind(`
		SELECT `+taskColumns+`
		FROM agent_tasks
		WHERE device_id = ? AND status = 'pending'
		ORDER BY created_at ASC
		LIMIT ?
	`), deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to poll pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// Ack records that a task's execution finished on this device. Idempotent:
// repeated acks keep the first timestamp.
func (d *Database) Ack(ctx context.Context, taskID uuid.UUID) error {
	_, err := d.db.ExecContext(ctx, rebind(`
		UPDATE agent_tasks SET acked_at = NOW() WHERE id = ? AND acked_at IS NULL
	`), taskID)
	if err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

// SetStatus applies a status transition. Nil timestamp/exit-code fields
// are left untouched; non-nil fields win over earlier values.
func (d *Database) SetStatus(ctx context.Context, update models.StatusUpdate) error {
	_, err := d.db.ExecContext(ctx, rebind(`
		UPDATE agent_tasks SET
			status = ?,
			started_at = COALESCE(?, started_at),
			completed_at = COALESCE(?, completed_at),
			exit_code = COALESCE(?, exit_code),
			error = CASE WHEN ?::text <> '' THEN ? ELSE error END
		WHERE id = ?
	`),
		update.Status,
		update.StartedAt,
		update.CompletedAt,
		update.ExitCode,
		update.Error,
		update.Error,
		update.TaskID,
	)
	if err != nil {
		return fmt.Errorf("failed to set task status: %w", err)
	}
	return nil
}

// AppendOutput appends a chunk to the task's accumulated output.
func (d *Database) AppendOutput(ctx context.Context, taskID uuid.UUID, chunk string) error {
	if chunk == "" {
		return nil
	}
	_, err := d.db.ExecContext(ctx, rebind(`
		UPDATE agent_tasks SET output = output || ? WHERE id = ?
	`), chunk, taskID)
	if err != nil {
		return fmt.Errorf("failed to append task output: %w", err)
	}
	return nil
}

// CountByStatus returns the number of tasks per status for the health and
// stats endpoints.
func (d *Database) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM agent_tasks GROUP BY status
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var status models.TaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(s scanner) (*models.Task, error) {
	var (
		task        models.Task
		params      []byte
		output      string
		errText     string
		exitCode    sql.NullInt64
		retryOf     uuid.NullUUID
		startedAt   sql.NullTime
		completedAt sql.NullTime
		createdAt   time.Time
	)

	err := s.Scan(
		&task.ID,
		&task.DeviceID,
		&task.AgentKey,
		&params,
		&task.Status,
		&output,
		&errText,
		&exitCode,
		&retryOf,
		&task.TimeoutSecs,
		&createdAt,
		&startedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(params) > 0 {
		if err := json.Unmarshal(params, &task.Parameters); err != nil {
			return nil, fmt.Errorf("failed to unmarshal parameters: %w", err)
		}
	}
	task.Output = output
	task.Error = errText
	task.CreatedAt = createdAt
	if exitCode.Valid {
		code := int(exitCode.Int64)
		task.ExitCode = &code
	}
	if retryOf.Valid {
		id := retryOf.UUID
		task.RetryOf = &id
	}
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return &task, nil
}
