package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/daymonio/daymon-sub001/internal/core"
)

// ErrTaskNotFound aliases the core sentinel so callers of either package can match it.
var ErrTaskNotFound = core.ErrTaskNotFound

const taskColumns = `id, name, prompt, trigger_type, cron_expression, scheduled_at, status, max_runs,
	run_count, error_count, last_run, last_result, nudge_mode, timeout_seconds, working_dir, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = core.TaskStatusActive
	}
	if task.NudgeMode == "" {
		task.NudgeMode = core.NudgeAlways
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (name, prompt, trigger_type, cron_expression, scheduled_at, status, max_runs,
			run_count, error_count, last_run, last_result, nudge_mode, timeout_seconds, working_dir, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.Name, task.Prompt, task.TriggerType, nullableString(task.CronExpression), nullableTime(task.ScheduledAt),
		task.Status, nullableInt(task.MaxRuns), task.RunCount, task.ErrorCount, nullableTime(task.LastRun),
		nullableString(task.LastResult), task.NudgeMode, nullableInt(task.TimeoutSeconds), nullableString(task.WorkingDir),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task id: %w", err)
	}
	task.ID = id
	return nil
}

func (s *Store) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ListTasks returns every task, optionally filtered by status.
func (s *Store) ListTasks(ctx context.Context, status *core.TaskStatus) ([]*core.Task, error) {
	if status != nil {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, *status)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
}

func (s *Store) ListActiveTasks(ctx context.Context) ([]*core.Task, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, core.TaskStatusActive)
}

// GetDueOnceTasks returns active one-shot tasks whose scheduled time is at or before now.
func (s *Store) GetDueOnceTasks(ctx context.Context, now time.Time) ([]*core.Task, error) {
	return s.queryTasks(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE trigger_type = ? AND status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		ORDER BY scheduled_at, id
	`, core.TriggerOnce, core.TaskStatusActive, formatTime(now))
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status core.TaskStatus) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?
	`, status, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task status rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// UpdateTask writes the editable fields of task. Counters and last-run state
// are owned by the runner and left untouched.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, prompt = ?, trigger_type = ?, cron_expression = ?, scheduled_at = ?, status = ?,
			max_runs = ?, nudge_mode = ?, timeout_seconds = ?, working_dir = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Prompt, task.TriggerType, nullableString(task.CronExpression), nullableTime(task.ScheduledAt),
		task.Status, nullableInt(task.MaxRuns), task.NudgeMode, nullableInt(task.TimeoutSeconds),
		nullableString(task.WorkingDir), formatTime(task.UpdatedAt), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// DeleteTask removes a task; its runs go with it.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	if err := os.RemoveAll(filepath.Join(s.StateDir, "results", fmt.Sprintf("task-%d", id))); err != nil {
		return fmt.Errorf("remove task results: %w", err)
	}
	return nil
}

// RecordTaskResult stores the latest outcome and bumps the run and error counters.
func (s *Store) RecordTaskResult(ctx context.Context, id int64, at time.Time, result string, failed bool) error {
	errInc := 0
	if failed {
		errInc = 1
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET last_run = ?, last_result = ?, run_count = run_count + 1, error_count = error_count + ?, updated_at = ?
		WHERE id = ?
	`, formatTime(at), result, errInc, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("record task result: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record task result rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*core.Task, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		task        core.Task
		triggerType string
		status      string
		nudgeMode   string
		cronExpr    sql.NullString
		scheduledAt sql.NullString
		maxRuns     sql.NullInt64
		lastRun     sql.NullString
		lastResult  sql.NullString
		timeout     sql.NullInt64
		workingDir  sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(&task.ID, &task.Name, &task.Prompt, &triggerType, &cronExpr, &scheduledAt, &status, &maxRuns,
		&task.RunCount, &task.ErrorCount, &lastRun, &lastResult, &nudgeMode, &timeout, &workingDir, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.TriggerType = core.TriggerType(triggerType)
	task.Status = core.TaskStatus(status)
	task.NudgeMode = core.NudgeMode(nudgeMode)
	if cronExpr.Valid {
		task.CronExpression = &cronExpr.String
	}
	if scheduledAt.Valid {
		if t, err := parseTime(scheduledAt.String); err == nil {
			task.ScheduledAt = &t
		}
	}
	if maxRuns.Valid {
		v := int(maxRuns.Int64)
		task.MaxRuns = &v
	}
	if lastRun.Valid {
		if t, err := parseTime(lastRun.String); err == nil {
			task.LastRun = &t
		}
	}
	if lastResult.Valid {
		task.LastResult = &lastResult.String
	}
	if timeout.Valid {
		v := int(timeout.Int64)
		task.TimeoutSeconds = &v
	}
	if workingDir.Valid {
		task.WorkingDir = &workingDir.String
	}
	if t, err := parseTime(createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return &task, nil
}
