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

var (
	// ErrRunNotFound indicates a run id that does not exist.
	ErrRunNotFound = errors.New("run not found")
	// ErrRunNotRunning indicates a completion attempt on a run already in a terminal state.
	ErrRunNotRunning = errors.New("run is not running")
)

const runColumns = `id, task_id, started_at, finished_at, status, result, result_file, error_message,
	progress, progress_message, duration_ms`

// CreateRun inserts a run in the running state.
func (s *Store) CreateRun(ctx context.Context, taskID int64, startedAt time.Time) (*core.TaskRun, error) {
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_runs (task_id, started_at, status) VALUES (?, ?, ?)
	`, taskID, formatTime(startedAt), core.RunStatusRunning)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert run id: %w", err)
	}
	return &core.TaskRun{
		ID:        id,
		TaskID:    taskID,
		StartedAt: startedAt.UTC(),
		Status:    core.RunStatusRunning,
	}, nil
}

// CompleteRun writes the terminal state of a run. Only runs still in the
// running state are updated, so a run terminates exactly once.
func (s *Store) CompleteRun(ctx context.Context, runID int64, c core.RunCompletion) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_runs
		SET status = ?, finished_at = ?, result = ?, result_file = ?, error_message = ?, duration_ms = ?
		WHERE id = ? AND status = ?
	`, c.Status, formatTime(c.FinishedAt), nullableString(c.Result), nullableString(c.ResultFile),
		nullableString(c.ErrorMessage), c.DurationMs, runID, core.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete run rows: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrRunNotRunning
}

func (s *Store) UpdateRunProgress(ctx context.Context, runID int64, progress *int, message string) error {
	var msg any
	if message != "" {
		msg = message
	}
	_, err := s.DB.ExecContext(ctx, `
		UPDATE task_runs SET progress = COALESCE(?, progress), progress_message = COALESCE(?, progress_message)
		WHERE id = ? AND status = ?
	`, nullableInt(progress), msg, runID, core.RunStatusRunning)
	if err != nil {
		return fmt.Errorf("update run progress: %w", err)
	}
	return nil
}

func (s *Store) ListRunningRuns(ctx context.Context) ([]*core.TaskRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM task_runs WHERE status = ? ORDER BY id`, core.RunStatusRunning)
}

func (s *Store) GetRun(ctx context.Context, id int64) (*core.TaskRun, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns runs of a task, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID int64, limit, offset int) ([]*core.TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.queryRuns(ctx, `
		SELECT `+runColumns+` FROM task_runs
		WHERE task_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
}

// PruneOldRuns keeps the newest RunRetention finished runs of a task and
// deletes the rest along with their result files.
func (s *Store) PruneOldRuns(ctx context.Context, taskID int64) error {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, result_file FROM task_runs
		WHERE task_id = ? AND status != ?
		ORDER BY started_at DESC, id DESC
		LIMIT -1 OFFSET ?
	`, taskID, core.RunStatusRunning, s.RunRetention)
	if err != nil {
		return fmt.Errorf("select old runs: %w", err)
	}
	type victim struct {
		id   int64
		file sql.NullString
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.file); err != nil {
			rows.Close()
			return fmt.Errorf("scan old run: %w", err)
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, v := range victims {
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM task_runs WHERE id = ?`, v.id); err != nil {
			return fmt.Errorf("delete run %d: %w", v.id, err)
		}
		if v.file.Valid && v.file.String != "" {
			if err := os.Remove(v.file.String); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove result file: %w", err)
			}
		}
	}
	return nil
}

// ResultPath returns where the full output of a run is written.
func (s *Store) ResultPath(taskID, runID int64) string {
	return filepath.Join(s.StateDir, "results", fmt.Sprintf("task-%d", taskID), fmt.Sprintf("run-%d.md", runID))
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*core.TaskRun, error) {
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.TaskRun, error) {
	var (
		run          core.TaskRun
		startedAt    string
		finishedAt   sql.NullString
		status       string
		result       sql.NullString
		resultFile   sql.NullString
		errorMessage sql.NullString
		progress     sql.NullInt64
		progressMsg  sql.NullString
		durationMs   sql.NullInt64
	)
	if err := scanner.Scan(&run.ID, &run.TaskID, &startedAt, &finishedAt, &status, &result, &resultFile,
		&errorMessage, &progress, &progressMsg, &durationMs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = core.RunStatus(status)
	if t, err := parseTime(startedAt); err == nil {
		run.StartedAt = t
	}
	if finishedAt.Valid {
		if t, err := parseTime(finishedAt.String); err == nil {
			run.FinishedAt = &t
		}
	}
	if result.Valid {
		run.Result = &result.String
	}
	if resultFile.Valid {
		run.ResultFile = &resultFile.String
	}
	if errorMessage.Valid {
		run.ErrorMessage = &errorMessage.String
	}
	if progress.Valid {
		v := int(progress.Int64)
		run.Progress = &v
	}
	if progressMsg.Valid {
		run.ProgressMessage = &progressMsg.String
	}
	if durationMs.Valid {
		v := durationMs.Int64
		run.DurationMs = &v
	}
	return &run, nil
}
