package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
)

// TaskRunRepository persists one row per task execution.
type TaskRunRepository struct {
	db *database.DB
}

func NewTaskRunRepository(db *database.DB) *TaskRunRepository {
	return &TaskRunRepository{db: db}
}

// Start records a new running task.
func (r *TaskRunRepository) Start(ctx context.Context, runID, taskName string, startedAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, task_name, status, started_at)
		VALUES (?, ?, 'running', ?)`,
		runID, taskName, startedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("start task run %s: %w", taskName, err)
	}
	return nil
}

// Finish finalizes a run with its outcome. Details are stored as JSON.
func (r *TaskRunRepository) Finish(ctx context.Context, runID string, status domain.TaskRunStatus,
	finishedAt time.Time, duration time.Duration, details map[string]interface{}, runErr string) error {

	detailsJSON := "{}"
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			detailsJSON = string(data)
		}
	}

	_, err := r.db.ExecContext(ctx, `
		UPDATE task_runs
		SET status = ?, finished_at = ?, duration_ms = ?, details = ?, error = ?
		WHERE run_id = ?`,
		string(status), finishedAt.UTC().Format(time.RFC3339), duration.Milliseconds(),
		detailsJSON, runErr, runID)
	if err != nil {
		return fmt.Errorf("finish task run %s: %w", runID, err)
	}
	return nil
}

// Get loads one run by its run id.
func (r *TaskRunRepository) Get(ctx context.Context, runID string) (*domain.TaskRun, error) {
	row := r.db.QueryRowContext(ctx, selectTaskRun+` WHERE run_id = ?`, runID)
	run, err := scanTaskRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load task run %s: %w", runID, err)
	}
	return run, nil
}

// Recent returns the latest runs, optionally for one task, newest first.
func (r *TaskRunRepository) Recent(ctx context.Context, taskName string, limit int) ([]domain.TaskRun, error) {
	if limit <= 0 {
		limit = 50
	}

	query := selectTaskRun
	var args []interface{}
	if taskName != "" {
		query += ` WHERE task_name = ?`
		args = append(args, taskName)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var runs []domain.TaskRun
	for rows.Next() {
		run, err := scanTaskRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ReapStale marks running rows older than the cutoff as errored. Crash
// recovery: a run that never finished must not stay "running" forever.
func (r *TaskRunRepository) ReapStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE task_runs
		SET status = 'error', error = 'reaped: run never finished', finished_at = ?
		WHERE status = 'running' AND started_at < ?`,
		time.Now().UTC().Format(time.RFC3339), cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("reap stale task runs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOlderThan removes runs started before the cutoff.
func (r *TaskRunRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM task_runs WHERE started_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("delete old task runs: %w", err)
	}
	return res.RowsAffected()
}

const selectTaskRun = `
	SELECT id, run_id, task_name, status, started_at, finished_at, duration_ms, details, error
	FROM task_runs`

func scanTaskRun(scan func(...interface{}) error) (*domain.TaskRun, error) {
	var run domain.TaskRun
	var status, startedAt, detailsJSON string
	var finishedAt *string
	err := scan(&run.ID, &run.RunID, &run.TaskName, &status, &startedAt,
		&finishedAt, &run.DurationMS, &detailsJSON, &run.Error)
	if err != nil {
		return nil, err
	}

	run.Status = domain.TaskRunStatus(status)
	if t, perr := time.Parse(time.RFC3339, startedAt); perr == nil {
		run.StartedAt = t
	}
	if finishedAt != nil {
		if t, perr := time.Parse(time.RFC3339, *finishedAt); perr == nil {
			run.FinishedAt = &t
		}
	}
	if detailsJSON != "" {
		_ = json.Unmarshal([]byte(detailsJSON), &run.Details)
	}
	return &run, nil
}
