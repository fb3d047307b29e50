package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/demandline/demandline/internal/database"
	"github.com/demandline/demandline/internal/domain"
	apptesting "github.com/demandline/demandline/internal/testing"
)

func newTestRunner(t *testing.T, opts ...RunnerOption) (*Runner, *TaskRunRepository, *database.DB) {
	t.Helper()

	db, cleanup := apptesting.NewTestDB(t)
	t.Cleanup(cleanup)

	repo := NewTaskRunRepository(db)
	base := []RunnerOption{
		WithSleepFunc(func(context.Context, time.Duration) {}),
		WithRetryPolicy(5, time.Millisecond, 10*time.Millisecond),
	}
	runner := NewRunner(repo, domain.RealClock{}, zerolog.Nop(), append(base, opts...)...)
	return runner, repo, db
}

func lastRun(t *testing.T, repo *TaskRunRepository, taskName string) domain.TaskRun {
	t.Helper()

	runs, err := repo.Recent(context.Background(), taskName, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0]
}

func TestExecuteRecordsSuccessfulRun(t *testing.T) {
	runner, repo, _ := newTestRunner(t)

	task := TaskFunc{TaskName: "demo_task", Fn: func(context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"rows": 42}, nil
	}}
	require.NoError(t, runner.Execute(context.Background(), task))

	run := lastRun(t, repo, "demo_task")
	assert.Equal(t, domain.TaskSuccess, run.Status)
	assert.NotNil(t, run.FinishedAt)
	assert.Empty(t, run.Error)
	assert.EqualValues(t, 42, run.Details["rows"])
}

func TestExecuteRetriesTransientFailures(t *testing.T) {
	runner, repo, _ := newTestRunner(t)

	attempts := 0
	task := TaskFunc{TaskName: "flaky_task", Fn: func(context.Context) (map[string]interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("upstream hiccup")
		}
		return map[string]interface{}{"attempt": attempts}, nil
	}}
	require.NoError(t, runner.Execute(context.Background(), task))

	assert.Equal(t, 3, attempts)
	run := lastRun(t, repo, "flaky_task")
	assert.Equal(t, domain.TaskSuccess, run.Status)
}

func TestExecuteStopsOnPermanentError(t *testing.T) {
	runner, repo, _ := newTestRunner(t)

	attempts := 0
	task := TaskFunc{TaskName: "broken_task", Fn: func(context.Context) (map[string]interface{}, error) {
		attempts++
		return nil, Permanent(errors.New("schema mismatch"))
	}}
	err := runner.Execute(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, 1, attempts, "permanent errors are not retried")
	run := lastRun(t, repo, "broken_task")
	assert.Equal(t, domain.TaskError, run.Status)
	assert.Contains(t, run.Error, "schema mismatch")
}

func TestExecuteExhaustsRetries(t *testing.T) {
	runner, repo, _ := newTestRunner(t, WithRetryPolicy(2, time.Millisecond, 10*time.Millisecond))

	attempts := 0
	task := TaskFunc{TaskName: "doomed_task", Fn: func(context.Context) (map[string]interface{}, error) {
		attempts++
		return nil, errors.New("still down")
	}}
	err := runner.Execute(context.Background(), task)
	require.Error(t, err)

	assert.Equal(t, 3, attempts, "initial attempt plus two retries")
	run := lastRun(t, repo, "doomed_task")
	assert.Equal(t, domain.TaskError, run.Status)
	assert.Contains(t, run.Error, "still down")
}

func TestExecuteHonorsCancellation(t *testing.T) {
	runner, repo, _ := newTestRunner(t)

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	task := TaskFunc{TaskName: "cancelled_task", Fn: func(context.Context) (map[string]interface{}, error) {
		attempts++
		cancel()
		return nil, errors.New("transient")
	}}
	err := runner.Execute(ctx, task)
	require.Error(t, err)

	assert.Equal(t, 1, attempts, "no retry once the context is cancelled")
	run := lastRun(t, repo, "cancelled_task")
	assert.Equal(t, domain.TaskError, run.Status)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	runner, _, _ := newTestRunner(t, WithRetryPolicy(5, time.Second, 10*time.Second))

	for attempt := 1; attempt <= 5; attempt++ {
		d := runner.backoff(attempt)
		want := time.Second << uint(attempt-1)
		if want > 10*time.Second {
			want = 10 * time.Second
		}
		assert.GreaterOrEqual(t, d, want, "attempt %d", attempt)
		assert.LessOrEqual(t, d, want+want/4, "attempt %d jitter bound", attempt)
	}
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.True(t, IsPermanent(Permanent(errors.New("fatal"))))
	assert.True(t, IsPermanent(errors.Join(errors.New("wrap"), Permanent(errors.New("inner")))))
	assert.NoError(t, Permanent(nil))
}

func TestTaskRunRepositoryLifecycle(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewTaskRunRepository(db)
	ctx := context.Background()

	started := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Start(ctx, "run-1", "demo", started))

	run, err := repo.Get(ctx, "run-1")
	require.NoError(t, err)
	require.NotNil(t, run)
	assert.Equal(t, domain.TaskRunning, run.Status)
	assert.Nil(t, run.FinishedAt)

	finished := started.Add(90 * time.Second)
	require.NoError(t, repo.Finish(ctx, "run-1", domain.TaskSuccess, finished, 90*time.Second,
		map[string]interface{}{"rows": 7}, ""))

	run, err = repo.Get(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskSuccess, run.Status)
	assert.Equal(t, int64(90000), run.DurationMS)
	assert.EqualValues(t, 7, run.Details["rows"])
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, finished, run.FinishedAt.UTC())

	missing, err := repo.Get(ctx, "run-404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestTaskRunRecentOrdersNewestFirst(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewTaskRunRepository(db)
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Start(ctx, "run-1", "alpha", base))
	require.NoError(t, repo.Start(ctx, "run-2", "alpha", base.Add(time.Hour)))
	require.NoError(t, repo.Start(ctx, "run-3", "beta", base.Add(2*time.Hour)))

	all, err := repo.Recent(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "run-3", all[0].RunID)

	alpha, err := repo.Recent(ctx, "alpha", 10)
	require.NoError(t, err)
	require.Len(t, alpha, 2)
	assert.Equal(t, "run-2", alpha[0].RunID)
}

func TestReapStaleMarksAbandonedRuns(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewTaskRunRepository(db)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, repo.Start(ctx, "run-old", "demo", old))
	require.NoError(t, repo.Start(ctx, "run-new", "demo", time.Now()))

	reaped, err := repo.ReapStale(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), reaped)

	run, err := repo.Get(ctx, "run-old")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskError, run.Status)
	assert.Contains(t, run.Error, "reaped")

	fresh, err := repo.Get(ctx, "run-new")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskRunning, fresh.Status)
}

func TestTaskRunDeleteOlderThan(t *testing.T) {
	db, cleanup := apptesting.NewTestDB(t)
	defer cleanup()
	repo := NewTaskRunRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Start(ctx, "run-old", "demo", time.Now().AddDate(0, -2, 0)))
	require.NoError(t, repo.Start(ctx, "run-new", "demo", time.Now()))

	deleted, err := repo.DeleteOlderThan(ctx, time.Now().AddDate(0, -1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 1, apptesting.CountRows(t, db, "task_runs"))
}
