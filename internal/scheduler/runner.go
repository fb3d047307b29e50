// Package scheduler executes registered tasks on cron schedules, records
// every run, and retries transient failures with capped exponential backoff.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/demandline/demandline/internal/domain"
)

const (
	defaultMaxRetries  = 5
	defaultBaseBackoff = time.Second
	defaultBackoffCap  = 10 * time.Minute
	defaultWarnAfter   = 5 * time.Minute
	defaultTaskTimeout = 30 * time.Minute
)

// Task is one unit of scheduled work. Run returns opaque details for the run
// record. Errors are retried unless wrapped with Permanent.
type Task interface {
	Name() string
	Run(ctx context.Context) (map[string]interface{}, error)
}

// TaskFunc adapts a function to the Task interface.
type TaskFunc struct {
	TaskName string
	Fn       func(ctx context.Context) (map[string]interface{}, error)
}

func (t TaskFunc) Name() string { return t.TaskName }

func (t TaskFunc) Run(ctx context.Context) (map[string]interface{}, error) {
	return t.Fn(ctx)
}

// permanentError stops the retry loop.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether an error was marked non-retryable.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Runner drives the cron schedule. Every execution writes a TaskRun row at
// start and finalizes it with status, duration and details.
type Runner struct {
	cron  *cron.Cron
	runs  *TaskRunRepository
	clock domain.Clock
	log   zerolog.Logger

	maxRetries  int
	baseBackoff time.Duration
	backoffCap  time.Duration
	warnAfter   time.Duration
	taskTimeout time.Duration

	// sleep is swapped by tests to skip real backoff waits.
	sleep func(context.Context, time.Duration)

	mu      sync.Mutex
	baseCtx context.Context
}

// RunnerOption tunes a Runner.
type RunnerOption func(*Runner)

// WithRetryPolicy overrides the retry count and backoff bounds.
func WithRetryPolicy(maxRetries int, base, limit time.Duration) RunnerOption {
	return func(r *Runner) {
		r.maxRetries = maxRetries
		r.baseBackoff = base
		r.backoffCap = limit
	}
}

// WithTaskTimeout overrides the per-attempt deadline.
func WithTaskTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) { r.taskTimeout = d }
}

// WithSleepFunc replaces the backoff wait. Test hook.
func WithSleepFunc(fn func(context.Context, time.Duration)) RunnerOption {
	return func(r *Runner) { r.sleep = fn }
}

// NewRunner creates a runner using six-field cron expressions (with seconds).
func NewRunner(runs *TaskRunRepository, clock domain.Clock, log zerolog.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		cron:        cron.New(cron.WithSeconds()),
		runs:        runs,
		clock:       clock,
		log:         log.With().Str("component", "scheduler").Logger(),
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
		backoffCap:  defaultBackoffCap,
		warnAfter:   defaultWarnAfter,
		taskTimeout: defaultTaskTimeout,
		baseCtx:     context.Background(),
	}
	r.sleep = func(ctx context.Context, d time.Duration) {
		select {
		case <-ctx.Done():
		case <-time.After(d):
		}
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register schedules a task.
func (r *Runner) Register(schedule string, task Task) error {
	_, err := r.cron.AddFunc(schedule, func() {
		r.mu.Lock()
		ctx := r.baseCtx
		r.mu.Unlock()
		r.Execute(ctx, task)
	})
	if err != nil {
		return fmt.Errorf("register task %s: %w", task.Name(), err)
	}

	r.log.Info().Str("schedule", schedule).Str("task", task.Name()).Msg("Task registered")
	return nil
}

// Start begins executing schedules. The context bounds all task runs; cancel
// it before Stop for a prompt shutdown.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
	r.cron.Start()
	r.log.Info().Msg("Scheduler started")
}

// Stop halts the schedule and waits for in-flight jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
	r.log.Info().Msg("Scheduler stopped")
}

// Execute runs one task now, with run recording and the retry policy.
// Returns the final error after retries are exhausted.
func (r *Runner) Execute(ctx context.Context, task Task) error {
	runID := uuid.NewString()
	started := r.clock.Now()
	log := r.log.With().Str("task", task.Name()).Str("run_id", runID).Logger()

	// Run records must be finalized even when the task context is cancelled.
	recordCtx := context.WithoutCancel(ctx)

	if err := r.runs.Start(recordCtx, runID, task.Name(), started); err != nil {
		log.Error().Err(err).Msg("Failed to record task start")
	}

	warn := time.AfterFunc(r.warnAfter, func() {
		log.Warn().Dur("threshold", r.warnAfter).Msg("Task still running past warning threshold")
	})
	defer warn.Stop()

	details, err := r.runWithRetries(ctx, task, log)

	finished := r.clock.Now()
	duration := finished.Sub(started)

	status := domain.TaskSuccess
	errMsg := ""
	if err != nil {
		status = domain.TaskError
		errMsg = err.Error()
		log.Error().Err(err).Dur("duration", duration).Msg("Task failed")
	} else {
		log.Info().Dur("duration", duration).Msg("Task completed")
	}

	if ferr := r.runs.Finish(recordCtx, runID, status, finished, duration, details, errMsg); ferr != nil {
		log.Error().Err(ferr).Msg("Failed to record task finish")
	}
	return err
}

// runWithRetries applies the backoff policy around the task body.
func (r *Runner) runWithRetries(ctx context.Context, task Task, log zerolog.Logger) (map[string]interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			r.sleep(ctx, r.backoff(attempt))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		attemptCtx, cancel := context.WithTimeout(ctx, r.taskTimeout)
		details, err := task.Run(attemptCtx)
		cancel()

		if err == nil {
			return details, nil
		}
		lastErr = err

		if IsPermanent(err) || errors.Is(err, context.Canceled) {
			return details, err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Task attempt failed, will retry")
	}
	return nil, lastErr
}

// backoff is base doubled per attempt, capped, with up to 25% jitter.
func (r *Runner) backoff(attempt int) time.Duration {
	d := r.baseBackoff << uint(attempt-1)
	if d > r.backoffCap || d <= 0 {
		d = r.backoffCap
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}
