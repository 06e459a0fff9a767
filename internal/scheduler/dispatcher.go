package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"leadscout/internal/telemetry"
	"leadscout/internal/types"
)

// JobLocker provides the distributed run lock. Implemented by
// db.JobLockRepository.
type JobLocker interface {
	Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error)
}

// JobHistorian records job runs for operational visibility. Implemented by
// db.JobHistoryRepository.
type JobHistorian interface {
	Start(ctx context.Context, task types.JobTask) (int64, error)
	Finish(ctx context.Context, id int64, status string, items int, jobErr error) error
}

// TaskFunc executes one job run against the given reference time and returns
// the number of rows it affected.
type TaskFunc func(ctx context.Context, now time.Time) (int64, error)

// Dispatcher routes a JobTask to its registered runner, guarded by a
// per-hour distributed lock so that overlapping triggers (EventBridge retry,
// manual HTTP poke, competing instance) execute the task at most once per
// window. A trigger that loses the lock race is a successful no-op.
type Dispatcher struct {
	locks    JobLocker
	history  JobHistorian
	metrics  telemetry.Metrics
	clock    types.Clock
	lockTTL  time.Duration
	workerID string
	tasks    map[types.JobTask]TaskFunc
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher with no registered tasks. The worker id
// is minted once per process so lock rows identify which instance ran a job.
func NewDispatcher(locks JobLocker, history JobHistorian, metrics telemetry.Metrics, clock types.Clock, lockTTL time.Duration, logger *slog.Logger) *Dispatcher {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		locks:    locks,
		history:  history,
		metrics:  metrics,
		clock:    clock,
		lockTTL:  lockTTL,
		workerID: uuid.NewString(),
		tasks:    make(map[types.JobTask]TaskFunc),
		logger:   logger,
	}
}

// Register binds a task to its runner. Not safe for concurrent use; wire all
// tasks during startup.
func (d *Dispatcher) Register(task types.JobTask, fn TaskFunc) {
	d.tasks[task] = fn
}

// Run executes the task once for the current hour window and returns the
// affected-row count. Returns (0, nil) when another trigger already holds the
// window's lock.
func (d *Dispatcher) Run(ctx context.Context, task types.JobTask) (int64, error) {
	return d.RunAt(ctx, task, d.clock.Now())
}

// RunAt is Run with an explicit reference time, used by the Lambda entry
// point to honor payload-pinned replays.
func (d *Dispatcher) RunAt(ctx context.Context, task types.JobTask, now time.Time) (int64, error) {
	fn, ok := d.tasks[task]
	if !ok {
		return 0, types.NewAppError(types.ErrCodeInternalConfig, "no runner registered for task: "+string(task), nil)
	}

	lockID := fmt.Sprintf("%s:%s", task, now.UTC().Truncate(time.Hour).Format("2006-01-02T15"))
	acquired, err := d.locks.Acquire(ctx, lockID, d.workerID, d.lockTTL)
	if err != nil {
		return 0, fmt.Errorf("acquire lock %s: %w", lockID, err)
	}
	if !acquired {
		d.logger.InfoContext(ctx, "job lock held by another worker, skipping",
			"task", string(task),
			"lock_id", lockID,
		)
		return 0, nil
	}

	runID, err := d.history.Start(ctx, task)
	if err != nil {
		return 0, fmt.Errorf("start job history for %s: %w", task, err)
	}

	started := d.clock.Now()
	affected, runErr := fn(ctx, now)

	status := "success"
	if runErr != nil {
		status = "failed"
	}
	if finishErr := d.history.Finish(ctx, runID, status, int(affected), runErr); finishErr != nil {
		d.logger.WarnContext(ctx, "failed to record job completion",
			"task", string(task),
			"run_id", runID,
			"error", finishErr,
		)
	}
	d.metrics.RecordJobResult(ctx, task, affected, runErr != nil)

	if runErr != nil {
		d.logger.ErrorContext(ctx, "job run failed",
			"task", string(task),
			"lock_id", lockID,
			"duration", d.clock.Now().Sub(started).String(),
			"error", runErr,
		)
		return affected, runErr
	}

	d.logger.InfoContext(ctx, "job run completed",
		"task", string(task),
		"lock_id", lockID,
		"affected", affected,
		"duration", d.clock.Now().Sub(started).String(),
	)
	return affected, nil
}
