package db

import (
	"context"
	"time"

	"leadscout/internal/types"
)

// ============================================================
// JobLockRepository
// ============================================================

// JobLockRepository provides distributed locking via the job_locks table.
// The locking mechanism uses INSERT ... ON CONFLICT DO UPDATE to atomically
// acquire a lock, ensuring only one trigger (HTTP or Lambda) processes a
// given job within a time window.
type JobLockRepository struct {
	db DBTX
}

// NewJobLockRepository creates a new JobLockRepository backed by the given
// database connection (pool or transaction).
func NewJobLockRepository(db DBTX) *JobLockRepository {
	return &JobLockRepository{db: db}
}

// Acquire attempts to insert a lock row. Returns true if acquired, false if
// the lock already exists and has not expired. The lockID is
// "task:timestamp_hour" (e.g., "sweep-grace:2026-08-28T09").
//
// SQL pattern:
//
//	INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (id) DO UPDATE
//	  SET worker_id = EXCLUDED.worker_id,
//	      locked_at = EXCLUDED.locked_at,
//	      expires_at = EXCLUDED.expires_at
//	  WHERE job_locks.expires_at < $3
//
// locked_at ($3) and expires_at ($4) are computed as time.Time values in Go
// to avoid PostgreSQL interval parsing incompatibilities with Go's duration
// format.
//
// If the existing row has expired, the UPDATE succeeds and the caller
// acquires the lock. If the row is still active, the ON CONFLICT WHERE
// clause prevents the update and zero rows are affected.
func (r *JobLockRepository) Acquire(ctx context.Context, lockID string, workerID string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	tag, err := r.db.Exec(ctx,
		`INSERT INTO job_locks (id, worker_id, locked_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE
		   SET worker_id = EXCLUDED.worker_id,
		       locked_at = EXCLUDED.locked_at,
		       expires_at = EXCLUDED.expires_at
		   WHERE job_locks.expires_at < $3`,
		lockID,
		workerID,
		now,
		expiresAt,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire job lock", err)
	}

	// RowsAffected is 1 if the INSERT succeeded (new row) or the ON CONFLICT
	// UPDATE matched (expired lock reclaimed). It is 0 if another worker
	// still holds the lock.
	return tag.RowsAffected() > 0, nil
}

// ============================================================
// JobHistoryRepository
// ============================================================

// JobHistoryRepository provides data access for the job_history table.
// Job history entries track scheduled task executions for operational
// visibility and debugging.
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a new JobHistoryRepository backed by the
// given database connection (pool or transaction).
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

// Start inserts a new job_history row with status 'running' and returns
// the auto-generated BIGSERIAL ID. The caller uses this ID to later call
// Finish with the outcome.
func (r *JobHistoryRepository) Start(ctx context.Context, task types.JobTask) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_history (task, started_at, status)
		 VALUES ($1, NOW(), 'running')
		 RETURNING id`,
		task,
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to start job history entry", err)
	}
	return id, nil
}

// Finish updates the job_history row with the final status, item count,
// and optional error message. The status should be 'success' or 'failed'.
// If jobErr is non-nil, its message is stored in the error column.
func (r *JobHistoryRepository) Finish(ctx context.Context, id int64, status string, items int, jobErr error) error {
	var errMsg *string
	if jobErr != nil {
		s := jobErr.Error()
		errMsg = &s
	}

	tag, err := r.db.Exec(ctx,
		`UPDATE job_history
		 SET finished_at = NOW(), status = $2, items_count = $3, error = $4
		 WHERE id = $1`,
		id,
		status,
		items,
		errMsg,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to finish job history entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeInternalUnexpected, "job history entry not found", nil)
	}
	return nil
}
