package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"leadscout/internal/telemetry"
	"leadscout/internal/types"
)

// ============================================================
// Mock Implementations
// ============================================================

type mockJobLocker struct {
	mu sync.Mutex

	acquired bool
	err      error

	gotLockIDs   []string
	gotWorkerIDs []string
	gotTTLs      []time.Duration
}

func (m *mockJobLocker) Acquire(_ context.Context, lockID, workerID string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotLockIDs = append(m.gotLockIDs, lockID)
	m.gotWorkerIDs = append(m.gotWorkerIDs, workerID)
	m.gotTTLs = append(m.gotTTLs, ttl)
	if m.err != nil {
		return false, m.err
	}
	return m.acquired, nil
}

type finishedRun struct {
	id     int64
	status string
	items  int
	errMsg string
}

type mockJobHistorian struct {
	mu sync.Mutex

	startID   int64
	startErr  error
	finishErr error

	starts   []types.JobTask
	finishes []finishedRun
}

func (m *mockJobHistorian) Start(_ context.Context, task types.JobTask) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, task)
	if m.startErr != nil {
		return 0, m.startErr
	}
	return m.startID, nil
}

func (m *mockJobHistorian) Finish(_ context.Context, id int64, status string, items int, jobErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}
	m.finishes = append(m.finishes, finishedRun{id: id, status: status, items: items, errMsg: msg})
	return m.finishErr
}

type jobResult struct {
	task     types.JobTask
	affected int64
	failed   bool
}

// mockJobMetrics captures RecordJobResult calls; all other metrics are noops.
type mockJobMetrics struct {
	telemetry.NoopMetrics

	mu      sync.Mutex
	results []jobResult
}

func (m *mockJobMetrics) RecordJobResult(_ context.Context, task types.JobTask, affected int64, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, jobResult{task: task, affected: affected, failed: failed})
}

// fixedClock pins Now for deterministic lock ids.
type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

// ============================================================
// Test Helpers
// ============================================================

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestDispatcher(locks *mockJobLocker, history *mockJobHistorian, metrics *mockJobMetrics, now time.Time) *Dispatcher {
	return NewDispatcher(locks, history, metrics, fixedClock{t: now}, 15*time.Minute, testLogger())
}

// ============================================================
// Tests
// ============================================================

func TestDispatcherRun_Success(t *testing.T) {
	now := time.Date(2026, 8, 28, 9, 42, 11, 0, time.UTC)
	locks := &mockJobLocker{acquired: true}
	history := &mockJobHistorian{startID: 31}
	metrics := &mockJobMetrics{}
	d := newTestDispatcher(locks, history, metrics, now)

	var gotNow time.Time
	d.Register(types.TaskSweepGrace, func(_ context.Context, ref time.Time) (int64, error) {
		gotNow = ref
		return 12, nil
	})

	affected, err := d.Run(context.Background(), types.TaskSweepGrace)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if affected != 12 {
		t.Errorf("expected 12 affected, got %d", affected)
	}
	if !gotNow.Equal(now) {
		t.Errorf("expected runner to receive clock time %v, got %v", now, gotNow)
	}

	if len(locks.gotLockIDs) != 1 {
		t.Fatalf("expected one lock attempt, got %d", len(locks.gotLockIDs))
	}
	if locks.gotLockIDs[0] != "sweep-grace:2026-08-28T09" {
		t.Errorf("unexpected lock id %q", locks.gotLockIDs[0])
	}
	if locks.gotTTLs[0] != 15*time.Minute {
		t.Errorf("expected 15m ttl, got %v", locks.gotTTLs[0])
	}
	if locks.gotWorkerIDs[0] == "" {
		t.Error("expected a non-empty worker id")
	}

	if len(history.starts) != 1 || history.starts[0] != types.TaskSweepGrace {
		t.Fatalf("expected one history start for sweep-grace, got %v", history.starts)
	}
	if len(history.finishes) != 1 {
		t.Fatalf("expected one history finish, got %d", len(history.finishes))
	}
	fin := history.finishes[0]
	if fin.id != 31 || fin.status != "success" || fin.items != 12 || fin.errMsg != "" {
		t.Errorf("unexpected finish record: %+v", fin)
	}

	if len(metrics.results) != 1 {
		t.Fatalf("expected one job metric, got %d", len(metrics.results))
	}
	if got := metrics.results[0]; got.task != types.TaskSweepGrace || got.affected != 12 || got.failed {
		t.Errorf("unexpected job metric: %+v", got)
	}
}

func TestDispatcherRun_LockHeldIsNoOp(t *testing.T) {
	locks := &mockJobLocker{acquired: false}
	history := &mockJobHistorian{}
	d := newTestDispatcher(locks, history, &mockJobMetrics{}, time.Now().UTC())

	ran := false
	d.Register(types.TaskApplyDowngrades, func(context.Context, time.Time) (int64, error) {
		ran = true
		return 5, nil
	})

	affected, err := d.Run(context.Background(), types.TaskApplyDowngrades)
	if err != nil {
		t.Fatalf("losing the lock race must not error: %v", err)
	}
	if affected != 0 {
		t.Errorf("expected 0 affected, got %d", affected)
	}
	if ran {
		t.Error("runner must not execute without the lock")
	}
	if len(history.starts) != 0 {
		t.Error("no history entry should be written without the lock")
	}
}

func TestDispatcherRun_UnregisteredTask(t *testing.T) {
	locks := &mockJobLocker{acquired: true}
	d := newTestDispatcher(locks, &mockJobHistorian{}, &mockJobMetrics{}, time.Now().UTC())

	_, err := d.Run(context.Background(), types.TaskPruneUsageLedger)
	if err == nil {
		t.Fatal("expected an error for an unregistered task")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeInternalConfig {
		t.Errorf("expected %s, got %v", types.ErrCodeInternalConfig, err)
	}
	if len(locks.gotLockIDs) != 0 {
		t.Error("no lock should be taken for an unregistered task")
	}
}

func TestDispatcherRun_TaskFailure(t *testing.T) {
	locks := &mockJobLocker{acquired: true}
	history := &mockJobHistorian{startID: 7}
	metrics := &mockJobMetrics{}
	d := newTestDispatcher(locks, history, metrics, time.Now().UTC())

	taskErr := errors.New("provider unavailable")
	d.Register(types.TaskApplyDowngrades, func(context.Context, time.Time) (int64, error) {
		return 3, taskErr
	})

	affected, err := d.Run(context.Background(), types.TaskApplyDowngrades)
	if !errors.Is(err, taskErr) {
		t.Fatalf("expected task error to propagate, got %v", err)
	}
	if affected != 3 {
		t.Errorf("expected partial count 3 to survive the failure, got %d", affected)
	}

	if len(history.finishes) != 1 {
		t.Fatalf("expected one history finish, got %d", len(history.finishes))
	}
	fin := history.finishes[0]
	if fin.status != "failed" || fin.errMsg != "provider unavailable" {
		t.Errorf("unexpected finish record: %+v", fin)
	}
	if len(metrics.results) != 1 || !metrics.results[0].failed {
		t.Errorf("expected a failed job metric, got %+v", metrics.results)
	}
}

func TestDispatcherRun_LockError(t *testing.T) {
	locks := &mockJobLocker{err: errors.New("connection refused")}
	history := &mockJobHistorian{}
	d := newTestDispatcher(locks, history, &mockJobMetrics{}, time.Now().UTC())

	d.Register(types.TaskSweepGrace, func(context.Context, time.Time) (int64, error) {
		t.Error("runner must not execute when the lock errors")
		return 0, nil
	})

	if _, err := d.Run(context.Background(), types.TaskSweepGrace); err == nil {
		t.Fatal("expected lock error to propagate")
	}
	if len(history.starts) != 0 {
		t.Error("no history entry should be written when the lock errors")
	}
}

func TestDispatcherRun_HistoryStartError(t *testing.T) {
	locks := &mockJobLocker{acquired: true}
	history := &mockJobHistorian{startErr: errors.New("insert failed")}
	d := newTestDispatcher(locks, history, &mockJobMetrics{}, time.Now().UTC())

	d.Register(types.TaskSweepGrace, func(context.Context, time.Time) (int64, error) {
		t.Error("runner must not execute when history cannot be recorded")
		return 0, nil
	})

	if _, err := d.Run(context.Background(), types.TaskSweepGrace); err == nil {
		t.Fatal("expected history start error to propagate")
	}
}

func TestDispatcherRunAt_PinnedReferenceTime(t *testing.T) {
	pinned := time.Date(2026, 8, 27, 3, 0, 0, 0, time.UTC)
	locks := &mockJobLocker{acquired: true}
	history := &mockJobHistorian{startID: 1}
	d := newTestDispatcher(locks, history, &mockJobMetrics{}, time.Now().UTC())

	var gotNow time.Time
	d.Register(types.TaskPruneUsageLedger, func(_ context.Context, ref time.Time) (int64, error) {
		gotNow = ref
		return 0, nil
	})

	if _, err := d.RunAt(context.Background(), types.TaskPruneUsageLedger, pinned); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !gotNow.Equal(pinned) {
		t.Errorf("expected runner to receive pinned time %v, got %v", pinned, gotNow)
	}
	if locks.gotLockIDs[0] != "prune-usage-ledger:2026-08-27T03" {
		t.Errorf("unexpected lock id %q", locks.gotLockIDs[0])
	}
}

func TestDispatcherRun_FinishFailureDoesNotFailJob(t *testing.T) {
	locks := &mockJobLocker{acquired: true}
	history := &mockJobHistorian{startID: 2, finishErr: errors.New("update failed")}
	d := newTestDispatcher(locks, history, &mockJobMetrics{}, time.Now().UTC())

	d.Register(types.TaskSweepGrace, func(context.Context, time.Time) (int64, error) {
		return 4, nil
	})

	affected, err := d.Run(context.Background(), types.TaskSweepGrace)
	if err != nil {
		t.Fatalf("history finish failures must not fail the run: %v", err)
	}
	if affected != 4 {
		t.Errorf("expected 4 affected, got %d", affected)
	}
}
