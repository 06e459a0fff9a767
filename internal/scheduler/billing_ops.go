package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"leadscout/internal/billing"
	"leadscout/internal/telemetry"
	"leadscout/internal/types"
)

// PlanCatalog is the subset of the billing catalog the jobs consume.
type PlanCatalog interface {
	Get(ctx context.Context, key types.PlanKey) (*types.Plan, error)
	FreePlan(ctx context.Context) (*types.Plan, error)
}

// ProviderResolver resolves a workspace's payment provider adapter.
// Implemented by billing.ProviderRegistry.
type ProviderResolver interface {
	Resolve(kind types.ProviderKind) (billing.SubscriptionProvider, error)
}

// EventPublisher fans entitlement changes out to downstream consumers.
type EventPublisher interface {
	PublishBillingEvent(ctx context.Context, event *types.BillingEvent) error
}

// ============================================================
// GraceSweeper
// ============================================================

// GraceSweeperDB is the data access surface for the grace sweep.
type GraceSweeperDB interface {
	ExpireLapsedGrace(ctx context.Context, now time.Time, freeLimit int) (int64, error)
}

// GraceSweeper downgrades workspaces whose delinquency grace window has
// lapsed to the free baseline. The sweep is a safety net behind the lazy
// read-path check: a lapsed workspace that nobody reads still loses its
// entitlements on schedule.
type GraceSweeper struct {
	db      GraceSweeperDB
	catalog PlanCatalog
	logger  *slog.Logger
}

// NewGraceSweeper creates a GraceSweeper.
func NewGraceSweeper(db GraceSweeperDB, catalog PlanCatalog, logger *slog.Logger) *GraceSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &GraceSweeper{db: db, catalog: catalog, logger: logger}
}

// Sweep resets every workspace with a lapsed grace window to the free plan
// in one bulk UPDATE, accepting a `now` parameter for deterministic testing.
// Returns the number of workspaces downgraded.
func (s *GraceSweeper) Sweep(ctx context.Context, now time.Time) (int64, error) {
	free, err := s.catalog.FreePlan(ctx)
	if err != nil {
		return 0, fmt.Errorf("load free plan: %w", err)
	}

	count, err := s.db.ExpireLapsedGrace(ctx, now, free.LeadsPerMonth)
	if err != nil {
		return 0, fmt.Errorf("expire lapsed grace windows: %w", err)
	}

	if count > 0 {
		s.logger.InfoContext(ctx, "grace sweep downgraded lapsed workspaces",
			"count", count,
			"reference_time", now.Format(time.RFC3339),
		)
	}
	return count, nil
}

// ============================================================
// DowngradeApplier
// ============================================================

// DowngradeDB is the data access surface for the deferred-downgrade job.
type DowngradeDB interface {
	ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*types.Workspace, error)
	ApplyPendingDowngrade(ctx context.Context, workspaceID string, plan types.PlanKey, leadsLimit int, now time.Time) (bool, error)
	ApplyPendingDowngradeToBaseline(ctx context.Context, workspaceID string, plan types.PlanKey, leadsLimit int, now time.Time) (bool, error)
}

// DowngradeApplier executes paid-to-paid downgrades whose effective date has
// arrived. Workspaces in a batch are processed concurrently with a bounded
// worker count; a failure on one workspace is logged and skipped so the rest
// of the batch proceeds, and the row stays due for the next run.
type DowngradeApplier struct {
	db          DowngradeDB
	catalog     PlanCatalog
	providers   ProviderResolver
	publisher   EventPublisher
	metrics     telemetry.Metrics
	batchLimit  int
	concurrency int
	logger      *slog.Logger
}

// NewDowngradeApplier creates a DowngradeApplier. A nil publisher disables
// fanout.
func NewDowngradeApplier(db DowngradeDB, catalog PlanCatalog, providers ProviderResolver, publisher EventPublisher, metrics telemetry.Metrics, batchLimit, concurrency int, logger *slog.Logger) *DowngradeApplier {
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	if batchLimit <= 0 {
		batchLimit = 100
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DowngradeApplier{
		db:          db,
		catalog:     catalog,
		providers:   providers,
		publisher:   publisher,
		metrics:     metrics,
		batchLimit:  batchLimit,
		concurrency: concurrency,
		logger:      logger,
	}
}

// Apply processes up to one batch of due downgrades and returns the number
// applied. Accepts a `now` parameter for deterministic testing.
func (a *DowngradeApplier) Apply(ctx context.Context, now time.Time) (int64, error) {
	due, err := a.db.ListDueDowngrades(ctx, now, a.batchLimit)
	if err != nil {
		return 0, fmt.Errorf("list due downgrades: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	var applied atomic.Int64

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)

	for _, ws := range due {
		ws := ws
		g.Go(func() error {
			ok, err := a.applyOne(gCtx, ws, now)
			if err != nil {
				// Error isolation: the row stays due and is retried on the
				// next run.
				a.logger.ErrorContext(gCtx, "deferred downgrade failed, skipping workspace",
					"workspace_id", ws.ID,
					"target_plan", string(ws.PendingPlanID),
					"error", err,
				)
				return nil
			}
			if ok {
				applied.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	a.logger.InfoContext(ctx, "downgrade batch processed",
		"due", len(due),
		"applied", applied.Load(),
	)
	return applied.Load(), nil
}

// applyOne executes a single workspace's pending downgrade. Returns false
// with a nil error when the pending downgrade was already cleared by a
// concurrent writer.
func (a *DowngradeApplier) applyOne(ctx context.Context, ws *types.Workspace, now time.Time) (bool, error) {
	target, err := a.catalog.Get(ctx, ws.PendingPlanID)
	if err != nil {
		return false, fmt.Errorf("resolve target plan %q: %w", ws.PendingPlanID, err)
	}

	provider, err := a.providers.Resolve(ws.Provider)
	if err != nil {
		return false, err
	}

	var updated bool
	status := types.SubStatusActive

	if provider.SupportsPlanSwap() {
		// The provider repriced the live subscription when the downgrade was
		// scheduled; all that remains is flipping the local entitlement.
		updated, err = a.db.ApplyPendingDowngrade(ctx, ws.ID, target.Key, target.LeadsPerMonth, now)
	} else {
		// Pre-approval providers cannot reprice in place. Cancel the old
		// subscription, then drop the binding so the tenant checks out again
		// on the new plan.
		if ws.ExternalSubscriptionID != "" {
			if cancelErr := provider.CancelSubscription(ctx, ws.ExternalSubscriptionID); cancelErr != nil {
				a.metrics.CountProviderFailure(ctx, ws.Provider)
				return false, fmt.Errorf("cancel %s subscription %s: %w", ws.Provider, ws.ExternalSubscriptionID, cancelErr)
			}
		}
		status = types.SubStatusNone
		updated, err = a.db.ApplyPendingDowngradeToBaseline(ctx, ws.ID, target.Key, target.LeadsPerMonth, now)
	}
	if err != nil {
		return false, fmt.Errorf("apply pending downgrade: %w", err)
	}
	if !updated {
		a.logger.DebugContext(ctx, "pending downgrade already cleared",
			"workspace_id", ws.ID,
		)
		return false, nil
	}

	a.publish(ctx, &types.BillingEvent{
		WorkspaceID: ws.ID,
		Event:       types.BillingEventDowngraded,
		Plan:        target.Key,
		Status:      status,
		OccurredAt:  now,
	})
	return true, nil
}

// publish fans the entitlement change out. Failures are logged and counted;
// they never fail the downgrade itself.
func (a *DowngradeApplier) publish(ctx context.Context, event *types.BillingEvent) {
	if a.publisher == nil {
		return
	}
	if err := a.publisher.PublishBillingEvent(ctx, event); err != nil {
		a.metrics.CountFanoutFailure(ctx)
		a.logger.WarnContext(ctx, "billing event fanout failed",
			"workspace_id", event.WorkspaceID,
			"event", string(event.Event),
			"error", err,
		)
	}
}
