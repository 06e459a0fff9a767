package db

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"leadscout/internal/types"
)

// workspaceColumns is the canonical column list scanned into types.Workspace.
const workspaceColumns = `id, name, current_plan, leads_used, leads_limit,
	subscription_status, provider, external_subscription_id, external_customer_id,
	billing_cycle, current_period_end, grace_period_end,
	pending_plan_id, pending_plan_effective_at, created_at, updated_at`

// WorkspaceRepo manages the denormalized billing state on workspace rows.
//
// Key invariants:
//   - Webhook-driven writes carry the provider event time and are guarded by
//     last_billing_event_at, so an out-of-order or replayed event is an
//     idempotent no-op rather than a regression.
//   - leads_used is only ever zeroed inside the same UPDATE that moves the
//     row into 'active' from a different status, never on replays.
//   - leads_used increments happen in SQL (leads_used + 1), never
//     read-modify-write in Go.
type WorkspaceRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewWorkspaceRepo creates a new WorkspaceRepo backed by the given database
// connection (pool or transaction).
func NewWorkspaceRepo(db DBTX, logger *slog.Logger) *WorkspaceRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkspaceRepo{db: db, logger: logger}
}

func scanWorkspace(row pgx.Row) (*types.Workspace, error) {
	var ws types.Workspace
	err := row.Scan(
		&ws.ID,
		&ws.Name,
		&ws.CurrentPlan,
		&ws.LeadsUsed,
		&ws.LeadsLimit,
		&ws.SubscriptionStatus,
		&ws.Provider,
		&ws.ExternalSubscriptionID,
		&ws.ExternalCustomerID,
		&ws.BillingCycle,
		&ws.CurrentPeriodEnd,
		&ws.GracePeriodEnd,
		&ws.PendingPlanID,
		&ws.PendingPlanEffectiveAt,
		&ws.CreatedAt,
		&ws.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// GetByID loads a workspace by primary key.
func (r *WorkspaceRepo) GetByID(ctx context.Context, workspaceID string) (*types.Workspace, error) {
	ws, err := scanWorkspace(r.db.QueryRow(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`,
		workspaceID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWorkspace, "workspace not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load workspace", err)
	}
	return ws, nil
}

// GetByExternalSubscriptionID resolves the workspace bound to a provider
// subscription. Used by webhook reconciliation when the event carries only
// the subscription id.
func (r *WorkspaceRepo) GetByExternalSubscriptionID(ctx context.Context, provider types.ProviderKind, externalID string) (*types.Workspace, error) {
	ws, err := scanWorkspace(r.db.QueryRow(ctx,
		`SELECT `+workspaceColumns+`
		 FROM workspaces
		 WHERE provider = $1 AND external_subscription_id = $2`,
		provider, externalID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundWorkspace, "no workspace for external subscription", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load workspace by subscription", err)
	}
	return ws, nil
}

// ActivateParams carries the snapshot fields applied when a subscription
// becomes (or stays) active.
type ActivateParams struct {
	WorkspaceID      string
	Provider         types.ProviderKind
	ExternalID       string
	CustomerID       string
	Plan             types.PlanKey
	LeadsLimit       int
	Cycle            types.BillingCycle
	CurrentPeriodEnd *time.Time
	EventTime        time.Time
}

// ActivateSubscription applies an "active" snapshot as a single idempotent
// UPDATE. The usage counter is zeroed only when the stored status was not
// already 'active' (transition into active); the CASE runs inside the UPDATE
// so replays cannot re-zero a counter that has since accumulated usage.
// Grace and pending-downgrade fields are always cleared.
//
// Returns false when the optimistic guard rejected the write (stale event).
func (r *WorkspaceRepo) ActivateSubscription(ctx context.Context, p ActivateParams) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET current_plan = $2,
		     leads_limit = $3,
		     leads_used = CASE WHEN subscription_status = 'active' THEN leads_used ELSE 0 END,
		     subscription_status = 'active',
		     provider = $4,
		     external_subscription_id = $5,
		     external_customer_id = CASE WHEN $6 = '' THEN external_customer_id ELSE $6 END,
		     billing_cycle = $7,
		     current_period_end = $8,
		     grace_period_end = NULL,
		     pending_plan_id = '',
		     pending_plan_effective_at = NULL,
		     last_billing_event_at = $9,
		     updated_at = NOW()
		 WHERE id = $1
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $9)`,
		p.WorkspaceID,
		p.Plan,
		p.LeadsLimit,
		p.Provider,
		p.ExternalID,
		p.CustomerID,
		p.Cycle,
		p.CurrentPeriodEnd,
		p.EventTime,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to activate subscription", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "stale activation event ignored (optimistic lock)",
			slog.String("workspace_id", p.WorkspaceID),
			slog.Time("event_time", p.EventTime),
		)
		return false, nil
	}
	return true, nil
}

// MarkPastDue flips the workspace into past_due and starts the grace window.
// COALESCE keeps an existing grace_period_end, so redelivered payment-failure
// events never push the deadline out.
func (r *WorkspaceRepo) MarkPastDue(ctx context.Context, workspaceID string, graceEnd time.Time, eventTime time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET subscription_status = 'past_due',
		     grace_period_end = COALESCE(grace_period_end, $2),
		     last_billing_event_at = $3,
		     updated_at = NOW()
		 WHERE id = $1
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $3)`,
		workspaceID, graceEnd, eventTime,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to mark workspace past_due", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetToFree returns a workspace to the free baseline: free plan and quota,
// zeroed usage, cleared subscription binding, grace, and pending fields.
// Cancellation, lapsed grace, and free-tier downgrades all converge here;
// status distinguishes 'canceled' from the never-subscribed 'none'.
func (r *WorkspaceRepo) ResetToFree(ctx context.Context, workspaceID string, freeLimit int, status types.SubscriptionStatus, eventTime time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET current_plan = 'free',
		     leads_limit = $2,
		     leads_used = 0,
		     subscription_status = $3,
		     provider = '',
		     external_subscription_id = '',
		     external_customer_id = '',
		     billing_cycle = '',
		     current_period_end = NULL,
		     grace_period_end = NULL,
		     pending_plan_id = '',
		     pending_plan_effective_at = NULL,
		     last_billing_event_at = $4,
		     updated_at = NOW()
		 WHERE id = $1
		   AND (last_billing_event_at IS NULL OR last_billing_event_at < $4)`,
		workspaceID, freeLimit, status, eventTime,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to reset workspace to free plan", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ExpireLapsedGrace downgrades every past_due workspace whose grace window
// has lapsed in one set-based UPDATE and returns the number affected. The
// WHERE clause makes the sweep idempotent: a second run in the same window
// matches nothing.
func (r *WorkspaceRepo) ExpireLapsedGrace(ctx context.Context, now time.Time, freeLimit int) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET current_plan = 'free',
		     leads_limit = $2,
		     leads_used = 0,
		     subscription_status = 'canceled',
		     provider = '',
		     external_subscription_id = '',
		     external_customer_id = '',
		     billing_cycle = '',
		     current_period_end = NULL,
		     grace_period_end = NULL,
		     pending_plan_id = '',
		     pending_plan_effective_at = NULL,
		     last_billing_event_at = $1,
		     updated_at = NOW()
		 WHERE subscription_status = 'past_due'
		   AND grace_period_end < $1`,
		now, freeLimit,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sweep lapsed grace periods", err)
	}
	return tag.RowsAffected(), nil
}

// ExpireLapsedGraceByID applies the same lapsed-grace downgrade to a single
// workspace. The read path calls this as a lazy self-heal; the guard clause
// means a concurrent sweep or a not-actually-lapsed workspace is a no-op.
func (r *WorkspaceRepo) ExpireLapsedGraceByID(ctx context.Context, workspaceID string, now time.Time, freeLimit int) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET current_plan = 'free',
		     leads_limit = $3,
		     leads_used = 0,
		     subscription_status = 'canceled',
		     provider = '',
		     external_subscription_id = '',
		     external_customer_id = '',
		     billing_cycle = '',
		     current_period_end = NULL,
		     grace_period_end = NULL,
		     pending_plan_id = '',
		     pending_plan_effective_at = NULL,
		     last_billing_event_at = $2,
		     updated_at = NOW()
		 WHERE id = $1
		   AND subscription_status = 'past_due'
		   AND grace_period_end < $2`,
		workspaceID, now, freeLimit,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to expire lapsed grace period", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SchedulePendingDowngrade records a deferred paid-to-paid downgrade that
// the applier executes at the period boundary. Only an active subscription
// can carry a pending downgrade.
func (r *WorkspaceRepo) SchedulePendingDowngrade(ctx context.Context, workspaceID string, plan types.PlanKey, effectiveAt time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET pending_plan_id = $2,
		     pending_plan_effective_at = $3,
		     updated_at = NOW()
		 WHERE id = $1
		   AND subscription_status = 'active'`,
		workspaceID, plan, effectiveAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to schedule downgrade", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeConflictNotSubscribed, "workspace has no active subscription to downgrade", nil)
	}
	return nil
}

// ListDueDowngrades returns workspaces whose pending downgrade has reached
// its effective time, oldest first.
//
// SQL:
//
//	SELECT <workspace columns> FROM workspaces
//	WHERE pending_plan_id <> '' AND pending_plan_effective_at <= $1
//	ORDER BY pending_plan_effective_at LIMIT $2
func (r *WorkspaceRepo) ListDueDowngrades(ctx context.Context, now time.Time, limit int) ([]*types.Workspace, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+workspaceColumns+`
		 FROM workspaces
		 WHERE pending_plan_id <> ''
		   AND pending_plan_effective_at <= $1
		 ORDER BY pending_plan_effective_at
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list due downgrades", err)
	}
	defer rows.Close()

	var out []*types.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan workspace row", err)
		}
		out = append(out, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating due downgrades", err)
	}
	return out, nil
}

// ApplyPendingDowngrade swaps the plan in place at the period boundary
// (providers that support in-place plan changes keep the subscription
// alive). The guard re-checks the pending fields so a duplicate run or a
// user who re-upgraded in the meantime is a no-op.
func (r *WorkspaceRepo) ApplyPendingDowngrade(ctx context.Context, workspaceID string, plan types.PlanKey, leadsLimit int, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET current_plan = $2,
		     leads_limit = $3,
		     leads_used = 0,
		     pending_plan_id = '',
		     pending_plan_effective_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1
		   AND pending_plan_id = $2
		   AND pending_plan_effective_at <= $4`,
		workspaceID, plan, leadsLimit, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply pending downgrade", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ApplyPendingDowngradeToBaseline applies a pending downgrade for providers
// without in-place plan swap: the old subscription was just canceled
// upstream, so the workspace lands on the target plan with no subscription
// binding (status 'none') and re-subscribes through checkout.
func (r *WorkspaceRepo) ApplyPendingDowngradeToBaseline(ctx context.Context, workspaceID string, plan types.PlanKey, leadsLimit int, now time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE workspaces
		 SET current_plan = $2,
		     leads_limit = $3,
		     leads_used = 0,
		     subscription_status = 'none',
		     provider = '',
		     external_subscription_id = '',
		     external_customer_id = '',
		     billing_cycle = '',
		     current_period_end = NULL,
		     pending_plan_id = '',
		     pending_plan_effective_at = NULL,
		     updated_at = NOW()
		 WHERE id = $1
		   AND pending_plan_id = $2
		   AND pending_plan_effective_at <= $4`,
		workspaceID, plan, leadsLimit, now,
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply downgrade to baseline", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementLeadsUsed adds one to the usage counter atomically in SQL and
// returns the new value. The quota pre-check happens before this call; under
// concurrency the counter may briefly exceed the limit by one, which the
// product accepts instead of serializing lead consumption.
func (r *WorkspaceRepo) IncrementLeadsUsed(ctx context.Context, workspaceID string) (int, error) {
	var used int
	err := r.db.QueryRow(ctx,
		`UPDATE workspaces
		 SET leads_used = leads_used + 1,
		     updated_at = NOW()
		 WHERE id = $1
		 RETURNING leads_used`,
		workspaceID,
	).Scan(&used)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, types.NewAppError(types.ErrCodeNotFoundWorkspace, "workspace not found", err)
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to increment lead usage", err)
	}
	return used, nil
}
