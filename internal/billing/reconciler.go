package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"leadscout/internal/db"
	"leadscout/internal/types"
)

// ReconcilerStore is the workspace access webhook reconciliation needs.
// Implemented by db.WorkspaceRepo. Every write is an idempotent snapshot
// replacement guarded by last_billing_event_at.
type ReconcilerStore interface {
	GetByID(ctx context.Context, workspaceID string) (*types.Workspace, error)
	GetByExternalSubscriptionID(ctx context.Context, provider types.ProviderKind, externalID string) (*types.Workspace, error)
	ActivateSubscription(ctx context.Context, p db.ActivateParams) (bool, error)
	MarkPastDue(ctx context.Context, workspaceID string, graceEnd time.Time, eventTime time.Time) (bool, error)
	ResetToFree(ctx context.Context, workspaceID string, freeLimit int, status types.SubscriptionStatus, eventTime time.Time) (bool, error)
}

// Reconciler applies provider subscription snapshots to workspace billing
// state. Webhook delivery is at-least-once and possibly out of order; every
// handler here must be safe to call with duplicates and stale events.
type Reconciler struct {
	workspaces  ReconcilerStore
	catalog     *Catalog
	publisher   EventPublisher
	logger      *slog.Logger
	gracePeriod time.Duration
	clock       types.Clock
}

// NewReconciler creates a Reconciler. publisher may be nil (fanout disabled).
func NewReconciler(workspaces ReconcilerStore, catalog *Catalog, publisher EventPublisher, gracePeriod time.Duration, logger *slog.Logger, clock types.Clock) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Reconciler{
		workspaces:  workspaces,
		catalog:     catalog,
		publisher:   publisher,
		logger:      logger,
		gracePeriod: gracePeriod,
		clock:       clock,
	}
}

// HandleCheckoutCompleted binds the new subscription to the workspace named
// in the checkout metadata and activates it.
//
// A completed checkout without the workspace linkage is a configuration
// error: the caller must respond non-2xx so the provider redelivers while
// the integration is fixed.
func (r *Reconciler) HandleCheckoutCompleted(ctx context.Context, snap *types.SubscriptionSnapshot) error {
	if snap.WorkspaceID == "" {
		return types.NewAppError(types.ErrCodeWebhookNoTenant,
			"checkout event carries no workspace linkage", nil)
	}
	if snap.ExternalID == "" {
		return types.NewAppError(types.ErrCodeWebhookNoTenant,
			"checkout event carries no subscription id", nil)
	}

	plan, err := r.catalog.Get(ctx, snap.PlanKey)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalConfig,
			"checkout references unknown plan: "+string(snap.PlanKey), err)
	}

	applied, err := r.workspaces.ActivateSubscription(ctx, db.ActivateParams{
		WorkspaceID:      snap.WorkspaceID,
		Provider:         snap.Provider,
		ExternalID:       snap.ExternalID,
		CustomerID:       snap.CustomerID,
		Plan:             plan.Key,
		LeadsLimit:       plan.LeadsPerMonth,
		Cycle:            snap.Cycle,
		CurrentPeriodEnd: snap.CurrentPeriodEnd,
		EventTime:        r.eventTime(snap),
	})
	if err != nil {
		return err
	}
	if applied {
		r.publish(ctx, snap.WorkspaceID, types.BillingEventActivated, plan.Key, types.SubStatusActive)
	}
	return nil
}

// HandleSubscriptionCanceled returns the workspace to the free baseline.
func (r *Reconciler) HandleSubscriptionCanceled(ctx context.Context, snap *types.SubscriptionSnapshot) error {
	ws, err := r.resolveWorkspace(ctx, snap)
	if err != nil || ws == nil {
		return err
	}
	return r.cancelToBaseline(ctx, ws, r.eventTime(snap))
}

// HandleSubscriptionUpdated applies a subscription state change. The stored
// row is replaced with the snapshot; nothing is incremented from it.
func (r *Reconciler) HandleSubscriptionUpdated(ctx context.Context, snap *types.SubscriptionSnapshot) error {
	ws, err := r.resolveWorkspace(ctx, snap)
	if err != nil || ws == nil {
		return err
	}

	switch snap.Status {
	case types.SubStatusActive:
		planKey := snap.PlanKey
		if planKey == "" {
			planKey = ws.CurrentPlan
		}
		plan, err := r.catalog.Resolve(ctx, planKey)
		if err != nil {
			return err
		}
		cycle := snap.Cycle
		if cycle == "" {
			cycle = ws.BillingCycle
		}
		applied, err := r.workspaces.ActivateSubscription(ctx, db.ActivateParams{
			WorkspaceID:      ws.ID,
			Provider:         snap.Provider,
			ExternalID:       snap.ExternalID,
			CustomerID:       snap.CustomerID,
			Plan:             plan.Key,
			LeadsLimit:       plan.LeadsPerMonth,
			Cycle:            cycle,
			CurrentPeriodEnd: snap.CurrentPeriodEnd,
			EventTime:        r.eventTime(snap),
		})
		if err != nil {
			return err
		}
		if applied {
			r.publish(ctx, ws.ID, types.BillingEventActivated, plan.Key, types.SubStatusActive)
		}
		return nil

	case types.SubStatusPastDue:
		graceEnd := r.clock.Now().Add(r.gracePeriod)
		applied, err := r.workspaces.MarkPastDue(ctx, ws.ID, graceEnd, r.eventTime(snap))
		if err != nil {
			return err
		}
		if applied {
			r.publish(ctx, ws.ID, types.BillingEventPastDue, ws.CurrentPlan, types.SubStatusPastDue)
		}
		return nil

	case types.SubStatusCanceled:
		return r.cancelToBaseline(ctx, ws, r.eventTime(snap))

	default:
		r.logger.DebugContext(ctx, "ignoring subscription update with unmapped status",
			slog.String("workspace_id", ws.ID),
			slog.String("status", string(snap.Status)),
		)
		return nil
	}
}

func (r *Reconciler) cancelToBaseline(ctx context.Context, ws *types.Workspace, eventTime time.Time) error {
	free, err := r.catalog.FreePlan(ctx)
	if err != nil {
		return err
	}
	applied, err := r.workspaces.ResetToFree(ctx, ws.ID, free.LeadsPerMonth, types.SubStatusCanceled, eventTime)
	if err != nil {
		return err
	}
	if applied {
		r.publish(ctx, ws.ID, types.BillingEventCanceled, types.PlanFree, types.SubStatusCanceled)
	}
	return nil
}

// resolveWorkspace locates the workspace an event refers to. A nil, nil
// return means the subscription id matched nothing: a data-integrity
// mismatch the caller acknowledges rather than asking the provider to
// redeliver forever.
func (r *Reconciler) resolveWorkspace(ctx context.Context, snap *types.SubscriptionSnapshot) (*types.Workspace, error) {
	var (
		ws  *types.Workspace
		err error
	)
	switch {
	case snap.WorkspaceID != "":
		ws, err = r.workspaces.GetByID(ctx, snap.WorkspaceID)
	case snap.ExternalID != "":
		ws, err = r.workspaces.GetByExternalSubscriptionID(ctx, snap.Provider, snap.ExternalID)
	default:
		return nil, types.NewAppError(types.ErrCodeWebhookNoTenant,
			"event carries neither workspace id nor subscription id", nil)
	}
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundWorkspace {
			r.logger.WarnContext(ctx, "webhook subscription matches no workspace",
				slog.String("provider", string(snap.Provider)),
				slog.String("external_id", snap.ExternalID),
				slog.String("workspace_id", snap.WorkspaceID),
			)
			return nil, nil
		}
		return nil, err
	}
	return ws, nil
}

func (r *Reconciler) eventTime(snap *types.SubscriptionSnapshot) time.Time {
	if snap.EventTime.IsZero() {
		return r.clock.Now()
	}
	return snap.EventTime
}

// publish fans the entitlement change out. Best-effort: failures are logged
// and swallowed, never propagated into the reconciliation result.
func (r *Reconciler) publish(ctx context.Context, workspaceID string, event types.BillingEventType, plan types.PlanKey, status types.SubscriptionStatus) {
	if r.publisher == nil {
		return
	}
	err := r.publisher.PublishBillingEvent(ctx, &types.BillingEvent{
		WorkspaceID: workspaceID,
		Event:       event,
		Plan:        plan,
		Status:      status,
		OccurredAt:  r.clock.Now(),
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "billing event fanout failed",
			slog.String("workspace_id", workspaceID),
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
}
