package billing

import (
	"context"
	"log/slog"
	"time"

	"leadscout/internal/types"
)

// LifecycleStore is the workspace access for the user-facing billing
// operations. Implemented by db.WorkspaceRepo.
type LifecycleStore interface {
	GetByID(ctx context.Context, workspaceID string) (*types.Workspace, error)
	ExpireLapsedGraceByID(ctx context.Context, workspaceID string, now time.Time, freeLimit int) (bool, error)
	SchedulePendingDowngrade(ctx context.Context, workspaceID string, plan types.PlanKey, effectiveAt time.Time) error
	ResetToFree(ctx context.Context, workspaceID string, freeLimit int, status types.SubscriptionStatus, eventTime time.Time) (bool, error)
}

// Service exposes the billing operations behind the /v1 API: state reads,
// checkout, proration previews, and downgrades.
type Service struct {
	workspaces LifecycleStore
	catalog    *Catalog
	providers  *ProviderRegistry
	publisher  EventPublisher
	redirects  types.RedirectURLs
	logger     *slog.Logger
	clock      types.Clock
}

// NewService creates the billing Service. publisher may be nil.
func NewService(workspaces LifecycleStore, catalog *Catalog, providers *ProviderRegistry, publisher EventPublisher, redirects types.RedirectURLs, logger *slog.Logger, clock types.Clock) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Service{
		workspaces: workspaces,
		catalog:    catalog,
		providers:  providers,
		publisher:  publisher,
		redirects:  redirects,
		logger:     logger,
		clock:      clock,
	}
}

// GetBillingState returns the workspace billing view. The read path
// self-heals lapsed grace periods before answering, so a workspace that
// slipped past the scheduled sweep is still never entitled beyond its grace
// window.
func (s *Service) GetBillingState(ctx context.Context, workspaceID string) (*types.BillingState, error) {
	ws, err := s.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	if ws.GraceLapsed(s.clock.Now()) {
		free, err := s.catalog.FreePlan(ctx)
		if err != nil {
			return nil, err
		}
		applied, err := s.workspaces.ExpireLapsedGraceByID(ctx, workspaceID, s.clock.Now(), free.LeadsPerMonth)
		if err != nil {
			return nil, err
		}
		if applied {
			s.logger.InfoContext(ctx, "lapsed grace period expired on read path",
				slog.String("workspace_id", workspaceID),
			)
			s.publish(ctx, workspaceID, types.BillingEventCanceled, types.PlanFree, types.SubStatusCanceled)
		}
		ws, err = s.workspaces.GetByID(ctx, workspaceID)
		if err != nil {
			return nil, err
		}
	}

	plan, err := s.catalog.Resolve(ctx, ws.CurrentPlan)
	if err != nil {
		return nil, err
	}
	return &types.BillingState{Workspace: ws, Plan: plan}, nil
}

// StartCheckout creates a provider checkout session for a paid plan.
func (s *Service) StartCheckout(ctx context.Context, workspaceID string, planKey types.PlanKey, cycle types.BillingCycle, kind types.ProviderKind) (*types.CheckoutSession, error) {
	plan, err := s.catalog.Get(ctx, planKey)
	if err != nil {
		return nil, err
	}
	if !plan.Key.Paid() {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidPlan,
			"checkout requires a paid plan", nil)
	}
	if cycle != types.CycleMonthly && cycle != types.CycleAnnual {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidCycle,
			"billing cycle must be monthly or annual", nil)
	}

	ws, err := s.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.SubscriptionStatus == types.SubStatusActive {
		return nil, types.NewAppError(types.ErrCodeConflictSubscribed,
			"workspace already has an active subscription", nil)
	}

	provider, err := s.providers.Resolve(kind)
	if err != nil {
		return nil, err
	}
	return provider.CreateCheckout(ctx, ws, plan, cycle, s.redirects)
}

// PreviewProration quotes the prorated charge for switching the workspace to
// the target plan now. A nil quote means there is no active future period to
// prorate against.
func (s *Service) PreviewProration(ctx context.Context, workspaceID string, targetKey types.PlanKey) (*ProrationQuote, error) {
	ws, err := s.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	current, err := s.catalog.Resolve(ctx, ws.CurrentPlan)
	if err != nil {
		return nil, err
	}
	target, err := s.catalog.Get(ctx, targetKey)
	if err != nil {
		return nil, err
	}
	cycle := ws.BillingCycle
	if cycle == "" {
		cycle = types.CycleMonthly
	}
	return Prorate(current, target, cycle, ws.CurrentPeriodEnd, s.clock.Now()), nil
}

// DowngradeResult describes how a downgrade request was handled.
type DowngradeResult struct {
	TargetPlan types.PlanKey `json:"target_plan"`
	// Immediate is true for free-target downgrades, which cancel and reset
	// in one step instead of waiting for the period boundary.
	Immediate   bool       `json:"immediate"`
	EffectiveAt *time.Time `json:"effective_at,omitempty"`
}

// Downgrade moves the workspace to a cheaper plan. A paid target is deferred
// to the period boundary via the pending-downgrade fields; the free target
// cancels the subscription immediately and resets the baseline. Upgrades are
// rejected here: they go through checkout or an in-place plan swap.
func (s *Service) Downgrade(ctx context.Context, workspaceID string, targetKey types.PlanKey) (*DowngradeResult, error) {
	ws, err := s.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.SubscriptionStatus != types.SubStatusActive {
		return nil, types.NewAppError(types.ErrCodeConflictNotSubscribed,
			"workspace has no active subscription to downgrade", nil)
	}

	current, err := s.catalog.Resolve(ctx, ws.CurrentPlan)
	if err != nil {
		return nil, err
	}
	target, err := s.catalog.Get(ctx, targetKey)
	if err != nil {
		return nil, err
	}
	if target.Monthly.USD >= current.Monthly.USD {
		return nil, types.NewAppError(types.ErrCodeValidationNotDowngrade,
			"target plan is not cheaper than the current plan", nil)
	}

	if !target.Key.Paid() {
		return s.downgradeToFree(ctx, ws, target)
	}

	effectiveAt := s.clock.Now()
	if ws.CurrentPeriodEnd != nil && ws.CurrentPeriodEnd.After(effectiveAt) {
		effectiveAt = *ws.CurrentPeriodEnd
	}
	if err := s.workspaces.SchedulePendingDowngrade(ctx, workspaceID, target.Key, effectiveAt); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "downgrade scheduled",
		slog.String("workspace_id", workspaceID),
		slog.String("target_plan", string(target.Key)),
		slog.Time("effective_at", effectiveAt),
	)
	return &DowngradeResult{TargetPlan: target.Key, EffectiveAt: &effectiveAt}, nil
}

// downgradeToFree cancels at the provider and resets the baseline in one
// step. A provider failure aborts before any local state changes.
func (s *Service) downgradeToFree(ctx context.Context, ws *types.Workspace, free *types.Plan) (*DowngradeResult, error) {
	provider, err := s.providers.Resolve(ws.Provider)
	if err != nil {
		return nil, err
	}
	if err := provider.CancelSubscription(ctx, ws.ExternalSubscriptionID); err != nil {
		return nil, err
	}

	applied, err := s.workspaces.ResetToFree(ctx, ws.ID, free.LeadsPerMonth, types.SubStatusCanceled, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if applied {
		s.publish(ctx, ws.ID, types.BillingEventDowngraded, types.PlanFree, types.SubStatusCanceled)
	}
	return &DowngradeResult{TargetPlan: free.Key, Immediate: true}, nil
}

func (s *Service) publish(ctx context.Context, workspaceID string, event types.BillingEventType, plan types.PlanKey, status types.SubscriptionStatus) {
	if s.publisher == nil {
		return
	}
	err := s.publisher.PublishBillingEvent(ctx, &types.BillingEvent{
		WorkspaceID: workspaceID,
		Event:       event,
		Plan:        plan,
		Status:      status,
		OccurredAt:  s.clock.Now(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "billing event fanout failed",
			slog.String("workspace_id", workspaceID),
			slog.String("event", string(event)),
			slog.String("error", err.Error()),
		)
	}
}
