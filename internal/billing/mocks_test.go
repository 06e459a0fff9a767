package billing

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"leadscout/internal/db"
	"leadscout/internal/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// --- PlanStore ---

type mockPlanStore struct {
	mock.Mock
}

func (m *mockPlanStore) ListActive(ctx context.Context) ([]*types.Plan, error) {
	args := m.Called(ctx)
	if v := args.Get(0); v != nil {
		return v.([]*types.Plan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPlanStore) Get(ctx context.Context, key types.PlanKey) (*types.Plan, error) {
	args := m.Called(ctx, key)
	if v := args.Get(0); v != nil {
		return v.(*types.Plan), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockPlanStore) SeedDefaults(ctx context.Context, defaults []*types.Plan) error {
	args := m.Called(ctx, defaults)
	return args.Error(0)
}

// --- Workspace store (covers QuotaWorkspaceStore, ReconcilerStore, LifecycleStore) ---

type mockWorkspaceStore struct {
	mock.Mock
}

func (m *mockWorkspaceStore) GetByID(ctx context.Context, workspaceID string) (*types.Workspace, error) {
	args := m.Called(ctx, workspaceID)
	if v := args.Get(0); v != nil {
		return v.(*types.Workspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkspaceStore) GetByExternalSubscriptionID(ctx context.Context, provider types.ProviderKind, externalID string) (*types.Workspace, error) {
	args := m.Called(ctx, provider, externalID)
	if v := args.Get(0); v != nil {
		return v.(*types.Workspace), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockWorkspaceStore) ActivateSubscription(ctx context.Context, p db.ActivateParams) (bool, error) {
	args := m.Called(ctx, p)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkspaceStore) MarkPastDue(ctx context.Context, workspaceID string, graceEnd time.Time, eventTime time.Time) (bool, error) {
	args := m.Called(ctx, workspaceID, graceEnd, eventTime)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkspaceStore) ResetToFree(ctx context.Context, workspaceID string, freeLimit int, status types.SubscriptionStatus, eventTime time.Time) (bool, error) {
	args := m.Called(ctx, workspaceID, freeLimit, status, eventTime)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkspaceStore) ExpireLapsedGraceByID(ctx context.Context, workspaceID string, now time.Time, freeLimit int) (bool, error) {
	args := m.Called(ctx, workspaceID, now, freeLimit)
	return args.Bool(0), args.Error(1)
}

func (m *mockWorkspaceStore) SchedulePendingDowngrade(ctx context.Context, workspaceID string, plan types.PlanKey, effectiveAt time.Time) error {
	args := m.Called(ctx, workspaceID, plan, effectiveAt)
	return args.Error(0)
}

func (m *mockWorkspaceStore) IncrementLeadsUsed(ctx context.Context, workspaceID string) (int, error) {
	args := m.Called(ctx, workspaceID)
	return args.Int(0), args.Error(1)
}

// --- UsageLedger ---

type mockLedger struct {
	mock.Mock
}

func (m *mockLedger) Insert(ctx context.Context, e *types.UsageEvent) error {
	args := m.Called(ctx, e)
	return args.Error(0)
}

func (m *mockLedger) Aggregate(ctx context.Context, workspaceID string, from, to time.Time) (*types.UsageReport, error) {
	args := m.Called(ctx, workspaceID, from, to)
	if v := args.Get(0); v != nil {
		return v.(*types.UsageReport), args.Error(1)
	}
	return nil, args.Error(1)
}

// --- EventPublisher ---

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishBillingEvent(ctx context.Context, event *types.BillingEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// --- SubscriptionProvider ---

type mockProvider struct {
	mock.Mock
	kind     types.ProviderKind
	planSwap bool
}

func (m *mockProvider) Kind() types.ProviderKind { return m.kind }

func (m *mockProvider) SupportsPlanSwap() bool { return m.planSwap }

func (m *mockProvider) CreateCheckout(ctx context.Context, ws *types.Workspace, plan *types.Plan, cycle types.BillingCycle, urls types.RedirectURLs) (*types.CheckoutSession, error) {
	args := m.Called(ctx, ws, plan, cycle, urls)
	if v := args.Get(0); v != nil {
		return v.(*types.CheckoutSession), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockProvider) CancelSubscription(ctx context.Context, externalID string) error {
	args := m.Called(ctx, externalID)
	return args.Error(0)
}

func (m *mockProvider) GetSubscription(ctx context.Context, externalID string) (*types.SubscriptionSnapshot, error) {
	args := m.Called(ctx, externalID)
	if v := args.Get(0); v != nil {
		return v.(*types.SubscriptionSnapshot), args.Error(1)
	}
	return nil, args.Error(1)
}

// seededCatalog returns a Catalog preloaded with the default plans.
func seededCatalog(t interface{ Helper() }) *Catalog {
	t.Helper()
	store := new(mockPlanStore)
	store.On("ListActive", mock.Anything).Return(DefaultPlans(), nil)
	return NewCatalog(store, nil)
}

// Compile-time interface assertions for the test doubles.
var (
	_ PlanStore            = (*mockPlanStore)(nil)
	_ QuotaWorkspaceStore  = (*mockWorkspaceStore)(nil)
	_ ReconcilerStore      = (*mockWorkspaceStore)(nil)
	_ LifecycleStore       = (*mockWorkspaceStore)(nil)
	_ UsageLedger          = (*mockLedger)(nil)
	_ EventPublisher       = (*mockPublisher)(nil)
	_ SubscriptionProvider = (*mockProvider)(nil)
)
