// Package billing holds the billing domain logic: the plan catalog, the
// proration calculator, quota enforcement, webhook reconciliation, and the
// subscription lifecycle operations behind the billing API.
package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"leadscout/internal/types"
)

// PlanStore is the catalog persistence the Catalog service needs.
// Implemented by db.PlanRepo.
type PlanStore interface {
	ListActive(ctx context.Context) ([]*types.Plan, error)
	Get(ctx context.Context, key types.PlanKey) (*types.Plan, error)
	SeedDefaults(ctx context.Context, defaults []*types.Plan) error
}

// DefaultPlans returns the catalog seeded into an empty plans table.
// USD prices are whole units; BRL prices carry cents.
func DefaultPlans() []*types.Plan {
	return []*types.Plan{
		{Key: types.PlanFree, Name: "Free", LeadsPerMonth: 5},
		{Key: types.PlanStarter, Name: "Starter", LeadsPerMonth: 250,
			Monthly: types.PlanPrice{USD: 49, BRL: 259.90},
			Annual:  types.PlanPrice{USD: 490, BRL: 2599.00}},
		{Key: types.PlanPro, Name: "Pro", LeadsPerMonth: 1000,
			Monthly: types.PlanPrice{USD: 129, BRL: 679.90},
			Annual:  types.PlanPrice{USD: 1290, BRL: 6799.00}},
		{Key: types.PlanBusiness, Name: "Business", LeadsPerMonth: 5000,
			Monthly: types.PlanPrice{USD: 397, BRL: 2089.90},
			Annual:  types.PlanPrice{USD: 3970, BRL: 20899.00}},
	}
}

// Catalog serves plan lookups from an in-process cache. Catalog rows are
// effectively immutable at runtime, so the full set is loaded once on first
// read; an empty table is seeded with the defaults before loading.
type Catalog struct {
	store  PlanStore
	logger *slog.Logger

	mu      sync.RWMutex
	byKey   map[types.PlanKey]*types.Plan
	ordered []*types.Plan
}

// NewCatalog creates a Catalog over the given store. No I/O happens until the
// first lookup.
func NewCatalog(store PlanStore, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	return &Catalog{store: store, logger: logger}
}

// List returns the active plans ordered by monthly USD price.
func (c *Catalog) List(ctx context.Context) ([]*types.Plan, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.Plan, len(c.ordered))
	copy(out, c.ordered)
	return out, nil
}

// Get returns the plan for the key, or a not-found error.
func (c *Catalog) Get(ctx context.Context, key types.PlanKey) (*types.Plan, error) {
	if err := c.load(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	p, ok := c.byKey[key]
	c.mu.RUnlock()
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "unknown plan: "+string(key), nil)
	}
	return p, nil
}

// Resolve is the entitlement read-path lookup: an unknown key falls back to
// the free plan with a warning instead of failing the request.
func (c *Catalog) Resolve(ctx context.Context, key types.PlanKey) (*types.Plan, error) {
	p, err := c.Get(ctx, key)
	if err == nil {
		return p, nil
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundPlan {
		return nil, err
	}
	c.logger.WarnContext(ctx, "unknown plan key, falling back to free plan",
		slog.String("plan_key", string(key)),
	)
	return c.Get(ctx, types.PlanFree)
}

// FreePlan returns the free baseline plan.
func (c *Catalog) FreePlan(ctx context.Context) (*types.Plan, error) {
	return c.Get(ctx, types.PlanFree)
}

// load populates the cache on first use. An empty catalog table is seeded
// with the defaults; ON CONFLICT in the store makes a concurrent first read
// harmless.
func (c *Catalog) load(ctx context.Context) error {
	c.mu.RLock()
	loaded := c.byKey != nil
	c.mu.RUnlock()
	if loaded {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byKey != nil {
		return nil
	}

	plans, err := c.store.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		c.logger.InfoContext(ctx, "plan catalog empty, seeding defaults")
		if err := c.store.SeedDefaults(ctx, DefaultPlans()); err != nil {
			return err
		}
		plans, err = c.store.ListActive(ctx)
		if err != nil {
			return err
		}
	}

	byKey := make(map[types.PlanKey]*types.Plan, len(plans))
	for _, p := range plans {
		byKey[p.Key] = p
	}
	c.byKey = byKey
	c.ordered = plans
	return nil
}
