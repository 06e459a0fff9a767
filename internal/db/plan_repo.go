package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"leadscout/internal/types"
)

// PlanRepo provides data access for the plans catalog table. Catalog rows
// are effectively immutable at runtime; the billing.Catalog service caches
// the full set after the first successful load.
type PlanRepo struct {
	db DBTX
}

// NewPlanRepo creates a new PlanRepo backed by the given database connection
// (pool or transaction).
func NewPlanRepo(db DBTX) *PlanRepo {
	return &PlanRepo{db: db}
}

const planColumns = `key, name, leads_per_month,
	price_monthly_usd, price_annual_usd, price_monthly_brl, price_annual_brl,
	active, created_at`

func scanPlan(row pgx.Row) (*types.Plan, error) {
	var p types.Plan
	err := row.Scan(
		&p.Key,
		&p.Name,
		&p.LeadsPerMonth,
		&p.Monthly.USD,
		&p.Annual.USD,
		&p.Monthly.BRL,
		&p.Annual.BRL,
		&p.Active,
		&p.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListActive returns the active catalog ordered by monthly USD price.
func (r *PlanRepo) ListActive(ctx context.Context) ([]*types.Plan, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+planColumns+`
		 FROM plans
		 WHERE active
		 ORDER BY price_monthly_usd`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list plans", err)
	}
	defer rows.Close()

	var plans []*types.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan plan row", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating plans", err)
	}
	return plans, nil
}

// Get loads a single plan by key.
func (r *PlanRepo) Get(ctx context.Context, key types.PlanKey) (*types.Plan, error) {
	p, err := scanPlan(r.db.QueryRow(ctx,
		`SELECT `+planColumns+` FROM plans WHERE key = $1`,
		key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundPlan, "plan not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load plan", err)
	}
	return p, nil
}

// SeedDefaults inserts the default catalog. ON CONFLICT DO NOTHING makes the
// seed idempotent under concurrent first reads; an operator-modified catalog
// is never overwritten.
func (r *PlanRepo) SeedDefaults(ctx context.Context, defaults []*types.Plan) error {
	for _, p := range defaults {
		_, err := r.db.Exec(ctx,
			`INSERT INTO plans
			 (key, name, leads_per_month,
			  price_monthly_usd, price_annual_usd, price_monthly_brl, price_annual_brl,
			  active, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW())
			 ON CONFLICT (key) DO NOTHING`,
			p.Key,
			p.Name,
			p.LeadsPerMonth,
			p.Monthly.USD,
			p.Annual.USD,
			p.Monthly.BRL,
			p.Annual.BRL,
		)
		if err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to seed default plans", err)
		}
	}
	return nil
}
