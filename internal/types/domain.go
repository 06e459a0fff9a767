package types

import (
	"time"
)

// Workspace is the tenant entity. Billing state is denormalized onto the
// workspace row so entitlement checks are a single read.
type Workspace struct {
	ID   string `json:"id" db:"id"`
	Name string `json:"name" db:"name"`

	// Entitlement
	CurrentPlan PlanKey `json:"current_plan" db:"current_plan"`
	LeadsUsed   int     `json:"leads_used" db:"leads_used"`
	LeadsLimit  int     `json:"leads_limit" db:"leads_limit"`

	// Subscription binding
	SubscriptionStatus     SubscriptionStatus `json:"subscription_status" db:"subscription_status"`
	Provider               ProviderKind       `json:"provider,omitempty" db:"provider"`
	ExternalSubscriptionID string             `json:"-" db:"external_subscription_id"`
	ExternalCustomerID     string             `json:"-" db:"external_customer_id"`
	BillingCycle           BillingCycle       `json:"billing_cycle,omitempty" db:"billing_cycle"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty" db:"current_period_end"`

	// Delinquency. Set if and only if status is past_due.
	GracePeriodEnd *time.Time `json:"grace_period_end,omitempty" db:"grace_period_end"`

	// Deferred paid-to-paid downgrade. EffectiveAt mirrors the period end
	// captured when the downgrade was scheduled.
	PendingPlanID          PlanKey    `json:"pending_plan_id,omitempty" db:"pending_plan_id"`
	PendingPlanEffectiveAt *time.Time `json:"pending_plan_effective_at,omitempty" db:"pending_plan_effective_at"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// GraceLapsed reports whether the workspace sits past its delinquency grace
// window and must be downgraded to the free baseline.
func (w *Workspace) GraceLapsed(now time.Time) bool {
	return w.SubscriptionStatus == SubStatusPastDue &&
		w.GracePeriodEnd != nil &&
		w.GracePeriodEnd.Before(now)
}

// PlanPrice holds the price of one billing cycle in both settlement
// currencies. USD is integer-denominated (whole units); BRL carries cents.
type PlanPrice struct {
	USD int64   `json:"usd"`
	BRL float64 `json:"brl"`
}

// Plan is a catalog row. Catalog rows are effectively immutable at runtime;
// price changes ship as new rows with the old row deactivated.
type Plan struct {
	Key           PlanKey   `json:"key" db:"key"`
	Name          string    `json:"name" db:"name"`
	LeadsPerMonth int       `json:"leads_per_month" db:"leads_per_month"`
	Monthly       PlanPrice `json:"monthly"`
	Annual        PlanPrice `json:"annual"`
	Active        bool      `json:"active" db:"active"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}

// Price returns the plan price for the given cycle.
func (p *Plan) Price(cycle BillingCycle) PlanPrice {
	if cycle == CycleAnnual {
		return p.Annual
	}
	return p.Monthly
}

// UsageEvent is an append-only ledger row recording one metered action.
type UsageEvent struct {
	ID          string    `json:"id" db:"id"`
	WorkspaceID string    `json:"workspace_id" db:"workspace_id"`
	Type        UsageType `json:"type" db:"usage_type"`
	Quantity    int64     `json:"quantity" db:"quantity"`
	Metadata    Metadata  `json:"metadata,omitempty" db:"metadata"`
	OccurredAt  time.Time `json:"occurred_at" db:"occurred_at"`
}

// UsageReport is the aggregation of a workspace's ledger over a window.
// AI token counts come from event metadata, not the quantity column.
type UsageReport struct {
	WorkspaceID       string    `json:"workspace_id"`
	From              time.Time `json:"from"`
	To                time.Time `json:"to"`
	GoogleSearchCount int64     `json:"googleSearchCount"`
	DetailsCount      int64     `json:"detailsCount"`
	AIInputTokens     int64     `json:"aiInputTokens"`
	AIOutputTokens    int64     `json:"aiOutputTokens"`
}

// SubscriptionSnapshot is the provider-neutral view of a subscription at a
// point in time. Webhook reconciliation applies snapshots as idempotent
// replacements; it never increments from them.
type SubscriptionSnapshot struct {
	Provider         ProviderKind       `json:"provider"`
	ExternalID       string             `json:"external_id"`
	CustomerID       string             `json:"customer_id,omitempty"`
	WorkspaceID      string             `json:"workspace_id,omitempty"`
	PlanKey          PlanKey            `json:"plan_key,omitempty"`
	Status           SubscriptionStatus `json:"status"`
	Cycle            BillingCycle       `json:"cycle,omitempty"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty"`
	EventTime        time.Time          `json:"event_time"`
}

// CheckoutSession is the provider-neutral result of starting a checkout.
// For Stripe this is a hosted checkout URL; for Mercado Pago it is the
// pre-approval init point.
type CheckoutSession struct {
	Provider    ProviderKind `json:"provider"`
	SessionID   string       `json:"session_id"`
	RedirectURL string       `json:"redirect_url"`
}

// BillingState is the read DTO returned by the billing state endpoint.
type BillingState struct {
	Workspace *Workspace `json:"workspace"`
	Plan      *Plan      `json:"plan"`
}

// ResponseMeta carries non-blocking warnings alongside a successful response.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}

// BillingEvent is the fanout message published after an entitlement change.
// Delivery is best-effort; consumers must tolerate duplicates.
type BillingEvent struct {
	WorkspaceID string             `json:"workspace_id"`
	Event       BillingEventType   `json:"event"`
	Plan        PlanKey            `json:"plan"`
	Status      SubscriptionStatus `json:"status"`
	OccurredAt  time.Time          `json:"occurred_at"`
}

// JobRun tracks scheduled job execution history.
type JobRun struct {
	ID         int64      `json:"id" db:"id"`
	Task       JobTask    `json:"task" db:"task"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at" db:"finished_at"`
	Status     string     `json:"status" db:"status"`
	ItemsCount int        `json:"items_count" db:"items_count"`
	Error      string     `json:"error,omitempty" db:"error"`
}

// RedirectURLs guide the user back from a provider-hosted checkout.
// Always server-controlled; never accepted from request bodies.
type RedirectURLs struct {
	Success string
	Cancel  string
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock using the real system time (always UTC).
type RealClock struct{}

// Now returns the current time in UTC.
func (RealClock) Now() time.Time { return time.Now().UTC() }
