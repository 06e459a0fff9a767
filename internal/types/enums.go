package types

// PlanKey identifies a catalog plan.
type PlanKey string

const (
	PlanFree     PlanKey = "free"
	PlanStarter  PlanKey = "starter"
	PlanPro      PlanKey = "pro"
	PlanBusiness PlanKey = "business"
)

// Paid reports whether the plan is a paying tier.
func (p PlanKey) Paid() bool {
	return p != "" && p != PlanFree
}

// SubscriptionStatus is the normalized subscription state stored on a
// workspace. Provider-specific vocabularies are mapped into this set by the
// adapters; nothing outside internal/external should see a raw provider
// status.
type SubscriptionStatus string

const (
	// SubStatusNone means the workspace has never subscribed or has been
	// returned to the unsubscribed baseline.
	SubStatusNone     SubscriptionStatus = "none"
	SubStatusActive   SubscriptionStatus = "active"
	SubStatusPastDue  SubscriptionStatus = "past_due"
	SubStatusCanceled SubscriptionStatus = "canceled"
)

// BillingCycle is the subscription renewal interval.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// ProviderKind identifies a payment provider integration.
type ProviderKind string

const (
	ProviderStripe      ProviderKind = "stripe"
	ProviderMercadoPago ProviderKind = "mercadopago"
)

// Currency identifies a settlement currency. USD prices are whole units;
// BRL prices carry cents.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyBRL Currency = "BRL"
)

// UsageType identifies a metered action recorded in the usage ledger.
type UsageType string

const (
	UsageGoogleSearch UsageType = "google_search"
	UsagePlaceDetails UsageType = "place_details"
	UsageAITokens     UsageType = "ai_tokens"
)

// Metadata keys for UsageAITokens ledger rows. Token counts live in
// metadata, not in the quantity column.
const (
	MetaInputTokens  = "input_tokens"
	MetaOutputTokens = "output_tokens"
)

// JobTask identifies a scheduled maintenance task. The job dispatcher
// (HTTP trigger and Lambda handler) routes on this value.
type JobTask string

const (
	TaskSweepGrace       JobTask = "sweep-grace"
	TaskApplyDowngrades  JobTask = "apply-downgrades"
	TaskPruneUsageLedger JobTask = "prune-usage-ledger"
)

// BillingEventType identifies an entitlement change published to the
// fanout queue for downstream consumers.
type BillingEventType string

const (
	BillingEventActivated  BillingEventType = "subscription.activated"
	BillingEventPastDue    BillingEventType = "subscription.past_due"
	BillingEventCanceled   BillingEventType = "subscription.canceled"
	BillingEventDowngraded BillingEventType = "subscription.downgraded"
)
