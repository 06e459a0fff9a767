package billing

import (
	"context"

	"leadscout/internal/types"
)

// SubscriptionProvider is the normalized payment-provider surface. Adapters
// in internal/external implement it; nothing outside that package sees a raw
// provider wire type.
type SubscriptionProvider interface {
	Kind() types.ProviderKind

	// SupportsPlanSwap reports whether the provider can change the plan on a
	// live subscription. Providers without it (pre-approval primitives) need
	// cancel + re-checkout for any plan change.
	SupportsPlanSwap() bool

	// CreateCheckout starts a hosted checkout/pre-approval flow for the
	// workspace and returns the redirect data. Redirect URLs are
	// server-controlled.
	CreateCheckout(ctx context.Context, ws *types.Workspace, plan *types.Plan, cycle types.BillingCycle, urls types.RedirectURLs) (*types.CheckoutSession, error)

	// CancelSubscription cancels immediately at the provider.
	CancelSubscription(ctx context.Context, externalID string) error

	// GetSubscription fetches the subscription and normalizes it into a
	// snapshot.
	GetSubscription(ctx context.Context, externalID string) (*types.SubscriptionSnapshot, error)
}

// ProviderRegistry resolves a ProviderKind to its adapter. An unknown kind is
// a configuration error: it means a workspace row references a provider this
// deployment was not wired for.
type ProviderRegistry struct {
	providers map[types.ProviderKind]SubscriptionProvider
}

// NewProviderRegistry builds a registry over the given adapters.
func NewProviderRegistry(providers ...SubscriptionProvider) *ProviderRegistry {
	m := make(map[types.ProviderKind]SubscriptionProvider, len(providers))
	for _, p := range providers {
		m[p.Kind()] = p
	}
	return &ProviderRegistry{providers: m}
}

// Resolve returns the adapter for the kind.
func (r *ProviderRegistry) Resolve(kind types.ProviderKind) (SubscriptionProvider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeInternalConfig, "no adapter configured for provider: "+string(kind), nil)
	}
	return p, nil
}

// EventPublisher fans entitlement changes out to downstream consumers.
// Implemented by queue.Publisher; delivery is best-effort.
type EventPublisher interface {
	PublishBillingEvent(ctx context.Context, event *types.BillingEvent) error
}
