// This file implements the Stripe webhook handler.
//
// The route is NOT behind the service token middleware; it is called directly
// by Stripe. Authenticity comes from the Stripe-Signature header, verified
// against the endpoint signing secret.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"leadscout/internal/core"
	"leadscout/internal/external"
	"leadscout/internal/telemetry"
	"leadscout/internal/types"
)

// maxWebhookBodySize caps webhook payloads at 64 KB. Provider events are
// small; the limit protects against abuse on an unauthenticated route.
const maxWebhookBodySize = 64 * 1024

// Stripe event types the reconciler acts on.
const (
	stripeEventCheckoutCompleted = "checkout.session.completed"
	stripeEventSubUpdated        = "customer.subscription.updated"
	stripeEventSubDeleted        = "customer.subscription.deleted"
)

// SnapshotReconciler applies normalized subscription snapshots to workspace
// billing state. Implemented by billing.Reconciler.
type SnapshotReconciler interface {
	HandleCheckoutCompleted(ctx context.Context, snap *types.SubscriptionSnapshot) error
	HandleSubscriptionUpdated(ctx context.Context, snap *types.SubscriptionSnapshot) error
	HandleSubscriptionCanceled(ctx context.Context, snap *types.SubscriptionSnapshot) error
}

// StripeWebhookHandler handles asynchronous subscription events from Stripe.
type StripeWebhookHandler struct {
	verifier   external.WebhookVerifier
	reconciler SnapshotReconciler
	secret     string
	priceIDs   map[string]string
	metrics    telemetry.Metrics
	logger     *slog.Logger
}

// NewStripeWebhookHandler creates a StripeWebhookHandler. priceIDs is the
// configured plan_cycle to Stripe Price id map used to translate subscription
// items back into catalog plans.
func NewStripeWebhookHandler(
	verifier external.WebhookVerifier,
	reconciler SnapshotReconciler,
	secret string,
	priceIDs map[string]string,
	metrics telemetry.Metrics,
	logger *slog.Logger,
) *StripeWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &StripeWebhookHandler{
		verifier:   verifier,
		reconciler: reconciler,
		secret:     secret,
		priceIDs:   priceIDs,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterRoutes mounts the Stripe webhook endpoint on the webhook router
// group (mounted at /v1/webhooks, outside the service token middleware).
func (h *StripeWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/stripe", h.Handle)
}

// Handle processes an incoming Stripe webhook delivery.
//
// Non-2xx responses are reserved for signature failures and missing tenant
// linkage, where a redelivery can succeed once the integration is fixed.
// Processing failures after acceptance are logged and acknowledged so Stripe
// does not retry events we cannot apply.
func (h *StripeWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read stripe webhook body",
			slog.String("error", err.Error()),
		)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
			"failed to read request body", err))
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookSignature,
			"missing Stripe-Signature header", nil))
		return
	}
	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "stripe webhook signature verification failed",
			slog.String("error", err.Error()),
		)
		core.Error(w, r, err)
		return
	}

	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse stripe webhook event",
			slog.String("error", err.Error()),
		)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
			"invalid webhook event JSON", err))
		return
	}

	h.metrics.CountWebhook(r.Context(), "received", types.ProviderStripe, event.Type)
	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		slog.String("event_id", event.ID),
		slog.String("event_type", event.Type),
	)

	if err := h.routeEvent(r.Context(), &event); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeWebhookNoTenant {
			// Missing tenant linkage is a configuration error; fail loudly
			// so Stripe redelivers while the integration is fixed.
			h.metrics.CountWebhook(r.Context(), "rejected", types.ProviderStripe, event.Type)
			core.Error(w, r, err)
			return
		}
		h.metrics.CountWebhook(r.Context(), "failed", types.ProviderStripe, event.Type)
		h.logger.ErrorContext(r.Context(), "stripe webhook processing failed",
			slog.String("event_id", event.ID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()),
		)
		// Acknowledge anyway: retrying an event we cannot apply only
		// produces an infinite redelivery loop.
	}

	w.WriteHeader(http.StatusOK)
}

// routeEvent dispatches by event type. Unknown types are acknowledged.
func (h *StripeWebhookHandler) routeEvent(ctx context.Context, event *stripeWebhookEvent) error {
	switch event.Type {
	case stripeEventCheckoutCompleted:
		return h.reconciler.HandleCheckoutCompleted(ctx, event.checkoutSnapshot())

	case stripeEventSubUpdated:
		return h.reconciler.HandleSubscriptionUpdated(ctx, event.subscriptionSnapshot(h.priceIDs))

	case stripeEventSubDeleted:
		return h.reconciler.HandleSubscriptionCanceled(ctx, event.subscriptionSnapshot(h.priceIDs))

	default:
		h.logger.DebugContext(ctx, "ignoring unhandled stripe event type",
			slog.String("event_type", event.Type),
		)
		return nil
	}
}

// ---------------------------------------------------------------------------
// Stripe Event Parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event
// tailored to the fields reconciliation needs. The full stripe.Event type is
// deliberately not imported here; a small local struct keeps the handler
// decoupled from the SDK wire types and easy to test.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeCheckoutSessionObj holds the fields used from a
// checkout.session.completed data object. The workspace id travels in
// client_reference_id (set at session creation); plan and cycle in metadata.
type stripeCheckoutSessionObj struct {
	ClientReferenceID string            `json:"client_reference_id"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	Metadata          map[string]string `json:"metadata"`
}

// stripeSubscriptionObj holds the fields used from a subscription event's
// data object.
type stripeSubscriptionObj struct {
	ID               string            `json:"id"`
	Customer         string            `json:"customer"`
	Status           string            `json:"status"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
	Items            stripeSubItems    `json:"items"`
}

type stripeSubItems struct {
	Data []stripeSubItem `json:"data"`
}

type stripeSubItem struct {
	Price stripeSubPrice `json:"price"`
}

type stripeSubPrice struct {
	ID string `json:"id"`
}

func (e *stripeWebhookEvent) eventTime() time.Time {
	if e.Created == 0 {
		return time.Time{}
	}
	return time.Unix(e.Created, 0).UTC()
}

// checkoutSnapshot normalizes a checkout.session.completed event. Missing
// linkage fields stay empty; the reconciler decides how loudly to fail.
func (e *stripeWebhookEvent) checkoutSnapshot() *types.SubscriptionSnapshot {
	var session stripeCheckoutSessionObj
	_ = json.Unmarshal(e.Data.Object, &session)

	workspaceID := session.ClientReferenceID
	if workspaceID == "" {
		workspaceID = session.Metadata["workspace_id"]
	}

	return &types.SubscriptionSnapshot{
		Provider:    types.ProviderStripe,
		ExternalID:  session.Subscription,
		CustomerID:  session.Customer,
		WorkspaceID: workspaceID,
		PlanKey:     types.PlanKey(session.Metadata["plan"]),
		Status:      types.SubStatusActive,
		Cycle:       types.BillingCycle(session.Metadata["billing_cycle"]),
		EventTime:   e.eventTime(),
	}
}

// subscriptionSnapshot normalizes a customer.subscription.* event. Plan and
// cycle are derived from the first item's price id via the configured price
// map; an unknown price leaves them empty and the reconciler falls back to
// the stored values.
func (e *stripeWebhookEvent) subscriptionSnapshot(priceIDs map[string]string) *types.SubscriptionSnapshot {
	var sub stripeSubscriptionObj
	_ = json.Unmarshal(e.Data.Object, &sub)

	snap := &types.SubscriptionSnapshot{
		Provider:    types.ProviderStripe,
		ExternalID:  sub.ID,
		CustomerID:  sub.Customer,
		WorkspaceID: sub.Metadata["workspace_id"],
		Status:      mapStripeEventStatus(sub.Status),
		EventTime:   e.eventTime(),
	}
	if sub.CurrentPeriodEnd > 0 {
		t := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		snap.CurrentPeriodEnd = &t
	}
	if len(sub.Items.Data) > 0 {
		snap.PlanKey, snap.Cycle = external.PlanForPrice(priceIDs, sub.Items.Data[0].Price.ID)
	}
	return snap
}

// mapStripeEventStatus folds Stripe's status vocabulary into the normalized
// set. Statuses without a local meaning pass through unchanged and are
// ignored by the reconciler's default case.
func mapStripeEventStatus(status string) types.SubscriptionStatus {
	switch status {
	case "active", "trialing":
		return types.SubStatusActive
	case "past_due", "unpaid":
		return types.SubStatusPastDue
	case "canceled", "incomplete_expired":
		return types.SubStatusCanceled
	default:
		return types.SubscriptionStatus(status)
	}
}
