package external

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"leadscout/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// stripeAPIBase is the default Stripe API base URL.
// Overridable in tests via StripeConfig.BaseURL.
const stripeAPIBase = "https://api.stripe.com"

// StripeConfig holds the configuration for creating a StripeClient.
type StripeConfig struct {
	SecretKey string
	// PriceIDs maps "plan_cycle" (e.g. "pro_monthly") to the Stripe Price id
	// configured for that plan. Prices are configured, not synced.
	PriceIDs map[string]string
	BaseURL  string // Override for testing; defaults to stripeAPIBase
	Logger   *slog.Logger
}

// StripeClient is the shape-A subscription adapter: Stripe has a native
// subscription object carrying the period end and a rich status vocabulary,
// and supports in-place plan swaps. All calls go through BaseClient using the
// form-encoded REST API, which keeps testing with httptest straightforward.
type StripeClient struct {
	base      *BaseClient
	secretKey string
	priceIDs  map[string]string
	baseURL   string
	logger    *slog.Logger
}

// NewStripeClient creates a StripeClient over the given HTTP client.
func NewStripeClient(httpClient *http.Client, cfg StripeConfig) *StripeClient {
	base := NewBaseClient(
		httpClient,
		"stripe",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"LeadScout/1.0",
	)
	return NewStripeClientWithBase(base, cfg)
}

// NewStripeClientWithBase creates a StripeClient with a pre-configured
// BaseClient. Useful in tests that control the retry policy and sleep.
func NewStripeClientWithBase(base *BaseClient, cfg StripeConfig) *StripeClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = stripeAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &StripeClient{
		base:      base,
		secretKey: cfg.SecretKey,
		priceIDs:  cfg.PriceIDs,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		logger:    logger,
	}
}

// Kind identifies this adapter.
func (s *StripeClient) Kind() types.ProviderKind { return types.ProviderStripe }

// SupportsPlanSwap is true: Stripe can change the price on a live
// subscription without cancel + re-checkout.
func (s *StripeClient) SupportsPlanSwap() bool { return true }

// CreateCheckout creates a hosted Checkout Session in subscription mode.
// client_reference_id and metadata[workspace_id] both carry the tenant
// linkage for webhook correlation.
func (s *StripeClient) CreateCheckout(ctx context.Context, ws *types.Workspace, plan *types.Plan, cycle types.BillingCycle, urls types.RedirectURLs) (*types.CheckoutSession, error) {
	params := url.Values{}
	params.Set("mode", "subscription")
	params.Set("client_reference_id", ws.ID)
	params.Set("success_url", urls.Success)
	params.Set("cancel_url", urls.Cancel)
	params.Set("metadata[workspace_id]", ws.ID)
	params.Set("metadata[plan]", string(plan.Key))
	params.Set("metadata[billing_cycle]", string(cycle))
	params.Set("subscription_data[metadata][workspace_id]", ws.ID)
	params.Set("subscription_data[metadata][plan]", string(plan.Key))
	params.Set("line_items[0][price]", s.priceID(plan.Key, cycle))
	params.Set("line_items[0][quantity]", "1")
	if ws.ExternalCustomerID != "" {
		params.Set("customer", ws.ExternalCustomerID)
	}

	resp, err := s.doPost(ctx, "/v1/checkout/sessions", params)
	if err != nil {
		return nil, s.wrapStripeError("CreateCheckout", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "CreateCheckout")
	}

	var session stripeCheckoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe checkout session response",
			err,
		)
	}
	return &types.CheckoutSession{
		Provider:    types.ProviderStripe,
		SessionID:   session.ID,
		RedirectURL: session.URL,
	}, nil
}

// CancelSubscription cancels the subscription immediately.
func (s *StripeClient) CancelSubscription(ctx context.Context, externalID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/v1/subscriptions/"+externalID, nil)
	if err != nil {
		return err
	}
	s.setAuthHeaders(req)

	resp, err := s.base.Do(req)
	if err != nil {
		return s.wrapStripeError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return s.handleErrorResponse(resp, "CancelSubscription")
	}
	return nil
}

// GetSubscription fetches a subscription and normalizes it into a snapshot.
func (s *StripeClient) GetSubscription(ctx context.Context, externalID string) (*types.SubscriptionSnapshot, error) {
	resp, err := s.doGet(ctx, "/v1/subscriptions/"+externalID, nil)
	if err != nil {
		return nil, s.wrapStripeError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, s.handleErrorResponse(resp, "GetSubscription")
	}

	var sub stripeSubscription
	if err := json.NewDecoder(resp.Body).Decode(&sub); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Stripe subscription response",
			err,
		)
	}
	return mapStripeSubscription(&sub, s.priceIDs), nil
}

// ---------------------------------------------------------------------------
// HTTP Helpers
// ---------------------------------------------------------------------------

func (s *StripeClient) doGet(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	reqURL := s.baseURL + path
	if len(params) > 0 {
		reqURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) doPost(ctx context.Context, path string, params url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s.setAuthHeaders(req)
	return s.base.Do(req)
}

func (s *StripeClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Stripe-Version", stripe.APIVersion)
}

// priceID returns the configured Stripe Price id for a plan/cycle pair.
func (s *StripeClient) priceID(plan types.PlanKey, cycle types.BillingCycle) string {
	key := string(plan) + "_" + string(cycle)
	if id, ok := s.priceIDs[key]; ok {
		return id
	}
	return "price_" + key
}

// PlanForPrice reverses the price-id mapping. Plan keys never contain an
// underscore, so cutting on the first one is safe.
func PlanForPrice(priceIDs map[string]string, priceID string) (types.PlanKey, types.BillingCycle) {
	for key, id := range priceIDs {
		if id != priceID {
			continue
		}
		if plan, cycle, ok := strings.Cut(key, "_"); ok {
			return types.PlanKey(plan), types.BillingCycle(cycle)
		}
	}
	return "", ""
}

// ---------------------------------------------------------------------------
// Error Handling
// ---------------------------------------------------------------------------

// stripeErrorResponse represents the JSON error body returned by the Stripe API.
type stripeErrorResponse struct {
	Error stripeErrorBody `json:"error"`
}

type stripeErrorBody struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
	Param       string `json:"param"`
}

// handleErrorResponse reads a Stripe error response and maps it to a types.AppError.
func (s *StripeClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
		)
	}

	var stripeErr stripeErrorResponse
	if jsonErr := json.Unmarshal(body, &stripeErr); jsonErr != nil {
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe returned status %d with non-JSON body", operation, resp.StatusCode),
			jsonErr,
		)
	}
	return s.mapStripeError(operation, resp.StatusCode, &stripeErr.Error)
}

// mapStripeError translates a Stripe error into a types.AppError.
func (s *StripeClient) mapStripeError(operation string, statusCode int, stripeErr *stripeErrorBody) error {
	if stripeErr.Code == "card_declined" || stripeErr.DeclineCode != "" {
		return types.NewAppErrorWithDetails(
			types.ErrCodePaymentDeclined,
			fmt.Sprintf("%s: payment declined: %s", operation, stripeErr.Message),
			nil,
			map[string]any{
				"decline_code": stripeErr.DeclineCode,
				"stripe_code":  stripeErr.Code,
			},
		)
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Stripe rate limit exceeded", operation),
			nil,
		)
	case statusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe server error: %s", operation, stripeErr.Message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Stripe error (%d): %s", operation, statusCode, stripeErr.Message),
			nil,
		)
	}
}

// wrapStripeError wraps a BaseClient transport error with context.
func (s *StripeClient) wrapStripeError(operation string, err error) error {
	// BaseClient errors (circuit breaker, retries exhausted) already carry
	// the right upstream code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamProvider,
		fmt.Sprintf("%s: Stripe request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Stripe Response Types (for JSON deserialization)
// ---------------------------------------------------------------------------

type stripeCheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type stripeSubscription struct {
	ID               string                  `json:"id"`
	Status           string                  `json:"status"`
	Customer         string                  `json:"customer"`
	CurrentPeriodEnd int64                   `json:"current_period_end"`
	Metadata         map[string]string       `json:"metadata"`
	Items            stripeSubscriptionItems `json:"items"`
}

type stripeSubscriptionItems struct {
	Data []stripeSubscriptionItem `json:"data"`
}

type stripeSubscriptionItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID        string          `json:"id"`
	Recurring stripeRecurring `json:"recurring"`
}

type stripeRecurring struct {
	Interval string `json:"interval"`
}

// ---------------------------------------------------------------------------
// Mapping
// ---------------------------------------------------------------------------

// mapStripeSubscription normalizes a Stripe subscription into a snapshot.
// The workspace linkage rides in the subscription metadata set at checkout.
func mapStripeSubscription(sub *stripeSubscription, priceIDs map[string]string) *types.SubscriptionSnapshot {
	snap := &types.SubscriptionSnapshot{
		Provider:    types.ProviderStripe,
		ExternalID:  sub.ID,
		CustomerID:  sub.Customer,
		WorkspaceID: sub.Metadata["workspace_id"],
		PlanKey:     types.PlanKey(sub.Metadata["plan"]),
		Status:      mapStripeStatus(sub.Status),
	}

	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		snap.CurrentPeriodEnd = &end
	}

	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		if plan, cycle := PlanForPrice(priceIDs, price.ID); plan != "" {
			snap.PlanKey = plan
			snap.Cycle = cycle
		}
		if snap.Cycle == "" {
			switch price.Recurring.Interval {
			case "year":
				snap.Cycle = types.CycleAnnual
			case "month":
				snap.Cycle = types.CycleMonthly
			}
		}
	}
	return snap
}

// mapStripeStatus converts the Stripe status vocabulary into the normalized
// one. Statuses with no normalized equivalent pass through raw; the
// reconciler ignores them.
func mapStripeStatus(status string) types.SubscriptionStatus {
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
