package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"leadscout/internal/types"
)

// mpAPIBase is the default Mercado Pago API base URL.
// Overridable in tests via MercadoPagoConfig.BaseURL.
const mpAPIBase = "https://api.mercadopago.com"

// mpReasonPrefix tags pre-approvals created by this engine. The reason field
// encodes "leadscout:{plan}:{cycle}" because the pre-approval primitive has
// no metadata object to carry the plan.
const mpReasonPrefix = "leadscout:"

// MercadoPagoConfig holds the configuration for creating a MercadoPagoClient.
type MercadoPagoConfig struct {
	AccessToken string
	BaseURL     string // Override for testing; defaults to mpAPIBase
	Logger      *slog.Logger
}

// MercadoPagoClient is the shape-B subscription adapter. Mercado Pago has no
// subscription object; the closest primitive is the pre-approval
// (/preapproval): an authorized recurring charge with statuses
// pending | authorized | paused | cancelled. external_reference carries the
// workspace id and next_payment_date stands in for the period end.
//
// SupportsPlanSwap is false: a plan change is cancel + re-checkout.
type MercadoPagoClient struct {
	base        *BaseClient
	accessToken string
	baseURL     string
	logger      *slog.Logger
}

// NewMercadoPagoClient creates a MercadoPagoClient over the given HTTP client.
func NewMercadoPagoClient(httpClient *http.Client, cfg MercadoPagoConfig) *MercadoPagoClient {
	base := NewBaseClient(
		httpClient,
		"mercadopago",
		RetryPolicy{
			MaxRetries: 2,
			MinWait:    500 * time.Millisecond,
			MaxWait:    5 * time.Second,
		},
		"LeadScout/1.0",
	)
	return NewMercadoPagoClientWithBase(base, cfg)
}

// NewMercadoPagoClientWithBase creates a MercadoPagoClient with a
// pre-configured BaseClient.
func NewMercadoPagoClientWithBase(base *BaseClient, cfg MercadoPagoConfig) *MercadoPagoClient {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = mpAPIBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MercadoPagoClient{
		base:        base,
		accessToken: cfg.AccessToken,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		logger:      logger,
	}
}

// Kind identifies this adapter.
func (m *MercadoPagoClient) Kind() types.ProviderKind { return types.ProviderMercadoPago }

// SupportsPlanSwap is false: the pre-approval primitive cannot change amount
// in place.
func (m *MercadoPagoClient) SupportsPlanSwap() bool { return false }

// CreateCheckout creates a pending pre-approval and returns its init point.
// Amounts are BRL; an annual cycle is a 12-month frequency on the same
// primitive.
func (m *MercadoPagoClient) CreateCheckout(ctx context.Context, ws *types.Workspace, plan *types.Plan, cycle types.BillingCycle, urls types.RedirectURLs) (*types.CheckoutSession, error) {
	frequency := 1
	if cycle == types.CycleAnnual {
		frequency = 12
	}
	body := mpPreapprovalRequest{
		Reason:            mpReasonPrefix + string(plan.Key) + ":" + string(cycle),
		ExternalReference: ws.ID,
		BackURL:           urls.Success,
		AutoRecurring: mpAutoRecurring{
			Frequency:         frequency,
			FrequencyType:     "months",
			TransactionAmount: plan.Price(cycle).BRL,
			CurrencyID:        "BRL",
		},
	}

	resp, err := m.doJSON(ctx, http.MethodPost, "/preapproval", body)
	if err != nil {
		return nil, m.wrapError("CreateCheckout", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, m.handleErrorResponse(resp, "CreateCheckout")
	}

	var pre mpPreapproval
	if err := json.NewDecoder(resp.Body).Decode(&pre); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Mercado Pago preapproval response",
			err,
		)
	}
	return &types.CheckoutSession{
		Provider:    types.ProviderMercadoPago,
		SessionID:   pre.ID,
		RedirectURL: pre.InitPoint,
	}, nil
}

// CancelSubscription moves the pre-approval to cancelled. Cancellation is
// terminal; there is no provider-side reactivation.
func (m *MercadoPagoClient) CancelSubscription(ctx context.Context, externalID string) error {
	resp, err := m.doJSON(ctx, http.MethodPut, "/preapproval/"+externalID, map[string]string{
		"status": "cancelled",
	})
	if err != nil {
		return m.wrapError("CancelSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return m.handleErrorResponse(resp, "CancelSubscription")
	}
	return nil
}

// GetSubscription fetches the pre-approval and normalizes it. Webhook events
// carry only the pre-approval id, so reconciliation always round-trips
// through this call.
func (m *MercadoPagoClient) GetSubscription(ctx context.Context, externalID string) (*types.SubscriptionSnapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/preapproval/"+externalID, nil)
	if err != nil {
		return nil, err
	}
	m.setAuthHeaders(req)

	resp, err := m.base.Do(req)
	if err != nil {
		return nil, m.wrapError("GetSubscription", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, m.handleErrorResponse(resp, "GetSubscription")
	}

	var pre mpPreapproval
	if err := json.NewDecoder(resp.Body).Decode(&pre); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeInternalUnexpected,
			"failed to decode Mercado Pago preapproval response",
			err,
		)
	}
	return mapPreapproval(&pre), nil
}

// ---------------------------------------------------------------------------
// HTTP helpers and error handling
// ---------------------------------------------------------------------------

func (m *MercadoPagoClient) doJSON(ctx context.Context, method, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, m.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	m.setAuthHeaders(req)
	return m.base.Do(req)
}

func (m *MercadoPagoClient) setAuthHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+m.accessToken)
}

func (m *MercadoPagoClient) handleErrorResponse(resp *http.Response, operation string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var mpErr mpErrorResponse
	_ = json.Unmarshal(body, &mpErr)
	message := mpErr.Message
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return types.NewAppError(
			types.ErrCodeUpstreamRateLimited,
			fmt.Sprintf("%s: Mercado Pago rate limit exceeded", operation),
			nil,
		)
	case resp.StatusCode >= 500:
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Mercado Pago server error: %s", operation, message),
			nil,
		)
	default:
		return types.NewAppError(
			types.ErrCodeUpstreamProvider,
			fmt.Sprintf("%s: Mercado Pago error (%d): %s", operation, resp.StatusCode, message),
			nil,
		)
	}
}

func (m *MercadoPagoClient) wrapError(operation string, err error) error {
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		types.ErrCodeUpstreamProvider,
		fmt.Sprintf("%s: Mercado Pago request failed: %v", operation, err),
		err,
	)
}

// ---------------------------------------------------------------------------
// Wire types and mapping
// ---------------------------------------------------------------------------

type mpPreapprovalRequest struct {
	Reason            string          `json:"reason"`
	ExternalReference string          `json:"external_reference"`
	BackURL           string          `json:"back_url"`
	AutoRecurring     mpAutoRecurring `json:"auto_recurring"`
}

type mpAutoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

type mpPreapproval struct {
	ID                string          `json:"id"`
	Status            string          `json:"status"`
	Reason            string          `json:"reason"`
	ExternalReference string          `json:"external_reference"`
	PayerID           int64           `json:"payer_id"`
	NextPaymentDate   string          `json:"next_payment_date"`
	DateCreated       string          `json:"date_created"`
	LastModified      string          `json:"last_modified"`
	InitPoint         string          `json:"init_point"`
	AutoRecurring     mpAutoRecurring `json:"auto_recurring"`
}

type mpErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
	Status  int    `json:"status"`
}

// mapPreapproval normalizes a pre-approval into a snapshot. The plan and
// cycle are recovered from the tagged reason field; external_reference
// carries the workspace id.
func mapPreapproval(pre *mpPreapproval) *types.SubscriptionSnapshot {
	snap := &types.SubscriptionSnapshot{
		Provider:    types.ProviderMercadoPago,
		ExternalID:  pre.ID,
		WorkspaceID: pre.ExternalReference,
		Status:      mapPreapprovalStatus(pre.Status),
	}
	if pre.PayerID != 0 {
		snap.CustomerID = fmt.Sprintf("%d", pre.PayerID)
	}

	if tag, ok := strings.CutPrefix(pre.Reason, mpReasonPrefix); ok {
		if plan, cycle, ok := strings.Cut(tag, ":"); ok {
			snap.PlanKey = types.PlanKey(plan)
			snap.Cycle = types.BillingCycle(cycle)
		}
	}

	if end, err := time.Parse(time.RFC3339, pre.NextPaymentDate); err == nil {
		end = end.UTC()
		snap.CurrentPeriodEnd = &end
	}
	if at, err := time.Parse(time.RFC3339, pre.LastModified); err == nil {
		snap.EventTime = at.UTC()
	}
	return snap
}

// mapPreapprovalStatus converts the pre-approval vocabulary into the
// normalized one. "pending" means the user never authorized the charge;
// nothing to apply yet, so it maps to none and the reconciler ignores it.
func mapPreapprovalStatus(status string) types.SubscriptionStatus {
	switch status {
	case "authorized":
		return types.SubStatusActive
	case "paused":
		return types.SubStatusPastDue
	case "cancelled":
		return types.SubStatusCanceled
	case "pending":
		return types.SubStatusNone
	default:
		return types.SubscriptionStatus(status)
	}
}
