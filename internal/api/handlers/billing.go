// Package handlers contains the HTTP handler implementations for the
// LeadScout billing API.
//
// This file implements the workspace-facing billing and usage endpoints:
//   - Plan catalog listing
//   - Billing state reads (with the lazy grace-expiry check)
//   - Checkout, proration previews, and downgrades
//   - Lead quota consumption and usage metering
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"leadscout/internal/billing"
	"leadscout/internal/core"
	"leadscout/internal/telemetry"
	"leadscout/internal/types"
)

// --- Service Interfaces ---
//
// Interfaces are defined locally so the handler states exactly what it
// consumes and tests can mock the contract without touching the concrete
// services.

// BillingService drives the subscription lifecycle operations.
// Implemented by billing.Service.
type BillingService interface {
	GetBillingState(ctx context.Context, workspaceID string) (*types.BillingState, error)
	StartCheckout(ctx context.Context, workspaceID string, plan types.PlanKey, cycle types.BillingCycle, provider types.ProviderKind) (*types.CheckoutSession, error)
	PreviewProration(ctx context.Context, workspaceID string, targetPlan types.PlanKey) (*billing.ProrationQuote, error)
	Downgrade(ctx context.Context, workspaceID string, targetPlan types.PlanKey) (*billing.DowngradeResult, error)
}

// QuotaService gates lead consumption and meters usage.
// Implemented by billing.QuotaService.
type QuotaService interface {
	ConsumeLead(ctx context.Context, workspaceID string) (int, error)
	Record(ctx context.Context, workspaceID string, usageType types.UsageType, quantity int64, metadata types.Metadata)
	Report(ctx context.Context, workspaceID string, from, to time.Time) (*types.UsageReport, error)
}

// PlanLister reads the active plan catalog. Implemented by billing.Catalog.
type PlanLister interface {
	List(ctx context.Context) ([]*types.Plan, error)
}

// --- Request/Response Models ---

// CheckoutRequest is the body for POST /v1/workspaces/{id}/billing/checkout.
//
// Redirect URLs are intentionally not part of the request: they are
// constructed server-side from configuration so the engine never redirects
// to a caller-supplied location.
type CheckoutRequest struct {
	Plan     string `json:"plan" validate:"required,oneof=starter pro business"`
	Cycle    string `json:"billing_cycle" validate:"required,oneof=monthly annual"`
	Provider string `json:"provider" validate:"omitempty,oneof=stripe mercadopago"`
}

// ProrationPreviewRequest is the body for
// POST /v1/workspaces/{id}/billing/proration-preview.
type ProrationPreviewRequest struct {
	TargetPlan string `json:"target_plan" validate:"required"`
}

// ProrationPreviewResponse wraps the quote. A null quote means there is no
// active future period to prorate against.
type ProrationPreviewResponse struct {
	Quote *billing.ProrationQuote `json:"quote"`
}

// DowngradeRequest is the body for POST /v1/workspaces/{id}/billing/downgrade.
type DowngradeRequest struct {
	TargetPlan string `json:"target_plan" validate:"required"`
}

// ConsumeLeadResponse reports the counter after a successful consumption.
type ConsumeLeadResponse struct {
	LeadsUsed int `json:"leads_used"`
}

// RecordUsageRequest is the body for POST /v1/workspaces/{id}/usage/events.
type RecordUsageRequest struct {
	Type     string         `json:"type" validate:"required,oneof=google_search place_details ai_tokens"`
	Quantity int64          `json:"quantity" validate:"required,min=1"`
	Metadata types.Metadata `json:"metadata"`
}

// --- Billing Handler ---

// BillingHandler serves the /v1 billing and usage surface. The main app is
// the only caller; requests arrive already authenticated by the service
// token middleware.
type BillingHandler struct {
	service   BillingService
	quota     QuotaService
	plans     PlanLister
	validator *core.Validator
	metrics   telemetry.Metrics
	logger    *slog.Logger
}

// NewBillingHandler creates a BillingHandler with the provided dependencies.
func NewBillingHandler(
	svc BillingService,
	quota QuotaService,
	plans PlanLister,
	v *core.Validator,
	metrics telemetry.Metrics,
	logger *slog.Logger,
) *BillingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &BillingHandler{
		service:   svc,
		quota:     quota,
		plans:     plans,
		validator: v,
		metrics:   metrics,
		logger:    logger,
	}
}

// RegisterRoutes mounts the billing endpoints on the /v1 router group.
func (h *BillingHandler) RegisterRoutes(r chi.Router) {
	r.Get("/plans", h.ListPlans)

	r.Route("/workspaces/{workspaceID}", func(r chi.Router) {
		r.Get("/billing", h.GetBillingState)
		r.Post("/billing/checkout", h.StartCheckout)
		r.Post("/billing/proration-preview", h.PreviewProration)
		r.Post("/billing/downgrade", h.Downgrade)

		r.Get("/usage", h.GetUsageReport)
		r.Post("/usage/events", h.RecordUsage)
		r.Post("/leads/consume", h.ConsumeLead)
	})
}

// ListPlans handles GET /v1/plans.
func (h *BillingHandler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.List(r.Context())
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: plans})
}

// GetBillingState handles GET /v1/workspaces/{workspaceID}/billing.
// The read self-heals a lapsed grace period before answering.
func (h *BillingHandler) GetBillingState(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := workspaceIDParam(w, r)
	if !ok {
		return
	}

	state, err := h.service.GetBillingState(r.Context(), workspaceID)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: state})
}

// StartCheckout handles POST /v1/workspaces/{workspaceID}/billing/checkout.
// The provider defaults to Stripe when the body omits it.
func (h *BillingHandler) StartCheckout(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := workspaceIDParam(w, r)
	if !ok {
		return
	}

	var req CheckoutRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	provider := types.ProviderKind(req.Provider)
	if provider == "" {
		provider = types.ProviderStripe
	}

	session, err := h.service.StartCheckout(r.Context(), workspaceID,
		types.PlanKey(req.Plan), types.BillingCycle(req.Cycle), provider)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "checkout creation failed",
			slog.String("workspace_id", workspaceID),
			slog.String("plan", req.Plan),
			slog.String("provider", string(provider)),
			slog.String("error", err.Error()),
		)
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: session})
}

// PreviewProration handles
// POST /v1/workspaces/{workspaceID}/billing/proration-preview.
func (h *BillingHandler) PreviewProration(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := workspaceIDParam(w, r)
	if !ok {
		return
	}

	var req ProrationPreviewRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	quote, err := h.service.PreviewProration(r.Context(), workspaceID, types.PlanKey(req.TargetPlan))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ProrationPreviewResponse{Quote: quote}})
}

// Downgrade handles POST /v1/workspaces/{workspaceID}/billing/downgrade.
// A free target cancels and resets immediately; a paid target is scheduled
// for the period boundary.
func (h *BillingHandler) Downgrade(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := workspaceIDParam(w, r)
	if !ok {
		return
	}

	var req DowngradeRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	result, err := h.service.Downgrade(r.Context(), workspaceID, types.PlanKey(req.TargetPlan))
	if err != nil {
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(r.Context(), "downgrade accepted",
		slog.String("workspace_id", workspaceID),
		slog.String("target_plan", string(result.TargetPlan)),
		slog.Bool("immediate", result.Immediate),
	)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: result})
}

// GetUsageReport handles GET /v1/workspaces/{workspaceID}/usage.
// Query params from/to are RFC3339; the default window is the last 30 days.
func (h *BillingHandler) GetUsageReport(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := workspaceIDParam(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if s := r.URL.Query().Get("from"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
				"from must be a valid RFC3339 timestamp", err))
			return
		}
		from = parsed.UTC()
	}
	if s := r.URL.Query().Get("to"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
				"to must be a valid RFC3339 timestamp", err))
			return
		}
		to = parsed.UTC()
	}
	if to.Before(from) {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
			"to must be after from", nil))
		return
	}

	report, err := h.quota.Report(r.Context(), workspaceID, from, to)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: report})
}

// ConsumeLead handles POST /v1/workspaces/{workspaceID}/leads/consume.
// The main app calls this once per lead it is about to hand to the user;
// a 403 here means the workspace is at its plan quota.
func (h *BillingHandler) ConsumeLead(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := workspaceIDParam(w, r)
	if !ok {
		return
	}

	used, err := h.quota.ConsumeLead(r.Context(), workspaceID)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeLimitLeads {
			plan, _ := appErr.Details["plan"].(string)
			h.metrics.CountQuotaRejection(r.Context(), types.PlanKey(plan))
		}
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ConsumeLeadResponse{LeadsUsed: used}})
}

// RecordUsage handles POST /v1/workspaces/{workspaceID}/usage/events.
// Ledger writes are best-effort, so the response is always 202 once the
// request validates.
func (h *BillingHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	workspaceID, ok := workspaceIDParam(w, r)
	if !ok {
		return
	}

	var req RecordUsageRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	h.quota.Record(r.Context(), workspaceID, types.UsageType(req.Type), req.Quantity, req.Metadata)
	w.WriteHeader(http.StatusAccepted)
}

// workspaceIDParam extracts the workspaceID route parameter, writing a
// validation error when it is absent.
func workspaceIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "workspaceID")
	if id == "" {
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
			"workspaceID path parameter is required", nil))
		return "", false
	}
	return id, true
}
