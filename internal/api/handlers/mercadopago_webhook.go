// This file implements the Mercado Pago webhook handler.
//
// Mercado Pago notifications are thin: they carry only the preapproval id
// (query parameter data.id) plus the x-signature HMAC header. The handler
// verifies the signature, fetches the full preapproval through the adapter,
// and reconciles the derived snapshot.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"leadscout/internal/core"
	"leadscout/internal/telemetry"
	"leadscout/internal/types"
)

// MercadoPagoSignatureVerifier checks the x-signature header. The manifest is
// built from the data.id value and the x-request-id header, so the raw body
// alone is not enough to verify. Implemented by external.MercadoPagoVerifier.
type MercadoPagoSignatureVerifier interface {
	Verify(header string, dataID string, requestID string, secret string) error
}

// SubscriptionFetcher loads the current provider-side subscription state.
// Implemented by external.MercadoPagoClient.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, externalID string) (*types.SubscriptionSnapshot, error)
}

// MercadoPagoWebhookHandler handles preapproval notifications from Mercado
// Pago.
type MercadoPagoWebhookHandler struct {
	verifier   MercadoPagoSignatureVerifier
	fetcher    SubscriptionFetcher
	reconciler SnapshotReconciler
	secret     string
	metrics    telemetry.Metrics
	logger     *slog.Logger
}

// NewMercadoPagoWebhookHandler creates a MercadoPagoWebhookHandler.
func NewMercadoPagoWebhookHandler(
	verifier MercadoPagoSignatureVerifier,
	fetcher SubscriptionFetcher,
	reconciler SnapshotReconciler,
	secret string,
	metrics telemetry.Metrics,
	logger *slog.Logger,
) *MercadoPagoWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}
	return &MercadoPagoWebhookHandler{
		verifier:   verifier,
		fetcher:    fetcher,
		reconciler: reconciler,
		secret:     secret,
		metrics:    metrics,
		logger:     logger,
	}
}

// RegisterRoutes mounts the Mercado Pago webhook endpoint on the webhook
// router group.
func (h *MercadoPagoWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/mercadopago", h.Handle)
}

// mpNotification is the notification body. Mercado Pago also duplicates the
// id and topic as query parameters; the query values win when present.
type mpNotification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Handle processes an incoming Mercado Pago notification.
func (h *MercadoPagoWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read mercado pago webhook body",
			slog.String("error", err.Error()),
		)
		core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
			"failed to read request body", err))
		return
	}

	var note mpNotification
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &note); err != nil {
			h.logger.WarnContext(r.Context(), "failed to parse mercado pago notification",
				slog.String("error", err.Error()),
			)
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidBody,
				"invalid notification JSON", err))
			return
		}
	}

	dataID := r.URL.Query().Get("data.id")
	if dataID == "" {
		dataID = note.Data.ID
	}
	topic := r.URL.Query().Get("type")
	if topic == "" {
		topic = note.Type
	}

	sigHeader := r.Header.Get("X-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing x-signature header")
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookSignature,
			"missing x-signature header", nil))
		return
	}
	requestID := r.Header.Get("X-Request-Id")
	if err := h.verifier.Verify(sigHeader, dataID, requestID, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "mercado pago webhook signature verification failed",
			slog.String("error", err.Error()),
		)
		core.Error(w, r, err)
		return
	}

	h.metrics.CountWebhook(r.Context(), "received", types.ProviderMercadoPago, topic)

	// Only preapproval (subscription) notifications carry billing state.
	// Payment notifications for the same preapproval are acknowledged as-is.
	if !strings.Contains(topic, "preapproval") {
		h.logger.DebugContext(r.Context(), "ignoring non-preapproval notification",
			slog.String("topic", topic),
		)
		w.WriteHeader(http.StatusOK)
		return
	}

	if dataID == "" {
		// A preapproval notification without an id cannot be reconciled and
		// will never succeed on redelivery of the same payload.
		h.metrics.CountWebhook(r.Context(), "rejected", types.ProviderMercadoPago, topic)
		core.Error(w, r, types.NewAppError(types.ErrCodeWebhookNoTenant,
			"notification carries no preapproval id", nil))
		return
	}

	h.logger.InfoContext(r.Context(), "processing mercado pago notification",
		slog.String("preapproval_id", dataID),
		slog.String("topic", topic),
		slog.String("action", note.Action),
	)

	if err := h.reconcile(r.Context(), dataID); err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeWebhookNoTenant {
			h.metrics.CountWebhook(r.Context(), "rejected", types.ProviderMercadoPago, topic)
			core.Error(w, r, err)
			return
		}
		h.metrics.CountWebhook(r.Context(), "failed", types.ProviderMercadoPago, topic)
		h.logger.ErrorContext(r.Context(), "mercado pago webhook processing failed",
			slog.String("preapproval_id", dataID),
			slog.String("error", err.Error()),
		)
		// Acknowledged: the preapproval is re-fetched on the next
		// notification, so dropping this delivery loses nothing durable.
	}

	w.WriteHeader(http.StatusOK)
}

// reconcile fetches the preapproval and applies the derived snapshot. The
// notification itself carries no state, so the fetch is the source of truth
// and out-of-order deliveries converge on the same result.
func (h *MercadoPagoWebhookHandler) reconcile(ctx context.Context, preapprovalID string) error {
	snap, err := h.fetcher.GetSubscription(ctx, preapprovalID)
	if err != nil {
		return err
	}
	return h.reconciler.HandleSubscriptionUpdated(ctx, snap)
}
