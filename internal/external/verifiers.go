package external

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"leadscout/internal/types"

	stripe "github.com/stripe/stripe-go/v82"
)

// WebhookVerifier abstracts provider webhook signature checking so the
// handlers can be tested without real signing secrets.
type WebhookVerifier interface {
	// Verify checks the signature header against the raw payload. A nil
	// return means the payload is authentic.
	Verify(payload []byte, header string, secret string) error
}

// ---------------------------------------------------------------------------
// Stripe Webhook Verification
// ---------------------------------------------------------------------------

// StripeVerifier implements WebhookVerifier using stripe-go's webhook
// signature verification. This provides HMAC-SHA256 signature checking
// with timestamp tolerance.
type StripeVerifier struct{}

// Verify validates a Stripe webhook payload against the Stripe-Signature
// header and signing secret. Uses stripe-go's ValidatePayload which checks
// both the HMAC signature and the timestamp tolerance.
func (v *StripeVerifier) Verify(payload []byte, header string, secret string) error {
	if err := stripe.ValidatePayload(payload, header, secret); err != nil {
		return types.NewAppError(
			types.ErrCodeWebhookSignature,
			"stripe webhook signature verification failed",
			err,
		)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Mercado Pago Webhook Verification
// ---------------------------------------------------------------------------

// MercadoPagoVerifier checks the x-signature header Mercado Pago attaches to
// webhook notifications. The header carries a timestamp and an HMAC-SHA256
// hash computed over a manifest of the notification's identifying parts:
//
//	id:{data.id};request-id:{x-request-id};ts:{ts};
//
// Unlike StripeVerifier this cannot operate on the raw body alone: the
// manifest is built from the data.id query/body value and the x-request-id
// header, so the handler passes those in explicitly.
type MercadoPagoVerifier struct{}

// Verify checks the x-signature header against the manifest derived from
// dataID and requestID. The header format is "ts=<unix>,v1=<hex hmac>".
func (v *MercadoPagoVerifier) Verify(header string, dataID string, requestID string, secret string) error {
	ts, v1, err := parseXSignature(header)
	if err != nil {
		return types.NewAppError(
			types.ErrCodeWebhookSignature,
			"malformed x-signature header",
			err,
		)
	}

	manifest := fmt.Sprintf("id:%s;request-id:%s;ts:%s;", dataID, requestID, ts)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(manifest))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(v1))) {
		return types.NewAppError(
			types.ErrCodeWebhookSignature,
			"mercado pago webhook signature mismatch",
			nil,
		)
	}
	return nil
}

// parseXSignature splits "ts=...,v1=..." into its two parts. Order of the
// comma-separated fields is not guaranteed.
func parseXSignature(header string) (ts string, v1 string, err error) {
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			v1 = strings.TrimSpace(value)
		}
	}
	if ts == "" || v1 == "" {
		return "", "", fmt.Errorf("x-signature header missing ts or v1 field")
	}
	return ts, v1, nil
}

// Compile-time assertion that StripeVerifier satisfies WebhookVerifier.
var _ WebhookVerifier = (*StripeVerifier)(nil)
