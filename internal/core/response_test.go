package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"leadscout/internal/types"
)

func decodeErrorBody(t *testing.T, resp *http.Response) APIErrorResponse {
	t.Helper()
	var errResp APIErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return errResp
}

func TestJSONWritesEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusOK, APIResponse{Data: map[string]string{"name": "test"}})

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var body APIResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	data, ok := body.Data.(map[string]any)
	if !ok {
		t.Fatalf("expected data to be a map, got %T", body.Data)
	}
	if data["name"] != "test" {
		t.Errorf("expected name=test, got %v", data["name"])
	}
}

func TestJSONStatusPassthrough(t *testing.T) {
	for _, status := range []int{http.StatusCreated, http.StatusNoContent} {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/", nil)

		var payload any
		if status != http.StatusNoContent {
			payload = map[string]string{"id": "ws_123"}
		}
		JSON(w, r, status, payload)

		if got := w.Result().StatusCode; got != status {
			t.Errorf("expected status %d, got %d", status, got)
		}
	}
}

func TestJSONMarshalFailureFallsBackTo500(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-marshal-fail"))

	// Channels cannot be marshalled.
	JSON(w, r, http.StatusOK, make(chan int))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}
	errResp := decodeErrorBody(t, resp)
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	if errResp.Error.RequestID != "req-marshal-fail" {
		t.Errorf("expected request_id req-marshal-fail, got %s", errResp.Error.RequestID)
	}
}

func TestJSONCarriesMeta(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	JSON(w, r, http.StatusOK, APIResponse{
		Data: map[string]string{"id": "ws_1"},
		Meta: &types.ResponseMeta{Warnings: []string{"deprecated endpoint"}},
	})

	var body map[string]any
	if err := json.NewDecoder(w.Result().Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	meta, ok := body["meta"].(map[string]any)
	if !ok {
		t.Fatal("expected meta field in response")
	}
	warnings, ok := meta["warnings"].([]any)
	if !ok || len(warnings) != 1 || warnings[0] != "deprecated endpoint" {
		t.Fatalf("expected one deprecation warning, got %v", meta["warnings"])
	}
}

func TestErrorStatusByErrorCode(t *testing.T) {
	tests := []struct {
		code types.ErrorCode
		want int
	}{
		{types.ErrCodeValidationMissingField, http.StatusBadRequest},
		{types.ErrCodeValidationInvalidPlan, http.StatusBadRequest},
		{types.ErrCodeValidationInvalidCycle, http.StatusBadRequest},
		{types.ErrCodeValidationInvalidBody, http.StatusBadRequest},
		{types.ErrCodeValidationNotDowngrade, http.StatusBadRequest},
		{types.ErrCodeAuthTokenMissing, http.StatusUnauthorized},
		{types.ErrCodeAuthTokenInvalid, http.StatusUnauthorized},
		{types.ErrCodeWebhookSignature, http.StatusUnauthorized},
		{types.ErrCodeWebhookNoTenant, http.StatusBadRequest},
		{types.ErrCodeLimitLeads, http.StatusForbidden},
		{types.ErrCodeNotFoundWorkspace, http.StatusNotFound},
		{types.ErrCodeNotFoundPlan, http.StatusNotFound},
		{types.ErrCodeConflictSubscribed, http.StatusConflict},
		{types.ErrCodeConflictNotSubscribed, http.StatusConflict},
		{types.ErrCodeConflictConcurrent, http.StatusConflict},
		{types.ErrCodePaymentDeclined, http.StatusPaymentRequired},
		{types.ErrCodeInternalDB, http.StatusInternalServerError},
		{types.ErrCodeInternalUnexpected, http.StatusInternalServerError},
		{types.ErrCodeInternalConfig, http.StatusInternalServerError},
		{types.ErrCodeUpstreamProvider, http.StatusBadGateway},
		{types.ErrCodeUpstreamRateLimited, http.StatusBadGateway},
	}

	for _, tc := range tests {
		t.Run(string(tc.code), func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)

			Error(w, r, types.NewAppError(tc.code, "test", nil))

			if got := w.Result().StatusCode; got != tc.want {
				t.Errorf("code %s: expected status %d, got %d", tc.code, tc.want, got)
			}
		})
	}
}

func TestErrorEnvelopeFields(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws_1/billing/checkout", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-val-001"))

	Error(w, r, types.NewAppError(types.ErrCodeValidationInvalidPlan, "unknown plan key", nil))

	resp := w.Result()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
	errResp := decodeErrorBody(t, resp)
	if errResp.Error.Code != string(types.ErrCodeValidationInvalidPlan) {
		t.Errorf("expected code %s, got %s", types.ErrCodeValidationInvalidPlan, errResp.Error.Code)
	}
	if errResp.Error.Message != "unknown plan key" {
		t.Errorf("expected message about plan key, got %q", errResp.Error.Message)
	}
	if errResp.Error.RequestID != "req-val-001" {
		t.Errorf("expected request_id req-val-001, got %s", errResp.Error.RequestID)
	}
}

func TestErrorEnvelopeShape(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws_1/billing/downgrade", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-struct-001"))

	Error(w, r, types.NewAppError(types.ErrCodeValidationNotDowngrade, "target plan is not a downgrade", nil))

	body, _ := io.ReadAll(w.Result().Body)
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("failed to unmarshal raw: %v", err)
	}
	if _, ok := raw["error"]; !ok {
		t.Error("response must have top-level 'error' field")
	}

	var parsed APIErrorResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		t.Fatalf("failed to parse structured error: %v", err)
	}
	if parsed.Error.Code == "" || parsed.Error.Message == "" {
		t.Error("error.code and error.message must not be empty")
	}
	if parsed.Error.RequestID != "req-struct-001" {
		t.Errorf("error.request_id: expected req-struct-001, got %q", parsed.Error.RequestID)
	}
}

func TestErrorCarriesDetails(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/workspaces/ws_1/billing/checkout", nil)

	Error(w, r, types.NewAppErrorWithDetails(
		types.ErrCodeValidationMissingField,
		"required field missing",
		nil,
		map[string]any{"field": "plan", "constraint": "required"},
	))

	errResp := decodeErrorBody(t, w.Result())
	if errResp.Error.Details["field"] != "plan" {
		t.Errorf("expected details.field=plan, got %v", errResp.Error.Details["field"])
	}
	if errResp.Error.Details["constraint"] != "required" {
		t.Errorf("expected details.constraint=required, got %v", errResp.Error.Details["constraint"])
	}
}

func TestErrorNeverLeaksWrappedCause(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)

	Error(w, r, types.NewAppError(
		types.ErrCodeInternalDB,
		"database connection failed",
		errors.New("connection refused"),
	))

	errResp := decodeErrorBody(t, w.Result())
	if strings.Contains(errResp.Error.Message, "connection refused") {
		t.Error("internal error details should not reach the client")
	}
}

func TestErrorOpaque500ForUnknownErrors(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	r = r.WithContext(types.WithRequestID(r.Context(), "req-generic-001"))

	Error(w, r, errors.New("some internal database error with connection details"))

	resp := w.Result()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", resp.StatusCode)
	}
	errResp := decodeErrorBody(t, resp)
	if errResp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("expected code %s, got %s", types.ErrCodeInternalUnexpected, errResp.Error.Code)
	}
	if errResp.Error.Message != "an unexpected error occurred" {
		t.Errorf("expected opaque message, got %q", errResp.Error.Message)
	}
	if errResp.Error.RequestID != "req-generic-001" {
		t.Errorf("expected request_id req-generic-001, got %s", errResp.Error.RequestID)
	}
}

func TestErrorUnwrapsJoinedAppError(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/v1/workspaces/ws_123/billing", nil)

	appErr := types.NewAppError(types.ErrCodeNotFoundWorkspace, "workspace not found", nil)
	Error(w, r, errors.Join(errors.New("handler context"), appErr))

	if got := w.Result().StatusCode; got != http.StatusNotFound {
		t.Errorf("expected status 404 from wrapped error, got %d", got)
	}
}

func TestErrorWithoutRequestID(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "something went wrong", nil))

	errResp := decodeErrorBody(t, w.Result())
	if errResp.Error.RequestID != "" {
		t.Errorf("expected empty request_id, got %q", errResp.Error.RequestID)
	}
}

func TestDecodeJSONSuccess(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"pro","billing_cycle":"monthly"}`))
	r.Header.Set("Content-Type", "application/json")

	var dst struct {
		Plan  string `json:"plan"`
		Cycle string `json:"billing_cycle"`
	}
	if err := DecodeJSON(w, r, &dst); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dst.Plan != "pro" || dst.Cycle != "monthly" {
		t.Errorf("unexpected decode result: %+v", dst)
	}
}

func TestDecodeJSONRejections(t *testing.T) {
	oversized := `{"data":"` + strings.Repeat("x", maxRequestBodySize+1) + `"}`

	tests := []struct {
		name        string
		body        string
		wantMessage string
		wantField   string
	}{
		{"unknown field", `{"plan":"pro","unknown_field":"value"}`, "unknown field", ""},
		{"malformed syntax", `{invalid json`, "malformed JSON", ""},
		{"empty body", "", "empty", ""},
		{"whitespace body", "   \n\t  ", "", ""},
		{"type mismatch", `{"seat_count":"not_a_number"}`, "", "seat_count"},
		{"oversized body", oversized, "", ""},
		{"trailing value", `{"plan":"pro"}{"plan":"starter"}`, "single JSON object", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))

			var dst struct {
				Plan      string `json:"plan"`
				Data      string `json:"data"`
				SeatCount int    `json:"seat_count"`
			}
			err := DecodeJSON(w, r, &dst)
			if err == nil {
				t.Fatal("expected a decode error, got nil")
			}

			var appErr *types.AppError
			if !errors.As(err, &appErr) {
				t.Fatalf("expected *types.AppError, got %T", err)
			}
			if appErr.Code != errCodeValidationInvalidJSON {
				t.Errorf("expected code %s, got %s", errCodeValidationInvalidJSON, appErr.Code)
			}
			if tc.wantMessage != "" && !strings.Contains(appErr.Message, tc.wantMessage) {
				t.Errorf("expected message containing %q, got %q", tc.wantMessage, appErr.Message)
			}
			if tc.wantField != "" && appErr.Details["field"] != tc.wantField {
				t.Errorf("expected details.field=%s, got %v", tc.wantField, appErr.Details["field"])
			}
		})
	}
}

func TestDecodeJSONNilBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)

	var dst struct{}
	err := DecodeJSON(w, r, &dst)
	if err == nil {
		t.Fatal("expected error for nil body, got nil")
	}
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
}

func TestDecodeJSONNestedObject(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/",
		strings.NewReader(`{"plan":"starter","metadata":{"source":"dashboard","seat_count":3}}`))

	var dst struct {
		Plan     string `json:"plan"`
		Metadata struct {
			Source    string `json:"source"`
			SeatCount int    `json:"seat_count"`
		} `json:"metadata"`
	}
	if err := DecodeJSON(w, r, &dst); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dst.Metadata.Source != "dashboard" || dst.Metadata.SeatCount != 3 {
		t.Errorf("unexpected nested decode: %+v", dst.Metadata)
	}
}

func TestDecodeJSONArrayBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`[{"type":"lead.enriched"},{"type":"search.run"}]`))

	var dst []struct {
		Type string `json:"type"`
	}
	if err := DecodeJSON(w, r, &dst); err != nil {
		t.Fatalf("expected no error for array decode, got %v", err)
	}
	if len(dst) != 2 {
		t.Errorf("expected 2 items, got %d", len(dst))
	}
}

func TestDecodeJSONConsumesBody(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"pro"}`))

	var first, second struct {
		Plan string `json:"plan"`
	}
	if err := DecodeJSON(w, r, &first); err != nil {
		t.Fatalf("first decode should succeed, got %v", err)
	}
	if err := DecodeJSON(w, r, &second); err == nil {
		t.Fatal("second decode should fail, body was consumed")
	}
}

func TestDecodeJSONReadCloserBody(t *testing.T) {
	body := `{"plan":"business"}`
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	r.Body = io.NopCloser(bytes.NewBufferString(body))

	var dst struct {
		Plan string `json:"plan"`
	}
	if err := DecodeJSON(w, r, &dst); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if dst.Plan != "business" {
		t.Errorf("expected plan business, got %q", dst.Plan)
	}
}
