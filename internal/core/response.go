package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"leadscout/internal/types"
)

// maxRequestBodySize caps request bodies at 1 MB. Billing payloads are tiny;
// anything bigger is abuse.
const maxRequestBodySize = 1 << 20

// errCodeValidationInvalidJSON covers every malformed-body case DecodeJSON
// can hit. Chassis-local: domain code never constructs it.
const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// APIResponse is the envelope for successful responses. Meta carries
// non-blocking warnings such as deprecation notices.
type APIResponse struct {
	Data interface{}         `json:"data,omitempty"`
	Meta *types.ResponseMeta `json:"meta,omitempty"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error shape clients see. RequestID is always
// present so a caller can quote it when reporting a problem.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// JSON writes data as a JSON response with the given status. Marshalling
// happens before any header is written, so a marshal failure still produces
// a well-formed 500 envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	body, err := json.Marshal(data)
	if err != nil {
		writeErrorEnvelope(w, http.StatusInternalServerError, ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to marshal response",
			RequestID: types.GetRequestID(r.Context()),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error translates an error into an HTTP response. An *types.AppError
// anywhere in the chain supplies the status and the client-visible code,
// message, and details. Anything else becomes an opaque 500: wrapped errors
// and generic messages stay server-side.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	requestID := types.GetRequestID(r.Context())

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		JSON(w, r, appErr.HTTPStatus(), APIErrorResponse{
			Error: ErrorDetail{
				Code:      string(appErr.Code),
				Message:   appErr.Message,
				Details:   appErr.Details,
				RequestID: requestID,
			},
		})
		return
	}

	JSON(w, r, http.StatusInternalServerError, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "an unexpected error occurred",
			RequestID: requestID,
		},
	})
}

// DecodeJSON reads the request body into dst with the strict contract every
// handler shares: 1 MB cap, unknown fields rejected, exactly one JSON value.
// Failures come back as a validation_invalid_json AppError (400); the caller
// passes it to Error.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	// MaxBytesReader needs w so it can kill the connection once the cap is hit.
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return mapDecodeError(err)
	}
	if dec.More() {
		return types.NewAppError(
			errCodeValidationInvalidJSON,
			"request body must contain a single JSON object",
			nil,
		)
	}
	return nil
}

// mapDecodeError picks a client-actionable message for each way a body can
// be malformed.
func mapDecodeError(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must not exceed 1MB", err)
	}

	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return types.NewAppError(errCodeValidationInvalidJSON, "malformed JSON in request body", err)
	}

	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return types.NewAppErrorWithDetails(
			errCodeValidationInvalidJSON,
			"invalid value for field",
			err,
			map[string]any{
				"field":    typeErr.Field,
				"expected": typeErr.Type.String(),
			},
		)
	}

	// DisallowUnknownFields has no typed error; the prefix is stable in
	// encoding/json.
	if strings.HasPrefix(err.Error(), "json: unknown field") {
		field := strings.TrimPrefix(err.Error(), "json: unknown field ")
		return types.NewAppError(errCodeValidationInvalidJSON, "unknown field in request body: "+field, err)
	}

	if errors.Is(err, io.EOF) {
		return types.NewAppError(errCodeValidationInvalidJSON, "request body must not be empty", err)
	}

	return types.NewAppError(errCodeValidationInvalidJSON, "invalid JSON in request body", err)
}

// writeErrorEnvelope emits an error envelope without going through
// json.Marshal. Used where marshalling itself is suspect (marshal failure,
// panic recovery).
func writeErrorEnvelope(w http.ResponseWriter, status int, detail ErrorDetail) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"code":"` + escapeJSON(detail.Code) +
		`","message":"` + escapeJSON(detail.Message) +
		`","request_id":"` + escapeJSON(detail.RequestID) + `"}}`))
}

// escapeJSON covers the characters that would break the hand-built envelope.
// The inputs are server-controlled strings, never user data.
func escapeJSON(s string) string {
	replacer := strings.NewReplacer(
		`\`, `\\`,
		`"`, `\"`,
		"\n", `\n`,
		"\r", `\r`,
		"\t", `\t`,
	)
	return replacer.Replace(s)
}
