package core

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"leadscout/internal/types"
)

// ServiceTokenMiddleware authenticates service-to-service calls on /v1.
//
// The main application presents a shared token as "Authorization: Bearer
// <token>". Only the bcrypt hash of that token is configured here
// (SERVICE_TOKEN_HASH), so a leaked config dump never yields the plaintext.
//
//   - auth_token_missing: no Authorization header or empty Bearer token.
//   - auth_token_invalid: token does not match the configured hash.
//
// If no hash is configured the middleware passes through. Config validation
// requires the hash in deployed environments, so this only happens in tests.
func (s *Server) ServiceTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hash := s.Config.Security.ServiceTokenHash.Unmask()
		if hash == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Authorization header is required")
			return
		}

		token := extractBearerToken(authHeader)
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Bearer token is required")
			return
		}

		if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
			s.Logger.WarnContext(r.Context(), "service token rejected",
				"method", r.Method,
				"path", r.URL.Path,
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid service token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// CronSecretMiddleware authenticates scheduled job triggers on
// /internal/jobs. EventBridge (or a local curl) presents the shared secret
// in the X-Cron-Secret header; comparison is constant time over SHA-256
// digests so length differences leak nothing.
func (s *Server) CronSecretMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get("X-Cron-Secret")
		if presented == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "X-Cron-Secret header is required")
			return
		}

		want := sha256.Sum256([]byte(s.Config.Jobs.CronSecret.Unmask()))
		got := sha256.Sum256([]byte(presented))
		if subtle.ConstantTimeCompare(want[:], got[:]) != 1 {
			s.Logger.WarnContext(r.Context(), "cron secret rejected",
				"method", r.Method,
				"path", r.URL.Path,
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid cron secret")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken parses the Authorization header value and returns
// the token string. It expects the format "Bearer <token>" (case-insensitive
// scheme per RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// writeAuthError writes a 401 Unauthorized JSON response with the given error code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	resp := APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	}
	JSON(w, r, http.StatusUnauthorized, resp)
}
