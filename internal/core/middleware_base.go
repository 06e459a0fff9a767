package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"leadscout/internal/types"
)

// responseCapture wraps an http.ResponseWriter so logging and metrics
// middleware can observe the status code after the handler chain ran.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

// Write records the implicit 200 when a handler writes without calling
// WriteHeader first.
func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer to http.ResponseController.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer converts panics into logged 500 responses. It must be outermost
// in the chain. The error envelope is built without json.Marshal: inside a
// recovery path nothing may panic again.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}

			s.Logger.Error("panic recovered",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("panic", fmt.Sprintf("%v", rvr)),
				slog.String("stack", string(debug.Stack())),
			)

			writeErrorEnvelope(w, http.StatusInternalServerError, ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "an unexpected error occurred",
				RequestID: types.GetRequestID(r.Context()),
			})
		}()

		next.ServeHTTP(w, r)
	})
}

// RequestLogger logs one line per request with method, route, status, and
// duration. Headers named in redactedHeaders (the service token, webhook
// signatures, the cron secret) are masked; the rest are logged for
// reconciliation debugging.
func RequestLogger(logger *slog.Logger, redactedHeaders []string) func(http.Handler) http.Handler {
	redactSet := make(map[string]struct{}, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redactSet[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rc, r)

			args := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rc.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if reqID := types.GetRequestID(r.Context()); reqID != "" {
				args = append(args, slog.String("request_id", reqID))
			}
			if headers := headerAttrs(r.Header, redactSet); len(headers) > 0 {
				args = append(args, slog.Group("headers", headers...))
			}

			switch {
			case rc.statusCode >= 500:
				logger.Error("request completed", args...)
			case rc.statusCode >= 400:
				logger.Warn("request completed", args...)
			default:
				logger.Info("request completed", args...)
			}
		})
	}
}

// headerAttrs renders request headers as log attributes, masking the
// redacted set.
func headerAttrs(header http.Header, redactSet map[string]struct{}) []any {
	attrs := make([]any, 0, len(header))
	for name, values := range header {
		if _, redact := redactSet[strings.ToLower(name)]; redact {
			attrs = append(attrs, slog.String(name, "[REDACTED]"))
			continue
		}
		attrs = append(attrs, slog.String(name, strings.Join(values, ", ")))
	}
	return attrs
}

// MetricsMiddleware records request latency keyed by the chi route pattern
// (e.g. /v1/workspaces/{workspaceID}/billing), never the raw path, so metric
// dimension cardinality stays bounded. Passes through when no collector is
// configured.
func (s *Server) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rc, r)

		endpoint := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				endpoint = pattern
			}
		}
		s.Metrics.RecordAPILatency(r.Context(), endpoint, time.Since(start))
	})
}

// SecurityHeadersMiddleware sets the standard security response headers on
// every response, before any handler or error path can return early.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// NewCORSMiddleware builds CORS handling for the dashboard origin list. A
// literal "*" in the list allows every origin. Preflight OPTIONS requests are
// answered directly with 204.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
		originSet[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed := ""
			switch {
			case allowAll:
				allowed = "*"
			case r.Header.Get("Origin") != "":
				if _, ok := originSet[r.Header.Get("Origin")]; ok {
					allowed = r.Header.Get("Origin")
				}
			}

			if allowed != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allowed)
				h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
				h.Set("Access-Control-Expose-Headers", "X-Request-ID")
				h.Set("Access-Control-Max-Age", "86400")
				h.Set("Access-Control-Allow-Credentials", "true")
				if allowed != "*" {
					// Caches must key on the origin when the allow list is explicit.
					h.Set("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
