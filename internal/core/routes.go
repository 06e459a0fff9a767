package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"leadscout/internal/types"
)

// defaultRequestTimeout is the soft timeout applied to request contexts.
// Set just under the Lambda hard timeout so handlers see a cancelled context
// before the runtime kills the process.
const defaultRequestTimeout = 29 * time.Second

// defaultRedactedHeaders lists header names whose values are masked in request
// logs to prevent accidental leakage of credentials or webhook secrets.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Cron-Secret",
	"Stripe-Signature",
	"X-Signature",
}

// MountRoutes defines the top-level routing hierarchy.
//
// Three trust zones hang off the root:
//
//	/v1            service token (bcrypt)    - entitlement and checkout API
//	/v1/webhooks   public, signature-checked - provider event intake
//	/internal/jobs cron secret               - scheduled job triggers
//
// Domain handler routes are registered via the route registrar slices, which
// are populated by the application entry point. That indirection avoids
// import cycles between core and handler packages.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.ServiceTokenMiddleware)
			for _, registrar := range s.V1RouteRegistrars {
				registrar(r)
			}
		})

		// Webhook routes skip the service token: providers authenticate by
		// payload signature inside the handlers.
		r.Route("/webhooks", func(r chi.Router) {
			for _, registrar := range s.WebhookRouteRegistrars {
				registrar(r)
			}
		})
	})

	s.router.Route("/internal/jobs", func(r chi.Router) {
		r.Use(s.CronSecretMiddleware)
		for _, registrar := range s.JobRouteRegistrars {
			registrar(r)
		}
	})

	s.router.Get("/health", s.HandleHealth)
}

// registerGlobalMiddleware applies middleware in strict order.
//
// Ordering Rationale:
//  1. Recoverer       - Catches panics; outermost to catch all failures.
//  2. ContextTimeout  - Sets soft deadline before Lambda hard timeout.
//  3. RequestID       - Generates/propagates correlation ID for tracing.
//  4. SecurityHeaders - Ensures all responses include security headers.
//  5. RequestLogger   - Structured logging (redacted headers).
//  6. CORS            - Browser security headers for the dashboard.
//  7. Metrics         - Request latency per route pattern.
//
// Authentication is per-zone (see MountRoutes), not global: webhook routes
// must stay reachable without a token so providers can deliver events.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(defaultRequestTimeout))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

// corsAllowedOrigins returns the CORS allowed origins from configuration.
func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Security.CorsAllowedOrigins) > 0 {
		return s.Config.Security.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
// The duration should be set to (Lambda Timeout - 1 second) to allow
// graceful cleanup before the Lambda hard timeout kills the process.
// If the context deadline is exceeded, downstream handlers receive a
// cancelled context; the response is controlled by the handler's behavior
// on context cancellation.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware generates or propagates a unique request ID for
// correlation across logs and traces. If the incoming request contains an
// X-Request-Id header, that value is reused; otherwise, a new random ID is
// generated.
//
// The request ID is stored in the context via types.WithRequestID and set as
// the X-Request-Id response header for client correlation.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = generateRequestID()
		}

		// Store in context for downstream access.
		ctx := types.WithRequestID(r.Context(), requestID)

		// Set the response header so clients can correlate responses.
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateRequestID produces a cryptographically random hex string suitable
// for use as a request correlation ID. It generates 16 random bytes encoded
// as 32 hex characters.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// Fallback: this should never happen in practice. If crypto/rand
		// fails, we still need a non-empty ID for correlation.
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}
