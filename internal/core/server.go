// Package core provides the API chassis for the LeadScout billing engine.
// It creates a chi router compatible with both standard HTTP (for local dev)
// and AWS Lambda Proxy Integration (via chiadapter). It enforces cross-cutting
// concerns such as authentication, logging, observability, and error handling
// before requests reach domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"leadscout/internal/config"
	"leadscout/internal/telemetry"
)

// RouteRegistrar mounts a set of domain handler routes onto a router group.
// Registrars are populated by the application entry point, which avoids
// import cycles between core and handler packages.
type RouteRegistrar func(chi.Router)

// Server encapsulates all dependencies for the billing API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   telemetry.Metrics

	// HealthProbes are checked concurrently by GET /health.
	HealthProbes []HealthProbe

	// Route registrars per trust zone. V1 routes sit behind the service
	// token; webhook routes are public (signature-verified); job routes
	// sit behind the cron secret.
	V1RouteRegistrars      []RouteRegistrar
	WebhookRouteRegistrars []RouteRegistrar
	JobRouteRegistrars     []RouteRegistrar

	// Internal router
	router *chi.Mux

	// shutdownFns run in registration order during Shutdown.
	shutdownFns []func(context.Context) error
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a "fail-fast" check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction and after populating the route registrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Metrics:   telemetry.NoopMetrics{},
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
// Used by http.ListenAndServe (local) and chiadapter.New (Lambda).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers a cleanup function (database pool close, log flush)
// to run during Shutdown, in registration order.
func (s *Server) OnShutdown(fn func(context.Context) error) {
	s.shutdownFns = append(s.shutdownFns, fn)
}

// Shutdown performs a graceful termination of server resources by running
// all registered cleanup functions. The first error aborts the sequence.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	for _, fn := range s.shutdownFns {
		if err := fn(ctx); err != nil {
			s.Logger.Error("shutdown cleanup failed", "error", err)
			return fmt.Errorf("shutdown cleanup: %w", err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
