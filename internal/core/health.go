package core

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the whole probe sweep. Load balancers poll this
// endpoint aggressively; a hung dependency must surface as 503, not as a
// hung request.
const healthCheckTimeout = 2 * time.Second

// HealthProbe is one critical dependency checked by GET /health. The API
// process registers its Postgres pool; other deployables register whatever
// they cannot run without.
type HealthProbe interface {
	// Name identifies the probe in the response body (e.g. "database").
	Name() string

	// Check reports whether the subsystem is reachable. It must respect the
	// context deadline.
	Check(ctx context.Context) error
}

// componentStatus is the per-dependency entry in the health response.
type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// healthResponse is the GET /health body.
type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// probeOutcome pairs a probe name with its result for channel collection.
type probeOutcome struct {
	name string
	err  error
}

// HandleHealth runs every registered probe concurrently under a shared
// 2 second deadline and reports 200 when all pass, 503 otherwise. Probes
// that have not answered when the deadline fires are reported as timed out.
// The endpoint is public and mounted at GET /health.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	probes := s.HealthProbes
	if len(probes) == 0 {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	outcomes := make(chan probeOutcome, len(probes))
	for _, probe := range probes {
		go func(p HealthProbe) {
			outcomes <- probeOutcome{name: p.Name(), err: runProbe(ctx, p)}
		}(probe)
	}

	// Collect until every probe reported or the deadline fired. The channel
	// is buffered, so stragglers finishing after the deadline never block.
	settled := make(map[string]error, len(probes))
collect:
	for range probes {
		select {
		case outcome := <-outcomes:
			settled[outcome.name] = outcome.err
		case <-ctx.Done():
			break collect
		}
	}

	healthy := true
	components := make(map[string]componentStatus, len(probes))
	for _, probe := range probes {
		name := probe.Name()
		err, answered := settled[name]
		switch {
		case !answered:
			healthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: "health check timed out"}
		case err != nil:
			healthy = false
			components[name] = componentStatus{Status: "unhealthy", Message: err.Error()}
		default:
			components[name] = componentStatus{Status: "healthy"}
		}
	}

	if healthy {
		JSON(w, r, http.StatusOK, healthResponse{Status: "healthy", Components: components})
		return
	}
	JSON(w, r, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Components: components})
}

// runProbe shields the handler from a panicking probe; a broken dependency
// check reads as unhealthy, never as a crashed health endpoint.
func runProbe(ctx context.Context, p HealthProbe) (err error) {
	defer func() {
		if rvr := recover(); rvr != nil {
			err = fmt.Errorf("probe panicked: %v", rvr)
		}
	}()
	return p.Check(ctx)
}
