package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"leadscout/internal/config"
	"leadscout/internal/core"
)

// setTestEnv provides the minimal required configuration. APP_ENV=local keeps
// the loader away from SSM.
func setTestEnv(t *testing.T) {
	t.Helper()
	t.Setenv("APP_ENV", "local")
	t.Setenv("DATABASE_URL", "postgres://leadscout:pw@localhost:5432/leadscout_test")
	t.Setenv("API_EXTERNAL_URL", "http://localhost:8080")
	t.Setenv("DASHBOARD_URL", "http://localhost:3000")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_123")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_123")
	t.Setenv("MP_ACCESS_TOKEN", "APP_USR-123")
	t.Setenv("MP_WEBHOOK_SECRET", "mp_secret")
	t.Setenv("CRON_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("SERVICE_TOKEN_HASH", "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy")
	t.Setenv("ENABLE_METRICS", "false")
}

// buildTestServer assembles the routing chassis without a database or AWS
// clients, registering stub routes in each trust zone so middleware behavior
// is observable.
func buildTestServer(t *testing.T) *core.Server {
	t.Helper()

	cfg, err := config.LoadConfig(nil)
	if err != nil {
		t.Fatalf("loading config: %v", err)
	}

	srv, err := core.NewServer(cfg, newLogger("error"))
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}

	ok := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Get("/plans", ok)
	})
	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars, func(r chi.Router) {
		r.Post("/stripe", ok)
	})
	srv.JobRouteRegistrars = append(srv.JobRouteRegistrars, func(r chi.Router) {
		r.Post("/{task}", ok)
	})

	srv.MountRoutes()
	return srv
}

func TestHealthEndpoint(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding health response: %v", err)
	}
	if body.Status != "healthy" {
		t.Errorf("expected status healthy, got %q", body.Status)
	}
}

func TestV1RequiresServiceToken(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", rec.Code)
	}
}

func TestV1RejectsInvalidServiceToken(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/plans", nil)
	req.Header.Set("Authorization", "Bearer not-the-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for a bad token, got %d", rec.Code)
	}
}

func TestWebhooksSkipServiceToken(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/stripe", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("webhook intake must not require the service token, got %d", rec.Code)
	}
}

func TestJobsRequireCronSecret(t *testing.T) {
	setTestEnv(t)
	srv := buildTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/internal/jobs/sweep-grace", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without the cron secret, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/internal/jobs/sweep-grace", nil)
	req.Header.Set("X-Cron-Secret", "0123456789abcdef0123456789abcdef")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with the cron secret, got %d", rec.Code)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tc := range tests {
		logger := newLogger(tc.level)
		if !logger.Enabled(context.Background(), tc.want) {
			t.Errorf("level %q: expected %v to be enabled", tc.level, tc.want)
		}
		if logger.Enabled(context.Background(), tc.want-1) {
			t.Errorf("level %q: expected %v to be disabled", tc.level, tc.want-1)
		}
	}
}

func TestIsLambdaEnvironment(t *testing.T) {
	if isLambdaEnvironment() {
		t.Skip("running inside Lambda")
	}
	t.Setenv("AWS_LAMBDA_RUNTIME_API", "127.0.0.1:9001")
	if !isLambdaEnvironment() {
		t.Error("expected Lambda detection via AWS_LAMBDA_RUNTIME_API")
	}
}
