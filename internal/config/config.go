// Package config defines the global configuration for the LeadScout billing
// engine. Configuration is loaded once at process initialization (Lambda cold
// start or service boot) and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format aborts startup (fail fast):
// a billing engine running with half a config is worse than one that is down.
package config

import (
	"time"

	"leadscout/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the billing engine.
// It is populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"OTEL_SERVICE_NAME" default:"leadscout-billing"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	AWS           AWSConfig
	Stripe        StripeConfig
	MercadoPago   MercadoPagoConfig
	Billing       BillingConfig
	Jobs          JobsConfig
	Security      SecurityConfig
	Observability ObservabilityConfig

	// Build Metadata (injected via ldflags, not env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public URLs for checkout redirects (no trailing slash). Redirect
	// targets are always server-controlled, never taken from request bodies.
	APIExternalURL string `envconfig:"API_EXTERNAL_URL" validate:"required,url"`
	DashboardURL   string `envconfig:"DASHBOARD_URL" validate:"required,url"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	// Resolved from SSM or Env
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// BillingEventsQueue receives best-effort plan-change fanout messages.
	// Empty disables fanout (local development).
	BillingEventsQueue string `envconfig:"SQS_BILLING_EVENTS"`

	// LocalStack Support (empty in prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// StripeConfig holds the Stripe integration credentials.
type StripeConfig struct {
	SecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	WebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET" validate:"required"`

	// PriceIDs maps "plan_cycle" (e.g. "pro_monthly") to the Stripe Price id
	// for that plan, in envconfig map form:
	//
	//	STRIPE_PRICE_IDS=pro_monthly:price_123,pro_annual:price_456
	PriceIDs map[string]string `envconfig:"STRIPE_PRICE_IDS"`
}

// MercadoPagoConfig holds the Mercado Pago integration credentials.
type MercadoPagoConfig struct {
	AccessToken   SecretString `envconfig:"MP_ACCESS_TOKEN" validate:"required"`
	WebhookSecret SecretString `envconfig:"MP_WEBHOOK_SECRET" validate:"required"`
}

// BillingConfig holds engine-level billing behavior knobs.
type BillingConfig struct {
	// GracePeriod is how long a past_due workspace keeps its entitlements
	// before the sweeper downgrades it to free.
	GracePeriod time.Duration `envconfig:"BILLING_GRACE_PERIOD" default:"72h"`
}

// JobsConfig holds scheduled job tuning and the trigger secret.
type JobsConfig struct {
	// CronSecret authenticates the HTTP job trigger (X-Cron-Secret header).
	CronSecret SecretString `envconfig:"CRON_SECRET" validate:"required,min=32"`

	DowngradeBatchLimit  int           `envconfig:"JOBS_DOWNGRADE_BATCH_LIMIT" default:"100"`
	DowngradeConcurrency int           `envconfig:"JOBS_DOWNGRADE_CONCURRENCY" default:"4"`
	LockTTL              time.Duration `envconfig:"JOBS_LOCK_TTL" default:"15m"`

	// LedgerRetention is how long usage ledger rows stay queryable before
	// the prune job compacts them into archive blobs.
	LedgerRetention time.Duration `envconfig:"JOBS_LEDGER_RETENTION" default:"8760h"`
}

// SecurityConfig holds service-to-service authentication and CORS settings.
type SecurityConfig struct {
	// ServiceTokenHash is the bcrypt hash of the internal service token the
	// main application presents on /v1 calls. Only the hash is configured;
	// the plaintext never touches this process's config.
	ServiceTokenHash   SecretString `envconfig:"SERVICE_TOKEN_HASH" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ObservabilityConfig holds telemetry and monitoring settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"LeadScout/Billing"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
