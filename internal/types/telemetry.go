package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricWebhookReceived  = "WebhookReceived"
	MetricWebhookRejected  = "WebhookRejected"
	MetricJobItemsAffected = "JobItemsAffected"
	MetricJobFailure       = "JobFailure"
	MetricQuotaRejection   = "QuotaRejection"
	MetricProviderFailure  = "ProviderFailure"
	MetricFanoutFailure    = "FanoutFailure"
	MetricAPILatency       = "APILatency"

	// Dimension Keys
	DimProvider  = "Provider"
	DimEventType = "EventType"
	DimTask      = "Task"
	DimPlan      = "Plan"
	DimEndpoint  = "Endpoint"

	// Metric Namespace
	MetricNamespace = "LeadScout/Billing"
)
