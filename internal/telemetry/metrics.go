// Package telemetry emits operational metrics for the billing engine to
// CloudWatch: webhook intake, quota rejections, provider failures, and
// scheduled job outcomes.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"leadscout/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Metrics is the metric surface the handlers and jobs emit against.
// Emission is fire-and-forget: a metric failure never fails the operation
// that produced it.
type Metrics interface {
	// CountWebhook records one accepted or rejected webhook delivery.
	CountWebhook(ctx context.Context, name string, provider types.ProviderKind, eventType string)

	// CountQuotaRejection records one lead consumption denied at the limit.
	CountQuotaRejection(ctx context.Context, plan types.PlanKey)

	// CountProviderFailure records one failed provider API call.
	CountProviderFailure(ctx context.Context, provider types.ProviderKind)

	// CountFanoutFailure records one dropped billing event publish.
	CountFanoutFailure(ctx context.Context)

	// RecordJobResult records a scheduled job run: rows affected on success,
	// a JobFailure count otherwise.
	RecordJobResult(ctx context.Context, task types.JobTask, affected int64, failed bool)

	// RecordAPILatency records the handling duration of one API request.
	RecordAPILatency(ctx context.Context, endpoint string, duration time.Duration)
}

// CloudWatchMetrics implements Metrics against AWS CloudWatch.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// Compile-time assertion that CloudWatchMetrics implements Metrics.
var _ Metrics = (*CloudWatchMetrics)(nil)

// NewCloudWatchMetrics creates a publisher for the given namespace.
// An empty namespace falls back to the default one.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// CountWebhook emits MetricWebhookReceived or MetricWebhookRejected with
// Provider and EventType dimensions.
func (m *CloudWatchMetrics) CountWebhook(ctx context.Context, name string, provider types.ProviderKind, eventType string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimProvider), Value: aws.String(string(provider))},
			{Name: aws.String(types.DimEventType), Value: aws.String(eventType)},
		},
	})
}

// CountQuotaRejection emits QuotaRejection with the Plan dimension.
func (m *CloudWatchMetrics) CountQuotaRejection(ctx context.Context, plan types.PlanKey) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricQuotaRejection),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimPlan), Value: aws.String(string(plan))},
		},
	})
}

// CountProviderFailure emits ProviderFailure with the Provider dimension.
func (m *CloudWatchMetrics) CountProviderFailure(ctx context.Context, provider types.ProviderKind) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricProviderFailure),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimProvider), Value: aws.String(string(provider))},
		},
	})
}

// CountFanoutFailure emits FanoutFailure with no dimensions.
func (m *CloudWatchMetrics) CountFanoutFailure(ctx context.Context) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricFanoutFailure),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

// RecordJobResult emits JobItemsAffected on success and JobFailure on
// failure, both with the Task dimension.
func (m *CloudWatchMetrics) RecordJobResult(ctx context.Context, task types.JobTask, affected int64, failed bool) {
	dims := []cwtypes.Dimension{
		{Name: aws.String(types.DimTask), Value: aws.String(string(task))},
	}

	if failed {
		m.put(ctx, cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricJobFailure),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: dims,
		})
		return
	}

	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricJobItemsAffected),
		Value:      aws.Float64(float64(affected)),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims,
	})
}

// RecordAPILatency emits APILatency in milliseconds with the Endpoint
// dimension. The endpoint is the chi route pattern, not the raw path, to
// keep dimension cardinality bounded.
func (m *CloudWatchMetrics) RecordAPILatency(ctx context.Context, endpoint string, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String(types.DimEndpoint), Value: aws.String(endpoint)},
		},
	})
}

func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to put metric data",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}

// NoopMetrics implements Metrics by discarding everything. Used when
// metrics are disabled (local development, tests).
type NoopMetrics struct{}

var _ Metrics = NoopMetrics{}

func (NoopMetrics) CountWebhook(context.Context, string, types.ProviderKind, string) {}
func (NoopMetrics) CountQuotaRejection(context.Context, types.PlanKey)               {}
func (NoopMetrics) CountProviderFailure(context.Context, types.ProviderKind)         {}
func (NoopMetrics) CountFanoutFailure(context.Context)                               {}
func (NoopMetrics) RecordJobResult(context.Context, types.JobTask, int64, bool)     {}
func (NoopMetrics) RecordAPILatency(context.Context, string, time.Duration)          {}
