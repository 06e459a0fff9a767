// Package queue provides the SQS-based fanout publisher that notifies the
// rest of the platform about entitlement changes.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"leadscout/internal/config"
	"leadscout/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// BillingEventPublisher serializes BillingEvents and sends them to the
// billing-events SQS queue. Delivery is best-effort and at-least-once:
// the webhook reconciler and the lifecycle service both swallow publish
// failures, and consumers must tolerate duplicates.
//
// An empty queue URL disables fanout entirely (local development).
type BillingEventPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewBillingEventPublisher creates a publisher with the given SQS client and
// configuration. It reads the queue URL from the AWSConfig.
func NewBillingEventPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *BillingEventPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &BillingEventPublisher{
		client:   client,
		queueURL: awsCfg.BillingEventsQueue,
		logger:   logger,
	}
}

// PublishBillingEvent sends one entitlement-change message. Each message
// carries the event type as an SQS attribute so consumers can filter without
// deserializing the body.
func (p *BillingEventPublisher) PublishBillingEvent(ctx context.Context, event *types.BillingEvent) error {
	if p.queueURL == "" {
		p.logger.DebugContext(ctx, "billing event fanout disabled, dropping event",
			"workspace_id", event.WorkspaceID,
			"event", string(event.Event),
		)
		return nil
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal BillingEvent: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Event)),
			},
			"trace_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(traceIDFromContext(ctx)),
			},
		},
	}

	if _, err := p.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send BillingEvent to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "billing event published",
		"queue_url", p.queueURL,
		"workspace_id", event.WorkspaceID,
		"event", string(event.Event),
		"plan", string(event.Plan),
		"status", string(event.Status),
	)

	return nil
}

// traceIDFromContext returns the request trace id, minting one when the
// event originates outside an HTTP request (scheduled jobs).
func traceIDFromContext(ctx context.Context) string {
	if traceID := types.GetRequestID(ctx); traceID != "" {
		return traceID
	}
	return uuid.New().String()
}
