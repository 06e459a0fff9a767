// Package main is the entrypoint for the billing-jobs Lambda function.
//
// EventBridge rules send JSON payloads naming the JobTask, and the handler
// routes execution through the scheduler.Dispatcher, which owns the
// distributed run lock and job history bookkeeping. Consolidating the
// low-frequency billing jobs into a single Lambda keeps cold starts and
// infrastructure sprawl down; the same Dispatcher also backs the HTTP
// trigger in cmd/api, so both paths contend on the same lock.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadscout/internal/billing"
	"leadscout/internal/config"
	"leadscout/internal/db"
	"leadscout/internal/external"
	"leadscout/internal/queue"
	"leadscout/internal/scheduler"
	"leadscout/internal/telemetry"
	"leadscout/internal/types"
)

// Handler holds the dependencies wired during cold start and reused across
// invocations.
type Handler struct {
	dispatcher *scheduler.Dispatcher
	logger     *slog.Logger
}

// Response is the invocation result surfaced to EventBridge logs.
type Response struct {
	Task     types.JobTask `json:"task"`
	Affected int64         `json:"affected"`
}

// Handle executes one scheduled job run.
func (h *Handler) Handle(ctx context.Context, payload scheduler.JobPayload) (Response, error) {
	if payload.Task == "" {
		return Response{}, fmt.Errorf("empty task in job payload")
	}

	now := time.Now().UTC()
	if payload.ReferenceTime != nil {
		now = payload.ReferenceTime.UTC()
	}

	h.logger.InfoContext(ctx, "billing-jobs handler invoked",
		"task", string(payload.Task),
		"reference_time", now.Format(time.RFC3339),
	)

	affected, err := h.dispatcher.RunAt(ctx, payload.Task, now)
	if err != nil {
		return Response{Task: payload.Task, Affected: affected}, err
	}
	return Response{Task: payload.Task, Affected: affected}, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	logger.Info("billing-jobs Lambda initializing (cold start)")

	handler, err := buildHandler(context.Background(), logger)
	if err != nil {
		logger.Error("cold start failed", "error", err)
		os.Exit(1)
	}

	lambda.Start(handler.Handle)
}

// buildHandler wires the job services during cold start.
func buildHandler(ctx context.Context, logger *slog.Logger) (*Handler, error) {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	// One connection is enough: jobs run serially behind the lock.
	poolCfg.MaxConns = 2
	poolCfg.MinConns = 0
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}
	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if cfg.AWS.EndpointURL != "" {
			o.BaseEndpoint = &cfg.AWS.EndpointURL
		}
	})

	var metrics telemetry.Metrics = telemetry.NoopMetrics{}
	if cfg.Observability.EnableMetrics {
		metrics = telemetry.NewCloudWatchMetrics(cwClient, cfg.Observability.MetricNamespace, logger)
	}
	publisher := queue.NewBillingEventPublisher(sqsClient, cfg.AWS, logger)

	workspaces := db.NewWorkspaceRepo(pool, logger)
	plans := db.NewPlanRepo(pool)
	ledger := db.NewUsageLedgerRepo(pool)
	locks := db.NewJobLockRepository(pool)
	history := db.NewJobHistoryRepository(pool)

	catalog := billing.NewCatalog(plans, logger)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	stripeClient := external.NewStripeClient(httpClient, external.StripeConfig{
		SecretKey: cfg.Stripe.SecretKey.Unmask(),
		PriceIDs:  cfg.Stripe.PriceIDs,
		Logger:    logger,
	})
	mpClient := external.NewMercadoPagoClient(httpClient, external.MercadoPagoConfig{
		AccessToken: cfg.MercadoPago.AccessToken.Unmask(),
		Logger:      logger,
	})
	registry := billing.NewProviderRegistry(stripeClient, mpClient)

	sweeper := scheduler.NewGraceSweeper(workspaces, catalog, logger)
	applier := scheduler.NewDowngradeApplier(workspaces, catalog, registry, publisher, metrics,
		cfg.Jobs.DowngradeBatchLimit, cfg.Jobs.DowngradeConcurrency, logger)
	pruner, err := scheduler.NewUsageLedgerPruner(ledger, cfg.Jobs.LedgerRetention, logger)
	if err != nil {
		return nil, fmt.Errorf("creating ledger pruner: %w", err)
	}

	dispatcher := scheduler.NewDispatcher(locks, history, metrics, types.RealClock{}, cfg.Jobs.LockTTL, logger)
	dispatcher.Register(types.TaskSweepGrace, sweeper.Sweep)
	dispatcher.Register(types.TaskApplyDowngrades, applier.Apply)
	dispatcher.Register(types.TaskPruneUsageLedger, pruner.Prune)

	return &Handler{dispatcher: dispatcher, logger: logger}, nil
}
