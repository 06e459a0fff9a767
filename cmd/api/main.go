// Package main is the entry point for the LeadScout billing API server.
//
// It loads configuration (env + dotenv + SSM), builds the Postgres pool and
// AWS clients, wires the billing services into the core chassis, and starts
// serving.
//
// In local mode (APP_ENV=local), it runs as a standard HTTP server on the
// configured port. Inside AWS Lambda it bridges API Gateway events to the
// chi router via chiadapter.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	chiadapter "github.com/awslabs/aws-lambda-go-api-proxy/chi"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadscout/internal/api/handlers"
	"leadscout/internal/billing"
	"leadscout/internal/config"
	"leadscout/internal/core"
	"leadscout/internal/db"
	"leadscout/internal/external"
	"leadscout/internal/queue"
	"leadscout/internal/scheduler"
	"leadscout/internal/telemetry"
	"leadscout/internal/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(config.NewSSMProvider(os.Getenv("AWS_REGION")))
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("leadscout billing API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := newPool(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("creating database pool: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		pool.Close()
		return fmt.Errorf("loading AWS configuration: %w", err)
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

	// Repositories.
	workspaces := db.NewWorkspaceRepo(pool, logger)
	plans := db.NewPlanRepo(pool)
	ledger := db.NewUsageLedgerRepo(pool)
	locks := db.NewJobLockRepository(pool)
	history := db.NewJobHistoryRepository(pool)

	// Provider adapters.
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

	// Domain services.
	clock := types.RealClock{}
	catalog := billing.NewCatalog(plans, logger)
	redirects := types.RedirectURLs{
		Success: cfg.Server.DashboardURL + "/billing?checkout=success",
		Cancel:  cfg.Server.DashboardURL + "/billing?checkout=canceled",
	}
	billingSvc := billing.NewService(workspaces, catalog, registry, publisher, redirects, logger, clock)
	quotaSvc := billing.NewQuotaService(workspaces, ledger, catalog, logger, clock)
	reconciler := billing.NewReconciler(workspaces, catalog, publisher, cfg.Billing.GracePeriod, logger, clock)

	// Scheduled jobs, reachable through POST /internal/jobs/{task}.
	sweeper := scheduler.NewGraceSweeper(workspaces, catalog, logger)
	applier := scheduler.NewDowngradeApplier(workspaces, catalog, registry, publisher, metrics,
		cfg.Jobs.DowngradeBatchLimit, cfg.Jobs.DowngradeConcurrency, logger)
	pruner, err := scheduler.NewUsageLedgerPruner(ledger, cfg.Jobs.LedgerRetention, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating ledger pruner: %w", err)
	}
	dispatcher := scheduler.NewDispatcher(locks, history, metrics, clock, cfg.Jobs.LockTTL, logger)
	dispatcher.Register(types.TaskSweepGrace, sweeper.Sweep)
	dispatcher.Register(types.TaskApplyDowngrades, applier.Apply)
	dispatcher.Register(types.TaskPruneUsageLedger, pruner.Prune)

	// Server chassis and route registration.
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		pool.Close()
		return fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.HealthProbes = append(srv.HealthProbes, &dbProbe{pool: pool})
	srv.OnShutdown(func(context.Context) error {
		pool.Close()
		return nil
	})

	billingHandler := handlers.NewBillingHandler(billingSvc, quotaSvc, catalog, srv.Validator, metrics, logger)
	stripeWebhook := handlers.NewStripeWebhookHandler(&external.StripeVerifier{}, reconciler,
		cfg.Stripe.WebhookSecret.Unmask(), cfg.Stripe.PriceIDs, metrics, logger)
	mpWebhook := handlers.NewMercadoPagoWebhookHandler(&external.MercadoPagoVerifier{}, mpClient, reconciler,
		cfg.MercadoPago.WebhookSecret.Unmask(), metrics, logger)
	jobsHandler := handlers.NewJobsHandler(dispatcher, logger)

	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, billingHandler.RegisterRoutes)
	srv.WebhookRouteRegistrars = append(srv.WebhookRouteRegistrars,
		stripeWebhook.RegisterRoutes, mpWebhook.RegisterRoutes)
	srv.JobRouteRegistrars = append(srv.JobRouteRegistrars, jobsHandler.RegisterRoutes)
	srv.MountRoutes()

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}
	return runHTTPServer(srv, cfg, logger)
}

// newPool builds the pgx connection pool with the configured tuning knobs.
func newPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL.Unmask())
	if err != nil {
		return nil, fmt.Errorf("parsing database url: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.MaxConns)
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, err
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.AcquireTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// dbProbe reports database reachability for GET /health.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p *dbProbe) Name() string { return "database" }

func (p *dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runLambda bridges API Gateway proxy events to the chi router.
func runLambda(srv *core.Server, logger *slog.Logger) error {
	logger.Info("running in Lambda proxy mode")
	adapter := chiadapter.New(srv.Router())
	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
	return nil
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level:     lvl,
		AddSource: false,
	})
	return slog.New(handler)
}
