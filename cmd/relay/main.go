// Package main is the entry point for the boommelding relay.
//
// The relay accepts ArcGIS feature-service webhooks on POST /arcgis-webhook
// and mails a notification for every tree reported with a tracked disease.
//
// Startup:
//  1. Load configuration and build the JSON logger.
//  2. Log a warning for every missing mail setting.
//  3. Build metrics (CloudWatch when ENABLE_METRICS is set).
//  4. Build outbound clients, the normalizer and the dispatcher.
//  5. Mount the webhook and health routes.
//  6. Serve through lambda.Start under the Lambda runtime, else over HTTP
//     until SIGINT or SIGTERM, then flush queued metrics.
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

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"golang.org/x/sync/errgroup"

	"boommelding/internal/api/handlers"
	"boommelding/internal/config"
	"boommelding/internal/core"
	"boommelding/internal/external"
	"boommelding/internal/ingest"
	ncore "boommelding/internal/notifications/core"
	"boommelding/internal/notifications/email"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// metricsSink is what both the dispatcher and the request middleware need.
type metricsSink interface {
	ncore.DeliveryMetrics
	ncore.RequestMetrics
	Close(ctx context.Context) error
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("boommelding relay starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
	)

	for _, w := range cfg.Email.Warnings() {
		logger.Warn("email configuration incomplete", "detail", w)
	}

	ctx := context.Background()
	metrics, err := newMetrics(ctx, cfg, logger)
	if err != nil {
		return err
	}

	srv, err := buildServer(cfg, logger, metrics)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		logger.Info("running under the Lambda runtime")
		lambda.Start(core.LambdaHandler(srv.Handler()))
		return nil
	}

	serveErr := runHTTPServer(ctx, srv, cfg, logger)

	flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metrics.Close(flushCtx); err != nil {
		logger.Warn("metrics not fully flushed", "error", err)
	}

	return serveErr
}

// buildServer wires every component behind the HTTP surface.
func buildServer(cfg *config.Config, logger *slog.Logger, metrics metricsSink) (*core.Server, error) {
	clients, err := external.NewClientRegistry(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("building clients: %w", err)
	}

	dispatcher, err := email.NewDispatcher(email.DispatcherConfig{
		Email:   cfg.Email,
		API:     clients.EmailAPI,
		SMTP:    clients.SMTP,
		Metrics: metrics,
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("building dispatcher: %w", err)
	}
	logger.Info("email backend selected", "backend", string(dispatcher.ActiveBackend()))

	normalizer := ingest.NewNormalizer(clients.Feed,
		ingest.WithLogger(logger),
		ingest.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	)
	webhook := handlers.NewArcGISWebhookHandler(normalizer, dispatcher, cfg.Server.MaxBodyBytes, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}
	srv.Metrics = metrics
	srv.HealthChecks = append(srv.HealthChecks, email.DeliveryCheck{Dispatcher: dispatcher})
	srv.RouteRegistrars = append(srv.RouteRegistrars, webhook.RegisterRoutes)
	srv.MountRoutes()

	return srv, nil
}

// newMetrics returns CloudWatch metrics when enabled, otherwise a no-op.
func newMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (metricsSink, error) {
	if !cfg.Observability.EnableMetrics {
		return ncore.NoopMetrics{}, nil
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Observability.AWSRegion))
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration: %w", err)
	}

	logger.Info("CloudWatch metrics enabled",
		"namespace", cfg.Observability.MetricNamespace,
		"region", cfg.Observability.AWSRegion,
	)
	return ncore.NewCloudWatchMetrics(cloudwatch.NewFromConfig(awsCfg), cfg.Observability.MetricNamespace, logger), nil
}

// isLambdaEnvironment reports whether the process runs inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer serves until a shutdown signal arrives or the listener fails,
// then drains in-flight requests.
func runHTTPServer(ctx context.Context, srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a JSON slog.Logger on stdout at the given level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
