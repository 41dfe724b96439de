package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/octup/accounting-service/internal/app"
	"github.com/octup/accounting-service/internal/integration"
	jobmetrics "github.com/octup/accounting-service/internal/jobs"
	"github.com/octup/accounting-service/internal/oauthstate"
	"github.com/octup/accounting-service/internal/observability"
	platformdb "github.com/octup/accounting-service/internal/platform/db"
	"github.com/octup/accounting-service/internal/provider"
	"github.com/octup/accounting-service/internal/provider/quickbooks"
	"github.com/octup/accounting-service/internal/tokencipher"
	"github.com/octup/accounting-service/jobs"
)

func metricsMux(metrics *observability.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := platformdb.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	cipher, err := tokencipher.New(cfg.EncryptionKey)
	if err != nil {
		logger.Error("init token cipher", slog.Any("error", err))
		os.Exit(1)
	}

	registry := provider.NewRegistry(
		quickbooks.New(quickbooks.Config{
			ClientID:     cfg.QBOClientID,
			ClientSecret: cfg.QBOClientSecret,
			RedirectURI:  cfg.QBORedirectURI,
			Environment:  cfg.QBOEnvironment,
		}, logger),
		provider.NewStub(provider.SystemXero, "Xero", "Connect to Xero"),
		provider.NewStub(provider.SystemSage, "Sage", "Connect to Sage"),
	)

	enqueuer, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := enqueuer.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	service := integration.NewService(
		logger,
		integration.NewRepository(pool, logger),
		registry,
		oauthstate.NewCodec(cfg.OAuthStateSecret),
		cipher,
		integration.NewNotifier(cfg.OctupExternalBaseURL, logger),
		enqueuer,
	).WithMetrics(metrics)

	handlers := jobs.NewTaskHandlers(logger, service, jobMetrics, cfg.TokenRefreshWindow)

	metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metricsMux(metrics)}
	go func() {
		logger.Info("starting worker metrics server", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers.Registrations(),
		Cron: []jobs.CronRegistration{
			{Spec: jobs.TokenRefreshCronSpec, Task: jobs.NewTokenRefreshTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
