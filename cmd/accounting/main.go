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
	"github.com/octup/accounting-service/internal/oauthstate"
	"github.com/octup/accounting-service/internal/observability"
	"github.com/octup/accounting-service/internal/platform/cache"
	platformdb "github.com/octup/accounting-service/internal/platform/db"
	"github.com/octup/accounting-service/internal/provider"
	"github.com/octup/accounting-service/internal/provider/quickbooks"
	"github.com/octup/accounting-service/internal/shared"
	"github.com/octup/accounting-service/internal/tokencipher"
	"github.com/octup/accounting-service/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

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
	sessions := shared.NewSessionCache(redisClient, logger, cfg.SessionTTL)

	service := integration.NewService(
		logger,
		integration.NewRepository(pool, logger),
		registry,
		oauthstate.NewCodec(cfg.OAuthStateSecret),
		cipher,
		integration.NewNotifier(cfg.OctupExternalBaseURL, logger),
		enqueuer,
	).WithMetrics(metrics)

	handler := integration.NewHandler(logger, service, sessions)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		IntegrationHandler: handler,
		JobsHandler:        jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
