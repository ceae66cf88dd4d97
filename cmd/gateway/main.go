package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strandkasse/vipps-gateway/internal/api"
	"github.com/strandkasse/vipps-gateway/internal/application"
	"github.com/strandkasse/vipps-gateway/internal/config"
	pgstore "github.com/strandkasse/vipps-gateway/internal/infrastructure/persistence/postgres"
	"github.com/strandkasse/vipps-gateway/internal/infrastructure/vipps"
	"github.com/strandkasse/vipps-gateway/internal/middleware"
	"github.com/strandkasse/vipps-gateway/internal/webhook"
	"github.com/strandkasse/vipps-gateway/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logger)
	slog.SetDefault(logger)

	logger.Info("starting vipps gateway",
		"environment", cfg.Provider.Environment,
		"port", cfg.Server.Port,
	)

	ctx := context.Background()

	pool, err := pgstore.Connect(ctx, &cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	store := pgstore.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("failed to migrate database", "error", err)
		os.Exit(1)
	}

	var dedup application.Deduplicator
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		dedup = webhook.NewRedisDeduplicator(redisClient, cfg.Webhook.Retention)
	} else {
		logger.Warn("no redis configured, using in-memory webhook deduplication")
		dedup = webhook.NewMemoryDeduplicator(cfg.Webhook.Retention)
	}

	tokenCache := vipps.NewTokenCache(cfg.Provider, cfg.Retry, logger)
	providerClient := vipps.NewRetryClient(
		vipps.NewClient(cfg.Provider, tokenCache),
		cfg.Retry,
		cfg.Provider.Environment,
		logger,
	)

	machine := application.NewStateMachine(store, logger)
	payments := application.NewPaymentService(store, providerClient, machine, cfg.Webhook.CallbackURL, logger)

	validator, err := webhook.NewValidator(
		webhook.StoreSecrets{Store: store},
		cfg.Webhook.MerchantSecret,
		cfg.Webhook.AllowedCIDRs,
		cfg.Webhook.FreshnessWindow,
		logger,
	)
	if err != nil {
		logger.Error("failed to build webhook validator", "error", err)
		os.Exit(1)
	}
	if cfg.Webhook.AllowUnsigned {
		logger.Warn("webhook signature enforcement is DISABLED (degraded mode); failed signatures will be processed")
	}

	webhookHandler := webhook.NewHandler(store, validator, dedup, machine, cfg.Webhook.AllowUnsigned, logger)
	apiHandler := api.NewHandler(payments, logger)

	mux := http.NewServeMux()
	webhookHandler.RegisterRoutes(mux)
	apiHandler.RegisterRoutes(mux)

	handler := middleware.Recovery(logger)(mux)
	handler = middleware.Logging(logger)(handler)
	handler = middleware.Timeout(cfg.Server.ReadTimeout)(handler)

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	reconciler := worker.NewReconciler(
		store,
		providerClient,
		machine,
		cfg.Reconciler.Interval,
		cfg.Reconciler.Window,
		cfg.Reconciler.BatchSize,
		logger,
	)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	go reconciler.Start(workerCtx)

	go func() {
		logger.Info("webhook server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	cancelWorkers()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}

	logger.Info("server exited")
}

func newLogger(cfg config.LoggerConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
