package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/metrocal/metrocal/cmd/metrocal/cli"
	"github.com/metrocal/metrocal/internal/app"
	"github.com/metrocal/metrocal/internal/observability"
	"github.com/metrocal/metrocal/internal/platform/cache"
	"github.com/metrocal/metrocal/internal/platform/db"
	"github.com/metrocal/metrocal/internal/shared"
	"github.com/metrocal/metrocal/internal/workorders"
	"github.com/metrocal/metrocal/jobs"
	"github.com/metrocal/metrocal/migrations"
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

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		jobsCLI := cli.NewJobsCLI(cfg.RedisAddr)
		code := jobsCLI.Run(ctx, os.Args[2:], os.Stdout, os.Stderr)
		_ = jobsCLI.Close()
		os.Exit(code)
	}

	logger := app.NewLogger(cfg)

	dbpool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

	if cfg.AutoMigrate {
		if err := migrations.Up(ctx, dbpool); err != nil {
			logger.Error("apply migrations", slog.Any("error", err))
			os.Exit(1)
		}
	}

	var redisClient *redis.Client
	if client, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis unavailable, tracking cache runs process-local", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	trackingCache := workorders.NewTrackingCache(redisClient, cfg.TrackingCacheTTL, cfg.TrackingLocalTTL)
	if err := trackingCache.ListenForInvalidation(ctx); err != nil {
		logger.Warn("tracking invalidation subscribe", slog.Any("error", err))
	}

	policy, err := workorders.ParsePhasePolicy(cfg.PhasePolicy)
	if err != nil {
		logger.Error("phase policy", slog.Any("error", err))
		os.Exit(1)
	}

	metrics := observability.NewMetrics()
	repo := workorders.NewRepository(dbpool, shared.NewIdempotencyStore(), shared.NewSystemLog())
	service := workorders.NewService(repo, workorders.ServiceConfig{
		Logger:         logger,
		MaxKeyAttempts: cfg.AccessKeyMaxAttempts,
		Cache:          trackingCache,
		Metrics:        metrics,
		Policy:         policy,
	})
	workOrderHandler := workorders.NewHandler(logger, service, cfg.PublicRateLimit)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		WorkOrderHandler: workOrderHandler,
		JobHandler:       jobs.NewHandler(inspector, logger),
		Metrics:          metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
