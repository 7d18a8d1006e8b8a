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

	"github.com/metrocal/metrocal/internal/app"
	jobmetrics "github.com/metrocal/metrocal/internal/jobs"
	"github.com/metrocal/metrocal/internal/observability"
	"github.com/metrocal/metrocal/internal/platform/cache"
	"github.com/metrocal/metrocal/internal/platform/db"
	"github.com/metrocal/metrocal/internal/shared"
	"github.com/metrocal/metrocal/internal/workorders"
	"github.com/metrocal/metrocal/jobs"
)

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

	pool, err := db.New(ctx, cfg.PGDSN, db.PoolOptions{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Mutations made by the worker still have to reach API replicas' caches.
	var trackingCache *workorders.RedisTrackingCache
	if redisClient, err := cache.New(ctx, cfg.RedisAddr); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		trackingCache = workorders.NewTrackingCache(redisClient, cfg.TrackingCacheTTL, cfg.TrackingLocalTTL)
	}

	idempotency := shared.NewIdempotencyStore()
	repo := workorders.NewRepository(pool, idempotency, shared.NewSystemLog())
	serviceCfg := workorders.ServiceConfig{Logger: logger, MaxKeyAttempts: cfg.AccessKeyMaxAttempts}
	if trackingCache != nil {
		serviceCfg.Cache = trackingCache
	}
	service := workorders.NewService(repo, serviceCfg)

	registry := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(registry.Registerer())
	dueJob := jobs.NewCalibrationDueJob(service, cfg.DueScanLeadDays, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(pool, idempotency, cfg.IdempotencyRetention, logger, metrics)

	dueTask, err := jobs.NewDueScanTask(cfg.DueScanLeadDays)
	if err != nil {
		logger.Error("build due scan task", slog.Any("error", err))
		os.Exit(1)
	}
	cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyRetention)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskCalibrationDueScan, Handler: dueJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.DueScanCron, Task: dueTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.IdempotencyCleanupCron, Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		inspector := asynq.NewInspector(redisOpts)
		defer func() { _ = inspector.Close() }()
		monitor := &http.Server{
			Addr:              cfg.WorkerMetricsAddr,
			Handler:           jobs.MonitorRouter(jobs.NewHandler(inspector, logger), registry.Handler()),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("worker metrics listening", slog.String("addr", cfg.WorkerMetricsAddr))
			if err := monitor.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("worker metrics server", slog.Any("error", err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := monitor.Shutdown(shutdownCtx); err != nil {
				logger.Warn("worker metrics shutdown", slog.Any("error", err))
			}
		}()
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
