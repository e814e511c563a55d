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

	"github.com/ledgerwise/wms/internal/app"
	jobmetrics "github.com/ledgerwise/wms/internal/jobs"
	"github.com/ledgerwise/wms/jobs"
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

	container, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer container.Close(logger)

	metrics := jobmetrics.NewMetrics(container.Metrics.Registerer())
	storageJob := jobs.NewStorageWeeklyJob(container.Storage, logger, metrics)
	reconcileJob := jobs.NewReconciliationJob(container.Reconciliation, logger, metrics)
	costsJob := jobs.NewGenerateCostsJob(container.Costing, container.MasterData, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(container.Idempotency, cfg.IdempotencyTTL, logger, metrics)

	storageTask, err := jobs.NewStorageWeeklyTask(0)
	if err != nil {
		logger.Error("build storage task", slog.Any("error", err))
		os.Exit(1)
	}
	reconcileTask, err := jobs.NewReconciliationTask(0, jobs.PeriodPrevious)
	if err != nil {
		logger.Error("build reconciliation task", slog.Any("error", err))
		os.Exit(1)
	}
	costsTask, err := jobs.NewGenerateCostsTask(0, jobs.PeriodCurrent)
	if err != nil {
		logger.Error("build costs task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskStorageWeekly, Handler: storageJob.Handle},
			{Type: jobs.TaskReconciliationRun, Handler: reconcileJob.Handle},
			{Type: jobs.TaskGenerateCosts, Handler: costsJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.StorageCron, Task: storageTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.ReconcileCron, Task: reconcileTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: cfg.CostsCron, Task: costsTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "0 3 * * *", Task: jobs.NewIdempotencyCleanupTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.WorkerMetricsAddr != "" {
		metricsServer := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: container.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server", slog.Any("error", err))
			}
		}()
		defer func() { _ = metricsServer.Close() }()
	}

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
