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
	"github.com/ledgerwise/wms/internal/costing"
	"github.com/ledgerwise/wms/internal/inventory"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/reconciliation"
	"github.com/ledgerwise/wms/internal/storageledger"
	"github.com/ledgerwise/wms/jobs"
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

	container, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer container.Close(logger)

	if err := container.Cache.Subscribe(ctx, func(key string, version int64) {
		logger.Debug("cost summary invalidated", slog.String("key", key), slog.Int64("version", version))
	}); err != nil {
		logger.Warn("subscribe cache invalidations", slog.Any("error", err))
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:  logger,
		Config:  cfg,
		Metrics: container.Metrics,
		Checks:  container.Checks(),
		InventoryHandler:      inventory.NewHandler(logger, container.Inventory),
		StorageHandler:        storageledger.NewHandler(logger, container.Storage),
		CostingHandler:        costing.NewHandler(logger, container.Costing),
		ReconciliationHandler: reconciliation.NewHandler(logger, container.Reconciliation),
		MasterDataHandler:     masterdata.NewHandler(logger, container.MasterData),
		JobHandler:            jobs.NewHandler(inspector, jobClient, logger),
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
