package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerwise/wms/internal/costing"
	"github.com/ledgerwise/wms/internal/inventory"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/observability"
	"github.com/ledgerwise/wms/internal/platform/cache"
	"github.com/ledgerwise/wms/internal/platform/db"
	"github.com/ledgerwise/wms/internal/reconciliation"
	"github.com/ledgerwise/wms/internal/shared"
	"github.com/ledgerwise/wms/internal/storageledger"
)

// Container holds the connections and domain services shared by the HTTP
// server and the worker.
type Container struct {
	Pool    *pgxpool.Pool
	Redis   *redis.Client
	Metrics *observability.Metrics

	Idempotency    *shared.IdempotencyStore
	Cache          *costing.Cache
	MasterData     *masterdata.Service
	Inventory      *inventory.Service
	Storage        *storageledger.Calculator
	Costing        *costing.Service
	Reconciliation *reconciliation.Service
}

// Build connects to PostgreSQL and Redis and wires the services. The caller
// owns the container and must Close it.
func Build(ctx context.Context, cfg *Config, logger *slog.Logger) (*Container, error) {
	tolerance, err := cfg.Tolerance()
	if err != nil {
		return nil, err
	}
	pool, err := db.New(ctx, cfg.PGDSN, db.PoolConfig{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		for _, name := range applied {
			logger.Info("applied migration", slog.String("name", name))
		}
	}

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		pool.Close()
		return nil, err
	}

	metrics := observability.NewMetrics()
	audit := shared.NewAuditLogger(pool)
	idempotency := shared.NewIdempotencyStore(pool)
	lock := shared.NewRunLock(redisClient, cfg.RunLockTTL)
	summaries := costing.NewCache(redisClient, cfg.SummaryCacheTTL)

	masterdataService := masterdata.NewService(masterdata.NewRepository(pool), audit, logger)
	inventoryService := inventory.NewService(inventory.NewRepository(pool), masterdataService, audit, idempotency, inventory.ServiceConfig{
		Retry:       cfg.RetryPolicy(),
		Logger:      logger,
		Metrics:     inventory.NewMetrics(metrics.Registerer()),
		Invalidator: summaries,
	})
	calculator := storageledger.NewCalculator(inventoryService, masterdataService, storageledger.NewRepository(pool), storageledger.Config{
		Matcher:     cfg.StorageMatcher(),
		Lock:        lock,
		Invalidator: summaries,
		Logger:      logger,
		Workers:     cfg.StorageWorkers,
	})
	costingService := costing.NewService(inventoryService, calculator, masterdataService, costing.NewRepository(pool), audit, costing.Config{
		Cache:  summaries,
		Logger: logger,
	})
	reconciliationService := reconciliation.NewService(reconciliation.NewRepository(pool), costingService, masterdataService, audit, reconciliation.Config{
		Tolerance: tolerance,
		Lock:      lock,
		Metrics:   reconciliation.NewMetrics(metrics.Registerer()),
		Logger:    logger,
		Workers:   cfg.ReconcileWorkers,
	})

	return &Container{
		Pool:           pool,
		Redis:          redisClient,
		Metrics:        metrics,
		Idempotency:    idempotency,
		Cache:          summaries,
		MasterData:     masterdataService,
		Inventory:      inventoryService,
		Storage:        calculator,
		Costing:        costingService,
		Reconciliation: reconciliationService,
	}, nil
}

// Checks returns the dependency probes served on /healthz.
func (c *Container) Checks() map[string]Pinger {
	return map[string]Pinger{
		"postgres": c.Pool.Ping,
		"redis":    cache.Ping(c.Redis),
	}
}

// Close releases the connections.
func (c *Container) Close(logger *slog.Logger) {
	if c == nil {
		return
	}
	if err := c.Redis.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}
	c.Pool.Close()
}
