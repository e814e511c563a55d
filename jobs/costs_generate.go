package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/ledgerwise/wms/internal/costing"
	jobmetrics "github.com/ledgerwise/wms/internal/jobs"
	"github.com/ledgerwise/wms/internal/masterdata"
	"github.com/ledgerwise/wms/internal/shared"
)

// TaskGenerateCosts persists per-transaction handling costs for a period.
const TaskGenerateCosts = "costs:generate"

// CostGenerator writes per-transaction costs.
type CostGenerator interface {
	GenerateTransactionCosts(ctx context.Context, warehouseID int64, period shared.BillingPeriod, actorID int64) (costing.GenerateResult, error)
}

// WarehouseLister enumerates warehouses to fan out over.
type WarehouseLister interface {
	Warehouses(ctx context.Context, activeOnly bool) ([]masterdata.Warehouse, error)
}

// GenerateCostsJob generates transaction costs for one or every active warehouse.
type GenerateCostsJob struct {
	Service    CostGenerator
	Warehouses WarehouseLister
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewGenerateCostsJob constructs the job handler.
func NewGenerateCostsJob(service CostGenerator, warehouses WarehouseLister, logger *slog.Logger, metrics *jobmetrics.Metrics) *GenerateCostsJob {
	return &GenerateCostsJob{
		Service:    service,
		Warehouses: warehouses,
		Logger:     logger,
		Metrics:    metrics,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes the cost generation. Warehouses are processed in turn and a
// failing warehouse does not stop the others; the task fails if any did so
// asynq retries it, and reruns only insert what is missing.
func (j *GenerateCostsJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Service == nil || j.Warehouses == nil {
		return errors.New("generate costs: dependencies not configured")
	}
	payload, err := decodePayload(task)
	if err != nil {
		j.log().Warn("discarding task", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	period, err := resolvePeriod(payload.Period, j.now())
	if err != nil {
		j.log().Warn("discarding task", slog.String("period", payload.Period), slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	tracker := j.metrics().Track(TaskGenerateCosts)
	defer func() { err = tracker.End(err) }()

	ids, err := j.resolveWarehouses(ctx, payload)
	if err != nil {
		j.log().Error("list warehouses", slog.Any("error", err))
		return err
	}

	var errs []error
	created := 0
	for _, id := range ids {
		result, genErr := j.Service.GenerateTransactionCosts(ctx, id, period, 0)
		if genErr != nil {
			j.log().Error("generate costs", slog.Int64("warehouse_id", id), slog.String("period", period.Key()), slog.Any("error", genErr))
			errs = append(errs, fmt.Errorf("warehouse %d: %w", id, genErr))
			continue
		}
		created += result.Created
		if len(result.MissingRates) > 0 {
			j.log().Warn("transactions without rate", slog.Int64("warehouse_id", id), slog.Int("count", len(result.MissingRates)))
		}
	}
	j.metrics().AddItems(TaskGenerateCosts, created)
	j.log().Info("transaction costs generated",
		slog.String("period", period.Key()),
		slog.Int("warehouses", len(ids)),
		slog.Int("created", created),
		slog.Int("failed", len(errs)),
	)
	return errors.Join(errs...)
}

func (j *GenerateCostsJob) resolveWarehouses(ctx context.Context, payload PeriodPayload) ([]int64, error) {
	if payload.WarehouseID > 0 {
		return []int64{payload.WarehouseID}, nil
	}
	warehouses, err := j.Warehouses.Warehouses(ctx, true)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(warehouses))
	for _, wh := range warehouses {
		ids = append(ids, wh.ID)
	}
	return ids, nil
}

func (j *GenerateCostsJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *GenerateCostsJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskGenerateCosts))
	}
	return slog.Default().With(slog.String("job", TaskGenerateCosts))
}

func (j *GenerateCostsJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *GenerateCostsJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
