package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerwise/wms/internal/jobs"
	"github.com/ledgerwise/wms/internal/shared"
	"github.com/ledgerwise/wms/internal/storageledger"
)

// TaskStorageWeekly prices the Mondays of the open billing periods.
const TaskStorageWeekly = "storage:weekly"

// StorageCalculator is the part of the storage ledger the job drives.
type StorageCalculator interface {
	Calculate(ctx context.Context, start, end time.Time, warehouseID *int64) (storageledger.RunResult, error)
}

// StorageWeeklyJob recalculates storage charges from the start of last week's
// billing period through today.
type StorageWeeklyJob struct {
	Calculator StorageCalculator
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewStorageWeeklyJob constructs the job handler.
func NewStorageWeeklyJob(calc StorageCalculator, logger *slog.Logger, metrics *jobmetrics.Metrics) *StorageWeeklyJob {
	return &StorageWeeklyJob{
		Calculator: calc,
		Logger:     logger,
		Metrics:    metrics,
		clock:      func() time.Time { return time.Now().UTC() },
	}
}

// Span returns the date range a run at now covers. Starting from the period
// that contained last Monday finalises a period that closed mid-week.
func (j *StorageWeeklyJob) Span(now time.Time) (time.Time, time.Time) {
	today := shared.DateOf(now)
	return shared.PeriodFor(today.AddDate(0, 0, -7)).Start, today
}

// Handle executes the weekly storage calculation.
func (j *StorageWeeklyJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Calculator == nil {
		return errors.New("storage weekly: calculator not configured")
	}
	payload, err := decodePayload(task)
	if err != nil {
		j.log().Warn("discarding task", slog.Any("error", err))
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	tracker := j.metrics().Track(TaskStorageWeekly)
	defer func() { err = tracker.End(err) }()

	start, end := j.Span(j.now())
	result, err := j.Calculator.Calculate(ctx, start, end, payload.scope())
	if errors.Is(err, shared.ErrRunInProgress) {
		j.log().Info("storage run already in progress", slog.Time("start", start), slog.Time("end", end))
		return nil
	}
	if err != nil {
		j.log().Error("storage calculation", slog.Time("start", start), slog.Time("end", end), slog.Any("error", err))
		return err
	}
	j.metrics().AddItems(TaskStorageWeekly, result.Created+result.Updated)
	if len(result.Warnings) > 0 {
		j.log().Warn("storage calculation skipped balances", slog.Int("missing_configuration", len(result.Warnings)))
	}
	j.log().Info("storage ledger calculated",
		slog.String("run_id", result.RunID),
		slog.Int("mondays", result.Mondays),
		slog.Int("created", result.Created),
		slog.Int("updated", result.Updated),
		slog.String("total", result.TotalCost.String()),
	)
	return nil
}

func (j *StorageWeeklyJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StorageWeeklyJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStorageWeekly))
	}
	return slog.Default().With(slog.String("job", TaskStorageWeekly))
}

func (j *StorageWeeklyJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *StorageWeeklyJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
