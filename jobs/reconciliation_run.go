package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/ledgerwise/wms/internal/jobs"
	"github.com/ledgerwise/wms/internal/reconciliation"
	"github.com/ledgerwise/wms/internal/shared"
)

// TaskReconciliationRun matches pending invoices of a period against costs.
const TaskReconciliationRun = "reconciliation:run"

// Reconciler runs invoice reconciliation.
type Reconciler interface {
	Run(ctx context.Context, req reconciliation.RunRequest) (reconciliation.RunSummary, error)
}

// ReconciliationJob reconciles every invoice of the resolved period.
type ReconciliationJob struct {
	Service Reconciler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewReconciliationJob constructs the job handler.
func NewReconciliationJob(service Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconciliationJob {
	return &ReconciliationJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// Handle executes a reconciliation run. Per-invoice failures are logged and
// left for the next run; only a failure of the run itself is retried.
func (j *ReconciliationJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("reconciliation run: service not configured")
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

	tracker := j.metrics().Track(TaskReconciliationRun)
	defer func() { err = tracker.End(err) }()

	summary, err := j.Service.Run(ctx, reconciliation.RunRequest{WarehouseID: payload.scope(), Period: &period})
	if errors.Is(err, shared.ErrRunInProgress) {
		j.log().Info("reconciliation already in progress", slog.String("period", period.Key()))
		return nil
	}
	if err != nil {
		j.log().Error("reconciliation run", slog.String("period", period.Key()), slog.Any("error", err))
		return err
	}
	j.metrics().AddItems(TaskReconciliationRun, summary.RowsCreated)
	for _, failure := range summary.Failures {
		j.log().Warn("invoice not reconciled",
			slog.String("invoice_number", failure.InvoiceNumber),
			slog.String("error", failure.Error),
		)
	}
	j.log().Info("reconciliation finished",
		slog.String("run_id", summary.RunID),
		slog.String("period", period.Key()),
		slog.Int("processed", summary.Processed),
		slog.Int("skipped", summary.Skipped),
		slog.Int("failed", len(summary.Failures)),
	)
	return nil
}

func (j *ReconciliationJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ReconciliationJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskReconciliationRun))
	}
	return slog.Default().With(slog.String("job", TaskReconciliationRun))
}

func (j *ReconciliationJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *ReconciliationJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
