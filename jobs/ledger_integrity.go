package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/thriftbank/thriftbank/internal/jobs"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// ImbalanceScanner lists posting groups that do not net to zero.
type ImbalanceScanner interface {
	UnbalancedGroups(ctx context.Context, since time.Time) ([]ledger.Imbalance, error)
}

// LedgerIntegrityJob reports unbalanced posting groups across every branch.
type LedgerIntegrityJob struct {
	Scanner ImbalanceScanner
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewLedgerIntegrityJob initialises the integrity handler.
func NewLedgerIntegrityJob(scanner ImbalanceScanner, logger *slog.Logger, metrics *jobmetrics.Metrics) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{
		Scanner: scanner,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithNow overrides the clock for testing.
func (j *LedgerIntegrityJob) WithNow(now func() time.Time) {
	if now != nil {
		j.clock = now
	}
}

// Handle executes the scan. Imbalances are reported, not treated as job failures.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Scanner == nil {
		return errors.New("ledger integrity: handler not configured")
	}
	var payload LedgerIntegrityPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.WindowHours <= 0 {
		payload.WindowHours = 24
	}
	_, err := j.Run(ctx, time.Duration(payload.WindowHours)*time.Hour)
	return err
}

// Run scans groups written within window and returns the imbalances found.
func (j *LedgerIntegrityJob) Run(ctx context.Context, window time.Duration) ([]ledger.Imbalance, error) {
	tracker := j.metrics().Track(TaskLedgerIntegrity)
	since := j.now().Add(-window)
	logger := j.logger().With(slog.Time("since", since))

	found, err := j.Scanner.UnbalancedGroups(tenant.Unscoped(ctx), since)
	if err != nil {
		logger.Error("integrity scan failed", slog.Any("error", err))
		return nil, tracker.End(err)
	}
	for _, imb := range found {
		logger.Warn("unbalanced posting group",
			slog.String("trx_no", imb.TrxNo),
			slog.String("sum", imb.Sum.String()),
			slog.Int("credits", imb.Credits),
			slog.Int("debits", imb.Debits),
		)
	}
	j.metrics().AddImbalances(len(found))
	logger.Info("integrity scan completed", slog.Int("imbalances", len(found)))
	return found, tracker.End(nil)
}

func (j *LedgerIntegrityJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskLedgerIntegrity))
	}
	return slog.Default().With(slog.String("job", TaskLedgerIntegrity))
}

func (j *LedgerIntegrityJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *LedgerIntegrityJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
