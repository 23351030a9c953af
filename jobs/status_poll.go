package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/thriftbank/thriftbank/internal/jobs"
)

const defaultPollLimit = 100

// Poller finishes dispatched transfers by asking the provider for their status.
type Poller interface {
	PollPending(ctx context.Context, limit int) (int, error)
}

// StatusPollJob drives Poller from the scheduler.
type StatusPollJob struct {
	Poller  Poller
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStatusPollJob initialises the poll handler.
func NewStatusPollJob(poller Poller, logger *slog.Logger, metrics *jobmetrics.Metrics) *StatusPollJob {
	return &StatusPollJob{Poller: poller, Logger: logger, Metrics: metrics}
}

// Handle executes one poll run.
func (j *StatusPollJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Poller == nil {
		return errors.New("status poll: handler not configured")
	}
	var payload StatusPollPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultPollLimit
	}

	tracker := j.metrics().Track(TaskTransferStatusPoll)
	resolved, err := j.Poller.PollPending(ctx, payload.Limit)
	j.metrics().AddResolved(resolved)
	if err != nil {
		j.logger().Error("status poll failed", slog.Int("resolved", resolved), slog.Any("error", err))
		return tracker.End(err)
	}
	if resolved > 0 {
		j.logger().Info("status poll resolved transfers", slog.Int("resolved", resolved))
	}
	return tracker.End(nil)
}

func (j *StatusPollJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTransferStatusPoll))
	}
	return slog.Default().With(slog.String("job", TaskTransferStatusPoll))
}

func (j *StatusPollJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
