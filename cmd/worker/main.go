package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thriftbank/thriftbank/internal/app"
	jobmetrics "github.com/thriftbank/thriftbank/internal/jobs"
	"github.com/thriftbank/thriftbank/internal/notify"
	"github.com/thriftbank/thriftbank/internal/platform/cache"
	"github.com/thriftbank/thriftbank/internal/platform/db"
	"github.com/thriftbank/thriftbank/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("thriftworker"))
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	svc, err := app.BuildServices(ctx, cfg, logger, pool, redisClient, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("services close", slog.Any("error", err))
		}
	}()

	metrics := jobmetrics.NewMetrics(nil)
	pollJob := jobs.NewStatusPollJob(svc.Transfers, logger, metrics)
	integrityJob := jobs.NewLedgerIntegrityJob(svc.Ledger, logger, metrics)
	notifyHandler := notify.NewHandler(notify.LogSender{Logger: logger}, logger)

	pollTask, err := jobs.NewStatusPollTask(jobs.StatusPollPayload{})
	if err != nil {
		logger.Error("build status poll task", slog.Any("error", err))
		os.Exit(1)
	}
	integrityTask, err := jobs.NewLedgerIntegrityTask(jobs.LedgerIntegrityPayload{WindowHours: 2})
	if err != nil {
		logger.Error("build integrity task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.RedisOptions().Queue(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Handlers: []jobs.TaskHandler{
			{Type: notify.TaskSend, Handler: notifyHandler.ProcessTask},
			{Type: jobs.TaskTransferStatusPoll, Handler: pollJob.Handle},
			{Type: jobs.TaskLedgerIntegrity, Handler: integrityJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.StatusPollCron, Task: pollTask},
			{Spec: cfg.LedgerIntegrityCron, Task: integrityTask},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
