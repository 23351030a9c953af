package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/thriftbank/thriftbank/cmd/thriftd/cli"
	"github.com/thriftbank/thriftbank/internal/app"
	"github.com/thriftbank/thriftbank/internal/auth"
	"github.com/thriftbank/thriftbank/internal/challenge"
	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/observability"
	"github.com/thriftbank/thriftbank/internal/platform/cache"
	"github.com/thriftbank/thriftbank/internal/platform/db"
	"github.com/thriftbank/thriftbank/internal/psp"
	"github.com/thriftbank/thriftbank/internal/transfer"
	"github.com/thriftbank/thriftbank/jobs"
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

	args := os.Args[1:]
	if len(args) == 0 || args[0] == "serve" {
		if err := serve(ctx, stop, cfg, logger); err != nil {
			logger.Error("serve", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}
	if err := runCommand(ctx, cfg, logger, args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, stop context.CancelFunc, cfg *app.Config, logger *slog.Logger) error {
	dbpool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("thriftd"))
	if err != nil {
		return err
	}
	defer dbpool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	svc, err := app.BuildServices(ctx, cfg, logger, dbpool, redisClient, metrics.Registerer())
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("services close", slog.Any("error", err))
		}
	}()

	ready, err := svc.FeeCache.Listen(ctx)
	if err != nil {
		logger.Warn("fee config invalidation unavailable", slog.Any("error", err))
	} else {
		<-ready
	}

	authService := auth.NewService(auth.NewRepository(dbpool), cfg.JWTSecret, cfg.JWTTokenTTL)

	inspector := asynq.NewInspector(cfg.RedisOptions().Queue())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:           logger,
		Config:           cfg,
		Metrics:          metrics,
		Auth:             authService,
		AuthHandler:      auth.NewHandler(logger, authService),
		TransferHandler:  transfer.NewHandler(logger, svc.Transfers, svc.Records),
		LedgerHandler:    ledger.NewHandler(logger, svc.Ledger, svc.Balances, customers.NewAccess(svc.Customers)),
		ChallengeHandler: challenge.NewHandler(logger, svc.Customers, svc.OTP, svc.PINs, svc.Activation),
		PSPHandler:       psp.NewHandler(logger, svc.PSP, svc.Virtual, svc.Customers),
		CustomersHandler: customers.NewHandler(logger, svc.Customers, svc.Cards),
		JobHandler:       jobs.NewHandler(inspector, logger),
		Webhook:          psp.NewWebhookHandler(cfg.PSPWebhookSecret, svc.Transfers, svc.Deliveries, cfg.PSPWebhookTimeout, logger),
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
	return nil
}

const usage = `usage:
  thriftd [serve]
  thriftd jobs trigger <transfer:status-poll|ledger:integrity>
  thriftd jobs stats
  thriftd fees activate -file <path|-> [-json]`

func runCommand(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) error {
	switch {
	case len(args) >= 2 && args[0] == "jobs":
		jc, err := cli.NewJobsCLI(cfg.RedisOptions().Queue())
		if err != nil {
			return err
		}
		defer jc.Close()
		switch {
		case args[1] == "trigger" && len(args) == 3:
			info, err := jc.Trigger(ctx, args[2])
			if err != nil {
				return err
			}
			fmt.Printf("enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return nil
		case args[1] == "stats":
			stats, err := jc.InspectQueues(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		}
	case len(args) >= 2 && args[0] == "fees" && args[1] == "activate":
		fs := flag.NewFlagSet("fees activate", flag.ContinueOnError)
		path := fs.String("file", "", "fee schedule JSON file, - for stdin")
		asJSON := fs.Bool("json", false, "print a JSON summary")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		return activateFees(ctx, cfg, logger, cli.FeeActivateOptions{Path: *path, JSONOutput: *asJSON})
	}
	return errors.New(usage)
}

func activateFees(ctx context.Context, cfg *app.Config, logger *slog.Logger, opts cli.FeeActivateOptions) error {
	pool, err := db.New(ctx, cfg.PGDSN, cfg.DBOptions("thriftd-cli"))
	if err != nil {
		return err
	}
	defer pool.Close()
	rdb, err := cache.New(ctx, cfg.RedisOptions())
	if err != nil {
		return err
	}
	defer rdb.Close()

	svc, err := app.BuildServices(ctx, cfg, logger, pool, rdb, nil)
	if err != nil {
		return err
	}
	defer svc.Close()
	return cli.RunFeeActivate(ctx, svc.Fees, opts)
}
