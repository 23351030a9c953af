package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/thriftbank/thriftbank/internal/challenge"
	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/events"
	"github.com/thriftbank/thriftbank/internal/fees"
	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/notify"
	"github.com/thriftbank/thriftbank/internal/psp"
	"github.com/thriftbank/thriftbank/internal/shared"
	"github.com/thriftbank/thriftbank/internal/transfer"
)

// Services is the domain graph shared by the API server and the worker.
type Services struct {
	Ledger     *ledger.PGStore
	Balances   *ledger.BalanceService
	Customers  *customers.PGRepository
	Cards      *customers.CardService
	FeeCache   *fees.ConfigCache
	Fees       *fees.Engine
	PSP        *psp.Client
	Virtual    *psp.VirtualAccountService
	OTP        *challenge.OTPService
	PINs       *challenge.PINService
	Activation *challenge.ActivationService
	Records    *transfer.PGRepository
	Transfers  *transfer.Service
	Audit      *shared.AuditLogger
	Deliveries *shared.IdempotencyStore

	notifier *notify.Queue
	events   events.Publisher
}

// BuildServices wires repositories and services over the shared pools.
func BuildServices(ctx context.Context, cfg *Config, logger *slog.Logger, pool *pgxpool.Pool, rdb *redis.Client, registerer prometheus.Registerer) (*Services, error) {
	floatAccount, err := ledger.SplitAccount(cfg.PSPFloatAccount)
	if err != nil {
		return nil, fmt.Errorf("psp float account: %w", err)
	}
	otpAbove, err := money.Parse(cfg.OTPRequiredAbove)
	if err != nil {
		return nil, fmt.Errorf("otp threshold: %w", err)
	}

	s := &Services{
		Ledger:     ledger.NewPGStore(pool),
		Customers:  customers.NewPGRepository(pool),
		Records:    transfer.NewPGRepository(pool),
		Audit:      shared.NewAuditLogger(pool),
		Deliveries: shared.NewIdempotencyStore(pool),
	}
	s.Balances = ledger.NewBalanceService(s.Ledger)
	s.Cards = customers.NewCardService(customers.NewPGCardRepository(pool), s.Customers, s.Audit)

	feeRepo := fees.NewPGRepository(pool)
	s.FeeCache = fees.NewConfigCache(feeRepo, rdb, logger)
	if err := s.FeeCache.Load(ctx); err != nil {
		return nil, fmt.Errorf("load fee configs: %w", err)
	}
	s.Fees = fees.NewEngine(feeRepo, s.FeeCache, s.Audit, logger)

	s.PSP = psp.NewClient(psp.Config{
		Provider:   cfg.PSPProvider,
		BaseURLs:   cfg.PSPBaseURLs(),
		PublicKey:  cfg.PSPPublicKey,
		PrivateKey: cfg.PSPPrivateKey,
		Timeout:    cfg.PSPTimeout,
	}, logger,
		psp.WithTokenStore(psp.NewRedisTokenStore(rdb, cfg.PSPProvider)),
		psp.WithMetrics(psp.NewMetrics(registerer)),
	)
	s.Virtual = psp.NewVirtualAccountService(s.PSP, s.Customers, s.Audit, logger)

	s.notifier = notify.NewQueue(asynq.NewClient(cfg.RedisOptions().Queue()), logger)
	s.events = events.Publisher(events.Nop{Logger: logger})
	if cfg.AMQPURL != "" {
		pub, err := events.Dial(cfg.AMQPURL, logger)
		if err != nil {
			logger.Warn("amqp unavailable, events disabled", slog.Any("error", err))
		} else {
			s.events = pub
		}
	}

	s.OTP = challenge.NewOTPService(rdb, s.notifier, logger)
	s.PINs = challenge.NewPINService(s.Customers, s.Audit, logger)
	s.Activation = challenge.NewActivationService(rdb)

	s.Transfers = transfer.NewService(transfer.Dependencies{
		Ledger:    s.Ledger,
		Customers: s.Customers,
		Records:   s.Records,
		Fees:      s.Fees,
		OTP:       s.OTP,
		Gateway:   s.PSP,
		Attempts:  shared.NewAttemptCounter(rdb, "thriftbank"),
		Notifier:  s.notifier,
		Events:    s.events,
		Audit:     s.Audit,
		Metrics:   transfer.NewMetrics(registerer),
		Logger:    logger,
	}, transfer.Policy{
		FloatAccount:     floatAccount,
		OTPRequiredAbove: otpAbove,
		PINMaxFailures:   cfg.PINMaxFailures,
		PINFailureWindow: cfg.PINFailureWindow,
		PollAfter:        cfg.StatusPollAfter,
	})
	return s, nil
}

// Close releases the queue client and the event connection.
func (s *Services) Close() error {
	var first error
	if s.notifier != nil {
		first = s.notifier.Close()
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
