package fees

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/shared"
)

// Engine resolves fees and commits usage.
type Engine struct {
	repo   Repository
	cache  *ConfigCache
	audit  shared.AuditPort
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine constructs the fee engine.
func NewEngine(repo Repository, cache *ConfigCache, audit shared.AuditPort, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{repo: repo, cache: cache, audit: audit, logger: logger, now: time.Now}
}

// WithNow overrides the clock for testing.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// Resolve evaluates the waiver rules in order; the first match wins.
func (e *Engine) Resolve(ctx context.Context, req Request) (Quote, error) {
	now := e.now()
	q := Quote{TransferType: req.TransferType, Waived: true, Reason: ReasonNoConfiguration}
	cfg, ok := e.cache.Active(req.TransferType, now)
	if !ok {
		return q, nil
	}
	daily, err := e.repo.DailyUsage(ctx, req.CustomerID, dayOf(now))
	if err != nil {
		return Quote{}, fmt.Errorf("fees: daily usage: %w", err)
	}
	monthly, err := e.repo.MonthlyUsage(ctx, req.CustomerID, monthOf(now))
	if err != nil {
		return Quote{}, fmt.Errorf("fees: monthly usage: %w", err)
	}

	q.ConfigID = cfg.ID
	q.ConfigName = cfg.Name
	q.BaseFee = cfg.BaseFee
	q.FeeAccount = cfg.FeeAccount
	// counters already include this transfer once it commits
	q.RemainingFreeToday = max(cfg.FreePerDay-daily.Count-1, 0)
	q.RemainingFreeMonth = max(cfg.FreePerMonth-monthly.Count-1, 0)

	switch {
	case req.Amount.Cmp(cfg.MinAmountForFee) < 0:
		q.Reason = ReasonBelowMinimum
	case daily.Count < cfg.FreePerDay:
		q.Reason = ReasonDailyFree
	case monthly.Count < cfg.FreePerMonth:
		q.Reason = ReasonMonthlyFree
	default:
		fee, err := feeFor(cfg, req.Amount)
		if err != nil {
			return Quote{}, err
		}
		q.Waived = false
		q.AppliedFee = fee
		q.Reason = ReasonStandard
		spent, err := daily.Amount.Add(req.Amount)
		if err != nil {
			return Quote{}, err
		}
		if spent.Cmp(cfg.MaxDailyFreeAmount) > 0 {
			q.Reason = ReasonDailyAmountExceeded
		}
	}
	return q, nil
}

func feeFor(cfg Config, amount money.Money) (money.Money, error) {
	pct, err := amount.MulBasisPoints(cfg.PercentBPS)
	if err != nil {
		return money.Zero, err
	}
	return cfg.BaseFee.Add(pct)
}

// Commit counts a settled transfer against the customer's allowances and
// writes the fee audit row. Replaying the same reference is a no-op.
func (e *Engine) Commit(ctx context.Context, ch Charge) error {
	// only transfers priced by a schedule draw on its allowance
	if ch.Quote.ConfigID == 0 {
		return nil
	}
	at := ch.SettledAt
	if at.IsZero() {
		at = e.now()
	}
	rec := UsageRecord{
		CustomerID: ch.CustomerID,
		Day:        dayOf(at),
		Month:      monthOf(at),
		Amount:     ch.Amount,
		Fee:        ch.Quote.AppliedFee,
		Transaction: FeeTransaction{
			ID:               uuid.NewString(),
			CustomerID:       ch.CustomerID,
			BranchID:         ch.BranchID,
			Reference:        ch.Reference,
			TransferType:     ch.Quote.TransferType,
			ConfigID:         ch.Quote.ConfigID,
			ConfigName:       ch.Quote.ConfigName,
			TransferAmount:   ch.Amount,
			BaseFee:          ch.Quote.BaseFee,
			AppliedFee:       ch.Quote.AppliedFee,
			Waived:           ch.Quote.Waived,
			Reason:           ch.Quote.Reason,
			FeeAccount:       ch.Quote.FeeAccount.String(),
			CounterpartyAcct: ch.Counterparty.Account,
			CounterpartyBank: ch.Counterparty.BankCode,
			CounterpartyName: ch.Counterparty.Name,
			CreatedAt:        at.UTC(),
		},
	}
	if err := e.repo.RecordUsage(ctx, rec); err != nil {
		return fmt.Errorf("fees: record usage: %w", err)
	}
	return nil
}

// Activate makes cfg the active schedule for its transfer type.
func (e *Engine) Activate(ctx context.Context, cfg Config) (Config, error) {
	saved, err := e.cache.Activate(ctx, cfg)
	if err != nil {
		return Config{}, err
	}
	if e.audit != nil {
		_ = e.audit.Record(ctx, shared.AuditLog{
			Action:   shared.AuditFeeConfigActivate,
			Entity:   "global_fee_config",
			EntityID: fmt.Sprintf("%d", saved.ID),
			Meta: map[string]any{
				"transfer_type": string(saved.TransferType),
				"base_fee":      saved.BaseFee.String(),
				"free_per_day":  saved.FreePerDay,
			},
			At: e.now(),
		})
	}
	e.logger.Info("fee configuration activated", slog.Int64("config_id", saved.ID), slog.String("transfer_type", string(saved.TransferType)))
	return saved, nil
}
