package fees

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/platform/db"
)

// PGRepository persists fee configuration and usage in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) ActiveConfigs(ctx context.Context) ([]Config, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, transfer_type, base_fee::text, percent_bps, free_transfers_per_day,
free_transfers_per_month, min_amount_for_fee::text, max_daily_free_amount::text, fee_gl_no, fee_ac_no, is_active,
effective_date, created_at
FROM global_fee_configs WHERE is_active ORDER BY transfer_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Config
	for rows.Next() {
		var c Config
		var base, minAmt, maxFree, gl, ac string
		if err := rows.Scan(&c.ID, &c.Name, &c.TransferType, &base, &c.PercentBPS, &c.FreePerDay, &c.FreePerMonth,
			&minAmt, &maxFree, &gl, &ac, &c.Active, &c.EffectiveDate, &c.CreatedAt); err != nil {
			return nil, err
		}
		if c.BaseFee, err = money.Parse(base); err != nil {
			return nil, err
		}
		if c.MinAmountForFee, err = money.Parse(minAmt); err != nil {
			return nil, err
		}
		if c.MaxDailyFreeAmount, err = money.Parse(maxFree); err != nil {
			return nil, err
		}
		if c.FeeAccount, err = ledger.NewAccountID(gl, ac); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Activate deactivates the predecessor and inserts cfg as active in one transaction.
func (r *PGRepository) Activate(ctx context.Context, cfg Config) (Config, error) {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended('fees:' || $1::text, 0))`, string(cfg.TransferType)); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE global_fee_configs SET is_active = FALSE WHERE transfer_type = $1 AND is_active`, string(cfg.TransferType)); err != nil {
			return err
		}
		effective := cfg.EffectiveDate
		if effective.IsZero() {
			effective = time.Now().UTC()
		}
		cfg.Active = true
		cfg.EffectiveDate = effective
		return tx.QueryRow(ctx, `INSERT INTO global_fee_configs (name, transfer_type, base_fee, percent_bps, free_transfers_per_day,
free_transfers_per_month, min_amount_for_fee, max_daily_free_amount, fee_gl_no, fee_ac_no, is_active, effective_date)
VALUES ($1,$2,$3::text::numeric,$4,$5,$6,$7::text::numeric,$8::text::numeric,$9,$10,TRUE,$11)
RETURNING id, created_at`,
			cfg.Name, string(cfg.TransferType), cfg.BaseFee.String(), cfg.PercentBPS, cfg.FreePerDay, cfg.FreePerMonth,
			cfg.MinAmountForFee.String(), cfg.MaxDailyFreeAmount.String(), cfg.FeeAccount.GL, cfg.FeeAccount.AC, effective).
			Scan(&cfg.ID, &cfg.CreatedAt)
	})
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (r *PGRepository) DailyUsage(ctx context.Context, customerID int64, day time.Time) (Usage, error) {
	return r.usage(ctx, `SELECT transfer_count, total_amount::text, fees_paid::text FROM customer_transfer_usage_daily
WHERE customer_id = $1 AND usage_date = $2`, customerID, dayOf(day))
}

func (r *PGRepository) MonthlyUsage(ctx context.Context, customerID int64, month time.Time) (Usage, error) {
	return r.usage(ctx, `SELECT transfer_count, total_amount::text, fees_paid::text FROM customer_transfer_usage_monthly
WHERE customer_id = $1 AND usage_month = $2`, customerID, monthOf(month))
}

func (r *PGRepository) usage(ctx context.Context, sql string, customerID int64, period time.Time) (Usage, error) {
	var u Usage
	var amount, fees string
	err := r.pool.QueryRow(ctx, sql, customerID, period).Scan(&u.Count, &amount, &fees)
	if errors.Is(err, pgx.ErrNoRows) {
		return Usage{}, nil
	}
	if err != nil {
		return Usage{}, err
	}
	if u.Amount, err = money.Parse(amount); err != nil {
		return Usage{}, err
	}
	if u.Fees, err = money.Parse(fees); err != nil {
		return Usage{}, err
	}
	return u, nil
}

// RecordUsage inserts the fee transaction first; a conflicting reference means
// the charge was already counted and nothing else is written.
func (r *PGRepository) RecordUsage(ctx context.Context, rec UsageRecord) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		t := rec.Transaction
		tag, err := tx.Exec(ctx, `INSERT INTO fee_transactions (id, customer_id, branch_id, reference, transfer_type, config_id, config_name,
transfer_amount, base_fee, applied_fee, waived, reason, fee_account, counterparty_account, counterparty_bank, counterparty_name, created_at)
VALUES ($1,$2,$3,$4,$5,NULLIF($6::bigint, 0),$7,$8::text::numeric,$9::text::numeric,$10::text::numeric,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (reference) DO NOTHING`,
			t.ID, t.CustomerID, t.BranchID, t.Reference, string(t.TransferType), t.ConfigID, t.ConfigName,
			t.TransferAmount.String(), t.BaseFee.String(), t.AppliedFee.String(), t.Waived, string(t.Reason), t.FeeAccount,
			t.CounterpartyAcct, t.CounterpartyBank, t.CounterpartyName, t.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `INSERT INTO customer_transfer_usage_daily (customer_id, usage_date, transfer_count, total_amount, fees_paid)
VALUES ($1, $2, 1, $3::text::numeric, $4::text::numeric)
ON CONFLICT (customer_id, usage_date) DO UPDATE SET transfer_count = customer_transfer_usage_daily.transfer_count + 1,
  total_amount = customer_transfer_usage_daily.total_amount + EXCLUDED.total_amount,
  fees_paid = customer_transfer_usage_daily.fees_paid + EXCLUDED.fees_paid`,
			rec.CustomerID, dayOf(rec.Day), rec.Amount.String(), rec.Fee.String()); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO customer_transfer_usage_monthly (customer_id, usage_month, transfer_count, total_amount, fees_paid)
VALUES ($1, $2, 1, $3::text::numeric, $4::text::numeric)
ON CONFLICT (customer_id, usage_month) DO UPDATE SET transfer_count = customer_transfer_usage_monthly.transfer_count + 1,
  total_amount = customer_transfer_usage_monthly.total_amount + EXCLUDED.total_amount,
  fees_paid = customer_transfer_usage_monthly.fees_paid + EXCLUDED.fees_paid`,
			rec.CustomerID, monthOf(rec.Month), rec.Amount.String(), rec.Fee.String())
		return err
	})
}
