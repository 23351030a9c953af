package customers

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/platform/db"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// PGRepository persists customers in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const customerColumns = `id, branch_id, user_id, gl_no, ac_no, name, COALESCE(phone, ''), COALESCE(email, ''),
transfer_limit::text, COALESCE(wallet_account, ''), COALESCE(wallet_bank_name, ''), COALESCE(wallet_bank_code, ''),
sms_enabled, email_enabled, COALESCE(pin_hash, ''), created_at, updated_at`

func (r *PGRepository) Get(ctx context.Context, id int64) (Customer, error) {
	branch, err := branchArg(ctx)
	if err != nil {
		return Customer{}, err
	}
	return scanCustomer(r.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers
WHERE id = $1 AND ($2::bigint IS NULL OR branch_id = $2)`, id, branch))
}

func (r *PGRepository) GetByAccount(ctx context.Context, account ledger.AccountID) (Customer, error) {
	branch, err := branchArg(ctx)
	if err != nil {
		return Customer{}, err
	}
	return scanCustomer(r.pool.QueryRow(ctx, `SELECT `+customerColumns+` FROM customers
WHERE gl_no = $1 AND ac_no = $2 AND ($3::bigint IS NULL OR branch_id = $3)
ORDER BY id LIMIT 1`, account.GL, account.AC, branch))
}

func (r *PGRepository) UpdateWallet(ctx context.Context, id int64, wallet Wallet) error {
	branch, err := branchArg(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE customers SET wallet_account = $2, wallet_bank_name = $3, wallet_bank_code = $4, updated_at = NOW()
WHERE id = $1 AND ($5::bigint IS NULL OR branch_id = $5)`, id, wallet.Number, wallet.BankName, wallet.BankCode, branch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) SetPINHash(ctx context.Context, id int64, hash string) error {
	branch, err := branchArg(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE customers SET pin_hash = $2, updated_at = NOW()
WHERE id = $1 AND ($3::bigint IS NULL OR branch_id = $3)`, id, hash, branch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the customer unless any posting references it.
func (r *PGRepository) Delete(ctx context.Context, id int64) error {
	branch, err := branchArg(ctx)
	if err != nil {
		return err
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM postings WHERE customer_id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrHasPostings
		}
		tag, err := tx.Exec(ctx, `DELETE FROM customers WHERE id = $1 AND ($2::bigint IS NULL OR branch_id = $2)`, id, branch)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func scanCustomer(row pgx.Row) (Customer, error) {
	var c Customer
	var limit string
	err := row.Scan(&c.ID, &c.BranchID, &c.UserID, &c.Account.GL, &c.Account.AC, &c.Name, &c.Phone, &c.Email,
		&limit, &c.WalletAccount, &c.WalletBankName, &c.WalletBankCode, &c.SMSEnabled, &c.EmailEnabled, &c.PINHash,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Customer{}, ErrNotFound
		}
		return Customer{}, err
	}
	if c.TransferLimit, err = money.Parse(limit); err != nil {
		return Customer{}, err
	}
	return c, nil
}

func branchArg(ctx context.Context) (*int64, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil || !filtered {
		return nil, err
	}
	return &branch, nil
}
