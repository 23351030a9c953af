package customers

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGCardRepository persists virtual cards in PostgreSQL.
type PGCardRepository struct {
	pool *pgxpool.Pool
}

// NewPGCardRepository constructs the repository.
func NewPGCardRepository(pool *pgxpool.Pool) *PGCardRepository {
	return &PGCardRepository{pool: pool}
}

func (r *PGCardRepository) NextAccountNo(ctx context.Context) (int64, error) {
	var n int64
	err := r.pool.QueryRow(ctx, `SELECT nextval('virtual_card_ac_seq')`).Scan(&n)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "2200H" {
		return 0, ErrCardAccountsExhausted
	}
	return n, err
}

func (r *PGCardRepository) Create(ctx context.Context, card VirtualCard) (VirtualCard, error) {
	err := r.pool.QueryRow(ctx, `INSERT INTO virtual_cards (branch_id, customer_id, gl_no, ac_no, card_number, cvv_hash, expiry_month, expiry_year, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		card.BranchID, card.CustomerID, card.Account.GL, card.Account.AC, card.Number, card.CVVHash,
		card.ExpiryMonth, card.ExpiryYear, string(card.Status), card.CreatedAt).Scan(&card.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return VirtualCard{}, ErrCardNumberTaken
		}
		return VirtualCard{}, err
	}
	return card, nil
}

func (r *PGCardRepository) Get(ctx context.Context, id int64) (VirtualCard, error) {
	branch, err := branchArg(ctx)
	if err != nil {
		return VirtualCard{}, err
	}
	var c VirtualCard
	err = r.pool.QueryRow(ctx, `SELECT id, branch_id, customer_id, gl_no, ac_no, card_number, cvv_hash, expiry_month, expiry_year, status, created_at
FROM virtual_cards WHERE id = $1 AND ($2::bigint IS NULL OR branch_id = $2)`, id, branch).
		Scan(&c.ID, &c.BranchID, &c.CustomerID, &c.Account.GL, &c.Account.AC, &c.Number, &c.CVVHash,
			&c.ExpiryMonth, &c.ExpiryYear, &c.Status, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return VirtualCard{}, ErrCardNotFound
	}
	return c, err
}

func (r *PGCardRepository) SetStatus(ctx context.Context, id int64, from, to CardStatus) error {
	branch, err := branchArg(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `UPDATE virtual_cards SET status = $3 WHERE id = $1 AND status = $2 AND ($4::bigint IS NULL OR branch_id = $4)`,
		id, string(from), string(to), branch)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
		return ErrCardInvalidStatus
	}
	return nil
}
