package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// PGRepository persists transfer records in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository constructs the repository.
func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const recordColumns = `reference, branch_id, user_id, customer_id, kind, state, source_gl_no, source_ac_no,
destination, COALESCE(destination_bank, ''), COALESCE(destination_name, ''), COALESCE(narration, ''),
amount::text, fee::text, quote, COALESCE(fee_gl_no, ''), COALESCE(fee_ac_no, ''),
COALESCE(psp_reference, ''), COALESCE(psp_code, ''), COALESCE(message, ''), created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, rec Record) error {
	quote, err := json.Marshal(rec.Quote)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO transfers (reference, branch_id, user_id, customer_id, kind, state,
source_gl_no, source_ac_no, destination, destination_bank, destination_name, narration,
amount, fee, quote, fee_gl_no, fee_ac_no, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10, ''),NULLIF($11, ''),NULLIF($12, ''),
$13::text::numeric,$14::text::numeric,$15,NULLIF($16, ''),NULLIF($17, ''),$18,$18)`,
		rec.Reference, rec.BranchID, rec.UserID, rec.CustomerID, string(rec.Kind), string(rec.State),
		rec.Source.GL, rec.Source.AC, rec.Destination, rec.DestinationBank, rec.DestinationName, rec.Narration,
		rec.Amount.String(), rec.Fee.String(), quote, rec.Quote.FeeAccount.GL, rec.Quote.FeeAccount.AC, rec.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, reference string) (Record, error) {
	branch, err := branchArg(ctx)
	if err != nil {
		return Record{}, err
	}
	return scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM transfers
WHERE reference = $1 AND ($2::bigint IS NULL OR branch_id = $2)`, reference, branch))
}

func (r *PGRepository) GetByPSPReference(ctx context.Context, pspReference string) (Record, error) {
	if pspReference == "" {
		return Record{}, ErrNotFound
	}
	branch, err := branchArg(ctx)
	if err != nil {
		return Record{}, err
	}
	return scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM transfers
WHERE psp_reference = $1 AND ($2::bigint IS NULL OR branch_id = $2)
ORDER BY created_at DESC LIMIT 1`, pspReference, branch))
}

// Transition is a compare-and-set on state; the patch only overwrites non-empty fields.
func (r *PGRepository) Transition(ctx context.Context, reference string, from []State, to State, patch Patch) (Record, bool, error) {
	states := stateNames(from)
	rec, err := scanRecord(r.pool.QueryRow(ctx, `UPDATE transfers SET state = $2,
psp_reference = COALESCE(NULLIF($4, ''), psp_reference),
psp_code = COALESCE(NULLIF($5, ''), psp_code),
message = COALESCE(NULLIF($6, ''), message),
updated_at = NOW()
WHERE reference = $1 AND state = ANY($3::text[])
RETURNING `+recordColumns, reference, string(to), states, patch.PSPReference, patch.PSPCode, patch.Message))
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Record{}, false, err
	}
	current, err := scanRecord(r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM transfers WHERE reference = $1`, reference))
	if err != nil {
		return Record{}, false, err
	}
	return current, false, nil
}

func (r *PGRepository) ListStale(ctx context.Context, states []State, before time.Time, limit int) ([]Record, error) {
	branch, err := branchArg(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `SELECT `+recordColumns+` FROM transfers
WHERE state = ANY($1::text[]) AND updated_at < $2 AND ($3::bigint IS NULL OR branch_id = $3)
ORDER BY updated_at LIMIT $4`, stateNames(states), before.UTC(), branch, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func stateNames(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec          Record
		kind, state  string
		amount, fee  string
		quote        []byte
		feeGL, feeAC string
	)
	err := row.Scan(&rec.Reference, &rec.BranchID, &rec.UserID, &rec.CustomerID, &kind, &state,
		&rec.Source.GL, &rec.Source.AC, &rec.Destination, &rec.DestinationBank, &rec.DestinationName, &rec.Narration,
		&amount, &fee, &quote, &feeGL, &feeAC, &rec.PSPReference, &rec.PSPCode, &rec.Message, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	rec.Kind, rec.State = Kind(kind), State(state)
	if rec.Amount, err = money.Parse(amount); err != nil {
		return Record{}, err
	}
	if rec.Fee, err = money.Parse(fee); err != nil {
		return Record{}, err
	}
	if len(quote) > 0 {
		if err := json.Unmarshal(quote, &rec.Quote); err != nil {
			return Record{}, err
		}
	}
	if feeGL != "" {
		rec.Quote.FeeAccount = ledger.AccountID{GL: feeGL, AC: feeAC}
	}
	return rec, nil
}

func branchArg(ctx context.Context) (*int64, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil || !filtered {
		return nil, err
	}
	return &branch, nil
}
