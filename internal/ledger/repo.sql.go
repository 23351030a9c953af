package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/platform/db"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// PGStore persists postings in PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const postingColumns = `id, branch_id, COALESCE(customer_id, 0), gl_no, ac_no, trx_no, leg_no, session_date, application_date,
system_timestamp, amount::text, description, status_flag, type, account_type, code, COALESCE(user_id, 0)`

// InsertGroup locks every debited account with a transaction-scoped advisory
// lock, runs the guard against the locked view and stores all legs in one
// read-committed transaction.
func (s *PGStore) InsertGroup(ctx context.Context, g Group) error {
	if err := g.Validate(); err != nil {
		return err
	}
	branch, err := tenant.BranchForWrite(ctx, g.BranchID)
	if err != nil {
		return err
	}
	status := g.Status
	if status == "" {
		status = StatusPending
	}
	return db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		for _, acct := range g.debitedAccounts() {
			if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, lockKey(branch, acct)); err != nil {
				return fmt.Errorf("ledger: lock %s: %w", acct, err)
			}
		}
		if g.Guard != nil {
			if err := g.Guard(ctx, reader{q: tx}); err != nil {
				return err
			}
		}
		var now time.Time
		if err := tx.QueryRow(ctx, `INSERT INTO posting_groups (trx_no, branch_id) VALUES ($1, $2) RETURNING created_at`, g.TrxNo, branch).Scan(&now); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTrxNo
			}
			return err
		}
		session := g.SessionDate
		if session.IsZero() {
			session = SessionDay(now)
		}
		application := g.ApplicationDate
		if application.IsZero() {
			application = session
		}
		for i, leg := range g.Legs {
			if _, err := tx.Exec(ctx, `INSERT INTO postings (branch_id, customer_id, gl_no, ac_no, trx_no, leg_no, session_date, application_date,
system_timestamp, amount, description, status_flag, type, account_type, code, user_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::text::numeric,$11,$12,$13,$14,$15,$16)`,
				branch, nullID(leg.CustomerID), leg.Account.GL, leg.Account.AC, g.TrxNo, i+1, session, application,
				now, leg.Amount.String(), leg.Description, string(status), string(leg.Type), string(leg.AccountType), leg.Code, nullID(g.UserID)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PGStore) MarkStatus(ctx context.Context, trxNo string, to Status, note string) error {
	if to != StatusSuccess && to != StatusFailed {
		return fmt.Errorf("%w: target %q", ErrInvalidTransition, to)
	}
	return db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		legs, err := lockGroup(ctx, tx, trxNo)
		if err != nil {
			return err
		}
		already := true
		for _, p := range legs {
			if p.Status != to {
				already = false
			}
			if p.Status != to && p.Status != StatusPending {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Status, to)
			}
		}
		if already {
			return nil
		}
		_, err = tx.Exec(ctx, `UPDATE postings SET status_flag = $2,
description = CASE WHEN $3::text = '' THEN description WHEN description = '' THEN $3::text ELSE description || ' | ' || $3::text END
WHERE trx_no = $1`, trxNo, string(to), note)
		return err
	})
}

func (s *PGStore) Annotate(ctx context.Context, trxNo, note string) error {
	if note == "" {
		return nil
	}
	return db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		legs, err := lockGroup(ctx, tx, trxNo)
		if err != nil {
			return err
		}
		for _, p := range legs {
			if p.Status.Terminal() {
				return fmt.Errorf("%w: annotate %s posting", ErrInvalidTransition, p.Status)
			}
		}
		_, err = tx.Exec(ctx, `UPDATE postings SET description = CASE WHEN description = '' THEN $2::text ELSE description || ' | ' || $2::text END WHERE trx_no = $1`, trxNo, note)
		return err
	})
}

func (s *PGStore) InsertReversal(ctx context.Context, trxNo, reason string) (string, error) {
	revNo := ReversalTrxNo(trxNo)
	err := db.WithTxOptions(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		legs, err := lockGroup(ctx, tx, trxNo)
		if err != nil {
			return err
		}
		if err := reversible(legs); err != nil {
			return err
		}
		var now time.Time
		if err := tx.QueryRow(ctx, `INSERT INTO posting_groups (trx_no, branch_id) VALUES ($1, $2) RETURNING created_at`, revNo, legs[0].BranchID).Scan(&now); err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateTrxNo
			}
			return err
		}
		for i, p := range legs {
			if _, err := tx.Exec(ctx, `INSERT INTO postings (branch_id, customer_id, gl_no, ac_no, trx_no, leg_no, session_date, application_date,
system_timestamp, amount, description, status_flag, type, account_type, code, user_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10::text::numeric,$11,$12,$13,$14,$15,$16)`,
				p.BranchID, nullID(p.CustomerID), p.Account.GL, p.Account.AC, revNo, i+1, SessionDay(now), p.ApplicationDate,
				now, p.Amount.Neg().String(), reversalDescription(trxNo, reason), string(StatusReversal), string(p.Type), string(p.AccountType), p.Code, nullID(p.UserID)); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `UPDATE postings SET status_flag = $3,
description = CASE WHEN description = '' THEN $2::text ELSE description || ' | ' || $2::text END WHERE trx_no = $1`,
			trxNo, "reversed: "+reason, string(StatusFailed))
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateTrxNo) {
			return revNo, err
		}
		return "", err
	}
	return revNo, nil
}

func (s *PGStore) Group(ctx context.Context, trxNo string) ([]Posting, error) {
	branch, err := branchParam(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+postingColumns+` FROM postings
WHERE trx_no = $1 AND ($2::bigint IS NULL OR branch_id = $2) ORDER BY leg_no`, trxNo, branch)
	if err != nil {
		return nil, err
	}
	legs, err := scanPostings(rows)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, ErrGroupNotFound
	}
	return legs, nil
}

func (s *PGStore) ListByAccount(ctx context.Context, q StatementQuery) (StatementPage, error) {
	q = q.normalized()
	branch, err := branchParam(ctx)
	if err != nil {
		return StatementPage{}, err
	}
	from, to := nullTime(q.From), nullTime(q.To)
	var page StatementPage
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM postings
WHERE gl_no = $1 AND ac_no = $2 AND ($3::bigint IS NULL OR branch_id = $3)
  AND ($4::timestamptz IS NULL OR system_timestamp >= $4) AND ($5::timestamptz IS NULL OR system_timestamp <= $5)`,
		q.Account.GL, q.Account.AC, branch, from, to).Scan(&page.Total); err != nil {
		return StatementPage{}, err
	}
	rows, err := s.pool.Query(ctx, `SELECT `+postingColumns+` FROM postings
WHERE gl_no = $1 AND ac_no = $2 AND ($3::bigint IS NULL OR branch_id = $3)
  AND ($4::timestamptz IS NULL OR system_timestamp >= $4) AND ($5::timestamptz IS NULL OR system_timestamp <= $5)
ORDER BY system_timestamp DESC, id DESC LIMIT $6 OFFSET $7`,
		q.Account.GL, q.Account.AC, branch, from, to, q.Limit, q.Offset)
	if err != nil {
		return StatementPage{}, err
	}
	page.Postings, err = scanPostings(rows)
	return page, err
}

func (s *PGStore) SignedSum(ctx context.Context, account AccountID, filter SumFilter) (money.Money, error) {
	return reader{q: s.pool}.SignedSum(ctx, account, filter)
}

func (s *PGStore) DailyDebitTotal(ctx context.Context, customerID int64, day time.Time, statuses []Status) (money.Money, error) {
	return reader{q: s.pool}.DailyDebitTotal(ctx, customerID, day, statuses)
}

func (s *PGStore) UnbalancedGroups(ctx context.Context, since time.Time) ([]Imbalance, error) {
	rows, err := s.pool.Query(ctx, `SELECT trx_no, SUM(amount)::text,
  COUNT(*) FILTER (WHERE amount > 0), COUNT(*) FILTER (WHERE amount < 0)
FROM postings WHERE system_timestamp >= $1
GROUP BY trx_no
HAVING SUM(amount) <> 0 OR COUNT(*) FILTER (WHERE amount > 0) = 0 OR COUNT(*) FILTER (WHERE amount < 0) = 0
ORDER BY trx_no`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Imbalance
	for rows.Next() {
		var im Imbalance
		var sum string
		if err := rows.Scan(&im.TrxNo, &sum, &im.Credits, &im.Debits); err != nil {
			return nil, err
		}
		if im.Sum, err = money.Parse(sum); err != nil {
			return nil, err
		}
		out = append(out, im)
	}
	return out, rows.Err()
}

// reader aggregates over any querier so the guard sees the locked transaction.
type reader struct {
	q querier
}

func (r reader) SignedSum(ctx context.Context, account AccountID, filter SumFilter) (money.Money, error) {
	branch, err := branchParam(ctx)
	if err != nil {
		return money.Zero, err
	}
	var raw string
	err = r.q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0)::text FROM postings
WHERE gl_no = $1 AND ac_no = $2 AND ($3::bigint IS NULL OR branch_id = $3)
  AND (status_flag::text = ANY($4::text[]) OR ($5 AND status_flag = 'P' AND amount < 0))
  AND ($6::timestamptz IS NULL OR system_timestamp <= $6)`,
		account.GL, account.AC, branch, statusStrings(filter.statuses()), filter.PendingDebits, nullTime(filter.Until)).Scan(&raw)
	if err != nil {
		return money.Zero, err
	}
	return money.Parse(raw)
}

func (r reader) DailyDebitTotal(ctx context.Context, customerID int64, day time.Time, statuses []Status) (money.Money, error) {
	branch, err := branchParam(ctx)
	if err != nil {
		return money.Zero, err
	}
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	var raw string
	err = r.q.QueryRow(ctx, `SELECT COALESCE(SUM(-amount), 0)::text FROM postings
WHERE customer_id = $1 AND amount < 0 AND session_date = $2
  AND ($3::bigint IS NULL OR branch_id = $3) AND status_flag::text = ANY($4::text[])`,
		customerID, SessionDay(day), branch, statusStrings(statuses)).Scan(&raw)
	if err != nil {
		return money.Zero, err
	}
	return money.Parse(raw)
}

func lockGroup(ctx context.Context, tx pgx.Tx, trxNo string) ([]Posting, error) {
	branch, err := branchParam(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := tx.Query(ctx, `SELECT `+postingColumns+` FROM postings
WHERE trx_no = $1 AND ($2::bigint IS NULL OR branch_id = $2) ORDER BY leg_no FOR UPDATE`, trxNo, branch)
	if err != nil {
		return nil, err
	}
	legs, err := scanPostings(rows)
	if err != nil {
		return nil, err
	}
	if len(legs) == 0 {
		return nil, ErrGroupNotFound
	}
	return legs, nil
}

func scanPostings(rows pgx.Rows) ([]Posting, error) {
	defer rows.Close()
	var out []Posting
	for rows.Next() {
		var p Posting
		var amount string
		if err := rows.Scan(&p.ID, &p.BranchID, &p.CustomerID, &p.Account.GL, &p.Account.AC, &p.TrxNo, &p.LegNo,
			&p.SessionDate, &p.ApplicationDate, &p.SystemTimestamp, &amount, &p.Description, &p.Status, &p.Type,
			&p.AccountType, &p.Code, &p.UserID); err != nil {
			return nil, err
		}
		m, err := money.Parse(amount)
		if err != nil {
			return nil, err
		}
		p.Amount = m
		out = append(out, p)
	}
	return out, rows.Err()
}

func branchParam(ctx context.Context) (*int64, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return nil, err
	}
	if !filtered {
		return nil, nil
	}
	return &branch, nil
}

func lockKey(branch int64, acct AccountID) string {
	return fmt.Sprintf("ledger:%d:%s", branch, acct)
}

func statusStrings(list []Status) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = string(s)
	}
	return out
}

func nullID(v int64) *int64 {
	if v == 0 {
		return nil
	}
	return &v
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
