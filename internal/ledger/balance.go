package ledger

import (
	"context"
	"time"

	"github.com/thriftbank/thriftbank/internal/money"
)

// BalanceService derives balances from postings. Nothing is cached; every
// figure is recomputed from the posting set.
type BalanceService struct {
	reader Reader
	now    func() time.Time
}

// NewBalanceService constructs the service.
func NewBalanceService(reader Reader) *BalanceService {
	return &BalanceService{reader: reader, now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *BalanceService) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Balance sums authorized and settled postings.
func (s *BalanceService) Balance(ctx context.Context, account AccountID) (money.Money, error) {
	return s.reader.SignedSum(ctx, account, SumFilter{})
}

// Available is Balance minus pending debits. Pending credits are not spendable.
func (s *BalanceService) Available(ctx context.Context, account AccountID) (money.Money, error) {
	return Available(ctx, s.reader, account)
}

// WithPending includes every pending posting, credit or debit.
func (s *BalanceService) WithPending(ctx context.Context, account AccountID) (money.Money, error) {
	return s.reader.SignedSum(ctx, account, SumFilter{
		Statuses: []Status{StatusAuthorized, StatusSuccess, StatusPending},
	})
}

// DailyDebitTotal sums the absolute value of a customer's authorized and
// settled debits for the given session date.
func (s *BalanceService) DailyDebitTotal(ctx context.Context, customerID int64, day time.Time) (money.Money, error) {
	return s.reader.DailyDebitTotal(ctx, customerID, day, DefaultStatuses)
}

// Snapshot is the balance view returned to clients.
type Snapshot struct {
	Account   string      `json:"account"`
	Balance   money.Money `json:"balance"`
	Available money.Money `json:"available"`
	AsOf      time.Time   `json:"as_of"`
}

// Snapshot returns both figures for account.
func (s *BalanceService) Snapshot(ctx context.Context, account AccountID) (Snapshot, error) {
	bal, err := s.Balance(ctx, account)
	if err != nil {
		return Snapshot{}, err
	}
	avail, err := s.Available(ctx, account)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Account: account.String(), Balance: bal, Available: avail, AsOf: s.now().UTC()}, nil
}

// Available computes the spendable balance through any reader, including the
// locked reader handed to a group guard.
func Available(ctx context.Context, r Reader, account AccountID) (money.Money, error) {
	return r.SignedSum(ctx, account, SumFilter{PendingDebits: true})
}
