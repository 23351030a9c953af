package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// MemoryStore is an in-process Store. Writes are serialized by a single mutex,
// which also provides the per-account debit ordering.
type MemoryStore struct {
	mu       sync.Mutex
	postings []Posting
	groups   map[string]struct{}
	nextID   int64
	now      func() time.Time
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[string]struct{}), now: time.Now}
}

// WithNow overrides the clock for testing.
func (s *MemoryStore) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

func (s *MemoryStore) InsertGroup(ctx context.Context, g Group) error {
	if err := g.Validate(); err != nil {
		return err
	}
	branch, err := tenant.BranchForWrite(ctx, g.BranchID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.groups[g.TrxNo]; dup {
		return ErrDuplicateTrxNo
	}
	if g.Guard != nil {
		if err := g.Guard(ctx, lockedReader{s}); err != nil {
			return err
		}
	}
	now := s.now()
	status := g.Status
	if status == "" {
		status = StatusPending
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
		s.nextID++
		s.postings = append(s.postings, Posting{
			ID:              s.nextID,
			BranchID:        branch,
			CustomerID:      leg.CustomerID,
			Account:         leg.Account,
			TrxNo:           g.TrxNo,
			LegNo:           i + 1,
			SessionDate:     session,
			ApplicationDate: application,
			SystemTimestamp: now,
			Amount:          leg.Amount,
			Description:     leg.Description,
			Status:          status,
			Type:            leg.Type,
			AccountType:     leg.AccountType,
			Code:            leg.Code,
			UserID:          g.UserID,
		})
	}
	s.groups[g.TrxNo] = struct{}{}
	return nil
}

func (s *MemoryStore) MarkStatus(ctx context.Context, trxNo string, to Status, note string) error {
	if to != StatusSuccess && to != StatusFailed {
		return fmt.Errorf("%w: target %q", ErrInvalidTransition, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.groupIndexes(ctx, trxNo)
	if err != nil {
		return err
	}
	already := true
	for _, i := range idx {
		if s.postings[i].Status != to {
			already = false
		}
		if s.postings[i].Status != to && s.postings[i].Status != StatusPending {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.postings[i].Status, to)
		}
	}
	if already {
		return nil
	}
	for _, i := range idx {
		s.postings[i].Status = to
		s.postings[i].Description = annotate(s.postings[i].Description, note)
	}
	return nil
}

func (s *MemoryStore) Annotate(ctx context.Context, trxNo, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.groupIndexes(ctx, trxNo)
	if err != nil {
		return err
	}
	for _, i := range idx {
		if s.postings[i].Status.Terminal() {
			return fmt.Errorf("%w: annotate %s posting", ErrInvalidTransition, s.postings[i].Status)
		}
	}
	for _, i := range idx {
		s.postings[i].Description = annotate(s.postings[i].Description, note)
	}
	return nil
}

func (s *MemoryStore) InsertReversal(ctx context.Context, trxNo, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.groupIndexes(ctx, trxNo)
	if err != nil {
		return "", err
	}
	legs := make([]Posting, len(idx))
	for n, i := range idx {
		legs[n] = s.postings[i]
	}
	if err := reversible(legs); err != nil {
		return "", err
	}
	revNo := ReversalTrxNo(trxNo)
	if _, dup := s.groups[revNo]; dup {
		return revNo, ErrDuplicateTrxNo
	}
	now := s.now()
	for n, i := range idx {
		orig := s.postings[i]
		s.nextID++
		s.postings = append(s.postings, Posting{
			ID:              s.nextID,
			BranchID:        orig.BranchID,
			CustomerID:      orig.CustomerID,
			Account:         orig.Account,
			TrxNo:           revNo,
			LegNo:           n + 1,
			SessionDate:     SessionDay(now),
			ApplicationDate: orig.ApplicationDate,
			SystemTimestamp: now,
			Amount:          orig.Amount.Neg(),
			Description:     reversalDescription(trxNo, reason),
			Status:          StatusReversal,
			Type:            orig.Type,
			AccountType:     orig.AccountType,
			Code:            orig.Code,
			UserID:          orig.UserID,
		})
		s.postings[i].Status = StatusFailed
		s.postings[i].Description = annotate(orig.Description, "reversed: "+reason)
	}
	s.groups[revNo] = struct{}{}
	return revNo, nil
}

func (s *MemoryStore) Group(ctx context.Context, trxNo string) ([]Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, err := s.groupIndexes(ctx, trxNo)
	if err != nil {
		return nil, err
	}
	out := make([]Posting, 0, len(idx))
	for _, i := range idx {
		out = append(out, s.postings[i])
	}
	return out, nil
}

func (s *MemoryStore) ListByAccount(ctx context.Context, q StatementQuery) (StatementPage, error) {
	q = q.normalized()
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return StatementPage{}, err
	}
	s.mu.Lock()
	var matched []Posting
	for _, p := range s.postings {
		if filtered && p.BranchID != branch {
			continue
		}
		if p.Account != q.Account {
			continue
		}
		if !q.From.IsZero() && p.SystemTimestamp.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && p.SystemTimestamp.After(q.To) {
			continue
		}
		matched = append(matched, p)
	}
	s.mu.Unlock()
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].SystemTimestamp.Equal(matched[j].SystemTimestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].SystemTimestamp.After(matched[j].SystemTimestamp)
	})
	page := StatementPage{Total: len(matched)}
	if q.Offset < len(matched) {
		end := min(q.Offset+q.Limit, len(matched))
		page.Postings = matched[q.Offset:end]
	}
	return page, nil
}

func (s *MemoryStore) SignedSum(ctx context.Context, account AccountID, filter SumFilter) (money.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lockedReader{s}.SignedSum(ctx, account, filter)
}

func (s *MemoryStore) DailyDebitTotal(ctx context.Context, customerID int64, day time.Time, statuses []Status) (money.Money, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lockedReader{s}.DailyDebitTotal(ctx, customerID, day, statuses)
}

func (s *MemoryStore) UnbalancedGroups(ctx context.Context, since time.Time) ([]Imbalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type acc struct {
		sum             money.Money
		credits, debits int
	}
	byTrx := make(map[string]*acc)
	var order []string
	for _, p := range s.postings {
		if p.SystemTimestamp.Before(since) {
			continue
		}
		a, ok := byTrx[p.TrxNo]
		if !ok {
			a = &acc{}
			byTrx[p.TrxNo] = a
			order = append(order, p.TrxNo)
		}
		next, err := a.sum.Add(p.Amount)
		if err != nil {
			return nil, err
		}
		a.sum = next
		if p.Amount.IsNegative() {
			a.debits++
		} else {
			a.credits++
		}
	}
	var out []Imbalance
	for _, trx := range order {
		a := byTrx[trx]
		if a.sum.IsZero() && a.credits > 0 && a.debits > 0 {
			continue
		}
		out = append(out, Imbalance{TrxNo: trx, Sum: a.sum, Credits: a.credits, Debits: a.debits})
	}
	return out, nil
}

// Postings returns a copy of every row, for assertions.
func (s *MemoryStore) Postings() []Posting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Posting(nil), s.postings...)
}

// groupIndexes must be called with s.mu held.
func (s *MemoryStore) groupIndexes(ctx context.Context, trxNo string) ([]int, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return nil, err
	}
	var idx []int
	for i, p := range s.postings {
		if p.TrxNo != trxNo {
			continue
		}
		if filtered && p.BranchID != branch {
			continue
		}
		idx = append(idx, i)
	}
	if len(idx) == 0 {
		return nil, ErrGroupNotFound
	}
	return idx, nil
}

// lockedReader reads the store while the caller holds s.mu.
type lockedReader struct{ s *MemoryStore }

func (r lockedReader) SignedSum(ctx context.Context, account AccountID, filter SumFilter) (money.Money, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return money.Zero, err
	}
	total := money.Zero
	for _, p := range r.s.postings {
		if p.Account != account || (filtered && p.BranchID != branch) || !filter.matches(p) {
			continue
		}
		if total, err = total.Add(p.Amount); err != nil {
			return money.Zero, err
		}
	}
	return total, nil
}

func (r lockedReader) DailyDebitTotal(ctx context.Context, customerID int64, day time.Time, statuses []Status) (money.Money, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return money.Zero, err
	}
	if len(statuses) == 0 {
		statuses = DefaultStatuses
	}
	day = SessionDay(day)
	total := money.Zero
	for _, p := range r.s.postings {
		if p.CustomerID != customerID || p.TrxType() != Debit || !p.SessionDate.Equal(day) {
			continue
		}
		if (filtered && p.BranchID != branch) || !containsStatus(statuses, p.Status) {
			continue
		}
		if total, err = total.Add(p.Amount.Abs()); err != nil {
			return money.Zero, err
		}
	}
	return total, nil
}

func reversalDescription(trxNo, reason string) string {
	if reason == "" {
		return "Reversal of " + trxNo
	}
	return "Reversal of " + trxNo + ": " + reason
}
