// Package ledger holds the append-only posting store and balance derivation.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/thriftbank/thriftbank/internal/money"
)

// Status is the posting status flag.
type Status string

const (
	StatusAuthorized Status = "A"
	StatusPending    Status = "P"
	StatusSuccess    Status = "S"
	StatusFailed     Status = "F"
	StatusReversal   Status = "R"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusReversal
}

// PostingType enumerates the business nature of a posting.
type PostingType string

const (
	TypeTransfer   PostingType = "T"
	TypeDeposit    PostingType = "D"
	TypeWithdrawal PostingType = "W"
)

// AccountType classifies the account a leg lands on.
type AccountType string

const (
	AccountCustomer  AccountType = "C"
	AccountBank      AccountType = "B"
	AccountExpense   AccountType = "E"
	AccountLiability AccountType = "L"
)

// TrxType is the CR/DR projection of the signed amount.
type TrxType string

const (
	Credit TrxType = "CR"
	Debit  TrxType = "DR"
)

// ReversalPrefix prefixes the trx_no of reversal groups.
const ReversalPrefix = "REV"

// MaxTrxNoLength bounds trx_no, leaving room for the reversal prefix.
const MaxTrxNoLength = 40

var (
	ErrDuplicateTrxNo    = errors.New("ledger: duplicate trx_no")
	ErrZeroSumViolation  = errors.New("ledger: legs do not sum to zero")
	ErrInvalidGroup      = errors.New("ledger: invalid posting group")
	ErrGroupNotFound     = errors.New("ledger: posting group not found")
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
)

// Posting is one persisted ledger row. Amount is authoritative: positive credits, negative debits.
type Posting struct {
	ID              int64
	BranchID        int64
	CustomerID      int64
	Account         AccountID
	TrxNo           string
	LegNo           int
	SessionDate     time.Time
	ApplicationDate time.Time
	SystemTimestamp time.Time
	Amount          money.Money
	Description     string
	Status          Status
	Type            PostingType
	AccountType     AccountType
	Code            string
	UserID          int64
}

// TrxType derives CR/DR from the sign of Amount.
func (p Posting) TrxType() TrxType {
	return trxTypeOf(p.Amount)
}

func trxTypeOf(m money.Money) TrxType {
	if m.IsNegative() {
		return Debit
	}
	return Credit
}

// Leg is one side of a group to insert.
type Leg struct {
	Account     AccountID
	CustomerID  int64
	Amount      money.Money
	Description string
	Type        PostingType
	AccountType AccountType
	Code        string
}

// Group is an atomic set of legs sharing one trx_no.
type Group struct {
	TrxNo           string
	BranchID        int64
	UserID          int64
	Status          Status
	SessionDate     time.Time
	ApplicationDate time.Time
	Legs            []Leg
	// Guard runs inside the write, after every debited account is locked and
	// before any leg is stored. A non-nil error aborts the group.
	Guard func(ctx context.Context, r Reader) error
}

// Validate enforces the double-entry shape of the group.
func (g Group) Validate() error {
	if g.TrxNo == "" || len(g.TrxNo) > MaxTrxNoLength {
		return fmt.Errorf("%w: trx_no length", ErrInvalidGroup)
	}
	if len(g.Legs) < 2 {
		return fmt.Errorf("%w: at least two legs required", ErrInvalidGroup)
	}
	switch g.Status {
	case "", StatusPending, StatusAuthorized, StatusReversal:
	default:
		return fmt.Errorf("%w: initial status %q", ErrInvalidGroup, g.Status)
	}
	var credits, debits int
	sum := money.Zero
	for i, leg := range g.Legs {
		if !leg.Account.Valid() {
			return fmt.Errorf("%w: leg %d account %q", ErrInvalidAccountFormat, i, leg.Account.String())
		}
		switch leg.Amount.Sign() {
		case 0:
			return fmt.Errorf("%w: leg %d has zero amount", ErrInvalidGroup, i)
		case 1:
			credits++
		default:
			debits++
		}
		next, err := sum.Add(leg.Amount)
		if err != nil {
			return err
		}
		sum = next
	}
	if credits == 0 || debits == 0 {
		return fmt.Errorf("%w: need at least one credit and one debit", ErrInvalidGroup)
	}
	if !sum.IsZero() {
		return fmt.Errorf("%w: off by %s", ErrZeroSumViolation, sum)
	}
	return nil
}

// debitedAccounts returns the distinct accounts with negative legs in a stable order.
func (g Group) debitedAccounts() []AccountID {
	seen := make(map[AccountID]struct{})
	var out []AccountID
	for _, leg := range g.Legs {
		if !leg.Amount.IsNegative() {
			continue
		}
		if _, ok := seen[leg.Account]; ok {
			continue
		}
		seen[leg.Account] = struct{}{}
		out = append(out, leg.Account)
	}
	sortAccounts(out)
	return out
}

func sortAccounts(ids []AccountID) {
	slices.SortFunc(ids, func(a, b AccountID) int { return strings.Compare(a.String(), b.String()) })
}

// reversible accepts a pending group, or a failed one whose reversal may
// already exist.
func reversible(legs []Posting) error {
	first := legs[0].Status
	if first != StatusPending && first != StatusFailed {
		return fmt.Errorf("%w: reverse %s posting", ErrInvalidTransition, first)
	}
	for _, p := range legs[1:] {
		if p.Status != first {
			return fmt.Errorf("%w: reverse mixed group", ErrInvalidTransition)
		}
	}
	return nil
}

// ReversalTrxNo names the reversal group of trxNo.
func ReversalTrxNo(trxNo string) string { return ReversalPrefix + trxNo }

// SumFilter selects the postings aggregated by SignedSum.
type SumFilter struct {
	// Statuses defaults to authorized and settled.
	Statuses []Status
	// PendingDebits adds pending legs with negative amounts.
	PendingDebits bool
	// Until bounds system_timestamp when non-zero.
	Until time.Time
}

// DefaultStatuses are the statuses that count toward a balance.
var DefaultStatuses = []Status{StatusAuthorized, StatusSuccess}

func (f SumFilter) statuses() []Status {
	if len(f.Statuses) == 0 {
		return DefaultStatuses
	}
	return f.Statuses
}

func (f SumFilter) matches(p Posting) bool {
	if !f.Until.IsZero() && p.SystemTimestamp.After(f.Until) {
		return false
	}
	if f.PendingDebits && p.Status == StatusPending && p.Amount.IsNegative() {
		return true
	}
	return containsStatus(f.statuses(), p.Status)
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// StatementQuery pages through an account's postings, newest first.
type StatementQuery struct {
	Account AccountID
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

func (q StatementQuery) normalized() StatementQuery {
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

// StatementPage is one page of postings plus the unpaged total.
type StatementPage struct {
	Postings []Posting
	Total    int
}

// Imbalance describes a group violating double entry.
type Imbalance struct {
	TrxNo   string
	Sum     money.Money
	Credits int
	Debits  int
}

// Reader aggregates postings.
type Reader interface {
	SignedSum(ctx context.Context, account AccountID, filter SumFilter) (money.Money, error)
	DailyDebitTotal(ctx context.Context, customerID int64, day time.Time, statuses []Status) (money.Money, error)
}

// Store is the append-only posting store.
type Store interface {
	Reader
	InsertGroup(ctx context.Context, group Group) error
	MarkStatus(ctx context.Context, trxNo string, to Status, note string) error
	Annotate(ctx context.Context, trxNo, note string) error
	InsertReversal(ctx context.Context, trxNo, reason string) (string, error)
	Group(ctx context.Context, trxNo string) ([]Posting, error)
	ListByAccount(ctx context.Context, q StatementQuery) (StatementPage, error)
}

// IntegrityScanner finds groups that break double entry.
type IntegrityScanner interface {
	UnbalancedGroups(ctx context.Context, since time.Time) ([]Imbalance, error)
}

func annotate(desc, note string) string {
	if note == "" {
		return desc
	}
	if desc == "" {
		return note
	}
	return desc + " | " + note
}

// SessionDay truncates t to the UTC business day postings are grouped by.
func SessionDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
