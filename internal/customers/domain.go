// Package customers stores the customer attributes the ledger core depends on.
package customers

import (
	"context"
	"errors"
	"time"

	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

var (
	ErrNotFound    = errors.New("customers: not found")
	ErrHasPostings = errors.New("customers: postings reference this customer")
	ErrNotOwner    = errors.New("customers: account does not belong to caller")
)

// Customer is a ledger account holder.
type Customer struct {
	ID             int64
	BranchID       int64
	UserID         int64
	Account        ledger.AccountID
	Name           string
	Phone          string
	Email          string
	TransferLimit  money.Money
	WalletAccount  string
	WalletBankName string
	WalletBankCode string
	SMSEnabled     bool
	EmailEnabled   bool
	PINHash        string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AccountNumber is the 10-digit ledger account number.
func (c Customer) AccountNumber() string { return c.Account.String() }

// HasPIN reports whether a transaction PIN is configured.
func (c Customer) HasPIN() bool { return c.PINHash != "" }

// Unlimited reports a zero daily transfer limit.
func (c Customer) Unlimited() bool { return c.TransferLimit.IsZero() }

// Wallet is the PSP virtual account attached to a customer.
type Wallet struct {
	Number   string
	Name     string
	BankName string
	BankCode string
}

// Repository persists customers. Reads are scoped by the tenant in ctx.
type Repository interface {
	Get(ctx context.Context, id int64) (Customer, error)
	GetByAccount(ctx context.Context, account ledger.AccountID) (Customer, error)
	UpdateWallet(ctx context.Context, id int64, wallet Wallet) error
	SetPINHash(ctx context.Context, id int64, hash string) error
	Delete(ctx context.Context, id int64) error
}

// Access implements ledger.AccessChecker: callers may only read their own accounts.
type Access struct {
	repo Repository
}

// NewAccess constructs the checker.
func NewAccess(repo Repository) *Access {
	return &Access{repo: repo}
}

// CanView returns ErrNotOwner unless the account belongs to the scoped user.
func (a *Access) CanView(ctx context.Context, account ledger.AccountID) error {
	scope, ok := tenant.From(ctx)
	if !ok {
		return tenant.ErrNoScope
	}
	c, err := a.repo.GetByAccount(ctx, account)
	if err != nil {
		return err
	}
	if c.UserID != scope.UserID {
		return ErrNotOwner
	}
	return nil
}
