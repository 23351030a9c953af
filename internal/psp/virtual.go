package psp

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/thriftbank/thriftbank/internal/customers"
	"github.com/thriftbank/thriftbank/internal/shared"
)

// AccountCreator provisions provider accounts.
type AccountCreator interface {
	CreateVirtualAccount(ctx context.Context, holderName string, customerID int64) (VirtualAccount, error)
}

// WalletStore reads customers and persists their wallet details.
type WalletStore interface {
	Get(ctx context.Context, id int64) (customers.Customer, error)
	UpdateWallet(ctx context.Context, id int64, wallet customers.Wallet) error
}

// VirtualAccountService attaches provider virtual accounts to customers.
type VirtualAccountService struct {
	creator AccountCreator
	store   WalletStore
	audit   shared.AuditPort
	logger  *slog.Logger
	now     func() time.Time
}

// NewVirtualAccountService constructs the service.
func NewVirtualAccountService(creator AccountCreator, store WalletStore, audit shared.AuditPort, logger *slog.Logger) *VirtualAccountService {
	if logger == nil {
		logger = slog.Default()
	}
	return &VirtualAccountService{creator: creator, store: store, audit: audit, logger: logger, now: time.Now}
}

// Provision returns the customer's wallet, creating it at the provider on
// first use.
func (s *VirtualAccountService) Provision(ctx context.Context, customerID int64) (customers.Wallet, error) {
	c, err := s.store.Get(ctx, customerID)
	if err != nil {
		return customers.Wallet{}, err
	}
	if c.WalletAccount != "" {
		return customers.Wallet{Number: c.WalletAccount, Name: c.Name, BankName: c.WalletBankName, BankCode: c.WalletBankCode}, nil
	}
	va, err := s.creator.CreateVirtualAccount(ctx, c.Name, c.ID)
	if err != nil {
		return customers.Wallet{}, fmt.Errorf("psp: create virtual account: %w", err)
	}
	wallet := customers.Wallet{Number: va.Number, Name: va.Name, BankName: va.BankName, BankCode: va.BankCode}
	if err := s.store.UpdateWallet(ctx, c.ID, wallet); err != nil {
		return customers.Wallet{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			Action:   shared.AuditVirtualAccount,
			Entity:   "customer",
			EntityID: strconv.FormatInt(c.ID, 10),
			Meta:     map[string]any{"bank_code": va.BankCode},
			At:       s.now(),
		})
	}
	s.logger.Info("virtual account provisioned", slog.Int64("customer_id", c.ID), slog.String("bank_code", va.BankCode))
	return wallet, nil
}
