package customers

import (
	"context"
	"sync"
	"time"

	"github.com/thriftbank/thriftbank/internal/ledger"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu          sync.RWMutex
	byID        map[int64]Customer
	hasPostings func(customerID int64) bool
}

// NewMemoryRepository constructs an empty repository. hasPostings backs the
// deletion guard and may be nil.
func NewMemoryRepository(hasPostings func(customerID int64) bool) *MemoryRepository {
	return &MemoryRepository{byID: make(map[int64]Customer), hasPostings: hasPostings}
}

// Put inserts or replaces a customer.
func (r *MemoryRepository) Put(c Customer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.byID[c.ID] = c
}

func (r *MemoryRepository) Get(ctx context.Context, id int64) (Customer, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return Customer{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok || (filtered && c.BranchID != branch) {
		return Customer{}, ErrNotFound
	}
	return c, nil
}

func (r *MemoryRepository) GetByAccount(ctx context.Context, account ledger.AccountID) (Customer, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return Customer{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byID {
		if c.Account == account && (!filtered || c.BranchID == branch) {
			return c, nil
		}
	}
	return Customer{}, ErrNotFound
}

func (r *MemoryRepository) UpdateWallet(ctx context.Context, id int64, wallet Wallet) error {
	return r.update(ctx, id, func(c *Customer) {
		c.WalletAccount = wallet.Number
		c.WalletBankName = wallet.BankName
		c.WalletBankCode = wallet.BankCode
	})
}

func (r *MemoryRepository) SetPINHash(ctx context.Context, id int64, hash string) error {
	return r.update(ctx, id, func(c *Customer) { c.PINHash = hash })
}

func (r *MemoryRepository) Delete(ctx context.Context, id int64) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	if r.hasPostings != nil && r.hasPostings(id) {
		return ErrHasPostings
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}

func (r *MemoryRepository) update(ctx context.Context, id int64, fn func(*Customer)) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.byID[id]
	fn(&c)
	c.UpdatedAt = time.Now().UTC()
	r.byID[id] = c
	return nil
}

// PostingsExist adapts a ledger.MemoryStore to the deletion guard.
func PostingsExist(store *ledger.MemoryStore) func(int64) bool {
	return func(customerID int64) bool {
		for _, p := range store.Postings() {
			if p.CustomerID == customerID {
				return true
			}
		}
		return false
	}
}
