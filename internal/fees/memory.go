package fees

import (
	"context"
	"sync"
	"time"

	"github.com/thriftbank/thriftbank/internal/money"
)

type usageKey struct {
	customerID int64
	period     time.Time
}

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu           sync.Mutex
	configs      []Config
	daily        map[usageKey]Usage
	monthly      map[usageKey]Usage
	transactions map[string]FeeTransaction
	seq          int64
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		daily:        make(map[usageKey]Usage),
		monthly:      make(map[usageKey]Usage),
		transactions: make(map[string]FeeTransaction),
	}
}

func (r *MemoryRepository) ActiveConfigs(context.Context) ([]Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Config
	for _, c := range r.configs {
		if c.Active {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *MemoryRepository) Activate(_ context.Context, cfg Config) (Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.configs {
		if r.configs[i].TransferType == cfg.TransferType {
			r.configs[i].Active = false
		}
	}
	r.seq++
	cfg.ID = r.seq
	cfg.Active = true
	cfg.CreatedAt = time.Now().UTC()
	r.configs = append(r.configs, cfg)
	return cfg, nil
}

func (r *MemoryRepository) DailyUsage(_ context.Context, customerID int64, day time.Time) (Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.daily[usageKey{customerID, dayOf(day)}], nil
}

func (r *MemoryRepository) MonthlyUsage(_ context.Context, customerID int64, month time.Time) (Usage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.monthly[usageKey{customerID, monthOf(month)}], nil
}

func (r *MemoryRepository) RecordUsage(_ context.Context, rec UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.transactions[rec.Transaction.Reference]; seen {
		return nil
	}
	d, err := bump(r.daily[usageKey{rec.CustomerID, dayOf(rec.Day)}], rec)
	if err != nil {
		return err
	}
	m, err := bump(r.monthly[usageKey{rec.CustomerID, monthOf(rec.Month)}], rec)
	if err != nil {
		return err
	}
	r.daily[usageKey{rec.CustomerID, dayOf(rec.Day)}] = d
	r.monthly[usageKey{rec.CustomerID, monthOf(rec.Month)}] = m
	r.transactions[rec.Transaction.Reference] = rec.Transaction
	return nil
}

// Transactions returns the stored audit rows.
func (r *MemoryRepository) Transactions() []FeeTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FeeTransaction, 0, len(r.transactions))
	for _, t := range r.transactions {
		out = append(out, t)
	}
	return out
}

func bump(u Usage, rec UsageRecord) (Usage, error) {
	amount, err := u.Amount.Add(rec.Amount)
	if err != nil {
		return Usage{}, err
	}
	fees, err := money.Sum(u.Fees, rec.Fee)
	if err != nil {
		return Usage{}, err
	}
	return Usage{Count: u.Count + 1, Amount: amount, Fees: fees}, nil
}
