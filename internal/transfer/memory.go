package transfer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/thriftbank/thriftbank/internal/tenant"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu    sync.Mutex
	byRef map[string]Record
	now   func() time.Time
}

// NewMemoryRepository constructs an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byRef: make(map[string]Record), now: time.Now}
}

// WithNow overrides the clock for testing.
func (r *MemoryRepository) WithNow(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

func (r *MemoryRepository) Create(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byRef[rec.Reference]; dup {
		return ErrDuplicateReference
	}
	r.byRef[rec.Reference] = rec
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, reference string) (Record, error) {
	return r.find(ctx, func(rec Record) bool { return rec.Reference == reference })
}

func (r *MemoryRepository) GetByPSPReference(ctx context.Context, pspReference string) (Record, error) {
	if pspReference == "" {
		return Record{}, ErrNotFound
	}
	return r.find(ctx, func(rec Record) bool { return rec.PSPReference == pspReference })
}

func (r *MemoryRepository) find(ctx context.Context, match func(Record) bool) (Record, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return Record{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.byRef {
		if match(rec) && (!filtered || rec.BranchID == branch) {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

func (r *MemoryRepository) Transition(_ context.Context, reference string, from []State, to State, patch Patch) (Record, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byRef[reference]
	if !ok {
		return Record{}, false, ErrNotFound
	}
	if !slices.Contains(from, rec.State) {
		return rec, false, nil
	}
	rec.State = to
	applyPatch(&rec, patch)
	rec.UpdatedAt = r.now()
	r.byRef[reference] = rec
	return rec, true, nil
}

func (r *MemoryRepository) ListStale(ctx context.Context, states []State, before time.Time, limit int) ([]Record, error) {
	branch, filtered, err := tenant.ReadFilter(ctx)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.byRef {
		if !slices.Contains(states, rec.State) || !rec.UpdatedAt.Before(before) {
			continue
		}
		if filtered && rec.BranchID != branch {
			continue
		}
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b Record) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func applyPatch(rec *Record, p Patch) {
	if p.PSPReference != "" {
		rec.PSPReference = p.PSPReference
	}
	if p.PSPCode != "" {
		rec.PSPCode = p.PSPCode
	}
	if p.Message != "" {
		rec.Message = p.Message
	}
}
