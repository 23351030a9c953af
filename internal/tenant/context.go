// Package tenant carries the request-scoped branch/company/user triple that
// filters every ledger and customer read.
package tenant

import (
	"context"
	"errors"
)

var (
	// ErrNoScope is returned when a scoped read runs without a tenant in context.
	ErrNoScope          = errors.New("tenant: no scope in context")
	// ErrBranchOutOfScope rejects a write aimed at a branch other than the caller's.
	ErrBranchOutOfScope = errors.New("tenant: branch outside caller scope")
)

// Scope identifies the caller's branch, company and user.
type Scope struct {
	BranchID  int64
	CompanyID int64
	UserID    int64
}

type scopeKey struct{}
type unscopedKey struct{}

// With returns a context carrying scope. Any unfiltered flag set by a parent is cleared.
func With(ctx context.Context, scope Scope) context.Context {
	ctx = context.WithValue(ctx, unscopedKey{}, false)
	return context.WithValue(ctx, scopeKey{}, scope)
}

// From extracts the scope from ctx.
func From(ctx context.Context) (Scope, bool) {
	if ctx == nil {
		return Scope{}, false
	}
	s, ok := ctx.Value(scopeKey{}).(Scope)
	return s, ok
}

// Unscoped opts the returned context into unfiltered reads across branches.
func Unscoped(ctx context.Context) context.Context {
	return context.WithValue(ctx, unscopedKey{}, true)
}

// IsUnscoped reports whether ctx opted into unfiltered reads.
func IsUnscoped(ctx context.Context) bool {
	v, _ := ctx.Value(unscopedKey{}).(bool)
	return v
}

// ReadFilter returns the branch every read must be restricted to. filtered is
// false when the caller opted into the unfiltered view.
func ReadFilter(ctx context.Context) (branchID int64, filtered bool, err error) {
	if IsUnscoped(ctx) {
		return 0, false, nil
	}
	s, ok := From(ctx)
	if !ok || s.BranchID == 0 {
		return 0, false, ErrNoScope
	}
	return s.BranchID, true, nil
}

// BranchForWrite resolves the branch a write lands in: the explicit value when
// set, otherwise the scope's branch. A branch-scoped caller may only name its
// own branch; unscoped and scope-less callers may name any.
func BranchForWrite(ctx context.Context, explicit int64) (int64, error) {
	s, ok := From(ctx)
	scoped := ok && s.BranchID != 0 && !IsUnscoped(ctx)
	if explicit != 0 {
		if scoped && explicit != s.BranchID {
			return 0, ErrBranchOutOfScope
		}
		return explicit, nil
	}
	if !ok || s.BranchID == 0 {
		return 0, ErrNoScope
	}
	return s.BranchID, nil
}

// Run executes fn under scope, for background work that acts on behalf of a
// branch. The caller's context is untouched whether fn returns, fails or panics.
func Run(ctx context.Context, scope Scope, fn func(context.Context) error) error {
	return fn(With(ctx, scope))
}
