package tenant

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestReadFilter(t *testing.T) {
	if _, _, err := ReadFilter(context.Background()); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope, got %v", err)
	}

	ctx := With(context.Background(), Scope{BranchID: 7, CompanyID: 1, UserID: 42})
	branch, filtered, err := ReadFilter(ctx)
	if err != nil || !filtered || branch != 7 {
		t.Fatalf("unexpected filter: %d %v %v", branch, filtered, err)
	}

	_, filtered, err = ReadFilter(Unscoped(ctx))
	if err != nil || filtered {
		t.Fatalf("unscoped view should not filter: %v %v", filtered, err)
	}
}

func TestWithClearsUnscoped(t *testing.T) {
	ctx := Unscoped(context.Background())
	ctx = With(ctx, Scope{BranchID: 3})
	if IsUnscoped(ctx) {
		t.Fatal("explicit scope must override unfiltered parent")
	}
}

func TestRunRestoresCallerScope(t *testing.T) {
	outer := With(context.Background(), Scope{BranchID: 1})
	err := Run(outer, Scope{BranchID: 2}, func(inner context.Context) error {
		s, _ := From(inner)
		if s.BranchID != 2 {
			t.Fatalf("override not applied: %d", s.BranchID)
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error from fn")
	}
	s, _ := From(outer)
	if s.BranchID != 1 {
		t.Fatalf("outer scope changed: %d", s.BranchID)
	}

	func() {
		defer func() { _ = recover() }()
		_ = Run(outer, Scope{BranchID: 9}, func(context.Context) error { panic("task crashed") })
	}()
	if s, _ := From(outer); s.BranchID != 1 {
		t.Fatalf("outer scope changed after panic: %d", s.BranchID)
	}
}

func TestConcurrentScopes(t *testing.T) {
	var wg sync.WaitGroup
	for i := int64(1); i <= 50; i++ {
		wg.Add(1)
		go func(branch int64) {
			defer wg.Done()
			ctx := With(context.Background(), Scope{BranchID: branch})
			got, _, err := ReadFilter(ctx)
			if err != nil || got != branch {
				t.Errorf("branch %d leaked into %d (%v)", branch, got, err)
			}
		}(i)
	}
	wg.Wait()
}

func TestBranchForWrite(t *testing.T) {
	if _, err := BranchForWrite(context.Background(), 0); !errors.Is(err, ErrNoScope) {
		t.Fatalf("expected ErrNoScope, got %v", err)
	}
	ctx := With(context.Background(), Scope{BranchID: 5})
	if b, _ := BranchForWrite(ctx, 0); b != 5 {
		t.Fatalf("expected scope branch, got %d", b)
	}
	if b, err := BranchForWrite(ctx, 5); err != nil || b != 5 {
		t.Fatalf("expected own branch, got %d, %v", b, err)
	}
	if _, err := BranchForWrite(ctx, 8); !errors.Is(err, ErrBranchOutOfScope) {
		t.Fatalf("expected ErrBranchOutOfScope, got %v", err)
	}
	if b, err := BranchForWrite(Unscoped(ctx), 8); err != nil || b != 8 {
		t.Fatalf("expected unscoped caller to pick branch, got %d, %v", b, err)
	}
	if b, err := BranchForWrite(context.Background(), 8); err != nil || b != 8 {
		t.Fatalf("expected explicit branch without scope, got %d, %v", b, err)
	}
	// a job re-scoped through Run is bound to the new branch
	err := Run(Unscoped(context.Background()), Scope{BranchID: 2}, func(ctx context.Context) error {
		_, err := BranchForWrite(ctx, 8)
		return err
	})
	if !errors.Is(err, ErrBranchOutOfScope) {
		t.Fatalf("expected ErrBranchOutOfScope under Run, got %v", err)
	}
}
