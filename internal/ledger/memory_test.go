package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thriftbank/thriftbank/internal/money"
	"github.com/thriftbank/thriftbank/internal/tenant"
)

var (
	vault    = MustAccountID("10101", "00001")
	alice    = MustAccountID("20101", "00001")
	bob      = MustAccountID("20101", "00002")
	feeIncom = MustAccountID("40101", "00001")
)

func branchCtx(branch int64) context.Context {
	return tenant.With(context.Background(), tenant.Scope{BranchID: branch, CompanyID: 1, UserID: 99})
}

func deposit(t *testing.T, s Store, ctx context.Context, trx string, to AccountID, customerID int64, amount string) {
	t.Helper()
	amt := money.MustParse(amount)
	err := s.InsertGroup(ctx, Group{
		TrxNo:  trx,
		Status: StatusAuthorized,
		Legs: []Leg{
			{Account: vault, Amount: amt.Neg(), Type: TypeDeposit, AccountType: AccountBank},
			{Account: to, CustomerID: customerID, Amount: amt, Type: TypeDeposit, AccountType: AccountCustomer},
		},
	})
	require.NoError(t, err)
}

func transferGroup(trx string, from, to AccountID, amount string) Group {
	amt := money.MustParse(amount)
	return Group{
		TrxNo: trx,
		Legs: []Leg{
			{Account: from, CustomerID: 1, Amount: amt.Neg(), Type: TypeTransfer, AccountType: AccountCustomer},
			{Account: to, CustomerID: 2, Amount: amt, Type: TypeTransfer, AccountType: AccountCustomer},
		},
	}
}

func TestGroupValidation(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()

	unbalanced := transferGroup("T1", alice, bob, "10.00")
	unbalanced.Legs[1].Amount = money.MustParse("9.99")
	require.ErrorIs(t, s.InsertGroup(ctx, unbalanced), ErrZeroSumViolation)

	oneSided := Group{TrxNo: "T2", Legs: []Leg{
		{Account: alice, Amount: money.MustParse("5.00")},
		{Account: bob, Amount: money.MustParse("5.00")},
	}}
	require.ErrorIs(t, s.InsertGroup(ctx, oneSided), ErrInvalidGroup)

	single := Group{TrxNo: "T3", Legs: []Leg{{Account: alice, Amount: money.MustParse("1.00")}}}
	require.ErrorIs(t, s.InsertGroup(ctx, single), ErrInvalidGroup)

	badAccount := transferGroup("T4", AccountID{GL: "1", AC: "2"}, bob, "1.00")
	require.ErrorIs(t, s.InsertGroup(ctx, badAccount), ErrInvalidAccountFormat)

	assert.Empty(t, s.Postings())
}

func TestDuplicateTrxNoRejected(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(ctx, transferGroup("DUP", alice, bob, "1.00")))
	require.ErrorIs(t, s.InsertGroup(ctx, transferGroup("DUP", alice, bob, "2.00")), ErrDuplicateTrxNo)
	assert.Len(t, s.Postings(), 2)
}

func TestGroupForAnotherBranchRejected(t *testing.T) {
	s := NewMemoryStore()
	g := transferGroup("X1", alice, bob, "1.00")
	g.BranchID = 2
	require.ErrorIs(t, s.InsertGroup(branchCtx(1), g), tenant.ErrBranchOutOfScope)
	assert.Empty(t, s.Postings())

	require.NoError(t, s.InsertGroup(branchCtx(2), g))
	postings, err := s.Group(branchCtx(2), "X1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), postings[0].BranchID)
}

func TestGuardFailureLeavesNoLegs(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	g := transferGroup("G1", alice, bob, "10.00")
	boom := errors.New("rejected")
	g.Guard = func(context.Context, Reader) error { return boom }
	require.ErrorIs(t, s.InsertGroup(ctx, g), boom)
	assert.Empty(t, s.Postings())

	// trx_no stays available after a rejected attempt
	g.Guard = nil
	require.NoError(t, s.InsertGroup(ctx, g))
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	deposit(t, s, ctx, "DEP1", alice, 1, "100.00")

	var wg sync.WaitGroup
	var ok, rejected int32
	insufficient := errors.New("insufficient")
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := transferGroup(fmt.Sprintf("C%02d", i), alice, bob, "30.00")
			g.Guard = func(ctx context.Context, r Reader) error {
				avail, err := Available(ctx, r, alice)
				if err != nil {
					return err
				}
				if avail.Cmp(money.MustParse("30.00")) < 0 {
					return insufficient
				}
				return nil
			}
			if err := s.InsertGroup(ctx, g); err != nil {
				atomic.AddInt32(&rejected, 1)
				return
			}
			atomic.AddInt32(&ok, 1)
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 3, ok)
	assert.EqualValues(t, 17, rejected)
	avail, err := Available(ctx, s, alice)
	require.NoError(t, err)
	assert.Equal(t, "10.00", avail.String())
}

func TestMarkStatusTransitions(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	require.NoError(t, s.InsertGroup(ctx, transferGroup("M1", alice, bob, "5.00")))

	require.ErrorIs(t, s.MarkStatus(ctx, "M1", StatusPending, ""), ErrInvalidTransition)
	require.NoError(t, s.MarkStatus(ctx, "M1", StatusSuccess, "settled"))
	// idempotent on the same terminal status
	require.NoError(t, s.MarkStatus(ctx, "M1", StatusSuccess, "again"))
	require.ErrorIs(t, s.MarkStatus(ctx, "M1", StatusFailed, ""), ErrInvalidTransition)
	require.ErrorIs(t, s.Annotate(ctx, "M1", "late"), ErrInvalidTransition)
	require.ErrorIs(t, s.MarkStatus(ctx, "missing", StatusSuccess, ""), ErrGroupNotFound)

	legs, err := s.Group(ctx, "M1")
	require.NoError(t, err)
	for _, p := range legs {
		assert.Equal(t, StatusSuccess, p.Status)
		assert.Equal(t, "settled", p.Description)
	}
}

func TestInsertReversal(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	deposit(t, s, ctx, "DEP1", alice, 1, "5000.00")
	require.NoError(t, s.InsertGroup(ctx, transferGroup("X1", alice, bob, "5000.00")))

	avail, _ := Available(ctx, s, alice)
	assert.Equal(t, "0.00", avail.String())

	revNo, err := s.InsertReversal(ctx, "X1", "psp code 72")
	require.NoError(t, err)
	assert.Equal(t, "REVX1", revNo)
	require.NoError(t, s.MarkStatus(ctx, "X1", StatusFailed, ""))
	require.ErrorIs(t, s.MarkStatus(ctx, "X1", StatusSuccess, ""), ErrInvalidTransition)

	again, err := s.InsertReversal(ctx, "X1", "again")
	require.ErrorIs(t, err, ErrDuplicateTrxNo)
	assert.Equal(t, revNo, again)

	rev, err := s.Group(ctx, revNo)
	require.NoError(t, err)
	require.Len(t, rev, 2)
	assert.Equal(t, "5000.00", rev[0].Amount.String())
	assert.Equal(t, Credit, rev[0].TrxType())
	assert.Equal(t, StatusReversal, rev[0].Status)

	orig, _ := s.Group(ctx, "X1")
	assert.Contains(t, orig[0].Description, "reversed: psp code 72")
	for _, p := range orig {
		assert.Equal(t, StatusFailed, p.Status)
	}

	bal, _ := NewBalanceService(s).Balance(ctx, alice)
	assert.Equal(t, "5000.00", bal.String())
	avail, _ = Available(ctx, s, alice)
	assert.Equal(t, "5000.00", avail.String())
}

func TestSettleAndReversalRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		ctx := branchCtx(1)
		s := NewMemoryStore()
		deposit(t, s, ctx, "DEP1", alice, 1, "100.00")
		require.NoError(t, s.InsertGroup(ctx, transferGroup("R1", alice, bob, "100.00")))

		var settleErr, reverseErr error
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			settleErr = s.MarkStatus(ctx, "R1", StatusSuccess, "settled")
		}()
		go func() {
			defer wg.Done()
			_, reverseErr = s.InsertReversal(ctx, "R1", "provider failure")
		}()
		wg.Wait()

		if (settleErr == nil) == (reverseErr == nil) {
			t.Fatalf("want exactly one winner, settle=%v reverse=%v", settleErr, reverseErr)
		}
		bal, err := NewBalanceService(s).Balance(ctx, alice)
		require.NoError(t, err)
		if settleErr == nil {
			assert.Equal(t, "0.00", bal.String())
			assert.ErrorIs(t, reverseErr, ErrInvalidTransition)
			_, err := s.Group(ctx, ReversalTrxNo("R1"))
			assert.ErrorIs(t, err, ErrGroupNotFound)
		} else {
			assert.Equal(t, "100.00", bal.String())
			assert.ErrorIs(t, settleErr, ErrInvalidTransition)
		}
	}
}

func TestDoubleEntryAndConservation(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	deposit(t, s, ctx, "DEP1", alice, 1, "1000.00")
	for i := 0; i < 5; i++ {
		trx := fmt.Sprintf("T%d", i)
		require.NoError(t, s.InsertGroup(ctx, transferGroup(trx, alice, bob, "20.00")))
		require.NoError(t, s.MarkStatus(ctx, trx, StatusSuccess, ""))
	}
	bad, err := s.UnbalancedGroups(ctx, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, bad)

	balances := NewBalanceService(s)
	total := money.Zero
	for _, acct := range []AccountID{vault, alice, bob, feeIncom} {
		b, err := balances.Balance(ctx, acct)
		require.NoError(t, err)
		total, _ = total.Add(b)
	}
	assert.True(t, total.IsZero(), "ledger created money: %s", total)
}

func TestTenantIsolation(t *testing.T) {
	s := NewMemoryStore()
	deposit(t, s, branchCtx(1), "B1DEP", alice, 1, "100.00")
	deposit(t, s, branchCtx(2), "B2DEP", alice, 1, "7.00")

	b1, err := NewBalanceService(s).Balance(branchCtx(1), alice)
	require.NoError(t, err)
	assert.Equal(t, "100.00", b1.String())

	b2, _ := NewBalanceService(s).Balance(branchCtx(2), alice)
	assert.Equal(t, "7.00", b2.String())

	all, _ := NewBalanceService(s).Balance(tenant.Unscoped(context.Background()), alice)
	assert.Equal(t, "107.00", all.String())

	_, err = s.Group(branchCtx(2), "B1DEP")
	require.ErrorIs(t, err, ErrGroupNotFound)

	_, err = NewBalanceService(s).Balance(context.Background(), alice)
	require.ErrorIs(t, err, tenant.ErrNoScope)
}

func TestListByAccountPaging(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	s.WithNow(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	})
	for i := 0; i < 5; i++ {
		deposit(t, s, ctx, fmt.Sprintf("D%d", i), alice, 1, "1.00")
	}
	page, err := s.ListByAccount(ctx, StatementQuery{Account: alice, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Postings, 2)
	assert.Equal(t, "D4", page.Postings[0].TrxNo)
	assert.Equal(t, "D3", page.Postings[1].TrxNo)

	page, err = s.ListByAccount(ctx, StatementQuery{Account: alice, Limit: 2, Offset: 4})
	require.NoError(t, err)
	require.Len(t, page.Postings, 1)
	assert.Equal(t, "D0", page.Postings[0].TrxNo)
}
