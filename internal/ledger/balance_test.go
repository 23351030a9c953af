package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thriftbank/thriftbank/internal/money"
)

func TestBalanceExcludesPendingByDefault(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	deposit(t, s, ctx, "DEP", alice, 1, "1000.00")
	require.NoError(t, s.InsertGroup(ctx, transferGroup("P1", alice, bob, "250.00")))

	svc := NewBalanceService(s)
	bal, err := svc.Balance(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "1000.00", bal.String())

	avail, err := svc.Available(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "750.00", avail.String())

	// pending credits are not spendable
	bobAvail, _ := svc.Available(ctx, bob)
	assert.True(t, bobAvail.IsZero())
	bobPending, _ := svc.WithPending(ctx, bob)
	assert.Equal(t, "250.00", bobPending.String())

	require.NoError(t, s.MarkStatus(ctx, "P1", StatusSuccess, ""))
	bal, _ = svc.Balance(ctx, alice)
	assert.Equal(t, "750.00", bal.String())
	bobBal, _ := svc.Balance(ctx, bob)
	assert.Equal(t, "250.00", bobBal.String())
}

func TestDailyDebitTotal(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	day := time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)
	s.WithNow(func() time.Time { return day })
	deposit(t, s, ctx, "DEP", alice, 1, "1000.00")

	for _, trx := range []string{"A1", "A2"} {
		require.NoError(t, s.InsertGroup(ctx, transferGroup(trx, alice, bob, "100.00")))
	}
	require.NoError(t, s.MarkStatus(ctx, "A1", StatusSuccess, ""))

	svc := NewBalanceService(s)
	total, err := svc.DailyDebitTotal(ctx, 1, day)
	require.NoError(t, err)
	assert.Equal(t, "100.00", total.String())

	withPending, err := s.DailyDebitTotal(ctx, 1, day, []Status{StatusAuthorized, StatusSuccess, StatusPending})
	require.NoError(t, err)
	assert.Equal(t, "200.00", withPending.String())

	other, _ := svc.DailyDebitTotal(ctx, 1, day.AddDate(0, 0, 1))
	assert.True(t, other.IsZero())
}

func TestSnapshot(t *testing.T) {
	ctx := branchCtx(1)
	s := NewMemoryStore()
	deposit(t, s, ctx, "DEP", alice, 1, "12.34")
	svc := NewBalanceService(s)
	fixed := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.WithNow(func() time.Time { return fixed })

	snap, err := svc.Snapshot(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, "2010100001", snap.Account)
	assert.True(t, snap.Balance.Equal(money.MustParse("12.34")))
	assert.Equal(t, fixed, snap.AsOf)
}
