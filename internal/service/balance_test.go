package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trenchbank/settlement/internal/models"
	"github.com/trenchbank/settlement/internal/repository"
)

func TestBalanceCreditAndDebit(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := NewBalanceService(repository.NewStore(pool))

	ctx := context.Background()
	b, err := svc.Credit(ctx, "acct-1", usd("125.50"))
	require.NoError(t, err)
	require.Equal(t, int64(125_500_000), b.AvailableUSD)
	require.Equal(t, int64(125_500_000), b.TotalDeposited)

	b, err = svc.Debit(ctx, "acct-1", usd("25.50"))
	require.NoError(t, err)
	require.Equal(t, int64(100_000_000), b.AvailableUSD)
	require.Equal(t, int64(25_500_000), b.TotalSpent)
	// Deposits are monotonic: debits never reduce them.
	require.Equal(t, int64(125_500_000), b.TotalDeposited)

	_, err = svc.Debit(ctx, "acct-1", usd("100.01"))
	require.ErrorIs(t, err, models.ErrInsufficientFunds)
}

func TestBalanceUnknownAccountIsZero(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := NewBalanceService(repository.NewStore(pool))

	b, err := svc.Get(context.Background(), "never-seen")
	require.NoError(t, err)
	require.Zero(t, b.AvailableUSD)
	require.Zero(t, b.TotalDeposited)
	require.Zero(t, b.TotalSpent)
}

func TestBalanceRejectsBadInput(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := NewBalanceService(repository.NewStore(pool))

	ctx := context.Background()
	_, err := svc.Credit(ctx, "  ", usd("10"))
	require.ErrorIs(t, err, ErrAccountRequired)
	_, err = svc.Credit(ctx, "acct-1", usd("0"))
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = svc.Debit(ctx, "acct-1", usd("-5"))
	require.ErrorIs(t, err, ErrInvalidAmount)
}

// Two concurrent debits must never both pass a stale availability check.
func TestBalanceConcurrentDebits(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := NewBalanceService(repository.NewStore(pool))

	ctx := context.Background()
	_, err := svc.Credit(ctx, "acct-1", usd("100"))
	require.NoError(t, err)

	var succeeded atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Debit(ctx, "acct-1", usd("30")); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	// $100 covers exactly three $30 debits.
	require.Equal(t, int32(3), succeeded.Load())
	b, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(10_000_000), b.AvailableUSD)
	require.Equal(t, int64(90_000_000), b.TotalSpent)
}
