package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/trenchbank/settlement/internal/chain"
	"github.com/trenchbank/settlement/internal/domain"
	"github.com/trenchbank/settlement/internal/models"
	"github.com/trenchbank/settlement/internal/pricing"
	"github.com/trenchbank/settlement/internal/repository"
)

const (
	testSolanaWallet   = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	testEthereumWallet = "0x1111111111111111111111111111111111111111"
)

func testPrices() pricing.Source {
	return pricing.NewStaticSource(map[string]decimal.Decimal{
		"SOL":  usd("185"),
		"ETH":  usd("3200"),
		"USDT": usd("1"),
	})
}

func newDepositService(store QueryStore, reg *chain.Registry, ttl time.Duration) *DepositService {
	return NewDepositService(store, reg, testPrices(), DepositConfig{
		Fees:          domain.DepositFeeSchedule{Rate: usd("0.02"), Flat: usd("5")},
		MinDepositUSD: usd("20"),
		DepositAddresses: map[string]string{
			"solana":   testSolanaWallet,
			"ethereum": testEthereumWallet,
		},
		TTL:          ttl,
		ChainTimeout: 5 * time.Second,
	})
}

func TestDepositCreateQuotesGrossAndCrypto(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	svc := newDepositService(store, testRegistry(nil, nil), time.Hour)

	d, err := svc.Create(context.Background(), CreateDepositRequest{
		AccountID: "acct-1",
		NetUSD:    usd("20"),
		Currency:  "SOL",
		Network:   "solana",
	})
	require.NoError(t, err)

	// gross = (20 + 5) / 0.98 = 25.51
	require.Equal(t, int64(25_510_000), d.GrossAmountUSD)
	require.Equal(t, int64(20_000_000), d.NetAmountUSD)
	require.True(t, d.ExpectedCrypto.Equal(usd("25.51").Div(usd("185")).Round(9)),
		"expected crypto %s", d.ExpectedCrypto)
	require.Equal(t, domain.DepositStatusPending, d.Status)
	require.Equal(t, testSolanaWallet, d.DepositAddress)
	require.True(t, strings.HasPrefix(d.Reference, "TB-"))
	require.Len(t, d.Reference, 11)
	require.True(t, d.ExpiresAt.After(time.Now()))
}

func TestDepositCreateRejectsBelowMinimum(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newDepositService(repository.NewStore(pool), testRegistry(nil, nil), time.Hour)

	_, err := svc.Create(context.Background(), CreateDepositRequest{
		AccountID: "acct-1",
		NetUSD:    usd("19.99"),
		Currency:  "SOL",
		Network:   "solana",
	})
	require.ErrorIs(t, err, ErrDepositTooSmall)
}

func TestDepositCreateRejectsUnsupportedPair(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	svc := newDepositService(repository.NewStore(pool), testRegistry(nil, nil), time.Hour)

	_, err := svc.Create(context.Background(), CreateDepositRequest{
		AccountID: "acct-1",
		NetUSD:    usd("50"),
		Currency:  "ETH",
		Network:   "solana",
	})
	require.ErrorIs(t, err, ErrUnsupportedPair)
}

func TestDepositVerifyCreditsNetAmount(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	verifier := &fakeVerifier{result: chain.VerifyResult{Valid: true, ActualAmount: usd("0.138")}}
	svc := newDepositService(store, testRegistry(verifier, nil), time.Hour)

	ctx := context.Background()
	d, err := svc.Create(ctx, CreateDepositRequest{
		AccountID: "acct-1", NetUSD: usd("20"), Currency: "SOL", Network: "solana",
	})
	require.NoError(t, err)

	verified, actual, err := svc.Verify(ctx, d.ID, "  sig-1  ")
	require.NoError(t, err)
	require.True(t, actual.Equal(usd("0.138")), actual.String())
	require.Equal(t, domain.DepositStatusCompleted, verified.Status)
	require.NotNil(t, verified.TxID)
	require.Equal(t, "sig-1", *verified.TxID)
	require.NotNil(t, verified.CompletedAt)

	balance, err := store.Queries().GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(20_000_000), balance.AvailableUSD)
	require.Equal(t, int64(20_000_000), balance.TotalDeposited)

	used, err := store.Queries().IsTransactionConsumed(ctx, "solana", "sig-1")
	require.NoError(t, err)
	require.True(t, used)
}

func TestDepositVerifyRejectsReusedSignature(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	verifier := &fakeVerifier{result: chain.VerifyResult{Valid: true, ActualAmount: usd("1")}}
	svc := newDepositService(store, testRegistry(verifier, nil), time.Hour)

	ctx := context.Background()
	first, err := svc.Create(ctx, CreateDepositRequest{
		AccountID: "acct-1", NetUSD: usd("20"), Currency: "SOL", Network: "solana",
	})
	require.NoError(t, err)
	second, err := svc.Create(ctx, CreateDepositRequest{
		AccountID: "acct-2", NetUSD: usd("20"), Currency: "SOL", Network: "solana",
	})
	require.NoError(t, err)

	_, _, err = svc.Verify(ctx, first.ID, "sig-dup")
	require.NoError(t, err)
	require.Equal(t, 1, verifier.calls)

	// The second request must be rejected before any chain call.
	_, _, err = svc.Verify(ctx, second.ID, "sig-dup")
	require.ErrorIs(t, err, models.ErrDuplicateTransaction)
	require.Equal(t, 1, verifier.calls)

	// Only the first account was credited.
	balance, err := store.Queries().GetBalance(ctx, "acct-2")
	require.NoError(t, err)
	require.Zero(t, balance.AvailableUSD)
}

func TestDepositVerifyRetrySameRequestAfterPending(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	verifier := &fakeVerifier{result: chain.VerifyResult{Reason: "transaction not found; it may still be confirming", Retryable: true}}
	svc := newDepositService(store, testRegistry(verifier, nil), time.Hour)

	ctx := context.Background()
	d, err := svc.Create(ctx, CreateDepositRequest{
		AccountID: "acct-1", NetUSD: usd("20"), Currency: "SOL", Network: "solana",
	})
	require.NoError(t, err)

	_, _, err = svc.Verify(ctx, d.ID, "sig-slow")
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.True(t, verr.Retryable)

	// The transaction confirms; the same request retries the same signature.
	verifier.result = chain.VerifyResult{Valid: true, ActualAmount: usd("0.14")}
	verified, actual, err := svc.Verify(ctx, d.ID, "sig-slow")
	require.NoError(t, err)
	require.True(t, actual.Equal(usd("0.14")), actual.String())
	require.Equal(t, domain.DepositStatusCompleted, verified.Status)

	balance, err := store.Queries().GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, int64(20_000_000), balance.AvailableUSD)
}

func TestDepositVerifyInvalidMarksFailed(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	verifier := &fakeVerifier{result: chain.VerifyResult{Reason: "received 0.01 SOL, expected 0.14"}}
	svc := newDepositService(store, testRegistry(verifier, nil), time.Hour)

	ctx := context.Background()
	d, err := svc.Create(ctx, CreateDepositRequest{
		AccountID: "acct-1", NetUSD: usd("20"), Currency: "SOL", Network: "solana",
	})
	require.NoError(t, err)

	_, _, err = svc.Verify(ctx, d.ID, "sig-short")
	var verr *VerificationError
	require.ErrorAs(t, err, &verr)
	require.False(t, verr.Retryable)

	got, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DepositStatusFailed, got.Status)
	require.NotNil(t, got.FailureReason)

	// Nothing was credited.
	balance, err := store.Queries().GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	require.Zero(t, balance.AvailableUSD)
}

func TestDepositVerifyExpired(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	verifier := &fakeVerifier{result: chain.VerifyResult{Valid: true}}
	svc := newDepositService(store, testRegistry(verifier, nil), -time.Minute)

	ctx := context.Background()
	d, err := svc.Create(ctx, CreateDepositRequest{
		AccountID: "acct-1", NetUSD: usd("20"), Currency: "SOL", Network: "solana",
	})
	require.NoError(t, err)

	_, _, err = svc.Verify(ctx, d.ID, "sig-late")
	require.ErrorIs(t, err, ErrDepositExpired)
	require.Zero(t, verifier.calls)
}

func TestDepositCancelPendingOnly(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	verifier := &fakeVerifier{result: chain.VerifyResult{Valid: true, ActualAmount: usd("0.14")}}
	svc := newDepositService(store, testRegistry(verifier, nil), time.Hour)

	ctx := context.Background()
	d, err := svc.Create(ctx, CreateDepositRequest{
		AccountID: "acct-1", NetUSD: usd("20"), Currency: "SOL", Network: "solana",
	})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DepositStatusCancelled, cancelled.Status)

	// A cancelled request is terminal.
	_, _, err = svc.Verify(ctx, d.ID, "sig-x")
	require.ErrorIs(t, err, ErrDepositNotVerifiable)
	_, err = svc.Cancel(ctx, d.ID)
	require.ErrorIs(t, err, ErrDepositNotVerifiable)
}

func TestDepositExpireOverdueSweep(t *testing.T) {
	pool := setupTestDB(t)
	defer pool.Close()
	store := repository.NewStore(pool)
	svc := newDepositService(store, testRegistry(nil, nil), -time.Minute)

	ctx := context.Background()
	d, err := svc.Create(ctx, CreateDepositRequest{
		AccountID: "acct-1", NetUSD: usd("20"), Currency: "SOL", Network: "solana",
	})
	require.NoError(t, err)

	swept, err := svc.ExpireOverdue(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), swept)

	got, err := svc.Get(ctx, d.ID)
	require.NoError(t, err)
	require.Equal(t, domain.DepositStatusExpired, got.Status)
}
