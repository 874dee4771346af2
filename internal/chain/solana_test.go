package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/domain"
)

// fakeSolanaRPC serves canned JSON-RPC responses keyed by method name.
func fakeSolanaRPC(t *testing.T, results map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, ok := results[req.Method]
		if !ok {
			result = "null"
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testPubkey(fill byte) string {
	var b [32]byte
	for i := range b {
		b[i] = fill
	}
	return base58.Encode(b[:])
}

func newTestSolanaClient(t *testing.T, results map[string]string) *SolanaClient {
	t.Helper()
	srv := fakeSolanaRPC(t, results)
	client, err := NewSolanaClient(context.Background(), srv.URL, "", 1, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client
}

func TestSolanaVerifyDepositSOL(t *testing.T) {
	deposit := testPubkey(0x11)
	sender := testPubkey(0x22)

	tx := fmt.Sprintf(`{
		"meta": {
			"err": null,
			"preBalances": [2000000000, 1000000000],
			"postBalances": [1499995000, 1500000000]
		},
		"transaction": {"message": {"accountKeys": [
			{"pubkey": %q},
			{"pubkey": %q}
		]}}
	}`, sender, deposit)

	client := newTestSolanaClient(t, map[string]string{"getTransaction": tx})

	res, err := client.VerifyDeposit(context.Background(), VerifyParams{
		Network:        domain.NetworkSolana,
		Currency:       domain.CurrencySOL,
		TxID:           "sig",
		DepositAddress: deposit,
		ExpectedAmount: decimal.NewFromFloat(0.5),
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.ActualAmount.Equal(decimal.NewFromFloat(0.5)), "got %s", res.ActualAmount)
}

func TestSolanaVerifyDepositSOLUnderpaid(t *testing.T) {
	deposit := testPubkey(0x11)

	tx := fmt.Sprintf(`{
		"meta": {
			"err": null,
			"preBalances": [1000000000],
			"postBalances": [1100000000]
		},
		"transaction": {"message": {"accountKeys": [{"pubkey": %q}]}}
	}`, deposit)

	client := newTestSolanaClient(t, map[string]string{"getTransaction": tx})

	res, err := client.VerifyDeposit(context.Background(), VerifyParams{
		Currency:       domain.CurrencySOL,
		TxID:           "sig",
		DepositAddress: deposit,
		ExpectedAmount: decimal.NewFromFloat(0.5),
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.False(t, res.Retryable)
	assert.Contains(t, res.Reason, "expected")
}

func TestSolanaVerifyDepositWithinTolerance(t *testing.T) {
	deposit := testPubkey(0x11)

	// 0.495 SOL against an expected 0.5: inside the 1% band.
	tx := fmt.Sprintf(`{
		"meta": {
			"err": null,
			"preBalances": [0],
			"postBalances": [495000000]
		},
		"transaction": {"message": {"accountKeys": [{"pubkey": %q}]}}
	}`, deposit)

	client := newTestSolanaClient(t, map[string]string{"getTransaction": tx})

	res, err := client.VerifyDeposit(context.Background(), VerifyParams{
		Currency:       domain.CurrencySOL,
		TxID:           "sig",
		DepositAddress: deposit,
		ExpectedAmount: decimal.NewFromFloat(0.5),
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestSolanaVerifyDepositUSDT(t *testing.T) {
	deposit := testPubkey(0x11)

	tx := fmt.Sprintf(`{
		"meta": {
			"err": null,
			"preBalances": [0],
			"postBalances": [0],
			"preTokenBalances": [
				{"accountIndex": 1, "mint": %q, "owner": %q,
				 "uiTokenAmount": {"amount": "1000000", "decimals": 6}}
			],
			"postTokenBalances": [
				{"accountIndex": 1, "mint": %q, "owner": %q,
				 "uiTokenAmount": {"amount": "26000000", "decimals": 6}}
			]
		},
		"transaction": {"message": {"accountKeys": []}}
	}`, solUSDTMint, deposit, solUSDTMint, deposit)

	client := newTestSolanaClient(t, map[string]string{"getTransaction": tx})

	res, err := client.VerifyDeposit(context.Background(), VerifyParams{
		Currency:       domain.CurrencyUSDT,
		TxID:           "sig",
		DepositAddress: deposit,
		ExpectedAmount: decimal.NewFromInt(25),
	})
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.True(t, res.ActualAmount.Equal(decimal.NewFromInt(25)), "got %s", res.ActualAmount)
}

func TestSolanaVerifyDepositUSDTWrongMint(t *testing.T) {
	deposit := testPubkey(0x11)
	otherMint := testPubkey(0x33)

	tx := fmt.Sprintf(`{
		"meta": {
			"err": null,
			"preBalances": [0],
			"postBalances": [0],
			"preTokenBalances": [],
			"postTokenBalances": [
				{"accountIndex": 1, "mint": %q, "owner": %q,
				 "uiTokenAmount": {"amount": "25000000", "decimals": 6}}
			]
		},
		"transaction": {"message": {"accountKeys": []}}
	}`, otherMint, deposit)

	client := newTestSolanaClient(t, map[string]string{"getTransaction": tx})

	res, err := client.VerifyDeposit(context.Background(), VerifyParams{
		Currency:       domain.CurrencyUSDT,
		TxID:           "sig",
		DepositAddress: deposit,
		ExpectedAmount: decimal.NewFromInt(25),
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestSolanaVerifyDepositNotFound(t *testing.T) {
	client := newTestSolanaClient(t, map[string]string{"getTransaction": "null"})

	res, err := client.VerifyDeposit(context.Background(), VerifyParams{
		Currency:       domain.CurrencySOL,
		TxID:           "missing",
		DepositAddress: testPubkey(0x11),
		ExpectedAmount: decimal.NewFromFloat(1),
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.True(t, res.Retryable)
}

func TestSolanaVerifyDepositFailedOnChain(t *testing.T) {
	deposit := testPubkey(0x11)
	tx := fmt.Sprintf(`{
		"meta": {"err": {"InstructionError": [0, "Custom"]}, "preBalances": [], "postBalances": []},
		"transaction": {"message": {"accountKeys": [{"pubkey": %q}]}}
	}`, deposit)

	client := newTestSolanaClient(t, map[string]string{"getTransaction": tx})

	res, err := client.VerifyDeposit(context.Background(), VerifyParams{
		Currency:       domain.CurrencySOL,
		TxID:           "sig",
		DepositAddress: deposit,
		ExpectedAmount: decimal.NewFromFloat(1),
	})
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.False(t, res.Retryable)
}

func TestSolanaStatus(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   TxStatus
	}{
		{"finalized", `{"value": [{"confirmationStatus": "finalized", "err": null}]}`, TxStatusConfirmed},
		{"confirmed", `{"value": [{"confirmationStatus": "confirmed", "err": null}]}`, TxStatusConfirmed},
		{"processed", `{"value": [{"confirmationStatus": "processed", "err": null}]}`, TxStatusPending},
		{"failed", `{"value": [{"confirmationStatus": "finalized", "err": {"some": "error"}}]}`, TxStatusFailed},
		{"unknown", `{"value": [null]}`, TxStatusUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestSolanaClient(t, map[string]string{"getSignatureStatuses": tt.result})
			status, err := client.Status(context.Background(), "sig")
			require.NoError(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}
