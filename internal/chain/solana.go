package chain

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/domain"
	"github.com/trenchbank/settlement/internal/observability"
)

// solanaTransaction mirrors the jsonParsed getTransaction response, limited
// to the fields deposit verification needs.
type solanaTransaction struct {
	Meta *struct {
		Err               any               `json:"err"`
		PreBalances       []uint64          `json:"preBalances"`
		PostBalances      []uint64          `json:"postBalances"`
		PreTokenBalances  []solTokenBalance `json:"preTokenBalances"`
		PostTokenBalances []solTokenBalance `json:"postTokenBalances"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys []struct {
				Pubkey string `json:"pubkey"`
			} `json:"accountKeys"`
		} `json:"message"`
	} `json:"transaction"`
}

type solTokenBalance struct {
	AccountIndex  int    `json:"accountIndex"`
	Mint          string `json:"mint"`
	Owner         string `json:"owner"`
	UITokenAmount struct {
		Amount   string `json:"amount"`
		Decimals int32  `json:"decimals"`
	} `json:"uiTokenAmount"`
}

type solSignatureStatus struct {
	ConfirmationStatus string `json:"confirmationStatus"`
	Err                any    `json:"err"`
}

const solConfirmPollInterval = 2 * time.Second

// SolanaClient verifies deposits and disburses withdrawals over the Solana
// JSON-RPC API.
type SolanaClient struct {
	rpc         *rpc.Client
	treasuryKey ed25519.PrivateKey
	treasury    solPubkey
	retries     int
	log         *zap.Logger
}

// NewSolanaClient dials the RPC endpoint. treasuryKey may be empty when the
// client is only used for deposit verification.
func NewSolanaClient(ctx context.Context, url, treasuryKey string, retries int, log *zap.Logger) (*SolanaClient, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial solana rpc: %w", err)
	}
	c := &SolanaClient{rpc: client, retries: retries, log: log}
	if treasuryKey != "" {
		key, err := decodeSolanaSecretKey(treasuryKey)
		if err != nil {
			return nil, err
		}
		c.treasuryKey = key
		copy(c.treasury[:], key.Public().(ed25519.PublicKey))
	}
	return c, nil
}

func (c *SolanaClient) Close() {
	c.rpc.Close()
}

// call runs one JSON-RPC method with retry, wrapping transport failures so
// callers can tell an outage from a verification verdict.
func (c *SolanaClient) call(ctx context.Context, result any, method string, args ...any) error {
	start := time.Now()
	defer func() {
		observability.ObserveChainRequest("solana", method, time.Since(start))
	}()
	return withRetry(ctx, c.retries, func() error {
		if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
			return Unavailable("solana "+method, err)
		}
		return nil
	})
}

// VerifyDeposit checks that the signature landed a sufficient transfer of
// the expected asset into the deposit address.
func (c *SolanaClient) VerifyDeposit(ctx context.Context, p VerifyParams) (VerifyResult, error) {
	var tx *solanaTransaction
	err := c.call(ctx, &tx, "getTransaction", p.TxID, map[string]any{
		"encoding":                       "jsonParsed",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return VerifyResult{}, err
	}
	if tx == nil || tx.Meta == nil {
		return VerifyResult{Reason: "transaction not found; it may still be confirming", Retryable: true}, nil
	}
	if tx.Meta.Err != nil {
		return VerifyResult{Reason: "transaction failed on chain"}, nil
	}

	var actual decimal.Decimal
	switch p.Currency {
	case domain.CurrencySOL:
		actual = solReceived(tx, p.DepositAddress)
	case domain.CurrencyUSDT:
		actual = tokenReceived(tx, p.DepositAddress, solUSDTMint.String())
	default:
		return VerifyResult{Reason: fmt.Sprintf("currency %s is not supported on solana", p.Currency)}, nil
	}

	if actual.IsZero() {
		return VerifyResult{Reason: "no transfer to the deposit address found in this transaction"}, nil
	}
	if !meetsExpected(actual, p.ExpectedAmount) {
		return VerifyResult{
			ActualAmount: actual,
			Reason:       fmt.Sprintf("received %s %s, expected %s", actual, p.Currency, p.ExpectedAmount),
		}, nil
	}
	return VerifyResult{Valid: true, ActualAmount: actual}, nil
}

// solReceived computes the lamport balance delta of the deposit address.
func solReceived(tx *solanaTransaction, address string) decimal.Decimal {
	keys := tx.Transaction.Message.AccountKeys
	for i, key := range keys {
		if key.Pubkey != address {
			continue
		}
		if i >= len(tx.Meta.PreBalances) || i >= len(tx.Meta.PostBalances) {
			return decimal.Zero
		}
		pre := decimal.NewFromUint64(tx.Meta.PreBalances[i])
		post := decimal.NewFromUint64(tx.Meta.PostBalances[i])
		delta := post.Sub(pre)
		if delta.Sign() <= 0 {
			return decimal.Zero
		}
		return delta.Div(decimal.NewFromInt(lamportsPerSOL))
	}
	return decimal.Zero
}

// tokenReceived computes the SPL token delta of accounts owned by the
// deposit address for the given mint.
func tokenReceived(tx *solanaTransaction, owner, mint string) decimal.Decimal {
	sum := func(balances []solTokenBalance) decimal.Decimal {
		total := decimal.Zero
		for _, b := range balances {
			if b.Owner != owner || b.Mint != mint {
				continue
			}
			raw, err := decimal.NewFromString(b.UITokenAmount.Amount)
			if err != nil {
				continue
			}
			total = total.Add(raw.Shift(-b.UITokenAmount.Decimals))
		}
		return total
	}
	delta := sum(tx.Meta.PostTokenBalances).Sub(sum(tx.Meta.PreTokenBalances))
	if delta.Sign() <= 0 {
		return decimal.Zero
	}
	return delta
}

// Submit broadcasts a disbursement from the treasury and returns the
// transaction signature.
func (c *SolanaClient) Submit(ctx context.Context, d Disbursement) (string, error) {
	if c.treasuryKey == nil {
		return "", fmt.Errorf("solana treasury key is not configured")
	}
	dest, err := pubkeyFromBase58(d.Destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination address: %w", err)
	}

	var instructions []solInstruction
	switch d.Currency {
	case domain.CurrencySOL:
		lamports := d.Amount.Mul(decimal.NewFromInt(lamportsPerSOL)).Truncate(0)
		if !lamports.IsPositive() {
			return "", fmt.Errorf("disbursement amount %s rounds to zero lamports", d.Amount)
		}
		instructions = append(instructions, systemTransfer(c.treasury, dest, lamports.BigInt().Uint64()))
	case domain.CurrencyUSDT:
		units := d.Amount.Shift(domain.TokenDecimals(domain.NetworkSolana, domain.CurrencyUSDT)).Truncate(0)
		if !units.IsPositive() {
			return "", fmt.Errorf("disbursement amount %s rounds to zero token units", d.Amount)
		}
		ixs, err := c.usdtTransfer(ctx, dest, units.BigInt().Uint64())
		if err != nil {
			return "", err
		}
		instructions = ixs
	default:
		return "", fmt.Errorf("currency %s is not supported on solana", d.Currency)
	}

	var blockhashResp struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := c.call(ctx, &blockhashResp, "getLatestBlockhash", map[string]any{"commitment": "finalized"}); err != nil {
		return "", err
	}
	blockhash, err := pubkeyFromBase58(blockhashResp.Value.Blockhash)
	if err != nil {
		return "", fmt.Errorf("malformed blockhash in rpc response: %w", err)
	}

	msg, _, err := buildSolanaMessage(c.treasury, instructions, blockhash)
	if err != nil {
		return "", err
	}
	wire := signSolanaTransaction(msg, c.treasuryKey)

	// No retry here: a timed-out send may still land on chain, and a blind
	// resend of a fresh blockhash could double-pay.
	var signature string
	if err := c.rpc.CallContext(ctx, &signature, "sendTransaction",
		base64.StdEncoding.EncodeToString(wire),
		map[string]any{"encoding": "base64", "preflightCommitment": "confirmed"},
	); err != nil {
		return "", Unavailable("solana sendTransaction", err)
	}
	c.log.Info("solana transaction broadcast",
		zap.String("signature", signature),
		zap.String("currency", d.Currency))
	return signature, nil
}

// usdtTransfer builds the token transfer, creating the destination's
// associated token account when it does not exist yet.
func (c *SolanaClient) usdtTransfer(ctx context.Context, dest solPubkey, units uint64) ([]solInstruction, error) {
	sourceATA, err := associatedTokenAddress(c.treasury, solUSDTMint)
	if err != nil {
		return nil, err
	}
	destATA, err := associatedTokenAddress(dest, solUSDTMint)
	if err != nil {
		return nil, err
	}

	var accountResp struct {
		Value *struct {
			Owner string `json:"owner"`
		} `json:"value"`
	}
	if err := c.call(ctx, &accountResp, "getAccountInfo", destATA.String(), map[string]any{"encoding": "base64"}); err != nil {
		return nil, err
	}

	var ixs []solInstruction
	if accountResp.Value == nil {
		ixs = append(ixs, createAssociatedTokenAccount(c.treasury, destATA, dest, solUSDTMint))
	}
	ixs = append(ixs, tokenTransfer(sourceATA, destATA, c.treasury, units))
	return ixs, nil
}

// Confirm blocks until the signature is confirmed or the context expires.
func (c *SolanaClient) Confirm(ctx context.Context, txID string) error {
	for {
		status, err := c.Status(ctx, txID)
		if err != nil {
			return err
		}
		switch status {
		case TxStatusConfirmed:
			return nil
		case TxStatusFailed:
			return fmt.Errorf("transaction %s failed on chain", txID)
		}
		select {
		case <-ctx.Done():
			return Unavailable("solana confirm", ctx.Err())
		case <-time.After(solConfirmPollInterval):
		}
	}
}

// Status looks up the signature's confirmation state.
func (c *SolanaClient) Status(ctx context.Context, txID string) (TxStatus, error) {
	var resp struct {
		Value []*solSignatureStatus `json:"value"`
	}
	err := c.call(ctx, &resp, "getSignatureStatuses",
		[]string{txID},
		map[string]any{"searchTransactionHistory": true},
	)
	if err != nil {
		return TxStatusUnknown, err
	}
	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return TxStatusUnknown, nil
	}
	st := resp.Value[0]
	if st.Err != nil {
		return TxStatusFailed, nil
	}
	switch strings.ToLower(st.ConfirmationStatus) {
	case "confirmed", "finalized":
		return TxStatusConfirmed, nil
	default:
		return TxStatusPending, nil
	}
}
