package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/domain"
	"github.com/trenchbank/settlement/internal/observability"
)

func observeEVM(op string) func() {
	start := time.Now()
	return func() {
		observability.ObserveChainRequest("ethereum", op, time.Since(start))
	}
}

// Mainnet USDT contract and the ERC-20 Transfer event signature.
var (
	evmUSDTContract  = common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7")
	erc20TransferSig = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	// transfer(address,uint256)
	erc20TransferSelector = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
)

const (
	evmGasLimitNative   = 21_000
	evmGasLimitERC20    = 90_000
	evmConfirmPollDelay = 3 * time.Second
)

var weiPerETH = decimal.New(1, 18)

// EVMClient verifies deposits and disburses withdrawals on an
// Ethereum-compatible chain.
type EVMClient struct {
	eth         *ethclient.Client
	chainID     *big.Int
	treasuryKey *ecdsa.PrivateKey
	treasury    common.Address
	retries     int
	log         *zap.Logger
}

// NewEVMClient dials the RPC endpoint and caches the chain id. treasuryKey
// may be empty when the client is only used for deposit verification.
func NewEVMClient(ctx context.Context, url, treasuryKey string, retries int, log *zap.Logger) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum rpc: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	c := &EVMClient{eth: client, chainID: chainID, retries: retries, log: log}
	if treasuryKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(treasuryKey, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse treasury key: %w", err)
		}
		c.treasuryKey = key
		c.treasury = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

func (c *EVMClient) Close() {
	c.eth.Close()
}

// VerifyDeposit checks that the hash landed a sufficient transfer of the
// expected asset into the deposit address.
func (c *EVMClient) VerifyDeposit(ctx context.Context, p VerifyParams) (VerifyResult, error) {
	defer observeEVM("verifyDeposit")()
	hash := common.HexToHash(p.TxID)
	deposit := common.HexToAddress(p.DepositAddress)

	var (
		tx        *types.Transaction
		isPending bool
	)
	err := withRetry(ctx, c.retries, func() error {
		var err error
		tx, isPending, err = c.eth.TransactionByHash(ctx, hash)
		if err != nil && err != ethereum.NotFound {
			return Unavailable("ethereum getTransaction", err)
		}
		return err
	})
	if err == ethereum.NotFound {
		return VerifyResult{Reason: "transaction not found; it may still be propagating", Retryable: true}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if isPending {
		return VerifyResult{Reason: "transaction is still pending", Retryable: true}, nil
	}

	var receipt *types.Receipt
	err = withRetry(ctx, c.retries, func() error {
		var err error
		receipt, err = c.eth.TransactionReceipt(ctx, hash)
		if err != nil && err != ethereum.NotFound {
			return Unavailable("ethereum getTransactionReceipt", err)
		}
		return err
	})
	if err == ethereum.NotFound {
		return VerifyResult{Reason: "transaction receipt not available yet", Retryable: true}, nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return VerifyResult{Reason: "transaction reverted on chain"}, nil
	}

	var actual decimal.Decimal
	switch p.Currency {
	case domain.CurrencyETH:
		if tx.To() == nil || *tx.To() != deposit {
			return VerifyResult{Reason: "transaction does not pay the deposit address"}, nil
		}
		actual = decimal.NewFromBigInt(tx.Value(), 0).Div(weiPerETH)
	case domain.CurrencyUSDT:
		actual = erc20Received(receipt, evmUSDTContract, deposit,
			domain.TokenDecimals(domain.NetworkEthereum, domain.CurrencyUSDT))
	default:
		return VerifyResult{Reason: fmt.Sprintf("currency %s is not supported on ethereum", p.Currency)}, nil
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

// erc20Received sums Transfer events from the token contract that credit
// the recipient.
func erc20Received(receipt *types.Receipt, token, recipient common.Address, decimals int32) decimal.Decimal {
	total := new(big.Int)
	for _, lg := range receipt.Logs {
		if lg.Address != token || len(lg.Topics) != 3 || lg.Topics[0] != erc20TransferSig {
			continue
		}
		if common.BytesToAddress(lg.Topics[2].Bytes()) != recipient {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(lg.Data))
	}
	return decimal.NewFromBigInt(total, -decimals)
}

// Submit signs and broadcasts a disbursement from the treasury wallet.
func (c *EVMClient) Submit(ctx context.Context, d Disbursement) (string, error) {
	defer observeEVM("submit")()
	if c.treasuryKey == nil {
		return "", fmt.Errorf("ethereum treasury key is not configured")
	}
	if !common.IsHexAddress(d.Destination) {
		return "", fmt.Errorf("invalid destination address %q", d.Destination)
	}
	dest := common.HexToAddress(d.Destination)

	var nonce uint64
	err := withRetry(ctx, c.retries, func() error {
		var err error
		nonce, err = c.eth.PendingNonceAt(ctx, c.treasury)
		if err != nil {
			return Unavailable("ethereum getTransactionCount", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var gasPrice *big.Int
	err = withRetry(ctx, c.retries, func() error {
		var err error
		gasPrice, err = c.eth.SuggestGasPrice(ctx)
		if err != nil {
			return Unavailable("ethereum gasPrice", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	var inner *types.LegacyTx
	switch d.Currency {
	case domain.CurrencyETH:
		wei := d.Amount.Mul(weiPerETH).Truncate(0)
		if !wei.IsPositive() {
			return "", fmt.Errorf("disbursement amount %s rounds to zero wei", d.Amount)
		}
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      evmGasLimitNative,
			To:       &dest,
			Value:    wei.BigInt(),
		}
	case domain.CurrencyUSDT:
		units := d.Amount.Shift(domain.TokenDecimals(domain.NetworkEthereum, domain.CurrencyUSDT)).Truncate(0)
		if !units.IsPositive() {
			return "", fmt.Errorf("disbursement amount %s rounds to zero token units", d.Amount)
		}
		inner = &types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasPrice,
			Gas:      evmGasLimitERC20,
			To:       &evmUSDTContract,
			Data:     erc20TransferData(dest, units.BigInt()),
		}
	default:
		return "", fmt.Errorf("currency %s is not supported on ethereum", d.Currency)
	}

	signed, err := types.SignTx(types.NewTx(inner), types.LatestSignerForChainID(c.chainID), c.treasuryKey)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}

	// No retry on send: a timed-out broadcast may already be in the mempool.
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return "", Unavailable("ethereum sendRawTransaction", err)
	}
	c.log.Info("ethereum transaction broadcast",
		zap.String("hash", signed.Hash().Hex()),
		zap.String("currency", d.Currency))
	return signed.Hash().Hex(), nil
}

// erc20TransferData ABI-encodes transfer(to, amount).
func erc20TransferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, erc20TransferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// Confirm blocks until the transaction is mined successfully or the context
// expires.
func (c *EVMClient) Confirm(ctx context.Context, txID string) error {
	for {
		status, err := c.Status(ctx, txID)
		if err != nil {
			return err
		}
		switch status {
		case TxStatusConfirmed:
			return nil
		case TxStatusFailed:
			return fmt.Errorf("transaction %s reverted on chain", txID)
		}
		select {
		case <-ctx.Done():
			return Unavailable("ethereum confirm", ctx.Err())
		case <-time.After(evmConfirmPollDelay):
		}
	}
}

// Status looks up the transaction's mined state.
func (c *EVMClient) Status(ctx context.Context, txID string) (TxStatus, error) {
	defer observeEVM("status")()
	receipt, err := c.eth.TransactionReceipt(ctx, common.HexToHash(txID))
	if err == ethereum.NotFound {
		// Distinguish an unmined transaction from one the node never saw.
		_, _, txErr := c.eth.TransactionByHash(ctx, common.HexToHash(txID))
		if txErr == ethereum.NotFound {
			return TxStatusUnknown, nil
		}
		if txErr != nil {
			return TxStatusUnknown, Unavailable("ethereum getTransaction", txErr)
		}
		return TxStatusPending, nil
	}
	if err != nil {
		return TxStatusUnknown, Unavailable("ethereum getTransactionReceipt", err)
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return TxStatusConfirmed, nil
	}
	return TxStatusFailed, nil
}
