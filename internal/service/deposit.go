package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/trenchbank/settlement/internal/chain"
	"github.com/trenchbank/settlement/internal/domain"
	"github.com/trenchbank/settlement/internal/models"
	"github.com/trenchbank/settlement/internal/observability"
	"github.com/trenchbank/settlement/internal/pricing"
	"github.com/trenchbank/settlement/internal/repository"
)

var (
	ErrDepositTooSmall      = errors.New("deposit amount is below the minimum")
	ErrDepositExpired       = errors.New("deposit request has expired")
	ErrDepositNotVerifiable = errors.New("deposit request is no longer verifiable")
	ErrTxIDRequired         = errors.New("transaction id is required")
)

// VerificationError is a terminal or retryable verification verdict from the
// chain, as opposed to an infrastructure failure.
type VerificationError struct {
	Reason    string
	Retryable bool
}

func (e *VerificationError) Error() string {
	return e.Reason
}

// Reference codes avoid ambiguous characters (0/O, 1/I/L).
const referenceAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// DepositService drives deposit requests from creation through on-chain
// verification and ledger credit.
type DepositService struct {
	store            QueryStore
	chains           *chain.Registry
	prices           pricing.Source
	fees             domain.DepositFeeSchedule
	minDeposit       decimal.Decimal
	depositAddresses map[string]string
	ttl              time.Duration
	chainTimeout     time.Duration
}

type DepositConfig struct {
	Fees             domain.DepositFeeSchedule
	MinDepositUSD    decimal.Decimal
	DepositAddresses map[string]string
	TTL              time.Duration
	ChainTimeout     time.Duration
}

func NewDepositService(store QueryStore, chains *chain.Registry, prices pricing.Source, cfg DepositConfig) *DepositService {
	return &DepositService{
		store:            store,
		chains:           chains,
		prices:           prices,
		fees:             cfg.Fees,
		minDeposit:       cfg.MinDepositUSD,
		depositAddresses: cfg.DepositAddresses,
		ttl:              cfg.TTL,
		chainTimeout:     cfg.ChainTimeout,
	}
}

// CreateDepositRequest holds the parameters for a new deposit intent.
type CreateDepositRequest struct {
	AccountID string
	NetUSD    decimal.Decimal // amount the account wants credited
	Currency  string
	Network   string
}

// Create allocates a deposit request: it quotes the gross amount the payer
// must send, converts it to the expected crypto amount at the current unit
// price, and assigns a reference code and deposit address.
func (s *DepositService) Create(ctx context.Context, req CreateDepositRequest) (models.DepositRequest, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return models.DepositRequest{}, ErrAccountRequired
	}
	if !domain.SupportsCurrency(req.Network, req.Currency) {
		return models.DepositRequest{}, ErrUnsupportedPair
	}
	if req.NetUSD.LessThan(s.minDeposit) {
		return models.DepositRequest{}, ErrDepositTooSmall
	}
	address, ok := s.depositAddresses[req.Network]
	if !ok {
		return models.DepositRequest{}, ErrDepositsDisabled
	}

	gross, err := s.fees.GrossFromNet(req.NetUSD)
	if err != nil {
		return models.DepositRequest{}, ErrDepositTooSmall
	}
	price, err := s.prices.UnitPriceUSD(ctx, req.Currency)
	if err != nil {
		return models.DepositRequest{}, fmt.Errorf("quote unit price: %w", err)
	}

	reference, err := generateReference()
	if err != nil {
		return models.DepositRequest{}, fmt.Errorf("generate reference: %w", err)
	}

	d := models.DepositRequest{
		ID:             uuid.New(),
		AccountID:      accountID,
		Currency:       req.Currency,
		Network:        req.Network,
		DepositAddress: address,
		Reference:      reference,
		GrossAmountUSD: domain.MicrosFromDecimal(gross),
		NetAmountUSD:   domain.MicrosFromDecimal(req.NetUSD.Round(2)),
		ExpectedCrypto: gross.Div(price).Round(9),
		Status:         domain.DepositStatusPending,
		ExpiresAt:      time.Now().UTC().Add(s.ttl),
	}
	if err := s.store.Queries().CreateDepositRequest(ctx, &d); err != nil {
		return models.DepositRequest{}, err
	}
	return d, nil
}

// Verify drives the critical deposit path: consume the transaction id,
// verify the transfer on chain, then credit the ledger and complete the
// request in one database transaction.
//
// The replay guard is consumed before the chain is consulted. A signature
// that fails verification stays consumed; a signature that belongs to a
// different request is rejected without touching the chain. Retrying the
// same request with the same signature (a transaction still confirming) is
// allowed because the guard records which request consumed the key.
func (s *DepositService) Verify(ctx context.Context, id uuid.UUID, txID string) (models.DepositRequest, decimal.Decimal, error) {
	txID = strings.TrimSpace(txID)
	if txID == "" {
		return models.DepositRequest{}, decimal.Zero, ErrTxIDRequired
	}

	q := s.store.Queries()
	d, err := q.GetDepositRequest(ctx, id)
	if err != nil {
		return models.DepositRequest{}, decimal.Zero, err
	}
	switch d.Status {
	case domain.DepositStatusPending, domain.DepositStatusFailed:
	default:
		return d, decimal.Zero, ErrDepositNotVerifiable
	}
	if time.Now().UTC().After(d.ExpiresAt) {
		if _, err := q.ExpireDepositRequests(ctx, time.Now().UTC()); err != nil {
			zap.L().Warn("expiry sweep during verify failed", zap.Error(err))
		}
		return d, decimal.Zero, ErrDepositExpired
	}

	consumed, err := q.ConsumeTransaction(ctx, d.Network, txID, d.ID)
	if err != nil {
		return d, decimal.Zero, err
	}
	if !consumed {
		owner, err := q.GetTransactionConsumer(ctx, d.Network, txID)
		if err != nil || owner != d.ID {
			observability.IncrementReplayRejection(d.Network)
			return d, decimal.Zero, models.ErrDuplicateTransaction
		}
		// Same request retrying its own signature, e.g. after a
		// "still confirming" verdict.
	}

	verifier, err := s.chains.Verifier(d.Network)
	if err != nil {
		return d, decimal.Zero, err
	}
	vctx, cancel := context.WithTimeout(ctx, s.chainTimeout)
	defer cancel()
	res, err := verifier.VerifyDeposit(vctx, chain.VerifyParams{
		Network:        d.Network,
		Currency:       d.Currency,
		TxID:           txID,
		DepositAddress: d.DepositAddress,
		ExpectedAmount: d.ExpectedCrypto,
	})
	if err != nil {
		observability.IncrementDepositVerification(d.Network, "unavailable")
		return d, decimal.Zero, err
	}
	if !res.Valid {
		if res.Retryable {
			observability.IncrementDepositVerification(d.Network, "pending")
			return d, decimal.Zero, &VerificationError{Reason: res.Reason, Retryable: true}
		}
		observability.IncrementDepositVerification(d.Network, "invalid")
		if err := q.MarkDepositFailed(ctx, d.ID, res.Reason); err != nil {
			zap.L().Error("mark deposit failed", zap.String("deposit_id", d.ID.String()), zap.Error(err))
		}
		return d, decimal.Zero, &VerificationError{Reason: res.Reason}
	}

	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		rows, err := q.CompleteDepositRequest(ctx, d.ID, txID)
		if err != nil {
			return err
		}
		if rows == 0 {
			return ErrDepositNotVerifiable
		}
		_, err = q.CreditBalance(ctx, d.AccountID, d.NetAmountUSD)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrDepositNotVerifiable) {
			// A concurrent verify of the same request won the credit.
			winner, getErr := q.GetDepositRequest(ctx, d.ID)
			return winner, res.ActualAmount, getErr
		}
		// Verified on chain but not credited. The signature is consumed, so
		// this cannot self-heal; it needs manual reconciliation.
		observability.IncrementLedgerInconsistency()
		zap.L().Error("verified deposit could not be credited",
			zap.String("deposit_id", d.ID.String()),
			zap.String("account_id", d.AccountID),
			zap.String("tx_id", txID),
			zap.Error(err))
		return d, decimal.Zero, fmt.Errorf("credit verified deposit: %w", err)
	}

	observability.IncrementDepositVerification(d.Network, "completed")
	zap.L().Info("deposit verified and credited",
		zap.String("deposit_id", d.ID.String()),
		zap.String("account_id", d.AccountID),
		zap.String("network", d.Network),
		zap.String("tx_id", txID),
		zap.String("actual_amount", res.ActualAmount.String()))
	completed, err := q.GetDepositRequest(ctx, d.ID)
	return completed, res.ActualAmount, err
}

// Cancel cancels a pending request. Nothing was credited, so there is
// nothing to refund.
func (s *DepositService) Cancel(ctx context.Context, id uuid.UUID) (models.DepositRequest, error) {
	q := s.store.Queries()
	rows, err := q.CancelDepositRequest(ctx, id)
	if err != nil {
		return models.DepositRequest{}, err
	}
	d, getErr := q.GetDepositRequest(ctx, id)
	if getErr != nil {
		return models.DepositRequest{}, getErr
	}
	if rows == 0 {
		return d, ErrDepositNotVerifiable
	}
	return d, nil
}

// Get returns a deposit request by id.
func (s *DepositService) Get(ctx context.Context, id uuid.UUID) (models.DepositRequest, error) {
	return s.store.Queries().GetDepositRequest(ctx, id)
}

// List returns the account's deposit requests, newest first.
func (s *DepositService) List(ctx context.Context, accountID string, limit, offset int32) ([]models.DepositRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.Queries().ListDepositRequestsByAccount(ctx, accountID, limit, offset)
}

// ExpireOverdue transitions overdue verifiable requests to expired and
// returns how many were swept.
func (s *DepositService) ExpireOverdue(ctx context.Context) (int64, error) {
	return s.store.Queries().ExpireDepositRequests(ctx, time.Now().UTC())
}

func generateReference() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, 8)
	for i, b := range buf {
		out[i] = referenceAlphabet[int(b)%len(referenceAlphabet)]
	}
	return "TB-" + string(out), nil
}
