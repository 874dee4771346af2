package service

import (
	"context"
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
	ErrWithdrawalTooSmall   = errors.New("withdrawal amount is below the minimum")
	ErrInvalidDestination   = errors.New("destination address is invalid for this network")
	ErrWithdrawalNotPending = errors.New("withdrawal request is not pending")
	ErrDisbursementFailed   = errors.New("disbursement failed")
)

// WithdrawalService validates withdrawal requests, reserves funds, and
// drives treasury disbursements with compensation on failure.
type WithdrawalService struct {
	store        QueryStore
	chains       *chain.Registry
	prices       pricing.Source
	feeRates     map[string]decimal.Decimal
	networkFees  map[string]decimal.Decimal
	minimums     map[string]decimal.Decimal
	chainTimeout time.Duration
	staleAfter   time.Duration
}

type WithdrawalConfig struct {
	FeeRates       map[string]decimal.Decimal
	NetworkFeesUSD map[string]decimal.Decimal
	MinimumsUSD    map[string]decimal.Decimal
	ChainTimeout   time.Duration
	StaleAfter     time.Duration
}

func NewWithdrawalService(store QueryStore, chains *chain.Registry, prices pricing.Source, cfg WithdrawalConfig) *WithdrawalService {
	return &WithdrawalService{
		store:        store,
		chains:       chains,
		prices:       prices,
		feeRates:     cfg.FeeRates,
		networkFees:  cfg.NetworkFeesUSD,
		minimums:     cfg.MinimumsUSD,
		chainTimeout: cfg.ChainTimeout,
		staleAfter:   cfg.StaleAfter,
	}
}

// CreateWithdrawalRequest holds the parameters for a new withdrawal.
type CreateWithdrawalRequest struct {
	AccountID          string
	DestinationAddress string
	AmountUSD          decimal.Decimal // gross amount debited from the balance
	Currency           string
	Network            string
}

// Create validates the request, quotes fees, and reserves the gross amount
// by debiting the ledger in the same transaction that persists the request.
// A request therefore never exists without its funds being held.
func (s *WithdrawalService) Create(ctx context.Context, req CreateWithdrawalRequest) (models.WithdrawalRequest, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return models.WithdrawalRequest{}, ErrAccountRequired
	}
	if !domain.SupportsCurrency(req.Network, req.Currency) {
		return models.WithdrawalRequest{}, ErrUnsupportedPair
	}
	if minimum, ok := s.minimums[req.Currency]; !ok || req.AmountUSD.LessThan(minimum) {
		return models.WithdrawalRequest{}, ErrWithdrawalTooSmall
	}
	if err := chain.ValidateAddress(req.Network, strings.TrimSpace(req.DestinationAddress)); err != nil {
		return models.WithdrawalRequest{}, ErrInvalidDestination
	}

	price, err := s.prices.UnitPriceUSD(ctx, req.Currency)
	if err != nil {
		return models.WithdrawalRequest{}, fmt.Errorf("quote unit price: %w", err)
	}
	schedule := domain.WithdrawalFeeSchedule{
		Rate:       s.feeRates[req.Currency],
		NetworkFee: s.networkFees[req.Currency],
	}
	quote, err := schedule.Quote(req.AmountUSD, price)
	if err != nil {
		return models.WithdrawalRequest{}, ErrWithdrawalTooSmall
	}

	w := models.WithdrawalRequest{
		ID:                 uuid.New(),
		AccountID:          accountID,
		DestinationAddress: strings.TrimSpace(req.DestinationAddress),
		Currency:           req.Currency,
		Network:            req.Network,
		GrossAmountUSD:     domain.MicrosFromDecimal(quote.GrossUSD),
		FeePercent:         quote.FeePercent,
		FeeUSD:             domain.MicrosFromDecimal(quote.FeeUSD),
		NetworkFeeUSD:      domain.MicrosFromDecimal(quote.NetworkFeeUSD),
		NetAmountUSD:       domain.MicrosFromDecimal(quote.NetUSD),
		CryptoAmount:       quote.CryptoAmount,
		Status:             domain.WithdrawalStatusPending,
	}
	err = s.store.RunInTx(ctx, func(q *repository.Queries) error {
		if _, err := q.DebitBalance(ctx, accountID, w.GrossAmountUSD); err != nil {
			return err
		}
		return q.CreateWithdrawalRequest(ctx, &w)
	})
	if err != nil {
		return models.WithdrawalRequest{}, err
	}
	zap.L().Info("withdrawal created and funds reserved",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("account_id", accountID),
		zap.String("network", req.Network),
		zap.Int64("gross_micros", w.GrossAmountUSD))
	return w, nil
}

// Process disburses a pending withdrawal from the treasury. It is
// idempotent per request: the pending→processing claim is a single
// conditional update, so a second concurrent call loses the claim and is
// rejected instead of double-spending.
func (s *WithdrawalService) Process(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	w, err := s.store.Queries().ClaimWithdrawalProcessing(ctx, id)
	if err != nil {
		if errors.Is(err, models.ErrInvalidStatus) {
			current, getErr := s.store.Queries().GetWithdrawalRequest(ctx, id)
			if getErr != nil {
				return models.WithdrawalRequest{}, getErr
			}
			return current, ErrWithdrawalNotPending
		}
		return models.WithdrawalRequest{}, err
	}

	treasury, err := s.chains.Treasury(w.Network)
	if err != nil {
		// No treasury wired for the network: refund, nothing was sent.
		return s.failAndRefund(ctx, w, err.Error())
	}

	sctx, cancel := context.WithTimeout(ctx, s.chainTimeout)
	defer cancel()
	txID, err := treasury.Submit(sctx, chain.Disbursement{
		Network:     w.Network,
		Currency:    w.Currency,
		Destination: w.DestinationAddress,
		Amount:      w.CryptoAmount,
	})
	if err != nil {
		if chain.IsUnavailable(err) {
			// The broadcast outcome is unknown; refunding here could pay
			// twice. Leave the request processing for the reconciliation
			// sweep to converge.
			zap.L().Warn("withdrawal broadcast outcome unknown",
				zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
			return w, err
		}
		return s.failAndRefund(ctx, w, err.Error())
	}
	if err := s.store.Queries().RecordWithdrawalBroadcast(ctx, w.ID, txID); err != nil {
		zap.L().Error("record broadcast tx id",
			zap.String("withdrawal_id", w.ID.String()),
			zap.String("tx_id", txID), zap.Error(err))
	}

	cctx, cancel := context.WithTimeout(ctx, s.chainTimeout)
	defer cancel()
	if err := treasury.Confirm(cctx, txID); err != nil {
		if chain.IsUnavailable(err) {
			// Broadcast but unconfirmed; the sweep will poll the recorded
			// tx id and finish the saga.
			return w, err
		}
		return s.failAndRefund(ctx, w, err.Error())
	}

	return s.complete(ctx, w, txID)
}

func (s *WithdrawalService) complete(ctx context.Context, w models.WithdrawalRequest, txID string) (models.WithdrawalRequest, error) {
	rows, err := s.store.Queries().CompleteWithdrawal(ctx, w.ID, txID)
	if err != nil {
		return w, err
	}
	if rows == 1 {
		observability.IncrementWithdrawalOutcome(w.Network, "completed")
		zap.L().Info("withdrawal disbursed",
			zap.String("withdrawal_id", w.ID.String()),
			zap.String("tx_id", txID),
			zap.String("crypto_amount", w.CryptoAmount.String()))
	}
	return s.store.Queries().GetWithdrawalRequest(ctx, w.ID)
}

// failAndRefund terminates the saga with a compensating credit. The
// processing→failed transition gates the refund, so the credit is issued
// exactly once no matter how many paths converge here.
func (s *WithdrawalService) failAndRefund(ctx context.Context, w models.WithdrawalRequest, reason string) (models.WithdrawalRequest, error) {
	err := s.store.RunInTx(ctx, func(q *repository.Queries) error {
		rows, err := q.FailWithdrawal(ctx, w.ID, reason)
		if err != nil {
			return err
		}
		if rows == 0 {
			return nil // already terminal; someone else resolved it
		}
		if _, err := q.RefundBalance(ctx, w.AccountID, w.GrossAmountUSD); err != nil {
			return err
		}
		observability.IncrementWithdrawalRefund(w.Network)
		return nil
	})
	if err != nil {
		zap.L().Error("withdrawal refund failed",
			zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
		return w, err
	}
	observability.IncrementWithdrawalOutcome(w.Network, "failed")
	zap.L().Warn("withdrawal failed and refunded",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("reason", reason))
	updated, err := s.store.Queries().GetWithdrawalRequest(ctx, w.ID)
	if err != nil {
		return w, err
	}
	return updated, fmt.Errorf("%w: %s", ErrDisbursementFailed, reason)
}

// Get returns a withdrawal request by id.
func (s *WithdrawalService) Get(ctx context.Context, id uuid.UUID) (models.WithdrawalRequest, error) {
	return s.store.Queries().GetWithdrawalRequest(ctx, id)
}

// List returns the account's withdrawal requests, newest first.
func (s *WithdrawalService) List(ctx context.Context, accountID string, limit, offset int32) ([]models.WithdrawalRequest, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.store.Queries().ListWithdrawalRequestsByAccount(ctx, accountID, limit, offset)
}

// Reconcile converges withdrawals stuck in processing: a recorded tx id is
// polled for its on-chain status; a request that never recorded a broadcast
// is failed and refunded. Rows are claimed with SKIP LOCKED, so concurrent
// sweeps partition the work instead of colliding.
func (s *WithdrawalService) Reconcile(ctx context.Context) (int, error) {
	resolved := 0
	err := s.store.RunInTx(ctx, func(q *repository.Queries) error {
		cutoff := time.Now().UTC().Add(-s.staleAfter)
		stale, err := q.GetStaleProcessingWithdrawals(ctx, cutoff, 10)
		if err != nil {
			return err
		}
		for _, w := range stale {
			if done, err := s.reconcileOne(ctx, q, w); err != nil {
				zap.L().Warn("reconcile withdrawal",
					zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
			} else if done {
				resolved++
			}
		}
		return nil
	})
	return resolved, err
}

func (s *WithdrawalService) reconcileOne(ctx context.Context, q *repository.Queries, w models.WithdrawalRequest) (bool, error) {
	if w.TxID == nil || *w.TxID == "" {
		// Never broadcast: funds are still held with nothing in flight.
		rows, err := q.FailWithdrawal(ctx, w.ID, "processing timed out before broadcast")
		if err != nil {
			return false, err
		}
		if rows == 1 {
			if _, err := q.RefundBalance(ctx, w.AccountID, w.GrossAmountUSD); err != nil {
				return false, err
			}
			observability.IncrementWithdrawalRefund(w.Network)
			observability.IncrementWithdrawalOutcome(w.Network, "reconciled_refund")
		}
		return true, nil
	}

	treasury, err := s.chains.Treasury(w.Network)
	if err != nil {
		return false, err
	}
	sctx, cancel := context.WithTimeout(ctx, s.chainTimeout)
	defer cancel()
	status, err := treasury.Status(sctx, *w.TxID)
	if err != nil {
		return false, err
	}
	switch status {
	case chain.TxStatusConfirmed:
		if _, err := q.CompleteWithdrawal(ctx, w.ID, *w.TxID); err != nil {
			return false, err
		}
		observability.IncrementWithdrawalOutcome(w.Network, "reconciled_completed")
		zap.L().Info("stale withdrawal confirmed on chain",
			zap.String("withdrawal_id", w.ID.String()), zap.String("tx_id", *w.TxID))
		return true, nil
	case chain.TxStatusFailed, chain.TxStatusUnknown:
		// Failed, or broadcast long enough ago that the chain never saw it.
		rows, err := q.FailWithdrawal(ctx, w.ID, "disbursement did not settle on chain")
		if err != nil {
			return false, err
		}
		if rows == 1 {
			if _, err := q.RefundBalance(ctx, w.AccountID, w.GrossAmountUSD); err != nil {
				return false, err
			}
			observability.IncrementWithdrawalRefund(w.Network)
			observability.IncrementWithdrawalOutcome(w.Network, "reconciled_refund")
		}
		return true, nil
	default:
		// Still pending on chain; leave it for the next sweep.
		return false, nil
	}
}
