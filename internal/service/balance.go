package service

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/trenchbank/settlement/internal/domain"
	"github.com/trenchbank/settlement/internal/models"
)

// BalanceService exposes the custodial USD ledger.
type BalanceService struct {
	store QueryStore
}

var (
	ErrAccountRequired  = errors.New("account id is required")
	ErrInvalidAmount    = errors.New("amount must be a positive USD value")
	ErrUnsupportedPair  = errors.New("currency is not supported on this network")
	ErrDepositsDisabled = errors.New("deposits are not configured for this network")
)

func NewBalanceService(store QueryStore) *BalanceService {
	return &BalanceService{store: store}
}

// Get returns the account's balance snapshot, zero-valued for accounts that
// have never transacted.
func (s *BalanceService) Get(ctx context.Context, accountID string) (models.Balance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return models.Balance{}, ErrAccountRequired
	}
	return s.store.Queries().GetBalance(ctx, accountID)
}

// Credit adds USD to the account's available balance. The deposit path is
// the normal caller; this is also the surface spending partners settle
// refunds through.
func (s *BalanceService) Credit(ctx context.Context, accountID string, amount decimal.Decimal) (models.Balance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return models.Balance{}, ErrAccountRequired
	}
	micros := domain.MicrosFromDecimal(amount)
	if micros <= 0 {
		return models.Balance{}, ErrInvalidAmount
	}
	return s.store.Queries().CreditBalance(ctx, accountID, micros)
}

// Debit conditionally removes USD from the account's available balance,
// failing with models.ErrInsufficientFunds when the balance cannot cover it.
func (s *BalanceService) Debit(ctx context.Context, accountID string, amount decimal.Decimal) (models.Balance, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return models.Balance{}, ErrAccountRequired
	}
	micros := domain.MicrosFromDecimal(amount)
	if micros <= 0 {
		return models.Balance{}, ErrInvalidAmount
	}
	return s.store.Queries().DebitBalance(ctx, accountID, micros)
}
