package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance is the custodial USD balance for one account (a wallet address).
// All amounts are BIGINT micros.
type Balance struct {
	AccountID      string    `json:"account_id"`
	AvailableUSD   int64     `json:"available_micros"`
	TotalDeposited int64     `json:"total_deposited_micros"`
	TotalSpent     int64     `json:"total_spent_micros"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// DepositRequest tracks one user-initiated deposit intent from creation
// through on-chain verification.
type DepositRequest struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        string          `json:"account_id"`
	Currency         string          `json:"currency"`
	Network          string          `json:"network"`
	DepositAddress   string          `json:"deposit_address"`
	Reference        string          `json:"reference"`
	GrossAmountUSD   int64           `json:"gross_amount_micros"`
	NetAmountUSD     int64           `json:"net_amount_micros"`
	ExpectedCrypto   decimal.Decimal `json:"expected_crypto_amount"`
	Status           string          `json:"status"`
	TxID             *string         `json:"tx_id,omitempty"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	ExpiresAt        time.Time       `json:"expires_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// WithdrawalRequest tracks one withdrawal intent: funds are reserved
// (debited) at creation and disbursed from the treasury wallet on process.
type WithdrawalRequest struct {
	ID                 uuid.UUID       `json:"id"`
	AccountID          string          `json:"account_id"`
	DestinationAddress string          `json:"destination_address"`
	Currency           string          `json:"currency"`
	Network            string          `json:"network"`
	GrossAmountUSD     int64           `json:"gross_amount_micros"`
	FeePercent         decimal.Decimal `json:"fee_percent"`
	FeeUSD             int64           `json:"fee_micros"`
	NetworkFeeUSD      int64           `json:"network_fee_micros"`
	NetAmountUSD       int64           `json:"net_amount_micros"`
	CryptoAmount       decimal.Decimal `json:"crypto_amount"`
	Status             string          `json:"status"`
	TxID               *string         `json:"tx_id,omitempty"`
	FailureReason      *string         `json:"failure_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ProcessedAt        *time.Time      `json:"processed_at,omitempty"`
	UpdatedAt          time.Time       `json:"updated_at"`
}
