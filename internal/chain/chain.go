package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// VerifyParams identifies an incoming transfer to check against the chain.
type VerifyParams struct {
	Network        string
	Currency       string
	TxID           string
	DepositAddress string
	ExpectedAmount decimal.Decimal
}

// VerifyResult is a verification verdict. Invalid results carry a
// human-readable reason; infrastructure trouble is reported as an error
// instead, so callers never mistake an RPC outage for a bad transaction.
type VerifyResult struct {
	Valid        bool
	ActualAmount decimal.Decimal
	Reason       string
	// Retryable marks verdicts the caller may retry with the same request
	// (e.g. the transaction has not been indexed yet).
	Retryable bool
}

// Verifier checks that a qualifying transfer reached the deposit address.
type Verifier interface {
	VerifyDeposit(ctx context.Context, p VerifyParams) (VerifyResult, error)
}

// Disbursement describes an outbound treasury transfer.
type Disbursement struct {
	Network     string
	Currency    string
	Destination string
	Amount      decimal.Decimal
}

// TxStatus is the on-chain state of a broadcast transaction.
type TxStatus int

const (
	TxStatusUnknown TxStatus = iota
	TxStatusPending
	TxStatusConfirmed
	TxStatusFailed
)

// Treasury signs and broadcasts disbursements from the platform wallet.
// Submit returns as soon as the transaction id is known so the caller can
// persist it before waiting; Confirm blocks until the transaction settles.
type Treasury interface {
	Submit(ctx context.Context, d Disbursement) (string, error)
	Confirm(ctx context.Context, txID string) error
	Status(ctx context.Context, txID string) (TxStatus, error)
}

// UnavailableError wraps transport-level failures (timeouts, unreachable
// RPC endpoints) that are distinct from on-chain verification outcomes.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("chain unavailable: %s: %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// Unavailable wraps err as an infrastructure failure.
func Unavailable(op string, err error) error {
	return &UnavailableError{Op: op, Err: err}
}

// IsUnavailable reports whether err is an infrastructure failure.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}

// tolerance is the accepted shortfall between expected and actual amounts,
// absorbing price-quote drift between request creation and payment.
var tolerance = decimal.NewFromFloat(0.99)

// meetsExpected reports whether actual is within the 1% tolerance band.
// Overpayment always passes.
func meetsExpected(actual, expected decimal.Decimal) bool {
	return actual.GreaterThanOrEqual(expected.Mul(tolerance))
}

// withRetry runs fn up to attempts times, backing off between transient
// failures. Non-infrastructure errors abort immediately.
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := 500 * time.Millisecond
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !IsUnavailable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return Unavailable("retry", ctx.Err())
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return err
}

// Registry routes networks to their verifier and treasury implementations.
type Registry struct {
	verifiers  map[string]Verifier
	treasuries map[string]Treasury
}

func NewRegistry() *Registry {
	return &Registry{
		verifiers:  make(map[string]Verifier),
		treasuries: make(map[string]Treasury),
	}
}

func (r *Registry) RegisterVerifier(network string, v Verifier) {
	r.verifiers[network] = v
}

func (r *Registry) RegisterTreasury(network string, t Treasury) {
	r.treasuries[network] = t
}

func (r *Registry) Verifier(network string) (Verifier, error) {
	v, ok := r.verifiers[network]
	if !ok {
		return nil, fmt.Errorf("no verifier registered for network %q", network)
	}
	return v, nil
}

func (r *Registry) Treasury(network string) (Treasury, error) {
	t, ok := r.treasuries[network]
	if !ok {
		return nil, fmt.Errorf("no treasury registered for network %q", network)
	}
	return t, nil
}
