package domain

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Money represents a USD value stored as BIGINT micros (10^-6) to avoid
// floating point errors in the ledger.
type Money struct {
	Micros int64
}

// NewMoney creates a Money instance from micros.
func NewMoney(micros int64) Money {
	return Money{Micros: micros}
}

// MoneyFromDecimal converts a decimal USD amount to Money.
func MoneyFromDecimal(d decimal.Decimal) Money {
	return Money{Micros: d.Mul(decimal.NewFromInt(1_000_000)).IntPart()}
}

// ToDecimal converts the int64 micros to a shopspring/decimal.Decimal.
func (m Money) ToDecimal() decimal.Decimal {
	return decimal.NewFromInt(m.Micros).Div(decimal.NewFromInt(1_000_000))
}

// MicrosFromDecimal converts a decimal.Decimal USD value to int64 micros.
func MicrosFromDecimal(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(1_000_000)).IntPart()
}

// DecimalFromMicros converts int64 micros to a decimal USD value.
func DecimalFromMicros(micros int64) decimal.Decimal {
	return decimal.NewFromInt(micros).Div(decimal.NewFromInt(1_000_000))
}

// String returns the USD string representation rounded to cents.
func (m Money) String() string {
	return fmt.Sprintf("%s USD", m.ToDecimal().StringFixed(2))
}
