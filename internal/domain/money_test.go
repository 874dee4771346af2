package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMoney_ToDecimal(t *testing.T) {
	m := NewMoney(10_500_000) // 10.50 USD
	d := m.ToDecimal()
	assert.Equal(t, "10.5", d.String())
}

func TestMicrosFromDecimal(t *testing.T) {
	d := decimal.NewFromFloat(10.50)
	micros := MicrosFromDecimal(d)
	assert.Equal(t, int64(10_500_000), micros)
}

func TestDecimalFromMicros_Precision(t *testing.T) {
	d := DecimalFromMicros(92_555_500)
	assert.Equal(t, "92.5555", d.String())
}

func TestMoney_String(t *testing.T) {
	assert.Equal(t, "25.51 USD", NewMoney(25_510_000).String())
}
