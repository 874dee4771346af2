package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrAmountTooSmall is returned when an amount nets to zero or less after fees.
var ErrAmountTooSmall = errors.New("amount too small after fees")

var one = decimal.NewFromInt(1)

// DepositFeeSchedule is the percentage-plus-flat model applied to deposits.
// The gross amount (what the payer sends) carries the fee; the net amount is
// what the ledger credits.
type DepositFeeSchedule struct {
	Rate decimal.Decimal // 0 <= Rate < 1
	Flat decimal.Decimal // flat USD fee
}

// GrossFromNet returns the gross USD amount a payer must send so that the
// ledger can credit net: gross = (net + flat) / (1 - rate).
func (s DepositFeeSchedule) GrossFromNet(net decimal.Decimal) (decimal.Decimal, error) {
	if net.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrAmountTooSmall
	}
	if s.Rate.GreaterThanOrEqual(one) || s.Rate.IsNegative() {
		return decimal.Zero, fmt.Errorf("invalid deposit fee rate %s", s.Rate)
	}
	return net.Add(s.Flat).Div(one.Sub(s.Rate)).Round(2), nil
}

// NetFromGross returns the USD amount credited for a given gross payment:
// net = gross - (gross*rate + flat).
func (s DepositFeeSchedule) NetFromGross(gross decimal.Decimal) (decimal.Decimal, error) {
	net := gross.Sub(gross.Mul(s.Rate).Add(s.Flat)).Round(2)
	if net.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrAmountTooSmall
	}
	return net, nil
}

// WithdrawalFeeSchedule is the percentage fee plus a fixed per-currency
// network surcharge applied to withdrawals.
type WithdrawalFeeSchedule struct {
	Rate       decimal.Decimal // 0 <= Rate < 1
	NetworkFee decimal.Decimal // fixed USD surcharge
}

// WithdrawalQuote is the fee breakdown for a withdrawal request.
type WithdrawalQuote struct {
	GrossUSD      decimal.Decimal
	FeePercent    decimal.Decimal
	FeeUSD        decimal.Decimal
	NetworkFeeUSD decimal.Decimal
	NetUSD        decimal.Decimal
	CryptoAmount  decimal.Decimal
}

// Quote computes the net USD and crypto amount disbursed for a gross USD
// withdrawal at the given unit price.
func (s WithdrawalFeeSchedule) Quote(gross, unitPriceUSD decimal.Decimal) (WithdrawalQuote, error) {
	if gross.LessThanOrEqual(decimal.Zero) {
		return WithdrawalQuote{}, ErrAmountTooSmall
	}
	if unitPriceUSD.LessThanOrEqual(decimal.Zero) {
		return WithdrawalQuote{}, fmt.Errorf("invalid unit price %s", unitPriceUSD)
	}
	fee := gross.Mul(s.Rate).Round(2)
	net := gross.Sub(fee).Sub(s.NetworkFee).Round(2)
	if net.LessThanOrEqual(decimal.Zero) {
		return WithdrawalQuote{}, ErrAmountTooSmall
	}
	return WithdrawalQuote{
		GrossUSD:      gross.Round(2),
		FeePercent:    s.Rate,
		FeeUSD:        fee,
		NetworkFeeUSD: s.NetworkFee,
		NetUSD:        net,
		CryptoAmount:  net.Div(unitPriceUSD).Round(9),
	}, nil
}
