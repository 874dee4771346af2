package domain

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depositSchedule() DepositFeeSchedule {
	return DepositFeeSchedule{
		Rate: decimal.NewFromFloat(0.02),
		Flat: decimal.NewFromInt(5),
	}
}

func TestDepositFeeSchedule_GrossFromNet(t *testing.T) {
	// net 20 at 2% + $5: gross = (20 + 5) / 0.98 = 25.51
	gross, err := depositSchedule().GrossFromNet(decimal.NewFromInt(20))
	require.NoError(t, err)
	assert.Equal(t, "25.51", gross.StringFixed(2))
}

func TestDepositFeeSchedule_NetFromGross(t *testing.T) {
	net, err := depositSchedule().NetFromGross(decimal.NewFromFloat(25.51))
	require.NoError(t, err)
	assert.Equal(t, "20.00", net.StringFixed(2))
}

func TestDepositFeeSchedule_RoundTrip(t *testing.T) {
	s := depositSchedule()
	cent := decimal.NewFromFloat(0.01)
	for _, amount := range []float64{20, 25.51, 33.33, 100, 249.99, 1000, 12345.67} {
		t.Run(fmt.Sprintf("net_%v", amount), func(t *testing.T) {
			net := decimal.NewFromFloat(amount)
			gross, err := s.GrossFromNet(net)
			require.NoError(t, err)
			back, err := s.NetFromGross(gross)
			require.NoError(t, err)
			diff := back.Sub(net).Abs()
			assert.True(t, diff.LessThanOrEqual(cent), "round trip drifted by %s", diff)
		})
	}
}

func TestDepositFeeSchedule_RejectsNonPositiveNet(t *testing.T) {
	s := depositSchedule()

	_, err := s.GrossFromNet(decimal.Zero)
	assert.ErrorIs(t, err, ErrAmountTooSmall)

	// Gross of $5 nets to -0.10 at 2% + $5.
	_, err = s.NetFromGross(decimal.NewFromInt(5))
	assert.ErrorIs(t, err, ErrAmountTooSmall)
}

func TestWithdrawalFeeSchedule_Quote(t *testing.T) {
	s := WithdrawalFeeSchedule{
		Rate:       decimal.NewFromFloat(0.01),
		NetworkFee: decimal.NewFromInt(5),
	}

	// $100 at 1% + $5 network fee nets $94.
	q, err := s.Quote(decimal.NewFromInt(100), decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.Equal(t, "100.00", q.GrossUSD.StringFixed(2))
	assert.Equal(t, "1.00", q.FeeUSD.StringFixed(2))
	assert.Equal(t, "5.00", q.NetworkFeeUSD.StringFixed(2))
	assert.Equal(t, "94.00", q.NetUSD.StringFixed(2))
	assert.Equal(t, "0.47", q.CryptoAmount.StringFixed(2))
}

func TestWithdrawalFeeSchedule_RejectsNetBelowZero(t *testing.T) {
	s := WithdrawalFeeSchedule{
		Rate:       decimal.NewFromFloat(0.01),
		NetworkFee: decimal.NewFromInt(5),
	}

	_, err := s.Quote(decimal.NewFromInt(5), decimal.NewFromInt(200))
	assert.ErrorIs(t, err, ErrAmountTooSmall)

	_, err = s.Quote(decimal.NewFromInt(100), decimal.Zero)
	assert.Error(t, err)
}
