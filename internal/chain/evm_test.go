package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferLog(token, to common.Address, amount *big.Int) *types.Log {
	return &types.Log{
		Address: token,
		Topics: []common.Hash{
			erc20TransferSig,
			common.BytesToHash(common.HexToAddress("0x1111111111111111111111111111111111111111").Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data: common.LeftPadBytes(amount.Bytes(), 32),
	}
}

func TestERC20Received(t *testing.T) {
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	other := common.HexToAddress("0x3333333333333333333333333333333333333333")
	otherToken := common.HexToAddress("0x4444444444444444444444444444444444444444")

	receipt := &types.Receipt{Logs: []*types.Log{
		transferLog(evmUSDTContract, recipient, big.NewInt(25_000_000)),
		// Same contract, wrong recipient: ignored.
		transferLog(evmUSDTContract, other, big.NewInt(99_000_000)),
		// Right recipient, wrong contract: ignored.
		transferLog(otherToken, recipient, big.NewInt(77_000_000)),
		// A second credit in the same transaction is summed.
		transferLog(evmUSDTContract, recipient, big.NewInt(1_000_000)),
	}}

	got := erc20Received(receipt, evmUSDTContract, recipient, 6)
	assert.True(t, got.Equal(decimal.NewFromInt(26)), "got %s", got)
}

func TestERC20ReceivedNoMatch(t *testing.T) {
	recipient := common.HexToAddress("0x2222222222222222222222222222222222222222")
	receipt := &types.Receipt{Logs: []*types.Log{
		// Approval-style log with two topics is skipped.
		{Address: evmUSDTContract, Topics: []common.Hash{erc20TransferSig}},
	}}
	assert.True(t, erc20Received(receipt, evmUSDTContract, recipient, 6).IsZero())
}

func TestERC20TransferData(t *testing.T) {
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	data := erc20TransferData(to, big.NewInt(25_000_000))

	require.Len(t, data, 68)
	assert.Equal(t, erc20TransferSelector, data[:4])
	assert.Equal(t, common.LeftPadBytes(to.Bytes(), 32), data[4:36])
	assert.Equal(t, big.NewInt(25_000_000), new(big.Int).SetBytes(data[36:]))
}

func TestMeetsExpected(t *testing.T) {
	tests := []struct {
		name     string
		actual   string
		expected string
		want     bool
	}{
		{"exact", "1.0", "1.0", true},
		{"overpaid", "1.5", "1.0", true},
		{"inside tolerance", "0.99", "1.0", true},
		{"below tolerance", "0.989", "1.0", false},
		{"far short", "0.5", "1.0", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actual, err := decimal.NewFromString(tt.actual)
			require.NoError(t, err)
			expected, err := decimal.NewFromString(tt.expected)
			require.NoError(t, err)
			assert.Equal(t, tt.want, meetsExpected(actual, expected))
		})
	}
}
