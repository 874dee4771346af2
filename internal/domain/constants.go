package domain

// Currencies accepted for crypto settlement.
const (
	CurrencySOL  = "SOL"
	CurrencyUSDT = "USDT"
	CurrencyETH  = "ETH"
)

// Supported settlement networks.
const (
	NetworkSolana   = "solana"
	NetworkEthereum = "ethereum"
)

// Deposit request statuses
const (
	DepositStatusPending   = "PENDING"
	DepositStatusCompleted = "COMPLETED"
	DepositStatusFailed    = "FAILED"
	DepositStatusExpired   = "EXPIRED"
	DepositStatusCancelled = "CANCELLED"
)

// Withdrawal request statuses
const (
	WithdrawalStatusPending    = "PENDING"
	WithdrawalStatusProcessing = "PROCESSING"
	WithdrawalStatusCompleted  = "COMPLETED"
	WithdrawalStatusFailed     = "FAILED"
)

// NetworkCurrencies maps each network to the currencies it can settle.
var NetworkCurrencies = map[string][]string{
	NetworkSolana:   {CurrencySOL, CurrencyUSDT},
	NetworkEthereum: {CurrencyETH, CurrencyUSDT},
}

// SupportedNetwork reports whether the network is known.
func SupportedNetwork(network string) bool {
	_, ok := NetworkCurrencies[network]
	return ok
}

// SupportsCurrency reports whether the currency can settle on the network.
func SupportsCurrency(network, currency string) bool {
	for _, c := range NetworkCurrencies[network] {
		if c == currency {
			return true
		}
	}
	return false
}

// IsNativeAsset reports whether the currency is the network's base asset
// (as opposed to a token tracked by a contract or token-ledger program).
func IsNativeAsset(network, currency string) bool {
	switch network {
	case NetworkSolana:
		return currency == CurrencySOL
	case NetworkEthereum:
		return currency == CurrencyETH
	}
	return false
}

// TokenDecimals returns the on-chain decimal precision for a currency on a
// given network.
func TokenDecimals(network, currency string) int32 {
	if currency == CurrencyUSDT {
		return 6
	}
	if network == NetworkSolana {
		return 9 // lamports
	}
	return 18 // wei
}
