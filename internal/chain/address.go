package chain

import (
	"fmt"
	"regexp"

	"github.com/btcsuite/btcutil/base58"

	"github.com/trenchbank/settlement/internal/domain"
)

var evmAddressPattern = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidateAddress checks an address against the target network's format.
// Solana addresses are base58-encoded 32-byte public keys; EVM addresses are
// 0x followed by 40 hex digits.
func ValidateAddress(network, address string) error {
	switch network {
	case domain.NetworkSolana:
		if len(address) < 32 || len(address) > 44 {
			return fmt.Errorf("invalid solana address length %d", len(address))
		}
		decoded := base58.Decode(address)
		if len(decoded) != 32 {
			return fmt.Errorf("invalid solana address %q", address)
		}
		return nil
	case domain.NetworkEthereum:
		if !evmAddressPattern.MatchString(address) {
			return fmt.Errorf("invalid ethereum address %q", address)
		}
		return nil
	default:
		return fmt.Errorf("unsupported network %q", network)
	}
}
