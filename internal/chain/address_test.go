package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/trenchbank/settlement/internal/domain"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		network string
		address string
		wantErr bool
	}{
		{
			name:    "valid solana address",
			network: domain.NetworkSolana,
			address: "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA",
		},
		{
			name:    "solana address too short",
			network: domain.NetworkSolana,
			address: "abc",
			wantErr: true,
		},
		{
			name:    "solana address with invalid characters",
			network: domain.NetworkSolana,
			address: "0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl0OIl",
			wantErr: true,
		},
		{
			name:    "valid ethereum address",
			network: domain.NetworkEthereum,
			address: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		},
		{
			name:    "ethereum address missing prefix",
			network: domain.NetworkEthereum,
			address: "dAC17F958D2ee523a2206206994597C13D831ec7",
			wantErr: true,
		},
		{
			name:    "ethereum address wrong length",
			network: domain.NetworkEthereum,
			address: "0xdAC17F958D2ee523a22062069945",
			wantErr: true,
		},
		{
			name:    "unknown network",
			network: "bitcoin",
			address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.network, tt.address)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
