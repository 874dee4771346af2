package chain

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCompactU16(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{16383, []byte{0xff, 0x7f}},
		{16384, []byte{0x80, 0x80, 0x01}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, appendCompactU16(nil, tt.n), "n=%d", tt.n)
	}
}

func TestFindProgramAddressOffCurve(t *testing.T) {
	wallet := mustPubkey(testPubkey(0x11))
	addr, err := findProgramAddress(
		[][]byte{wallet[:], solTokenProgram[:], solUSDTMint[:]},
		solAssociatedToken,
	)
	require.NoError(t, err)

	var raw [32]byte
	copy(raw[:], addr[:])
	assert.False(t, isOnCurve(raw), "derived address must not have a private key")

	// Derivation is deterministic.
	again, err := findProgramAddress(
		[][]byte{wallet[:], solTokenProgram[:], solUSDTMint[:]},
		solAssociatedToken,
	)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	// Different wallets get different token accounts.
	other := mustPubkey(testPubkey(0x22))
	otherAddr, err := findProgramAddress(
		[][]byte{other[:], solTokenProgram[:], solUSDTMint[:]},
		solAssociatedToken,
	)
	require.NoError(t, err)
	assert.NotEqual(t, addr, otherAddr)
}

func TestIsOnCurve(t *testing.T) {
	// Real ed25519 public keys sit on the curve.
	pub, _, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	var raw [32]byte
	copy(raw[:], pub)
	assert.True(t, isOnCurve(raw))
}

func TestBuildSolanaMessageTransfer(t *testing.T) {
	payer := mustPubkey(testPubkey(0x11))
	dest := mustPubkey(testPubkey(0x22))
	blockhash := mustPubkey(testPubkey(0x33))

	ix := systemTransfer(payer, dest, 1_500_000_000)
	msg, keys, err := buildSolanaMessage(payer, []solInstruction{ix}, blockhash)
	require.NoError(t, err)

	// Header: one signer, no readonly signers, one readonly non-signer
	// (the system program).
	require.GreaterOrEqual(t, len(msg), 3)
	assert.Equal(t, byte(1), msg[0])
	assert.Equal(t, byte(0), msg[1])
	assert.Equal(t, byte(1), msg[2])

	// Fee payer leads the account list; the program comes last.
	require.Len(t, keys, 3)
	assert.Equal(t, payer, keys[0])
	assert.Equal(t, dest, keys[1])
	assert.Equal(t, solSystemProgram, keys[2])

	// Account list is compact-u16 prefixed and followed by 32-byte keys,
	// then the blockhash.
	assert.Equal(t, byte(3), msg[3])
	assert.Equal(t, payer[:], msg[4:36])
	assert.Equal(t, blockhash[:], msg[100:132])

	// Instruction data carries the transfer discriminant and lamports.
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(ix.Data[0:4]))
	assert.Equal(t, uint64(1_500_000_000), binary.LittleEndian.Uint64(ix.Data[4:12]))
}

func TestSignSolanaTransaction(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte("message bytes")
	wire := signSolanaTransaction(msg, priv)

	require.Equal(t, 1+ed25519.SignatureSize+len(msg), len(wire))
	assert.Equal(t, byte(1), wire[0])
	assert.True(t, ed25519.Verify(pub, msg, wire[1:1+ed25519.SignatureSize]))
	assert.Equal(t, msg, wire[1+ed25519.SignatureSize:])
}

func TestDecodeSolanaSecretKey(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	// JSON array form, as written by solana-keygen.
	ints := make([]int, len(priv))
	for i, b := range priv {
		ints[i] = int(b)
	}
	jsonKey, err := json.Marshal(ints)
	require.NoError(t, err)

	decoded, err := decodeSolanaSecretKey(string(jsonKey))
	require.NoError(t, err)
	assert.Equal(t, ed25519.PrivateKey(priv), decoded)

	_, err = decodeSolanaSecretKey("not a key")
	assert.Error(t, err)
}
