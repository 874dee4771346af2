package chain

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/btcsuite/btcutil/base58"
)

// Well-known Solana program ids.
var (
	solSystemProgram    = mustPubkey("11111111111111111111111111111111")
	solTokenProgram     = mustPubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	solAssociatedToken  = mustPubkey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
	solUSDTMint         = mustPubkey("Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB")
	pdaDerivationMarker = []byte("ProgramDerivedAddress")
)

const lamportsPerSOL = 1_000_000_000

type solPubkey [32]byte

func pubkeyFromBase58(s string) (solPubkey, error) {
	var pk solPubkey
	decoded := base58.Decode(s)
	if len(decoded) != 32 {
		return pk, fmt.Errorf("invalid solana public key %q", s)
	}
	copy(pk[:], decoded)
	return pk, nil
}

func mustPubkey(s string) solPubkey {
	pk, err := pubkeyFromBase58(s)
	if err != nil {
		panic(err)
	}
	return pk
}

func (p solPubkey) String() string {
	return base58.Encode(p[:])
}

// isOnCurve reports whether the bytes decode to a valid ed25519 point.
// Program-derived addresses must be off the curve so no private key exists.
func isOnCurve(b [32]byte) bool {
	_, err := new(edwards25519.Point).SetBytes(b[:])
	return err == nil
}

// findProgramAddress derives the program address for the seeds, walking the
// bump seed down from 255 until the hash falls off the curve.
func findProgramAddress(seeds [][]byte, program solPubkey) (solPubkey, error) {
	for bump := 255; bump >= 0; bump-- {
		h := sha256.New()
		for _, seed := range seeds {
			h.Write(seed)
		}
		h.Write([]byte{byte(bump)})
		h.Write(program[:])
		h.Write(pdaDerivationMarker)

		var candidate [32]byte
		copy(candidate[:], h.Sum(nil))
		if !isOnCurve(candidate) {
			return solPubkey(candidate), nil
		}
	}
	return solPubkey{}, fmt.Errorf("no viable program address for seeds")
}

// associatedTokenAddress derives the canonical token account for a wallet
// and mint under the associated token program.
func associatedTokenAddress(wallet, mint solPubkey) (solPubkey, error) {
	return findProgramAddress(
		[][]byte{wallet[:], solTokenProgram[:], mint[:]},
		solAssociatedToken,
	)
}

// solAccountMeta is one account reference in an instruction.
type solAccountMeta struct {
	Pubkey   solPubkey
	Signer   bool
	Writable bool
}

// solInstruction is a single program invocation.
type solInstruction struct {
	Program  solPubkey
	Accounts []solAccountMeta
	Data     []byte
}

// systemTransfer builds a native SOL transfer instruction.
func systemTransfer(from, to solPubkey, lamports uint64) solInstruction {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 2) // SystemProgram::Transfer
	binary.LittleEndian.PutUint64(data[4:12], lamports)
	return solInstruction{
		Program: solSystemProgram,
		Accounts: []solAccountMeta{
			{Pubkey: from, Signer: true, Writable: true},
			{Pubkey: to, Writable: true},
		},
		Data: data,
	}
}

// tokenTransfer builds an SPL token transfer between token accounts.
func tokenTransfer(source, destination, owner solPubkey, amount uint64) solInstruction {
	data := make([]byte, 9)
	data[0] = 3 // TokenInstruction::Transfer
	binary.LittleEndian.PutUint64(data[1:9], amount)
	return solInstruction{
		Program: solTokenProgram,
		Accounts: []solAccountMeta{
			{Pubkey: source, Writable: true},
			{Pubkey: destination, Writable: true},
			{Pubkey: owner, Signer: true},
		},
		Data: data,
	}
}

// createAssociatedTokenAccount builds the instruction that materializes the
// destination's token account, funded by the payer.
func createAssociatedTokenAccount(payer, ata, owner, mint solPubkey) solInstruction {
	return solInstruction{
		Program: solAssociatedToken,
		Accounts: []solAccountMeta{
			{Pubkey: payer, Signer: true, Writable: true},
			{Pubkey: ata, Writable: true},
			{Pubkey: owner},
			{Pubkey: mint},
			{Pubkey: solSystemProgram},
			{Pubkey: solTokenProgram},
		},
		Data: nil,
	}
}

// appendCompactU16 writes Solana's compact-u16 length prefix.
func appendCompactU16(buf []byte, n int) []byte {
	for {
		if n < 0x80 {
			return append(buf, byte(n))
		}
		buf = append(buf, byte(n&0x7f|0x80))
		n >>= 7
	}
}

// buildSolanaMessage serializes a legacy transaction message. The fee payer
// comes first; remaining accounts are ordered writable-signers, readonly
// signers, writable non-signers, then readonly non-signers as the wire
// format requires.
func buildSolanaMessage(feePayer solPubkey, instructions []solInstruction, recentBlockhash solPubkey) ([]byte, []solPubkey, error) {
	type meta struct {
		signer   bool
		writable bool
	}
	metas := map[solPubkey]*meta{
		feePayer: {signer: true, writable: true},
	}
	order := []solPubkey{feePayer}
	upsert := func(key solPubkey, signer, writable bool) {
		m, ok := metas[key]
		if !ok {
			m = &meta{}
			metas[key] = m
			order = append(order, key)
		}
		m.signer = m.signer || signer
		m.writable = m.writable || writable
	}
	for _, ix := range instructions {
		for _, acc := range ix.Accounts {
			upsert(acc.Pubkey, acc.Signer, acc.Writable)
		}
		upsert(ix.Program, false, false)
	}

	var writableSigners, readonlySigners, writableOthers, readonlyOthers []solPubkey
	for _, key := range order {
		m := metas[key]
		switch {
		case m.signer && m.writable:
			writableSigners = append(writableSigners, key)
		case m.signer:
			readonlySigners = append(readonlySigners, key)
		case m.writable:
			writableOthers = append(writableOthers, key)
		default:
			readonlyOthers = append(readonlyOthers, key)
		}
	}

	keys := make([]solPubkey, 0, len(order))
	keys = append(keys, writableSigners...)
	keys = append(keys, readonlySigners...)
	keys = append(keys, writableOthers...)
	keys = append(keys, readonlyOthers...)

	index := make(map[solPubkey]int, len(keys))
	for i, key := range keys {
		index[key] = i
	}

	var msg []byte
	msg = append(msg, byte(len(writableSigners)+len(readonlySigners)))
	msg = append(msg, byte(len(readonlySigners)))
	msg = append(msg, byte(len(readonlyOthers)))

	msg = appendCompactU16(msg, len(keys))
	for _, key := range keys {
		msg = append(msg, key[:]...)
	}
	msg = append(msg, recentBlockhash[:]...)

	msg = appendCompactU16(msg, len(instructions))
	for _, ix := range instructions {
		msg = append(msg, byte(index[ix.Program]))
		msg = appendCompactU16(msg, len(ix.Accounts))
		for _, acc := range ix.Accounts {
			msg = append(msg, byte(index[acc.Pubkey]))
		}
		msg = appendCompactU16(msg, len(ix.Data))
		msg = append(msg, ix.Data...)
	}

	return msg, keys, nil
}

// signSolanaTransaction produces the wire transaction: a compact array of
// signatures followed by the message.
func signSolanaTransaction(msg []byte, key ed25519.PrivateKey) []byte {
	sig := ed25519.Sign(key, msg)
	var tx []byte
	tx = appendCompactU16(tx, 1)
	tx = append(tx, sig...)
	tx = append(tx, msg...)
	return tx
}

// decodeSolanaSecretKey accepts either a base58-encoded 64-byte ed25519
// secret key or a JSON byte array (the solana-keygen file format).
func decodeSolanaSecretKey(raw string) (ed25519.PrivateKey, error) {
	decoded := base58.Decode(raw)
	if len(decoded) != ed25519.PrivateKeySize {
		var arr []byte
		if err := json.Unmarshal([]byte(raw), &arr); err != nil || len(arr) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("treasury key must be a base58 or JSON-array 64-byte ed25519 secret key")
		}
		decoded = arr
	}
	if !bytes.Equal(ed25519.PrivateKey(decoded).Public().(ed25519.PublicKey), decoded[32:]) {
		return nil, fmt.Errorf("treasury key public half does not match")
	}
	return ed25519.PrivateKey(decoded), nil
}
