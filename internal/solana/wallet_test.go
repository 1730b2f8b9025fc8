package solana

import (
	"encoding/base64"
	"testing"

	bin "github.com/gagliardetto/binary"
	sol "github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBlockhash = "EkSnNWid2cvwEVnVx9aBqawnmiCNiDgp3gUdkDPTKN1N"

func memoInstruction(w *Wallet) Instruction {
	return Instruction{
		ProgramID: "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr",
		Accounts:  []AccountMeta{{Pubkey: w.PublicKey(), IsSigner: true, IsWritable: true}},
		Data:      []byte("pulse"),
	}
}

func decodeTx(t *testing.T, b64 string) *sol.Transaction {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(b64)
	require.NoError(t, err)
	tx, err := sol.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	return tx
}

func TestWallet_BuildAndSign(t *testing.T) {
	w, err := GenerateWallet()
	require.NoError(t, err)

	for _, versioned := range []bool{false, true} {
		out, err := w.BuildAndSign([]Instruction{memoInstruction(w)}, testBlockhash, nil, versioned)
		require.NoError(t, err)

		tx := decodeTx(t, out)
		assert.Len(t, tx.Signatures, 1)
		assert.NoError(t, tx.VerifySignatures())
		assert.Equal(t, versioned, tx.Message.IsVersioned())
	}
}

func TestWallet_SignSerializedReplacesPlaceholder(t *testing.T) {
	w, err := GenerateWallet()
	require.NoError(t, err)

	ix, err := toSolInstruction(memoInstruction(w))
	require.NoError(t, err)
	hash := sol.MustHashFromBase58(testBlockhash)
	tx, err := sol.NewTransaction([]sol.Instruction{ix}, hash, sol.TransactionPayer(sol.MustPublicKeyFromBase58(string(w.PublicKey()))))
	require.NoError(t, err)
	tx.Signatures = []sol.Signature{{}}
	unsigned, err := tx.MarshalBinary()
	require.NoError(t, err)

	signed, err := w.SignSerialized(base64.StdEncoding.EncodeToString(unsigned))
	require.NoError(t, err)

	got := decodeTx(t, signed)
	assert.Len(t, got.Signatures, 1)
	assert.NoError(t, got.VerifySignatures())
}

func TestTransactionSignature(t *testing.T) {
	w, err := GenerateWallet()
	require.NoError(t, err)

	for _, versioned := range []bool{false, true} {
		out, err := w.BuildAndSign([]Instruction{memoInstruction(w)}, testBlockhash, nil, versioned)
		require.NoError(t, err)

		sig, err := TransactionSignature(out)
		require.NoError(t, err)
		assert.Equal(t, Signature(decodeTx(t, out).Signatures[0].String()), sig)
	}

	// A router transaction before signing carries a zeroed placeholder.
	ix, err := toSolInstruction(memoInstruction(w))
	require.NoError(t, err)
	tx, err := sol.NewTransaction([]sol.Instruction{ix}, sol.MustHashFromBase58(testBlockhash),
		sol.TransactionPayer(sol.MustPublicKeyFromBase58(string(w.PublicKey()))))
	require.NoError(t, err)
	tx.Signatures = []sol.Signature{{}}
	unsigned, err := tx.MarshalBinary()
	require.NoError(t, err)

	_, err = TransactionSignature(base64.StdEncoding.EncodeToString(unsigned))
	assert.ErrorContains(t, err, "unsigned")

	_, err = TransactionSignature("not base64!")
	assert.Error(t, err)
	_, err = TransactionSignature(base64.StdEncoding.EncodeToString([]byte{0}))
	assert.ErrorContains(t, err, "no signature")
}

func TestWallet_Errors(t *testing.T) {
	w, err := GenerateWallet()
	require.NoError(t, err)

	_, err = w.BuildAndSign(nil, testBlockhash, nil, false)
	assert.Error(t, err)

	_, err = w.BuildAndSign([]Instruction{memoInstruction(w)}, "not-a-hash", nil, false)
	assert.Error(t, err)

	_, err = w.SignSerialized("%%%")
	assert.Error(t, err)

	_, err = LoadWallet("", "")
	assert.Error(t, err)
}

func TestLoadWallet_Base58(t *testing.T) {
	key, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)

	w, err := LoadWallet(key.String(), "")
	require.NoError(t, err)
	assert.Equal(t, Pubkey(key.PublicKey().String()), w.PublicKey())
}

func TestAssociatedTokenAddress(t *testing.T) {
	legacy, err := AssociatedTokenAddress(testOwner, testMintA, TokenProgramID)
	require.NoError(t, err)
	t22, err := AssociatedTokenAddress(testOwner, testMintA, Token2022ProgramID)
	require.NoError(t, err)

	assert.NotEqual(t, legacy, t22)
	_, err = AssociatedTokenAddress("bad", testMintA, TokenProgramID)
	assert.Error(t, err)
}

func TestAmountConversion(t *testing.T) {
	assert.Equal(t, uint64(1_500_000), ToRaw(decimal.RequireFromString("1.5"), 6))
	assert.Equal(t, uint64(1), ToRaw(decimal.RequireFromString("0.0000019"), 6), "sub-unit dust is truncated")
	assert.Equal(t, uint64(0), ToRaw(decimal.NewFromInt(-1), 6))
	assert.Equal(t, "1.5", FromRaw(1_500_000, 6).String())
	assert.Equal(t, uint64(LamportsPerSOL), SOLToLamports(decimal.NewFromInt(1)))
}
