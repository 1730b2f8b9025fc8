package solana

import (
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// Well-known mints.
const (
	SOLMint  Pubkey = "So11111111111111111111111111111111111111112"
	USDCMint Pubkey = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
)

// Program IDs used for token account enumeration.
const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VveNzZkZ6qUYNM6ZnrKMvRnLn9C2wV"
)

// LamportsPerSOL is the lamport denomination of one SOL.
const LamportsPerSOL = 1_000_000_000

// SOLDecimals is the decimal precision of native SOL.
const SOLDecimals = 9

// Transaction status values returned by GetTransactionStatus.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusConfirmed = "confirmed"
	StatusFinalized = "finalized"
	StatusFailed    = "failed"
)

// ---------------------------------------------------------------------------
// Balances
// ---------------------------------------------------------------------------

// TokenBalance is the balance of one SPL token held by a wallet.
type TokenBalance struct {
	Mint     Pubkey          `json:"mint"`
	Amount   decimal.Decimal `json:"amount"` // UI units
	Decimals uint8           `json:"decimals"`
}

// WalletBalance represents the balance of a wallet.
type WalletBalance struct {
	SOL    decimal.Decimal         `json:"sol"`
	Tokens map[Pubkey]TokenBalance `json:"tokens"` // mint -> balance
}

// Token returns the UI balance held for mint (zero when absent).
func (w *WalletBalance) Token(mint Pubkey) decimal.Decimal {
	if w == nil || w.Tokens == nil {
		return decimal.Zero
	}
	return w.Tokens[mint].Amount
}

// ---------------------------------------------------------------------------
// Amount conversion
// ---------------------------------------------------------------------------

// ToRaw converts a UI amount to base units, truncating sub-unit dust.
func ToRaw(ui decimal.Decimal, decimals uint8) uint64 {
	if !ui.IsPositive() {
		return 0
	}
	raw := ui.Shift(int32(decimals)).Truncate(0)
	if !raw.IsPositive() {
		return 0
	}
	return raw.BigInt().Uint64()
}

// FromRaw converts base units to a UI amount.
func FromRaw(raw uint64, decimals uint8) decimal.Decimal {
	return decimal.NewFromUint64(raw).Shift(-int32(decimals))
}

// LamportsToSOL converts lamports to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return FromRaw(lamports, SOLDecimals)
}

// SOLToLamports converts SOL to lamports.
func SOLToLamports(sol decimal.Decimal) uint64 {
	return ToRaw(sol, SOLDecimals)
}
