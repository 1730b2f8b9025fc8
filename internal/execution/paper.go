package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pulse/internal/solana"
)

// ErrInsufficientBalance is returned by paper fills that overdraw the ledger.
var ErrInsufficientBalance = errors.New("paper: insufficient balance")

// PaperConfig configures the dry-run ledger.
type PaperConfig struct {
	StartingSOL decimal.Decimal `yaml:"starting_sol"`
	// Haircut applied to every quoted output, in bps.
	SlippageBps int64 `yaml:"slippage_bps"`
	// Network fee charged per fill, in SOL.
	FeeSOL decimal.Decimal `yaml:"fee_sol"`
}

func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		StartingSOL: decimal.NewFromInt(10),
		SlippageBps: 50,
		FeeSOL:      decimal.RequireFromString("0.000005"),
	}
}

// PaperFill records one simulated swap.
type PaperFill struct {
	Signature solana.Signature `json:"signature"`
	Direction Direction        `json:"direction"`
	Mint      solana.Pubkey    `json:"mint"`
	InUI      decimal.Decimal  `json:"in_ui"`
	OutUI     decimal.Decimal  `json:"out_ui"`
	FeeSOL    decimal.Decimal  `json:"fee_sol"`
	At        time.Time        `json:"at"`
}

// PaperLedger simulates a wallet for dry runs. Swaps fill at the quoted
// output minus the haircut and credit immediately. It satisfies the
// Balances interface so the position store reconciles against it.
//
// Thread-safe: all state is guarded by mu.
type PaperLedger struct {
	config PaperConfig

	mu     sync.Mutex
	sol    decimal.Decimal
	tokens map[solana.Pubkey]solana.TokenBalance
	fills  []PaperFill
}

// NewPaperLedger creates a ledger funded with StartingSOL.
func NewPaperLedger(config PaperConfig) *PaperLedger {
	if config.StartingSOL.IsZero() {
		config.StartingSOL = DefaultPaperConfig().StartingSOL
	}
	log.Info().
		Str("starting_sol", config.StartingSOL.String()).
		Int64("slippage_bps", config.SlippageBps).
		Msg("paper: ledger initialized")
	return &PaperLedger{
		config: config,
		sol:    config.StartingSOL,
		tokens: make(map[solana.Pubkey]solana.TokenBalance),
	}
}

// Fill applies a swap. For buys inUI is SOL and outUI tokens; for sells
// the reverse.
func (p *PaperLedger) Fill(dir Direction, mint solana.Pubkey, decimals uint8, inUI, outUI decimal.Decimal) (PaperFill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	haircut := decimal.NewFromInt(10_000 - p.config.SlippageBps).Div(decimal.NewFromInt(10_000))
	out := outUI.Mul(haircut)
	fee := p.config.FeeSOL
	tok := p.tokens[mint]
	tok.Mint, tok.Decimals = mint, decimals

	switch dir {
	case DirectionBuy:
		need := inUI.Add(fee)
		if p.sol.LessThan(need) {
			return PaperFill{}, fmt.Errorf("%w: need %s SOL, have %s", ErrInsufficientBalance, need, p.sol)
		}
		p.sol = p.sol.Sub(need)
		tok.Amount = tok.Amount.Add(out.Truncate(int32(decimals)))
	case DirectionSell:
		if tok.Amount.LessThan(inUI) {
			return PaperFill{}, fmt.Errorf("%w: need %s tokens, have %s", ErrInsufficientBalance, inUI, tok.Amount)
		}
		tok.Amount = tok.Amount.Sub(inUI)
		p.sol = p.sol.Add(out.Truncate(solana.SOLDecimals)).Sub(fee)
	default:
		return PaperFill{}, fmt.Errorf("paper: unknown direction %q", dir)
	}
	if tok.Amount.IsZero() {
		delete(p.tokens, mint)
	} else {
		p.tokens[mint] = tok
	}

	fill := PaperFill{
		Signature: solana.Signature("paper-" + uuid.New().String()),
		Direction: dir,
		Mint:      mint,
		InUI:      inUI,
		OutUI:     out,
		FeeSOL:    fee,
		At:        time.Now(),
	}
	p.fills = append(p.fills, fill)

	log.Info().
		Str("dir", string(dir)).
		Str("mint", shortMint(mint)).
		Str("in", inUI.String()).
		Str("out", out.String()).
		Str("sol", p.sol.String()).
		Msg("paper: filled")
	return fill, nil
}

// Fills returns a copy of all fills.
func (p *PaperLedger) Fills() []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PaperFill, len(p.fills))
	copy(out, p.fills)
	return out
}

// SetToken overrides a token balance (tests and restore).
func (p *PaperLedger) SetToken(mint solana.Pubkey, amount decimal.Decimal, decimals uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !amount.IsPositive() {
		delete(p.tokens, mint)
		return
	}
	p.tokens[mint] = solana.TokenBalance{Mint: mint, Amount: amount, Decimals: decimals}
}

// SetSOL overrides the SOL balance.
func (p *PaperLedger) SetSOL(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sol = amount
}

func (p *PaperLedger) SOL(_ context.Context, _ solana.Pubkey) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sol, nil
}

func (p *PaperLedger) Tokens(_ context.Context, _ solana.Pubkey, tracked []solana.Pubkey) (map[solana.Pubkey]solana.TokenBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[solana.Pubkey]solana.TokenBalance, len(p.tokens)+len(tracked))
	for m, b := range p.tokens {
		out[m] = b
	}
	for _, m := range tracked {
		if _, ok := out[m]; !ok {
			out[m] = solana.TokenBalance{Mint: m, Amount: decimal.Zero}
		}
	}
	return out, nil
}

func (p *PaperLedger) TokenBalance(_ context.Context, _ solana.Pubkey, mint solana.Pubkey) (solana.TokenBalance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.tokens[mint]; ok {
		return b, nil
	}
	return solana.TokenBalance{Mint: mint, Amount: decimal.Zero}, nil
}
