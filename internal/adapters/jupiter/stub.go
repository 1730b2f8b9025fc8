package jupiter

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pulse/internal/solana"
)

// StubRouter is an in-memory Router for tests and stub mode. Quotes are
// priced from per-mint SOL prices; swaps return placeholder transactions.
type StubRouter struct {
	mu        sync.Mutex
	prices    map[solana.Pubkey]stubPrice
	noRoute   map[solana.Pubkey]bool
	noPair    map[[2]solana.Pubkey]bool
	impactPct float64
	quoteErr  error
	buildErr  error
	instrErr  error
	failNext  bool
	calls     []string
}

type stubPrice struct {
	sol      decimal.Decimal // SOL per UI unit
	decimals uint8
}

var _ Router = (*StubRouter)(nil)

// NewStubRouter creates a stub router. SOL itself is always priced at 1.
func NewStubRouter() *StubRouter {
	r := &StubRouter{
		prices:  make(map[solana.Pubkey]stubPrice),
		noRoute: make(map[solana.Pubkey]bool),
		noPair:  make(map[[2]solana.Pubkey]bool),
	}
	r.prices[solana.SOLMint] = stubPrice{sol: decimal.NewFromInt(1), decimals: solana.SOLDecimals}
	return r
}

// SetPrice sets the SOL price of one UI unit of mint.
func (r *StubRouter) SetPrice(mint solana.Pubkey, solPerUnit decimal.Decimal, decimals uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices[mint] = stubPrice{sol: solPerUnit, decimals: decimals}
}

// SetNoRoute makes every quote touching mint fail with ErrNoRoute.
func (r *StubRouter) SetNoRoute(mint solana.Pubkey, noRoute bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noRoute[mint] = noRoute
}

// SetNoRoutePair disables the in -> out direction only.
func (r *StubRouter) SetNoRoutePair(in, out solana.Pubkey, noRoute bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.noPair[[2]solana.Pubkey{in, out}] = noRoute
}

// SetPriceImpact sets the impact reported on every quote.
func (r *StubRouter) SetPriceImpact(pct float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.impactPct = pct
}

// SetQuoteError makes every quote fail with err (nil clears).
func (r *StubRouter) SetQuoteError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.quoteErr = err
}

// SetBuildError makes every BuildSwapTx fail with err (nil clears).
func (r *StubRouter) SetBuildError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buildErr = err
}

// SetInstructionsError makes every SwapInstructions fail with err (nil clears).
func (r *StubRouter) SetInstructionsError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instrErr = err
}

// SetFailNext makes the next call of any kind fail with a generic error.
func (r *StubRouter) SetFailNext() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext = true
}

// Calls returns the call log, one entry per request.
func (r *StubRouter) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.calls))
	copy(out, r.calls)
	return out
}

func (r *StubRouter) takeFail() bool {
	if r.failNext {
		r.failNext = false
		return true
	}
	return false
}

func (r *StubRouter) Quote(_ context.Context, in, out solana.Pubkey, amountRaw uint64, slippageBps int, opts QuoteOptions) (*Quote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("quote %s->%s amount=%d slippage=%d legacy=%t",
		shortKey(in), shortKey(out), amountRaw, slippageBps, opts.AsLegacy))

	if r.takeFail() {
		return nil, fmt.Errorf("stub: simulated router failure")
	}
	if r.quoteErr != nil {
		return nil, r.quoteErr
	}
	if r.noRoute[in] || r.noRoute[out] || r.noPair[[2]solana.Pubkey{in, out}] {
		return nil, fmt.Errorf("%w: stub route disabled", ErrNoRoute)
	}
	pin, okIn := r.prices[in]
	pout, okOut := r.prices[out]
	if !okIn || !okOut || pout.sol.IsZero() {
		return nil, fmt.Errorf("%w: stub has no price", ErrNoRoute)
	}

	valueSOL := solana.FromRaw(amountRaw, pin.decimals).Mul(pin.sol)
	outUI := valueSOL.Div(pout.sol)
	outRaw := solana.ToRaw(outUI, pout.decimals)
	threshold := decimal.NewFromUint64(outRaw).
		Mul(decimal.NewFromInt(int64(10_000 - slippageBps))).
		Div(decimal.NewFromInt(10_000)).Floor()

	return &Quote{
		InputMint:            in,
		OutputMint:           out,
		InAmount:             amountRaw,
		OutAmount:            outRaw,
		OtherAmountThreshold: threshold.BigInt().Uint64(),
		PriceImpactPct:       r.impactPct,
		SlippageBps:          slippageBps,
		RouteHops:            1,
		Labels:               []string{"stub"},
		Legacy:               opts.AsLegacy,
	}, nil
}

func (r *StubRouter) BuildSwapTx(_ context.Context, q *Quote, _ solana.Pubkey, opts SwapOptions) (*SwapTx, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("build shared=%t legacy=%t", opts.SharedAccounts, opts.Legacy))
	if r.takeFail() {
		return nil, fmt.Errorf("stub: simulated router failure")
	}
	if r.buildErr != nil {
		return nil, r.buildErr
	}
	return &SwapTx{Transaction: fmt.Sprintf("stub-tx-%d", q.InAmount), LastValidBlockHeight: 1}, nil
}

func (r *StubRouter) SwapInstructions(_ context.Context, _ *Quote, _ solana.Pubkey, opts SwapOptions) (*InstructionSet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf("instructions legacy=%t", opts.Legacy))
	if r.takeFail() {
		return nil, fmt.Errorf("stub: simulated router failure")
	}
	if r.instrErr != nil {
		return nil, r.instrErr
	}
	return &InstructionSet{
		Swap: solana.Instruction{ProgramID: "JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", Data: []byte{1}},
	}, nil
}

func shortKey(k solana.Pubkey) string {
	if len(k) <= 4 {
		return string(k)
	}
	return string(k[:4])
}
