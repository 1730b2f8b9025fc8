package execution

import (
	"context"
	"fmt"

	"github.com/nexus-trading/pulse/internal/adapters/jupiter"
	"github.com/nexus-trading/pulse/internal/solana"
)

// ---------------------------------------------------------------------------
// Swap strategies: one rung of the fallback ladder each
// ---------------------------------------------------------------------------

// Strategy turns a quoted swap into a submitted transaction.
type Strategy interface {
	Name() string
	Attempt(ctx context.Context, a *Attempt) (solana.Signature, error)
}

// Attempt is the swap being tried by one ladder rung. Strategies of the
// same rung share it, so the legacy re-quote is fetched at most once.
type Attempt struct {
	Direction        Direction
	InputMint        solana.Pubkey
	OutputMint       solana.Pubkey
	AmountRaw        uint64
	SlippageBps      int
	ComputeUnitPrice uint64
	MaxAccounts      int

	// Quote is the versioned-route quote the rung started from.
	Quote *jupiter.Quote
	// Used is the quote behind the last submitted transaction.
	Used *jupiter.Quote
	// Submitted holds the signature of every transaction handed to the RPC
	// node, including sends that returned an error.
	Submitted []solana.Signature

	legacyQuote *jupiter.Quote
	legacyErr   error
}

// QuoteFor returns the quote matching the transaction format. The legacy
// quote restricts routes to ones that fit without lookup tables.
func (a *Attempt) QuoteFor(ctx context.Context, router jupiter.Router, legacy bool) (*jupiter.Quote, error) {
	if !legacy {
		return a.Quote, nil
	}
	if a.legacyQuote == nil && a.legacyErr == nil {
		q, err := router.Quote(ctx, a.InputMint, a.OutputMint, a.AmountRaw, a.SlippageBps, jupiter.QuoteOptions{
			AsLegacy:    true,
			MaxAccounts: a.MaxAccounts,
		})
		switch {
		case err != nil:
			a.legacyErr = err
		case !q.Actionable():
			a.legacyErr = fmt.Errorf("%w: empty legacy route", jupiter.ErrNoRoute)
		default:
			a.legacyQuote = q
		}
	}
	return a.legacyQuote, a.legacyErr
}

// send records the signature of signed, then submits it.
func (a *Attempt) send(ctx context.Context, rpc solana.RPCClient, signed string) (solana.Signature, error) {
	if sig, err := solana.TransactionSignature(signed); err == nil {
		a.Submitted = append(a.Submitted, sig)
	}
	return rpc.SendTransaction(ctx, signed)
}

func (a *Attempt) swapOptions(shared, legacy bool) jupiter.SwapOptions {
	return jupiter.SwapOptions{
		SharedAccounts:   shared,
		Legacy:           legacy,
		ComputeUnitPrice: a.ComputeUnitPrice,
	}
}

// routerTxStrategy signs the transaction assembled by the router.
type routerTxStrategy struct {
	name   string
	shared bool
	legacy bool

	router jupiter.Router
	signer solana.Signer
	rpc    solana.RPCClient
}

func (s *routerTxStrategy) Name() string { return s.name }

func (s *routerTxStrategy) Attempt(ctx context.Context, a *Attempt) (solana.Signature, error) {
	q, err := a.QuoteFor(ctx, s.router, s.legacy)
	if err != nil {
		return "", err
	}
	tx, err := s.router.BuildSwapTx(ctx, q, s.signer.PublicKey(), a.swapOptions(s.shared, s.legacy))
	if err != nil {
		return "", err
	}
	signed, err := s.signer.SignSerialized(tx.Transaction)
	if err != nil {
		return "", err
	}
	a.Used = q
	return a.send(ctx, s.rpc, signed)
}

// manualStrategy builds the transaction locally from router instructions.
type manualStrategy struct {
	name      string
	versioned bool

	router jupiter.Router
	signer solana.Signer
	rpc    solana.RPCClient
}

func (s *manualStrategy) Name() string { return s.name }

func (s *manualStrategy) Attempt(ctx context.Context, a *Attempt) (solana.Signature, error) {
	q, err := a.QuoteFor(ctx, s.router, !s.versioned)
	if err != nil {
		return "", err
	}
	set, err := s.router.SwapInstructions(ctx, q, s.signer.PublicKey(), a.swapOptions(true, !s.versioned))
	if err != nil {
		return "", err
	}

	var tables map[solana.Pubkey][]solana.Pubkey
	if s.versioned && len(set.LookupTables) > 0 {
		tables, err = solana.ResolveLookupTables(ctx, s.rpc, set.LookupTables)
		if err != nil {
			return "", err
		}
	}
	blockhash, err := s.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return "", err
	}
	signed, err := s.signer.BuildAndSign(set.All(), blockhash, tables, s.versioned)
	if err != nil {
		return "", err
	}
	a.Used = q
	return a.send(ctx, s.rpc, signed)
}

// Strategy names, in ladder order.
const (
	StrategyPrimaryShared    = "primary/shared"
	StrategyPrimaryDedicated = "primary/dedicated"
	StrategyLegacyShared     = "legacy/shared"
	StrategyLegacyDedicated  = "legacy/dedicated"
	StrategyManualLegacy     = "manual/legacy"
	StrategyManualVersioned  = "manual/versioned"
)

// DefaultStrategies returns the full ladder: router-built versioned
// transactions in both account modes, legacy re-quotes in both modes, then
// locally assembled transactions from router instructions.
func DefaultStrategies(router jupiter.Router, signer solana.Signer, rpc solana.RPCClient) []Strategy {
	tx := func(name string, shared, legacy bool) Strategy {
		return &routerTxStrategy{name: name, shared: shared, legacy: legacy, router: router, signer: signer, rpc: rpc}
	}
	manual := func(name string, versioned bool) Strategy {
		return &manualStrategy{name: name, versioned: versioned, router: router, signer: signer, rpc: rpc}
	}
	return []Strategy{
		tx(StrategyPrimaryShared, true, false),
		tx(StrategyPrimaryDedicated, false, false),
		tx(StrategyLegacyShared, true, true),
		tx(StrategyLegacyDedicated, false, true),
		manual(StrategyManualLegacy, false),
		manual(StrategyManualVersioned, true),
	}
}
