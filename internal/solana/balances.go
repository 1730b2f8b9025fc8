package solana

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ---------------------------------------------------------------------------
// Balance Reader: owner-wide scans with a cached per-mint fallback
// ---------------------------------------------------------------------------

// BalanceReaderConfig configures the balance reader.
type BalanceReaderConfig struct {
	// BackoffWindow is how long owner-wide scans are suspended after a
	// rate-limit response.
	BackoffWindow time.Duration `yaml:"backoff_window"`
}

// DefaultBalanceReaderConfig returns defaults.
func DefaultBalanceReaderConfig() BalanceReaderConfig {
	return BalanceReaderConfig{BackoffWindow: 60 * time.Second}
}

// BalanceReader reads wallet balances. Owner-wide token scans are preferred;
// when the RPC plan forbids them (for the rest of the session) or rate limits
// them (for the backoff window), balances for the tracked mints are read
// individually through their associated token accounts and merged over the
// last successful scan.
type BalanceReader struct {
	rpc    RPCClient
	config BalanceReaderConfig
	now    func() time.Time

	mu           sync.Mutex
	restricted   bool
	backoffUntil time.Time
	cached       map[Pubkey]TokenBalance
	cachedAt     time.Time
	fallbackHits int64
}

// NewBalanceReader creates a balance reader over rpc.
func NewBalanceReader(rpc RPCClient, config BalanceReaderConfig) *BalanceReader {
	if config.BackoffWindow <= 0 {
		config.BackoffWindow = DefaultBalanceReaderConfig().BackoffWindow
	}
	return &BalanceReader{
		rpc:    rpc,
		config: config,
		now:    time.Now,
		cached: make(map[Pubkey]TokenBalance),
	}
}

// SOL returns the native balance of owner in SOL.
func (b *BalanceReader) SOL(ctx context.Context, owner Pubkey) (decimal.Decimal, error) {
	lamports, err := b.rpc.GetBalance(ctx, owner)
	if err != nil {
		return decimal.Zero, err
	}
	return LamportsToSOL(lamports), nil
}

// Tokens returns token balances for owner. The result always contains an
// entry (possibly zero) for every mint in tracked.
func (b *BalanceReader) Tokens(ctx context.Context, owner Pubkey, tracked []Pubkey) (map[Pubkey]TokenBalance, error) {
	if b.scanAllowed() {
		tokens, err := b.rpc.GetTokenAccountsByOwner(ctx, owner)
		if err == nil {
			b.storeScan(tokens)
			return withTracked(tokens, tracked), nil
		}
		if !b.noteScanFailure(err) {
			return nil, err
		}
	}
	return b.fallback(ctx, owner, tracked)
}

// TokenBalance reads the owner's balance of one mint through its associated
// token accounts (legacy program first, then token-2022).
func (b *BalanceReader) TokenBalance(ctx context.Context, owner, mint Pubkey) (TokenBalance, error) {
	for _, program := range []string{TokenProgramID, Token2022ProgramID} {
		ata, err := AssociatedTokenAddress(owner, mint, program)
		if err != nil {
			return TokenBalance{}, err
		}
		bal, err := b.rpc.GetTokenAccountBalance(ctx, ata)
		if errors.Is(err, ErrAccountNotFound) {
			continue
		}
		if err != nil {
			return TokenBalance{}, err
		}
		bal.Mint = mint
		return *bal, nil
	}
	return TokenBalance{Mint: mint, Amount: decimal.Zero}, nil
}

// Restricted reports whether owner-wide scans were disabled for the session.
func (b *BalanceReader) Restricted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.restricted
}

// FallbackReads returns how many times the per-mint fallback served a read.
func (b *BalanceReader) FallbackReads() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fallbackHits
}

func (b *BalanceReader) scanAllowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.restricted && !b.now().Before(b.backoffUntil)
}

func (b *BalanceReader) storeScan(tokens map[Pubkey]TokenBalance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cached = make(map[Pubkey]TokenBalance, len(tokens))
	for k, v := range tokens {
		b.cached[k] = v
	}
	b.cachedAt = b.now()
}

// noteScanFailure records a scan failure and reports whether the fallback
// should serve the read.
func (b *BalanceReader) noteScanFailure(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case errors.Is(err, ErrCapabilityRestricted):
		if !b.restricted {
			b.restricted = true
			log.Warn().Err(err).Msg("balances: owner-wide token scans not permitted by RPC plan, using per-mint reads for this session")
		}
		return true
	case errors.Is(err, ErrRateLimited):
		b.backoffUntil = b.now().Add(b.config.BackoffWindow)
		log.Warn().Dur("window", b.config.BackoffWindow).Msg("balances: token scans rate limited, backing off")
		return true
	}
	return false
}

func (b *BalanceReader) fallback(ctx context.Context, owner Pubkey, tracked []Pubkey) (map[Pubkey]TokenBalance, error) {
	b.mu.Lock()
	out := make(map[Pubkey]TokenBalance, len(b.cached)+len(tracked))
	for k, v := range b.cached {
		out[k] = v
	}
	b.fallbackHits++
	b.mu.Unlock()

	for _, mint := range tracked {
		bal, err := b.TokenBalance(ctx, owner, mint)
		if err != nil {
			if _, ok := out[mint]; ok {
				log.Debug().Err(err).Str("mint", string(mint)).Msg("balances: per-mint read failed, keeping cached value")
				continue
			}
			return nil, fmt.Errorf("balances: read %s: %w", mint, err)
		}
		if bal.Amount.IsPositive() {
			out[mint] = bal
		} else {
			delete(out, mint)
		}
	}

	b.mu.Lock()
	b.cached = make(map[Pubkey]TokenBalance, len(out))
	for k, v := range out {
		b.cached[k] = v
	}
	b.mu.Unlock()

	return withTracked(out, tracked), nil
}

func withTracked(tokens map[Pubkey]TokenBalance, tracked []Pubkey) map[Pubkey]TokenBalance {
	for _, mint := range tracked {
		if _, ok := tokens[mint]; !ok {
			tokens[mint] = TokenBalance{Mint: mint, Amount: decimal.Zero}
		}
	}
	return tokens
}
