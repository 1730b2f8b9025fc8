package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pulse/internal/solana"
)

var (
	// ErrUnknownPosition is returned for operations on a mint with no position.
	ErrUnknownPosition = errors.New("execution: unknown position")
	// ErrPositionPending is returned when a sell targets a position whose
	// buy has not been credited yet.
	ErrPositionPending = errors.New("execution: position awaiting credit")
)

// Balances reads on-chain holdings. Implemented by solana.BalanceReader and
// PaperLedger.
type Balances interface {
	SOL(ctx context.Context, owner solana.Pubkey) (decimal.Decimal, error)
	Tokens(ctx context.Context, owner solana.Pubkey, tracked []solana.Pubkey) (map[solana.Pubkey]solana.TokenBalance, error)
	TokenBalance(ctx context.Context, owner, mint solana.Pubkey) (solana.TokenBalance, error)
}

// ---------------------------------------------------------------------------
// Position
// ---------------------------------------------------------------------------

// Position is a held token. Prices are SOL per UI unit.
type Position struct {
	Mint     solana.Pubkey   `json:"mint"`
	Symbol   string          `json:"symbol,omitempty"`
	SizeUI   decimal.Decimal `json:"size_ui"`
	Decimals uint8           `json:"decimals"`

	// CostSOL grows on credited buys and shrinks by the sold fraction.
	CostSOL decimal.Decimal `json:"cost_sol"`
	// PendingCostSOL is spent on a buy whose credit is not yet observed.
	PendingCostSOL decimal.Decimal `json:"pending_cost_sol"`

	HighWaterMarkPrice decimal.Decimal `json:"hwm_price"`
	EntryLiquidityUSD  float64         `json:"entry_liquidity_usd"`

	AcquiredAt time.Time `json:"acquired_at"`
	LastBuyAt  time.Time `json:"last_buy_at"`
	LastSellAt time.Time `json:"last_sell_at,omitempty"`

	LastQuotedValueSOL decimal.Decimal `json:"last_quoted_value_sol"`
	LastQuotedAt       time.Time       `json:"last_quoted_at,omitempty"`

	AwaitingCredit      bool `json:"awaiting_credit"`
	AllowImmediateRebuy bool `json:"allow_immediate_rebuy"`

	BuySignature solana.Signature `json:"buy_signature,omitempty"`
	SellCount    int              `json:"sell_count"`
	RealizedSOL  decimal.Decimal  `json:"realized_sol"`
}

// CostPrice returns the cost basis per unit (zero for an empty position).
func (p *Position) CostPrice() decimal.Decimal {
	if !p.SizeUI.IsPositive() {
		return decimal.Zero
	}
	return p.CostSOL.Div(p.SizeUI)
}

// PositionConfig configures the position store.
type PositionConfig struct {
	// A tracked position with zero on-chain balance is kept this long after
	// its last buy.
	ReconcileGrace time.Duration `yaml:"reconcile_grace"`
	// A pending buy not credited by this deadline is treated as failed.
	CreditDeadline time.Duration `yaml:"credit_deadline"`
}

func DefaultPositionConfig() PositionConfig {
	return PositionConfig{
		ReconcileGrace: 90 * time.Second,
		CreditDeadline: 120 * time.Second,
	}
}

// BuyFill describes a submitted buy.
type BuyFill struct {
	Mint         solana.Pubkey
	Symbol       string
	CostSOL      decimal.Decimal
	ExpectedUI   decimal.Decimal
	Decimals     uint8
	Signature    solana.Signature
	LiquidityUSD float64
}

// SellFill describes a confirmed sell.
type SellFill struct {
	Mint        solana.Pubkey
	SoldUI      decimal.Decimal
	ProceedsSOL decimal.Decimal
	Signature   solana.Signature
	// AllowRebuy lets the loop add to the remaining position at once.
	AllowRebuy bool
}

// SellOutcome reports the accounting of one sell.
type SellOutcome struct {
	Fraction    decimal.Decimal `json:"fraction"`
	CostRemoved decimal.Decimal `json:"cost_removed"`
	RealizedSOL decimal.Decimal `json:"realized_sol"`
	Closed      bool            `json:"closed"`
}

// pendingWatch waits for a buy's tokens to appear on-chain.
type pendingWatch struct {
	baseline  decimal.Decimal
	expected  decimal.Decimal
	deadline  time.Time
	signature solana.Signature
}

// ---------------------------------------------------------------------------
// PositionStore
// ---------------------------------------------------------------------------

// PositionStore owns all positions and pending-credit watches.
// Thread-safe for concurrent access.
type PositionStore struct {
	config   PositionConfig
	balances Balances

	mu        sync.RWMutex
	positions map[solana.Pubkey]*Position
	watches   map[solana.Pubkey]*pendingWatch
}

// NewPositionStore creates an empty store reading from balances.
func NewPositionStore(config PositionConfig, balances Balances) *PositionStore {
	def := DefaultPositionConfig()
	if config.ReconcileGrace <= 0 {
		config.ReconcileGrace = def.ReconcileGrace
	}
	if config.CreditDeadline <= 0 {
		config.CreditDeadline = def.CreditDeadline
	}
	return &PositionStore{
		config:    config,
		balances:  balances,
		positions: make(map[solana.Pubkey]*Position),
		watches:   make(map[solana.Pubkey]*pendingWatch),
	}
}

// SetBalances swaps the balance source (dry-run ledger or chain reader).
func (s *PositionStore) SetBalances(b Balances) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances = b
}

func (s *PositionStore) source() Balances {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances
}

// BeginBuy records a submitted buy and registers a pending-credit watch.
// A buy into an existing position keeps it pending until the added tokens
// are credited.
func (s *PositionStore) BeginBuy(fill BuyFill, now time.Time) *Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[fill.Mint]
	if !ok {
		pos = &Position{
			Mint:               fill.Mint,
			Symbol:             fill.Symbol,
			Decimals:           fill.Decimals,
			AcquiredAt:         now,
			EntryLiquidityUSD:  fill.LiquidityUSD,
			CostSOL:            decimal.Zero,
			SizeUI:             decimal.Zero,
			HighWaterMarkPrice: decimal.Zero,
		}
		s.positions[fill.Mint] = pos
	}
	pos.PendingCostSOL = pos.PendingCostSOL.Add(fill.CostSOL)
	pos.AwaitingCredit = true
	pos.AllowImmediateRebuy = false
	pos.LastBuyAt = now
	pos.BuySignature = fill.Signature

	s.watches[fill.Mint] = &pendingWatch{
		baseline:  pos.SizeUI,
		expected:  fill.ExpectedUI,
		deadline:  now.Add(s.config.CreditDeadline),
		signature: fill.Signature,
	}

	log.Info().
		Str("mint", shortMint(fill.Mint)).
		Str("cost_sol", fill.CostSOL.String()).
		Str("expected", fill.ExpectedUI.String()).
		Str("sig", string(fill.Signature)).
		Msg("positions: buy pending credit")
	return pos.clone()
}

// CreditObserved activates a pending position at the observed on-chain size.
// It returns false when no watch is registered for mint.
func (s *PositionStore) CreditObserved(mint solana.Pubkey, onchainUI decimal.Decimal, decimals uint8, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creditLocked(mint, onchainUI, decimals, now)
}

func (s *PositionStore) creditLocked(mint solana.Pubkey, onchainUI decimal.Decimal, decimals uint8, now time.Time) bool {
	w, ok := s.watches[mint]
	if !ok {
		return false
	}
	pos := s.positions[mint]
	delete(s.watches, mint)
	if pos == nil {
		return false
	}
	pos.SizeUI = onchainUI
	if decimals > 0 {
		pos.Decimals = decimals
	}
	pos.CostSOL = pos.CostSOL.Add(pos.PendingCostSOL)
	pos.PendingCostSOL = decimal.Zero
	pos.AwaitingCredit = false
	if price := pos.CostPrice(); price.GreaterThan(pos.HighWaterMarkPrice) {
		pos.HighWaterMarkPrice = price
	}

	log.Info().
		Str("mint", shortMint(mint)).
		Str("size", onchainUI.String()).
		Str("expected", w.expected.String()).
		Str("cost_sol", pos.CostSOL.String()).
		Dur("after", now.Sub(pos.LastBuyAt)).
		Msg("positions: credit observed")
	return true
}

// AbortBuy drops a pending buy. A position that held nothing before the
// buy is removed.
func (s *PositionStore) AbortBuy(mint solana.Pubkey, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.abortLocked(mint, reason)
}

func (s *PositionStore) abortLocked(mint solana.Pubkey, reason string) {
	delete(s.watches, mint)
	pos, ok := s.positions[mint]
	if !ok {
		return
	}
	if !pos.SizeUI.IsPositive() {
		delete(s.positions, mint)
	} else {
		pos.PendingCostSOL = decimal.Zero
		pos.AwaitingCredit = false
	}
	log.Warn().Str("mint", shortMint(mint)).Str("reason", reason).Msg("positions: buy aborted")
}

// ApplySell books a confirmed sell. Cost shrinks by exactly the sold
// fraction of the position; selling everything closes it.
func (s *PositionStore) ApplySell(fill SellFill, now time.Time) (SellOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[fill.Mint]
	if !ok {
		return SellOutcome{}, fmt.Errorf("%w: %s", ErrUnknownPosition, fill.Mint)
	}
	if pos.AwaitingCredit {
		return SellOutcome{}, fmt.Errorf("%w: %s", ErrPositionPending, fill.Mint)
	}
	if !fill.SoldUI.IsPositive() || !pos.SizeUI.IsPositive() {
		return SellOutcome{}, fmt.Errorf("execution: invalid sell of %s on size %s", fill.SoldUI, pos.SizeUI)
	}

	fraction := fill.SoldUI.Div(pos.SizeUI)
	if fraction.GreaterThan(decimal.NewFromInt(1)) {
		fraction = decimal.NewFromInt(1)
	}
	removed := pos.CostSOL.Mul(fraction)
	out := SellOutcome{
		Fraction:    fraction,
		CostRemoved: removed,
		RealizedSOL: fill.ProceedsSOL.Sub(removed),
	}

	pos.CostSOL = pos.CostSOL.Sub(removed)
	pos.SizeUI = pos.SizeUI.Sub(fill.SoldUI)
	pos.RealizedSOL = pos.RealizedSOL.Add(out.RealizedSOL)
	pos.LastSellAt = now
	pos.SellCount++
	pos.AllowImmediateRebuy = fill.AllowRebuy

	if !pos.SizeUI.IsPositive() || fraction.Equal(decimal.NewFromInt(1)) {
		out.Closed = true
		delete(s.positions, fill.Mint)
	}

	log.Info().
		Str("mint", shortMint(fill.Mint)).
		Str("sold", fill.SoldUI.String()).
		Str("fraction", fraction.StringFixed(4)).
		Str("proceeds_sol", fill.ProceedsSOL.String()).
		Str("realized_sol", out.RealizedSOL.String()).
		Bool("closed", out.Closed).
		Msg("positions: sell applied")
	return out, nil
}

// MarkQuoted stores the latest quoted value of the whole position.
func (s *PositionStore) MarkQuoted(mint solana.Pubkey, valueSOL decimal.Decimal, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.positions[mint]; ok {
		pos.LastQuotedValueSOL = valueSOL
		pos.LastQuotedAt = at
	}
}

// RaiseHighWaterMark lifts the HWM to price if higher and returns the
// resulting HWM. The mark never decreases while the position is open.
func (s *PositionStore) RaiseHighWaterMark(mint solana.Pubkey, price decimal.Decimal) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[mint]
	if !ok {
		return decimal.Zero
	}
	if price.GreaterThan(pos.HighWaterMarkPrice) {
		pos.HighWaterMarkPrice = price
	}
	return pos.HighWaterMarkPrice
}

// Get returns a copy of the position for mint.
func (s *PositionStore) Get(mint solana.Pubkey) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[mint]
	if !ok {
		return Position{}, false
	}
	return *pos.clone(), true
}

// List returns copies of all positions sorted by mint.
func (s *PositionStore) List() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out
}

// Open returns the number of tracked positions, pending ones included.
func (s *PositionStore) Open() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// Pending returns the mints with a registered credit watch.
func (s *PositionStore) Pending() []solana.Pubkey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]solana.Pubkey, 0, len(s.watches))
	for m := range s.watches {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Export returns copies of all positions for persistence.
func (s *PositionStore) Export() map[solana.Pubkey]Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[solana.Pubkey]Position, len(s.positions))
	for m, p := range s.positions {
		out[m] = *p.clone()
	}
	return out
}

// Import replaces the store contents. Positions restored while awaiting
// credit get a fresh watch so they resolve or expire normally.
func (s *PositionStore) Import(positions map[solana.Pubkey]Position, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions = make(map[solana.Pubkey]*Position, len(positions))
	s.watches = make(map[solana.Pubkey]*pendingWatch)
	for m, p := range positions {
		if m == "" || p.SizeUI.IsNegative() {
			continue
		}
		p := p
		p.Mint = m
		s.positions[m] = &p
		if p.AwaitingCredit {
			s.watches[m] = &pendingWatch{
				baseline:  p.SizeUI,
				deadline:  now.Add(s.config.CreditDeadline),
				signature: p.BuySignature,
			}
		}
	}
}

func (p *Position) clone() *Position {
	c := *p
	return &c
}

// ---------------------------------------------------------------------------
// Reconciliation
// ---------------------------------------------------------------------------

// ReconcileReport lists what one reconciliation changed.
type ReconcileReport struct {
	Resized   []solana.Pubkey `json:"resized,omitempty"`
	Removed   []solana.Pubkey `json:"removed,omitempty"`
	Untracked []solana.Pubkey `json:"untracked,omitempty"` // held on-chain, not tracked
	Skipped   int             `json:"skipped"`             // pending or in grace
}

// Changed reports whether any position was mutated.
func (r ReconcileReport) Changed() bool {
	return len(r.Resized) > 0 || len(r.Removed) > 0
}

// Reconcile merges on-chain balances into the tracked positions. Zero
// balances remove a position unless it is pending or inside the grace
// window after its last buy. A grown balance keeps the cost; a shrunk one
// scales the cost by the remaining fraction. Calling it again without an
// on-chain change mutates nothing.
func (s *PositionStore) Reconcile(ctx context.Context, owner solana.Pubkey, now time.Time) (ReconcileReport, error) {
	var report ReconcileReport
	src := s.source()
	if src == nil {
		return report, errors.New("positions: no balance source")
	}

	s.mu.RLock()
	tracked := make([]solana.Pubkey, 0, len(s.positions))
	for m := range s.positions {
		tracked = append(tracked, m)
	}
	s.mu.RUnlock()
	sort.Slice(tracked, func(i, j int) bool { return tracked[i] < tracked[j] })

	held, err := src.Tokens(ctx, owner, tracked)
	if err != nil {
		return report, fmt.Errorf("positions: reconcile: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, mint := range tracked {
		pos, ok := s.positions[mint]
		if !ok {
			continue
		}
		if _, watching := s.watches[mint]; watching || pos.AwaitingCredit {
			report.Skipped++
			continue
		}
		bal := held[mint]
		onchain := bal.Amount
		if !onchain.IsPositive() {
			if now.Sub(pos.LastBuyAt) < s.config.ReconcileGrace {
				report.Skipped++
				continue
			}
			delete(s.positions, mint)
			report.Removed = append(report.Removed, mint)
			log.Warn().Str("mint", shortMint(mint)).Msg("positions: removed, no on-chain balance")
			continue
		}
		if bal.Decimals > 0 {
			pos.Decimals = bal.Decimals
		}
		if onchain.Equal(pos.SizeUI) {
			continue
		}
		if onchain.LessThan(pos.SizeUI) && pos.SizeUI.IsPositive() {
			pos.CostSOL = pos.CostSOL.Mul(onchain).Div(pos.SizeUI)
		}
		log.Info().
			Str("mint", shortMint(mint)).
			Str("tracked", pos.SizeUI.String()).
			Str("onchain", onchain.String()).
			Msg("positions: resized to on-chain balance")
		pos.SizeUI = onchain
		report.Resized = append(report.Resized, mint)
	}

	for mint, bal := range held {
		if _, ok := s.positions[mint]; ok || !bal.Amount.IsPositive() {
			continue
		}
		if mint == solana.SOLMint || mint == solana.USDCMint {
			continue
		}
		report.Untracked = append(report.Untracked, mint)
	}
	sort.Slice(report.Untracked, func(i, j int) bool { return report.Untracked[i] < report.Untracked[j] })
	return report, nil
}

// PendingReport lists watches resolved by ReconcilePending.
type PendingReport struct {
	Credited []solana.Pubkey `json:"credited,omitempty"`
	Expired  []solana.Pubkey `json:"expired,omitempty"`
	Waiting  int             `json:"waiting"`
}

// ReconcilePending checks every pending-credit watch once. Credited buys
// become active; watches past their deadline are treated as failed buys.
// Read errors leave the watch for the next pass.
func (s *PositionStore) ReconcilePending(ctx context.Context, owner solana.Pubkey, now time.Time) PendingReport {
	var report PendingReport
	src := s.source()
	for _, mint := range s.Pending() {
		s.mu.RLock()
		w, ok := s.watches[mint]
		var baseline decimal.Decimal
		var deadline time.Time
		if ok {
			baseline, deadline = w.baseline, w.deadline
		}
		s.mu.RUnlock()
		if !ok {
			continue
		}

		if src != nil {
			bal, err := src.TokenBalance(ctx, owner, mint)
			if err != nil {
				log.Debug().Err(err).Str("mint", shortMint(mint)).Msg("positions: pending balance read failed")
			} else if bal.Amount.GreaterThan(baseline) {
				s.mu.Lock()
				credited := s.creditLocked(mint, bal.Amount, bal.Decimals, now)
				s.mu.Unlock()
				if credited {
					report.Credited = append(report.Credited, mint)
				}
				continue
			}
		}

		if now.After(deadline) {
			s.mu.Lock()
			s.abortLocked(mint, "credit not observed before deadline")
			s.mu.Unlock()
			report.Expired = append(report.Expired, mint)
			continue
		}
		report.Waiting++
	}
	return report
}

// PollCredit polls the balance of a just-bought mint a few times so a fast
// credit activates the position within the same tick.
func (s *PositionStore) PollCredit(ctx context.Context, owner, mint solana.Pubkey, attempts int, interval time.Duration) bool {
	src := s.source()
	if src == nil {
		return false
	}
	for i := 0; i < attempts; i++ {
		s.mu.RLock()
		w, ok := s.watches[mint]
		var baseline decimal.Decimal
		if ok {
			baseline = w.baseline
		}
		s.mu.RUnlock()
		if !ok {
			return false
		}

		bal, err := src.TokenBalance(ctx, owner, mint)
		if err == nil && bal.Amount.GreaterThan(baseline) {
			return s.CreditObserved(mint, bal.Amount, bal.Decimals, time.Now())
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(interval):
		}
	}
	return false
}
