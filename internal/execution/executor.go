package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pulse/internal/adapters/jupiter"
	"github.com/nexus-trading/pulse/internal/solana"
)

// ---------------------------------------------------------------------------
// Swap Executor: quote → build → sign → send through a fallback ladder
// ---------------------------------------------------------------------------

// ErrSubmissionUnknown stops the ladder when a send failed and the state of
// the transaction it may have broadcast cannot be read.
var ErrSubmissionUnknown = errors.New("execution: submitted transaction state unknown")

// Direction of a swap relative to SOL.
type Direction string

const (
	DirectionBuy  Direction = "buy"  // SOL -> token
	DirectionSell Direction = "sell" // token -> SOL
)

// Config configures the executor.
type Config struct {
	// Dry run quotes only and fills against the paper ledger.
	DryRun bool `yaml:"dry_run"`

	// Base slippage tolerance in bps.
	SlippageBps int `yaml:"slippage_bps"`

	// Multipliers of SlippageBps tried after the base rung fails.
	SlippageSteps []int `yaml:"slippage_steps"`

	// Upper bound for escalated slippage in bps.
	MaxSlippageBps int `yaml:"max_slippage_bps"`

	// Intermediate asset for two-leg sells. Empty disables the bridge.
	BridgeMint solana.Pubkey `yaml:"bridge_mint"`

	// Fractions (percent of the requested amount) tried when a full sell
	// cannot be routed.
	SplitFractionsPct []int `yaml:"split_fractions_pct"`

	// Quotes with a larger price impact (percent) count as unroutable.
	MaxPriceImpactPct float64 `yaml:"max_price_impact_pct"`

	// Route account limit forwarded to the router (0 = router default).
	MaxAccounts int `yaml:"max_accounts"`

	// Extra tries of the same strategy after a generic failure.
	GenericRetries int `yaml:"generic_retries"`

	// Hard timeout for one strategy attempt.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// How long a mint is left alone after a sell found no route.
	RouteCooldown time.Duration `yaml:"route_cooldown"`

	// Confirmation timeout for the first bridge leg.
	BridgeConfirmTimeout time.Duration `yaml:"bridge_confirm_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		DryRun:               true,
		SlippageBps:          300,
		SlippageSteps:        []int{2, 3},
		MaxSlippageBps:       1500,
		BridgeMint:           solana.USDCMint,
		SplitFractionsPct:    []int{70, 50, 33, 25, 20},
		MaxPriceImpactPct:    25,
		GenericRetries:       1,
		AttemptTimeout:       20 * time.Second,
		RouteCooldown:        10 * time.Minute,
		BridgeConfirmTimeout: 30 * time.Second,
	}
}

// Request is one desired trade.
type Request struct {
	Direction Direction
	Mint      solana.Pubkey
	// AmountUI is SOL for buys and token units for sells.
	AmountUI decimal.Decimal
	// Decimals of the token; looked up when zero.
	Decimals    uint8
	SlippageBps int // 0 = config default
}

// Result is the outcome of Execute. A signature only means the
// transaction was accepted by the RPC node; callers confirm it.
type Result struct {
	OK               bool             `json:"ok"`
	Direction        Direction        `json:"direction"`
	Mint             solana.Pubkey    `json:"mint"`
	Signature        solana.Signature `json:"signature,omitempty"`
	BridgeSignature  solana.Signature `json:"bridge_signature,omitempty"`
	Strategy         string           `json:"strategy,omitempty"`
	Rung             string           `json:"rung,omitempty"`
	Reason           string           `json:"reason,omitempty"`
	Decimals         uint8            `json:"decimals"`
	InputUI          decimal.Decimal  `json:"input_ui"`        // amount actually swapped
	ExpectedOutUI    decimal.Decimal  `json:"expected_out_ui"` // quoted output
	MinOutUI         decimal.Decimal  `json:"min_out_ui"`      // output at full slippage
	PriceImpactPct   float64          `json:"price_impact_pct"`
	Attempts         int              `json:"attempts"`
	Unresolved       bool             `json:"unresolved,omitempty"` // stopped on ErrSubmissionUnknown
	RouteUnavailable bool             `json:"route_unavailable,omitempty"`
	CooldownArmed    bool             `json:"cooldown_armed,omitempty"`
	CooledDown       bool             `json:"cooled_down,omitempty"`
	DryRun           bool             `json:"dry_run,omitempty"`
	Elapsed          time.Duration    `json:"elapsed"`
}

// FeeEstimator supplies compute-unit prices.
type FeeEstimator interface {
	ComputeUnitPrice(urgency solana.Urgency) uint64
}

// Executor runs swaps through the strategy ladder.
type Executor struct {
	config    Config
	router    jupiter.Router
	rpc       solana.RPCClient
	confirmer *Confirmer
	cooldowns *Cooldowns

	mu         sync.RWMutex
	strategies []Strategy
	fees       FeeEstimator
	paper      *PaperLedger

	executions   atomic.Int64
	successes    atomic.Int64
	failures     atomic.Int64
	skipped      atomic.Int64
	attempts     atomic.Int64
	strategyWins sync.Map // strategy -> *atomic.Int64
}

// NewExecutor creates an executor. signer may be nil in dry-run mode;
// confirmer may be nil, which disables the bridge rung.
func NewExecutor(config Config, router jupiter.Router, rpc solana.RPCClient, signer solana.Signer, confirmer *Confirmer) *Executor {
	def := DefaultConfig()
	if config.SlippageBps <= 0 {
		config.SlippageBps = def.SlippageBps
	}
	if config.MaxSlippageBps <= 0 {
		config.MaxSlippageBps = def.MaxSlippageBps
	}
	if config.GenericRetries < 0 {
		config.GenericRetries = 0
	}
	if config.AttemptTimeout <= 0 {
		config.AttemptTimeout = def.AttemptTimeout
	}
	if config.RouteCooldown <= 0 {
		config.RouteCooldown = def.RouteCooldown
	}
	if config.BridgeConfirmTimeout <= 0 {
		config.BridgeConfirmTimeout = def.BridgeConfirmTimeout
	}

	e := &Executor{
		config:    config,
		router:    router,
		rpc:       rpc,
		confirmer: confirmer,
		cooldowns: NewCooldowns(),
	}
	if signer != nil {
		e.strategies = DefaultStrategies(router, signer, rpc)
	}
	if config.DryRun {
		e.paper = NewPaperLedger(DefaultPaperConfig())
	}
	return e
}

// SetStrategies replaces the ladder strategies.
func (e *Executor) SetStrategies(strategies []Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.strategies = strategies
}

// SetFeeEstimator sets the compute-unit price source.
func (e *Executor) SetFeeEstimator(fees FeeEstimator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fees = fees
}

// SetPaperLedger replaces the dry-run ledger.
func (e *Executor) SetPaperLedger(p *PaperLedger) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.paper = p
}

// PaperLedger returns the dry-run ledger (nil when live).
func (e *Executor) PaperLedger() *PaperLedger {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.paper
}

// Cooldowns returns the per-mint route cooldown registry.
func (e *Executor) Cooldowns() *Cooldowns { return e.cooldowns }

// DryRun reports whether swaps are simulated.
func (e *Executor) DryRun() bool { return e.config.DryRun }

// ---------------------------------------------------------------------------
// Ladder plan
// ---------------------------------------------------------------------------

// RungKind is the shape of a ladder rung.
type RungKind string

const (
	RungDirect RungKind = "direct"
	RungBridge RungKind = "bridge"
	RungSplit  RungKind = "split"
)

// Rung is one step of the ladder. Every rung runs the full strategy list.
type Rung struct {
	Kind        RungKind
	SlippageBps int
	FractionPct int // split rungs only
}

func (r Rung) String() string {
	switch r.Kind {
	case RungSplit:
		return fmt.Sprintf("split%d@%dbps", r.FractionPct, r.SlippageBps)
	case RungBridge:
		return fmt.Sprintf("bridge@%dbps", r.SlippageBps)
	default:
		return fmt.Sprintf("direct@%dbps", r.SlippageBps)
	}
}

// planLadder orders the rungs: base slippage, escalated slippage, then for
// sells the bridge and the split fractions at the highest slippage.
func planLadder(dir Direction, baseBps int, config Config, bridge bool) []Rung {
	base := min(max(baseBps, 1), config.MaxSlippageBps)
	rungs := []Rung{{Kind: RungDirect, SlippageBps: base}}
	last := base
	for _, m := range config.SlippageSteps {
		bps := min(base*m, config.MaxSlippageBps)
		if bps <= last {
			continue
		}
		rungs = append(rungs, Rung{Kind: RungDirect, SlippageBps: bps})
		last = bps
	}
	if dir != DirectionSell {
		return rungs
	}
	if bridge {
		rungs = append(rungs, Rung{Kind: RungBridge, SlippageBps: last})
	}
	for _, pct := range config.SplitFractionsPct {
		if pct > 0 && pct < 100 {
			rungs = append(rungs, Rung{Kind: RungSplit, SlippageBps: last, FractionPct: pct})
		}
	}
	return rungs
}

// ---------------------------------------------------------------------------
// Execute
// ---------------------------------------------------------------------------

// Execute runs req through the ladder, stopping at the first submitted
// transaction. It never panics on router or RPC failures; the reason is
// reported in the result.
func (e *Executor) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	e.executions.Add(1)
	res := Result{Direction: req.Direction, Mint: req.Mint, DryRun: e.config.DryRun}
	defer func() { res.Elapsed = time.Since(start) }()

	if until, ok := e.cooldowns.Until(req.Mint); ok {
		e.skipped.Add(1)
		res.CooledDown = true
		res.Reason = fmt.Sprintf("route cooldown until %s", until.Format(time.RFC3339))
		return res
	}
	if req.Mint == "" || !req.AmountUI.IsPositive() {
		e.failures.Add(1)
		res.Reason = "invalid request"
		return res
	}

	decimals := req.Decimals
	if decimals == 0 {
		d, err := e.rpc.GetMintDecimals(ctx, req.Mint)
		if err != nil {
			e.failures.Add(1)
			res.Reason = fmt.Sprintf("mint decimals: %v", err)
			return res
		}
		decimals = d
	}
	res.Decimals = decimals

	in, out := solana.SOLMint, req.Mint
	inDec, outDec := uint8(solana.SOLDecimals), decimals
	urgency := solana.UrgencyNormal
	if req.Direction == DirectionSell {
		in, out = req.Mint, solana.SOLMint
		inDec, outDec = decimals, solana.SOLDecimals
		urgency = solana.UrgencyHigh
	}
	amountRaw := solana.ToRaw(req.AmountUI, inDec)
	if amountRaw == 0 {
		e.failures.Add(1)
		res.Reason = "amount below one raw unit"
		return res
	}

	slippage := req.SlippageBps
	if slippage <= 0 {
		slippage = e.config.SlippageBps
	}

	e.mu.RLock()
	strategies := e.strategies
	paper := e.paper
	fees := e.fees
	e.mu.RUnlock()

	var cuPrice uint64
	if fees != nil {
		cuPrice = fees.ComputeUnitPrice(urgency)
	}
	bridge := e.config.BridgeMint != "" && e.confirmer != nil && !e.config.DryRun
	plan := planLadder(req.Direction, slippage, e.config, bridge)

	log.Info().
		Str("dir", string(req.Direction)).
		Str("mint", shortMint(req.Mint)).
		Str("amount", req.AmountUI.String()).
		Int("slippage_bps", slippage).
		Int("rungs", len(plan)).
		Bool("dry_run", e.config.DryRun).
		Msg("executor: swap requested")

	sw := swapper{
		e:          e,
		strategies: strategies,
		paper:      paper,
		cuPrice:    cuPrice,
		decimals:   decimals,
	}

	var routeErr error
	for _, rung := range plan {
		if ctx.Err() != nil {
			res.Reason = ctx.Err().Error()
			break
		}
		leg, err := sw.runRung(ctx, rung, req.Direction, in, out, amountRaw)
		res.Attempts += leg.attempts
		e.attempts.Add(int64(leg.attempts))
		if err == nil {
			res.OK = true
			res.Signature = leg.sig
			res.BridgeSignature = leg.bridgeSig
			res.Strategy = leg.strategy
			res.Rung = rung.String()
			res.Reason = leg.note
			res.InputUI = solana.FromRaw(leg.amountRaw, inDec)
			if leg.quote != nil {
				res.PriceImpactPct = leg.quote.PriceImpactPct
			}
			if q := leg.outQuote; q != nil {
				res.ExpectedOutUI = solana.FromRaw(q.OutAmount, outDec)
				res.MinOutUI = solana.FromRaw(q.OtherAmountThreshold, outDec)
			}
			e.successes.Add(1)
			e.recordWin(leg.strategy)
			log.Info().
				Str("dir", string(req.Direction)).
				Str("mint", shortMint(req.Mint)).
				Str("sig", string(res.Signature)).
				Str("strategy", res.Strategy).
				Str("rung", res.Rung).
				Int("attempts", res.Attempts).
				Msg("executor: swap submitted")
			return res
		}
		if errors.Is(err, ErrSubmissionUnknown) {
			res.Unresolved = true
			res.Reason = err.Error()
			routeErr = nil
			break
		}
		if jupiter.IsRouteUnavailable(err) {
			routeErr = err
		}
		res.Reason = err.Error()
		log.Debug().Err(err).Str("rung", rung.String()).Str("mint", shortMint(req.Mint)).
			Msg("executor: rung failed")
	}

	e.failures.Add(1)
	if routeErr != nil {
		res.RouteUnavailable = true
		res.Reason = routeErr.Error()
		if req.Direction == DirectionSell {
			e.cooldowns.Arm(req.Mint, e.config.RouteCooldown)
			res.CooldownArmed = true
		}
	}
	log.Warn().
		Str("dir", string(req.Direction)).
		Str("mint", shortMint(req.Mint)).
		Int("attempts", res.Attempts).
		Bool("route_unavailable", res.RouteUnavailable).
		Bool("cooldown", res.CooldownArmed).
		Str("reason", res.Reason).
		Msg("executor: ladder exhausted")
	return res
}

// legResult is the outcome of one rung.
type legResult struct {
	sig       solana.Signature
	bridgeSig solana.Signature
	strategy  string
	quote     *jupiter.Quote // first-leg quote
	outQuote  *jupiter.Quote // quote that delivers the final output
	amountRaw uint64
	attempts  int
	note      string
}

// swapper carries the per-call state of one Execute.
type swapper struct {
	e          *Executor
	strategies []Strategy
	paper      *PaperLedger
	cuPrice    uint64
	decimals   uint8
}

func (s *swapper) runRung(ctx context.Context, rung Rung, dir Direction, in, out solana.Pubkey, amountRaw uint64) (legResult, error) {
	switch rung.Kind {
	case RungSplit:
		raw := decimal.NewFromUint64(amountRaw).Mul(decimal.NewFromInt(int64(rung.FractionPct))).
			Div(decimal.NewFromInt(100)).Floor()
		part := raw.BigInt().Uint64()
		if part == 0 {
			return legResult{}, fmt.Errorf("%w: split %d%% rounds to zero", jupiter.ErrNoRoute, rung.FractionPct)
		}
		return s.swap(ctx, dir, in, out, part, rung.SlippageBps)
	case RungBridge:
		return s.bridge(ctx, in, amountRaw, rung.SlippageBps)
	default:
		return s.swap(ctx, dir, in, out, amountRaw, rung.SlippageBps)
	}
}

// swap quotes once and walks the strategies. Route-unavailable failures
// move to the next strategy; generic failures are retried first.
func (s *swapper) swap(ctx context.Context, dir Direction, in, out solana.Pubkey, amountRaw uint64, slippageBps int) (legResult, error) {
	leg := legResult{amountRaw: amountRaw}
	cfg := s.e.config

	q, err := s.e.router.Quote(ctx, in, out, amountRaw, slippageBps, jupiter.QuoteOptions{MaxAccounts: cfg.MaxAccounts})
	if err != nil {
		return leg, err
	}
	if !q.Actionable() {
		return leg, fmt.Errorf("%w: empty route", jupiter.ErrNoRoute)
	}
	if cfg.MaxPriceImpactPct > 0 && q.PriceImpactPct > cfg.MaxPriceImpactPct {
		return leg, fmt.Errorf("%w: price impact %.2f%% above %.2f%%", jupiter.ErrNoRoute, q.PriceImpactPct, cfg.MaxPriceImpactPct)
	}
	leg.quote, leg.outQuote = q, q

	if cfg.DryRun {
		return s.paperFill(dir, in, out, q, leg)
	}
	if len(s.strategies) == 0 {
		return leg, errors.New("executor: no swap strategies configured")
	}

	a := &Attempt{
		Direction:        dir,
		InputMint:        in,
		OutputMint:       out,
		AmountRaw:        amountRaw,
		SlippageBps:      slippageBps,
		ComputeUnitPrice: s.cuPrice,
		MaxAccounts:      cfg.MaxAccounts,
		Quote:            q,
	}

	var routeErr, lastErr error
	checked := 0
	for _, st := range s.strategies {
		for try := 0; try <= cfg.GenericRetries; try++ {
			leg.attempts++
			sig, err := s.attempt(ctx, st, a)
			if err == nil {
				leg.sig = sig
				leg.strategy = st.Name()
				if a.Used != nil {
					leg.quote, leg.outQuote = a.Used, a.Used
				}
				return leg, nil
			}
			err = fmt.Errorf("%s: %w", st.Name(), err)
			lastErr = err

			// Nothing is rebuilt while an errored send may still land.
			landed, lerr := s.landed(ctx, a.Submitted[checked:])
			checked = len(a.Submitted)
			if lerr != nil {
				return leg, fmt.Errorf("%w: %v", lerr, err)
			}
			if landed != "" {
				log.Warn().Err(err).Str("sig", string(landed)).Str("strategy", st.Name()).
					Msg("executor: send reported an error but the transaction landed")
				leg.sig = landed
				leg.strategy = st.Name()
				leg.note = "send error; transaction landed"
				if a.Used != nil {
					leg.quote, leg.outQuote = a.Used, a.Used
				}
				return leg, nil
			}
			if jupiter.IsRouteUnavailable(err) {
				routeErr = err
				break
			}
			if ctx.Err() != nil {
				return leg, lastErr
			}
		}
	}
	if routeErr != nil {
		return leg, routeErr
	}
	return leg, lastErr
}

// landed looks up transactions whose send returned an error. It returns
// the first one the network knows, "" when none reached it, or
// ErrSubmissionUnknown when a status cannot be read.
func (s *swapper) landed(ctx context.Context, sigs []solana.Signature) (solana.Signature, error) {
	for _, sig := range sigs {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.e.config.AttemptTimeout)
		status, err := s.e.rpc.GetTransactionStatus(sctx, sig)
		cancel()
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrSubmissionUnknown, sig, err)
		}
		switch status {
		case solana.StatusProcessed, solana.StatusConfirmed, solana.StatusFinalized:
			return sig, nil
		}
	}
	return "", nil
}

// attempt runs one strategy under the attempt timeout and turns a panic
// into an error.
func (s *swapper) attempt(ctx context.Context, st Strategy, a *Attempt) (sig solana.Signature, err error) {
	actx, cancel := context.WithTimeout(ctx, s.e.config.AttemptTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
		}
	}()
	return st.Attempt(actx, a)
}

// bridge sells into the bridge asset, waits for the first leg, then sells
// the guaranteed minimum proceeds into SOL.
func (s *swapper) bridge(ctx context.Context, mint solana.Pubkey, amountRaw uint64, slippageBps int) (legResult, error) {
	via := s.e.config.BridgeMint
	first, err := s.swap(ctx, DirectionSell, mint, via, amountRaw, slippageBps)
	if err != nil {
		return first, err
	}
	first.strategy = "bridge/" + first.strategy

	status, err := s.e.confirmer.Wait(ctx, first.sig, s.e.config.BridgeConfirmTimeout)
	if err != nil {
		return first, fmt.Errorf("bridge leg %s: %w", first.sig, err)
	}
	log.Info().Str("sig", string(first.sig)).Str("status", status).Msg("executor: bridge leg confirmed")

	proceeds := first.quote.OtherAmountThreshold
	second, err := s.swap(ctx, DirectionSell, via, solana.SOLMint, proceeds, slippageBps)
	first.attempts += second.attempts
	if err != nil {
		// The token is sold; the proceeds stay in the bridge asset.
		log.Error().Err(err).Str("sig", string(first.sig)).Str("via", shortMint(via)).
			Msg("executor: bridge second leg failed, proceeds held")
		first.outQuote = nil
		first.note = "second leg failed; proceeds held in " + shortMint(via)
		return first, nil
	}
	first.bridgeSig = second.sig
	first.outQuote = second.quote
	return first, nil
}

func (s *swapper) paperFill(dir Direction, in, out solana.Pubkey, q *jupiter.Quote, leg legResult) (legResult, error) {
	if s.paper == nil {
		return leg, errors.New("executor: dry run without paper ledger")
	}
	mint, inDec, outDec := out, uint8(solana.SOLDecimals), s.decimals
	if dir == DirectionSell {
		mint, inDec, outDec = in, s.decimals, solana.SOLDecimals
	}
	fill, err := s.paper.Fill(dir, mint, s.decimals,
		solana.FromRaw(q.InAmount, inDec), solana.FromRaw(q.OutAmount, outDec))
	if err != nil {
		return leg, err
	}
	leg.attempts++
	leg.sig = fill.Signature
	leg.strategy = "paper"
	return leg, nil
}

func (e *Executor) recordWin(strategy string) {
	val, _ := e.strategyWins.LoadOrStore(strategy, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
}

// ExecutorStats is a point-in-time view of executor counters.
type ExecutorStats struct {
	Executions   int64            `json:"executions"`
	Successes    int64            `json:"successes"`
	Failures     int64            `json:"failures"`
	Skipped      int64            `json:"skipped_cooldown"`
	Attempts     int64            `json:"attempts"`
	ActiveCools  int              `json:"active_cooldowns"`
	StrategyWins map[string]int64 `json:"strategy_wins"`
}

func (e *Executor) Stats() ExecutorStats {
	wins := make(map[string]int64)
	e.strategyWins.Range(func(k, v any) bool {
		wins[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return ExecutorStats{
		Executions:   e.executions.Load(),
		Successes:    e.successes.Load(),
		Failures:     e.failures.Load(),
		Skipped:      e.skipped.Load(),
		Attempts:     e.attempts.Load(),
		ActiveCools:  len(e.cooldowns.Active()),
		StrategyWins: wins,
	}
}

func shortMint(m solana.Pubkey) string {
	if len(m) <= 8 {
		return string(m)
	}
	return string(m[:4]) + ".." + string(m[len(m)-4:])
}
