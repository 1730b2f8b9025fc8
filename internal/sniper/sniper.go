package sniper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pulse/internal/adapters/jupiter"
	"github.com/nexus-trading/pulse/internal/execution"
	"github.com/nexus-trading/pulse/internal/intel"
	"github.com/nexus-trading/pulse/internal/journal"
	"github.com/nexus-trading/pulse/internal/observability"
	"github.com/nexus-trading/pulse/internal/scanner"
	"github.com/nexus-trading/pulse/internal/solana"
	"github.com/nexus-trading/pulse/internal/store"
)

// ---------------------------------------------------------------------------
// Trading Loop: one serialized tick drives every buy and sell
// ---------------------------------------------------------------------------

// Mode selects how entries are chosen.
type Mode string

const (
	// ModeLeader holds the single top-scoring mint and rotates when the
	// leader changes.
	ModeLeader Mode = "leader"
	// ModeMulti buys several of the top candidates per tick.
	ModeMulti Mode = "multi"
)

// Config configures the trading loop.
type Config struct {
	Mode Mode `yaml:"mode"`

	TickInterval time.Duration `yaml:"tick_interval"`
	// Hard timeout for one tick step (pending, reconcile, score, exits, entries).
	StepTimeout time.Duration `yaml:"step_timeout"`

	MaxPositions   int     `yaml:"max_positions"`
	MaxBuysPerTick int     `yaml:"max_buys_per_tick"`
	TopK           int     `yaml:"top_k"`
	MinScore       float64 `yaml:"min_score"`

	// Buy sizing, SOL.
	MaxBuySOL         float64 `yaml:"max_buy_sol"`
	MinBuySOL         float64 `yaml:"min_buy_sol"`
	RentPerHoldingSOL float64 `yaml:"rent_per_holding_sol"`
	FeeBufferPct      float64 `yaml:"fee_buffer_pct"` // percent of balance held back
	MinOperatingSOL   float64 `yaml:"min_operating_sol"`
	FixedFeeBufferSOL float64 `yaml:"fixed_fee_buffer_sol"`

	// Daily limits in SOL (0 = unlimited). Reset at 00:00 UTC.
	MaxDailySpendSOL float64 `yaml:"max_daily_spend_sol"`
	MaxDailyLossSOL  float64 `yaml:"max_daily_loss_sol"`

	SlippageBps int `yaml:"slippage_bps"`

	CreditPollAttempts int           `yaml:"credit_poll_attempts"`
	CreditPollInterval time.Duration `yaml:"credit_poll_interval"`
	SellConfirmTimeout time.Duration `yaml:"sell_confirm_timeout"`

	// A failed valuation quote falls back to the last quote this young.
	QuoteStaleAfter time.Duration `yaml:"quote_stale_after"`
	AdvisorTimeout  time.Duration `yaml:"advisor_timeout"`

	// Leader mode: sell the previous leader when a new one takes over.
	RotateOnLeaderChange bool `yaml:"rotate_on_leader_change"`
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		Mode:                 ModeLeader,
		TickInterval:         10 * time.Second,
		StepTimeout:          60 * time.Second,
		MaxPositions:         3,
		MaxBuysPerTick:       1,
		TopK:                 3,
		MinScore:             1.0,
		MaxBuySOL:            0.1,
		MinBuySOL:            0.01,
		RentPerHoldingSOL:    0.00204,
		FeeBufferPct:         1,
		MinOperatingSOL:      0.05,
		FixedFeeBufferSOL:    0.01,
		MaxDailySpendSOL:     2.0,
		MaxDailyLossSOL:      1.0,
		SlippageBps:          300,
		CreditPollAttempts:   5,
		CreditPollInterval:   2 * time.Second,
		SellConfirmTimeout:   30 * time.Second,
		QuoteStaleAfter:      2 * time.Minute,
		AdvisorTimeout:       5 * time.Second,
		RotateOnLeaderChange: true,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = def.StepTimeout
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = def.MaxPositions
	}
	if c.MaxBuysPerTick <= 0 {
		c.MaxBuysPerTick = def.MaxBuysPerTick
	}
	if c.TopK <= 0 {
		c.TopK = def.TopK
	}
	if c.MaxBuySOL <= 0 {
		c.MaxBuySOL = def.MaxBuySOL
	}
	if c.SlippageBps <= 0 {
		c.SlippageBps = def.SlippageBps
	}
	if c.CreditPollAttempts <= 0 {
		c.CreditPollAttempts = def.CreditPollAttempts
	}
	if c.CreditPollInterval <= 0 {
		c.CreditPollInterval = def.CreditPollInterval
	}
	if c.SellConfirmTimeout <= 0 {
		c.SellConfirmTimeout = def.SellConfirmTimeout
	}
	if c.QuoteStaleAfter <= 0 {
		c.QuoteStaleAfter = def.QuoteStaleAfter
	}
	if c.AdvisorTimeout <= 0 {
		c.AdvisorTimeout = def.AdvisorTimeout
	}
}

// Deps are the collaborators of the loop. Advisor, Confirmer, Safety,
// Selector, Journal and Metrics are optional.
type Deps struct {
	Owner     solana.Pubkey
	History   *scanner.HistoryStore
	Tracker   *scanner.Tracker
	Selector  *scanner.Selector
	Executor  *execution.Executor
	Router    jupiter.Router // valuation quotes
	Positions *execution.PositionStore
	Balances  execution.Balances
	Confirmer *execution.Confirmer
	Safety    *SafetyMonitor
	Advisor   intel.Advisor
	Journal   journal.Journal
	Metrics   *observability.Registry
}

// RunState is the operator-controlled state of the loop.
type RunState string

const (
	StateRunning RunState = "running"
	StatePaused  RunState = "paused" // exits only
	StateKilled  RunState = "killed" // no trading at all
)

const (
	stateRunning int32 = iota
	statePaused
	stateKilled
)

var runStates = [...]RunState{stateRunning: StateRunning, statePaused: StatePaused, stateKilled: StateKilled}

// activity is a logical resource guarded against concurrent use.
type activity int

const (
	activityBuy activity = iota
	activitySell
	activitySwitch
	numActivities
)

func (a activity) String() string {
	switch a {
	case activityBuy:
		return "buy"
	case activitySell:
		return "sell"
	case activitySwitch:
		return "leader_switch"
	}
	return "unknown"
}

type lockState int32

const (
	lockIdle lockState = iota
	lockInFlight
)

// inflight holds one lock state per activity.
type inflight struct {
	states [numActivities]atomic.Int32
}

func (f *inflight) acquire(a activity) bool {
	return f.states[a].CompareAndSwap(int32(lockIdle), int32(lockInFlight))
}

func (f *inflight) release(a activity) {
	f.states[a].Store(int32(lockIdle))
}

func (f *inflight) busy(a activity) bool {
	return lockState(f.states[a].Load()) == lockInFlight
}

// Loop is the trading loop.
type Loop struct {
	config Config
	exits  ExitConfig

	owner     solana.Pubkey
	history   *scanner.HistoryStore
	tracker   *scanner.Tracker
	selector  *scanner.Selector
	executor  *execution.Executor
	router    jupiter.Router
	positions *execution.PositionStore
	balances  execution.Balances
	confirmer *execution.Confirmer
	safety    *SafetyMonitor
	advisor   intel.Advisor
	journal   journal.Journal
	metrics   *observability.Registry

	tickMu sync.Mutex
	locks  inflight
	state  atomic.Int32

	mu          sync.RWMutex
	now         func() time.Time
	leader      solana.Pubkey
	candidates  []scanner.Candidate
	symbols     map[solana.Pubkey]string
	dailySpent  decimal.Decimal
	dailyLoss   decimal.Decimal
	realized    decimal.Decimal
	dayStart    time.Time
	lastTickAt  time.Time
	lastTickDur time.Duration
	onBuy       func(BuyReport)
	onSell      func(SellReport)

	ticks        atomic.Int64
	skipped      atomic.Int64
	buys         atomic.Int64
	buyFailures  atomic.Int64
	sells        atomic.Int64
	sellFailures atomic.Int64
	stepFailures atomic.Int64
}

// NewLoop creates a trading loop.
func NewLoop(config Config, exits ExitConfig, deps Deps) (*Loop, error) {
	switch {
	case deps.Owner == "":
		return nil, errors.New("sniper: owner is required")
	case deps.History == nil || deps.Tracker == nil:
		return nil, errors.New("sniper: history and tracker are required")
	case deps.Executor == nil || deps.Router == nil:
		return nil, errors.New("sniper: executor and router are required")
	case deps.Positions == nil || deps.Balances == nil:
		return nil, errors.New("sniper: positions and balances are required")
	}
	config.applyDefaults()
	if config.Mode != ModeLeader && config.Mode != ModeMulti {
		return nil, fmt.Errorf("sniper: unknown mode %q", config.Mode)
	}
	if deps.Selector == nil {
		deps.Selector = scanner.NewSelector(scanner.DefaultSelectorConfig())
	}
	if deps.Safety == nil {
		deps.Safety = NewSafetyMonitor(DefaultSafetyConfig())
	}
	if deps.Journal == nil {
		deps.Journal = journal.Nop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.PulseMetrics()
	}

	l := &Loop{
		config:    config,
		exits:     exits,
		owner:     deps.Owner,
		history:   deps.History,
		tracker:   deps.Tracker,
		selector:  deps.Selector,
		executor:  deps.Executor,
		router:    deps.Router,
		positions: deps.Positions,
		balances:  deps.Balances,
		confirmer: deps.Confirmer,
		safety:    deps.Safety,
		advisor:   deps.Advisor,
		journal:   deps.Journal,
		metrics:   deps.Metrics,
		now:       time.Now,
		symbols:   make(map[solana.Pubkey]string),
	}
	l.dayStart = startOfDay(l.now())

	log.Info().
		Str("mode", string(config.Mode)).
		Dur("tick", config.TickInterval).
		Int("max_positions", config.MaxPositions).
		Float64("max_buy_sol", config.MaxBuySOL).
		Bool("dry_run", deps.Executor.DryRun()).
		Bool("advisor", deps.Advisor != nil).
		Msg("sniper: trading loop created")
	return l, nil
}

// Config returns the loop configuration with defaults applied.
func (l *Loop) Config() Config { return l.config }

// SetClock replaces the time source of the loop and its route cooldowns.
func (l *Loop) SetClock(now func() time.Time) {
	l.executor.Cooldowns().SetClock(now)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.dayStart = startOfDay(now())
}

func (l *Loop) clock() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.now()
}

// SetOnBuy sets the callback fired after every submitted buy.
func (l *Loop) SetOnBuy(fn func(BuyReport)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onBuy = fn
}

// SetOnSell sets the callback fired after every booked sell.
func (l *Loop) SetOnSell(fn func(SellReport)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onSell = fn
}

// ---------------------------------------------------------------------------
// Control
// ---------------------------------------------------------------------------

// State returns the current run state.
func (l *Loop) State() RunState { return runStates[l.state.Load()] }

// Pause stops new entries; exits keep running.
func (l *Loop) Pause() {
	if l.state.CompareAndSwap(stateRunning, statePaused) {
		log.Warn().Msg("sniper: paused, exits only")
	}
}

// Resume re-enables entries after Pause. A killed loop stays killed.
func (l *Loop) Resume() {
	if l.state.CompareAndSwap(statePaused, stateRunning) {
		log.Info().Msg("sniper: resumed")
	}
}

// Kill stops all trading until restart.
func (l *Loop) Kill() {
	if l.state.Swap(stateKilled) != stateKilled {
		log.Error().Msg("sniper: killed, no further trades this session")
	}
}

// ---------------------------------------------------------------------------
// Ingestion
// ---------------------------------------------------------------------------

// Ingest appends sanitized feed snapshots to the score history and
// returns how many were accepted.
func (l *Loop) Ingest(snaps []scanner.Snapshot, at time.Time) int {
	n := 0
	l.mu.Lock()
	for _, s := range snaps {
		if l.history.Append(s, at) {
			n++
			if s.Symbol != "" {
				l.symbols[s.Mint] = s.Symbol
			}
		}
	}
	l.mu.Unlock()
	if c := l.metrics.GetCounter(observability.MetricSnapshots); c != nil {
		c.Add(n)
	}
	log.Debug().Int("snapshots", len(snaps)).Int("accepted", n).Msg("sniper: snapshots ingested")
	return n
}

func (l *Loop) symbol(mint solana.Pubkey) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.symbols[mint]
}

// ---------------------------------------------------------------------------
// Tick
// ---------------------------------------------------------------------------

// TickReport summarizes one tick.
type TickReport struct {
	ID         string                    `json:"id"`
	At         time.Time                 `json:"at"`
	Skipped    bool                      `json:"skipped,omitempty"`
	State      RunState                  `json:"state"`
	Pending    execution.PendingReport   `json:"pending"`
	Reconciled execution.ReconcileReport `json:"reconciled"`
	Candidates int                       `json:"candidates"`
	Sell       *SellReport               `json:"sell,omitempty"`
	Buys       []BuyReport               `json:"buys,omitempty"`
	Notes      []string                  `json:"notes,omitempty"`
	Elapsed    time.Duration             `json:"elapsed"`
}

// Run ticks every TickInterval until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()
	log.Info().Dur("interval", l.config.TickInterval).Msg("sniper: loop started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sniper: loop stopped")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick runs one pass: pending credits, reconciliation, scoring, at most
// one sell, then entries. Overlapping calls return immediately. Every
// step runs under its own timeout and a panic in one step does not stop
// the next.
func (l *Loop) Tick(ctx context.Context) TickReport {
	if !l.tickMu.TryLock() {
		l.skipped.Add(1)
		l.count(observability.MetricTicksSkipped)
		log.Debug().Msg("sniper: previous tick still running, skipped")
		return TickReport{Skipped: true, State: l.State()}
	}
	defer l.tickMu.Unlock()

	start := time.Now()
	now := l.clock()
	rep := TickReport{ID: uuid.NewString()[:8], At: now, State: l.State()}
	if rep.State == StateKilled {
		rep.Skipped = true
		return rep
	}
	l.ticks.Add(1)
	l.count(observability.MetricTicks)
	l.rollDay(now)

	if pr, ok := guardStep(ctx, l, "pending", func(ctx context.Context) execution.PendingReport {
		return l.positions.ReconcilePending(ctx, l.owner, now)
	}); ok {
		rep.Pending = pr
		for _, mint := range pr.Expired {
			l.safety.Untrack(mint)
		}
	}

	if rr, ok := guardStep(ctx, l, "reconcile", func(ctx context.Context) reconcileStep {
		r, err := l.positions.Reconcile(ctx, l.owner, now)
		return reconcileStep{report: r, err: err}
	}); ok {
		if rr.err != nil {
			log.Warn().Err(rr.err).Msg("sniper: reconcile failed, using tracked state")
		} else {
			rep.Reconciled = rr.report
			for _, mint := range rr.report.Removed {
				l.safety.Untrack(mint)
			}
			if len(rr.report.Untracked) > 0 {
				log.Debug().Int("untracked", len(rr.report.Untracked)).Msg("sniper: wallet holds untracked tokens")
			}
		}
	}

	cands, _ := guardStep(ctx, l, "score", func(context.Context) []scanner.Candidate {
		return l.score(now)
	})

	sold := false
	if l.locks.acquire(activitySell) {
		sell, _ := guardStep(ctx, l, "exits", func(ctx context.Context) *SellReport {
			defer l.locks.release(activitySell)
			return l.evaluateExits(ctx, now)
		})
		rep.Sell = sell
		sold = sell != nil && sell.Booked
	} else {
		rep.Notes = append(rep.Notes, "sell in flight")
	}

	switch {
	case rep.State == StatePaused:
		rep.Notes = append(rep.Notes, "paused")
	case l.locks.busy(activitySwitch):
		rep.Notes = append(rep.Notes, "leader switch in flight")
	case !l.locks.acquire(activityBuy):
		rep.Notes = append(rep.Notes, "buy in flight")
	default:
		er, _ := guardStep(ctx, l, "entries", func(ctx context.Context) entryStep {
			defer l.locks.release(activityBuy)
			return l.enter(ctx, now, cands, sold)
		})
		rep.Buys = er.buys
		rep.Candidates = er.eligible
		if er.note != "" {
			rep.Notes = append(rep.Notes, er.note)
		}
		if er.rotation != nil && rep.Sell == nil {
			rep.Sell = er.rotation
		}
	}

	rep.Elapsed = time.Since(start)
	l.mu.Lock()
	l.lastTickAt = now
	l.lastTickDur = rep.Elapsed
	l.mu.Unlock()
	l.updateGauges()
	if h := l.metrics.GetHistogram(observability.MetricTickLatency); h != nil {
		h.Observe(float64(rep.Elapsed.Milliseconds()))
	}

	log.Debug().
		Str("tick", rep.ID).
		Int("credited", len(rep.Pending.Credited)).
		Int("resized", len(rep.Reconciled.Resized)).
		Int("candidates", rep.Candidates).
		Bool("sold", rep.Sell != nil && rep.Sell.Booked).
		Int("buys", len(rep.Buys)).
		Dur("elapsed", rep.Elapsed).
		Msg("sniper: tick done")
	return rep
}

type reconcileStep struct {
	report execution.ReconcileReport
	err    error
}

// guardStep runs fn with the step timeout. A timed-out step keeps running
// in the background; its result is dropped.
func guardStep[T any](ctx context.Context, l *Loop, name string, fn func(context.Context) T) (T, bool) {
	sctx, cancel := context.WithTimeout(ctx, l.config.StepTimeout)
	defer cancel()

	done := make(chan T, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("step", name).Interface("panic", r).Msg("sniper: step panicked")
				close(done)
			}
		}()
		done <- fn(sctx)
	}()

	var zero T
	select {
	case v, ok := <-done:
		if !ok {
			l.stepFailed()
			return zero, false
		}
		return v, true
	case <-sctx.Done():
		log.Warn().Str("step", name).Dur("timeout", l.config.StepTimeout).Msg("sniper: step timed out")
		l.stepFailed()
		return zero, false
	}
}

func (l *Loop) stepFailed() {
	l.stepFailures.Add(1)
	l.count(observability.MetricStepFailures)
}

// score prunes the history, evaluates every mint and refreshes the
// safety readings of held mints.
func (l *Loop) score(now time.Time) []scanner.Candidate {
	l.history.Prune(now)
	cands := l.tracker.Evaluate(now)

	held := make(map[solana.Pubkey]bool)
	for _, pos := range l.positions.List() {
		held[pos.Mint] = true
		rec, ok := l.history.Latest(pos.Mint)
		if !ok {
			continue
		}
		var rug float64
		if res, ok := l.tracker.Result(pos.Mint); ok {
			rug = res.RugSeverity
		}
		l.safety.Observe(pos.Mint, rec.LiquidityUSD, rug, rec.At)
	}
	l.safety.Forget(held)

	l.mu.Lock()
	l.candidates = cands
	l.mu.Unlock()
	return cands
}

// ---------------------------------------------------------------------------
// Daily limits
// ---------------------------------------------------------------------------

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (l *Loop) rollDay(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !now.Before(l.dayStart.Add(24 * time.Hour)) {
		l.dailySpent = decimal.Zero
		l.dailyLoss = decimal.Zero
		l.dayStart = startOfDay(now)
		log.Info().Time("day", l.dayStart).Msg("sniper: daily limits reset")
	}
}

// dailyBlock returns why today's limits forbid buying, or "".
func (l *Loop) dailyBlock() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.config.MaxDailySpendSOL > 0 && l.dailySpent.GreaterThanOrEqual(decimal.NewFromFloat(l.config.MaxDailySpendSOL)) {
		return "daily spend limit reached"
	}
	if l.config.MaxDailyLossSOL > 0 && l.dailyLoss.GreaterThanOrEqual(decimal.NewFromFloat(l.config.MaxDailyLossSOL)) {
		return "daily loss limit reached"
	}
	return ""
}

// remainingDailySpend returns the SOL left under the spend limit, or
// a negative value when unlimited.
func (l *Loop) remainingDailySpend() decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.config.MaxDailySpendSOL <= 0 {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromFloat(l.config.MaxDailySpendSOL).Sub(l.dailySpent)
}

// ---------------------------------------------------------------------------
// State snapshots
// ---------------------------------------------------------------------------

// Snapshot captures everything that must survive a restart.
func (l *Loop) Snapshot(now time.Time) store.State {
	st := store.Empty()
	st.Positions = l.positions.Export()
	st.Scores = l.history.Export()
	st.Cooldowns = l.executor.Cooldowns().Active()
	st.SavedAt = now.UTC()
	l.mu.RLock()
	st.Leader = l.leader
	l.mu.RUnlock()
	return st
}

// Restore loads a persisted state. Call before the first tick.
func (l *Loop) Restore(st store.State, now time.Time) {
	l.history.Import(st.Scores)
	l.positions.Import(st.Positions, now)
	if len(st.Cooldowns) > 0 {
		l.executor.Cooldowns().Restore(st.Cooldowns)
	}
	for mint, pos := range st.Positions {
		l.safety.Track(mint, pos.EntryLiquidityUSD)
	}

	l.mu.Lock()
	l.leader = st.Leader
	for mint, recs := range st.Scores {
		for i := len(recs) - 1; i >= 0; i-- {
			if recs[i].Symbol != "" {
				l.symbols[mint] = recs[i].Symbol
				break
			}
		}
	}
	l.mu.Unlock()

	log.Info().
		Int("positions", len(st.Positions)).
		Int("records", st.ScoreRecords()).
		Int("cooldowns", len(st.Cooldowns)).
		Str("leader", shortMint(st.Leader)).
		Msg("sniper: state restored")
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// Candidates returns the candidates of the last tick, best first.
func (l *Loop) Candidates() []scanner.Candidate {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]scanner.Candidate, len(l.candidates))
	copy(out, l.candidates)
	return out
}

// Positions returns all tracked positions.
func (l *Loop) Positions() []execution.Position { return l.positions.List() }

// Leader returns the current leader in leader mode.
func (l *Loop) Leader() solana.Pubkey {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.leader
}

// Stats is a point-in-time view of the loop.
type Stats struct {
	State            RunState  `json:"state"`
	Mode             Mode      `json:"mode"`
	DryRun           bool      `json:"dry_run"`
	Ticks            int64     `json:"ticks"`
	TicksSkipped     int64     `json:"ticks_skipped"`
	StepFailures     int64     `json:"step_failures"`
	Buys             int64     `json:"buys"`
	BuyFailures      int64     `json:"buy_failures"`
	Sells            int64     `json:"sells"`
	SellFailures     int64     `json:"sell_failures"`
	OpenPositions    int       `json:"open_positions"`
	PendingPositions int       `json:"pending_positions"`
	Leader           string    `json:"leader,omitempty"`
	DailySpentSOL    string    `json:"daily_spent_sol"`
	DailyLossSOL     string    `json:"daily_loss_sol"`
	RealizedSOL      string    `json:"realized_sol"`
	LastTickAt       time.Time `json:"last_tick_at"`
	LastTickMs       int64     `json:"last_tick_ms"`
}

func (l *Loop) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return Stats{
		State:            l.State(),
		Mode:             l.config.Mode,
		DryRun:           l.executor.DryRun(),
		Ticks:            l.ticks.Load(),
		TicksSkipped:     l.skipped.Load(),
		StepFailures:     l.stepFailures.Load(),
		Buys:             l.buys.Load(),
		BuyFailures:      l.buyFailures.Load(),
		Sells:            l.sells.Load(),
		SellFailures:     l.sellFailures.Load(),
		OpenPositions:    l.positions.Open(),
		PendingPositions: len(l.positions.Pending()),
		Leader:           string(l.leader),
		DailySpentSOL:    l.dailySpent.StringFixed(4),
		DailyLossSOL:     l.dailyLoss.StringFixed(4),
		RealizedSOL:      l.realized.StringFixed(4),
		LastTickAt:       l.lastTickAt,
		LastTickMs:       l.lastTickDur.Milliseconds(),
	}
}

// LastTick returns when the last tick started.
func (l *Loop) LastTick() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTickAt
}

func (l *Loop) count(name string) {
	if c := l.metrics.GetCounter(name); c != nil {
		c.Inc()
	}
}

func (l *Loop) updateGauges() {
	set := func(name string, v float64) {
		if g := l.metrics.GetGauge(name); g != nil {
			g.Set(v)
		}
	}
	pending := len(l.positions.Pending())
	set(observability.MetricOpenPositions, float64(l.positions.Open()-pending))
	set(observability.MetricPendingPositions, float64(pending))

	l.mu.RLock()
	defer l.mu.RUnlock()
	set(observability.MetricRealizedPnL, l.realized.InexactFloat64())
	set(observability.MetricDailySpent, l.dailySpent.InexactFloat64())
}

func shortMint(m solana.Pubkey) string {
	if len(m) <= 8 {
		return string(m)
	}
	return string(m[:4]) + ".." + string(m[len(m)-4:])
}
