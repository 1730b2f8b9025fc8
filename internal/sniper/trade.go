package sniper

import (
	"context"
	"sort"
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
)

// ReasonRotation closes the previous leader in leader mode.
const ReasonRotation = "rotation"

// SellReport describes one sell attempt.
type SellReport struct {
	Mint     solana.Pubkey         `json:"mint"`
	Symbol   string                `json:"symbol,omitempty"`
	Decision ExitDecision          `json:"decision"`
	Result   execution.Result      `json:"result"`
	Outcome  execution.SellOutcome `json:"outcome"`
	// Booked is true once the sell was confirmed and applied.
	Booked bool   `json:"booked"`
	Error  string `json:"error,omitempty"`
}

// BuyReport describes one buy attempt.
type BuyReport struct {
	Mint     solana.Pubkey    `json:"mint"`
	Symbol   string           `json:"symbol,omitempty"`
	Score    float64          `json:"score"`
	SOL      decimal.Decimal  `json:"sol"`
	Result   execution.Result `json:"result"`
	Credited bool             `json:"credited"`
}

type entryStep struct {
	buys     []BuyReport
	rotation *SellReport
	eligible int
	note     string
}

// exitRank orders competing sells; lower goes first.
var exitRank = map[string]int{
	ReasonMaxHold:       0,
	ReasonRug:           1,
	ReasonLiquidityDrop: 2,
	ReasonStopLoss:      3,
	ReasonTrailingStop:  4,
	ReasonTakeProfit:    5,
	ReasonAdvisorySell:  6,
}

// ---------------------------------------------------------------------------
// Exits
// ---------------------------------------------------------------------------

type exitPlan struct {
	pos      execution.Position
	val      Valuation
	decision ExitDecision
}

// evaluateExits decides every position and executes at most one sell.
func (l *Loop) evaluateExits(ctx context.Context, now time.Time) *SellReport {
	var plans []exitPlan
	for _, pos := range l.positions.List() {
		if ctx.Err() != nil {
			break
		}
		val := l.value(ctx, pos, now)
		d := l.decide(ctx, pos, val, now)

		if d.HWMPrice.GreaterThan(pos.HighWaterMarkPrice) {
			l.positions.RaiseHighWaterMark(pos.Mint, d.HWMPrice)
		}
		if d.Sells() {
			plans = append(plans, exitPlan{pos: pos, val: val, decision: d})
		} else if d.Advised {
			log.Info().Str("mint", shortMint(pos.Mint)).Str("reason", d.Reason).
				Str("pnl_pct", d.PnLPct.StringFixed(2)).Msg("sniper: advisor held position")
		}
	}
	if len(plans) == 0 {
		return nil
	}
	// A cooled route is refused by the executor, so it never takes the
	// tick's sell from a position that can still trade.
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].val.RouteCooling != plans[j].val.RouteCooling {
			return !plans[i].val.RouteCooling
		}
		return exitRank[plans[i].decision.Reason] < exitRank[plans[j].decision.Reason]
	})
	if len(plans) > 1 {
		log.Info().Int("wanted", len(plans)).Str("first", shortMint(plans[0].pos.Mint)).
			Msg("sniper: one sell per tick, rest deferred")
	}
	p := plans[0]
	rep := l.sell(ctx, p.pos, p.decision, p.val, now)
	return &rep
}

// value quotes the whole position into SOL, falling back to the last
// fresh quote when the router fails.
func (l *Loop) value(ctx context.Context, pos execution.Position, now time.Time) Valuation {
	var val Valuation
	if _, ok := l.executor.Cooldowns().Until(pos.Mint); ok {
		val.RouteCooling = true
	}
	if sig, ok := l.safety.Signals(pos.Mint, now); ok {
		val.LiquidityUSD = sig.LiquidityUSD
		val.RugSeverity = sig.RugSeverity
	}
	if pos.AwaitingCredit || !pos.SizeUI.IsPositive() {
		return val
	}

	raw := solana.ToRaw(pos.SizeUI, pos.Decimals)
	q, err := l.router.Quote(ctx, pos.Mint, solana.SOLMint, raw, l.config.SlippageBps, jupiter.QuoteOptions{})
	if err == nil && q.Actionable() {
		val.ValueSOL = solana.FromRaw(q.OutAmount, solana.SOLDecimals)
		l.positions.MarkQuoted(pos.Mint, val.ValueSOL, now)
		return val
	}
	if !pos.LastQuotedAt.IsZero() && now.Sub(pos.LastQuotedAt) <= l.config.QuoteStaleAfter {
		val.ValueSOL = pos.LastQuotedValueSOL
	}
	log.Debug().Err(err).Str("mint", shortMint(pos.Mint)).
		Bool("fallback", val.ValueSOL.IsPositive()).Msg("sniper: valuation quote failed")
	return val
}

// decide runs the exit policy, asking the advisor only when the position
// reached the pnl stage and no hard exit fired.
func (l *Loop) decide(ctx context.Context, pos execution.Position, val Valuation, now time.Time) ExitDecision {
	core := Decide(pos, val, now, l.exits, nil)
	if l.advisor == nil || !advisable(core) {
		return core
	}

	view := intel.PositionView{
		SizeUI:      pos.SizeUI,
		CostSOL:     pos.CostSOL,
		ValueSOL:    val.ValueSOL,
		PnLPct:      core.PnLPct.InexactFloat64(),
		AgeSecs:     int64(now.Sub(pos.AcquiredAt).Seconds()),
		HWMPrice:    core.HWMPrice,
		SellCount:   pos.SellCount,
		Symbol:      pos.Symbol,
		Liquidity:   val.LiquidityUSD,
		RugSeverity: val.RugSeverity,
	}
	mkt := intel.MarketContext{CoreLabel: core.Reason}
	if res, ok := l.tracker.Result(pos.Mint); ok {
		mkt.Score = res.Score
		mkt.Badge = string(res.Badge)
	}
	if rec, ok := l.history.Latest(pos.Mint); ok {
		mkt.Change5m, mkt.Change1h = rec.Change5m, rec.Change1h
	}

	actx, cancel := context.WithTimeout(ctx, l.config.AdvisorTimeout)
	advice, err := l.advisor.Advise(actx, pos.Mint, view, mkt)
	cancel()
	if err != nil || advice == nil {
		if err != nil {
			log.Debug().Err(err).Str("mint", shortMint(pos.Mint)).Msg("sniper: advisor unavailable")
		}
		return core
	}
	l.count(observability.MetricAdvisorOpinions)
	return Decide(pos, val, now, l.exits, advice)
}

// advisable reports whether an advisory opinion can change d.
func advisable(d ExitDecision) bool {
	switch d.Reason {
	case ReasonTakeProfit, ReasonTrailingStop, ReasonHold:
		return true
	}
	return false
}

// sell executes a decision, confirms it on live runs and books it.
func (l *Loop) sell(ctx context.Context, pos execution.Position, d ExitDecision, val Valuation, now time.Time) SellReport {
	rep := SellReport{Mint: pos.Mint, Symbol: pos.Symbol, Decision: d}

	amount := pos.SizeUI
	if d.Action == ExitSellPartial {
		amount = pos.SizeUI.Mul(decimal.NewFromFloat(d.Pct)).Div(hundred).Truncate(int32(pos.Decimals))
	}
	if !amount.IsPositive() {
		rep.Error = "sell amount rounds to zero"
		return rep
	}

	log.Info().
		Str("mint", shortMint(pos.Mint)).
		Str("symbol", pos.Symbol).
		Str("reason", d.Reason).
		Str("action", string(d.Action)).
		Str("amount", amount.String()).
		Str("pnl_pct", d.PnLPct.StringFixed(2)).
		Msg("sniper: selling")

	res := l.executor.Execute(ctx, execution.Request{
		Direction:   execution.DirectionSell,
		Mint:        pos.Mint,
		AmountUI:    amount,
		Decimals:    pos.Decimals,
		SlippageBps: l.config.SlippageBps,
	})
	rep.Result = res
	l.observeSwap(res)
	if !res.OK {
		l.sellFailures.Add(1)
		if res.CooldownArmed {
			l.count(observability.MetricRouteCooldowns)
		}
		rep.Error = res.Reason
		return rep
	}

	if !res.DryRun && l.confirmer != nil {
		if _, err := l.confirmer.Wait(ctx, res.Signature, l.config.SellConfirmTimeout); err != nil {
			// Reconciliation picks up the real balance if it landed anyway.
			l.sellFailures.Add(1)
			rep.Error = err.Error()
			log.Warn().Err(err).Str("mint", shortMint(pos.Mint)).Msg("sniper: sell not confirmed")
			return rep
		}
	}

	proceeds := res.ExpectedOutUI
	if !proceeds.IsPositive() && pos.SizeUI.IsPositive() {
		// Proceeds held in the bridge asset: book at the valuation.
		proceeds = val.ValueSOL.Mul(res.InputUI).Div(pos.SizeUI)
	}
	sold := res.InputUI
	if !sold.IsPositive() {
		sold = amount
	}
	out, err := l.positions.ApplySell(execution.SellFill{
		Mint:        pos.Mint,
		SoldUI:      sold,
		ProceedsSOL: proceeds,
		Signature:   res.Signature,
		AllowRebuy:  d.Action == ExitSellPartial && d.Reason == ReasonTakeProfit,
	}, now)
	if err != nil {
		l.sellFailures.Add(1)
		rep.Error = err.Error()
		log.Error().Err(err).Str("mint", shortMint(pos.Mint)).Msg("sniper: sell could not be booked")
		return rep
	}
	rep.Outcome, rep.Booked = out, true
	l.sells.Add(1)
	l.count(observability.MetricSells)
	if out.Closed {
		l.safety.Untrack(pos.Mint)
	}

	l.mu.Lock()
	l.realized = l.realized.Add(out.RealizedSOL)
	if out.RealizedSOL.IsNegative() {
		l.dailyLoss = l.dailyLoss.Add(out.RealizedSOL.Neg())
	}
	fire := l.onSell
	l.mu.Unlock()

	l.record(ctx, journal.Trade{
		Side:     string(execution.DirectionSell),
		Mint:     string(pos.Mint),
		Symbol:   pos.Symbol,
		AmountUI: sold,
		SOL:      proceeds,
		PnLSOL:   out.RealizedSOL,
		Reason:   d.Reason,
	}, res)

	log.Info().
		Str("mint", shortMint(pos.Mint)).
		Str("reason", d.Reason).
		Str("proceeds_sol", proceeds.StringFixed(6)).
		Str("realized_sol", out.RealizedSOL.StringFixed(6)).
		Bool("closed", out.Closed).
		Str("sig", string(res.Signature)).
		Msg("sniper: sell booked")
	if fire != nil {
		fire(rep)
	}
	return rep
}

// ---------------------------------------------------------------------------
// Entries
// ---------------------------------------------------------------------------

// enter selects targets and buys them.
func (l *Loop) enter(ctx context.Context, now time.Time, cands []scanner.Candidate, sold bool) entryStep {
	var step entryStep
	if reason := l.dailyBlock(); reason != "" {
		step.note = reason
		log.Warn().Msg("sniper: " + reason + ", no entries")
		return step
	}

	eligible := l.eligible(cands)
	step.eligible = len(eligible)
	if g := l.metrics.GetGauge(observability.MetricCandidates); g != nil {
		g.Set(float64(len(eligible)))
	}

	var targets []scanner.Candidate
	switch l.config.Mode {
	case ModeLeader:
		t, rotation := l.leaderTarget(ctx, cands, eligible, now, sold)
		step.rotation = rotation
		if rotation != nil && !rotation.Booked {
			step.note = "rotation sell failed"
			return step
		}
		if t != nil {
			targets = append(targets, *t)
		}
	case ModeMulti:
		slots := l.config.MaxPositions - l.positions.Open()
		n := l.config.MaxBuysPerTick
		if slots < n {
			n = slots
		}
		if n > 0 {
			targets = l.selector.TopK(eligible, n)
		}
	}
	if len(targets) == 0 {
		return step
	}
	if l.positions.Open() >= l.config.MaxPositions {
		if _, held := l.positions.Get(targets[0].Mint); !held {
			step.note = "max positions"
			return step
		}
	}

	bal, err := l.balances.SOL(ctx, l.owner)
	if err != nil {
		step.note = "balance unavailable"
		log.Warn().Err(err).Msg("sniper: SOL balance read failed, no entries")
		return step
	}
	if g := l.metrics.GetGauge(observability.MetricSOLBalance); g != nil {
		g.Set(bal.InexactFloat64())
	}
	size := l.sizeBuy(bal, l.positions.Open(), len(targets))
	if size.IsZero() {
		step.note = "insufficient balance after reserve"
		log.Debug().Str("balance", bal.String()).Msg("sniper: buy size below minimum")
		return step
	}

	for _, c := range targets {
		if ctx.Err() != nil {
			break
		}
		if reason := l.dailyBlock(); reason != "" {
			step.note = reason
			break
		}
		step.buys = append(step.buys, l.buy(ctx, c, size, now))
	}
	return step
}

// eligible filters candidates that may be bought now.
func (l *Loop) eligible(cands []scanner.Candidate) []scanner.Candidate {
	out := make([]scanner.Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Badge == scanner.BadgeCooling || c.Score <= 0 || c.Score < l.config.MinScore {
			continue
		}
		if _, ok := l.executor.Cooldowns().Until(c.Mint); ok {
			continue
		}
		if pos, held := l.positions.Get(c.Mint); held && (pos.AwaitingCredit || !pos.AllowImmediateRebuy) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// leaderTarget applies leader hysteresis and, when the leader changed,
// rotates out of the previous one. It returns the mint to buy, if any.
func (l *Loop) leaderTarget(ctx context.Context, all, eligible []scanner.Candidate, now time.Time, sold bool) (*scanner.Candidate, *SellReport) {
	l.mu.RLock()
	incumbent := l.leader
	l.mu.RUnlock()

	// Hysteresis runs over all non-cooling candidates so a held leader
	// keeps its seat.
	pool := make([]scanner.Candidate, 0, len(all))
	for _, c := range all {
		if c.Badge != scanner.BadgeCooling && c.Score >= l.config.MinScore && c.Score > 0 {
			pool = append(pool, c)
		}
	}
	leader, ok := l.selector.Leader(pool, incumbent)
	if !ok {
		return nil, nil
	}

	var rotation *SellReport
	if leader.Mint != incumbent {
		log.Info().
			Str("from", shortMint(incumbent)).
			Str("to", shortMint(leader.Mint)).
			Float64("score", leader.Score).
			Msg("sniper: leader changed")
		if _, held := l.positions.Get(incumbent); held && l.config.RotateOnLeaderChange {
			if sold {
				// One sell per tick; rotate next time.
				return nil, nil
			}
			rotation = l.rotate(ctx, incumbent, now)
			if rotation == nil || !rotation.Booked {
				return nil, rotation
			}
		}
		l.mu.Lock()
		l.leader = leader.Mint
		l.mu.Unlock()
	}

	for i := range eligible {
		if eligible[i].Mint == leader.Mint {
			return &eligible[i], rotation
		}
	}
	return nil, rotation
}

// rotate sells the previous leader. It returns nil when the position
// cannot be sold yet (pending, min hold, route cooldown, lock busy); the
// leader change is then retried next tick.
func (l *Loop) rotate(ctx context.Context, mint solana.Pubkey, now time.Time) *SellReport {
	pos, ok := l.positions.Get(mint)
	if !ok || pos.AwaitingCredit {
		return nil
	}
	if now.Sub(pos.AcquiredAt) < secs(l.exits.MinHoldSecs) {
		return nil
	}
	if _, cooling := l.executor.Cooldowns().Until(mint); cooling {
		return nil
	}
	if !l.locks.acquire(activitySwitch) {
		return nil
	}
	defer l.locks.release(activitySwitch)
	if !l.locks.acquire(activitySell) {
		log.Debug().Str("activity", activitySell.String()).Msg("sniper: rotation deferred, lock busy")
		return nil
	}
	defer l.locks.release(activitySell)

	val := l.value(ctx, pos, now)
	d := ExitDecision{Action: ExitSellAll, Reason: ReasonRotation, HWMPrice: pos.HighWaterMarkPrice}
	rep := l.sell(ctx, pos, d, val, now)
	return &rep
}

// sizeBuy returns the SOL to spend per target: balance minus the reserve
// split across targets, capped by the per-buy and remaining daily limits.
// Zero means do not buy.
func (l *Loop) sizeBuy(balance decimal.Decimal, open, targets int) decimal.Decimal {
	if targets <= 0 {
		return decimal.Zero
	}
	c := l.config
	reserve := decimal.NewFromFloat(c.RentPerHoldingSOL).Mul(decimal.NewFromInt(int64(open + 1))).
		Add(balance.Mul(decimal.NewFromFloat(c.FeeBufferPct)).Div(hundred)).
		Add(decimal.NewFromFloat(c.MinOperatingSOL)).
		Add(decimal.NewFromFloat(c.FixedFeeBufferSOL))

	avail := balance.Sub(reserve)
	if !avail.IsPositive() {
		return decimal.Zero
	}
	per := avail.Div(decimal.NewFromInt(int64(targets)))
	if maxBuy := decimal.NewFromFloat(c.MaxBuySOL); per.GreaterThan(maxBuy) {
		per = maxBuy
	}
	if left := l.remainingDailySpend(); !left.IsNegative() && per.GreaterThan(left) {
		per = left
	}
	per = per.Truncate(solana.SOLDecimals)
	if per.LessThan(decimal.NewFromFloat(c.MinBuySOL)) || !per.IsPositive() {
		return decimal.Zero
	}
	return per
}

// buy submits one buy and records the pending position.
func (l *Loop) buy(ctx context.Context, c scanner.Candidate, sol decimal.Decimal, now time.Time) BuyReport {
	sym := l.symbol(c.Mint)
	rep := BuyReport{Mint: c.Mint, Symbol: sym, Score: c.Score, SOL: sol}

	var decimals uint8
	if pos, ok := l.positions.Get(c.Mint); ok {
		decimals = pos.Decimals
	}
	log.Info().
		Str("mint", shortMint(c.Mint)).
		Str("symbol", sym).
		Float64("score", c.Score).
		Str("badge", string(c.Badge)).
		Str("sol", sol.String()).
		Msg("sniper: buying")

	res := l.executor.Execute(ctx, execution.Request{
		Direction:   execution.DirectionBuy,
		Mint:        c.Mint,
		AmountUI:    sol,
		Decimals:    decimals,
		SlippageBps: l.config.SlippageBps,
	})
	rep.Result = res
	l.observeSwap(res)
	if !res.OK {
		l.buyFailures.Add(1)
		if res.Unresolved {
			// The SOL may be gone; reconciliation reports the tokens if so.
			l.mu.Lock()
			l.dailySpent = l.dailySpent.Add(sol)
			l.mu.Unlock()
			log.Error().Str("mint", shortMint(c.Mint)).Str("reason", res.Reason).Msg("sniper: buy state unknown")
			return rep
		}
		log.Warn().Str("mint", shortMint(c.Mint)).Str("reason", res.Reason).Msg("sniper: buy failed")
		return rep
	}

	cost := res.InputUI
	if !cost.IsPositive() {
		cost = sol
	}
	var liq float64
	if rec, ok := l.history.Latest(c.Mint); ok {
		liq = rec.LiquidityUSD
	}
	l.positions.BeginBuy(execution.BuyFill{
		Mint:         c.Mint,
		Symbol:       sym,
		CostSOL:      cost,
		ExpectedUI:   res.ExpectedOutUI,
		Decimals:     res.Decimals,
		Signature:    res.Signature,
		LiquidityUSD: liq,
	}, now)
	l.safety.Track(c.Mint, liq)
	l.buys.Add(1)
	l.count(observability.MetricBuys)

	l.mu.Lock()
	l.dailySpent = l.dailySpent.Add(cost)
	fire := l.onBuy
	l.mu.Unlock()

	rep.Credited = l.positions.PollCredit(ctx, l.owner, c.Mint, l.config.CreditPollAttempts, l.config.CreditPollInterval)
	if !rep.Credited {
		log.Info().Str("mint", shortMint(c.Mint)).Msg("sniper: credit not yet observed, position pending")
	}

	l.record(ctx, journal.Trade{
		Side:     string(execution.DirectionBuy),
		Mint:     string(c.Mint),
		Symbol:   sym,
		AmountUI: res.ExpectedOutUI,
		SOL:      cost,
		Reason:   string(c.Badge),
	}, res)
	if fire != nil {
		fire(rep)
	}
	return rep
}

// record writes a trade to the journal. Journal failures never fail the trade.
func (l *Loop) record(ctx context.Context, t journal.Trade, res execution.Result) {
	t.ID = uuid.NewString()
	t.At = l.clock().UTC()
	t.Signature = string(res.Signature)
	t.Strategy = res.Strategy
	t.Rung = res.Rung
	t.Attempts = res.Attempts
	t.DryRun = res.DryRun
	t.ElapsedMs = res.Elapsed.Milliseconds()
	if err := l.journal.Record(ctx, t); err != nil {
		log.Warn().Err(err).Str("mint", shortMint(solana.Pubkey(t.Mint))).Msg("sniper: journal write failed")
	}
}

func (l *Loop) observeSwap(res execution.Result) {
	if h := l.metrics.GetHistogram(observability.MetricSwapLatency); h != nil {
		h.Observe(float64(res.Elapsed.Milliseconds()))
	}
	if !res.OK && !res.CooledDown {
		l.count(observability.MetricSwapFailures)
	}
}
