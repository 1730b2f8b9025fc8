package sniper

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pulse/internal/execution"
	"github.com/nexus-trading/pulse/internal/intel"
)

// ---------------------------------------------------------------------------
// Exit Policy: strict-precedence exit decision per position per tick
// ---------------------------------------------------------------------------

// ExitAction is what the exit policy wants done with a position.
type ExitAction string

const (
	ExitNone        ExitAction = "none"
	ExitSellAll     ExitAction = "sell_all"
	ExitSellPartial ExitAction = "sell_partial"
)

// Exit reasons.
const (
	ReasonPending       = "pending"
	ReasonMaxHold       = "max_hold"
	ReasonBuyCooldown   = "buy_cooldown"
	ReasonSellCooldown  = "sell_cooldown"
	ReasonRouteCooldown = "route_cooldown"
	ReasonMinHold       = "min_hold"
	ReasonNoValuation   = "no_valuation"
	ReasonStopLoss      = "stop_loss"
	ReasonRug           = "rug"
	ReasonLiquidityDrop = "liquidity_drop"
	ReasonTakeProfit    = "take_profit"
	ReasonTrailingStop  = "trailing_stop"
	ReasonAdvisoryHold  = "advisory_hold"
	ReasonAdvisorySell  = "advisory_sell"
	ReasonHold          = "hold"
)

// ExitConfig configures the exit policy. Percentages are whole percent.
type ExitConfig struct {
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	// Fraction of the position sold at take profit; outside (0,100) sells all.
	PartialTakePct float64 `yaml:"partial_take_pct"`
	StopLossPct    float64 `yaml:"stop_loss_pct"`

	// Trailing stop arms once the high-water mark is this far in profit.
	MinProfitToTrailPct float64 `yaml:"min_profit_to_trail_pct"`
	TrailingStopPct     float64 `yaml:"trailing_stop_pct"`

	MaxHoldSecs      int `yaml:"max_hold_secs"` // 0 = no forced expiry
	MinHoldSecs      int `yaml:"min_hold_secs"`
	BuyCooldownSecs  int `yaml:"buy_cooldown_secs"`
	SellCooldownSecs int `yaml:"sell_cooldown_secs"`

	// Hard exits.
	LiquidityPanicPct float64 `yaml:"liquidity_panic_pct"` // drop from entry liquidity
	RugSeverityExit   float64 `yaml:"rug_severity_exit"`
}

// DefaultExitConfig returns the production exit configuration.
func DefaultExitConfig() ExitConfig {
	return ExitConfig{
		TakeProfitPct:       12,
		PartialTakePct:      50,
		StopLossPct:         8,
		MinProfitToTrailPct: 3,
		TrailingStopPct:     6,
		MaxHoldSecs:         0,
		MinHoldSecs:         20,
		BuyCooldownSecs:     15,
		SellCooldownSecs:    15,
		LiquidityPanicPct:   50,
		RugSeverityExit:     1,
	}
}

// Valuation is what the position is worth right now.
type Valuation struct {
	ValueSOL     decimal.Decimal // quoted SOL for the whole position
	LiquidityUSD float64
	RugSeverity  float64
	RouteCooling bool // sell route is under cooldown
}

// ExitDecision is the outcome of Decide.
type ExitDecision struct {
	Action   ExitAction      `json:"action"`
	Pct      float64         `json:"pct,omitempty"`
	Reason   string          `json:"reason"`
	PnLPct   decimal.Decimal `json:"pnl_pct"`
	PeakPct  decimal.Decimal `json:"peak_pnl_pct"`
	Drawdown decimal.Decimal `json:"drawdown_pct"`
	// HWMPrice is the high-water mark after this evaluation; the caller
	// persists it.
	HWMPrice decimal.Decimal `json:"hwm_price"`
	Advised  bool            `json:"advised,omitempty"`
}

// Sells reports whether the decision asks for a sale.
func (d ExitDecision) Sells() bool { return d.Action == ExitSellAll || d.Action == ExitSellPartial }

var hundred = decimal.NewFromInt(100)

// Decide evaluates one position. It is pure: the position is not modified.
// Precedence:
//
//  1. pending credit: none
//  2. max hold elapsed: sell_all, ahead of every cooldown
//  3. buy/sell/route cooldown: none
//  4. min hold: none
//  5. rug, liquidity drop: sell_all, even without a valuation
//  6. pnl and high-water mark
//  7. stop loss: sell_all
//  8. take profit: sell_partial or sell_all
//  9. trailing stop: sell_all
//  10. none
//
// Advice cannot veto 5 or 7. A hold advice vetoes 8 and 9. A sell advice
// only acts when 7-9 found nothing.
func Decide(pos execution.Position, val Valuation, now time.Time, cfg ExitConfig, advice *intel.Advice) ExitDecision {
	d := ExitDecision{Action: ExitNone, HWMPrice: pos.HighWaterMarkPrice}

	if pos.AwaitingCredit {
		d.Reason = ReasonPending
		return d
	}

	if cfg.MaxHoldSecs > 0 && now.Sub(pos.AcquiredAt) > secs(cfg.MaxHoldSecs) {
		d.Action, d.Reason = ExitSellAll, ReasonMaxHold
		return d
	}

	switch {
	case val.RouteCooling:
		d.Reason = ReasonRouteCooldown
		return d
	case !pos.LastBuyAt.IsZero() && now.Sub(pos.LastBuyAt) < secs(cfg.BuyCooldownSecs):
		d.Reason = ReasonBuyCooldown
		return d
	case !pos.LastSellAt.IsZero() && now.Sub(pos.LastSellAt) < secs(cfg.SellCooldownSecs):
		d.Reason = ReasonSellCooldown
		return d
	}

	if now.Sub(pos.AcquiredAt) < secs(cfg.MinHoldSecs) {
		d.Reason = ReasonMinHold
		return d
	}

	// Rug and liquidity exits need no price; a pulled pool rarely quotes.
	switch {
	case cfg.RugSeverityExit > 0 && val.RugSeverity >= cfg.RugSeverityExit:
		d.Action, d.Reason = ExitSellAll, ReasonRug
		return d
	case cfg.LiquidityPanicPct > 0 && liquidityDropPct(pos.EntryLiquidityUSD, val.LiquidityUSD) >= cfg.LiquidityPanicPct:
		d.Action, d.Reason = ExitSellAll, ReasonLiquidityDrop
		return d
	}

	if !pos.SizeUI.IsPositive() || !pos.CostSOL.IsPositive() || !val.ValueSOL.IsPositive() {
		d.Reason = ReasonNoValuation
		return d
	}
	price := val.ValueSOL.Div(pos.SizeUI)
	costPrice := pos.CostSOL.Div(pos.SizeUI)
	if price.GreaterThan(d.HWMPrice) {
		d.HWMPrice = price
	}
	d.PnLPct = pctChange(price, costPrice)
	d.PeakPct = pctChange(d.HWMPrice, costPrice)
	d.Drawdown = hundred.Sub(price.Div(d.HWMPrice).Mul(hundred))

	if d.PnLPct.LessThanOrEqual(decimal.NewFromFloat(-cfg.StopLossPct)) {
		d.Action, d.Reason = ExitSellAll, ReasonStopLoss
		return d
	}

	hold := advice != nil && advice.Action == intel.ActionHold

	if cfg.TakeProfitPct > 0 && d.PnLPct.GreaterThanOrEqual(decimal.NewFromFloat(cfg.TakeProfitPct)) {
		if hold {
			d.Reason, d.Advised = ReasonAdvisoryHold, true
			return d
		}
		d.Reason = ReasonTakeProfit
		if cfg.PartialTakePct > 0 && cfg.PartialTakePct < 100 {
			d.Action, d.Pct = ExitSellPartial, cfg.PartialTakePct
		} else {
			d.Action = ExitSellAll
		}
		return d
	}

	if cfg.TrailingStopPct > 0 &&
		d.PeakPct.GreaterThanOrEqual(decimal.NewFromFloat(cfg.MinProfitToTrailPct)) &&
		d.Drawdown.GreaterThanOrEqual(decimal.NewFromFloat(cfg.TrailingStopPct)) {
		if hold {
			d.Reason, d.Advised = ReasonAdvisoryHold, true
			return d
		}
		d.Action, d.Reason = ExitSellAll, ReasonTrailingStop
		return d
	}

	if advice != nil {
		switch advice.Action {
		case intel.ActionSellAll:
			d.Action, d.Reason, d.Advised = ExitSellAll, ReasonAdvisorySell, true
			return d
		case intel.ActionSellPartial:
			if advice.SellPct > 0 && advice.SellPct < 100 {
				d.Action, d.Pct, d.Reason, d.Advised = ExitSellPartial, advice.SellPct, ReasonAdvisorySell, true
				return d
			}
		}
	}

	d.Reason = ReasonHold
	return d
}

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

// pctChange returns (a-b)/b in percent.
func pctChange(a, b decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return decimal.Zero
	}
	return a.Sub(b).Div(b).Mul(hundred)
}

func liquidityDropPct(entry, now float64) float64 {
	if entry <= 0 || now <= 0 || now >= entry {
		return 0
	}
	return (entry - now) / entry * 100
}
