package scanner

import (
	"math"
	"time"

	"github.com/nexus-trading/pulse/internal/solana"
)

// Snapshot is one market observation of a token, as delivered by the feed.
type Snapshot struct {
	Mint            solana.Pubkey `json:"mint"`
	Symbol          string        `json:"symbol,omitempty"`
	PriceUSD        float64       `json:"price_usd"`
	LiquidityUSD    float64       `json:"liquidity_usd"`
	Change5m        float64       `json:"change_5m"` // percent
	Change1h        float64       `json:"change_1h"`
	Change6h        float64       `json:"change_6h"`
	Change24h       float64       `json:"change_24h"`
	Volume5m        float64       `json:"volume_5m"` // USD
	Volume1h        float64       `json:"volume_1h"`
	Volume6h        float64       `json:"volume_6h"`
	BuySellRatio24h float64       `json:"buy_sell_ratio_24h"` // buys/(buys+sells)
}

// Sanitized returns a copy with non-finite values zeroed, negative levels
// clamped to zero and the buy ratio clamped to [0,1].
func (s Snapshot) Sanitized() Snapshot {
	s.PriceUSD = nonNegative(finite(s.PriceUSD))
	s.LiquidityUSD = nonNegative(finite(s.LiquidityUSD))
	s.Change5m = finite(s.Change5m)
	s.Change1h = finite(s.Change1h)
	s.Change6h = finite(s.Change6h)
	s.Change24h = finite(s.Change24h)
	s.Volume5m = nonNegative(finite(s.Volume5m))
	s.Volume1h = nonNegative(finite(s.Volume1h))
	s.Volume6h = nonNegative(finite(s.Volume6h))
	s.BuySellRatio24h = clamp(finite(s.BuySellRatio24h), 0, 1)
	return s
}

// Record is a snapshot retained in the history store.
type Record struct {
	At time.Time `json:"at"`
	Snapshot
}

// Badge is the coarse momentum label of a token.
type Badge string

const (
	BadgeCalm    Badge = "calm"
	BadgeWarming Badge = "warming"
	BadgePumping Badge = "pumping"
	BadgeCooling Badge = "cooling"
)

// Candidate is a scored token.
type Candidate struct {
	Mint        solana.Pubkey `json:"mint"`
	Score       float64       `json:"score"`
	Badge       Badge         `json:"badge"`
	RugSeverity float64       `json:"rug_severity"`
}

func finite(x float64) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return 0
	}
	return x
}

func nonNegative(x float64) float64 {
	if x < 0 {
		return 0
	}
	return x
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
