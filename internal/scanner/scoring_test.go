package scanner

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rising builds a steadily climbing history ending at now.
func rising(now time.Time) []Record {
	prices := []float64{1.0, 1.05, 1.1, 1.15, 1.2, 1.3}
	recs := make([]Record, len(prices))
	for i, p := range prices {
		s := snap(mintA, p)
		s.LiquidityUSD = 200_000
		s.Volume5m = 500
		recs[i] = Record{At: now.Add(time.Duration(i-len(prices)+1) * time.Minute), Snapshot: s}
	}
	cur := &recs[len(recs)-1].Snapshot
	cur.Change5m = 15
	cur.Change1h = 40
	cur.Change6h = 80
	cur.Volume5m = 3_000
	cur.Volume1h = 10_000
	cur.Volume6h = 20_000
	cur.BuySellRatio24h = 0.7
	return recs
}

// flatDown builds a flat-priced history whose current record drifts down
// without tripping the rug threshold.
func flatDown(now time.Time) []Record {
	recs := make([]Record, 3)
	for i := range recs {
		s := snap(mintA, 1.0)
		s.Change5m = -5
		s.Change1h = -10
		s.Change6h = -10
		recs[i] = Record{At: now.Add(time.Duration(i-2) * time.Minute), Snapshot: s}
	}
	return recs
}

func TestScore_EmptyHistory(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	r := s.Score(nil, t0, Prev{})
	assert.Equal(t, 0.0, r.Score)
	assert.Equal(t, BadgeCalm, r.Badge)
}

func TestScore_HardGate(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	rng := rand.New(rand.NewPCG(1, 2))

	for i := 0; i < 200; i++ {
		recs := rising(t0)
		cur := &recs[len(recs)-1].Snapshot
		if i%2 == 0 {
			cur.LiquidityUSD = rng.Float64() * 4_999
		} else {
			cur.Volume1h = rng.Float64() * 999
		}
		cur.Change5m = rng.Float64()*200 - 50
		cur.Change1h = rng.Float64()*400 - 50

		r := s.Score(recs, t0, Prev{Score: 5, At: t0.Add(-time.Minute)})
		require.Equal(t, 0.0, r.Score, "iteration %d", i)
		require.Equal(t, BadgeCalm, r.Badge, "iteration %d", i)
		require.True(t, r.Gated)
	}
}

func TestScore_RisingIsPumping(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	r := s.Score(rising(t0), t0, Prev{Score: 0.5, At: t0.Add(-time.Minute)})

	assert.Greater(t, r.Score, 1.2)
	assert.Equal(t, BadgePumping, r.Badge)
	assert.Greater(t, r.Velocity, 0.0)
	assert.Greater(t, r.Slope, 0.0)
	assert.Equal(t, 1.0, r.Breakdown.Trend)
	assert.Equal(t, 0.0, r.RugSeverity)
}

func TestScore_FallingVelocityIsWarming(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	r := s.Score(rising(t0), t0, Prev{Score: 10, At: t0.Add(-time.Minute)})

	assert.InDelta(t, 7.5, r.Score, 1e-9)
	assert.Less(t, r.Velocity, 0.0)
	assert.Equal(t, BadgeWarming, r.Badge)
}

func TestScore_DrawdownFloor(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	recs := flatDown(t0)

	raw := s.Score(recs, t0, Prev{})
	assert.Equal(t, 0.0, raw.Score)

	r := s.Score(recs, t0, Prev{Score: 2.0, At: t0.Add(-30 * time.Second)})
	assert.GreaterOrEqual(t, r.Score, 1.5)
	assert.InDelta(t, 1.5, r.Score, 1e-9)
	assert.Equal(t, BadgeCalm, r.Badge)
}

func TestScore_RugPenalty(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())

	clean := rising(t0)
	rug := rising(t0)
	rug[len(rug)-3].Change5m = -12

	base := s.Score(clean, t0, Prev{})
	require.Greater(t, base.Score, 0.0)
	assert.Equal(t, 0.0, base.RugSeverity)

	r := s.Score(rug, t0, Prev{})
	assert.InDelta(t, 1.2, r.RugSeverity, 1e-9)
	assert.Equal(t, BadgeCooling, r.Badge)
	assert.InDelta(t, base.Score*0.2/1.2, r.Score, 1e-9)

	floored := s.Score(rug, t0, Prev{Score: 10, At: t0.Add(-time.Minute)})
	assert.Less(t, floored.Score, 7.5, "rug bypasses the floor")
	assert.Equal(t, BadgeCooling, floored.Badge)
}

func TestScore_RugOutsideWindowIgnored(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	recs := append([]Record{{At: t0.Add(-25 * time.Minute), Snapshot: snap(mintA, 1)}}, rising(t0)...)
	recs[0].Change5m = -30

	r := s.Score(recs, t0, Prev{})
	assert.Equal(t, 0.0, r.RugSeverity)
	assert.NotEqual(t, BadgeCooling, r.Badge)
}

func TestScore_RugSeverityReportedWhenGated(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	recs := rising(t0)
	cur := &recs[len(recs)-1].Snapshot
	cur.LiquidityUSD = 100
	cur.Change5m = -40

	r := s.Score(recs, t0, Prev{})
	assert.True(t, r.Gated)
	assert.Equal(t, BadgeCalm, r.Badge)
	assert.InDelta(t, 4.0, r.RugSeverity, 1e-9)
}

func TestScore_BreakoutCapped(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	recs := make([]Record, 8)
	for i := range recs {
		recs[i] = Record{At: t0.Add(time.Duration(i-7) * time.Minute), Snapshot: snap(mintA, 1)}
	}
	recs[7].PriceUSD = 10

	r := s.Score(recs, t0, Prev{})
	assert.Equal(t, 1.5, r.Breakdown.Breakout)

	recs[7].PriceUSD = 1.2
	r = s.Score(recs, t0, Prev{})
	assert.InDelta(t, 1.0, r.Breakdown.Breakout, 1e-9)
}

func TestScore_NonFiniteInputs(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	recs := rising(t0)
	recs[2].PriceUSD = math.NaN()
	recs[len(recs)-1].Change1h = math.Inf(1)

	r := s.Score(recs, t0, Prev{})
	assert.False(t, math.IsNaN(r.Score))
	assert.False(t, math.IsInf(r.Score, 0))
}

func TestLiquidityScale(t *testing.T) {
	s := NewScorer(DefaultScoringConfig())
	assert.InDelta(t, 0.65, s.liquidityScale(5_000), 1e-9)
	assert.InDelta(t, 1.0, s.liquidityScale(250_000), 1e-9)
	assert.InDelta(t, 1.0, s.liquidityScale(10_000_000), 1e-9)

	mid := s.liquidityScale(50_000)
	assert.Greater(t, mid, 0.65)
	assert.Less(t, mid, 1.0)
}

func TestTracker_CarriesPreviousScore(t *testing.T) {
	h := NewHistoryStore(DefaultHistoryConfig())
	for _, r := range rising(t0) {
		h.Append(r.Snapshot, r.At)
	}
	for _, r := range flatDown(t0) {
		s := r.Snapshot
		s.Mint = mintB
		h.Append(s, r.At)
	}

	tr := NewTracker(NewScorer(DefaultScoringConfig()), h)
	first := tr.Evaluate(t0)
	require.Len(t, first, 2)
	assert.Equal(t, mintA, first[0].Mint)
	assert.Equal(t, 0.0, first[1].Score)

	// Collapse mintA's momentum; the floor holds it at 75% of the last score.
	s := snap(mintA, 1.3)
	s.LiquidityUSD = 200_000
	h.Append(s, t0.Add(time.Minute))
	second := tr.Evaluate(t0.Add(time.Minute))
	require.Len(t, second, 2)
	assert.GreaterOrEqual(t, second[0].Score, first[0].Score*0.75-1e-9)

	res, ok := tr.Result(mintA)
	require.True(t, ok)
	assert.Less(t, res.Velocity, 0.0)
}

func TestTracker_ForgetsPrunedMints(t *testing.T) {
	h := NewHistoryStore(HistoryConfig{Lookback: time.Hour})
	for _, r := range rising(t0) {
		h.Append(r.Snapshot, r.At)
	}
	tr := NewTracker(NewScorer(DefaultScoringConfig()), h)
	tr.Evaluate(t0)

	h.Prune(t0.Add(2 * time.Hour))
	assert.Empty(t, tr.Evaluate(t0.Add(2*time.Hour)))
	_, ok := tr.Result(mintA)
	assert.False(t, ok)
}
