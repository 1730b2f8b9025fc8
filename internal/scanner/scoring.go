package scanner

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/pulse/internal/solana"
)

// ---------------------------------------------------------------------------
// Momentum scorer: decayed multi-factor score with rug penalty and
// anti-flicker floor.
// ---------------------------------------------------------------------------

// ScoringWeights weights each normalised term of the raw score.
type ScoringWeights struct {
	Change5m    float64 `yaml:"change_5m"`
	Change1h    float64 `yaml:"change_1h"`
	Change6h    float64 `yaml:"change_6h"`
	Accel       float64 `yaml:"accel"`
	Breakout    float64 `yaml:"breakout"`
	BuyPressure float64 `yaml:"buy_pressure"`
	VolumeZ     float64 `yaml:"volume_z"`
	Trend       float64 `yaml:"trend"`
}

// DefaultWeights returns the production weight set.
func DefaultWeights() ScoringWeights {
	return ScoringWeights{
		Change5m:    0.9,
		Change1h:    0.6,
		Change6h:    0.3,
		Accel:       0.6,
		Breakout:    0.7,
		BuyPressure: 0.5,
		VolumeZ:     0.4,
		Trend:       0.6,
	}
}

// ScoringConfig configures the scorer. Percent fields are in percent
// (10 = 10%), USD fields in US dollars, fractions in [0,1].
type ScoringConfig struct {
	Weights ScoringWeights `yaml:"weights"`

	HalfLife time.Duration `yaml:"half_life"` // age at which a record weighs 0.5

	Norm5mPct float64 `yaml:"norm_5m_pct"` // tanh scale for the 5m change
	Norm1hPct float64 `yaml:"norm_1h_pct"`
	Norm6hPct float64 `yaml:"norm_6h_pct"`

	AccelCap        float64 `yaml:"accel_cap"`         // cap on volume rate ratios
	BreakoutUnitPct float64 `yaml:"breakout_unit_pct"` // rise above window minimum worth one unit
	BreakoutCap     float64 `yaml:"breakout_cap"`      // units
	BuyPressureMin  float64 `yaml:"buy_pressure_min"`  // buy ratio above which pressure counts
	VolumeZCap      float64 `yaml:"volume_z_cap"`      // standard deviations
	TrendWindow     int     `yaml:"trend_window"`      // records
	SlopeWindow     int     `yaml:"slope_window"`      // records used for the price regression

	MinLiquidityUSD  float64 `yaml:"min_liquidity_usd"`  // hard gate
	MinVolume1hUSD   float64 `yaml:"min_volume_1h_usd"`  // hard gate
	FullLiquidityUSD float64 `yaml:"full_liquidity_usd"` // liquidity at which the soft scale is 1

	RugWindow  time.Duration `yaml:"rug_window"`   // lookback for the worst 5m change
	RugUnitPct float64       `yaml:"rug_unit_pct"` // 5m drop worth severity 1
	RugPenalty float64       `yaml:"rug_penalty"`  // score multiplier numerator at severity >= 1

	MaxDropFrac float64 `yaml:"max_drop_frac"` // per-tick score drop allowed by the floor

	PumpScore float64 `yaml:"pump_score"`
	WarmScore float64 `yaml:"warm_score"`
}

// DefaultScoringConfig returns defaults.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights:          DefaultWeights(),
		HalfLife:         10 * time.Minute,
		Norm5mPct:        10,
		Norm1hPct:        25,
		Norm6hPct:        60,
		AccelCap:         3,
		BreakoutUnitPct:  20,
		BreakoutCap:      1.5,
		BuyPressureMin:   0.55,
		VolumeZCap:       3,
		TrendWindow:      12,
		SlopeWindow:      12,
		MinLiquidityUSD:  5_000,
		MinVolume1hUSD:   1_000,
		FullLiquidityUSD: 250_000,
		RugWindow:        20 * time.Minute,
		RugUnitPct:       10,
		RugPenalty:       0.2,
		MaxDropFrac:      0.25,
		PumpScore:        1.2,
		WarmScore:        0.4,
	}
}

// Prev is the score a mint received on the previous evaluation. The zero
// value means no prior score.
type Prev struct {
	Score float64
	At    time.Time
}

// Breakdown exposes the individual terms for logging and tests.
type Breakdown struct {
	Change5m    float64 `json:"change_5m"`
	Change1h    float64 `json:"change_1h"`
	Change6h    float64 `json:"change_6h"`
	Accel       float64 `json:"accel"`
	Breakout    float64 `json:"breakout"`
	BuyPressure float64 `json:"buy_pressure"`
	VolumeZ     float64 `json:"volume_z"`
	Trend       float64 `json:"trend"`
	Raw         float64 `json:"raw"`
	LiqScale    float64 `json:"liq_scale"`
}

// Result is the output of one evaluation.
type Result struct {
	Score       float64   `json:"score"`
	Badge       Badge     `json:"badge"`
	RugSeverity float64   `json:"rug_severity"`
	Velocity    float64   `json:"velocity"` // score change per second since Prev
	Slope       float64   `json:"slope"`    // fractional price change per minute
	Gated       bool      `json:"gated"`
	Breakdown   Breakdown `json:"breakdown"`
}

// Scorer is the pure momentum scorer. It holds no per-mint state.
type Scorer struct {
	config ScoringConfig
}

// NewScorer creates a scorer, filling unset fields from the defaults.
func NewScorer(config ScoringConfig) *Scorer {
	def := DefaultScoringConfig()
	if config.Weights == (ScoringWeights{}) {
		config.Weights = def.Weights
	}
	if config.HalfLife <= 0 {
		config.HalfLife = def.HalfLife
	}
	if config.Norm5mPct <= 0 {
		config.Norm5mPct = def.Norm5mPct
	}
	if config.Norm1hPct <= 0 {
		config.Norm1hPct = def.Norm1hPct
	}
	if config.Norm6hPct <= 0 {
		config.Norm6hPct = def.Norm6hPct
	}
	if config.AccelCap <= 0 {
		config.AccelCap = def.AccelCap
	}
	if config.BreakoutUnitPct <= 0 {
		config.BreakoutUnitPct = def.BreakoutUnitPct
	}
	if config.BreakoutCap <= 0 {
		config.BreakoutCap = def.BreakoutCap
	}
	if config.BuyPressureMin <= 0 || config.BuyPressureMin >= 1 {
		config.BuyPressureMin = def.BuyPressureMin
	}
	if config.VolumeZCap <= 0 {
		config.VolumeZCap = def.VolumeZCap
	}
	if config.TrendWindow < 2 {
		config.TrendWindow = def.TrendWindow
	}
	if config.SlopeWindow < 2 {
		config.SlopeWindow = def.SlopeWindow
	}
	if config.MinLiquidityUSD <= 0 {
		config.MinLiquidityUSD = def.MinLiquidityUSD
	}
	if config.MinVolume1hUSD < 0 {
		config.MinVolume1hUSD = def.MinVolume1hUSD
	}
	if config.FullLiquidityUSD <= config.MinLiquidityUSD {
		config.FullLiquidityUSD = math.Max(def.FullLiquidityUSD, config.MinLiquidityUSD*10)
	}
	if config.RugWindow <= 0 {
		config.RugWindow = def.RugWindow
	}
	if config.RugUnitPct <= 0 {
		config.RugUnitPct = def.RugUnitPct
	}
	if config.RugPenalty <= 0 || config.RugPenalty > 1 {
		config.RugPenalty = def.RugPenalty
	}
	if config.MaxDropFrac <= 0 || config.MaxDropFrac > 1 {
		config.MaxDropFrac = def.MaxDropFrac
	}
	if config.PumpScore <= 0 {
		config.PumpScore = def.PumpScore
	}
	if config.WarmScore <= 0 {
		config.WarmScore = def.WarmScore
	}
	return &Scorer{config: config}
}

// Config returns the effective configuration.
func (s *Scorer) Config() ScoringConfig { return s.config }

// Score evaluates a mint's history at now. history must be oldest first;
// the last record is the current observation.
func (s *Scorer) Score(history []Record, now time.Time, prev Prev) Result {
	if len(history) == 0 {
		return Result{Badge: BadgeCalm}
	}
	cfg := s.config
	cur := history[len(history)-1].Snapshot.Sanitized()

	res := Result{Badge: BadgeCalm}
	res.RugSeverity = s.rugSeverity(history, now)

	if cur.LiquidityUSD < cfg.MinLiquidityUSD || cur.Volume1h < cfg.MinVolume1hUSD {
		res.Gated = true
		return res
	}

	weights := s.decayWeights(history, now)
	meanPrice, _ := weightedMoments(history, weights, func(r Record) float64 { return r.PriceUSD })
	meanVol, varVol := weightedMoments(history, weights, func(r Record) float64 { return r.Volume5m })

	b := Breakdown{
		Change5m:    math.Tanh(cur.Change5m / cfg.Norm5mPct),
		Change1h:    math.Tanh(cur.Change1h / cfg.Norm1hPct),
		Change6h:    math.Tanh(cur.Change6h / cfg.Norm6hPct),
		Accel:       s.accel(cur),
		Breakout:    s.breakout(history, cur),
		BuyPressure: s.buyPressure(cur),
		VolumeZ:     s.volumeZ(cur, meanVol, varVol),
		Trend:       s.trend(history, weights),
	}
	w := cfg.Weights
	b.Raw = w.Change5m*b.Change5m + w.Change1h*b.Change1h + w.Change6h*b.Change6h +
		w.Accel*b.Accel + w.Breakout*b.Breakout + w.BuyPressure*b.BuyPressure +
		w.VolumeZ*b.VolumeZ + w.Trend*b.Trend
	b.LiqScale = s.liquidityScale(cur.LiquidityUSD)

	score := math.Max(b.Raw, 0) * b.LiqScale
	if res.RugSeverity >= 1 {
		score *= cfg.RugPenalty / res.RugSeverity
	} else if prev.Score > 0 && !prev.At.IsZero() {
		score = math.Max(score, prev.Score*(1-cfg.MaxDropFrac))
	}
	res.Score = finite(score)
	res.Breakdown = b

	if !prev.At.IsZero() && now.After(prev.At) {
		res.Velocity = (res.Score - prev.Score) / now.Sub(prev.At).Seconds()
	}
	res.Slope = s.slope(history)

	risingNow := cur.PriceUSD > meanPrice && cur.Change5m > 0
	switch {
	case res.RugSeverity >= 1:
		res.Badge = BadgeCooling
	case res.Score >= cfg.PumpScore && (risingNow || res.Slope > 0) && res.Velocity > 0:
		res.Badge = BadgePumping
	case res.Score >= cfg.WarmScore && cur.Change5m >= 0:
		res.Badge = BadgeWarming
	}
	return res
}

// rugSeverity is the worst 5m drop inside the rug window, in rug units.
func (s *Scorer) rugSeverity(history []Record, now time.Time) float64 {
	cutoff := now.Add(-s.config.RugWindow)
	worst := 0.0
	for i := len(history) - 1; i >= 0; i-- {
		r := history[i]
		if r.At.Before(cutoff) {
			break
		}
		if c := finite(r.Change5m); c < worst {
			worst = c
		}
	}
	return math.Max(0, -worst/s.config.RugUnitPct)
}

func (s *Scorer) decayWeights(history []Record, now time.Time) []float64 {
	out := make([]float64, len(history))
	hl := s.config.HalfLife.Seconds()
	for i, r := range history {
		age := now.Sub(r.At).Seconds()
		if age < 0 {
			age = 0
		}
		out[i] = math.Pow(0.5, age/hl)
	}
	return out
}

func weightedMoments(history []Record, weights []float64, val func(Record) float64) (mean, variance float64) {
	var sw, sx float64
	for i, r := range history {
		sw += weights[i]
		sx += weights[i] * finite(val(r))
	}
	if sw == 0 {
		return 0, 0
	}
	mean = sx / sw
	for i, r := range history {
		d := finite(val(r)) - mean
		variance += weights[i] * d * d
	}
	return mean, variance / sw
}

// accel compares the recent volume rate with the longer one: 5m against
// the 1h average per 5m, and 1h against the 6h average per hour.
// Range [-1, AccelCap-1].
func (s *Scorer) accel(cur Snapshot) float64 {
	var sum float64
	var n int
	if cur.Volume1h > 0 {
		sum += math.Min(cur.Volume5m*12/cur.Volume1h, s.config.AccelCap) - 1
		n++
	}
	if cur.Volume6h > 0 {
		sum += math.Min(cur.Volume1h*6/cur.Volume6h, s.config.AccelCap) - 1
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// breakout measures how far the price sits above the minimum of the most
// recent quarter of records, in log units of BreakoutUnitPct.
func (s *Scorer) breakout(history []Record, cur Snapshot) float64 {
	n := len(history) / 4
	if n < 1 {
		n = 1
	}
	minP := math.Inf(1)
	for _, r := range history[len(history)-n:] {
		if p := finite(r.PriceUSD); p > 0 && p < minP {
			minP = p
		}
	}
	if math.IsInf(minP, 1) || cur.PriceUSD <= minP {
		return 0
	}
	units := math.Log(cur.PriceUSD/minP) / math.Log(1+s.config.BreakoutUnitPct/100)
	return math.Min(units, s.config.BreakoutCap)
}

func (s *Scorer) buyPressure(cur Snapshot) float64 {
	floor := s.config.BuyPressureMin
	if cur.BuySellRatio24h <= floor {
		return 0
	}
	return (cur.BuySellRatio24h - floor) / (1 - floor)
}

// volumeZ is the upside z-score of the current 5m volume, scaled to [0,1].
func (s *Scorer) volumeZ(cur Snapshot, mean, variance float64) float64 {
	if variance <= 0 {
		return 0
	}
	z := (cur.Volume5m - mean) / math.Sqrt(variance)
	return clamp(z, 0, s.config.VolumeZCap) / s.config.VolumeZCap
}

// trend is the decay-weighted share of up moves minus down moves over the
// trailing window, in [-1,1].
func (s *Scorer) trend(history []Record, weights []float64) float64 {
	start := len(history) - s.config.TrendWindow
	if start < 1 {
		start = 1
	}
	var sw, sum float64
	for i := start; i < len(history); i++ {
		d := history[i].PriceUSD - history[i-1].PriceUSD
		sw += weights[i]
		switch {
		case d > 0:
			sum += weights[i]
		case d < 0:
			sum -= weights[i]
		}
	}
	if sw == 0 {
		return 0
	}
	return sum / sw
}

// slope is the least-squares price slope over the trailing window,
// normalised by mean price and expressed per minute.
func (s *Scorer) slope(history []Record) float64 {
	start := len(history) - s.config.SlopeWindow
	if start < 0 {
		start = 0
	}
	pts := history[start:]
	if len(pts) < 2 {
		return 0
	}
	t0 := pts[0].At
	var sx, sy, sxx, sxy float64
	for _, r := range pts {
		x := r.At.Sub(t0).Minutes()
		y := finite(r.PriceUSD)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	n := float64(len(pts))
	den := n*sxx - sx*sx
	if den == 0 || sy == 0 {
		return 0
	}
	return finite(((n*sxy - sx*sy) / den) / (sy / n))
}

func (s *Scorer) liquidityScale(liq float64) float64 {
	floor, full := s.config.MinLiquidityUSD, s.config.FullLiquidityUSD
	norm := math.Log10(liq/floor) / math.Log10(full/floor)
	return 0.65 + 0.35*clamp(finite(norm), 0, 1)
}

// ---------------------------------------------------------------------------
// Tracker: per-mint score memory on top of the pure scorer
// ---------------------------------------------------------------------------

// Tracker evaluates every mint in a history store and remembers each
// mint's previous score for the floor and velocity.
type Tracker struct {
	scorer  *Scorer
	history *HistoryStore

	mu   sync.Mutex
	prev map[solana.Pubkey]Prev
	last map[solana.Pubkey]Result
}

// NewTracker creates a tracker over history.
func NewTracker(scorer *Scorer, history *HistoryStore) *Tracker {
	return &Tracker{
		scorer:  scorer,
		history: history,
		prev:    make(map[solana.Pubkey]Prev),
		last:    make(map[solana.Pubkey]Result),
	}
}

// Evaluate scores every tracked mint at now and returns candidates sorted
// by descending score. Mints that left the store are forgotten.
func (t *Tracker) Evaluate(now time.Time) []Candidate {
	mints := t.history.Mints()

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[solana.Pubkey]struct{}, len(mints))
	out := make([]Candidate, 0, len(mints))
	for _, mint := range mints {
		seen[mint] = struct{}{}
		res := t.scorer.Score(t.history.History(mint), now, t.prev[mint])
		t.prev[mint] = Prev{Score: res.Score, At: now}
		t.last[mint] = res
		out = append(out, Candidate{
			Mint:        mint,
			Score:       res.Score,
			Badge:       res.Badge,
			RugSeverity: res.RugSeverity,
		})
	}
	for mint := range t.prev {
		if _, ok := seen[mint]; !ok {
			delete(t.prev, mint)
			delete(t.last, mint)
		}
	}
	sortCandidates(out)
	return out
}

// Result returns the last evaluation of mint.
func (t *Tracker) Result(mint solana.Pubkey) (Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.last[mint]
	return r, ok
}

func sortCandidates(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		return c[i].Mint < c[j].Mint
	})
}
