package observability

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// Kind is the exposition type of a metric.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
)

// Def describes one metric. Buckets apply to histograms only.
type Def struct {
	Name    string
	Kind    Kind
	Help    string
	Buckets []float64
}

// Metric names used by the trader.
const (
	MetricTicks            = "pulse_ticks_total"
	MetricTicksSkipped     = "pulse_ticks_skipped_total"
	MetricStepFailures     = "pulse_step_failures_total"
	MetricBuys             = "pulse_buys_total"
	MetricSells            = "pulse_sells_total"
	MetricSwapFailures     = "pulse_swap_failures_total"
	MetricRouteCooldowns   = "pulse_route_cooldowns_total"
	MetricSnapshots        = "pulse_snapshots_ingested_total"
	MetricAdvisorOpinions  = "pulse_advisor_opinions_total"
	MetricLiquidityWarns   = "pulse_liquidity_warnings_total"
	MetricOpenPositions    = "pulse_open_positions"
	MetricPendingPositions = "pulse_pending_positions"
	MetricSOLBalance       = "pulse_sol_balance"
	MetricRealizedPnL      = "pulse_realized_pnl_sol"
	MetricDailySpent       = "pulse_daily_spent_sol"
	MetricCandidates       = "pulse_candidates"
	MetricTickLatency      = "pulse_tick_latency_ms"
	MetricSwapLatency      = "pulse_swap_latency_ms"
)

// Tick latency in milliseconds; a tick is bounded by its step timeouts.
var TickLatencyBuckets = []float64{5, 25, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Swap latency in milliseconds; the tail covers a full ladder walk.
var SwapLatencyBuckets = []float64{100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}

// PulseSet is the trader's metric set, in exposition order.
var PulseSet = []Def{
	{Name: MetricTicks, Kind: KindCounter, Help: "Trading loop ticks run"},
	{Name: MetricTicksSkipped, Kind: KindCounter, Help: "Ticks skipped because the previous tick was still running"},
	{Name: MetricStepFailures, Kind: KindCounter, Help: "Tick steps that timed out or panicked"},
	{Name: MetricSnapshots, Kind: KindCounter, Help: "Market snapshots ingested"},
	{Name: MetricBuys, Kind: KindCounter, Help: "Buys submitted"},
	{Name: MetricSells, Kind: KindCounter, Help: "Sells booked"},
	{Name: MetricSwapFailures, Kind: KindCounter, Help: "Swaps that exhausted the fallback ladder"},
	{Name: MetricRouteCooldowns, Kind: KindCounter, Help: "Route cooldowns armed after unroutable sells"},
	{Name: MetricAdvisorOpinions, Kind: KindCounter, Help: "Advisory opinions applied to exit decisions"},
	{Name: MetricLiquidityWarns, Kind: KindCounter, Help: "Held positions whose liquidity fell past the warning threshold"},
	{Name: MetricCandidates, Kind: KindGauge, Help: "Eligible candidates at the last tick"},
	{Name: MetricOpenPositions, Kind: KindGauge, Help: "Open positions"},
	{Name: MetricPendingPositions, Kind: KindGauge, Help: "Positions awaiting on-chain credit"},
	{Name: MetricSOLBalance, Kind: KindGauge, Help: "Wallet SOL balance at the last sizing pass"},
	{Name: MetricDailySpent, Kind: KindGauge, Help: "SOL spent on buys today"},
	{Name: MetricRealizedPnL, Kind: KindGauge, Help: "Realized PnL in SOL since start"},
	{Name: MetricTickLatency, Kind: KindHistogram, Help: "Tick duration in milliseconds", Buckets: TickLatencyBuckets},
	{Name: MetricSwapLatency, Kind: KindHistogram, Help: "Swap execution latency in milliseconds", Buckets: SwapLatencyBuckets},
}

// Counter counts events.
type Counter struct {
	n atomic.Uint64
}

func (c *Counter) Inc() { c.n.Add(1) }

// Add counts n events. Non-positive n is ignored.
func (c *Counter) Add(n int) {
	if n > 0 {
		c.n.Add(uint64(n))
	}
}

func (c *Counter) Value() uint64 { return c.n.Load() }

// Gauge holds the last value set.
type Gauge struct {
	bits atomic.Uint64
}

func (g *Gauge) Set(v float64) { g.bits.Store(math.Float64bits(v)) }

func (g *Gauge) Value() float64 { return math.Float64frombits(g.bits.Load()) }

// Histogram counts observations per bucket. counts[i] holds values in
// (bounds[i-1], bounds[i]]; counts[len(bounds)] holds the overflow.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []uint64
	sum    float64
	total  uint64
}

func newHistogram(bounds []float64) *Histogram {
	b := append([]float64(nil), bounds...)
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]uint64, len(b)+1)}
}

func (h *Histogram) Observe(v float64) {
	i := sort.SearchFloat64s(h.bounds, v)
	h.mu.Lock()
	h.counts[i]++
	h.sum += v
	h.total++
	h.mu.Unlock()
}

func (h *Histogram) Count() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}

func (h *Histogram) Sum() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sum
}

// cumulative returns the running count at each bound, then the total.
func (h *Histogram) cumulative() (bounds []float64, cum []uint64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum = make([]uint64, len(h.counts))
	var run uint64
	for i, n := range h.counts {
		run += n
		cum[i] = run
	}
	return h.bounds, cum, h.sum
}

// Registry holds metrics by name and remembers registration order.
type Registry struct {
	mu         sync.RWMutex
	defs       []Def
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

func NewRegistry() *Registry {
	return &Registry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// PulseMetrics returns a registry holding PulseSet.
func PulseMetrics() *Registry {
	r := NewRegistry()
	for _, d := range PulseSet {
		r.Register(d)
	}
	return r
}

// Register adds d. Registering a name twice keeps the first definition.
func (r *Registry) Register(d Def) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.has(d.Name) {
		return
	}
	switch d.Kind {
	case KindCounter:
		r.counters[d.Name] = &Counter{}
	case KindGauge:
		r.gauges[d.Name] = &Gauge{}
	case KindHistogram:
		r.histograms[d.Name] = newHistogram(d.Buckets)
	default:
		return
	}
	r.defs = append(r.defs, d)
}

func (r *Registry) has(name string) bool {
	_, c := r.counters[name]
	_, g := r.gauges[name]
	_, h := r.histograms[name]
	return c || g || h
}

// GetCounter returns the named counter or nil.
func (r *Registry) GetCounter(name string) *Counter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// GetGauge returns the named gauge or nil.
func (r *Registry) GetGauge(name string) *Gauge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gauges[name]
}

// GetHistogram returns the named histogram or nil.
func (r *Registry) GetHistogram(name string) *Histogram {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.histograms[name]
}

// Defs returns the registered definitions in registration order.
func (r *Registry) Defs() []Def {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Def(nil), r.defs...)
}
