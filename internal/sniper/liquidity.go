package sniper

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pulse/internal/solana"
)

// ---------------------------------------------------------------------------
// Safety Monitor: liquidity health and rug signals for held mints
// ---------------------------------------------------------------------------

// SafetyConfig configures the safety monitor.
type SafetyConfig struct {
	LiquidityDropWarnPct float64 `yaml:"liquidity_drop_warn_pct"` // warn once if liq drops > this % from entry
	// Observations older than this are ignored when valuing a position.
	StaleAfter time.Duration `yaml:"stale_after"`
}

// DefaultSafetyConfig returns the production safety configuration.
func DefaultSafetyConfig() SafetyConfig {
	return SafetyConfig{
		LiquidityDropWarnPct: 30,
		StaleAfter:           5 * time.Minute,
	}
}

// Signals is the latest safety view of one mint.
type Signals struct {
	LiquidityUSD float64   `json:"liquidity_usd"`
	RugSeverity  float64   `json:"rug_severity"`
	ObservedAt   time.Time `json:"observed_at"`
}

// SafetyMonitor keeps the last liquidity and rug reading per mint. It is
// fed by ingestion and read by exit evaluation.
type SafetyMonitor struct {
	config SafetyConfig

	mu        sync.Mutex
	latest    map[solana.Pubkey]Signals
	entry     map[solana.Pubkey]float64
	warned    map[solana.Pubkey]bool
	onWarning func(mint solana.Pubkey, dropPct float64)
}

// NewSafetyMonitor creates a monitor.
func NewSafetyMonitor(config SafetyConfig) *SafetyMonitor {
	def := DefaultSafetyConfig()
	if config.LiquidityDropWarnPct <= 0 {
		config.LiquidityDropWarnPct = def.LiquidityDropWarnPct
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = def.StaleAfter
	}
	return &SafetyMonitor{
		config: config,
		latest: make(map[solana.Pubkey]Signals),
		entry:  make(map[solana.Pubkey]float64),
		warned: make(map[solana.Pubkey]bool),
	}
}

// SetOnWarning sets the callback fired once per held mint when liquidity
// first falls past the warning threshold.
func (m *SafetyMonitor) SetOnWarning(fn func(mint solana.Pubkey, dropPct float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onWarning = fn
}

// Track starts watching mint against its entry liquidity.
func (m *SafetyMonitor) Track(mint solana.Pubkey, entryLiquidityUSD float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entry[mint]; !ok {
		m.entry[mint] = entryLiquidityUSD
	}
}

// Untrack stops watching mint and resets its warning.
func (m *SafetyMonitor) Untrack(mint solana.Pubkey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entry, mint)
	delete(m.warned, mint)
}

// Observe records a reading for mint.
func (m *SafetyMonitor) Observe(mint solana.Pubkey, liquidityUSD, rugSeverity float64, now time.Time) {
	m.mu.Lock()
	m.latest[mint] = Signals{LiquidityUSD: liquidityUSD, RugSeverity: rugSeverity, ObservedAt: now}

	entry, tracked := m.entry[mint]
	drop := liquidityDropPct(entry, liquidityUSD)
	warn := tracked && !m.warned[mint] && drop >= m.config.LiquidityDropWarnPct
	if warn {
		m.warned[mint] = true
	}
	fire := m.onWarning
	m.mu.Unlock()

	if !warn {
		return
	}
	log.Warn().
		Str("mint", shortMint(mint)).
		Float64("entry_liq", entry).
		Float64("liq", liquidityUSD).
		Float64("drop_pct", drop).
		Msg("sniper: liquidity falling")
	if fire != nil {
		fire(mint, drop)
	}
}

// Signals returns the latest fresh reading for mint.
func (m *SafetyMonitor) Signals(mint solana.Pubkey, now time.Time) (Signals, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.latest[mint]
	if !ok || now.Sub(s.ObservedAt) > m.config.StaleAfter {
		return Signals{}, false
	}
	return s, true
}

// Forget drops readings for mints not in keep.
func (m *SafetyMonitor) Forget(keep map[solana.Pubkey]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for mint := range m.latest {
		if !keep[mint] {
			delete(m.latest, mint)
		}
	}
}
