package scanner

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pulse/internal/solana"
)

// ---------------------------------------------------------------------------
// Snapshot sanitizer: drops malformed or excluded feed entries before
// they reach the history store. No network calls.
// ---------------------------------------------------------------------------

// USDTMint is excluded alongside SOL and USDC.
const USDTMint solana.Pubkey = "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB"

// SanitizerConfig configures the sanitizer.
type SanitizerConfig struct {
	// Mints never traded.
	Denylist []string `yaml:"denylist"`

	// Snapshots with a price at or below this are dropped.
	MinPriceUSD float64 `yaml:"min_price_usd"`

	// Reject symbols matching known scam patterns.
	CheckSymbols bool `yaml:"check_symbols"`
}

// DefaultSanitizerConfig returns production defaults.
func DefaultSanitizerConfig() SanitizerConfig {
	return SanitizerConfig{
		MinPriceUSD:  0,
		CheckSymbols: true,
	}
}

// SanitizerResult is the outcome of one check.
type SanitizerResult struct {
	Passed    bool   `json:"passed"`
	Reason    string `json:"reason,omitempty"`
	Filter    string `json:"filter,omitempty"`
	LatencyUs int64  `json:"latency_us"`
}

// Sanitizer validates feed snapshots.
type Sanitizer struct {
	config SanitizerConfig

	mu       sync.RWMutex
	denylist map[solana.Pubkey]bool

	totalChecked atomic.Int64
	totalPassed  atomic.Int64
	totalDropped atomic.Int64
	filterCounts sync.Map // filter -> *atomic.Int64
}

// NewSanitizer creates a sanitizer.
func NewSanitizer(config SanitizerConfig) *Sanitizer {
	s := &Sanitizer{
		config:   config,
		denylist: make(map[solana.Pubkey]bool),
	}
	s.AddDenylist(config.Denylist)
	return s
}

// AddDenylist adds mints to the denylist.
func (s *Sanitizer) AddDenylist(mints []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mints {
		if m = strings.TrimSpace(m); m != "" {
			s.denylist[solana.Pubkey(m)] = true
		}
	}
}

var excludedMints = map[solana.Pubkey]bool{
	solana.SOLMint:  true,
	solana.USDCMint: true,
	USDTMint:        true,
}

var scamSymbolPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(honeypot|rugpull|scam)`),
	regexp.MustCompile(`(?i)^(test|fake)$`),
	regexp.MustCompile(`(?i)^(free|airdrop|claim)`),
}

// Check validates one snapshot.
func (s *Sanitizer) Check(snap Snapshot) SanitizerResult {
	start := time.Now()
	s.totalChecked.Add(1)

	r := s.check(snap)
	r.LatencyUs = time.Since(start).Microseconds()
	if r.Passed {
		s.totalPassed.Add(1)
	} else {
		s.recordDrop(r.Filter)
	}
	return r
}

func (s *Sanitizer) check(snap Snapshot) SanitizerResult {
	if err := ValidateMint(snap.Mint); err != nil {
		return SanitizerResult{Reason: err.Error(), Filter: "mint_format"}
	}
	if excludedMints[snap.Mint] {
		return SanitizerResult{Reason: "quote asset", Filter: "excluded"}
	}

	s.mu.RLock()
	denied := s.denylist[snap.Mint]
	s.mu.RUnlock()
	if denied {
		return SanitizerResult{Reason: "mint is denylisted", Filter: "denylist"}
	}

	clean := snap.Sanitized()
	if clean.PriceUSD <= s.config.MinPriceUSD {
		return SanitizerResult{
			Reason: fmt.Sprintf("price %.3g at or below %.3g", snap.PriceUSD, s.config.MinPriceUSD),
			Filter: "price",
		}
	}

	if s.config.CheckSymbols && snap.Symbol != "" {
		for _, p := range scamSymbolPatterns {
			if p.MatchString(snap.Symbol) {
				return SanitizerResult{Reason: "symbol matches " + p.String(), Filter: "symbol"}
			}
		}
	}
	return SanitizerResult{Passed: true}
}

// Filter returns the snapshots that pass, dropping duplicate mints after
// the first occurrence.
func (s *Sanitizer) Filter(snaps []Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(snaps))
	seen := make(map[solana.Pubkey]bool, len(snaps))
	for _, snap := range snaps {
		if seen[snap.Mint] {
			s.recordDrop("duplicate")
			continue
		}
		if r := s.Check(snap); !r.Passed {
			continue
		}
		seen[snap.Mint] = true
		out = append(out, snap)
	}
	return out
}

// ValidateMint checks that mint is a base58 encoded 32-byte key.
func ValidateMint(mint solana.Pubkey) error {
	if mint == "" {
		return fmt.Errorf("empty mint")
	}
	raw, err := base58.Decode(string(mint))
	if err != nil {
		return fmt.Errorf("mint %q: %w", mint, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("mint %q decodes to %d bytes", mint, len(raw))
	}
	return nil
}

func (s *Sanitizer) recordDrop(filterName string) {
	s.totalDropped.Add(1)
	val, _ := s.filterCounts.LoadOrStore(filterName, &atomic.Int64{})
	val.(*atomic.Int64).Add(1)
	log.Debug().Str("filter", filterName).Msg("sanitizer: snapshot dropped")
}

// SanitizerStats returns sanitizer statistics.
type SanitizerStats struct {
	TotalChecked int64            `json:"total_checked"`
	TotalPassed  int64            `json:"total_passed"`
	TotalDropped int64            `json:"total_dropped"`
	PassRate     float64          `json:"pass_rate_pct"`
	FilterCounts map[string]int64 `json:"filter_counts"`
}

func (s *Sanitizer) Stats() SanitizerStats {
	checked := s.totalChecked.Load()
	passed := s.totalPassed.Load()
	passRate := 0.0
	if checked > 0 {
		passRate = float64(passed) / float64(checked) * 100
	}

	counts := make(map[string]int64)
	s.filterCounts.Range(func(key, value any) bool {
		counts[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})

	return SanitizerStats{
		TotalChecked: checked,
		TotalPassed:  passed,
		TotalDropped: s.totalDropped.Load(),
		PassRate:     passRate,
		FilterCounts: counts,
	}
}
