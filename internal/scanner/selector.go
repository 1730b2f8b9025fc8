package scanner

import (
	"github.com/nexus-trading/pulse/internal/solana"
)

// SelectorConfig configures candidate selection.
type SelectorConfig struct {
	// A challenger replaces the leader only when its score exceeds the
	// leader's by this fraction.
	LeaderMargin float64 `yaml:"leader_margin"`
}

// DefaultSelectorConfig returns defaults.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{LeaderMargin: 0.15}
}

// Selector ranks candidates and picks a leader with hysteresis. It is
// stateless; the caller owns the incumbent.
type Selector struct {
	config SelectorConfig
}

// NewSelector creates a selector.
func NewSelector(config SelectorConfig) *Selector {
	if config.LeaderMargin < 0 {
		config.LeaderMargin = DefaultSelectorConfig().LeaderMargin
	}
	return &Selector{config: config}
}

// TopK returns up to k candidates with a positive score, best first. Ties
// break on mint for a stable order.
func (s *Selector) TopK(cands []Candidate, k int) []Candidate {
	if k <= 0 {
		return nil
	}
	out := make([]Candidate, 0, len(cands))
	for _, c := range cands {
		if c.Score > 0 {
			out = append(out, c)
		}
	}
	sortCandidates(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

// Leader returns the candidate to trade. The incumbent is kept unless a
// challenger beats it by the margin or it no longer scores. ok is false
// when no candidate scores above zero.
func (s *Selector) Leader(cands []Candidate, incumbent solana.Pubkey) (leader Candidate, ok bool) {
	top := s.TopK(cands, len(cands))
	if len(top) == 0 {
		return Candidate{}, false
	}
	if incumbent == "" {
		return top[0], true
	}

	var inc Candidate
	found := false
	for _, c := range top {
		if c.Mint == incumbent {
			inc, found = c, true
			break
		}
	}
	if !found {
		return top[0], true
	}
	if top[0].Mint != incumbent && top[0].Score > inc.Score*(1+s.config.LeaderMargin) {
		return top[0], true
	}
	return inc, true
}
