package scanner

import (
	"sort"
	"sync"
	"time"

	"github.com/nexus-trading/pulse/internal/solana"
)

// HistoryConfig bounds the retained snapshot history.
type HistoryConfig struct {
	MaxPerAsset int           `yaml:"max_per_asset"` // records kept per mint
	Lookback    time.Duration `yaml:"lookback"`      // records older than this are pruned
	GlobalCap   int           `yaml:"global_cap"`    // total records across all mints
}

// DefaultHistoryConfig returns defaults.
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		MaxPerAsset: 120,
		Lookback:    3 * time.Hour,
		GlobalCap:   20_000,
	}
}

// HistoryStore keeps a capped, time-ordered series of records per mint.
// Safe for concurrent use.
type HistoryStore struct {
	config HistoryConfig

	mu     sync.RWMutex
	series map[solana.Pubkey][]Record
	total  int
}

// NewHistoryStore creates an empty store.
func NewHistoryStore(config HistoryConfig) *HistoryStore {
	def := DefaultHistoryConfig()
	if config.MaxPerAsset <= 0 {
		config.MaxPerAsset = def.MaxPerAsset
	}
	if config.Lookback <= 0 {
		config.Lookback = def.Lookback
	}
	if config.GlobalCap <= 0 {
		config.GlobalCap = def.GlobalCap
	}
	return &HistoryStore{
		config: config,
		series: make(map[solana.Pubkey][]Record),
	}
}

// Append adds a snapshot observed at at. Snapshots older than the mint's
// latest record are ignored so each series stays time ordered.
func (h *HistoryStore) Append(s Snapshot, at time.Time) bool {
	if s.Mint == "" {
		return false
	}
	s = s.Sanitized()

	h.mu.Lock()
	defer h.mu.Unlock()

	recs := h.series[s.Mint]
	if n := len(recs); n > 0 && at.Before(recs[n-1].At) {
		return false
	}
	recs = append(recs, Record{At: at, Snapshot: s})
	h.total++
	if over := len(recs) - h.config.MaxPerAsset; over > 0 {
		recs = append([]Record(nil), recs[over:]...)
		h.total -= over
	}
	h.series[s.Mint] = recs
	h.enforceGlobalCap()
	return true
}

// enforceGlobalCap evicts the globally oldest records. Caller holds mu.
func (h *HistoryStore) enforceGlobalCap() {
	for h.total > h.config.GlobalCap {
		var oldestMint solana.Pubkey
		var oldest time.Time
		for mint, recs := range h.series {
			if len(recs) == 0 {
				continue
			}
			if oldestMint == "" || recs[0].At.Before(oldest) || (recs[0].At.Equal(oldest) && mint < oldestMint) {
				oldestMint, oldest = mint, recs[0].At
			}
		}
		if oldestMint == "" {
			return
		}
		recs := h.series[oldestMint][1:]
		if len(recs) == 0 {
			delete(h.series, oldestMint)
		} else {
			h.series[oldestMint] = recs
		}
		h.total--
	}
}

// Prune drops records older than the lookback window and returns how many
// were removed.
func (h *HistoryStore) Prune(now time.Time) int {
	cutoff := now.Add(-h.config.Lookback)

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for mint, recs := range h.series {
		i := sort.Search(len(recs), func(i int) bool { return !recs[i].At.Before(cutoff) })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(recs) {
			delete(h.series, mint)
			continue
		}
		h.series[mint] = append([]Record(nil), recs[i:]...)
	}
	h.total -= removed
	return removed
}

// History returns a copy of the mint's records, oldest first.
func (h *HistoryStore) History(mint solana.Pubkey) []Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	recs := h.series[mint]
	out := make([]Record, len(recs))
	copy(out, recs)
	return out
}

// Latest returns the most recent record for mint.
func (h *HistoryStore) Latest(mint solana.Pubkey) (Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	recs := h.series[mint]
	if len(recs) == 0 {
		return Record{}, false
	}
	return recs[len(recs)-1], true
}

// Mints returns the tracked mints in lexical order.
func (h *HistoryStore) Mints() []solana.Pubkey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]solana.Pubkey, 0, len(h.series))
	for m := range h.series {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len returns the total number of retained records.
func (h *HistoryStore) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// Export copies the whole store for persistence.
func (h *HistoryStore) Export() map[solana.Pubkey][]Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[solana.Pubkey][]Record, len(h.series))
	for m, recs := range h.series {
		cp := make([]Record, len(recs))
		copy(cp, recs)
		out[m] = cp
	}
	return out
}

// Import replaces the store contents. Records are re-sorted and the caps
// re-applied, so a hand-edited or older document cannot break invariants.
func (h *HistoryStore) Import(data map[solana.Pubkey][]Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.series = make(map[solana.Pubkey][]Record, len(data))
	h.total = 0
	for mint, recs := range data {
		if mint == "" || len(recs) == 0 {
			continue
		}
		cp := make([]Record, 0, len(recs))
		for _, r := range recs {
			r.Mint = mint
			r.Snapshot = r.Snapshot.Sanitized()
			cp = append(cp, r)
		}
		sort.SliceStable(cp, func(i, j int) bool { return cp[i].At.Before(cp[j].At) })
		if over := len(cp) - h.config.MaxPerAsset; over > 0 {
			cp = cp[over:]
		}
		h.series[mint] = cp
		h.total += len(cp)
	}
	h.enforceGlobalCap()
}
