package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/nexus-trading/pulse/internal/scanner"
	"github.com/nexus-trading/pulse/internal/solana"
)

// ---------------------------------------------------------------------------
// DexScreener snapshot feed
// https://docs.dexscreener.com/api/reference
// ---------------------------------------------------------------------------

// maxTokensPerRequest is the address limit of /latest/dex/tokens.
const maxTokensPerRequest = 30

// FeedConfig configures the snapshot feed.
type FeedConfig struct {
	BaseURL       string        `yaml:"base_url"`
	ChainID       string        `yaml:"chain_id"`
	SearchQueries []string      `yaml:"search_queries"` // discovery queries for /latest/dex/search
	Watchlist     []string      `yaml:"watchlist"`      // mints always polled
	PollInterval  time.Duration `yaml:"poll_interval"`
	MinGap        time.Duration `yaml:"min_gap"` // spacing between HTTP requests
	Timeout       time.Duration `yaml:"timeout"`
}

// DefaultFeedConfig returns defaults for the public API.
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		BaseURL:       "https://api.dexscreener.com",
		ChainID:       "solana",
		SearchQueries: []string{"SOL"},
		PollInterval:  15 * time.Second,
		MinGap:        250 * time.Millisecond,
		Timeout:       10 * time.Second,
	}
}

// Handler receives each sanitized batch.
type Handler func(ctx context.Context, snaps []scanner.Snapshot, at time.Time)

// Feed polls DexScreener and converts pairs into snapshots.
type Feed struct {
	config    FeedConfig
	client    *http.Client
	limiter   *rate.Limiter
	sanitizer *scanner.Sanitizer

	mu      sync.RWMutex
	watched map[solana.Pubkey]bool

	polls     atomic.Int64
	errors    atomic.Int64
	snapshots atomic.Int64
	lastPoll  atomic.Int64 // unix ms
}

// NewFeed creates a feed. sanitizer may be nil.
func NewFeed(config FeedConfig, sanitizer *scanner.Sanitizer) *Feed {
	def := DefaultFeedConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.ChainID == "" {
		config.ChainID = def.ChainID
	}
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	limit := rate.Inf
	if config.MinGap > 0 {
		limit = rate.Every(config.MinGap)
	}
	f := &Feed{
		config:    config,
		client:    &http.Client{Timeout: config.Timeout},
		limiter:   rate.NewLimiter(limit, 1),
		sanitizer: sanitizer,
		watched:   make(map[solana.Pubkey]bool),
	}
	for _, m := range config.Watchlist {
		f.watched[solana.Pubkey(m)] = true
	}
	return f
}

// Watch adds mints that must be polled every cycle, typically held
// positions that dropped out of discovery results.
func (f *Feed) Watch(mints ...solana.Pubkey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range mints {
		if m != "" {
			f.watched[m] = true
		}
	}
}

// Unwatch removes a mint from the watchlist.
func (f *Feed) Unwatch(mint solana.Pubkey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.watched, mint)
}

func (f *Feed) watchlist() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.watched))
	for m := range f.watched {
		out = append(out, string(m))
	}
	sort.Strings(out)
	return out
}

// Run polls every PollInterval and hands each batch to handler until ctx
// is cancelled. Poll failures are logged and retried on the next cycle.
func (f *Feed) Run(ctx context.Context, handler Handler) error {
	ticker := time.NewTicker(f.config.PollInterval)
	defer ticker.Stop()

	log.Info().
		Dur("interval", f.config.PollInterval).
		Int("queries", len(f.config.SearchQueries)).
		Msg("feed: started")

	for {
		snaps, err := f.Poll(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("feed: poll failed")
		}
		if len(snaps) > 0 {
			handler(ctx, snaps, time.Now())
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("feed: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one discovery and watchlist cycle. Partial results are
// returned together with the first error.
func (f *Feed) Poll(ctx context.Context) ([]scanner.Snapshot, error) {
	f.polls.Add(1)
	f.lastPoll.Store(time.Now().UnixMilli())

	var pairs []dexPair
	var firstErr error
	keep := func(p []dexPair, err error) {
		if err != nil {
			f.errors.Add(1)
			if firstErr == nil {
				firstErr = err
			}
			return
		}
		pairs = append(pairs, p...)
	}

	for _, q := range f.config.SearchQueries {
		keep(f.fetch(ctx, "/latest/dex/search?q="+url.QueryEscape(q)))
	}
	watch := f.watchlist()
	for i := 0; i < len(watch); i += maxTokensPerRequest {
		end := min(i+maxTokensPerRequest, len(watch))
		keep(f.fetch(ctx, "/latest/dex/tokens/"+strings.Join(watch[i:end], ",")))
	}

	snaps := toSnapshots(pairs, f.config.ChainID)
	if f.sanitizer != nil {
		snaps = f.sanitizer.Filter(snaps)
	}
	f.snapshots.Add(int64(len(snaps)))
	return snaps, firstErr
}

func (f *Feed) fetch(ctx context.Context, path string) ([]dexPair, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.config.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("feed: GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("feed: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed: GET %s: status %d: %s", path, resp.StatusCode, truncate(string(body), 200))
	}

	var out dexResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("feed: decode %s: %w", path, err)
	}
	return out.Pairs, nil
}

// ---------------------------------------------------------------------------
// Wire types
// ---------------------------------------------------------------------------

type dexResponse struct {
	Pairs []dexPair `json:"pairs"`
}

type dexPair struct {
	ChainID     string        `json:"chainId"`
	PairAddress string        `json:"pairAddress"`
	BaseToken   dexToken      `json:"baseToken"`
	QuoteToken  dexToken      `json:"quoteToken"`
	PriceUsd    string        `json:"priceUsd"`
	Txns        dexTxns       `json:"txns"`
	Volume      dexWindows    `json:"volume"`
	PriceChange dexWindows    `json:"priceChange"`
	Liquidity   *dexLiquidity `json:"liquidity"`
}

type dexToken struct {
	Address string `json:"address"`
	Symbol  string `json:"symbol"`
}

type dexTxns struct {
	M5  dexBuysSells `json:"m5"`
	H1  dexBuysSells `json:"h1"`
	H24 dexBuysSells `json:"h24"`
}

type dexBuysSells struct {
	Buys  int `json:"buys"`
	Sells int `json:"sells"`
}

type dexWindows struct {
	M5  float64 `json:"m5"`
	H1  float64 `json:"h1"`
	H6  float64 `json:"h6"`
	H24 float64 `json:"h24"`
}

type dexLiquidity struct {
	Usd float64 `json:"usd"`
}

// toSnapshots converts pairs into one snapshot per base mint, keeping the
// deepest pair on chainID. Pairs whose base is a quote asset are skipped.
func toSnapshots(pairs []dexPair, chainID string) []scanner.Snapshot {
	best := make(map[solana.Pubkey]scanner.Snapshot)
	for _, p := range pairs {
		if p.ChainID != chainID || p.BaseToken.Address == "" {
			continue
		}
		mint := solana.Pubkey(p.BaseToken.Address)
		if mint == solana.SOLMint || mint == solana.USDCMint {
			continue
		}
		s := pairSnapshot(p)
		if cur, ok := best[mint]; ok && cur.LiquidityUSD >= s.LiquidityUSD {
			continue
		}
		best[mint] = s
	}

	out := make([]scanner.Snapshot, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mint < out[j].Mint })
	return out
}

func pairSnapshot(p dexPair) scanner.Snapshot {
	price, _ := strconv.ParseFloat(p.PriceUsd, 64)
	liq := 0.0
	if p.Liquidity != nil {
		liq = p.Liquidity.Usd
	}
	ratio := 0.5
	if total := p.Txns.H24.Buys + p.Txns.H24.Sells; total > 0 {
		ratio = float64(p.Txns.H24.Buys) / float64(total)
	}
	return scanner.Snapshot{
		Mint:            solana.Pubkey(p.BaseToken.Address),
		Symbol:          p.BaseToken.Symbol,
		PriceUSD:        price,
		LiquidityUSD:    liq,
		Change5m:        p.PriceChange.M5,
		Change1h:        p.PriceChange.H1,
		Change6h:        p.PriceChange.H6,
		Change24h:       p.PriceChange.H24,
		Volume5m:        p.Volume.M5,
		Volume1h:        p.Volume.H1,
		Volume6h:        p.Volume.H6,
		BuySellRatio24h: ratio,
	}.Sanitized()
}

// FeedStats is a point-in-time view of feed counters.
type FeedStats struct {
	Polls     int64     `json:"polls"`
	Errors    int64     `json:"errors"`
	Snapshots int64     `json:"snapshots"`
	Watched   int       `json:"watched"`
	LastPoll  time.Time `json:"last_poll"`
}

func (f *Feed) Stats() FeedStats {
	f.mu.RLock()
	watched := len(f.watched)
	f.mu.RUnlock()
	var last time.Time
	if ms := f.lastPoll.Load(); ms > 0 {
		last = time.UnixMilli(ms)
	}
	return FeedStats{
		Polls:     f.polls.Load(),
		Errors:    f.errors.Load(),
		Snapshots: f.snapshots.Load(),
		Watched:   watched,
		LastPoll:  last,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
