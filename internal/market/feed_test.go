package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pulse/internal/scanner"
	"github.com/nexus-trading/pulse/internal/solana"
)

const (
	mintBonk = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	mintJup  = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
)

const searchBody = `{"pairs":[
 {"chainId":"solana","pairAddress":"p1","baseToken":{"address":"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263","symbol":"BONK"},
  "quoteToken":{"address":"So11111111111111111111111111111111111111112","symbol":"SOL"},
  "priceUsd":"0.00002","txns":{"h24":{"buys":60,"sells":40}},
  "volume":{"m5":1000,"h1":12000,"h6":50000,"h24":90000},
  "priceChange":{"m5":2.5,"h1":8,"h6":-3,"h24":12},"liquidity":{"usd":400000}},
 {"chainId":"solana","pairAddress":"p2","baseToken":{"address":"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263","symbol":"BONK"},
  "quoteToken":{"address":"EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v","symbol":"USDC"},
  "priceUsd":"0.000021","liquidity":{"usd":9000}},
 {"chainId":"ethereum","pairAddress":"p3","baseToken":{"address":"0xabc","symbol":"X"},"priceUsd":"1"},
 {"chainId":"solana","pairAddress":"p4","baseToken":{"address":"So11111111111111111111111111111111111111112","symbol":"SOL"},"priceUsd":"150","liquidity":{"usd":1000000}}
]}`

const tokensBody = `{"pairs":[
 {"chainId":"solana","pairAddress":"p5","baseToken":{"address":"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN","symbol":"JUP"},
  "priceUsd":"0.8","liquidity":{"usd":2000000},"volume":{"h1":500000}}
]}`

func newFeedServer(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch {
		case strings.HasPrefix(r.URL.Path, "/latest/dex/search"):
			assert.Equal(t, "bonk", r.URL.Query().Get("q"))
			w.Write([]byte(searchBody))
		case strings.HasPrefix(r.URL.Path, "/latest/dex/tokens/"):
			assert.Equal(t, "/latest/dex/tokens/"+mintJup, r.URL.Path)
			w.Write([]byte(tokensBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestFeed_PollConvertsPairs(t *testing.T) {
	var hits atomic.Int64
	srv := newFeedServer(t, &hits)
	defer srv.Close()

	f := NewFeed(FeedConfig{BaseURL: srv.URL, SearchQueries: []string{"bonk"}}, nil)
	f.Watch(mintJup)

	snaps, err := f.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(2), hits.Load())

	bonk := snaps[0]
	assert.Equal(t, solana.Pubkey(mintBonk), bonk.Mint)
	assert.Equal(t, "BONK", bonk.Symbol)
	assert.InDelta(t, 0.00002, bonk.PriceUSD, 1e-12)
	assert.Equal(t, 400000.0, bonk.LiquidityUSD, "deepest pair wins")
	assert.InDelta(t, 0.6, bonk.BuySellRatio24h, 1e-9)
	assert.Equal(t, 2.5, bonk.Change5m)
	assert.Equal(t, 12000.0, bonk.Volume1h)

	jup := snaps[1]
	assert.Equal(t, solana.Pubkey(mintJup), jup.Mint)
	assert.Equal(t, 0.5, jup.BuySellRatio24h, "no trades means neutral pressure")

	stats := f.Stats()
	assert.Equal(t, int64(1), stats.Polls)
	assert.Equal(t, int64(2), stats.Snapshots)
	assert.Equal(t, 1, stats.Watched)
}

func TestFeed_PollAppliesSanitizer(t *testing.T) {
	var hits atomic.Int64
	srv := newFeedServer(t, &hits)
	defer srv.Close()

	san := scanner.NewSanitizer(scanner.SanitizerConfig{Denylist: []string{mintBonk}})
	f := NewFeed(FeedConfig{BaseURL: srv.URL, SearchQueries: []string{"bonk"}}, san)

	snaps, err := f.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.Equal(t, int64(1), san.Stats().FilterCounts["denylist"])
}

func TestFeed_PollReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewFeed(FeedConfig{BaseURL: srv.URL, SearchQueries: []string{"a"}}, nil)
	snaps, err := f.Poll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Empty(t, snaps)
	assert.Equal(t, int64(1), f.Stats().Errors)
}

func TestFeed_WatchlistChunks(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.Write([]byte(`{"pairs":[]}`))
	}))
	defer srv.Close()

	f := NewFeed(FeedConfig{BaseURL: srv.URL}, nil)
	f.config.SearchQueries = nil
	for i := 0; i < maxTokensPerRequest+5; i++ {
		f.Watch(solana.Pubkey("mint" + string(rune('A'+i))))
	}

	_, err := f.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 2)
	assert.Equal(t, maxTokensPerRequest, strings.Count(paths[0], ",")+1)
	assert.Equal(t, 5, strings.Count(paths[1], ",")+1)

	f.Unwatch("mintA")
	assert.Equal(t, maxTokensPerRequest+4, f.Stats().Watched)
}

func TestFeed_RunDeliversBatches(t *testing.T) {
	var hits atomic.Int64
	srv := newFeedServer(t, &hits)
	defer srv.Close()

	f := NewFeed(FeedConfig{
		BaseURL:       srv.URL,
		SearchQueries: []string{"bonk"},
		PollInterval:  20 * time.Millisecond,
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	batches := make(chan int, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.Run(ctx, func(_ context.Context, snaps []scanner.Snapshot, _ time.Time) {
			batches <- len(snaps)
		})
	}()

	for i := 0; i < 2; i++ {
		select {
		case n := <-batches:
			assert.Equal(t, 1, n)
		case <-time.After(2 * time.Second):
			t.Fatal("no batch delivered")
		}
	}
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
