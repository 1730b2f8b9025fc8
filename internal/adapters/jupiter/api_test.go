package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexus-trading/pulse/internal/solana"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

const (
	testMint solana.Pubkey = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	testUser solana.Pubkey = "HN7cABqLq46Es1jh92dQQisAq662SmxELLLsHHe4YWrH"
)

func quoteBody(out string, hops int) map[string]any {
	plan := make([]any, 0, hops)
	for i := 0; i < hops; i++ {
		plan = append(plan, map[string]any{
			"percent":  100,
			"swapInfo": map[string]any{"ammKey": "amm", "label": "Raydium"},
		})
	}
	return map[string]any{
		"inputMint":            string(solana.SOLMint),
		"outputMint":           string(testMint),
		"inAmount":             "100000000",
		"outAmount":            out,
		"otherAmountThreshold": "99000",
		"priceImpactPct":       "0.0125",
		"slippageBps":          100,
		"routePlan":            plan,
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *APIClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewAPIClient(Config{
		BaseURL:     server.URL,
		Timeout:     5 * time.Second,
		CacheTTL:    2 * time.Second,
		MaxRetries:  2,
		BackoffBase: 5 * time.Millisecond,
	})
}

func TestQuote_ParsesAndCaches(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/quote", r.URL.Path)
		assert.Equal(t, "100000000", r.URL.Query().Get("amount"))
		assert.Equal(t, "150", r.URL.Query().Get("slippageBps"))
		json.NewEncoder(w).Encode(quoteBody("100000", 2))
	})

	q, err := client.Quote(context.Background(), solana.SOLMint, testMint, 100_000_000, 150, QuoteOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000_000), q.InAmount)
	assert.Equal(t, uint64(100_000), q.OutAmount)
	assert.Equal(t, 2, q.RouteHops)
	assert.InDelta(t, 1.25, q.PriceImpactPct, 1e-9)
	assert.True(t, q.Actionable())
	assert.NotEmpty(t, q.Raw)

	_, err = client.Quote(context.Background(), solana.SOLMint, testMint, 100_000_000, 150, QuoteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load(), "second identical quote served from cache")
	assert.Equal(t, int64(1), client.APIStats().CacheHits)

	// Different options are a different cache key.
	_, err = client.Quote(context.Background(), solana.SOLMint, testMint, 100_000_000, 150, QuoteOptions{AsLegacy: true})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQuote_CacheExpires(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(quoteBody("100000", 1))
	})
	now := time.Now()
	client.now = func() time.Time { return now }

	_, err := client.Quote(context.Background(), solana.SOLMint, testMint, 1000, 100, QuoteOptions{})
	require.NoError(t, err)
	now = now.Add(3 * time.Second)
	_, err = client.Quote(context.Background(), solana.SOLMint, testMint, 1000, 100, QuoteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQuote_InFlightDeduplication(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(quoteBody("5000", 1))
	})

	var wg sync.WaitGroup
	results := make([]*Quote, 5)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q, err := client.Quote(context.Background(), solana.SOLMint, testMint, 42, 100, QuoteOptions{})
			assert.NoError(t, err)
			results[i] = q
		}(i)
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, q := range results {
		require.NotNil(t, q)
		assert.Equal(t, uint64(5000), q.OutAmount)
	}
}

func TestQuote_SharedFetchOutlivesFirstCaller(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		json.NewEncoder(w).Encode(quoteBody("5000", 1))
	})

	short, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	firstErr := make(chan error, 1)
	go func() {
		_, err := client.Quote(short, solana.SOLMint, testMint, 42, 100, QuoteOptions{})
		firstErr <- err
	}()
	time.Sleep(10 * time.Millisecond)

	second := make(chan *Quote, 1)
	go func() {
		q, err := client.Quote(context.Background(), solana.SOLMint, testMint, 42, 100, QuoteOptions{})
		assert.NoError(t, err)
		second <- q
	}()

	assert.ErrorIs(t, <-firstErr, context.DeadlineExceeded)
	close(release)

	q := <-second
	require.NotNil(t, q)
	assert.Equal(t, uint64(5000), q.OutAmount)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuote_RetriesOn429(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		json.NewEncoder(w).Encode(quoteBody("100", 1))
	})

	q, err := client.Quote(context.Background(), solana.SOLMint, testMint, 10, 100, QuoteOptions{})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), q.OutAmount)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int64(1), client.APIStats().RateLimited)
}

func TestQuote_RetriesOnRateLimit400(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"Rate limit exceeded, slow down"}`))
			return
		}
		json.NewEncoder(w).Encode(quoteBody("100", 1))
	})

	_, err := client.Quote(context.Background(), solana.SOLMint, testMint, 10, 100, QuoteOptions{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQuote_RateLimitExhausted(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Quote(context.Background(), solana.SOLMint, testMint, 10, 100, QuoteOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	assert.False(t, IsRouteUnavailable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestQuote_NoRouteIsTerminal(t *testing.T) {
	var calls atomic.Int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Could not find any route","errorCode":"COULD_NOT_FIND_ANY_ROUTE"}`))
	})

	_, err := client.Quote(context.Background(), testMint, solana.SOLMint, 10, 100, QuoteOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoRoute))
	assert.True(t, IsRouteUnavailable(err))
	assert.Equal(t, int32(1), calls.Load(), "no-route is not retried")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "COULD_NOT_FIND_ANY_ROUTE", apiErr.Code)
	assert.Equal(t, int64(1), client.APIStats().NoRouteCount)
}

func TestQuote_EmptyRouteNotActionable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(quoteBody("0", 0))
	})

	_, err := client.Quote(context.Background(), testMint, solana.SOLMint, 10, 100, QuoteOptions{})
	assert.True(t, errors.Is(err, ErrNoRoute))

	_, err = client.Quote(context.Background(), testMint, solana.SOLMint, 0, 100, QuoteOptions{})
	assert.True(t, errors.Is(err, ErrNoRoute))
}

func TestQuote_MinGapPacing(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(quoteBody("100", 1))
	})
	client.limiter = rate.NewLimiter(rate.Every(50*time.Millisecond), 1)

	start := time.Now()
	for i := uint64(1); i <= 3; i++ {
		_, err := client.Quote(context.Background(), solana.SOLMint, testMint, i, 100, QuoteOptions{})
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestBuildSwapTx(t *testing.T) {
	var got swapRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quote":
			json.NewEncoder(w).Encode(quoteBody("100", 1))
		case "/swap":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(map[string]any{"swapTransaction": "AQID", "lastValidBlockHeight": 77})
		}
	})

	q, err := client.Quote(context.Background(), solana.SOLMint, testMint, 10, 100, QuoteOptions{AsLegacy: true})
	require.NoError(t, err)

	tx, err := client.BuildSwapTx(context.Background(), q, testUser, SwapOptions{SharedAccounts: false, Legacy: true, ComputeUnitPrice: 5000})
	require.NoError(t, err)
	assert.Equal(t, "AQID", tx.Transaction)
	assert.Equal(t, uint64(77), tx.LastValidBlockHeight)

	assert.Equal(t, string(testUser), got.UserPublicKey)
	assert.False(t, got.UseSharedAccounts)
	assert.True(t, got.AsLegacyTransaction)
	assert.Equal(t, uint64(5000), got.ComputeUnitPriceMicroLamports)
	assert.True(t, got.WrapAndUnwrapSOL)
	assert.JSONEq(t, string(q.Raw), string(got.QuoteResponse))
}

func TestBuildSwapTx_RouterError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/quote" {
			json.NewEncoder(w).Encode(quoteBody("100", 1))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"Simulation failed: custom program error: 0x1788"}`))
	})

	q, err := client.Quote(context.Background(), solana.SOLMint, testMint, 10, 100, QuoteOptions{})
	require.NoError(t, err)
	_, err = client.BuildSwapTx(context.Background(), q, testUser, SwapOptions{SharedAccounts: true})
	assert.True(t, IsRouteUnavailable(err))

	_, err = client.BuildSwapTx(context.Background(), &Quote{}, testUser, SwapOptions{})
	assert.True(t, errors.Is(err, ErrNoRoute))
}

func TestSwapInstructions(t *testing.T) {
	ix := func(program string, data []byte) map[string]any {
		return map[string]any{
			"programId": program,
			"accounts":  []any{map[string]any{"pubkey": string(testUser), "isSigner": true, "isWritable": true}},
			"data":      base64.StdEncoding.EncodeToString(data),
		}
	}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/quote" {
			json.NewEncoder(w).Encode(quoteBody("100", 1))
			return
		}
		assert.Equal(t, "/swap-instructions", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"computeBudgetInstructions":   []any{ix("ComputeBudget111111111111111111111111111111", []byte{2})},
			"setupInstructions":           []any{ix("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL", []byte{1})},
			"swapInstruction":             ix("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4", []byte{9, 9}),
			"cleanupInstruction":          ix("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA", []byte{3}),
			"otherInstructions":           []any{},
			"addressLookupTableAddresses": []string{"GxS6FiQ3mNnAar9HGQ6mxP7t6FcwmHkU7peSeQDUHmpN"},
		})
	})

	q, err := client.Quote(context.Background(), solana.SOLMint, testMint, 10, 100, QuoteOptions{})
	require.NoError(t, err)

	set, err := client.SwapInstructions(context.Background(), q, testUser, SwapOptions{SharedAccounts: true})
	require.NoError(t, err)

	all := set.All()
	require.Len(t, all, 4)
	assert.Equal(t, solana.Pubkey("ComputeBudget111111111111111111111111111111"), all[0].ProgramID)
	assert.Equal(t, []byte{9, 9}, all[2].Data)
	assert.Equal(t, solana.Pubkey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"), all[3].ProgramID)
	assert.True(t, all[2].Accounts[0].IsSigner)
	assert.Equal(t, []solana.Pubkey{"GxS6FiQ3mNnAar9HGQ6mxP7t6FcwmHkU7peSeQDUHmpN"}, set.LookupTables)
}

func TestServerErrorsOpenCircuit(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := uint64(1); i <= 2; i++ {
		_, err := client.Quote(context.Background(), solana.SOLMint, testMint, i, 100, QuoteOptions{})
		require.Error(t, err)
		assert.False(t, IsRouteUnavailable(err))
	}
	assert.True(t, client.APIStats().CircuitOpen)

	_, err := client.Quote(context.Background(), solana.SOLMint, testMint, 99, 100, QuoteOptions{})
	assert.True(t, errors.Is(err, ErrCircuitOpen))
}
