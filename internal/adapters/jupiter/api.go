package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/pulse/internal/solana"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const circuitThreshold = 5

// APIClient is the Jupiter swap API client. Requests are paced by a minimum
// gap plus jitter, quotes are cached for a short TTL and identical in-flight
// quotes share one request.
type APIClient struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	flight     singleflight.Group

	cacheMu sync.Mutex
	cache   map[string]cachedQuote
	now     func() time.Time

	quoteCount   atomic.Int64
	cacheHits    atomic.Int64
	sharedHits   atomic.Int64
	swapCount    atomic.Int64
	errorCount   atomic.Int64
	noRouteCount atomic.Int64
	rateLimited  atomic.Int64
	avgLatencyMs atomic.Int64

	// Circuit breaker.
	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool
}

type cachedQuote struct {
	quote   *Quote
	expires time.Time
}

// NewAPIClient creates a new router client.
func NewAPIClient(config Config) *APIClient {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = def.BackoffBase
	}

	limit := rate.Inf
	if config.MinGap > 0 {
		limit = rate.Every(config.MinGap)
	}

	return &APIClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(limit, 1),
		cache:      make(map[string]cachedQuote),
		now:        time.Now,
	}
}

var _ Router = (*APIClient)(nil)

// ---------------------------------------------------------------------------
// Quote API
// ---------------------------------------------------------------------------

type quoteResponse struct {
	InputMint            string `json:"inputMint"`
	OutputMint           string `json:"outputMint"`
	InAmount             string `json:"inAmount"`
	OutAmount            string `json:"outAmount"`
	OtherAmountThreshold string `json:"otherAmountThreshold"`
	PriceImpactPct       string `json:"priceImpactPct"`
	SlippageBps          int    `json:"slippageBps"`
	RoutePlan            []struct {
		Percent  int `json:"percent"`
		SwapInfo struct {
			AmmKey string `json:"ammKey"`
			Label  string `json:"label"`
		} `json:"swapInfo"`
	} `json:"routePlan"`
}

func quoteKey(in, out solana.Pubkey, amountRaw uint64, slippageBps int, opts QuoteOptions) string {
	return fmt.Sprintf("%s|%s|%d|%d|%t|%t|%d", in, out, amountRaw, slippageBps, opts.OnlyDirectRoutes, opts.AsLegacy, opts.MaxAccounts)
}

// Quote asks the router what amountRaw of in would fetch in out.
func (c *APIClient) Quote(ctx context.Context, in, out solana.Pubkey, amountRaw uint64, slippageBps int, opts QuoteOptions) (*Quote, error) {
	if amountRaw == 0 {
		return nil, fmt.Errorf("jupiter: zero amount: %w", ErrNoRoute)
	}
	key := quoteKey(in, out, amountRaw, slippageBps, opts)
	if q := c.cached(key); q != nil {
		c.cacheHits.Add(1)
		return q, nil
	}

	// The shared fetch is detached from ctx; each caller waits on its own.
	ch := c.flight.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchBudget())
		defer cancel()
		q, err := c.fetchQuote(fctx, in, out, amountRaw, slippageBps, opts)
		if err != nil {
			return nil, err
		}
		c.store(key, q)
		return q, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Shared {
			c.sharedHits.Add(1)
		}
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(*Quote), nil
	}
}

// fetchBudget bounds one shared quote fetch including its retries.
func (c *APIClient) fetchBudget() time.Duration {
	return c.config.Timeout * time.Duration(c.config.MaxRetries+1)
}

func (c *APIClient) fetchQuote(ctx context.Context, in, out solana.Pubkey, amountRaw uint64, slippageBps int, opts QuoteOptions) (*Quote, error) {
	start := c.now()

	queryURL, err := url.Parse(c.config.BaseURL + "/quote")
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse URL: %w", err)
	}
	q := queryURL.Query()
	q.Set("inputMint", string(in))
	q.Set("outputMint", string(out))
	q.Set("amount", strconv.FormatUint(amountRaw, 10))
	q.Set("slippageBps", strconv.Itoa(slippageBps))
	q.Set("onlyDirectRoutes", strconv.FormatBool(opts.OnlyDirectRoutes))
	q.Set("asLegacyTransaction", strconv.FormatBool(opts.AsLegacy))
	if opts.MaxAccounts > 0 {
		q.Set("maxAccounts", strconv.Itoa(opts.MaxAccounts))
	}
	queryURL.RawQuery = q.Encode()

	body, err := c.do(ctx, "quote", http.MethodGet, queryURL.String(), nil)
	if err != nil {
		if errors.Is(err, ErrNoRoute) {
			c.noRouteCount.Add(1)
		}
		return nil, err
	}

	var resp quoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("jupiter: parse quote: %w", err)
	}

	quote, err := resp.toQuote(body, opts.AsLegacy)
	if err != nil {
		return nil, err
	}

	latency := c.now().Sub(start).Milliseconds()
	c.quoteCount.Add(1)
	c.avgLatencyMs.Store(latency)

	log.Debug().
		Str("in", shortMint(in)).
		Str("out", shortMint(out)).
		Uint64("in_amount", quote.InAmount).
		Uint64("out_amount", quote.OutAmount).
		Int("hops", quote.RouteHops).
		Float64("impact_pct", quote.PriceImpactPct).
		Int64("latency_ms", latency).
		Msg("jupiter: quote received")

	if !quote.Actionable() {
		c.noRouteCount.Add(1)
		return nil, fmt.Errorf("jupiter: empty route for %s: %w", shortMint(out), ErrNoRoute)
	}
	return quote, nil
}

func (r quoteResponse) toQuote(raw []byte, legacy bool) (*Quote, error) {
	inAmount, err := strconv.ParseUint(r.InAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse inAmount %q: %w", r.InAmount, err)
	}
	outAmount, err := strconv.ParseUint(r.OutAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("jupiter: parse outAmount %q: %w", r.OutAmount, err)
	}
	threshold, _ := strconv.ParseUint(r.OtherAmountThreshold, 10, 64)
	// The router reports impact as a fraction.
	impact, _ := strconv.ParseFloat(r.PriceImpactPct, 64)

	labels := make([]string, 0, len(r.RoutePlan))
	for _, hop := range r.RoutePlan {
		labels = append(labels, hop.SwapInfo.Label)
	}

	return &Quote{
		InputMint:            solana.Pubkey(r.InputMint),
		OutputMint:           solana.Pubkey(r.OutputMint),
		InAmount:             inAmount,
		OutAmount:            outAmount,
		OtherAmountThreshold: threshold,
		PriceImpactPct:       impact * 100,
		SlippageBps:          r.SlippageBps,
		RouteHops:            len(r.RoutePlan),
		Labels:               labels,
		Legacy:               legacy,
		Raw:                  json.RawMessage(raw),
	}, nil
}

func (c *APIClient) cached(key string) *Quote {
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	entry, ok := c.cache[key]
	if !ok {
		return nil
	}
	if c.now().After(entry.expires) {
		delete(c.cache, key)
		return nil
	}
	return entry.quote
}

func (c *APIClient) store(key string, q *Quote) {
	if c.config.CacheTTL <= 0 {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	now := c.now()
	if len(c.cache) > 512 {
		for k, e := range c.cache {
			if now.After(e.expires) {
				delete(c.cache, k)
			}
		}
	}
	c.cache[key] = cachedQuote{quote: q, expires: now.Add(c.config.CacheTTL)}
}

// ---------------------------------------------------------------------------
// Swap API: router-assembled transaction
// ---------------------------------------------------------------------------

type swapRequest struct {
	QuoteResponse                 json.RawMessage `json:"quoteResponse"`
	UserPublicKey                 string          `json:"userPublicKey"`
	WrapAndUnwrapSOL              bool            `json:"wrapAndUnwrapSol"`
	UseSharedAccounts             bool            `json:"useSharedAccounts"`
	ComputeUnitPriceMicroLamports uint64          `json:"computeUnitPriceMicroLamports,omitempty"`
	AsLegacyTransaction           bool            `json:"asLegacyTransaction"`
	DynamicComputeUnitLimit       bool            `json:"dynamicComputeUnitLimit"`
}

func newSwapRequest(quote *Quote, user solana.Pubkey, opts SwapOptions) swapRequest {
	return swapRequest{
		QuoteResponse:                 quote.Raw,
		UserPublicKey:                 string(user),
		WrapAndUnwrapSOL:              true,
		UseSharedAccounts:             opts.SharedAccounts,
		ComputeUnitPriceMicroLamports: opts.ComputeUnitPrice,
		AsLegacyTransaction:           opts.Legacy,
		DynamicComputeUnitLimit:       true,
	}
}

// BuildSwapTx asks the router to assemble the swap transaction for quote.
func (c *APIClient) BuildSwapTx(ctx context.Context, quote *Quote, user solana.Pubkey, opts SwapOptions) (*SwapTx, error) {
	if !quote.Actionable() {
		return nil, fmt.Errorf("jupiter: swap on empty quote: %w", ErrNoRoute)
	}
	payload, err := json.Marshal(newSwapRequest(quote, user, opts))
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap request: %w", err)
	}

	body, err := c.do(ctx, "swap", http.MethodPost, c.config.BaseURL+"/swap", payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		SwapTransaction      string `json:"swapTransaction"`
		LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("jupiter: parse swap response: %w", err)
	}
	if resp.SwapTransaction == "" {
		return nil, fmt.Errorf("jupiter: swap response without transaction")
	}

	c.swapCount.Add(1)
	return &SwapTx{Transaction: resp.SwapTransaction, LastValidBlockHeight: resp.LastValidBlockHeight}, nil
}

// ---------------------------------------------------------------------------
// Swap-instructions API: instruction-level swap for local assembly
// ---------------------------------------------------------------------------

type wireInstruction struct {
	ProgramID string `json:"programId"`
	Accounts  []struct {
		Pubkey     string `json:"pubkey"`
		IsSigner   bool   `json:"isSigner"`
		IsWritable bool   `json:"isWritable"`
	} `json:"accounts"`
	Data string `json:"data"` // base64
}

func (w wireInstruction) decode() (solana.Instruction, error) {
	data, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return solana.Instruction{}, fmt.Errorf("jupiter: decode instruction data: %w", err)
	}
	ix := solana.Instruction{
		ProgramID: solana.Pubkey(w.ProgramID),
		Accounts:  make([]solana.AccountMeta, 0, len(w.Accounts)),
		Data:      data,
	}
	for _, a := range w.Accounts {
		ix.Accounts = append(ix.Accounts, solana.AccountMeta{
			Pubkey:     solana.Pubkey(a.Pubkey),
			IsSigner:   a.IsSigner,
			IsWritable: a.IsWritable,
		})
	}
	return ix, nil
}

func decodeAll(in []wireInstruction) ([]solana.Instruction, error) {
	out := make([]solana.Instruction, 0, len(in))
	for _, w := range in {
		ix, err := w.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, ix)
	}
	return out, nil
}

// SwapInstructions fetches the swap as individual instructions.
func (c *APIClient) SwapInstructions(ctx context.Context, quote *Quote, user solana.Pubkey, opts SwapOptions) (*InstructionSet, error) {
	if !quote.Actionable() {
		return nil, fmt.Errorf("jupiter: instructions on empty quote: %w", ErrNoRoute)
	}
	payload, err := json.Marshal(newSwapRequest(quote, user, opts))
	if err != nil {
		return nil, fmt.Errorf("jupiter: marshal swap-instructions request: %w", err)
	}

	body, err := c.do(ctx, "swap-instructions", http.MethodPost, c.config.BaseURL+"/swap-instructions", payload)
	if err != nil {
		return nil, err
	}

	var resp struct {
		ComputeBudgetInstructions   []wireInstruction `json:"computeBudgetInstructions"`
		SetupInstructions           []wireInstruction `json:"setupInstructions"`
		SwapInstruction             *wireInstruction  `json:"swapInstruction"`
		CleanupInstruction          *wireInstruction  `json:"cleanupInstruction"`
		OtherInstructions           []wireInstruction `json:"otherInstructions"`
		AddressLookupTableAddresses []string          `json:"addressLookupTableAddresses"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("jupiter: parse swap-instructions: %w", err)
	}
	if resp.SwapInstruction == nil {
		return nil, fmt.Errorf("jupiter: swap-instructions without swap instruction")
	}

	set := &InstructionSet{}
	if set.ComputeBudget, err = decodeAll(resp.ComputeBudgetInstructions); err != nil {
		return nil, err
	}
	if set.Setup, err = decodeAll(resp.SetupInstructions); err != nil {
		return nil, err
	}
	if set.Swap, err = resp.SwapInstruction.decode(); err != nil {
		return nil, err
	}
	if resp.CleanupInstruction != nil {
		cleanup, err := resp.CleanupInstruction.decode()
		if err != nil {
			return nil, err
		}
		set.Cleanup = &cleanup
	}
	if set.Other, err = decodeAll(resp.OtherInstructions); err != nil {
		return nil, err
	}
	for _, addr := range resp.AddressLookupTableAddresses {
		set.LookupTables = append(set.LookupTables, solana.Pubkey(addr))
	}

	c.swapCount.Add(1)
	return set, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

// pace waits for the limiter and a random jitter.
func (c *APIClient) pace(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	if c.config.Jitter <= 0 {
		return nil
	}
	return sleepCtx(ctx, rand.N(c.config.Jitter))
}

func (c *APIClient) backoff(attempt int) time.Duration {
	d := c.config.BackoffBase * time.Duration(1<<uint(attempt-1))
	return d + rand.N(c.config.BackoffBase/2+1)
}

// do sends a request with pacing and retries transient failures: 429,
// 400 with a rate-limit body, 5xx and transport errors. Other non-2xx
// responses return an *APIError immediately.
func (c *APIClient) do(ctx context.Context, endpoint, method, target string, payload []byte) ([]byte, error) {
	if c.circuitOpen.Load() {
		return nil, fmt.Errorf("jupiter: %s: %w", endpoint, ErrCircuitOpen)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		if err := c.pace(ctx); err != nil {
			return nil, err
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return nil, fmt.Errorf("jupiter: create %s request: %w", endpoint, err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if c.config.APIKey != "" {
			req.Header.Set("x-api-key", c.config.APIKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = fmt.Errorf("jupiter: %s HTTP error: %w", endpoint, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("jupiter: read %s response: %w", endpoint, err)
			c.errorCount.Add(1)
			c.recordError()
			continue
		}

		if resp.StatusCode == http.StatusOK {
			c.resetErrors()
			return body, nil
		}

		apiErr := parseAPIError(endpoint, resp.StatusCode, body)
		c.errorCount.Add(1)
		if !apiErr.Transient() {
			return nil, apiErr
		}
		if errors.Is(apiErr, ErrRateLimited) {
			c.rateLimited.Add(1)
			lastErr = fmt.Errorf("%w: %s", ErrRateLimited, apiErr.Error())
			continue
		}
		c.recordError()
		lastErr = apiErr
	}

	return nil, fmt.Errorf("jupiter: %s failed after %d attempts: %w", endpoint, c.config.MaxRetries+1, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordError increments consecutive errors and opens circuit breaker.
func (c *APIClient) recordError() {
	count := c.consecutiveErrors.Add(1)
	if count >= circuitThreshold {
		if c.circuitOpen.CompareAndSwap(false, true) {
			log.Error().Int64("errors", count).Msg("jupiter: CIRCUIT BREAKER OPEN")
			go func() {
				time.Sleep(30 * time.Second)
				c.circuitOpen.Store(false)
				c.consecutiveErrors.Store(0)
				log.Info().Msg("jupiter: circuit breaker reset")
			}()
		}
	}
}

// resetErrors resets the consecutive error counter.
func (c *APIClient) resetErrors() {
	c.consecutiveErrors.Store(0)
}

// APIStats returns router client stats.
type APIStats struct {
	QuoteCount   int64 `json:"quote_count"`
	CacheHits    int64 `json:"cache_hits"`
	SharedHits   int64 `json:"shared_hits"`
	SwapCount    int64 `json:"swap_count"`
	ErrorCount   int64 `json:"error_count"`
	NoRouteCount int64 `json:"no_route_count"`
	RateLimited  int64 `json:"rate_limited"`
	AvgLatencyMs int64 `json:"avg_latency_ms"`
	CircuitOpen  bool  `json:"circuit_open"`
}

func (c *APIClient) APIStats() APIStats {
	return APIStats{
		QuoteCount:   c.quoteCount.Load(),
		CacheHits:    c.cacheHits.Load(),
		SharedHits:   c.sharedHits.Load(),
		SwapCount:    c.swapCount.Load(),
		ErrorCount:   c.errorCount.Load(),
		NoRouteCount: c.noRouteCount.Load(),
		RateLimited:  c.rateLimited.Load(),
		AvgLatencyMs: c.avgLatencyMs.Load(),
		CircuitOpen:  c.circuitOpen.Load(),
	}
}

func shortMint(m solana.Pubkey) string {
	if len(m) > 8 {
		return string(m[:8])
	}
	return string(m)
}
