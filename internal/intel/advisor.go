package intel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/nexus-trading/pulse/internal/solana"
)

// ---------------------------------------------------------------------------
// Advisory: optional, non-authoritative exit opinions
// ---------------------------------------------------------------------------

// Action is an advisor's recommendation.
type Action string

const (
	ActionNone        Action = "none"
	ActionHold        Action = "hold"
	ActionSellAll     Action = "sell_all"
	ActionSellPartial Action = "sell_partial"
)

// PositionView is the position snapshot sent to an advisor.
type PositionView struct {
	SizeUI      decimal.Decimal `json:"size_ui"`
	CostSOL     decimal.Decimal `json:"cost_sol"`
	ValueSOL    decimal.Decimal `json:"value_sol"`
	PnLPct      float64         `json:"pnl_pct"`
	AgeSecs     int64           `json:"age_secs"`
	HWMPrice    decimal.Decimal `json:"hwm_price"`
	SellCount   int             `json:"sell_count"`
	Symbol      string          `json:"symbol,omitempty"`
	Liquidity   float64         `json:"liquidity_usd"`
	RugSeverity float64         `json:"rug_severity"`
}

// MarketContext carries what the trader currently sees for the mint.
type MarketContext struct {
	Score     float64 `json:"score"`
	Badge     string  `json:"badge"`
	Change5m  float64 `json:"change_5m"`
	Change1h  float64 `json:"change_1h"`
	CoreLabel string  `json:"core_decision"`
}

// Advice is a parsed advisor answer.
type Advice struct {
	Action     Action  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	SellPct    float64 `json:"sell_pct,omitempty"`
}

// Advisor returns an opinion for one position. A nil advice means no
// opinion; callers never treat advisor errors as trade failures.
type Advisor interface {
	Advise(ctx context.Context, mint solana.Pubkey, pos PositionView, mkt MarketContext) (*Advice, error)
}

// AdvisorConfig configures the HTTP advisor.
type AdvisorConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	APIKey        string        `yaml:"api_key"`
	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`

	// Circuit breaker: open after this error rate over at least 5 calls.
	CircuitBreakerErrorPct   float64 `yaml:"circuit_breaker_error_pct"`
	CircuitBreakerCooldownMs int     `yaml:"circuit_breaker_cooldown_ms"`
}

func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		Timeout:                  3 * time.Second,
		MinConfidence:            0.6,
		CircuitBreakerErrorPct:   0.5,
		CircuitBreakerCooldownMs: 120_000,
	}
}

type circuitBreaker struct {
	errors        int
	total         int
	lastError     time.Time
	open          bool
	cooldownUntil time.Time
}

// HTTPAdvisor posts position snapshots to an external decision endpoint.
type HTTPAdvisor struct {
	config AdvisorConfig
	client *http.Client

	mu      sync.Mutex
	breaker circuitBreaker

	calls     atomic.Int64
	opinions  atomic.Int64
	dismissed atomic.Int64
	failures  atomic.Int64
}

// NewHTTPAdvisor creates an advisor for config.URL.
func NewHTTPAdvisor(config AdvisorConfig) *HTTPAdvisor {
	def := DefaultAdvisorConfig()
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.CircuitBreakerErrorPct <= 0 {
		config.CircuitBreakerErrorPct = def.CircuitBreakerErrorPct
	}
	if config.CircuitBreakerCooldownMs <= 0 {
		config.CircuitBreakerCooldownMs = def.CircuitBreakerCooldownMs
	}
	return &HTTPAdvisor{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

type adviseRequest struct {
	Mint     solana.Pubkey `json:"mint"`
	Position PositionView  `json:"position"`
	Context  MarketContext `json:"context"`
}

type adviseResponse struct {
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Sell       *struct {
		Pct float64 `json:"pct"`
	} `json:"sell"`
}

// Advise returns nil advice (and a nil error) whenever the advisor has no
// usable opinion: disabled, breaker open, low confidence or unknown action.
// Transport and decode failures are returned for logging only.
func (a *HTTPAdvisor) Advise(ctx context.Context, mint solana.Pubkey, pos PositionView, mkt MarketContext) (*Advice, error) {
	if !a.config.Enabled || a.config.URL == "" {
		return nil, nil
	}
	if !a.allow() {
		return nil, nil
	}
	a.calls.Add(1)

	resp, err := a.post(ctx, adviseRequest{Mint: mint, Position: pos, Context: mkt})
	a.record(err == nil)
	if err != nil {
		a.failures.Add(1)
		return nil, err
	}

	advice := parseAdvice(resp)
	if advice == nil || advice.Confidence < a.config.MinConfidence {
		a.dismissed.Add(1)
		return nil, nil
	}
	a.opinions.Add(1)
	log.Debug().
		Str("mint", string(mint)).
		Str("action", string(advice.Action)).
		Float64("confidence", advice.Confidence).
		Str("reason", advice.Reason).
		Msg("intel: advice received")
	return advice, nil
}

func (a *HTTPAdvisor) post(ctx context.Context, body adviseRequest) (*adviseResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("intel: encode request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("intel: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.config.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intel: advise: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("intel: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("intel: advise: status %d", resp.StatusCode)
	}
	var out adviseResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("intel: decode advice: %w", err)
	}
	return &out, nil
}

// parseAdvice validates a response. Unknown actions and sell_partial
// without a usable percentage yield nil.
func parseAdvice(r *adviseResponse) *Advice {
	if r == nil {
		return nil
	}
	advice := &Advice{
		Action:     Action(strings.ToLower(strings.TrimSpace(r.Action))),
		Confidence: r.Confidence,
		Reason:     r.Reason,
	}
	switch advice.Action {
	case ActionHold, ActionSellAll, ActionNone:
	case ActionSellPartial:
		if r.Sell == nil || r.Sell.Pct <= 0 || r.Sell.Pct >= 100 {
			return nil
		}
		advice.SellPct = r.Sell.Pct
	default:
		return nil
	}
	return advice
}

func (a *HTTPAdvisor) allow() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb := &a.breaker
	if !cb.open {
		return true
	}
	if time.Now().After(cb.cooldownUntil) {
		*cb = circuitBreaker{}
		log.Info().Msg("intel: advisor circuit breaker closed (cooldown elapsed)")
		return true
	}
	return false
}

func (a *HTTPAdvisor) record(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cb := &a.breaker
	cb.total++
	if !success {
		cb.errors++
		cb.lastError = time.Now()
	}
	if cb.total >= 5 && !cb.open {
		rate := float64(cb.errors) / float64(cb.total)
		if rate >= a.config.CircuitBreakerErrorPct {
			cb.open = true
			cb.cooldownUntil = time.Now().Add(time.Duration(a.config.CircuitBreakerCooldownMs) * time.Millisecond)
			log.Warn().
				Float64("error_rate", rate).
				Time("cooldown_until", cb.cooldownUntil).
				Msg("intel: advisor circuit breaker OPENED")
		}
	}
}

// AdvisorStats is a point-in-time view of advisor counters.
type AdvisorStats struct {
	Calls       int64 `json:"calls"`
	Opinions    int64 `json:"opinions"`
	Dismissed   int64 `json:"dismissed"`
	Failures    int64 `json:"failures"`
	BreakerOpen bool  `json:"breaker_open"`
}

func (a *HTTPAdvisor) Stats() AdvisorStats {
	a.mu.Lock()
	open := a.breaker.open
	a.mu.Unlock()
	return AdvisorStats{
		Calls:       a.calls.Load(),
		Opinions:    a.opinions.Load(),
		Dismissed:   a.dismissed.Load(),
		Failures:    a.failures.Load(),
		BreakerOpen: open,
	}
}

// StubAdvisor returns pre-loaded advice per mint, for tests.
type StubAdvisor struct {
	mu     sync.Mutex
	advice map[solana.Pubkey]*Advice
	err    error
	calls  int
}

func NewStubAdvisor() *StubAdvisor {
	return &StubAdvisor{advice: make(map[solana.Pubkey]*Advice)}
}

// Set stores the advice returned for mint (nil clears).
func (s *StubAdvisor) Set(mint solana.Pubkey, advice *Advice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if advice == nil {
		delete(s.advice, mint)
		return
	}
	s.advice[mint] = advice
}

// SetError makes every call fail with err.
func (s *StubAdvisor) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *StubAdvisor) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *StubAdvisor) Advise(_ context.Context, mint solana.Pubkey, _ PositionView, _ MarketContext) (*Advice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if a, ok := s.advice[mint]; ok {
		c := *a
		return &c, nil
	}
	return nil, nil
}
