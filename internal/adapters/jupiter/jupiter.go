package jupiter

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nexus-trading/pulse/internal/solana"
)

// ---------------------------------------------------------------------------
// Jupiter router: quote, swap build and swap-instructions endpoints
// https://dev.jup.ag/docs/swap-api
// ---------------------------------------------------------------------------

// Config configures the router client.
type Config struct {
	BaseURL     string        `yaml:"base_url"` // endpoint prefix for /quote, /swap, /swap-instructions
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	MinGap      time.Duration `yaml:"min_gap"`      // minimum spacing between requests
	Jitter      time.Duration `yaml:"jitter"`       // random extra delay on top of MinGap
	CacheTTL    time.Duration `yaml:"cache_ttl"`    // quote cache lifetime
	MaxRetries  int           `yaml:"max_retries"`  // retries on 429/rate-limit/5xx
	BackoffBase time.Duration `yaml:"backoff_base"` // first retry delay, doubled each attempt
}

// DefaultConfig returns sensible defaults for the public endpoint.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "https://lite-api.jup.ag/swap/v1",
		Timeout:     10 * time.Second,
		MinGap:      250 * time.Millisecond,
		Jitter:      100 * time.Millisecond,
		CacheTTL:    2 * time.Second,
		MaxRetries:  3,
		BackoffBase: 400 * time.Millisecond,
	}
}

// Router is the swap router contract used by the executor.
type Router interface {
	Quote(ctx context.Context, in, out solana.Pubkey, amountRaw uint64, slippageBps int, opts QuoteOptions) (*Quote, error)
	BuildSwapTx(ctx context.Context, quote *Quote, user solana.Pubkey, opts SwapOptions) (*SwapTx, error)
	SwapInstructions(ctx context.Context, quote *Quote, user solana.Pubkey, opts SwapOptions) (*InstructionSet, error)
}

// QuoteOptions are route options forwarded to /quote.
type QuoteOptions struct {
	OnlyDirectRoutes bool
	AsLegacy         bool // restrict routes to ones that fit a legacy transaction
	MaxAccounts      int
}

// Quote is a router answer to "what would I receive".
type Quote struct {
	InputMint            solana.Pubkey
	OutputMint           solana.Pubkey
	InAmount             uint64
	OutAmount            uint64
	OtherAmountThreshold uint64
	PriceImpactPct       float64 // percent
	SlippageBps          int
	RouteHops            int
	Labels               []string
	Legacy               bool

	// Raw is the router payload, echoed back on swap requests.
	Raw json.RawMessage
}

// Actionable reports whether the quote can be executed.
func (q *Quote) Actionable() bool {
	return q != nil && q.RouteHops > 0 && q.OutAmount > 0
}

// SwapOptions select how the router assembles the swap.
type SwapOptions struct {
	SharedAccounts   bool
	Legacy           bool
	ComputeUnitPrice uint64 // micro-lamports per CU, 0 = router default
}

// SwapTx is a router-assembled, unsigned transaction.
type SwapTx struct {
	Transaction          string // base64
	LastValidBlockHeight uint64
}

// InstructionSet is the instruction-level breakdown of a swap.
type InstructionSet struct {
	ComputeBudget []solana.Instruction
	Setup         []solana.Instruction
	Swap          solana.Instruction
	Cleanup       *solana.Instruction
	Other         []solana.Instruction
	LookupTables  []solana.Pubkey
}

// All returns the instructions in execution order.
func (s *InstructionSet) All() []solana.Instruction {
	out := make([]solana.Instruction, 0, len(s.ComputeBudget)+len(s.Setup)+len(s.Other)+2)
	out = append(out, s.ComputeBudget...)
	out = append(out, s.Setup...)
	out = append(out, s.Swap)
	if s.Cleanup != nil {
		out = append(out, *s.Cleanup)
	}
	out = append(out, s.Other...)
	return out
}
