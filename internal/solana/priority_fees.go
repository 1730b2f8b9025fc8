package solana

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Compute-unit price: p75 of recent prioritization fees
// Values are micro-lamports per compute unit, passed to the router as
// computeUnitPriceMicroLamports.
// ---------------------------------------------------------------------------

const (
	// MaxComputeUnitPrice is the hard ceiling in micro-lamports per CU.
	MaxComputeUnitPrice = 5_000_000

	// DefaultComputeUnitPrice is the fallback when no data is available.
	DefaultComputeUnitPrice = 50_000

	// FeeRefreshInterval is how often estimates are refreshed.
	FeeRefreshInterval = 15 * time.Second
)

// Urgency scales the estimate for time-critical submissions.
type Urgency int

const (
	UrgencyNormal Urgency = iota
	UrgencyHigh           // exits and retries after a dropped transaction
)

// PriorityFeeEstimator estimates compute-unit prices from recent slots.
type PriorityFeeEstimator struct {
	rpc *LiveRPCClient

	mu        sync.RWMutex
	feeP50    uint64
	feeP75    uint64
	feeP90    uint64
	lastFetch time.Time
	samples   int
}

// NewPriorityFeeEstimator creates a new estimator that polls recent fees.
func NewPriorityFeeEstimator(rpc *LiveRPCClient) *PriorityFeeEstimator {
	return &PriorityFeeEstimator{rpc: rpc}
}

// Run refreshes estimates until ctx is cancelled.
func (e *PriorityFeeEstimator) Run(ctx context.Context) error {
	e.refresh(ctx)

	ticker := time.NewTicker(FeeRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.refresh(ctx)
		}
	}
}

// ComputeUnitPrice returns the recommended price in micro-lamports per CU.
func (e *PriorityFeeEstimator) ComputeUnitPrice(urgency Urgency) uint64 {
	e.mu.RLock()
	p75 := e.feeP75
	e.mu.RUnlock()

	if p75 == 0 {
		return DefaultComputeUnitPrice
	}

	fee := p75
	if urgency == UrgencyHigh {
		fee = p75 * 2
	}
	if fee > MaxComputeUnitPrice {
		fee = MaxComputeUnitPrice
	}
	return fee
}

// FeeStats returns current fee estimation stats.
type FeeStats struct {
	P50       uint64    `json:"p50_micro_lamports"`
	P75       uint64    `json:"p75_micro_lamports"`
	P90       uint64    `json:"p90_micro_lamports"`
	Samples   int       `json:"samples"`
	LastFetch time.Time `json:"last_fetch"`
}

func (e *PriorityFeeEstimator) Stats() FeeStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return FeeStats{
		P50:       e.feeP50,
		P75:       e.feeP75,
		P90:       e.feeP90,
		Samples:   e.samples,
		LastFetch: e.lastFetch,
	}
}

// refresh calls getRecentPrioritizationFees and computes percentiles.
func (e *PriorityFeeEstimator) refresh(ctx context.Context) {
	fetchCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := e.rpc.call(fetchCtx, "getRecentPrioritizationFees", nil)
	if err != nil {
		log.Debug().Err(err).Msg("priority_fees: failed to fetch recent fees")
		return
	}

	values, err := parsePrioritizationFees(result)
	if err != nil {
		log.Debug().Err(err).Msg("priority_fees: failed to parse fees")
		return
	}
	if len(values) == 0 {
		return
	}

	e.mu.Lock()
	e.feeP50 = percentile(values, 50)
	e.feeP75 = percentile(values, 75)
	e.feeP90 = percentile(values, 90)
	e.samples = len(values)
	e.lastFetch = time.Now()
	e.mu.Unlock()

	log.Debug().
		Uint64("p50", e.feeP50).
		Uint64("p75", e.feeP75).
		Int("samples", len(values)).
		Msg("priority_fees: updated estimates")
}

// parsePrioritizationFees returns the sorted non-zero fee samples.
func parsePrioritizationFees(raw json.RawMessage) ([]uint64, error) {
	var fees []struct {
		Slot              uint64 `json:"slot"`
		PrioritizationFee uint64 `json:"prioritizationFee"`
	}
	if err := json.Unmarshal(raw, &fees); err != nil {
		return nil, err
	}
	values := make([]uint64, 0, len(fees))
	for _, f := range fees {
		if f.PrioritizationFee > 0 {
			values = append(values, f.PrioritizationFee)
		}
	}
	sort.Slice(values, func(i, j int) bool { return values[i] < values[j] })
	return values, nil
}

// percentile computes the p-th percentile of sorted values.
func percentile(sorted []uint64, p int) uint64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
