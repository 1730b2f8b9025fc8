package solana

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	values := []uint64{100, 200, 300, 400, 500, 600, 700, 800, 900, 1000}

	assert.Equal(t, uint64(600), percentile(values, 50))
	assert.Equal(t, uint64(800), percentile(values, 75))
	assert.Equal(t, uint64(1000), percentile(values, 90))
	assert.Equal(t, uint64(0), percentile(nil, 50))
	assert.Equal(t, uint64(100), percentile([]uint64{100}, 50))
}

func TestPriorityFeeEstimator_ComputeUnitPrice(t *testing.T) {
	e := &PriorityFeeEstimator{}

	assert.Equal(t, uint64(DefaultComputeUnitPrice), e.ComputeUnitPrice(UrgencyNormal))

	e.mu.Lock()
	e.feeP75 = 50000
	e.mu.Unlock()

	assert.Equal(t, uint64(50000), e.ComputeUnitPrice(UrgencyNormal))
	assert.Equal(t, uint64(100000), e.ComputeUnitPrice(UrgencyHigh))

	e.mu.Lock()
	e.feeP75 = MaxComputeUnitPrice
	e.mu.Unlock()

	assert.Equal(t, uint64(MaxComputeUnitPrice), e.ComputeUnitPrice(UrgencyHigh))
}

func TestParsePrioritizationFees(t *testing.T) {
	raw := json.RawMessage(`[{"slot":1,"prioritizationFee":300},{"slot":2,"prioritizationFee":0},{"slot":3,"prioritizationFee":100}]`)
	values, err := parsePrioritizationFees(raw)
	require.NoError(t, err)
	assert.Equal(t, []uint64{100, 300}, values)

	_, err = parsePrioritizationFees(json.RawMessage(`{`))
	assert.Error(t, err)
}

func TestPriorityFeeEstimator_Stats(t *testing.T) {
	e := &PriorityFeeEstimator{}

	e.mu.Lock()
	e.feeP50 = 100
	e.feeP75 = 200
	e.feeP90 = 300
	e.samples = 20
	e.mu.Unlock()

	stats := e.Stats()
	assert.Equal(t, uint64(100), stats.P50)
	assert.Equal(t, uint64(200), stats.P75)
	assert.Equal(t, uint64(300), stats.P90)
	assert.Equal(t, 20, stats.Samples)
}
