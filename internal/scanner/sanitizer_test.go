package scanner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pulse/internal/solana"
)

func solanaKey(s string) solana.Pubkey { return solana.Pubkey(s) }

func TestSanitizer_PassesCleanSnapshot(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	r := s.Check(snap(mintA, 0.01))
	assert.True(t, r.Passed)
	assert.Empty(t, r.Reason)
	assert.GreaterOrEqual(t, r.LatencyUs, int64(0))
}

func TestSanitizer_Drops(t *testing.T) {
	s := NewSanitizer(SanitizerConfig{Denylist: []string{string(mintB)}, CheckSymbols: true})

	scam := snap(mintC, 1)
	scam.Symbol = "RUGPULL"

	tests := []struct {
		name   string
		snap   Snapshot
		filter string
	}{
		{"invalid base58", snap("0OIl0OIl", 1), "mint_format"},
		{"short key", snap("abc", 1), "mint_format"},
		{"empty mint", snap("", 1), "mint_format"},
		{"wrapped SOL", snap(solana.SOLMint, 150), "excluded"},
		{"USDC", snap(solana.USDCMint, 1), "excluded"},
		{"denylisted", snap(mintB, 1), "denylist"},
		{"zero price", snap(mintA, 0), "price"},
		{"scam symbol", scam, "symbol"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := s.Check(tt.snap)
			assert.False(t, r.Passed)
			assert.Equal(t, tt.filter, r.Filter)
			assert.NotEmpty(t, r.Reason)
		})
	}

	stats := s.Stats()
	assert.Equal(t, int64(len(tests)), stats.TotalChecked)
	assert.Equal(t, int64(len(tests)), stats.TotalDropped)
	assert.Equal(t, int64(3), stats.FilterCounts["mint_format"])
}

func TestSanitizer_FilterDropsDuplicates(t *testing.T) {
	s := NewSanitizer(DefaultSanitizerConfig())
	out := s.Filter([]Snapshot{
		snap(mintA, 1),
		snap(mintA, 2),
		snap(solana.SOLMint, 150),
		snap(mintB, 3),
	})

	require.Len(t, out, 2)
	assert.Equal(t, 1.0, out[0].PriceUSD)
	assert.Equal(t, mintB, out[1].Mint)
	assert.Equal(t, int64(1), s.Stats().FilterCounts["duplicate"])
}

func TestValidateMint(t *testing.T) {
	assert.NoError(t, ValidateMint(mintA))
	assert.NoError(t, ValidateMint(solana.USDCMint))
	assert.Error(t, ValidateMint("not-a-key"))
}
