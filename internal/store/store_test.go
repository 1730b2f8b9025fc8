package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pulse/internal/execution"
	"github.com/nexus-trading/pulse/internal/scanner"
	"github.com/nexus-trading/pulse/internal/solana"
)

const (
	mintA solana.Pubkey = "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263"
	mintB solana.Pubkey = "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleState() State {
	st := Empty()
	st.Positions[mintA] = execution.Position{
		Mint:               mintA,
		SizeUI:             decimal.RequireFromString("1234.5"),
		Decimals:           5,
		CostSOL:            decimal.RequireFromString("0.25"),
		HighWaterMarkPrice: decimal.RequireFromString("0.0003"),
		AcquiredAt:         t0,
		LastBuyAt:          t0,
	}
	for i := 0; i < 10; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		st.Scores[mintA] = append(st.Scores[mintA], scanner.Record{At: at, Snapshot: scanner.Snapshot{Mint: mintA, PriceUSD: 1 + float64(i)}})
		st.Scores[mintB] = append(st.Scores[mintB], scanner.Record{At: at.Add(30 * time.Second), Snapshot: scanner.Snapshot{Mint: mintB, PriceUSD: 2}})
	}
	st.Cooldowns[mintB] = t0.Add(10 * time.Minute)
	st.Leader = mintA
	st.SavedAt = t0
	return st
}

func assertSameState(t *testing.T, want, got State) {
	t.Helper()
	require.Len(t, got.Positions, len(want.Positions))
	for mint, wp := range want.Positions {
		gp, ok := got.Positions[mint]
		require.True(t, ok, mint)
		assert.True(t, wp.SizeUI.Equal(gp.SizeUI))
		assert.True(t, wp.CostSOL.Equal(gp.CostSOL))
		assert.True(t, wp.HighWaterMarkPrice.Equal(gp.HighWaterMarkPrice))
		assert.True(t, wp.AcquiredAt.Equal(gp.AcquiredAt))
	}
	assert.Equal(t, want.ScoreRecords(), got.ScoreRecords())
	assert.Equal(t, want.Leader, got.Leader)
	assert.Len(t, got.Cooldowns, len(want.Cooldowns))
	assert.Equal(t, CurrentVersion, got.Version)
}

func TestFileRepository_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	repo, err := NewFileRepository(path, 0)
	require.NoError(t, err)

	st, err := repo.Load(context.Background())
	require.NoError(t, err, "missing file is an empty state")
	assert.Empty(t, st.Positions)

	want := sampleState()
	require.NoError(t, repo.Save(context.Background(), want))
	got, err := repo.Load(context.Background())
	require.NoError(t, err)
	assertSameState(t, want, got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file cleaned up")
}

func TestLoadOrEmpty_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	repo, err := NewFileRepository(path, 0)
	require.NoError(t, err)

	_, err = repo.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorrupt)

	st := LoadOrEmpty(context.Background(), repo)
	assert.Empty(t, st.Positions)
	assert.Empty(t, st.Scores)
	assert.NotNil(t, st.Positions)
}

func TestDecode_UnsupportedVersion(t *testing.T) {
	_, err := Decode([]byte(`{"version": 99}`))
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecode_MigratesLegacyLayout(t *testing.T) {
	raw := []byte(`{
		"positions": {
			"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": {
				"sizeUi": 1000, "decimals": 5, "costSol": 0.2,
				"highWaterMarkPrice": 0.00021, "acquiredAt": 1772366400000,
				"lastBuyAt": 1772366400000, "awaitingOnchainCredit": false
			},
			"JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN": {
				"sizeUi": 0, "costSol": 0.1, "awaitingOnchainCredit": true
			}
		},
		"scoreHistory": {
			"DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263": [
				{"ts": 1772366460000, "priceUsd": 0.02, "liquidityUsd": 50000, "buySellRatio24h": 1.7},
				{"ts": 1772366400000, "priceUsd": 0.01, "liquidityUsd": 50000},
				{"ts": 0, "priceUsd": 5}
			]
		}
	}`)

	st, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, st.Version)

	pos := st.Positions[mintA]
	assert.True(t, pos.SizeUI.Equal(decimal.NewFromInt(1000)))
	assert.True(t, pos.CostSOL.Equal(decimal.RequireFromString("0.2")))
	assert.Equal(t, uint8(5), pos.Decimals)
	assert.True(t, pos.AcquiredAt.Equal(time.UnixMilli(1772366400000)))

	pending := st.Positions[mintB]
	assert.True(t, pending.AwaitingCredit)
	assert.True(t, pending.CostSOL.IsZero())
	assert.True(t, pending.PendingCostSOL.Equal(decimal.RequireFromString("0.1")))

	recs := st.Scores[mintA]
	require.Len(t, recs, 2, "records without a timestamp are dropped")
	assert.True(t, recs[0].At.Before(recs[1].At))
	assert.Equal(t, 1.0, recs[1].BuySellRatio24h, "ratio clamped to [0,1]")
}

func TestEncode_SizeCapTrimsOldestScores(t *testing.T) {
	st := sampleState()
	full, trimmed, err := Encode(st, 0)
	require.NoError(t, err)
	require.Zero(t, trimmed)

	limit := len(full) - 400
	raw, trimmed, err := Encode(st, limit)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(raw), limit)
	assert.Positive(t, trimmed)

	got, err := Decode(raw)
	require.NoError(t, err)
	assert.Len(t, got.Positions, 1, "positions are never trimmed")
	assert.Equal(t, st.ScoreRecords()-trimmed, got.ScoreRecords())

	// The newest record survives; the oldest does not.
	newest := st.Scores[mintB][len(st.Scores[mintB])-1]
	kept := got.Scores[mintB]
	require.NotEmpty(t, kept)
	assert.True(t, kept[len(kept)-1].At.Equal(newest.At))
	if a := got.Scores[mintA]; len(a) > 0 {
		assert.True(t, a[0].At.After(t0))
	}
}

func TestEncode_PositionsAloneTooLarge(t *testing.T) {
	st := sampleState()
	_, _, err := Encode(st, 50)
	assert.Error(t, err)
}

func TestSQLiteRepository_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.db")
	repo, err := NewSQLiteRepository(path, 0)
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	st, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Positions)

	want := sampleState()
	require.NoError(t, repo.Save(ctx, want))

	// Second save replaces the single row.
	delete(want.Positions, mintA)
	require.NoError(t, repo.Save(ctx, want))

	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assertSameState(t, want, got)
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	repo, err := Open(ctx, Config{Backend: "memory"})
	require.NoError(t, err)
	require.NoError(t, repo.Save(ctx, sampleState()))
	got, err := repo.Load(ctx)
	require.NoError(t, err)
	assertSameState(t, sampleState(), got)

	_, err = Open(ctx, Config{Backend: "etcd"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: "redis"})
	assert.ErrorContains(t, err, "redis addr is required")

	_, err = Open(ctx, Config{Backend: "file"})
	assert.ErrorContains(t, err, "file path is required")
}

func TestMemoryRepository_CorruptFallsBack(t *testing.T) {
	repo := NewMemoryRepository()
	repo.SetRaw([]byte(`[]`))
	st := LoadOrEmpty(context.Background(), repo)
	assert.Empty(t, st.Positions)
}
