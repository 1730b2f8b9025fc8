package journal

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	j, err := Open(ctx, Config{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, j)
	assert.NoError(t, j.Record(ctx, Trade{ID: "x"}))

	j, err = Open(ctx, Config{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, j)

	_, err = Open(ctx, Config{Backend: "kafka"})
	assert.Error(t, err)

	_, err = Open(ctx, Config{Backend: "postgres"})
	assert.ErrorContains(t, err, "dsn is required")
}

func TestMemory_RecordsInOrder(t *testing.T) {
	m := NewMemory()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, m.Record(context.Background(), Trade{ID: "1", Side: "buy", At: at, SOL: decimal.RequireFromString("0.1")}))
	require.NoError(t, m.Record(context.Background(), Trade{ID: "2", Side: "sell", At: at.Add(time.Minute)}))

	trades := m.Trades()
	require.Len(t, trades, 2)
	assert.Equal(t, "buy", trades[0].Side)
	assert.Equal(t, "sell", trades[1].Side)

	trades[0].Side = "mutated"
	assert.Equal(t, "buy", m.Trades()[0].Side, "Trades returns a copy")
}
