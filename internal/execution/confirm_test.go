package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-trading/pulse/internal/solana"
)

func TestConfirmer_Wait(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	c := NewConfirmer(ConfirmerConfig{PollInterval: 5 * time.Millisecond}, rpc, nil)

	t.Run("confirmed", func(t *testing.T) {
		status, err := c.Wait(context.Background(), "sig-ok", time.Second)
		require.NoError(t, err)
		assert.Equal(t, solana.StatusConfirmed, status)
	})

	t.Run("finalized", func(t *testing.T) {
		rpc.SetStatus("sig-final", solana.StatusFinalized)
		status, err := c.Wait(context.Background(), "sig-final", time.Second)
		require.NoError(t, err)
		assert.Equal(t, solana.StatusFinalized, status)
	})

	t.Run("failed on-chain", func(t *testing.T) {
		rpc.SetStatus("sig-bad", solana.StatusFailed)
		_, err := c.Wait(context.Background(), "sig-bad", time.Second)
		assert.ErrorIs(t, err, ErrTxFailed)
	})

	t.Run("timeout", func(t *testing.T) {
		rpc.SetStatus("sig-slow", solana.StatusPending)
		start := time.Now()
		status, err := c.Wait(context.Background(), "sig-slow", 50*time.Millisecond)
		assert.ErrorIs(t, err, ErrConfirmTimeout)
		assert.Equal(t, solana.StatusPending, status)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("processed becomes confirmed", func(t *testing.T) {
		rpc.SetStatus("sig-late", solana.StatusProcessed)
		go func() {
			time.Sleep(20 * time.Millisecond)
			rpc.SetStatus("sig-late", solana.StatusConfirmed)
		}()
		status, err := c.Wait(context.Background(), "sig-late", time.Second)
		require.NoError(t, err)
		assert.Equal(t, solana.StatusConfirmed, status)
	})
}

func TestConfirmer_PollErrorsKeepWaiting(t *testing.T) {
	rpc := solana.NewStubRPCClient()
	c := NewConfirmer(ConfirmerConfig{PollInterval: 5 * time.Millisecond}, rpc, nil)
	rpc.SetFailNext()

	status, err := c.Wait(context.Background(), "sig", time.Second)
	require.NoError(t, err)
	assert.Equal(t, solana.StatusConfirmed, status)
}
