package execution

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/pulse/internal/solana"
)

var (
	// ErrTxFailed is returned when a transaction landed with an error.
	ErrTxFailed = errors.New("execution: transaction failed on-chain")
	// ErrConfirmTimeout is returned when no confirmation arrived in time.
	ErrConfirmTimeout = errors.New("execution: confirmation timeout")
)

// ConfirmerConfig configures confirmation waits.
type ConfirmerConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

func DefaultConfirmerConfig() ConfirmerConfig {
	return ConfirmerConfig{
		PollInterval: 2 * time.Second,
		Timeout:      30 * time.Second,
	}
}

// Confirmer waits for transaction confirmation. Websocket notifications
// race status polling when a watcher is configured; either one settles
// the wait.
type Confirmer struct {
	config  ConfirmerConfig
	rpc     solana.RPCClient
	watcher *solana.SignatureWatcher
}

// NewConfirmer creates a confirmer. watcher may be nil.
func NewConfirmer(config ConfirmerConfig, rpc solana.RPCClient, watcher *solana.SignatureWatcher) *Confirmer {
	def := DefaultConfirmerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = def.PollInterval
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	return &Confirmer{config: config, rpc: rpc, watcher: watcher}
}

type confirmResult struct {
	status string
	err    error
}

// Wait blocks until sig is confirmed or finalized. timeout <= 0 uses the
// configured default.
func (c *Confirmer) Wait(ctx context.Context, sig solana.Signature, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan confirmResult, 2)
	if c.watcher != nil {
		go func() {
			status, err := c.watcher.Wait(ctx, sig)
			if err != nil {
				// Polling keeps going.
				log.Debug().Err(err).Str("sig", string(sig)).Msg("confirm: websocket wait failed")
				return
			}
			done <- confirmResult{status: status}
		}()
	}
	go func() {
		status, err := c.poll(ctx, sig)
		done <- confirmResult{status: status, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return r.status, r.err
		}
		if r.status == solana.StatusFailed {
			return r.status, fmt.Errorf("%w: %s", ErrTxFailed, sig)
		}
		return r.status, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return solana.StatusPending, fmt.Errorf("%w: %s after %s", ErrConfirmTimeout, sig, timeout)
		}
		return solana.StatusPending, ctx.Err()
	}
}

func (c *Confirmer) poll(ctx context.Context, sig solana.Signature) (string, error) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()
	for {
		status, err := c.rpc.GetTransactionStatus(ctx, sig)
		if err == nil {
			switch status {
			case solana.StatusConfirmed, solana.StatusFinalized, solana.StatusFailed:
				return status, nil
			}
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return solana.StatusPending, fmt.Errorf("%w: %s", ErrConfirmTimeout, sig)
			}
			return solana.StatusPending, ctx.Err()
		case <-ticker.C:
		}
	}
}
