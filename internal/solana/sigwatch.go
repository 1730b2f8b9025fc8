package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Signature Watcher: confirmation push via signatureSubscribe
// ---------------------------------------------------------------------------

// SignatureWatcher waits for signature notifications on the RPC websocket.
// Each Wait opens its own short-lived subscription; callers fall back to
// status polling when it errors.
type SignatureWatcher struct {
	endpoint   string
	commitment string
	dialer     websocket.Dialer
	nextID     atomic.Int64

	waits    atomic.Int64
	notified atomic.Int64
}

// NewSignatureWatcher creates a watcher for the given ws:// or wss:// endpoint.
func NewSignatureWatcher(endpoint string) *SignatureWatcher {
	return &SignatureWatcher{
		endpoint:   endpoint,
		commitment: StatusConfirmed,
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

type wsMessage struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	Method string          `json:"method"`
	Params *struct {
		Result struct {
			Value struct {
				Err any `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
}

// Wait blocks until sig reaches the watcher's commitment (returns
// StatusConfirmed), fails on-chain (StatusFailed) or ctx ends.
func (w *SignatureWatcher) Wait(ctx context.Context, sig Signature) (string, error) {
	w.waits.Add(1)

	conn, _, err := w.dialer.DialContext(ctx, w.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("ws: dial: %w", err)
	}
	defer conn.Close()

	// Unblock ReadJSON on cancellation.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      w.nextID.Add(1),
		"method":  "signatureSubscribe",
		"params": []any{
			string(sig),
			map[string]any{"commitment": w.commitment},
		},
	}
	if err := conn.WriteJSON(req); err != nil {
		return "", fmt.Errorf("ws: write subscribe: %w", err)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("ws: read: %w", err)
		}
		if msg.Error != nil {
			return "", &RPCError{Method: "signatureSubscribe", Code: msg.Error.Code, Message: msg.Error.Message}
		}
		if msg.Method != "signatureNotification" || msg.Params == nil {
			continue
		}

		w.notified.Add(1)
		if msg.Params.Result.Value.Err != nil {
			log.Debug().Str("sig", string(sig)).Interface("err", msg.Params.Result.Value.Err).Msg("ws: signature failed")
			return StatusFailed, nil
		}
		return StatusConfirmed, nil
	}
}

// WatcherStats returns watcher counters.
type WatcherStats struct {
	Waits    int64 `json:"waits"`
	Notified int64 `json:"notified"`
}

func (w *SignatureWatcher) Stats() WatcherStats {
	return WatcherStats{Waits: w.waits.Load(), Notified: w.notified.Load()}
}
