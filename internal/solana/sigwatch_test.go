package solana

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWSServer(t *testing.T, notify func(conn *websocket.Conn, req map[string]any)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var req map[string]any
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req["id"], "result": 42})
		notify(conn, req)
		// Keep the connection open until the client hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSignatureWatcher_Confirmed(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn, req map[string]any) {
		params := req["params"].([]any)
		assert.Equal(t, "sig-1", params[0])
		conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "signatureNotification",
			"params": map[string]any{
				"subscription": 42,
				"result":       map[string]any{"context": map[string]any{"slot": 5}, "value": map[string]any{"err": nil}},
			},
		})
	})

	w := NewSignatureWatcher(endpoint)
	status, err := w.Wait(context.Background(), Signature("sig-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, status)
	assert.Equal(t, int64(1), w.Stats().Notified)
}

func TestSignatureWatcher_Failed(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn, req map[string]any) {
		conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "signatureNotification",
			"params": map[string]any{
				"result": map[string]any{"value": map[string]any{"err": map[string]any{"InstructionError": []any{2, map[string]any{"Custom": 6001}}}}},
			},
		})
	})

	status, err := NewSignatureWatcher(endpoint).Wait(context.Background(), Signature("sig-2"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestSignatureWatcher_Timeout(t *testing.T) {
	endpoint := newWSServer(t, func(conn *websocket.Conn, req map[string]any) {})

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	_, err := NewSignatureWatcher(endpoint).Wait(ctx, Signature("sig-3"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSignatureWatcher_DialError(t *testing.T) {
	_, err := NewSignatureWatcher("ws://127.0.0.1:1").Wait(context.Background(), Signature("sig"))
	assert.Error(t, err)
}
