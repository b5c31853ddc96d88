package session

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"voicebridge/config"
	"voicebridge/messages"
)

// newIdleSession builds a session against a fake backend and a real
// WebSocket pair without starting any of its loops, so tests can drive the
// write queue by hand.
func newIdleSession(t *testing.T) *BridgeSession {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	backendConns := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		backendConns <- conn
	}()

	upgrader := websocket.Upgrader{}
	serverConns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverConns <- c
	}))
	t.Cleanup(ts.Close)

	clientWS, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { clientWS.Close() })

	cfg := &config.Config{
		BackendHost:    "127.0.0.1",
		BackendPort:    ln.Addr().(*net.TCPAddr).Port,
		ConnectTimeout: 2 * time.Second,
	}

	var serverWS *websocket.Conn
	select {
	case serverWS = <-serverConns:
	case <-time.After(3 * time.Second):
		t.Fatal("websocket upgrade never completed")
	}

	bs, err := NewBridgeSession(context.Background(), "test-session", serverWS, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	select {
	case conn := <-backendConns:
		t.Cleanup(func() { conn.Close() })
	case <-time.After(3 * time.Second):
		t.Fatal("backend never saw a connection")
	}

	return bs
}

// A full write queue must suspend the backend delivery path, not drop
// messages: the slow-client stall propagates to the backend read loop
// through it.
func TestBackendDeliveryBlocksWhenQueueFull(t *testing.T) {
	bs := newIdleSession(t)
	bs.setupBackendCallbacks()

	// Nothing drains writeChan because the write pump was never started.
	for i := 0; i < writeBufferSize; i++ {
		bs.Backend.OnMessage(messages.NewTextMessage(fmt.Sprintf("m%d", i), false))
	}
	require.Len(t, bs.writeChan, writeBufferSize)

	released := make(chan struct{})
	go func() {
		bs.Backend.OnMessage(messages.NewTextMessage("overflow", false))
		close(released)
	}()

	select {
	case <-released:
		t.Fatal("delivery past a full write queue should block, not drop")
	case <-time.After(100 * time.Millisecond):
	}

	// Still nothing lost while the sender is suspended.
	require.Len(t, bs.writeChan, writeBufferSize)

	require.NoError(t, bs.Close())
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("blocked sender not released by Close")
	}

	// Everything queued before the stall is intact and in order.
	for i := 0; i < writeBufferSize; i++ {
		msg := <-bs.writeChan
		require.Equal(t, fmt.Sprintf("m%d", i), msg.Text)
	}
}

// Error notifications stay best-effort: a full queue drops them instead of
// stalling the client read loop that reports them.
func TestErrorNotificationsNeverBlock(t *testing.T) {
	bs := newIdleSession(t)

	for i := 0; i < writeBufferSize; i++ {
		bs.queueMessage(messages.NewTextMessage("fill", false))
	}

	done := make(chan struct{})
	go func() {
		bs.reportError(messages.ErrCodeInvalidMessage, "Invalid JSON message")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("error notification blocked on a full queue")
	}
}
