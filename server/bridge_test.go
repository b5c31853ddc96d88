package server

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"voicebridge/config"
	"voicebridge/messages"
	"voicebridge/session"
	"voicebridge/wire"
)

// fakeBackend is a bare TCP listener speaking the frame protocol; tests
// drive each accepted connection by hand.
type fakeBackend struct {
	ln    net.Listener
	conns chan net.Conn
}

func startFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	fb := &fakeBackend{ln: ln, conns: make(chan net.Conn, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fb.conns <- conn
		}
	}()

	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBackend) port() int {
	return fb.ln.Addr().(*net.TCPAddr).Port
}

func (fb *fakeBackend) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-fb.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("backend never saw a connection")
		return nil
	}
}

func testConfig(backendPort int) *config.Config {
	return &config.Config{
		BackendHost:    "127.0.0.1",
		BackendPort:    backendPort,
		ConnectTimeout: 2 * time.Second,
		MaxSessions:    8,
		SessionTimeout: time.Minute,
		AllowedOrigins: []string{"*"},
		// No redis in most tests; the manager runs without the mirror.
		RedisURL: "127.0.0.1:1",
	}
}

type bridgeHarness struct {
	manager *session.Manager
	ws      *websocket.Conn
}

func dialBridge(t *testing.T, cfg *config.Config) *bridgeHarness {
	t.Helper()

	manager, err := session.NewManager(cfg)
	require.NoError(t, err)

	srv := New(cfg, manager)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })

	return &bridgeHarness{manager: manager, ws: ws}
}

func (h *bridgeHarness) read(t *testing.T) *messages.ServerMessage {
	t.Helper()
	require.NoError(t, h.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := h.ws.ReadMessage()
	require.NoError(t, err)

	var msg messages.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return &msg
}

func (h *bridgeHarness) send(t *testing.T, msg any) {
	t.Helper()
	require.NoError(t, h.ws.WriteJSON(msg))
}

func TestBridgeTextTurnRoundTrip(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	h.send(t, messages.ClientMessage{
		Type:        messages.TypeText,
		Message:     "hi",
		ChatID:      "c1",
		CharacterID: "ch1",
	})

	frame, err := wire.ReadFrame(backendConn)
	require.NoError(t, err)
	require.Equal(t, wire.MarkerTextFromClient, frame.Marker)
	require.JSONEq(t, `{"text":"hi","chat_id":"c1","character_id":"ch1"}`, string(frame.Payload))

	reply := wire.Frame{
		Marker:  wire.MarkerTextToClient,
		Payload: []byte(`{"text":"hello back","is_audio":false}`),
	}
	_, err = backendConn.Write(reply.Encode())
	require.NoError(t, err)

	msg := h.read(t)
	require.Equal(t, messages.TypeText, msg.Type)
	require.Equal(t, "hello back", msg.Text)
	require.False(t, msg.IsAudio)
}

func TestBridgeAudioToClient(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	raw := []byte{1, 2, 3, 4, 5}
	payload := make([]byte, 4+2+len(raw))
	binary.LittleEndian.PutUint32(payload[0:4], 2)
	copy(payload[4:], "{}")
	copy(payload[6:], raw)

	_, err := backendConn.Write(wire.Frame{Marker: wire.MarkerAudioToClient, Payload: payload}.Encode())
	require.NoError(t, err)

	msg := h.read(t)
	require.Equal(t, messages.TypeAudio, msg.Type)
	require.Equal(t, "wav", msg.Format)
	require.Equal(t, 24000, msg.SampleRate)
	require.Equal(t, base64.StdEncoding.EncodeToString(raw), msg.Data)
}

func TestConnectedPrecedesBackendTraffic(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	// A backend that talks the instant the connection lands must still
	// come after the connected envelope.
	eager := wire.Frame{
		Marker:  wire.MarkerTextToClient,
		Payload: []byte(`{"text":"first","is_audio":false}`),
	}
	_, err := backendConn.Write(eager.Encode())
	require.NoError(t, err)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	msg := h.read(t)
	require.Equal(t, messages.TypeText, msg.Type)
	require.Equal(t, "first", msg.Text)
}

func TestKeepalivesNeverReachClient(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	// Interleave keepalives with real traffic; only the real messages may
	// come through, in order.
	writes := []wire.Frame{
		{Marker: wire.MarkerKeepalive},
		{Marker: wire.MarkerKeepalive},
		{Marker: wire.MarkerStopPlayback},
		{Marker: wire.MarkerKeepalive},
		{Marker: wire.MarkerTextToClient, Payload: []byte(`{"text":"still here","is_audio":false}`)},
		{Marker: wire.MarkerKeepalive},
	}
	for _, f := range writes {
		_, err := backendConn.Write(f.Encode())
		require.NoError(t, err)
	}

	first := h.read(t)
	require.Equal(t, messages.TypeStopPlayback, first.Type)

	second := h.read(t)
	require.Equal(t, messages.TypeText, second.Type)
	require.Equal(t, "still here", second.Text)
}

func TestUnknownMarkerForwardedAsUnknown(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	_, err := backendConn.Write(wire.Frame{Marker: 0xBEEF, Payload: []byte("future extension")}.Encode())
	require.NoError(t, err)

	msg := h.read(t)
	require.Equal(t, messages.TypeUnknown, msg.Type)
	require.Equal(t, uint32(0xBEEF), msg.Marker)
}

func TestBackendRefusedSendsSingleErrorThenCloses(t *testing.T) {
	// Grab a port that is guaranteed closed.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	deadPort := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	h := dialBridge(t, testConfig(deadPort))

	// The one and only message is the error; connected is never sent.
	msg := h.read(t)
	require.Equal(t, messages.TypeError, msg.Type)
	require.Equal(t, messages.ErrCodeBackendUnreachable, msg.Code)

	require.NoError(t, h.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = h.ws.ReadMessage()
	require.Error(t, err)
}

func TestMalformedClientJSONIsNonFatal(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	require.NoError(t, h.ws.WriteMessage(websocket.TextMessage, []byte("{definitely not json")))

	errMsg := h.read(t)
	require.Equal(t, messages.TypeError, errMsg.Type)
	require.Equal(t, "Invalid JSON message", errMsg.Message)

	// The session must still be ACTIVE for subsequent valid messages.
	h.send(t, messages.ClientMessage{Type: messages.TypeText, Message: "still alive"})

	frame, err := wire.ReadFrame(backendConn)
	require.NoError(t, err)
	require.Equal(t, wire.MarkerTextFromClient, frame.Marker)
	require.Contains(t, string(frame.Payload), "still alive")
}

func TestUnsupportedClientTypeIsNonFatal(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	h.send(t, map[string]string{"type": "telepathy"})

	errMsg := h.read(t)
	require.Equal(t, messages.TypeError, errMsg.Type)
	require.Equal(t, messages.ErrCodeUnsupportedType, errMsg.Code)

	h.send(t, messages.ClientMessage{Type: messages.TypeStopPlayback})
	frame, err := wire.ReadFrame(backendConn)
	require.NoError(t, err)
	require.Equal(t, wire.MarkerStopPlayback, frame.Marker)
}

func TestMuLawAudioTranscodedBeforeForwarding(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	muLaw := []byte{0xFF, 0x80, 0x01, 0x7E}
	h.send(t, messages.ClientMessage{
		Type:        messages.TypeAudio,
		Data:        base64.StdEncoding.EncodeToString(muLaw),
		Format:      "mulaw",
		SampleRate:  8000,
		ChatID:      "c1",
		CharacterID: "ch1",
	})

	frame, err := wire.ReadFrame(backendConn)
	require.NoError(t, err)
	require.Equal(t, wire.MarkerAudioFromClient, frame.Marker)

	metaLen := binary.LittleEndian.Uint32(frame.Payload[0:4])
	var meta struct {
		Format     string `json:"format"`
		SampleRate int    `json:"sample_rate"`
	}
	require.NoError(t, json.Unmarshal(frame.Payload[4:4+metaLen], &meta))
	require.Equal(t, "pcm16", meta.Format)
	require.Equal(t, 16000, meta.SampleRate)

	// 8 kHz mu-law bytes become duplicated 16-bit samples at 16 kHz.
	rawLen := len(frame.Payload) - 4 - int(metaLen)
	require.Equal(t, len(muLaw)*4, rawLen)
}

func TestTelephonyClientGetsMuLawAudioBack(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	// Mu-law upstream audio puts the session in telephony mode.
	h.send(t, messages.ClientMessage{
		Type:       messages.TypeAudio,
		Data:       base64.StdEncoding.EncodeToString([]byte{0xFF, 0x80, 0x01}),
		Format:     "mulaw",
		SampleRate: 8000,
	})
	_, err := wire.ReadFrame(backendConn)
	require.NoError(t, err)

	// Backend replies with 24 kHz PCM16: 6 samples downsample to 2 mu-law
	// bytes on the way out.
	pcm := make([]byte, 12)
	meta := []byte(`{"format":"pcm16","sample_rate":24000}`)
	payload := make([]byte, 4+len(meta)+len(pcm))
	binary.LittleEndian.PutUint32(payload[0:4], uint32(len(meta)))
	copy(payload[4:], meta)
	copy(payload[4+len(meta):], pcm)

	_, err = backendConn.Write(wire.Frame{Marker: wire.MarkerAudioToClient, Payload: payload}.Encode())
	require.NoError(t, err)

	msg := h.read(t)
	require.Equal(t, messages.TypeAudio, msg.Type)
	require.Equal(t, "mulaw", msg.Format)
	require.Equal(t, 8000, msg.SampleRate)
	muLaw, err := base64.StdEncoding.DecodeString(msg.Data)
	require.NoError(t, err)
	require.Len(t, muLaw, 2)
}

func TestBackendDisconnectEndsSession(t *testing.T) {
	fb := startFakeBackend(t)
	h := dialBridge(t, testConfig(fb.port()))
	backendConn := fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)
	require.Equal(t, 1, h.manager.GetActiveSessionCount())

	require.NoError(t, backendConn.Close())

	// The client socket closes; reads fail from then on.
	require.NoError(t, h.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := h.ws.ReadMessage(); err != nil {
			break
		}
	}

	require.Eventually(t, func() bool {
		return h.manager.GetActiveSessionCount() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestSessionRegistryMirroredToRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	fb := startFakeBackend(t)
	cfg := testConfig(fb.port())
	cfg.RedisURL = mr.Addr()

	h := dialBridge(t, cfg)
	fb.accept(t)

	require.Equal(t, messages.TypeConnected, h.read(t).Type)

	members, err := mr.SMembers("active_sessions")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.True(t, mr.Exists("session:"+members[0]))

	require.NoError(t, h.manager.RemoveSession(context.Background(), members[0]))
	require.False(t, mr.Exists("session:"+members[0]))
	left, err := mr.SMembers("active_sessions")
	require.NoError(t, err)
	require.Empty(t, left)
}

func TestMaxSessionsRefused(t *testing.T) {
	fb := startFakeBackend(t)
	cfg := testConfig(fb.port())
	cfg.MaxSessions = 0

	h := dialBridge(t, cfg)

	msg := h.read(t)
	require.Equal(t, messages.TypeError, msg.Type)
	require.Equal(t, messages.ErrCodeSessionFailed, msg.Code)
}
