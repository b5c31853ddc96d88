package session

import (
	"context"
	"encoding/base64"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"

	"voicebridge/audio"
	"voicebridge/backend"
	"voicebridge/config"
	"voicebridge/messages"
	"voicebridge/metrics"
	"voicebridge/wire"
)

const (
	writeBufferSize = 256
	writeTimeout    = 10 * time.Second
)

// BridgeSession pairs one client WebSocket with one backend TCP connection.
// The session owns both connections exclusively; when either side closes,
// the whole session closes.
type BridgeSession struct {
	ID         string
	ClientConn *websocket.Conn
	Backend    *backend.Peer
	CreatedAt  time.Time

	pingInterval time.Duration
	pingTimeout  time.Duration

	// All client writes go through writePump
	writeChan chan *messages.ServerMessage

	mu           sync.RWMutex
	lastActivity time.Time
	telephony    bool
	closed       bool
	CloseChan    chan struct{}
}

// NewBridgeSession dials the backend and prepares the session. A dial
// failure (timeout or refusal) is returned to the caller, which sends the
// single client-visible error; the session never starts in that case.
func NewBridgeSession(ctx context.Context, id string, clientConn *websocket.Conn, cfg *config.Config) (*BridgeSession, error) {
	peer, err := backend.Dial(ctx, cfg.BackendHost, cfg.BackendPort, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	// Configure WebSocket for audio-sized messages
	clientConn.SetReadLimit(512 * 1024)
	clientConn.EnableWriteCompression(true)
	_ = clientConn.SetCompressionLevel(6)

	session := &BridgeSession{
		ID:           id,
		ClientConn:   clientConn,
		Backend:      peer,
		CreatedAt:    time.Now(),
		pingInterval: cfg.PingInterval,
		pingTimeout:  cfg.PingTimeout,
		writeChan:    make(chan *messages.ServerMessage, writeBufferSize),
		lastActivity: time.Now(),
		CloseChan:    make(chan struct{}),
	}

	return session, nil
}

// Start begins the bidirectional forwarding. The backend receive loop and
// the client read loop each tear the session down when their stream ends;
// closing both connections is what stops the other loop.
func (bs *BridgeSession) Start() {
	go bs.writePump()
	bs.setupBackendCallbacks()
	// connected goes out before the receive loop starts, so no backend
	// frame can ever precede it.
	bs.sendMessage(messages.NewConnectedMessage())
	bs.Backend.StartReceiving()
	go bs.handleClientMessages()
}

// setupBackendCallbacks wires the backend->client direction.
func (bs *BridgeSession) setupBackendCallbacks() {
	bs.Backend.OnMessage = func(msg *messages.ServerMessage) {
		if msg.Type == messages.TypeKeepalive {
			// Liveness ping for the bridge only, never forwarded.
			return
		}
		if msg.Type == messages.TypeAudio && bs.isTelephony() {
			bs.transcodeDownstream(msg)
		}
		metrics.FramesTotal.WithLabelValues(metrics.DirBackendToClient).Inc()
		bs.sendMessage(msg)
	}

	bs.Backend.OnError = func(err error) {
		metrics.ProtocolErrors.Inc()
		log.Printf("[%s] dropping malformed backend frame: %v", bs.shortID(), err)
	}

	bs.Backend.OnClosed = func() {
		if !bs.IsClosed() {
			log.Printf("[%s] backend disconnected", bs.shortID())
		}
		bs.Close()
	}
}

// writePump handles all outgoing client messages in a single goroutine and
// emits the periodic WebSocket pings.
func (bs *BridgeSession) writePump() {
	var pingC <-chan time.Time
	if bs.pingInterval > 0 {
		ticker := time.NewTicker(bs.pingInterval)
		defer ticker.Stop()
		pingC = ticker.C
	}

	defer func() {
		// Best-effort close handshake before exiting
		_ = bs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_ = bs.ClientConn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
	}()

	for {
		select {
		case <-bs.CloseChan:
			return

		case <-pingC:
			_ = bs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := bs.ClientConn.WriteMessage(websocket.PingMessage, nil); err != nil {
				bs.Close()
				return
			}

		case msg := <-bs.writeChan:
			if err := bs.writeClientMessage(msg); err != nil {
				bs.Close()
				return
			}
		}
	}
}

func (bs *BridgeSession) writeClientMessage(msg *messages.ServerMessage) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		log.Printf("[%s] marshal client message: %v", bs.shortID(), err)
		return nil
	}
	_ = bs.ClientConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return bs.ClientConn.WriteMessage(websocket.TextMessage, data)
}

// sendMessage hands a message to the write pump, blocking while the queue
// is full. Backend frames take this path: a client that stops reading
// suspends the backend receive loop through it, so nothing is ever dropped
// or reordered in the backend->client direction.
func (bs *BridgeSession) sendMessage(msg *messages.ServerMessage) {
	select {
	case <-bs.CloseChan:
	case bs.writeChan <- msg:
		bs.touch()
	}
}

// queueMessage is the non-blocking variant for best-effort notifications.
func (bs *BridgeSession) queueMessage(msg *messages.ServerMessage) {
	select {
	case <-bs.CloseChan:
	case bs.writeChan <- msg:
		bs.touch()
	default:
		log.Printf("[%s] client write queue full, dropping %s notification", bs.shortID(), msg.Type)
	}
}

// handleClientMessages is the client->backend forwarding loop. Per-message
// failures are reported to the client and the loop continues; only a dead
// connection ends it.
func (bs *BridgeSession) handleClientMessages() {
	defer bs.Close()

	if bs.pingTimeout > 0 {
		_ = bs.ClientConn.SetReadDeadline(time.Now().Add(bs.pingTimeout))
		bs.ClientConn.SetPongHandler(func(string) error {
			return bs.ClientConn.SetReadDeadline(time.Now().Add(bs.pingTimeout))
		})
	}

	for {
		messageType, data, err := bs.ClientConn.ReadMessage()
		if err != nil {
			if !bs.IsClosed() && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[%s] client read error: %v", bs.shortID(), err)
			}
			return
		}

		bs.touch()

		if messageType != websocket.TextMessage {
			bs.reportError(messages.ErrCodeInvalidMessage, "Binary messages not supported")
			continue
		}

		var clientMsg messages.ClientMessage
		if err := sonic.Unmarshal(data, &clientMsg); err != nil {
			bs.reportError(messages.ErrCodeInvalidMessage, "Invalid JSON message")
			continue
		}

		bs.forwardClientMessage(&clientMsg)
	}
}

// forwardClientMessage encodes one client envelope and writes it to the
// backend, blocking until the frame is fully written.
func (bs *BridgeSession) forwardClientMessage(msg *messages.ClientMessage) {
	if msg.Type == messages.TypeCharacterSwitch && msg.SystemPrompt == "" {
		msg.SystemPrompt = DefaultSystemPrompt
	}

	if msg.Type == messages.TypeAudio && msg.Format == FormatMuLaw {
		bs.markTelephony()
		if err := bs.transcodeMuLaw(msg); err != nil {
			bs.reportError(messages.ErrCodeInvalidMessage, "Invalid base64 audio data")
			return
		}
	}

	frame, err := wire.EncodeClientMessage(msg)
	if err != nil {
		if errors.Is(err, wire.ErrUnsupportedMessageType) {
			bs.reportError(messages.ErrCodeUnsupportedType, "Unknown message type: "+msg.Type)
		} else {
			bs.reportError(messages.ErrCodeInvalidMessage, err.Error())
		}
		return
	}

	if err := bs.Backend.WriteFrame(frame); err != nil {
		log.Printf("[%s] backend write failed: %v", bs.shortID(), err)
		bs.Close()
		return
	}
	metrics.FramesTotal.WithLabelValues(metrics.DirClientToBackend).Inc()
}

// FormatMuLaw marks 8 kHz G.711 audio from telephony clients; the backend
// only consumes PCM16. A session that has seen mu-law input keeps the
// client in telephony mode and converts backend PCM16 audio back to mu-law.
const (
	FormatMuLaw = "mulaw"
	FormatPCM16 = "pcm16"
)

// transcodeMuLaw rewrites the message's audio from 8 kHz mu-law to 16 kHz
// PCM16 in place.
func (bs *BridgeSession) transcodeMuLaw(msg *messages.ClientMessage) error {
	muLaw, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return err
	}
	pcm := audio.MuLawToPCM16Upsample(muLaw)
	msg.Data = base64.StdEncoding.EncodeToString(pcm)
	msg.Format = FormatPCM16
	msg.SampleRate = 16000
	return nil
}

// transcodeDownstream rewrites backend 24 kHz PCM16 audio to 8 kHz mu-law
// in place for a telephony client. Other formats pass through untouched.
func (bs *BridgeSession) transcodeDownstream(msg *messages.ServerMessage) {
	if msg.Format != FormatPCM16 || msg.SampleRate != 24000 {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return
	}
	msg.Data = base64.StdEncoding.EncodeToString(audio.PCM24kToMuLaw8k(pcm))
	msg.Format = FormatMuLaw
	msg.SampleRate = 8000
}

func (bs *BridgeSession) markTelephony() {
	bs.mu.Lock()
	bs.telephony = true
	bs.mu.Unlock()
}

func (bs *BridgeSession) isTelephony() bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.telephony
}

func (bs *BridgeSession) reportError(code, message string) {
	metrics.ProtocolErrors.Inc()
	bs.queueMessage(messages.NewErrorMessage(code, message))
}

func (bs *BridgeSession) touch() {
	bs.mu.Lock()
	bs.lastActivity = time.Now()
	bs.mu.Unlock()
}

// LastActivity reports when the session last saw traffic.
func (bs *BridgeSession) LastActivity() time.Time {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.lastActivity
}

// IsClosed returns whether the session is closed
func (bs *BridgeSession) IsClosed() bool {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return bs.closed
}

// Close terminates the session and releases both connections. Idempotent;
// safe to call from either forwarding loop, the manager, or all at once.
func (bs *BridgeSession) Close() error {
	bs.mu.Lock()
	if bs.closed {
		bs.mu.Unlock()
		return nil
	}
	bs.closed = true
	bs.mu.Unlock()

	// Signal close (stops writePump and anyone waiting on the session)
	close(bs.CloseChan)

	// Closing the sockets unblocks both forwarding loops
	_ = bs.Backend.Close()
	_ = bs.ClientConn.Close()

	return nil
}

func (bs *BridgeSession) shortID() string {
	if len(bs.ID) >= 8 {
		return bs.ID[:8]
	}
	return bs.ID
}
