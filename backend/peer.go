// Package backend manages the TCP connection to the persona backend. Each
// bridge session owns exactly one Peer; peers are never shared or reused.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"voicebridge/messages"
	"voicebridge/wire"
)

// ErrBackendUnreachable wraps dial timeouts and refusals. The session never
// reaches ACTIVE when it sees this.
var ErrBackendUnreachable = errors.New("backend unreachable")

// Peer is one backend TCP connection with a frame receive loop.
type Peer struct {
	conn net.Conn

	// Callbacks for decoded backend frames. Set before StartReceiving.
	OnMessage func(msg *messages.ServerMessage)
	OnError   func(err error) // recoverable decode failures only
	OnClosed  func()          // stream ended, orderly or not

	writeMu sync.Mutex
	mu      sync.RWMutex
	closed  bool
}

// Dial opens the backend connection under the configured timeout.
func Dial(ctx context.Context, host string, port int, timeout time.Duration) (*Peer, error) {
	dialer := net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrBackendUnreachable, addr, err)
	}

	return &Peer{conn: conn}, nil
}

// NewPeer wraps an already-established connection. Used by tests and the
// fake backend tooling.
func NewPeer(conn net.Conn) *Peer {
	return &Peer{conn: conn}
}

// RemoteAddr reports the backend endpoint, for logging.
func (p *Peer) RemoteAddr() string {
	return p.conn.RemoteAddr().String()
}

// StartReceiving begins the frame read loop. Every decoded frame, keepalives
// included, is handed to OnMessage; a malformed frame is reported through
// OnError and the loop continues. The loop ends only when the stream does,
// after which OnClosed fires exactly once.
func (p *Peer) StartReceiving() {
	go func() {
		defer func() {
			if p.OnClosed != nil {
				p.OnClosed()
			}
		}()

		for {
			frame, err := wire.ReadFrame(p.conn)
			if err != nil {
				if !errors.Is(err, wire.ErrConnectionClosed) && !p.IsClosed() {
					log.Printf("backend read error: %v", err)
				}
				return
			}

			msg, err := wire.DecodeFrame(frame)
			if err != nil {
				// One malformed backend frame must not kill a live session.
				if p.OnError != nil {
					p.OnError(err)
				}
				continue
			}

			if p.OnMessage != nil {
				p.OnMessage(msg)
			}
		}
	}()
}

// WriteFrame writes one complete frame to the backend. net.Conn.Write does
// not return until the frame is handed to the kernel in full, which is the
// per-direction backpressure point: callers block here before consuming
// their next message.
func (p *Peer) WriteFrame(f wire.Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if p.IsClosed() {
		return wire.ErrConnectionClosed
	}
	if _, err := p.conn.Write(f.Encode()); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// IsClosed returns whether Close has been called.
func (p *Peer) IsClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close releases the backend socket. Idempotent; the socket is closed
// exactly once even under concurrent teardown.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	return p.conn.Close()
}
