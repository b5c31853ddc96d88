package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"voicebridge/backend"
	"voicebridge/config"
	"voicebridge/messages"
	"voicebridge/session"
)

// Server accepts client WebSocket connections and spawns one bridge session
// (with its own backend connection) per client.
type Server struct {
	httpServer     *http.Server
	upgrader       websocket.Upgrader
	sessionManager *session.Manager
	config         *config.Config
}

func New(cfg *config.Config, sessionManager *session.Manager) *Server {
	s := &Server{
		sessionManager: sessionManager,
		config:         cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    64 * 1024, // audio chunks
			WriteBufferSize:   64 * 1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	return s
}

// Handler exposes the route table for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for connections
func (s *Server) Start() error {
	log.Printf("bridge listening on %s (backend %s:%d)",
		s.httpServer.Addr, s.config.BackendHost, s.config.BackendPort)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting new connections. In-flight sessions are not
// drained; they end when their own connections do.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("shutting down listener...")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	clientSession, err := s.sessionManager.CreateSession(r.Context(), conn)
	if err != nil {
		// Exactly one error notification, then close. No connected message
		// is ever sent on this path.
		log.Printf("failed to create session for %s: %v", conn.RemoteAddr(), err)
		code := messages.ErrCodeSessionFailed
		if errors.Is(err, backend.ErrBackendUnreachable) {
			code = messages.ErrCodeBackendUnreachable
		}
		writeErrorAndClose(conn, code, err.Error())
		return
	}

	log.Printf("session %s: %s <-> %s", clientSession.ID, conn.RemoteAddr(), clientSession.Backend.RemoteAddr())

	clientSession.Start()

	// Hold the handler open for the session's lifetime
	<-clientSession.CloseChan

	_ = s.sessionManager.RemoveSession(context.Background(), clientSession.ID)
	log.Printf("session %s closed", clientSession.ID)
}

func writeErrorAndClose(conn *websocket.Conn, code, message string) {
	data, err := sonic.Marshal(messages.NewErrorMessage(code, message))
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, data)
	}
	_ = conn.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session setup failed"),
	)
	conn.Close()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.sessionManager.GetActiveSessionCount())
}
