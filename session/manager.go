package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"voicebridge/config"
	"voicebridge/metrics"
)

// Manager tracks all live bridge sessions. Session metadata is mirrored to
// redis, best effort, for external dashboards; the in-memory map is
// authoritative.
type Manager struct {
	sessions map[string]*BridgeSession
	mu       sync.RWMutex
	redis    *redis.Client
	config   *config.Config
}

// NewManager creates a session manager. Redis being unreachable is not an
// error; the manager runs without the mirror.
func NewManager(cfg *config.Config) (*Manager, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisURL,
		Password: cfg.RedisPassword,
		DB:       0,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient = nil
	}

	return &Manager{
		sessions: make(map[string]*BridgeSession),
		redis:    redisClient,
		config:   cfg,
	}, nil
}

// CreateSession dials a fresh backend connection and registers a new bridge
// session for the given client. Sessions never share backend sockets.
func (sm *Manager) CreateSession(ctx context.Context, clientConn *websocket.Conn) (*BridgeSession, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if len(sm.sessions) >= sm.config.MaxSessions {
		return nil, fmt.Errorf("maximum sessions reached")
	}

	sessionID := uuid.New().String()

	session, err := NewBridgeSession(ctx, sessionID, clientConn, sm.config)
	if err != nil {
		return nil, err
	}

	sm.storeSession(ctx, sessionID, session)
	metrics.SessionsTotal.Inc()
	metrics.ActiveSessions.Inc()
	return session, nil
}

// storeSession saves a session to memory and redis
func (sm *Manager) storeSession(ctx context.Context, sessionID string, session *BridgeSession) {
	sm.sessions[sessionID] = session

	if sm.redis != nil {
		sm.redis.HSet(ctx, "session:"+sessionID, map[string]interface{}{
			"created_at":    session.CreatedAt.Format(time.RFC3339),
			"last_activity": session.LastActivity().Format(time.RFC3339),
			"backend_addr":  session.Backend.RemoteAddr(),
			"status":        "active",
		})
		sm.redis.SAdd(ctx, "active_sessions", sessionID)
		sm.redis.Expire(ctx, "session:"+sessionID, sm.config.SessionTimeout)
	}
}

// GetSession retrieves a session by ID
func (sm *Manager) GetSession(sessionID string) (*BridgeSession, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	session, exists := sm.sessions[sessionID]
	return session, exists
}

// RemoveSession cleans up and removes a session
func (sm *Manager) RemoveSession(ctx context.Context, sessionID string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.removeLocked(ctx, sessionID)
}

func (sm *Manager) removeLocked(ctx context.Context, sessionID string) error {
	session, exists := sm.sessions[sessionID]
	if !exists {
		return nil
	}

	session.Close()
	delete(sm.sessions, sessionID)
	metrics.ActiveSessions.Dec()

	if sm.redis != nil {
		sm.redis.Del(ctx, "session:"+sessionID)
		sm.redis.SRem(ctx, "active_sessions", sessionID)
	}

	return nil
}

// GetActiveSessionCount returns current session count
func (sm *Manager) GetActiveSessionCount() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CleanupInactiveSessions removes sessions that have been inactive longer
// than the configured session timeout.
func (sm *Manager) CleanupInactiveSessions(ctx context.Context) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := time.Now()
	for id, session := range sm.sessions {
		if now.Sub(session.LastActivity()) > sm.config.SessionTimeout {
			_ = sm.removeLocked(ctx, id)
		}
	}
}

// StartCleanupRoutine starts periodic cleanup of inactive sessions
func (sm *Manager) StartCleanupRoutine(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sm.CleanupInactiveSessions(ctx)
		}
	}
}

// Shutdown closes all sessions and the redis mirror.
func (sm *Manager) Shutdown() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for id, session := range sm.sessions {
		session.Close()
		delete(sm.sessions, id)
		metrics.ActiveSessions.Dec()
	}

	if sm.redis != nil {
		sm.redis.Close()
	}
}
