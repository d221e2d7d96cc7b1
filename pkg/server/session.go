package server

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/topgundb/topgun/pkg/auth"
	"github.com/topgundb/topgun/pkg/hlc"
	"github.com/topgundb/topgun/pkg/metrics"
	"github.com/topgundb/topgun/pkg/protocol"
	"github.com/topgundb/topgun/pkg/transport"
)

// Session is one open client connection. The connection manager is the sole
// writer of the session table; session fields guarded by mu are the narrow
// mutation surface other components use.
type Session struct {
	ID     string
	Conn   transport.Conn
	Writer *transport.Writer

	mu            sync.RWMutex
	authenticated bool
	principal     *auth.Principal
	subscriptions map[string]struct{}
	lastHLC       hlc.Timestamp
	lastPing      time.Time
	closed        bool
}

// Authenticated reports whether AUTH has succeeded on this session.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Principal returns the attached principal, nil before authentication.
func (s *Session) Principal() *auth.Principal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.principal
}

// SetAuthenticated attaches the principal and flips the flag.
func (s *Session) SetAuthenticated(p *auth.Principal) {
	s.mu.Lock()
	s.principal = p
	s.authenticated = true
	s.mu.Unlock()
}

// AddSubscription records an active query subscription id.
func (s *Session) AddSubscription(queryID string) {
	s.mu.Lock()
	s.subscriptions[queryID] = struct{}{}
	s.mu.Unlock()
}

// RemoveSubscription drops a query subscription id.
func (s *Session) RemoveSubscription(queryID string) {
	s.mu.Lock()
	delete(s.subscriptions, queryID)
	s.mu.Unlock()
}

// Subscriptions returns a snapshot of the active subscription ids.
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for id := range s.subscriptions {
		out = append(out, id)
	}
	return out
}

// UpdateHLC records the most recent timestamp observed from the client.
func (s *Session) UpdateHLC(ts hlc.Timestamp) {
	s.mu.Lock()
	if s.lastHLC.Before(ts) {
		s.lastHLC = ts
	}
	s.mu.Unlock()
}

// LastHLC returns the session's last observed HLC.
func (s *Session) LastHLC() hlc.Timestamp {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHLC
}

// markClosed flips the closed flag; returns false if already closed.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// ConnectionManager owns the session table.
type ConnectionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	onRegister func(*Session)
	onRemove   func(*Session)
}

// NewConnectionManager creates an empty session table.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{sessions: make(map[string]*Session)}
}

// OnRegister sets the registration callback.
func (cm *ConnectionManager) OnRegister(fn func(*Session)) {
	cm.onRegister = fn
}

// OnRemove sets the removal callback.
func (cm *ConnectionManager) OnRemove(fn func(*Session)) {
	cm.onRemove = fn
}

// Register assigns an id, stores the transport, and attaches the writer.
func (cm *ConnectionManager) Register(conn transport.Conn, writerCfg transport.WriterConfig) *Session {
	sess := &Session{
		ID:            uuid.NewString(),
		Conn:          conn,
		Writer:        transport.NewWriter(conn, writerCfg),
		subscriptions: make(map[string]struct{}),
		lastPing:      time.Now(),
	}
	cm.mu.Lock()
	cm.sessions[sess.ID] = sess
	cm.mu.Unlock()

	metrics.SessionsActive.Inc()
	metrics.SessionsTotal.Inc()
	if cm.onRegister != nil {
		cm.onRegister(sess)
	}
	return sess
}

// Remove drops the session and returns it for cleanup, or nil if unknown.
func (cm *ConnectionManager) Remove(id string) *Session {
	cm.mu.Lock()
	sess, ok := cm.sessions[id]
	if ok {
		delete(cm.sessions, id)
	}
	cm.mu.Unlock()
	if !ok {
		return nil
	}
	metrics.SessionsActive.Dec()
	if cm.onRemove != nil {
		cm.onRemove(sess)
	}
	return sess
}

// Get looks up a session by id.
func (cm *ConnectionManager) Get(id string) (*Session, bool) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	sess, ok := cm.sessions[id]
	return sess, ok
}

// Each calls fn for every session.
func (cm *ConnectionManager) Each(fn func(*Session)) {
	cm.mu.RLock()
	sessions := make([]*Session, 0, len(cm.sessions))
	for _, s := range cm.sessions {
		sessions = append(sessions, s)
	}
	cm.mu.RUnlock()
	for _, s := range sessions {
		fn(s)
	}
}

// Count returns the number of open sessions.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessions)
}

// Broadcast writes a frame to every authenticated session, optionally
// excluding one.
func (cm *ConnectionManager) Broadcast(frame *protocol.Frame, excludeID string) {
	data, err := frame.Encode()
	if err != nil {
		return
	}
	cm.Each(func(s *Session) {
		if s.ID == excludeID || !s.Authenticated() {
			return
		}
		_ = s.Writer.WriteRaw(data, false)
	})
}

// UpdateLastPing records a heartbeat.
func (cm *ConnectionManager) UpdateLastPing(id string) {
	if sess, ok := cm.Get(id); ok {
		sess.mu.Lock()
		sess.lastPing = time.Now()
		sess.mu.Unlock()
	}
}

// IsAlive reports whether the session pinged within the timeout.
func (cm *ConnectionManager) IsAlive(id string, timeout time.Duration) bool {
	sess, ok := cm.Get(id)
	if !ok {
		return false
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return time.Since(sess.lastPing) < timeout
}

// IdleTime returns how long the session has been silent.
func (cm *ConnectionManager) IdleTime(id string) time.Duration {
	sess, ok := cm.Get(id)
	if !ok {
		return 0
	}
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return time.Since(sess.lastPing)
}
