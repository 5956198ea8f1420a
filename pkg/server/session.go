package server

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Session represents an authenticated client connection. Exactly one live
// session exists per username at any instant; the SessionManager enforces
// this on registration.
type Session struct {
	ID         uint64
	Username   string
	Conn       *SafeConn // connection with automatic write synchronization
	RemoteAddr string    // for logging
}

// SessionManager manages all authenticated sessions, keyed by username.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	nextID   atomic.Uint64
	metrics  *Metrics
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// Register creates a session for username if none exists. Exactly one of
// any set of concurrent Register calls for the same username wins; the
// rest get ok=false.
func (sm *SessionManager) Register(username string, conn *SafeConn, remoteAddr string) (*Session, bool) {
	sess := &Session{
		ID:         sm.nextID.Add(1),
		Username:   username,
		Conn:       conn,
		RemoteAddr: remoteAddr,
	}

	sm.mu.Lock()
	if _, online := sm.sessions[username]; online {
		sm.mu.Unlock()
		return nil, false
	}
	sm.sessions[username] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	// Update metrics outside the lock
	sm.metrics.RecordActiveSessions(count)
	sm.metrics.RecordSessionCreated()
	return sess, true
}

// Unregister removes sess from the registry. It is idempotent and only
// removes the exact session it is given, so a stale disconnect can never
// evict a newer session that reclaimed the same username.
func (sm *SessionManager) Unregister(sess *Session) bool {
	sm.mu.Lock()
	current, ok := sm.sessions[sess.Username]
	if !ok || current != sess {
		sm.mu.Unlock()
		return false
	}
	delete(sm.sessions, sess.Username)
	count := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(count)
	return true
}

// Get returns the session for username, if online.
func (sm *SessionManager) Get(username string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[username]
	return sess, ok
}

// Snapshot returns all sessions registered at this instant.
func (sm *SessionManager) Snapshot() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Usernames returns the online usernames, sorted case-insensitively.
func (sm *SessionManager) Usernames() []string {
	sm.mu.RLock()
	names := make([]string, 0, len(sm.sessions))
	for name := range sm.sessions {
		names = append(names, name)
	}
	sm.mu.RUnlock()

	sort.Slice(names, func(i, j int) bool {
		return strings.ToLower(names[i]) < strings.ToLower(names[j])
	})
	return names
}

// Count returns the number of online sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}
