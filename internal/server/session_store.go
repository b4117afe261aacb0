package server

import (
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrUnknownSession means a session ID that was never registered; it
// points at a client bug or a restarted server.
var ErrUnknownSession = errors.New("unknown session")

// ErrSessionRevoked means the session existed but its tenant binding
// was withdrawn (API key rotated or tenant deleted). The client must
// reconnect with a valid key.
var ErrSessionRevoked = errors.New("session revoked")

// SessionStore maps live MCP session IDs to the tenant each one
// authenticated as. The binding is made once at session registration
// and never changes for the session's lifetime.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]string
	revoked  map[string]struct{}
	logger   *zap.Logger
}

// NewSessionStore creates an empty session store.
func NewSessionStore(logger *zap.Logger) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]string),
		revoked:  make(map[string]struct{}),
		logger:   logger.Named("sessions"),
	}
}

// Bind records the tenant a session authenticated as.
func (s *SessionStore) Bind(sessionID, tenantID string) {
	s.mu.Lock()
	s.sessions[sessionID] = tenantID
	delete(s.revoked, sessionID)
	s.mu.Unlock()
	s.logger.Debug("session bound",
		zap.String("session", sessionID), zap.String("tenant", tenantID))
}

// Tenant returns the tenant bound to a session. An unknown session and
// a revoked one are distinct errors: the former is a protocol problem,
// the latter an authorization one.
func (s *SessionStore) Tenant(sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.revoked[sessionID]; ok {
		return "", ErrSessionRevoked
	}
	tenantID, ok := s.sessions[sessionID]
	if !ok {
		return "", ErrUnknownSession
	}
	return tenantID, nil
}

// Remove drops a session on disconnect.
func (s *SessionStore) Remove(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	delete(s.revoked, sessionID)
	s.mu.Unlock()
	s.logger.Debug("session removed", zap.String("session", sessionID))
}

// RevokeTenant marks every session of a tenant as revoked. Used when
// an API key is rotated so in-flight sessions stop at the next call.
func (s *SessionStore) RevokeTenant(tenantID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for sessionID, boundTenant := range s.sessions {
		if boundTenant == tenantID {
			delete(s.sessions, sessionID)
			s.revoked[sessionID] = struct{}{}
			count++
		}
	}
	if count > 0 {
		s.logger.Info("sessions revoked",
			zap.String("tenant", tenantID), zap.Int("count", count))
	}
	return count
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
