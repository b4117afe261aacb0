package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSessionBindAndLookup(t *testing.T) {
	s := NewSessionStore(zap.NewNop())
	s.Bind("sess-1", "alice")
	s.Bind("sess-2", "bob")

	tenantID, err := s.Tenant("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", tenantID)

	tenantID, err = s.Tenant("sess-2")
	require.NoError(t, err)
	assert.Equal(t, "bob", tenantID)
	assert.Equal(t, 2, s.Count())
}

func TestUnknownSession(t *testing.T) {
	s := NewSessionStore(zap.NewNop())
	_, err := s.Tenant("never-registered")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRemoveSession(t *testing.T) {
	s := NewSessionStore(zap.NewNop())
	s.Bind("sess-1", "alice")
	s.Remove("sess-1")

	_, err := s.Tenant("sess-1")
	assert.ErrorIs(t, err, ErrUnknownSession)
	assert.Equal(t, 0, s.Count())
}

func TestRevokeTenantSessions(t *testing.T) {
	s := NewSessionStore(zap.NewNop())
	s.Bind("sess-1", "alice")
	s.Bind("sess-2", "alice")
	s.Bind("sess-3", "bob")

	assert.Equal(t, 2, s.RevokeTenant("alice"))

	// Revoked is distinct from unknown: the client held a valid
	// session and must learn it was withdrawn.
	_, err := s.Tenant("sess-1")
	assert.ErrorIs(t, err, ErrSessionRevoked)
	_, err = s.Tenant("sess-2")
	assert.ErrorIs(t, err, ErrSessionRevoked)

	tenantID, err := s.Tenant("sess-3")
	require.NoError(t, err)
	assert.Equal(t, "bob", tenantID)
}

func TestRebindClearsRevocation(t *testing.T) {
	s := NewSessionStore(zap.NewNop())
	s.Bind("sess-1", "alice")
	s.RevokeTenant("alice")
	s.Bind("sess-1", "alice")

	tenantID, err := s.Tenant("sess-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", tenantID)
}
