// Package session models live connections and the registry that maps
// verified subjects to them.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/citycab/dispatch/core/model"
)

// Conn is the transport half of a session. Send is best-effort: a connection
// whose transport is not in a sendable state drops the message without error.
type Conn interface {
	Send(v any) error
	Close() error
}

// Session is one live, addressable connection and its authentication state.
type Session struct {
	ID        string
	CreatedAt time.Time

	conn Conn

	mu      sync.Mutex
	subject string
	role    model.Role
}

// New wraps a transport connection into an unauthenticated session.
func New(conn Conn) *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		conn:      conn,
	}
}

// Bind records the verified identity of the connection. The first verified
// message wins; later messages with a different subject are the caller's
// problem to reject before binding.
func (s *Session) Bind(subject string, role model.Role) {
	s.mu.Lock()
	s.subject = subject
	s.role = role
	s.mu.Unlock()
}

// Subject returns the authenticated subject id, or "" before verification.
func (s *Session) Subject() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subject
}

// Role returns the declared role, or "" before verification.
func (s *Session) Role() model.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Send delivers a message on the session's transport.
func (s *Session) Send(v any) error { return s.conn.Send(v) }

// Close tears down the transport.
func (s *Session) Close() error { return s.conn.Close() }
