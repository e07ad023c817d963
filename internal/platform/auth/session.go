package auth

import (
	"errors"
	"sync"
)

var (
	// ErrAuthenticationFailed is returned when a username/password pair is rejected.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrUnauthenticated is returned when an operation needs an identity and none is held.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Session holds the identity of a single interactive caller. The zero value
// is an unauthenticated session.
type Session struct {
	mu       sync.Mutex
	identity string
}

// Identity returns the authenticated username, if any.
func (s *Session) Identity() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.identity != ""
}

// Login verifies the credentials and records the identity on success. A
// failed attempt leaves the session unauthenticated.
func (s *Session) Login(v Verifier, username, password string) error {
	ok := username != "" && v.Verify(username, password)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !ok {
		s.identity = ""
		return ErrAuthenticationFailed
	}
	s.identity = username
	return nil
}

// Logout clears the identity.
func (s *Session) Logout() {
	s.mu.Lock()
	s.identity = ""
	s.mu.Unlock()
}

// RequireAuth returns ErrUnauthenticated when no identity is held.
func (s *Session) RequireAuth() error {
	if _, ok := s.Identity(); !ok {
		return ErrUnauthenticated
	}
	return nil
}
