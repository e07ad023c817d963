package auth

import (
	"sync"
	"time"
)

// TokenRevocationStore remembers ended sessions by session id until the
// session's token would have expired anyway. Safe for concurrent use.
type TokenRevocationStore struct {
	mu       sync.RWMutex
	expiry   map[string]time.Time // session id -> token expiry
	byUser   map[string]map[string]struct{}
	done     chan struct{}
	now      func() time.Time
	interval time.Duration
}

// NewTokenRevocationStore creates a store and starts a goroutine that sweeps
// expired entries every five minutes. Call Close to stop it.
func NewTokenRevocationStore() *TokenRevocationStore {
	return newRevocationStore(5*time.Minute, time.Now)
}

func newRevocationStore(interval time.Duration, now func() time.Time) *TokenRevocationStore {
	s := &TokenRevocationStore{
		expiry:   make(map[string]time.Time),
		byUser:   make(map[string]map[string]struct{}),
		done:     make(chan struct{}),
		now:      now,
		interval: interval,
	}
	go s.sweepLoop()
	return s
}

// Revoke ends a session that has no recorded user.
func (s *TokenRevocationStore) Revoke(sessionID string, expiresAt time.Time) {
	s.RevokeForUser(sessionID, "", expiresAt)
}

// RevokeForUser ends a session and indexes it under username.
func (s *TokenRevocationStore) RevokeForUser(sessionID, username string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expiry[sessionID] = expiresAt
	if username == "" {
		return
	}
	ids, ok := s.byUser[username]
	if !ok {
		ids = make(map[string]struct{})
		s.byUser[username] = ids
	}
	ids[sessionID] = struct{}{}
}

// IsRevoked reports whether the session has been ended.
func (s *TokenRevocationStore) IsRevoked(sessionID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.expiry[sessionID]
	return ok
}

// RevokedForUser returns how many tracked revoked sessions belong to username.
func (s *TokenRevocationStore) RevokedForUser(username string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byUser[username])
}

// Count returns the number of tracked revoked sessions.
func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.expiry)
}

// Close stops the sweeper. Safe to call more than once.
func (s *TokenRevocationStore) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *TokenRevocationStore) sweepLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep drops entries whose tokens are past expiry.
func (s *TokenRevocationStore) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, exp := range s.expiry {
		if !now.After(exp) {
			continue
		}
		delete(s.expiry, id)
		for user, ids := range s.byUser {
			if _, ok := ids[id]; !ok {
				continue
			}
			delete(ids, id)
			if len(ids) == 0 {
				delete(s.byUser, user)
			}
		}
	}
}
