package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenIssuer = "retinaview"

// Claims are the JWT claims of an HTTP session token. Subject is the
// username; ID is the session id used for revocation.
type Claims struct {
	jwt.RegisteredClaims
}

// SessionManager issues and validates HTTP session tokens.
type SessionManager struct {
	verifier Verifier
	secret   []byte
	ttl      time.Duration
	revoked  *TokenRevocationStore
	now      func() time.Time
}

// SessionConfig configures a SessionManager.
type SessionConfig struct {
	// Secret signs tokens with HS256. When empty a random per-process
	// secret is generated, so tokens do not survive a restart.
	Secret []byte
	TTL    time.Duration
	Now    func() time.Time
}

// NewSessionManager creates a manager backed by the given verifier and
// revocation store.
func NewSessionManager(v Verifier, revoked *TokenRevocationStore, cfg SessionConfig) (*SessionManager, error) {
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating session secret: %w", err)
		}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &SessionManager{verifier: v, secret: secret, ttl: ttl, revoked: revoked, now: now}, nil
}

// Login verifies the credentials and returns a signed token and its claims.
func (m *SessionManager) Login(username, password string) (string, *Claims, error) {
	if username == "" || !m.verifier.Verify(username, password) {
		return "", nil, ErrAuthenticationFailed
	}

	now := m.now()
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   username,
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, fmt.Errorf("signing session token: %w", err)
	}
	return signed, claims, nil
}

// Authenticate validates a token and returns its claims. Expired, malformed,
// foreign and revoked tokens all yield ErrUnauthenticated.
func (m *SessionManager) Authenticate(token string) (*Claims, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthenticated, errOrInvalid(err))
	}
	if claims.Subject == "" || claims.ID == "" {
		return nil, fmt.Errorf("%w: missing subject or session id", ErrUnauthenticated)
	}
	if m.revoked != nil && m.revoked.IsRevoked(claims.ID) {
		return nil, fmt.Errorf("%w: session ended", ErrUnauthenticated)
	}
	return claims, nil
}

// Logout revokes the session until its natural expiry.
func (m *SessionManager) Logout(claims *Claims) {
	if claims == nil || m.revoked == nil {
		return
	}
	expires := m.now().Add(m.ttl)
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	m.revoked.RevokeForUser(claims.ID, claims.Subject, expires)
}

// TTL returns the lifetime of issued tokens.
func (m *SessionManager) TTL() time.Duration { return m.ttl }

func errOrInvalid(err error) error {
	if err != nil {
		return err
	}
	return errors.New("invalid token")
}
