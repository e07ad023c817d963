package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	SessionIDKey contextKey = "session_id"
)

// claimsKey is the echo context key holding the parsed *Claims.
const claimsKey = "auth_claims"

// WithUserID returns a copy of ctx carrying the authenticated username.
func WithUserID(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, UserIDKey, username)
}

// UserIDFromContext returns the authenticated username, or "" when the
// context carries none.
func UserIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(UserIDKey).(string)
	return v
}

// SessionIDFromContext returns the current session id, if any.
func SessionIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(SessionIDKey).(string)
	return v
}

// ClaimsFromContext returns the claims set by RequireSession.
func ClaimsFromContext(c echo.Context) *Claims {
	claims, _ := c.Get(claimsKey).(*Claims)
	return claims
}

// RequireSession rejects requests without a valid bearer session token.
// Requests for which skipper returns true pass through untouched.
func RequireSession(m *SessionManager, skipper func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skipper != nil && skipper(c) {
				return next(c)
			}

			token, ok := bearerToken(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
			}
			claims, err := m.Authenticate(token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired session")
			}

			c.Set(claimsKey, claims)
			ctx := WithUserID(c.Request().Context(), claims.Subject)
			ctx = context.WithValue(ctx, SessionIDKey, claims.ID)
			c.SetRequest(c.Request().WithContext(ctx))

			return next(c)
		}
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers
// on WebSocket handshakes, so upgrade requests may carry the token in the
// access_token query parameter instead.
func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		token := r.URL.Query().Get("access_token")
		return token, token != ""
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
