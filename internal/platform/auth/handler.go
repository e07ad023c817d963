package auth

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type loginRequest struct {
	Username string `json:"username" form:"username"`
	Password string `json:"password" form:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	TokenType string    `json:"token_type"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
}

type meResponse struct {
	Username  string    `json:"username"`
	SessionID string    `json:"session_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Handler serves the session endpoints.
type Handler struct {
	sessions *SessionManager
	logger   zerolog.Logger
}

func NewHandler(sessions *SessionManager, logger zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, logger: logger}
}

// RegisterRoutes mounts /auth/login, /auth/logout and /auth/me. The logout
// and me routes expect RequireSession to run before them.
func (h *Handler) RegisterRoutes(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	g := e.Group("/auth", mw...)
	g.POST("/login", h.Login)
	g.POST("/logout", h.Logout)
	g.GET("/me", h.Me)
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	token, claims, err := h.sessions.Login(req.Username, req.Password)
	if err != nil {
		h.logger.Warn().Str("username", req.Username).Msg("login rejected")
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid username or password").SetInternal(err)
	}
	h.logger.Info().Str("username", claims.Subject).Str("session_id", claims.ID).Msg("login")
	return c.JSON(http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		Username:  claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}

func (h *Handler) Logout(c echo.Context) error {
	claims := ClaimsFromContext(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in").SetInternal(ErrUnauthenticated)
	}
	h.sessions.Logout(claims)
	h.logger.Info().Str("username", claims.Subject).Str("session_id", claims.ID).Msg("logout")
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Me(c echo.Context) error {
	claims := ClaimsFromContext(c)
	if claims == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "not logged in").SetInternal(ErrUnauthenticated)
	}
	return c.JSON(http.StatusOK, meResponse{
		Username:  claims.Subject,
		SessionID: claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	})
}
