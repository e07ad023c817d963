package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths are the routes reachable without a session: liveness and the
// login endpoint itself.
var publicPaths = map[string]bool{
	"/health":     true,
	"/auth/login": true,
}

// AuthSkipper returns true for requests whose route should skip
// RequireSession.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether path is reachable without a session.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
