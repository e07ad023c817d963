package middleware

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/retinaview/retinaview/internal/platform/auth"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var kindByStatus = map[int]string{
	http.StatusBadRequest:            "InvalidArgument",
	http.StatusUnauthorized:          "Unauthenticated",
	http.StatusNotFound:              "NotFound",
	http.StatusMethodNotAllowed:      "MethodNotAllowed",
	http.StatusConflict:              "DuplicateKey",
	http.StatusRequestEntityTooLarge: "PayloadTooLarge",
	http.StatusTooManyRequests:       "RateLimited",
	http.StatusBadGateway:            "StorageFailure",
	http.StatusGatewayTimeout:        "Timeout",
}

// errorKind names the failure for clients. Login rejections are reported
// separately from missing or expired sessions.
func errorKind(code int, internal error) string {
	if code == http.StatusUnauthorized && errors.Is(internal, auth.ErrAuthenticationFailed) {
		return "AuthenticationFailed"
	}
	if k, ok := kindByStatus[code]; ok {
		return k
	}
	if code >= 500 {
		return "internal"
	}
	return http.StatusText(code)
}

// ErrorHandler renders errors as ErrorBody. Errors that are not
// *echo.HTTPError become 500s whose cause is logged but not returned.
func ErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		he, ok := err.(*echo.HTTPError)
		if !ok {
			he = echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
		}
		msg := fmt.Sprint(he.Message)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		if he.Code >= 500 {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(he.Internal).Str("request_id", rid).Int("status", he.Code).Msg(msg)
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(he.Code)
		} else {
			werr = c.JSON(he.Code, ErrorBody{Error: errorKind(he.Code, he.Internal), Message: msg})
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("writing error response")
		}
	}
}
