package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/retinaview/retinaview/internal/platform/auth"
)

func TestErrorHandler_Kinds(t *testing.T) {
	cases := []struct {
		err     error
		code    int
		kind    string
		message string
	}{
		{echo.NewHTTPError(http.StatusNotFound, "patient \"x\" not found"), 404, "NotFound", "patient \"x\" not found"},
		{echo.NewHTTPError(http.StatusConflict, "dup"), 409, "DuplicateKey", "dup"},
		{echo.NewHTTPError(http.StatusBadRequest, "bad"), 400, "InvalidArgument", "bad"},
		{echo.NewHTTPError(http.StatusBadGateway, "disk"), 502, "StorageFailure", "disk"},
		{echo.NewHTTPError(http.StatusUnauthorized, "no").SetInternal(auth.ErrAuthenticationFailed), 401, "AuthenticationFailed", "no"},
		{echo.NewHTTPError(http.StatusUnauthorized, "no"), 401, "Unauthenticated", "no"},
		{errors.New("secret detail"), 500, "internal", "internal server error"},
	}
	for _, tc := range cases {
		c, rec := newTestContext(http.MethodGet, "/api/v1/patients/x")
		ErrorHandler(zerolog.Nop())(tc.err, c)

		if rec.Code != tc.code {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.code, rec.Code)
		}
		var body ErrorBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body.Error != tc.kind || body.Message != tc.message {
			t.Errorf("%v: got %+v, want %s/%s", tc.err, body, tc.kind, tc.message)
		}
	}
}

func TestErrorHandler_Head(t *testing.T) {
	c, rec := newTestContext(http.MethodHead, "/api/v1/patients/x")
	ErrorHandler(zerolog.Nop())(echo.NewHTTPError(http.StatusNotFound, "nope"), c)
	if rec.Code != http.StatusNotFound || rec.Body.Len() != 0 {
		t.Errorf("expected empty 404, got %d %q", rec.Code, rec.Body.String())
	}
}
