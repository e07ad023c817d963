package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/retinaview/retinaview/internal/platform/auth"
)

// AuditEntry records one access to patient records: who, what, when and
// with which outcome.
type AuditEntry struct {
	UserID     string
	PatientID  string
	Resource   string
	Action     string // read, create, update, search
	Method     string
	Path       string
	RemoteIP   string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AuditRecorder persists audit entries somewhere other than the log.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc is a function adapter for AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

const apiPrefix = "/api/v1/"

// Audit logs every /api/v1 request after it has been handled. Entries are
// always written to logger and additionally handed to recorder when given.
func Audit(logger zerolog.Logger, recorder AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, apiPrefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok && !c.Response().Committed {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)
			entry := AuditEntry{
				UserID:     auth.UserIDFromContext(req.Context()),
				PatientID:  patientIDFromRequest(c),
				Resource:   resourceFromPath(req.URL.Path),
				Action:     actionFor(req),
				Method:     req.Method,
				Path:       req.URL.Path,
				RemoteIP:   c.RealIP(),
				RequestID:  rid,
				StatusCode: status,
				Timestamp:  time.Now().UTC(),
			}

			if recorder != nil {
				if recErr := recorder.RecordAccess(entry); recErr != nil {
					logger.Error().Err(recErr).Str("request_id", rid).Msg("failed to record audit entry")
				}
			}

			logger.Info().
				Str("type", "record_access").
				Str("request_id", entry.RequestID).
				Str("user", entry.UserID).
				Str("patient_id", entry.PatientID).
				Str("resource", entry.Resource).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.RemoteIP).
				Int("status", entry.StatusCode).
				Msg("audit")

			return err
		}
	}
}

// actionFor maps a request to an audit action. Filtered GETs on the
// collection routes count as searches.
func actionFor(req *http.Request) string {
	switch req.Method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	}
	p := strings.TrimSuffix(req.URL.Path, "/")
	if p == apiPrefix+"search" || (p == apiPrefix+"patients" && req.URL.RawQuery != "") {
		return "search"
	}
	return "read"
}

// resourceFromPath returns the first segment after /api/v1/, or the
// sub-resource for paths below a patient (attachments, analysis, report).
func resourceFromPath(path string) string {
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, apiPrefix), "/"), "/")
	if len(segments) >= 3 && segments[0] == "patients" {
		return segments[2]
	}
	if segments[0] == "" {
		return "unknown"
	}
	return segments[0]
}

// patientIDFromRequest extracts the patient id from the route parameter or,
// when the route is unknown, from the raw path, falling back to the
// patient_id query filter.
func patientIDFromRequest(c echo.Context) string {
	if strings.HasPrefix(c.Path(), apiPrefix+"patients/:id") {
		return c.Param("id")
	}
	rest, ok := strings.CutPrefix(c.Request().URL.Path, apiPrefix+"patients/")
	if ok && rest != "" {
		id, _, _ := strings.Cut(rest, "/")
		if unescaped, err := url.PathUnescape(id); err == nil {
			return unescaped
		}
		return id
	}
	return c.QueryParam("patient_id")
}
