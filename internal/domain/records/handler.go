package records

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/retinaview/retinaview/internal/platform/reporting"
	"github.com/retinaview/retinaview/pkg/pagination"
)

type Handler struct {
	store *Store
}

func NewHandler(store *Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes mounts the record endpoints on api, which is expected to
// sit behind auth.RequireSession.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients", h.SearchPatients)
	api.GET("/patients/:id", h.GetPatient)

	api.POST("/patients/:id/attachments", h.UploadAttachments)
	api.GET("/patients/:id/attachments", h.ListAttachments)
	api.GET("/patients/:id/attachments/:name", h.DownloadAttachment)

	api.PUT("/patients/:id/analysis", h.SubmitAnalysis)
	api.GET("/patients/:id/analysis", h.GetAnalysis)
	api.GET("/patients/:id/report", h.DownloadReport)

	api.GET("/search", h.SearchPatients)

	api.POST("/notifications", h.CreateNotification)
	api.GET("/notifications", h.ListNotifications)

	api.GET("/dashboard", h.Dashboard)
}

// httpError maps a store error to an HTTP error carrying the original as
// its internal cause.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrDuplicateKey):
		code = http.StatusConflict
	case errors.Is(err, ErrInvalidArgument):
		code = http.StatusBadRequest
	case errors.Is(err, ErrStorageFailure):
		code = http.StatusBadGateway
	}
	return echo.NewHTTPError(code, err.Error()).SetInternal(err)
}

// -- Patients --

type createPatientRequest struct {
	PatientID string `json:"patient_id"`
	ScanDate  string `json:"scan_date"`
	Eye       string `json:"eye"`
}

type patientResponse struct {
	PatientID string    `json:"patient_id"`
	ScanDate  string    `json:"scan_date"`
	Eye       Eye       `json:"eye"`
	CreatedAt time.Time `json:"created_at"`
}

func toPatientResponse(p *Patient) patientResponse {
	return patientResponse{
		PatientID: p.PatientID,
		ScanDate:  p.ScanDate.Format(DateLayout),
		Eye:       p.Eye,
		CreatedAt: p.CreatedAt,
	}
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	date, err := time.Parse(DateLayout, strings.TrimSpace(req.ScanDate))
	if err != nil {
		return httpError(invalidf("scan_date must be YYYY-MM-DD, got %q", req.ScanDate))
	}
	p, err := h.store.CreatePatient(c.Request().Context(), req.PatientID, date, Eye(req.Eye))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, toPatientResponse(p))
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.store.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, toPatientResponse(p))
}

// SearchPatients returns every match unless the request asks for a page
// with limit or offset.
func (h *Handler) SearchPatients(c echo.Context) error {
	results := h.store.Search(c.Request().Context(), SearchParams{
		PatientID: c.QueryParam("patient_id"),
		Diagnosis: c.QueryParam("diagnosis"),
	})
	total := len(results)
	body := map[string]interface{}{"total": total}

	if page, ok := pagination.FromContext(c); ok {
		start, end := page.Bounds(total)
		results = results[start:end]
		body["limit"] = page.Limit
		body["offset"] = page.Offset
		body["has_more"] = page.HasNext(total)
		if link := page.LinkHeader(c.Request().URL.Path, c.QueryParams(), total); link != "" {
			c.Response().Header().Set("Link", link)
		}
	}

	out := make([]patientResponse, len(results))
	for i, p := range results {
		out[i] = toPatientResponse(p)
	}
	body["results"] = out
	return c.JSON(http.StatusOK, body)
}

// -- Attachments --

func (h *Handler) UploadAttachments(c echo.Context) error {
	form, err := c.MultipartForm()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form with field \"files\"")
	}
	headers := form.File["files"]
	files := make([]File, 0, len(headers))
	for _, fh := range headers {
		data, err := readPart(fh)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		files = append(files, File{Name: fh.Filename, Data: data})
	}

	names, err := h.store.AddAttachments(c.Request().Context(), c.Param("id"), files)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"patient_id": c.Param("id"),
		"stored":     names,
	})
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", fh.Filename, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", fh.Filename, err)
	}
	return data, nil
}

func (h *Handler) ListAttachments(c echo.Context) error {
	list, err := h.store.ListAttachments(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, list)
}

func (h *Handler) DownloadAttachment(c echo.Context) error {
	rc, a, err := h.store.OpenAttachment(c.Request().Context(), c.Param("id"), c.Param("name"))
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()

	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", a.OriginalName))
	contentType := a.ContentType
	if contentType == "" {
		contentType = echo.MIMEOctetStream
	}
	return c.Stream(http.StatusOK, contentType, rc)
}

// -- Analyses --

type submitAnalysisRequest struct {
	Diagnosis  string   `json:"diagnosis"`
	Confidence *float64 `json:"confidence"`
	Details    *string  `json:"details"`
}

func (h *Handler) SubmitAnalysis(c echo.Context) error {
	var req submitAnalysisRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Confidence == nil {
		return httpError(invalidf("confidence is required"))
	}
	a, err := h.store.SubmitAnalysis(c.Request().Context(), c.Param("id"), req.Diagnosis, *req.Confidence, req.Details)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetAnalysis(c echo.Context) error {
	a, err := h.store.GetAnalysis(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DownloadReport(c echo.Context) error {
	id := c.Param("id")
	pdf, err := h.store.Report(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", reporting.Filename(id)))
	return c.Blob(http.StatusOK, reporting.ContentType, pdf)
}

// -- Notifications --

type createNotificationRequest struct {
	Message string `json:"message"`
}

func (h *Handler) CreateNotification(c echo.Context) error {
	var req createNotificationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	n, err := h.store.CreateNotification(c.Request().Context(), req.Message)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, n)
}

func (h *Handler) ListNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.ListNotifications(c.Request().Context()))
}

// -- Dashboard --

func (h *Handler) Dashboard(c echo.Context) error {
	return c.JSON(http.StatusOK, h.store.Summary(c.Request().Context()))
}
