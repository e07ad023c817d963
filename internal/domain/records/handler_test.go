package records

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/retinaview/retinaview/internal/platform/blobstore"
)

func newTestAPI(t *testing.T) (*echo.Echo, *Store) {
	t.Helper()
	store := NewStore(blobstore.NewMemoryStore(), Options{})
	e := echo.New()
	NewHandler(store).RegisterRoutes(e.Group("/api/v1"))
	return e, store
}

func serve(e *echo.Echo, method, path, contentType string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func serveJSON(e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	return serve(e, method, path, echo.MIMEApplicationJSON, strings.NewReader(body))
}

func multipartBody(t *testing.T, files map[string]string) (string, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for name, content := range files {
		part, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		part.Write([]byte(content))
	}
	w.Close()
	return w.FormDataContentType(), &buf
}

func TestHTTPError_Mapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{notFoundf("x"), http.StatusNotFound},
		{ErrDuplicateKey, http.StatusConflict},
		{invalidf("x"), http.StatusBadRequest},
		{ErrStorageFailure, http.StatusBadGateway},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		he, ok := httpError(tc.err).(*echo.HTTPError)
		if !ok {
			t.Fatalf("expected *echo.HTTPError for %v", tc.err)
		}
		if he.Code != tc.code {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.code, he.Code)
		}
		if he.Internal != tc.err {
			t.Errorf("%v: expected internal cause to be preserved", tc.err)
		}
	}
}

func TestCreatePatient_Handler(t *testing.T) {
	e, _ := newTestAPI(t)

	rec := serveJSON(e, http.MethodPost, "/api/v1/patients", `{"patient_id":"P001","scan_date":"2024-03-14","eye":"left"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var p patientResponse
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.PatientID != "P001" || p.ScanDate != "2024-03-14" || p.Eye != EyeLeft {
		t.Errorf("unexpected response %+v", p)
	}

	rec = serveJSON(e, http.MethodPost, "/api/v1/patients", `{"patient_id":"P001","scan_date":"2024-03-15","eye":"right"}`)
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate: expected 409, got %d", rec.Code)
	}
}

func TestCreatePatient_HandlerValidation(t *testing.T) {
	e, _ := newTestAPI(t)
	for _, body := range []string{
		`{"patient_id":"P001","scan_date":"14/03/2024","eye":"left"}`,
		`{"patient_id":"P001","scan_date":"2024-03-14","eye":"up"}`,
		`{"patient_id":"","scan_date":"2024-03-14","eye":"left"}`,
		`not json`,
	} {
		if rec := serveJSON(e, http.MethodPost, "/api/v1/patients", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}
}

func TestGetPatient_Handler(t *testing.T) {
	e, store := newTestAPI(t)
	mustCreatePatient(t, store, "P001")

	if rec := serve(e, http.MethodGet, "/api/v1/patients/P001", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if rec := serve(e, http.MethodGet, "/api/v1/patients/ghost", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestAnalysis_Handler(t *testing.T) {
	e, store := newTestAPI(t)
	mustCreatePatient(t, store, "P001")

	rec := serveJSON(e, http.MethodPut, "/api/v1/patients/P001/analysis", `{"diagnosis":"Glaucoma","confidence":87.5,"details":"cup-to-disc 0.7"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	for _, body := range []string{
		`{"diagnosis":"Glaucoma","confidence":100.1}`,
		`{"diagnosis":"Glaucoma"}`,
	} {
		if rec := serveJSON(e, http.MethodPut, "/api/v1/patients/P001/analysis", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rec.Code)
		}
	}

	rec = serve(e, http.MethodGet, "/api/v1/patients/P001/analysis", "", nil)
	var a Analysis
	json.Unmarshal(rec.Body.Bytes(), &a)
	if a.Diagnosis != "Glaucoma" || a.Confidence != 87.5 {
		t.Errorf("unexpected analysis %+v", a)
	}

	if rec := serveJSON(e, http.MethodPut, "/api/v1/patients/ghost/analysis", `{"diagnosis":"x","confidence":1}`); rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient: expected 404, got %d", rec.Code)
	}
}

func TestUploadAndDownload_Handler(t *testing.T) {
	e, store := newTestAPI(t)
	mustCreatePatient(t, store, "P001")

	ct, body := multipartBody(t, map[string]string{"notes.txt": "hello"})
	rec := serve(e, http.MethodPost, "/api/v1/patients/P001/attachments", ct, body)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Stored []string `json:"stored"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if len(resp.Stored) != 1 || !strings.HasSuffix(resp.Stored[0], "_notes.txt") {
		t.Fatalf("unexpected stored names %v", resp.Stored)
	}

	rec = serve(e, http.MethodGet, "/api/v1/patients/P001/attachments/"+resp.Stored[0], "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("download: expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "hello" {
		t.Errorf("expected hello, got %q", rec.Body.String())
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); !strings.Contains(cd, `"notes.txt"`) {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}

	rec = serve(e, http.MethodGet, "/api/v1/patients/P001/attachments", "", nil)
	var list []Attachment
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].OriginalName != "notes.txt" {
		t.Errorf("unexpected list %+v", list)
	}
}

func TestUpload_HandlerErrors(t *testing.T) {
	e, store := newTestAPI(t)
	mustCreatePatient(t, store, "P001")

	ct, body := multipartBody(t, map[string]string{})
	if rec := serve(e, http.MethodPost, "/api/v1/patients/P001/attachments", ct, body); rec.Code != http.StatusBadRequest {
		t.Errorf("empty upload: expected 400, got %d", rec.Code)
	}

	ct, body = multipartBody(t, map[string]string{"a.png": "x"})
	if rec := serve(e, http.MethodPost, "/api/v1/patients/ghost/attachments", ct, body); rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient: expected 404, got %d", rec.Code)
	}

	if rec := serveJSON(e, http.MethodPost, "/api/v1/patients/P001/attachments", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("non-multipart: expected 400, got %d", rec.Code)
	}
}

func TestReport_Handler(t *testing.T) {
	e, store := newTestAPI(t)
	mustCreatePatient(t, store, "P001")

	rec := serve(e, http.MethodGet, "/api/v1/patients/P001/report", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/pdf" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); cd != `attachment; filename="report_P001.pdf"` {
		t.Errorf("unexpected Content-Disposition %q", cd)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("%PDF-")) {
		t.Error("expected PDF body")
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("No analysis available.")) {
		t.Error("expected no-analysis line")
	}

	if rec := serve(e, http.MethodGet, "/api/v1/patients/ghost/report", "", nil); rec.Code != http.StatusNotFound {
		t.Errorf("unknown patient: expected 404, got %d", rec.Code)
	}
}

func TestSearch_Handler(t *testing.T) {
	e, store := newTestAPI(t)
	for _, id := range []string{"PAT-1", "other"} {
		mustCreatePatient(t, store, id)
	}

	for _, path := range []string{"/api/v1/patients?patient_id=pat", "/api/v1/search?patient_id=pat"} {
		rec := serve(e, http.MethodGet, path, "", nil)
		var resp struct {
			Total   int               `json:"total"`
			Results []patientResponse `json:"results"`
		}
		json.Unmarshal(rec.Body.Bytes(), &resp)
		if resp.Total != 1 || resp.Results[0].PatientID != "PAT-1" {
			t.Errorf("%s: unexpected results %+v", path, resp)
		}
	}
}

func TestSearch_HandlerPaging(t *testing.T) {
	e, store := newTestAPI(t)
	for _, id := range []string{"P1", "P2", "P3", "P4", "P5"} {
		mustCreatePatient(t, store, id)
	}

	rec := serve(e, http.MethodGet, "/api/v1/search?patient_id=p&limit=2&offset=2", "", nil)
	var resp struct {
		Total   int               `json:"total"`
		HasMore bool              `json:"has_more"`
		Results []patientResponse `json:"results"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 5 || !resp.HasMore || len(resp.Results) != 2 || resp.Results[0].PatientID != "P3" {
		t.Errorf("unexpected page %+v", resp)
	}
	link := rec.Header().Get("Link")
	if !strings.Contains(link, `rel="next"`) || !strings.Contains(link, `rel="prev"`) {
		t.Errorf("unexpected Link header %q", link)
	}

	rec = serve(e, http.MethodGet, "/api/v1/search?offset=99", "", nil)
	resp.Results = nil
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 5 || len(resp.Results) != 0 || resp.HasMore {
		t.Errorf("past-the-end page: unexpected %+v", resp)
	}
}

func TestNotifications_Handler(t *testing.T) {
	e, _ := newTestAPI(t)

	if rec := serveJSON(e, http.MethodPost, "/api/v1/notifications", `{"message":"clinic closed friday"}`); rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	if rec := serveJSON(e, http.MethodPost, "/api/v1/notifications", `{"message":""}`); rec.Code != http.StatusBadRequest {
		t.Errorf("empty message: expected 400, got %d", rec.Code)
	}

	rec := serve(e, http.MethodGet, "/api/v1/notifications", "", nil)
	var list []Notification
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].Message != "clinic closed friday" {
		t.Errorf("unexpected notifications %+v", list)
	}
}

func TestDashboard_Handler(t *testing.T) {
	e, store := newTestAPI(t)
	mustCreatePatient(t, store, "P001")

	rec := serve(e, http.MethodGet, "/api/v1/dashboard", "", nil)
	var sum Summary
	json.Unmarshal(rec.Body.Bytes(), &sum)
	if sum.Patients != 1 {
		t.Errorf("expected 1 patient, got %+v", sum)
	}
}
