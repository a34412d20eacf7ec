package labimport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labflow/labflow/internal/domain/identity"
	"github.com/labflow/labflow/internal/platform/auth"
)

func multipartBody(t *testing.T, name string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	part, err := w.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write(content)
	w.Close()
	return body, w.FormDataContentType()
}

func (f *fixture) uploadContext(t *testing.T, target string, content []byte) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	body, ctype := multipartBody(t, "results.csv", content)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set(echo.HeaderContentType, ctype)
	req = req.WithContext(auth.WithUser(req.Context(), f.tech.ID.String(), []string{identity.RoleLabTechnician}))
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError with %d, got %v", code, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, he.Code, he.Message)
	}
}

func TestHandler_UploadSync(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())
	c, rec := f.uploadContext(t, "/lab-uploads?sync=true",
		[]byte(csvHeader+"a@b.com,Glucose,95.5,mg/dL,2025-04-23T08:30:00Z\n"))

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != string(StatusCompleted) {
		t.Errorf("expected completed, got %v", body["status"])
	}
	if body["success_rate"] != float64(100) {
		t.Errorf("expected success_rate 100, got %v", body["success_rate"])
	}
	if _, ok := body["processing_log"]; ok {
		t.Error("processing log should not be embedded in the record view")
	}
	if f.resultCount() != 1 {
		t.Errorf("expected one result, got %d", f.resultCount())
	}
}

func TestHandler_UploadDispatched(t *testing.T) {
	f := newFixture()
	d := &fakeDispatcher{}
	f.svc.SetDispatcher(d)
	h := NewHandler(f.svc, 0, zerolog.Nop())
	c, rec := f.uploadContext(t, "/lab-uploads",
		[]byte(csvHeader+"a@b.com,Glucose,95.5,mg/dL,2025-04-23T08:30:00Z\n"))

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	if len(d.ids) != 1 {
		t.Fatalf("expected one dispatched upload, got %d", len(d.ids))
	}
	u, _ := f.uploads.GetByID(context.Background(), d.ids[0])
	if u.Status != StatusPending {
		t.Errorf("expected dispatched upload to stay pending, got %s", u.Status)
	}
	if f.resultCount() != 0 {
		t.Error("expected no results before the worker runs")
	}
}

func TestHandler_UploadDispatchFailureRunsInline(t *testing.T) {
	f := newFixture()
	f.svc.SetDispatcher(&fakeDispatcher{err: errors.New("redis down")})
	var logs bytes.Buffer
	h := NewHandler(f.svc, 0, zerolog.New(&logs))
	c, rec := f.uploadContext(t, "/lab-uploads",
		[]byte(csvHeader+"a@b.com,Glucose,95.5,mg/dL,2025-04-23T08:30:00Z\n"))

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected inline import with 200, got %d", rec.Code)
	}
	if f.resultCount() != 1 {
		t.Errorf("expected one result, got %d", f.resultCount())
	}
	out := logs.String()
	if !strings.Contains(out, `"level":"warn"`) || !strings.Contains(out, "redis down") || !strings.Contains(out, `"upload_id"`) {
		t.Errorf("expected structured warning for the failed dispatch, got %q", out)
	}
}

func TestHandler_UploadDispatchAmbiguousFailure(t *testing.T) {
	f := newFixture()
	// The task reached the worker even though the enqueue reported an error.
	f.svc.SetDispatcher(&fakeDispatcher{
		err: errors.New("i/o timeout"),
		before: func(id uuid.UUID) {
			if _, err := f.svc.RunUpload(context.Background(), id); err != nil {
				t.Errorf("worker run: %v", err)
			}
		},
	})
	h := NewHandler(f.svc, 0, zerolog.Nop())
	c, rec := f.uploadContext(t, "/lab-uploads",
		[]byte(csvHeader+"a@b.com,Glucose,95.5,mg/dL,2025-04-23T08:30:00Z\n"))

	if err := h.Upload(c); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202 with the worker's record, got %d", rec.Code)
	}
	if f.resultCount() != 1 {
		t.Errorf("expected exactly one result, got %d", f.resultCount())
	}
}

func TestHandler_UploadTooLarge(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 16, zerolog.Nop())
	c, _ := f.uploadContext(t, "/lab-uploads", bytes.Repeat([]byte("x"), 64))
	expectHTTPError(t, h.Upload(c), http.StatusRequestEntityTooLarge)
}

func TestHandler_UploadRequiresUser(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())
	body, ctype := multipartBody(t, "r.csv", []byte(csvHeader))
	req := httptest.NewRequest(http.MethodPost, "/lab-uploads", body)
	req.Header.Set(echo.HeaderContentType, ctype)
	c := echo.New().NewContext(req, httptest.NewRecorder())
	expectHTTPError(t, h.Upload(c), http.StatusUnauthorized)
}

func TestHandler_UploadMissingFile(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/lab-uploads", nil)
	req = req.WithContext(auth.WithUser(req.Context(), f.tech.ID.String(), nil))
	c := echo.New().NewContext(req, httptest.NewRecorder())
	expectHTTPError(t, h.Upload(c), http.StatusBadRequest)
}

func TestHandler_Analyze(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())
	c, rec := f.uploadContext(t, "/lab-uploads/analyze", []byte("name;age\nx;1\n"))

	if err := h.Analyze(c); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var a Analysis
	if err := json.Unmarshal(rec.Body.Bytes(), &a); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if a.ValidForImport || a.Delimiter != ";" {
		t.Errorf("unexpected analysis %+v", a)
	}
	if len(f.uploads.uploads) != 0 {
		t.Error("analyze must not create upload records")
	}
}

func idContext(method, id string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", nil)
	req = req.WithContext(auth.WithUser(req.Context(), uuid.New().String(), []string{identity.RoleLabTechnician}))
	rec := httptest.NewRecorder()
	c := echo.New().NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues(id)
	return c, rec
}

func TestHandler_GetAndLog(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())
	u := f.importCSV(t, csvHeader+"a@b.com,Iron,1,mg/dL,2025-04-23\n")

	c, rec := idContext(http.MethodGet, u.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c, rec = idContext(http.MethodGet, u.ID.String())
	if err := h.GetLog(c); err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	var entries []LogEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Row == 1 && e.Level == LevelError {
			found = true
		}
	}
	if !found {
		t.Errorf("expected row 1 error in log, got %+v", entries)
	}
}

func TestHandler_NotFoundAndBadID(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())

	c, _ := idContext(http.MethodGet, uuid.New().String())
	expectHTTPError(t, h.Get(c), http.StatusNotFound)

	c, _ = idContext(http.MethodGet, "nope")
	expectHTTPError(t, h.Get(c), http.StatusBadRequest)

	c, _ = idContext(http.MethodGet, uuid.New().String())
	expectHTTPError(t, h.Download(c), http.StatusNotFound)
}

func TestHandler_Download(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())
	content := csvHeader + "a@b.com,Glucose,1,mg/dL,2025-04-23\n"
	u := f.importCSV(t, content)

	c, rec := idContext(http.MethodGet, u.ID.String())
	if err := h.Download(c); err != nil {
		t.Fatalf("Download: %v", err)
	}
	if rec.Body.String() != content {
		t.Errorf("expected stored bytes back, got %q", rec.Body.String())
	}
	if rec.Header().Get("Content-Disposition") == "" {
		t.Error("expected attachment disposition")
	}
}

func TestHandler_Reprocess(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())

	ok := f.importCSV(t, csvHeader+"a@b.com,Glucose,1,mg/dL,2025-04-23\n")
	c, _ := idContext(http.MethodPost, ok.ID.String())
	expectHTTPError(t, h.Reprocess(c), http.StatusConflict)

	bad := f.importCSV(t, csvHeader+"a@b.com,Iron,1,mg/dL,2025-04-23\n")
	f.exams.types["Iron"] = f.exams.types["Glucose"]
	c, rec := idContext(http.MethodPost, bad.ID.String())
	if err := h.Reprocess(c); err != nil {
		t.Fatalf("Reprocess: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected inline reprocess with 200, got %d", rec.Code)
	}
	var body map[string]interface{}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["reprocess_of"] != bad.ID.String() {
		t.Errorf("expected reprocess_of %s, got %v", bad.ID, body["reprocess_of"])
	}
	if body["status"] != string(StatusCompleted) {
		t.Errorf("expected completed, got %v", body["status"])
	}
}

func TestHandler_List(t *testing.T) {
	f := newFixture()
	h := NewHandler(f.svc, 0, zerolog.Nop())
	f.importCSV(t, csvHeader+"a@b.com,Glucose,1,mg/dL,2025-04-23\n")
	f.importCSV(t, csvHeader+"a@b.com,Iron,1,mg/dL,2025-04-23\n")

	req := httptest.NewRequest(http.MethodGet, "/lab-uploads?status=failed", nil)
	rec := httptest.NewRecorder()
	if err := h.List(echo.New().NewContext(req, rec)); err != nil {
		t.Fatalf("List: %v", err)
	}
	var body struct {
		Data  []map[string]interface{} `json:"data"`
		Total int                      `json:"total"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Total != 1 || len(body.Data) != 1 || body.Data[0]["status"] != string(StatusFailed) {
		t.Errorf("unexpected list %+v", body)
	}

	req = httptest.NewRequest(http.MethodGet, "/lab-uploads?status=bogus", nil)
	expectHTTPError(t, h.List(echo.New().NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}
