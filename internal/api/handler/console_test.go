package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/kiranshivaraju/hdriflow/internal/cache"
	"github.com/kiranshivaraju/hdriflow/internal/orchestrator"
	"github.com/kiranshivaraju/hdriflow/internal/store"
	"github.com/kiranshivaraju/hdriflow/internal/tracker"
	"github.com/kiranshivaraju/hdriflow/internal/transport"
	"github.com/kiranshivaraju/hdriflow/internal/upload"
	"github.com/kiranshivaraju/hdriflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fake console ---

type fakeConsole struct {
	state orchestrator.State
	err   error

	uploadedName    string
	uploadedContent string
	configured      models.JobConfiguration
	submittedName   string
	submitJobID     string
	calls           []string
}

func (f *fakeConsole) Snapshot() orchestrator.State { return f.state }

func (f *fakeConsole) OpenDashboard(context.Context) error {
	f.calls = append(f.calls, "dashboard")
	return f.err
}

func (f *fakeConsole) StartUpload() error {
	f.calls = append(f.calls, "start_upload")
	return f.err
}

func (f *fakeConsole) Upload(_ context.Context, file upload.File) (models.UploadedFile, error) {
	f.calls = append(f.calls, "upload")
	if f.err != nil {
		return models.UploadedFile{}, f.err
	}
	b, err := io.ReadAll(file.Content)
	if err != nil {
		return models.UploadedFile{}, err
	}
	f.uploadedName = file.Name
	f.uploadedContent = string(b)
	return models.UploadedFile{FileID: "file-1", Filename: file.Name, SizeBytes: file.Size}, nil
}

func (f *fakeConsole) Configure(cfg models.JobConfiguration) (models.JobConfiguration, error) {
	f.calls = append(f.calls, "configure")
	if f.err != nil {
		return models.JobConfiguration{}, f.err
	}
	f.configured = cfg
	return cfg.WithDefaults(), nil
}

func (f *fakeConsole) Submit(_ context.Context, name string) (string, error) {
	f.calls = append(f.calls, "submit")
	if f.err != nil {
		return f.submitJobID, f.err
	}
	f.submittedName = name
	return "job-1", nil
}

func (f *fakeConsole) CancelJob(context.Context) error {
	f.calls = append(f.calls, "cancel")
	return f.err
}

func (f *fakeConsole) Back(context.Context) error {
	f.calls = append(f.calls, "back")
	return f.err
}

var _ Console = (*orchestrator.Orchestrator)(nil)

// --- helpers ---

func newConsole(c *fakeConsole) (*ConsoleHandler, *store.MemoryStore) {
	s := store.NewMemoryStore()
	return NewConsoleHandler(c, s, 1024), s
}

func parseData(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var env struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Data
}

func parseErrCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

// --- tests ---

func TestState_ReturnsSnapshot(t *testing.T) {
	c := &fakeConsole{state: orchestrator.State{
		ViewName: "processing",
		ViewData: orchestrator.ProcessingView{JobID: "job-1"},
		Tracker:  tracker.Snapshot{State: tracker.StateProcessing, JobID: "job-1"},
	}}
	h, _ := newConsole(c)

	rec := httptest.NewRecorder()
	h.State(rec, httptest.NewRequest(http.MethodGet, "/api/v1/state", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	data := parseData(t, rec)
	assert.Equal(t, "processing", data["view"])
	tr := data["tracker"].(map[string]any)
	assert.Equal(t, "job-1", tr["job_id"])
}

func TestUpload_PassesFileThrough(t *testing.T) {
	c := &fakeConsole{}
	h, _ := newConsole(c)

	body, ct := multipartBody(t, "file", "scene.jpg", []byte("jpeg-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "scene.jpg", c.uploadedName)
	assert.Equal(t, "jpeg-bytes", c.uploadedContent)
	assert.Equal(t, "file-1", parseData(t, rec)["file_id"])
}

func TestUpload_MissingField(t *testing.T) {
	c := &fakeConsole{}
	h, _ := newConsole(c)

	body, ct := multipartBody(t, "image", "scene.jpg", []byte("x"))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", parseErrCode(t, rec))
	assert.Empty(t, c.calls)
}

func TestUpload_BodyOverLimit(t *testing.T) {
	c := &fakeConsole{}
	s := store.NewMemoryStore()
	h := NewConsoleHandler(c, s, 10)

	big := bytes.Repeat([]byte("a"), 10+multipartOverhead+1)
	body, ct := multipartBody(t, "file", "scene.jpg", big)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE_TOO_LARGE", parseErrCode(t, rec))
	assert.Empty(t, c.calls)
}

func TestUpload_StreamedBodyOverLimit(t *testing.T) {
	c := &fakeConsole{}
	h := NewConsoleHandler(c, store.NewMemoryStore(), 10)

	big := bytes.Repeat([]byte("a"), 10+multipartOverhead+1)
	body, ct := multipartBody(t, "file", "scene.jpg", big)
	// No declared length, so only the body cap can catch it.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", io.MultiReader(body))
	req.Header.Set("Content-Type", ct)
	require.Equal(t, int64(-1), req.ContentLength)
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE_TOO_LARGE", parseErrCode(t, rec))
	assert.Empty(t, c.calls)
}

func TestConfigure_DecodesBody(t *testing.T) {
	c := &fakeConsole{}
	h, _ := newConsole(c)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/configuration",
		strings.NewReader(`{"resolution":2048,"outputFormat":"exr"}`))
	rec := httptest.NewRecorder()
	h.Configure(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2048, c.configured.Resolution)
	data := parseData(t, rec)
	assert.Equal(t, "exr", data["outputFormat"])
	assert.Equal(t, models.DefaultPreset, data["preset"])
}

func TestConfigure_InvalidJSON(t *testing.T) {
	c := &fakeConsole{}
	h, _ := newConsole(c)

	rec := httptest.NewRecorder()
	h.Configure(rec, httptest.NewRequest(http.MethodPut, "/api/v1/configuration", strings.NewReader("{")))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", parseErrCode(t, rec))
}

func TestSubmit_WithAndWithoutBody(t *testing.T) {
	c := &fakeConsole{}
	h, _ := newConsole(c)

	rec := httptest.NewRecorder()
	h.Submit(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", strings.NewReader(`{"name":"garage"}`)))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "garage", c.submittedName)
	assert.Equal(t, "job-1", parseData(t, rec)["job_id"])

	rec = httptest.NewRecorder()
	h.Submit(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "", c.submittedName)
}

func TestActions_ReturnState(t *testing.T) {
	c := &fakeConsole{state: orchestrator.State{ViewName: "dashboard", ViewData: orchestrator.DashboardView{}}}
	h, _ := newConsole(c)

	for _, tc := range []struct {
		name string
		fn   http.HandlerFunc
	}{
		{"dashboard", h.Dashboard},
		{"start_upload", h.StartUpload},
		{"cancel", h.Cancel},
		{"back", h.Back},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			tc.fn(rec, httptest.NewRequest(http.MethodPost, "/", nil))
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, "dashboard", parseData(t, rec)["view"])
		})
	}
	assert.Equal(t, []string{"dashboard", "start_upload", "cancel", "back"}, c.calls)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"transition", fmt.Errorf("submit: %w", orchestrator.ErrInvalidTransition), http.StatusConflict, "INVALID_TRANSITION"},
		{"busy", orchestrator.ErrBusy, http.StatusConflict, "BUSY"},
		{"view changed", orchestrator.ErrViewChanged, http.StatusConflict, "VIEW_CHANGED"},
		{"too large", &upload.ValidationError{Reason: upload.ErrFileTooLarge, Detail: "max 200MB"}, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
		{"unsupported", &upload.ValidationError{Reason: upload.ErrUnsupportedType}, http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE"},
		{"configuration", fmt.Errorf("%w: bad resolution", models.ErrInvalidConfiguration), http.StatusBadRequest, "INVALID_CONFIGURATION"},
		{"not cancellable", tracker.ErrNotCancellable, http.StatusConflict, "NOT_CANCELLABLE"},
		{"upstream", &transport.TransportError{Status: 500, Message: "boom", Err: transport.ErrRequestFailed}, http.StatusBadGateway, "UPSTREAM_ERROR"},
		{"other", errors.New("mystery"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newConsole(&fakeConsole{err: tc.err})
			rec := httptest.NewRecorder()
			h.Submit(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, parseErrCode(t, rec))
		})
	}
}

func TestSubmit_ViewChangedCarriesJobID(t *testing.T) {
	h, _ := newConsole(&fakeConsole{err: orchestrator.ErrViewChanged, submitJobID: "job-9"})

	rec := httptest.NewRecorder()
	h.Submit(rec, httptest.NewRequest(http.MethodPost, "/api/v1/jobs", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	var env struct {
		Error struct {
			Code    string            `json:"code"`
			Details map[string]string `json:"details"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "VIEW_CHANGED", env.Error.Code)
	assert.Equal(t, "job-9", env.Error.Details["job_id"])
}

func TestHistory_ListsSubmissions(t *testing.T) {
	h, s := newConsole(&fakeConsole{})
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, s.RecordSubmission(ctx, &models.Submission{
			JobID:  fmt.Sprintf("job-%d", i),
			Status: models.JobStatusPending,
		}))
	}

	rec := httptest.NewRecorder()
	h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit=2", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var env struct {
		Data []models.Submission `json:"data"`
		Meta struct {
			Limit int `json:"limit"`
			Count int `json:"count"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Len(t, env.Data, 2)
	assert.Equal(t, 2, env.Meta.Limit)
	assert.Equal(t, 2, env.Meta.Count)
}

func withJobID(r *http.Request, jobID string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("jobID", jobID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestSubmission_IncludesMirroredStatus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mirror := cache.NewMemoryCache(16, time.Minute)
	t.Cleanup(func() { mirror.Close() })
	h := NewConsoleHandler(&fakeConsole{}, s, 1024, WithStatusMirror(mirror))

	require.NoError(t, s.RecordSubmission(ctx, &models.Submission{JobID: "job-1", Name: "garage"}))
	require.NoError(t, mirror.SetJobStatus(ctx, "job-1", models.JobStatusProcessing, time.Minute))

	rec := httptest.NewRecorder()
	h.Submission(rec, withJobID(httptest.NewRequest(http.MethodGet, "/api/v1/history/job-1", nil), "job-1"))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	data := parseData(t, rec)
	assert.Equal(t, "job-1", data["job_id"])
	assert.Equal(t, "garage", data["name"])
	assert.Equal(t, models.JobStatusPending, data["status"])
	assert.Equal(t, models.JobStatusProcessing, data["mirrored_status"])
}

func TestSubmission_WithoutMirroredStatus(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	mirror := cache.NewMemoryCache(16, time.Minute)
	t.Cleanup(func() { mirror.Close() })
	h := NewConsoleHandler(&fakeConsole{}, s, 1024, WithStatusMirror(mirror))
	require.NoError(t, s.RecordSubmission(ctx, &models.Submission{JobID: "job-1"}))

	rec := httptest.NewRecorder()
	h.Submission(rec, withJobID(httptest.NewRequest(http.MethodGet, "/api/v1/history/job-1", nil), "job-1"))

	require.Equal(t, http.StatusOK, rec.Code)
	_, present := parseData(t, rec)["mirrored_status"]
	assert.False(t, present)
}

func TestSubmission_NotFound(t *testing.T) {
	h, _ := newConsole(&fakeConsole{})

	rec := httptest.NewRecorder()
	h.Submission(rec, withJobID(httptest.NewRequest(http.MethodGet, "/api/v1/history/nope", nil), "nope"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", parseErrCode(t, rec))
}

func TestHistory_BadLimit(t *testing.T) {
	h, _ := newConsole(&fakeConsole{})

	for _, q := range []string{"0", "-1", "abc"} {
		rec := httptest.NewRecorder()
		h.History(rec, httptest.NewRequest(http.MethodGet, "/api/v1/history?limit="+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}
