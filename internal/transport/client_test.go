package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/hdriflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

func serviceServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(baseURL string) *Client {
	return New(config.APIConfig{BaseURL: baseURL, Timeout: 5 * time.Second})
}

// --- success path ---

func TestCall_DecodesJSON(t *testing.T) {
	ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/jobs/job-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"job-1","status":"pending"}`))
	})

	c := newTestClient(ts.URL + "/api")
	var out struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	err := c.Call(context.Background(), "/jobs/job-1", Options{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "job-1", out.ID)
	assert.Equal(t, "pending", out.Status)
	assert.Nil(t, c.LastError())
	assert.False(t, c.Loading())
}

func TestCall_DefaultHeadersMergedWithCallerHeaders(t *testing.T) {
	var captured http.Header
	ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		captured = r.Header.Clone()
		w.Write([]byte(`{}`))
	})

	c := newTestClient(ts.URL)
	err := c.Call(context.Background(), "jobs", Options{
		Header: http.Header{"Accept": {"application/vnd.hdri+json"}, "X-Trace": {"abc"}},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "application/json", captured.Get("Content-Type"))
	assert.Equal(t, "application/vnd.hdri+json", captured.Get("Accept"), "caller header wins")
	assert.Equal(t, "abc", captured.Get("X-Trace"))
	assert.NotEmpty(t, captured.Get("X-Request-ID"))
}

func TestCall_SendsJSONBodyAndQuery(t *testing.T) {
	ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method, "body implies POST")
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "file-1", body["file_id"])
		w.Write([]byte(`{"job_id":"job-9"}`))
	})

	c := newTestClient(ts.URL)
	var out struct {
		JobID string `json:"job_id"`
	}
	err := c.Call(context.Background(), "/jobs", Options{
		Query: map[string][]string{"limit": {"5"}},
		Body:  map[string]string{"file_id": "file-1"},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "job-9", out.JobID)
}

func TestCall_EmptySuccessBody(t *testing.T) {
	ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c := newTestClient(ts.URL)
	var out map[string]any
	require.NoError(t, c.Call(context.Background(), "/jobs/1/cancel", Options{Method: http.MethodPost}, &out))
	assert.Nil(t, out)
}

// --- multipart ---

func TestCall_MultipartOmitsJSONContentType(t *testing.T) {
	ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		assert.True(t, strings.HasPrefix(ct, "multipart/form-data; boundary="), "got %q", ct)

		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "scene.jpg", hdr.Filename)
		assert.Equal(t, "jpeg-bytes", string(data))
		assert.Equal(t, "studio", r.FormValue("label"))

		w.Write([]byte(`{"file_id":"f-1"}`))
	})

	c := newTestClient(ts.URL)
	var out struct {
		FileID string `json:"file_id"`
	}
	err := c.Call(context.Background(), "/files/upload", Options{
		Header: http.Header{"Content-Type": {"application/json"}},
		Multipart: &Multipart{
			FieldName: "file",
			FileName:  "scene.jpg",
			Content:   strings.NewReader("jpeg-bytes"),
			Fields:    map[string]string{"label": "studio"},
		},
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, "f-1", out.FileID)
}

func TestCall_RejectsBodyAndMultipart(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	err := c.Call(context.Background(), "/files/upload", Options{
		Body:      map[string]string{},
		Multipart: &Multipart{Content: strings.NewReader("x")},
	}, nil)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

// --- failures ---

func TestCall_ErrorBodyMessage(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"flat error", `{"error":"File not found"}`, "File not found"},
		{"nested error", `{"error":{"code":"NOT_FOUND","message":"Job not found"}}`, "Job not found"},
		{"message field", `{"message":"Job cannot be cancelled"}`, "Job cannot be cancelled"},
		{"not json", `<html>bad gateway</html>`, "HTTP 502"},
		{"empty", ``, "HTTP 502"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
				w.Write([]byte(tc.body))
			})

			c := newTestClient(ts.URL)
			err := c.Call(context.Background(), "/jobs/x", Options{}, nil)
			require.Error(t, err)

			var te *TransportError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tc.want, te.Message)
			assert.Equal(t, http.StatusBadGateway, te.Status)
			assert.ErrorIs(t, err, ErrRequestFailed)
			assert.Equal(t, te, c.LastError())
		})
	}
}

func TestCall_ConnectionRefused(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	err := c.Call(context.Background(), "/jobs", Options{}, nil)
	require.Error(t, err)

	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 0, te.Status)
	assert.NotEmpty(t, te.Message)
	assert.ErrorIs(t, err, ErrUnreachable)
}

func TestCall_ContextTimeout(t *testing.T) {
	ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})

	c := newTestClient(ts.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := c.Call(ctx, "/jobs", Options{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCall_InvalidJSONResponse(t *testing.T) {
	ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":`))
	})

	c := newTestClient(ts.URL)
	var out map[string]any
	err := c.Call(context.Background(), "/jobs/1", Options{}, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

// --- observable flags ---

func TestCall_LoadingAndLastErrorReset(t *testing.T) {
	release := make(chan struct{})
	var fail atomic.Bool
	fail.Store(true)
	ts := serviceServer(t, func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		<-release
		w.Write([]byte(`{}`))
	})

	c := newTestClient(ts.URL)
	require.Error(t, c.Call(context.Background(), "/statistics", Options{}, nil))
	require.NotNil(t, c.LastError())
	assert.Equal(t, "HTTP 500", c.LastError().Message)

	fail.Store(false)
	done := make(chan error, 1)
	go func() { done <- c.Call(context.Background(), "/statistics", Options{}, nil) }()

	assert.Eventually(t, c.Loading, time.Second, 5*time.Millisecond)
	assert.Nil(t, c.LastError(), "last error resets when a new call starts")

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.Loading())
}

func TestEndpointLabel(t *testing.T) {
	assert.Equal(t, "/jobs/{id}", endpointLabel("/jobs/123"))
	assert.Equal(t, "/jobs/{id}/cancel", endpointLabel("jobs/123/cancel"))
	assert.Equal(t, "/jobs/{id}/results", endpointLabel("/jobs/abc/results"))
	assert.Equal(t, "/files/upload", endpointLabel("/files/upload"))
	assert.Equal(t, "/jobs", endpointLabel("/jobs?limit=10"))
	assert.Equal(t, "/statistics", endpointLabel("/statistics"))
}
