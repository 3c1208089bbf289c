// Package transport wraps outbound requests to the remote processing service
// and normalizes every failure into a TransportError.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/hdriflow/internal/config"
	"github.com/kiranshivaraju/hdriflow/internal/metrics"
)

const userAgent = "hdriflow/1.0"

// Caller is the interface the job and upload clients depend on.
type Caller interface {
	Call(ctx context.Context, endpoint string, opts Options, out any) error
}

// Options configures a single call. Body and Multipart are mutually exclusive.
type Options struct {
	Method    string
	Header    http.Header
	Query     url.Values
	Body      any
	Multipart *Multipart
}

// Multipart is a binary upload payload. The file is sent under FieldName.
type Multipart struct {
	FieldName string
	FileName  string
	Content   io.Reader
	Fields    map[string]string
}

// Client implements Caller over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	debug   bool

	inflight atomic.Int32
	lastErr  atomic.Pointer[TransportError]
}

// Option customizes a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithDebug logs every request and response at debug level.
func WithDebug(debug bool) Option {
	return func(c *Client) { c.debug = debug }
}

// New creates a transport client for the configured base URL.
func New(cfg config.APIConfig, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Loading reports whether any call is currently in flight.
func (c *Client) Loading() bool {
	return c.inflight.Load() > 0
}

// LastError returns the error of the most recent call, or nil if it succeeded
// or is still running.
func (c *Client) LastError() *TransportError {
	return c.lastErr.Load()
}

// Call issues a request to endpoint (a path relative to the base URL) and
// decodes a successful JSON response into out, which may be nil.
func (c *Client) Call(ctx context.Context, endpoint string, opts Options, out any) error {
	c.inflight.Add(1)
	c.lastErr.Store(nil)
	defer c.inflight.Add(-1)

	start := time.Now()
	method := opts.Method
	if method == "" {
		method = http.MethodGet
		if opts.Body != nil || opts.Multipart != nil {
			method = http.MethodPost
		}
	}
	label := endpointLabel(endpoint)

	err := c.do(ctx, method, endpoint, opts, out)

	metrics.TransportRequestDuration.WithLabelValues(method, label).Observe(time.Since(start).Seconds())
	if err != nil {
		var te *TransportError
		if !errors.As(err, &te) {
			te = &TransportError{Message: err.Error(), Err: err}
		}
		c.lastErr.Store(te)
		metrics.TransportRequestsTotal.WithLabelValues(method, label, "error").Inc()
		if c.debug {
			c.logger.Debug("transport call failed",
				"method", method, "endpoint", endpoint, "status", te.Status, "error", te.Message)
		}
		return te
	}
	metrics.TransportRequestsTotal.WithLabelValues(method, label, "ok").Inc()
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, opts Options, out any) error {
	if opts.Body != nil && opts.Multipart != nil {
		return &TransportError{Message: "request cannot carry both a JSON and a multipart body"}
	}

	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/")
	if len(opts.Query) > 0 {
		u += "?" + opts.Query.Encode()
	}

	body, contentType, err := encodeBody(opts)
	if err != nil {
		return &TransportError{Message: "could not encode request body", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return &TransportError{Message: "could not build request", Err: fmt.Errorf("building request: %w", err)}
	}
	c.setHeaders(req, opts.Header, contentType)

	if c.debug {
		c.logger.Debug("transport call",
			"method", method, "url", u, "request_id", req.Header.Get("X-Request-ID"))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyError(err)
	}

	if !isSuccess(resp.StatusCode) {
		return statusError(resp.StatusCode, raw)
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{
			Status:  resp.StatusCode,
			Message: "invalid response from the processing service",
			Err:     fmt.Errorf("%w: %v", ErrInvalidResponse, err),
		}
	}
	return nil
}

// setHeaders merges the default headers with caller headers; caller values
// win. A multipart body replaces the default JSON content type with its own
// boundary-carrying one.
func (c *Client) setHeaders(req *http.Request, extra http.Header, contentType string) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", uuid.NewString())
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	} else {
		req.Header.Set("Content-Type", "application/json")
	}

	for k, vs := range extra {
		if contentType != "" && http.CanonicalHeaderKey(k) == "Content-Type" {
			continue
		}
		req.Header.Del(k)
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
}

// encodeBody returns the request body and, for multipart payloads, the
// content type to send instead of the JSON default.
func encodeBody(opts Options) (io.Reader, string, error) {
	if opts.Multipart != nil {
		return encodeMultipart(opts.Multipart)
	}
	if opts.Body == nil {
		return nil, "", nil
	}
	b, err := json.Marshal(opts.Body)
	if err != nil {
		return nil, "", fmt.Errorf("marshal body: %w", err)
	}
	return bytes.NewReader(b), "", nil
}

// encodeMultipart streams the multipart payload through a pipe so large
// files are never buffered in memory.
func encodeMultipart(m *Multipart) (io.Reader, string, error) {
	if m.Content == nil {
		return nil, "", errors.New("multipart content is nil")
	}
	field := m.FieldName
	if field == "" {
		field = "file"
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		err := func() error {
			for k, v := range m.Fields {
				if err := mw.WriteField(k, v); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile(field, m.FileName)
			if err != nil {
				return err
			}
			if _, err := io.Copy(part, m.Content); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(err)
	}()

	return pr, mw.FormDataContentType(), nil
}

// endpointLabel replaces resource ids with {id} to keep metric cardinality bounded.
// /jobs/abc/cancel -> /jobs/{id}/cancel
func endpointLabel(endpoint string) string {
	path := endpoint
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	segs := strings.Split(strings.Trim(path, "/"), "/")
	for i := 1; i < len(segs); i++ {
		switch segs[i-1] {
		case "jobs", "files":
			if segs[i] != "upload" {
				segs[i] = "{id}"
			}
		}
	}
	return "/" + strings.Join(segs, "/")
}

// Compile-time check that Client implements Caller.
var _ Caller = (*Client)(nil)
