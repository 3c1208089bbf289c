// Package handler exposes the view orchestrator over the console API.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/hdriflow/internal/api/response"
	"github.com/kiranshivaraju/hdriflow/internal/orchestrator"
	"github.com/kiranshivaraju/hdriflow/internal/store"
	"github.com/kiranshivaraju/hdriflow/internal/tracker"
	"github.com/kiranshivaraju/hdriflow/internal/transport"
	"github.com/kiranshivaraju/hdriflow/internal/upload"
	"github.com/kiranshivaraju/hdriflow/pkg/models"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
	// multipartOverhead is allowed on top of the file size limit for form framing.
	multipartOverhead = 1 << 20
)

// Console is the orchestrator surface the handlers drive.
type Console interface {
	Snapshot() orchestrator.State
	OpenDashboard(ctx context.Context) error
	StartUpload() error
	Upload(ctx context.Context, f upload.File) (models.UploadedFile, error)
	Configure(cfg models.JobConfiguration) (models.JobConfiguration, error)
	Submit(ctx context.Context, name string) (string, error)
	CancelJob(ctx context.Context) error
	Back(ctx context.Context) error
}

// History reads recorded submissions.
type History interface {
	ListSubmissions(ctx context.Context, limit int) ([]*models.Submission, error)
	GetSubmission(ctx context.Context, jobID string) (*models.Submission, error)
}

// StatusReader returns the last status the tracker mirrored for a job.
type StatusReader interface {
	GetJobStatus(ctx context.Context, jobID string) (string, bool, error)
}

// ConsoleHandler groups the console endpoints.
type ConsoleHandler struct {
	console     Console
	history     History
	mirror      StatusReader
	maxFileSize int64
}

type ConsoleOption func(*ConsoleHandler)

// WithStatusMirror adds the mirrored job status to submission lookups.
func WithStatusMirror(m StatusReader) ConsoleOption {
	return func(h *ConsoleHandler) { h.mirror = m }
}

func NewConsoleHandler(c Console, h History, maxFileSize int64, opts ...ConsoleOption) *ConsoleHandler {
	ch := &ConsoleHandler{console: c, history: h, maxFileSize: maxFileSize}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

// State handles GET /api/v1/state.
func (h *ConsoleHandler) State(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, h.console.Snapshot())
}

// Dashboard handles POST /api/v1/dashboard.
func (h *ConsoleHandler) Dashboard(w http.ResponseWriter, r *http.Request) {
	if err := h.console.OpenDashboard(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, h.console.Snapshot())
}

// StartUpload handles POST /api/v1/upload/start.
func (h *ConsoleHandler) StartUpload(w http.ResponseWriter, r *http.Request) {
	if err := h.console.StartUpload(); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, h.console.Snapshot())
}

// Upload handles POST /api/v1/upload with the image in the "file" form field.
func (h *ConsoleHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if h.maxFileSize > 0 {
		limit := h.maxFileSize + multipartOverhead
		if r.ContentLength > limit {
			writeError(w, tooLarge(h.maxFileSize))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, tooLarge(h.maxFileSize))
			return
		}
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "multipart field \"file\" is required", nil)
		return
	}
	defer file.Close()

	uploaded, err := h.console.Upload(r.Context(), upload.File{
		Name:    header.Filename,
		Size:    header.Size,
		Content: file,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	response.Created(w, uploaded)
}

// Configure handles PUT /api/v1/configuration.
func (h *ConsoleHandler) Configure(w http.ResponseWriter, r *http.Request) {
	var cfg models.JobConfiguration
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	applied, err := h.console.Configure(cfg)
	if err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, applied)
}

// Submit handles POST /api/v1/jobs. The body is optional.
func (h *ConsoleHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
	}

	jobID, err := h.console.Submit(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, orchestrator.ErrViewChanged) && jobID != "" {
			// The job exists and is in the history, it just is not on screen.
			response.Error(w, http.StatusConflict, "VIEW_CHANGED", err.Error(),
				map[string]string{"job_id": jobID})
			return
		}
		writeError(w, err)
		return
	}
	response.Created(w, map[string]string{"job_id": jobID})
}

// Cancel handles POST /api/v1/jobs/cancel.
func (h *ConsoleHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	if err := h.console.CancelJob(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, h.console.Snapshot())
}

// Back handles POST /api/v1/back.
func (h *ConsoleHandler) Back(w http.ResponseWriter, r *http.Request) {
	if err := h.console.Back(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	response.JSON(w, h.console.Snapshot())
}

// History handles GET /api/v1/history?limit=N.
func (h *ConsoleHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	subs, err := h.history.ListSubmissions(r.Context(), limit)
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list submissions", nil)
		return
	}
	response.Collection(w, subs, response.ListMeta{Limit: limit, Count: len(subs)})
}

// submissionView is a ledger row plus the status last seen by the tracker,
// which can run ahead of the ledger when a ledger write failed.
type submissionView struct {
	*models.Submission
	MirroredStatus string `json:"mirrored_status,omitempty"`
}

// Submission handles GET /api/v1/history/{jobID}.
func (h *ConsoleHandler) Submission(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if jobID == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "job id is required", nil)
		return
	}

	sub, err := h.history.GetSubmission(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "No submission recorded for this job", nil)
		return
	}
	if err != nil {
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read submission", nil)
		return
	}

	view := submissionView{Submission: sub}
	if h.mirror != nil {
		status, ok, err := h.mirror.GetJobStatus(r.Context(), jobID)
		switch {
		case err != nil:
			slog.Warn("reading mirrored job status failed", "job_id", jobID, "error", err)
		case ok:
			view.MirroredStatus = status
		}
	}
	response.JSON(w, view)
}

// writeError maps domain errors onto the error envelope.
func writeError(w http.ResponseWriter, err error) {
	var te *transport.TransportError
	switch {
	case errors.Is(err, upload.ErrFileTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", validationMessage(err), nil)
	case errors.Is(err, upload.ErrUnsupportedType):
		response.Error(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_TYPE", validationMessage(err), nil)
	case errors.Is(err, models.ErrInvalidConfiguration):
		response.Error(w, http.StatusBadRequest, "INVALID_CONFIGURATION", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		response.Error(w, http.StatusConflict, "INVALID_TRANSITION", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrBusy):
		response.Error(w, http.StatusConflict, "BUSY", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrViewChanged):
		response.Error(w, http.StatusConflict, "VIEW_CHANGED", err.Error(), nil)
	case errors.Is(err, tracker.ErrNotCancellable):
		response.Error(w, http.StatusConflict, "NOT_CANCELLABLE", err.Error(), nil)
	case errors.As(err, &te):
		var details map[string]string
		if te.Status != 0 {
			details = map[string]string{"upstream_status": fmt.Sprint(te.Status)}
		}
		response.Error(w, http.StatusBadGateway, "UPSTREAM_ERROR", te.Message, details)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func tooLarge(limit int64) error {
	return &upload.ValidationError{
		Reason: upload.ErrFileTooLarge,
		Detail: fmt.Sprintf("file exceeds the %d byte limit", limit),
	}
}

func validationMessage(err error) string {
	var ve *upload.ValidationError
	if errors.As(err, &ve) && ve.Detail != "" {
		return ve.Detail
	}
	return err.Error()
}
