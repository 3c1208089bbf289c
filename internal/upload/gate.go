// Package upload validates candidate input images and transfers them to the
// processing service.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/kiranshivaraju/hdriflow/internal/config"
	"github.com/kiranshivaraju/hdriflow/internal/transport"
	"github.com/kiranshivaraju/hdriflow/pkg/models"
)

const (
	uploadEndpoint = "/files/upload"
	fileField      = "file"
	previewEdge    = 256
)

// Validation failures. ValidationError wraps one of these.
var (
	ErrFileTooLarge    = errors.New("file too large")
	ErrUnsupportedType = errors.New("unsupported type")
)

// ValidationError is returned for files rejected before any network call.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string { return e.Reason.Error() }

func (e *ValidationError) Unwrap() error { return e.Reason }

// File is a candidate upload. Content must be seekable so the gate can build
// a local preview after the transfer.
type File struct {
	Name    string
	Size    int64
	Content io.ReadSeeker
}

// Gate validates files against size and extension limits and uploads the
// ones that pass.
type Gate struct {
	caller  transport.Caller
	maxSize int64
	allowed map[string]bool
	logger  *slog.Logger
}

// NewGate creates a Gate. A nil logger uses slog.Default().
func NewGate(caller transport.Caller, cfg config.UploadConfig, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]bool, len(cfg.AllowedExtensions))
	for _, ext := range cfg.AllowedExtensions {
		allowed[strings.ToLower(strings.TrimPrefix(ext, "."))] = true
	}
	return &Gate{caller: caller, maxSize: cfg.MaxFileSize, allowed: allowed, logger: logger}
}

// Validate applies the size check first, then the extension check.
func (g *Gate) Validate(f File) error {
	if f.Size > g.maxSize {
		return &ValidationError{
			Reason: ErrFileTooLarge,
			Detail: fmt.Sprintf("%s is %d bytes; the limit is %d bytes", f.Name, f.Size, g.maxSize),
		}
	}

	ext := Extension(f.Name)
	if !g.allowed[ext] {
		return &ValidationError{
			Reason: ErrUnsupportedType,
			Detail: fmt.Sprintf("extension %q is not one of %s", ext, strings.Join(g.allowedList(), ", ")),
		}
	}
	return nil
}

// UploadFile validates f and, if it passes, uploads it as a multipart body.
// A failed upload leaves nothing behind; callers retry with a new call.
func (g *Gate) UploadFile(ctx context.Context, f File) (models.UploadedFile, error) {
	if err := g.Validate(f); err != nil {
		return models.UploadedFile{}, err
	}
	if f.Content == nil {
		return models.UploadedFile{}, fmt.Errorf("upload %s: file content is required", f.Name)
	}
	if _, err := f.Content.Seek(0, io.SeekStart); err != nil {
		return models.UploadedFile{}, fmt.Errorf("rewinding %s: %w", f.Name, err)
	}

	var resp uploadResponse
	err := g.caller.Call(ctx, uploadEndpoint, transport.Options{
		Multipart: &transport.Multipart{
			FieldName: fileField,
			FileName:  filepath.Base(f.Name),
			Content:   f.Content,
		},
	}, &resp)
	if err != nil {
		return models.UploadedFile{}, err
	}

	uploaded, err := resp.toModel(f)
	if err != nil {
		return models.UploadedFile{}, err
	}

	if uploaded.Width == nil || uploaded.Height == nil || uploaded.PreviewBase64 == "" {
		g.fillPreview(f, &uploaded)
	}

	g.logger.Info("file uploaded",
		"file_id", uploaded.FileID, "filename", uploaded.Filename, "size", uploaded.SizeBytes)
	return uploaded, nil
}

// fillPreview decodes the image locally to fill in dimensions and a JPEG
// thumbnail the service did not return. Undecodable images are left as is.
func (g *Gate) fillPreview(f File, uploaded *models.UploadedFile) {
	if _, err := f.Content.Seek(0, io.SeekStart); err != nil {
		return
	}
	img, err := imaging.Decode(f.Content, imaging.AutoOrientation(true))
	if err != nil {
		g.logger.Debug("no local preview", "filename", f.Name, "error", err)
		return
	}

	bounds := img.Bounds()
	if uploaded.Width == nil || uploaded.Height == nil {
		w, h := bounds.Dx(), bounds.Dy()
		uploaded.Width, uploaded.Height = &w, &h
	}
	if uploaded.PreviewBase64 == "" {
		thumb := imaging.Fit(img, previewEdge, previewEdge, imaging.Lanczos)
		var buf bytes.Buffer
		if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(80)); err == nil {
			uploaded.PreviewBase64 = base64.StdEncoding.EncodeToString(buf.Bytes())
		}
	}
}

func (g *Gate) allowedList() []string {
	list := make([]string, 0, len(g.allowed))
	for ext := range g.allowed {
		list = append(list, ext)
	}
	sort.Strings(list)
	return list
}

// Extension returns the lowercase extension of name without the dot.
func Extension(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
}

// --- service response ---

type uploadedFileJSON struct {
	FileID           string `json:"file_id"`
	Filename         string `json:"filename"`
	OriginalFilename string `json:"original_filename"`
	Size             int64  `json:"size"`
	ContentType      string `json:"content_type"`
	Format           string `json:"format"`
	Width            *int   `json:"width"`
	Height           *int   `json:"height"`
	Preview          string `json:"preview"`
}

// uploadResponse accepts both the flat shape and the {"success", "file"} envelope.
type uploadResponse struct {
	uploadedFileJSON
	File *uploadedFileJSON `json:"file"`
}

func (r uploadResponse) toModel(f File) (models.UploadedFile, error) {
	body := r.uploadedFileJSON
	if r.File != nil {
		body = *r.File
	}
	if body.FileID == "" {
		return models.UploadedFile{}, &transport.TransportError{
			Message: "upload response did not include a file id",
			Err:     transport.ErrInvalidResponse,
		}
	}

	name := body.OriginalFilename
	if name == "" {
		name = body.Filename
	}
	if name == "" {
		name = filepath.Base(f.Name)
	}

	size := body.Size
	if size == 0 {
		size = f.Size
	}

	format := body.Format
	if format == "" {
		format = body.ContentType
	}
	if format == "" {
		format = Extension(f.Name)
	}

	return models.UploadedFile{
		FileID:        body.FileID,
		Filename:      name,
		SizeBytes:     size,
		Format:        format,
		Width:         body.Width,
		Height:        body.Height,
		PreviewBase64: body.Preview,
	}, nil
}
