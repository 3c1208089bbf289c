package models

// UploadedFile is a validated input image the service has accepted.
// It is a value type: re-uploading produces a new UploadedFile.
type UploadedFile struct {
	FileID        string `json:"file_id"`
	Filename      string `json:"filename"`
	SizeBytes     int64  `json:"size"`
	Format        string `json:"format,omitempty"`
	Width         *int   `json:"width,omitempty"`
	Height        *int   `json:"height,omitempty"`
	PreviewBase64 string `json:"preview,omitempty"`
}
