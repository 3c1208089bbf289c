// Package models contains shared data models used across the hdriflow codebase.
package models

import (
	"strings"
	"time"
)

const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Job mirrors a server-tracked processing job. The remote service is the
// source of truth; the client only holds the last fetched copy.
type Job struct {
	ID                    string           `json:"id"`
	Name                  string           `json:"name"`
	Status                string           `json:"status"`
	Progress              int              `json:"progress"`
	InputFileID           string           `json:"input_file_id,omitempty"`
	InputFileName         string           `json:"input_file_name"`
	Configuration         JobConfiguration `json:"configuration"`
	CreatedAt             Timestamp        `json:"created_at"`
	StartedAt             *Timestamp       `json:"started_at,omitempty"`
	CompletedAt           *Timestamp       `json:"completed_at,omitempty"`
	ProcessingTimeSeconds *float64         `json:"processing_time,omitempty"`
	ErrorMessage          *string          `json:"error_message,omitempty"`
}

// IsActive reports whether the job can still make progress on the server.
func (j *Job) IsActive() bool {
	return IsActiveStatus(j.Status)
}

// IsTerminal reports whether the job reached a status with no further progress.
func (j *Job) IsTerminal() bool {
	return IsTerminalStatus(j.Status)
}

func IsActiveStatus(status string) bool {
	return status == JobStatusPending || status == JobStatusProcessing
}

func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Timestamp accepts RFC 3339 as well as zone-less ISO 8601 values, which the
// processing service emits for UTC times.
type Timestamp struct {
	time.Time
}

var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		t.Time = time.Time{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed.UTC()
		return nil
	}
	var lastErr error
	for _, layout := range zonelessLayouts {
		parsed, err := time.ParseInLocation(layout, s, time.UTC)
		if err == nil {
			t.Time = parsed
			return nil
		}
		lastErr = err
	}
	return lastErr
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + t.UTC().Format(time.RFC3339Nano) + `"`), nil
}
