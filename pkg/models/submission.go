package models

import (
	"time"

	"github.com/google/uuid"
)

// Submission is the local ledger record of a job this client submitted. Its
// status only moves forward and mirrors what the tracker last observed.
type Submission struct {
	ID            uuid.UUID        `json:"id"`
	JobID         string           `json:"job_id"`
	Name          string           `json:"name"`
	FileID        string           `json:"file_id"`
	FileName      string           `json:"file_name"`
	Configuration JobConfiguration `json:"configuration"`
	Status        string           `json:"status"`
	Progress      int              `json:"progress"`
	ErrorMessage  *string          `json:"error_message,omitempty"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}
