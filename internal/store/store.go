// Package store is the submission ledger: a local, append-mostly history of
// jobs submitted through this client.
package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/kiranshivaraju/hdriflow/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All ledger operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	RecordSubmission(ctx context.Context, sub *models.Submission) error
	GetSubmission(ctx context.Context, jobID string) (*models.Submission, error)
	ListSubmissions(ctx context.Context, limit int) ([]*models.Submission, error)
	UpdateStatus(ctx context.Context, jobID string, status string, opts ...UpdateOption) error
}

type updateParams struct {
	ErrorMessage *string
	Progress     *int
}

type UpdateOption func(*updateParams)

func WithErrorMessage(msg string) UpdateOption {
	return func(p *updateParams) {
		p.ErrorMessage = &msg
	}
}

func WithProgress(progress int) UpdateOption {
	return func(p *updateParams) {
		p.Progress = &progress
	}
}

// Re-applying the current status is allowed so progress can be updated.
var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

func checkTransition(from, to string) error {
	if from == to || slices.Contains(validTransitions[from], to) {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
