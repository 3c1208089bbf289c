package tracker

import "errors"

// ErrNotCancellable is returned by Cancel outside the Pending and Processing states.
var ErrNotCancellable = errors.New("job is not cancellable in its current state")

// ErrNotBound is returned when an operation needs a bound job.
var ErrNotBound = errors.New("no job bound")

// DefaultFailureMessage is used when the service reports a failure without a message.
const DefaultFailureMessage = "Job processing failed"

// JobFailedError is surfaced when the service reports a job as failed.
type JobFailedError struct {
	JobID   string
	Message string
}

func (e *JobFailedError) Error() string {
	return e.Message
}

func newJobFailedError(jobID string, msg *string) *JobFailedError {
	if msg == nil || *msg == "" {
		return &JobFailedError{JobID: jobID, Message: DefaultFailureMessage}
	}
	return &JobFailedError{JobID: jobID, Message: *msg}
}
