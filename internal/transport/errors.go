package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Sentinel errors wrapped by TransportError.Err.
var (
	ErrUnreachable     = errors.New("processing service unreachable")
	ErrTimeout         = errors.New("processing service request timed out")
	ErrRequestFailed   = errors.New("processing service request failed")
	ErrInvalidResponse = errors.New("processing service returned an invalid response")
)

// TransportError is the single error shape for every failed call. Message is
// always human readable; Status is zero when no HTTP response was received.
type TransportError struct {
	Status  int
	Message string
	Err     error
}

func (e *TransportError) Error() string { return e.Message }

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is (or wraps) a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) *TransportError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransportError{Message: "request cancelled or timed out", Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Message: "request timed out", Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}

	return &TransportError{
		Message: "unable to reach the processing service",
		Err:     fmt.Errorf("%w: %v", ErrUnreachable, err),
	}
}

// statusError builds a TransportError from a non-2xx response body. The
// service replies with {"error": "..."}; nested {"error": {"message": ...}}
// and bare {"message": ...} bodies are accepted too. Anything else falls back
// to "HTTP <status>".
func statusError(status int, body []byte) *TransportError {
	msg := parseErrorMessage(body)
	if msg == "" {
		msg = fmt.Sprintf("HTTP %d", status)
	}
	return &TransportError{
		Status:  status,
		Message: msg,
		Err:     fmt.Errorf("%w: status %d", ErrRequestFailed, status),
	}
}

func parseErrorMessage(body []byte) string {
	var payload struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}

	if len(payload.Error) > 0 {
		var s string
		if err := json.Unmarshal(payload.Error, &s); err == nil && strings.TrimSpace(s) != "" {
			return s
		}
		var nested struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(payload.Error, &nested); err == nil && nested.Message != "" {
			return nested.Message
		}
	}
	return payload.Message
}

func isSuccess(status int) bool {
	return status >= http.StatusOK && status < http.StatusMultipleChoices
}
