package backend

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable covers network failures and non-2xx answers
	ErrUnavailable = errors.New("backend unavailable")
	// ErrTimeout is a call that exceeded its deadline; it is also an ErrUnavailable
	ErrTimeout = fmt.Errorf("%w: timeout", ErrUnavailable)
	// ErrSessionInvalid means the instance does not know the session
	ErrSessionInvalid = errors.New("backend session invalid")
	// ErrRejected is a well-formed error answer from the backend
	ErrRejected = errors.New("backend returned error")
)

// Error carries what the instance answered
type Error struct {
	Instance   string
	StatusCode int
	Message    string
	kind       error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("instance %s: status %d: %s", e.Instance, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("instance %s: %s", e.Instance, e.Message)
}

func (e *Error) Unwrap() error {
	return e.kind
}

var sessionInvalidMarkers = []string{
	"doesn't exist",
	"does not exist",
	"not found",
	"invalid session",
	"session is invalid",
}

// classify picks the sentinel for a backend error message and HTTP status
func classify(statusCode int, message string) error {
	lower := strings.ToLower(message)

	if strings.Contains(lower, "session") {
		for _, marker := range sessionInvalidMarkers {
			if strings.Contains(lower, marker) {
				return ErrSessionInvalid
			}
		}
	}
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "timed out") {
		return ErrTimeout
	}
	if statusCode < 200 || statusCode > 299 {
		return ErrUnavailable
	}
	return ErrRejected
}
