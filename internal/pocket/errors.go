package pocket

import (
	"errors"
	"fmt"
)

var (
	// ErrUnexpectedResponseShape is returned when the article list is
	// neither a mapping nor a sequence.
	ErrUnexpectedResponseShape = errors.New("unexpected response shape")

	// ErrArchiveCallFailed wraps every archive failure.
	ErrArchiveCallFailed = errors.New("archive call failed")
)

// APIError is a non-2xx response. Code and Message come from Pocket's
// X-Error-Code and X-Error headers when present.
type APIError struct {
	StatusCode int
	URL        string
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d for %s: %s (code %s)", e.StatusCode, e.URL, e.Message, e.Code)
	}
	return fmt.Sprintf("HTTP %d for %s", e.StatusCode, e.URL)
}
