package catalog

import (
	"errors"
	"fmt"
)

// ErrTransient marks remote failures that are safe to retry: network errors,
// rate limits, and 5xx responses. The HTTP client retries these with backoff
// before giving up; callers seeing the error after that may retry on a later
// scheduler tick.
var ErrTransient = errors.New("transient remote catalog error")

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// StatusError carries a non-retryable HTTP failure from the remote catalog.
type StatusError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("remote catalog returned %d: %s", e.Status, e.Body)
}
