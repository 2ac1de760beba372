package genie

import (
	"errors"
	"fmt"
)

// Category classifies a Genie failure so callers can decide whether to
// retry, re-authenticate, restart the conversation or give up.
type Category string

const (
	// CategoryAuth covers 401/403 responses and token acquisition
	// failures. Retried at most once after a forced token refresh.
	CategoryAuth Category = "auth_error"

	// CategoryNotFound covers 404 responses, typically a Genie
	// conversation that expired server-side.
	CategoryNotFound Category = "not_found"

	// CategoryTransient covers network failures, 429 and 5xx
	// responses. Safe to retry with backoff.
	CategoryTransient Category = "transient"

	// CategoryPollTimeout means a message never reached a terminal
	// status within the polling deadline.
	CategoryPollTimeout Category = "poll_timeout"

	// CategoryQueryFailed means Genie itself reported the message as
	// FAILED or CANCELLED. Never retried.
	CategoryQueryFailed Category = "query_failed"

	// CategoryBusy means the session already has a question in
	// flight.
	CategoryBusy Category = "busy"
)

// Error is the error type returned by this package. Reason is safe to
// show in logs; Err carries the underlying cause.
type Error struct {
	Category Category
	Reason   string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a categorized error wrapping err.
func NewError(category Category, reason string, err error) *Error {
	return &Error{Category: category, Reason: reason, Err: err}
}

// CategoryOf extracts the category from err, or empty if err is not a
// *Error.
func CategoryOf(err error) Category {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Category
	}
	return ""
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, category Category) bool {
	return CategoryOf(err) == category
}

// IsRetryable reports whether err may succeed on a plain retry.
func IsRetryable(err error) bool {
	return IsCategory(err, CategoryTransient)
}
