package transport

import (
	"errors"
	"fmt"
	"time"
)

// NetworkError wraps a connectivity-level failure: DNS, refused connection,
// timeout, reset mid-body. Always retryable.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("network timeout during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status  int
	Code    string
	Message string
	// Transient is set when the server explicitly flags the failure as
	// retryable (rate limiting, maintenance).
	Transient bool
	// RetryAfter carries the server-provided minimum delay, when present.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// Retryable reports whether the failure class permits automatic retry.
func (e *APIError) Retryable() bool {
	return e.Status >= 500 || e.Status == 429 || e.Transient
}

// ValidationError reports malformed input or a malformed response. It fails
// fast and is never wrapped in retry logic.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Message)
	}
	return "validation failed: " + e.Message
}

// Retryable classifies an arbitrary error from this boundary.
func Retryable(err error) bool {
	var ne *NetworkError
	if errors.As(err, &ne) {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Retryable()
	}
	return false
}

// RetryAfterHint returns the server-provided minimum retry delay, or zero.
func RetryAfterHint(err error) time.Duration {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.RetryAfter
	}
	return 0
}

// UserMessage maps a classified error to a user-facing message and a
// suggested action.
func UserMessage(err error) (msg, action string) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Message, "Check the selected files and try again."
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		if ne.Timeout {
			return "The connection timed out.", "Check your network connection and retry."
		}
		return "Could not reach the server.", "Check your network connection and retry."
	}
	var ae *APIError
	if errors.As(err, &ae) {
		switch {
		case ae.Status == 429:
			return "The server is rate limiting requests.", "Wait a moment before retrying."
		case ae.Status >= 500:
			return "The server hit an internal error.", "Retry shortly; the problem is usually temporary."
		default:
			return ae.Message, "Review the request and try again."
		}
	}
	return err.Error(), "Retry, or contact support if the problem persists."
}
