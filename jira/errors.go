package jira

import (
	"errors"
	"fmt"
)

// ErrNotFound and related sentinels classify remote-tracker failures.
var (
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limit exceeded")
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidInput  = errors.New("invalid input")
)

// APIError represents a non-success response from the remote tracker.
type APIError struct {
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether a retry could plausibly succeed.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}
