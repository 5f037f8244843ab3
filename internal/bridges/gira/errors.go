package gira

import (
	"errors"
	"fmt"
)

// Sentinel errors for Gira X1 operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrAuth indicates the device rejected the credentials or token.
	// Authentication failures are never retried.
	ErrAuth = errors.New("gira: authentication failed")

	// ErrConnection indicates the device could not be reached (network
	// error or timeout). Connection failures are retried a fixed number
	// of times with a fixed delay.
	ErrConnection = errors.New("gira: connection failed")

	// ErrNotAuthenticated is returned when an operation requires a token
	// but Login has not succeeded yet.
	ErrNotAuthenticated = errors.New("gira: not authenticated")

	// ErrNoCallbackURL is returned when no reachable callback base URL
	// could be determined.
	ErrNoCallbackURL = errors.New("gira: no callback URL available")

	// ErrDataPointNotFound is returned when a uid is not present in the
	// current Snapshot or UI configuration.
	ErrDataPointNotFound = errors.New("gira: datapoint not found")
)

// APIError indicates the device answered with an unexpected HTTP status.
// It carries the status code and response body for diagnostics and is
// not retried.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gira: API error: status %d: %s", e.Status, e.Body)
}

// IsAPIError reports whether err wraps an *APIError, returning it if so.
func IsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
