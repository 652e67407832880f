package api

import (
	"errors"
	"fmt"
)

// Sentinel errors for use with errors.Is().
var (
	// ErrUnauthorized is returned when a request is rejected with 401 and
	// no refresh is attempted for it.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrSessionExpired is returned when the session had to be cleared
	// because no usable refresh token exists or the refresh failed.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotReplayable is returned when a 401 response arrives for a request
	// whose body cannot be sent a second time.
	ErrNotReplayable = errors.New("request body not replayable")
)

// AuthError is a 401 response that was not recovered by a refresh.
type AuthError struct {
	// Status is the HTTP status code (always 401).
	Status int
	// Method and Path identify the rejected request.
	Method string
	Path   string
}

// Error returns a human-readable description of the rejection.
func (e *AuthError) Error() string {
	return fmt.Sprintf("unauthorized: %s %s", e.Method, e.Path)
}

// Is supports errors.Is(err, ErrUnauthorized).
func (e *AuthError) Is(target error) bool {
	return target == ErrUnauthorized
}

// RefreshError is returned to every request waiting on a failed refresh.
type RefreshError struct {
	// Status is the refresh endpoint's HTTP status, 0 for transport failures.
	Status int
	// Err is the underlying failure.
	Err error
}

// Error returns a human-readable description of the refresh failure.
func (e *RefreshError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("token refresh failed with status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Is supports errors.Is(err, ErrSessionExpired); a failed refresh always
// ends the session.
func (e *RefreshError) Is(target error) bool {
	return target == ErrSessionExpired
}

// StatusError is a non-2xx response returned by the typed helpers.
type StatusError struct {
	// Status is the HTTP status code.
	Status int
	// Body is the (possibly truncated) response body.
	Body string
}

// Error returns the status and body.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}
