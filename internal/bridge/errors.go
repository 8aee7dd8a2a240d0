package bridge

import (
	"errors"
	"fmt"
)

// ErrSessionLost indicates the upstream push stream dropped while the call
// was pending. The session has been discarded; retrying the call opens a
// fresh one.
var ErrSessionLost = errors.New("upstream session lost")

// ErrCallTimeout indicates no correlated reply arrived within the call
// deadline. The pending-call slot has been cleaned up; a late reply will
// be discarded.
var ErrCallTimeout = errors.New("timed out waiting for upstream reply")

// AuthenticationFailedError indicates the upstream rejected the bearer
// token even after one refresh and retry. Not retried further.
type AuthenticationFailedError struct {
	Err error
}

// Error implements the error interface.
func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("upstream rejected authentication after token refresh: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *AuthenticationFailedError) Unwrap() error {
	return e.Err
}

// upstreamAuthError is the internal marker for an authorization rejection
// (401/403) from the upstream, either at stream connect or on submission.
// The bridge's refresh-once-retry-once policy keys off this type; it never
// escapes Call.
type upstreamAuthError struct {
	StatusCode int
}

func (e *upstreamAuthError) Error() string {
	return fmt.Sprintf("upstream rejected bearer token with status %d", e.StatusCode)
}

// isAuthRejected reports whether err is an upstream authorization rejection.
func isAuthRejected(err error) bool {
	var authErr *upstreamAuthError
	return errors.As(err, &authErr)
}
