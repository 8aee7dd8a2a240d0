package oauth

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when a callback's state parameter does not
// exactly match the stored nonce, or no flow is pending for the namespace.
// Treated as a CSRF attempt: no token exchange is performed.
var ErrInvalidState = errors.New("state mismatch - possible CSRF attempt")

// ErrFlowExpired is returned when a callback arrives after the pending
// flow's timeout. The user must restart the authorization flow.
var ErrFlowExpired = errors.New("authorization flow expired")

// RegistrationError indicates that dynamic client registration against the
// upstream's registration endpoint failed. The namespace remains usable;
// registration is retried on the next attempt.
type RegistrationError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	return fmt.Sprintf("client registration failed at %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying error.
func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// ReauthReason distinguishes why re-authentication is required, since the
// corrective action shown to the user differs (first-time consent vs
// re-consent).
type ReauthReason int

const (
	// ReasonNotAuthenticated means no token set exists for the namespace.
	ReasonNotAuthenticated ReauthReason = iota

	// ReasonExpired means the token set exists but can no longer be used:
	// the access token is expiring and the refresh token is missing,
	// expired, or revoked.
	ReasonExpired
)

// ReauthRequiredError indicates that no usable access token can be
// produced for a namespace and the user must (re-)authenticate in the
// browser. Callers must surface this, never auto-retry.
type ReauthRequiredError struct {
	Reason ReauthReason
	Err    error
}

// Error implements the error interface.
func (e *ReauthRequiredError) Error() string {
	switch e.Reason {
	case ReasonExpired:
		return "authentication expired or revoked - please re-authenticate"
	default:
		return "not yet authenticated - please authenticate"
	}
}

// Unwrap returns the underlying error.
func (e *ReauthRequiredError) Unwrap() error {
	return e.Err
}

// IsReauthRequired reports whether err (anywhere in its chain) requires the
// user to re-authenticate.
func IsReauthRequired(err error) bool {
	var reauthErr *ReauthRequiredError
	return errors.As(err, &reauthErr)
}
