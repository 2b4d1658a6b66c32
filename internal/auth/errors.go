package auth

import (
	"errors"
	"fmt"
)

// Reason classifies why authentication failed.
type Reason string

const (
	ReasonMissingCredential Reason = "missing_credential"
	ReasonRemoteRejected    Reason = "remote_rejected"
	ReasonRemoteUnreachable Reason = "remote_unreachable"
)

// AuthError is returned by Authenticate. Its reason is for server-side
// logs only; clients always see a generic rejection.
type AuthError struct {
	Reason Reason
	Err    error
}

func (e *AuthError) Error() string {
	if e.Err == nil {
		return "authentication failed: " + string(e.Reason)
	}
	return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsReason reports whether err is an AuthError with the given reason.
func IsReason(err error, reason Reason) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Reason == reason
}

func rejected(format string, args ...any) error {
	return &AuthError{Reason: ReasonRemoteRejected, Err: fmt.Errorf(format, args...)}
}

func unreachable(err error) error {
	return &AuthError{Reason: ReasonRemoteUnreachable, Err: err}
}
