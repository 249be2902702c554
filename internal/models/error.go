package models

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound       = errors.New("resource not found")
	ErrConflict       = errors.New("resource already exists")
	ErrInternalServer = errors.New("internal server error")

	// Authentication and authorization outcomes. These are always surfaced
	// to the caller and always audited.
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrAuthorizationDenied  = errors.New("access denied")
	ErrAccountLocked        = errors.New("account is temporarily locked")
	ErrAccountDisabled      = errors.New("account is disabled")
	ErrTwoFactorRequired    = errors.New("two-factor verification required")

	ErrValidationFailed  = errors.New("validation failed")
	ErrPersistenceFailed = errors.New("persistence unavailable")
	ErrConfiguration     = errors.New("configuration error")

	// Two-factor state errors
	ErrTwoFactorNotEnrolled = errors.New("two-factor authentication is not enrolled")
	ErrTwoFactorNotEnabled  = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorEnabled     = errors.New("two-factor authentication is already enabled")
	ErrReauthRequired       = errors.New("recent password verification required")
	ErrTooManyAttempts      = errors.New("too many attempts")

	// Password policy
	ErrPasswordExpired = errors.New("password has expired")
	ErrPasswordReused  = errors.New("password was used recently")
)

// LoginFailure describes a rejected password login. It wraps one of the
// taxonomy errors so callers can keep using errors.Is.
type LoginFailure struct {
	Err error
	// Remaining is the number of attempts left before lockout. It is only
	// disclosed while Remaining is at or below the disclosure threshold.
	Remaining int
	Disclose  bool
	Locked    bool
}

func (f *LoginFailure) Error() string {
	switch {
	case f.Locked:
		return ErrAccountLocked.Error()
	case f.Disclose:
		return fmt.Sprintf("%s: %d attempt(s) remaining", f.Err, f.Remaining)
	default:
		return f.Err.Error()
	}
}

func (f *LoginFailure) Unwrap() error {
	return f.Err
}

// ValidationError carries the field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// NewValidationError returns a ValidationError wrapping ErrValidationFailed.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}
