package idp

import (
	"errors"
	"fmt"

	"code.sanakey.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("idp: error")

	// ErrConfigValidation flags an unusable discovery configuration. The
	// resolver refetches once before surfacing it, callers never retry.
	ErrConfigValidation = errorFlag("idp: configuration validation error")

	// ErrStateMismatch flags an echoed state differing from the sent one.
	// Fatal, never retried.
	ErrStateMismatch = errorFlag("idp: state mismatch")

	// ErrNonceMismatch flags an echoed nonce differing from the sent one.
	// Fatal, never retried.
	ErrNonceMismatch = errorFlag("idp: nonce mismatch")

	// ErrKeyUnavailable flags a vanished secure element key. The device
	// bound material of the profile is purged before it surfaces.
	ErrKeyUnavailable = errorFlag("idp: secure element key unavailable")

	noError = errorFlag("")
)

// Error implements the error interface.
func (self errorFlag) Error() string {
	return string(self)
}

func (self errorFlag) Unwrap() error {
	if Error == self || noError == self {
		return nil
	}
	return Error
}

// newError returns a utils.RaisedErr{} that contains file & line of where it was called.
func newError(msg string, args ...any) error {
	return utils.NewError(1, Error, msg, args...)
}

// wrapError returns a utils.RaisedErr{} that contains file & line of where it was called.
func wrapError(cause error, msg string, args ...any) error {
	return utils.WrapError(cause, 1, Error, msg, args...)
}

// StatusError reports a non success HTTP status of an IDP endpoint.
type StatusError struct {
	Code int
	Body string
}

// Error implements the error interface.
func (self StatusError) Error() string {
	return fmt.Sprintf("idp: endpoint returned status %d", self.Code)
}

// deniedStatus reports if err is a StatusError carrying one of the statuses
// that permanently invalidate the presented token.
func deniedStatus(err error) bool {
	var serr StatusError
	if !errors.As(err, &serr) {
		return false
	}
	switch serr.Code {
	case 400, 401, 403:
		return true
	}
	return false
}

// RefreshError reports a failed token refresh.
//
// UserActionRequired is true when the stored single sign on token was
// rejected or missing, in which case it has been cleared and only a fresh
// interactive authentication can recover. Otherwise the stored token is left
// untouched and the refresh may simply be tried again later.
type RefreshError struct {
	UserActionRequired bool
	Cause              error
}

// Error implements the error interface.
func (self RefreshError) Error() string {
	return fmt.Sprintf("idp: token refresh failed (user action required: %t)", self.UserActionRequired)
}

// Unwrap returns the refresh failure cause.
func (self RefreshError) Unwrap() error {
	return self.Cause
}

// NeedsReauthentication reduces any flow error to the only boolean the
// presentation layer acts upon.
func NeedsReauthentication(err error) bool {
	var rerr RefreshError
	if errors.As(err, &rerr) {
		return rerr.UserActionRequired
	}
	return errors.Is(err, ErrKeyUnavailable)
}
