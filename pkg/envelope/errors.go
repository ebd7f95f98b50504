package envelope

import (
	"code.sanakey.org/golang/internal/utils"
)

// errorFlag is a private error type that allows declaring error constants.
type errorFlag string

const (
	// All package errors are wrapping Error
	Error = errorFlag("envelope: error")

	// ErrSignature flags non authentic signed envelopes.
	ErrSignature = errorFlag("envelope: invalid signature")

	// ErrCrypto flags non authentic or malformed encrypted envelopes.
	ErrCrypto = errorFlag("envelope: crypto error")

	// ErrExpired flags envelopes past their exp header.
	ErrExpired = errorFlag("envelope: expired")

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
