package errors

import (
	goerrors "errors"
	"fmt"
)

// New returns an error with the given message. It's provided by this package
// so that callers don't have to import both this package and the standard
// library's errors package.
func New(msg string) error {
	return goerrors.New(msg)
}

// contextError annotates a wrapped error with a description of the operation
// that failed.
type contextError struct {
	context string
	cause   error
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.cause)
}

func (err contextError) Unwrap() error {
	return err.cause
}

// WithContext annotates err with context describing the operation that
// failed. The original error can be recovered with RootCause.
func WithContext(err error, context string) error {
	return contextError{context, err}
}

// RootCause returns the innermost error in err's chain of wrapped errors.
func RootCause(err error) error {
	for {
		cause := goerrors.Unwrap(err)
		if cause == nil {
			return err
		}
		err = cause
	}
}

// FriendlyError is an error whose message is meant to be shown to end users.
// Unlike other errors, it's printed without the chain of wrapped contexts.
type FriendlyError struct {
	Message string
}

// NewFriendlyError creates a new FriendlyError according to the given format
// string.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{fmt.Sprintf(format, args...)}
}

func (err FriendlyError) Error() string {
	return err.Message
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.Message
}

type friendlier interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to users for
// err. If any error in the chain is friendly, its message is used.
func GetPrintableMessage(err error) string {
	for curr := err; curr != nil; curr = goerrors.Unwrap(curr) {
		if friendly, ok := curr.(friendlier); ok {
			return friendly.FriendlyMessage()
		}
	}
	return err.Error()
}
