package models

import (
	"errors"
	"fmt"
)

// The core raises exactly three error kinds. Persistence and transport
// failures are logged internally and never surface through these.

// ValidationError marks malformed or missing input and quota violations.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError marks a referenced call, room, or target that does not
// exist or is offline.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

func NewNotFoundError(format string, args ...interface{}) error {
	return &NotFoundError{Msg: fmt.Sprintf(format, args...)}
}

// AuthorizationError marks an actor that is not the designated party for
// the requested state transition.
type AuthorizationError struct {
	Msg string
}

func (e *AuthorizationError) Error() string { return e.Msg }

func NewAuthorizationError(format string, args ...interface{}) error {
	return &AuthorizationError{Msg: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

func IsAuthorization(err error) bool {
	var ae *AuthorizationError
	return errors.As(err, &ae)
}

// ErrorKind returns the wire-level kind string for a core error, used when
// translating rejections into client error events.
func ErrorKind(err error) string {
	switch {
	case IsValidation(err):
		return "validation_error"
	case IsNotFound(err):
		return "not_found"
	case IsAuthorization(err):
		return "authorization_error"
	default:
		return "internal_error"
	}
}
