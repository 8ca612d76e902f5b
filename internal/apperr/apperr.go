package apperr

import (
	"errors"
	"fmt"
)

// Code classifies an error for transport boundaries. Hub and HTTP layers
// translate codes into wire errors and status codes respectively.
type Code string

const (
	CodeUnknown      Code = "UNKNOWN"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeValidation   Code = "VALIDATION"
	CodeConflict     Code = "CONFLICT"
	CodeTransient    Code = "TRANSIENT"
	CodeInternal     Code = "INTERNAL"
)

// Error carries a code, a user-presentable message and an optional cause.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an error with the given code.
func New(code Code, message string) error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying cause.
func Wrap(code Code, message string, cause error) error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func Unauthorized(msg string) error { return New(CodeUnauthorized, msg) }

func Forbidden(msg string) error { return New(CodeForbidden, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Validation(msg string) error { return New(CodeValidation, msg) }

func Conflict(msg string) error { return New(CodeConflict, msg) }

func Transient(msg string, cause error) error { return Wrap(CodeTransient, msg, cause) }

func Internal(msg string, cause error) error { return Wrap(CodeInternal, msg, cause) }

// CodeOf extracts the code from an error chain, CodeUnknown if none.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeUnknown
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
