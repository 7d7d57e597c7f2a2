// Package apperr defines the typed failures returned across component boundaries.
package apperr

import (
	"errors"
	"fmt"
)

// Code classifies a failure so the façade and the consumer can react without
// inspecting storage-level error text.
type Code string

const (
	CodeValidation        Code = "VALIDATION_ERROR"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeForbidden         Code = "FORBIDDEN"
	CodeNotFound          Code = "NOT_FOUND"
	CodeInvalidCursor     Code = "INVALID_CURSOR"
	CodeStorage           Code = "STORAGE_UNAVAILABLE"
	CodeUnknownAction     Code = "UNKNOWN_ACTION"
	CodeMalformedEnvelope Code = "MALFORMED_ENVELOPE"
	CodeUnsupportedAction Code = "UNSUPPORTED_ACTION"
	CodePartialCascade    Code = "PARTIAL_CASCADE_FAILURE"
)

// AppError carries a code, a caller-safe message and the underlying cause.
// Cause is never serialised.
type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

// CodeOf returns the code of the first AppError in err's chain, or "" when
// err carries none.
func CodeOf(err error) Code {
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

func Validation(format string, args ...any) error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

func Unauthorized(msg string) error {
	return New(CodeUnauthorized, msg)
}

func Forbidden(msg string) error {
	return New(CodeForbidden, msg)
}

func NotFound(msg string) error {
	return New(CodeNotFound, msg)
}

func InvalidCursor(cause error) error {
	return Wrap(CodeInvalidCursor, "invalid pagination cursor, restart pagination", cause)
}

// Storage hides the driver error behind a retryable, caller-safe failure.
func Storage(cause error) error {
	return Wrap(CodeStorage, "storage unavailable", cause)
}
