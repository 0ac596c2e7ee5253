// Package apperrors defines the coded error taxonomy shared across the
// service. Handlers map codes to HTTP statuses; repositories translate
// storage-level conditions (pgx.ErrNoRows, constraint violations) into
// these codes so callers can branch without inspecting driver errors.
package apperrors

import (
	"errors"
	"fmt"
)

// Code classifies an error for callers and for HTTP status mapping.
type Code string

const (
	CodeNotFound   Code = "NOT_FOUND"
	CodeForbidden  Code = "FORBIDDEN"
	CodeValidation Code = "VALIDATION"
	CodeConflict   Code = "CONFLICT"
	CodeInternal   Code = "INTERNAL"
)

// FieldError is a single field-level validation failure, addressed by an
// indexed path such as "steps[1].conditions[0].minAmount".
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error is a coded application error, optionally wrapping a cause and
// carrying field-level details for validation failures.
type Error struct {
	Code    Code         `json:"code"`
	Message string       `json:"message"`
	Fields  []FieldError `json:"fields,omitempty"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, cause: err}
}

// NotFound reports a missing record of the given resource type.
func NotFound(resource, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// Forbidden reports a cross-tenant or otherwise unauthorized reference.
func Forbidden(message string) *Error {
	return &Error{Code: CodeForbidden, Message: message}
}

// Conflict reports an operation rejected by current state.
func Conflict(message string) *Error {
	return &Error{Code: CodeConflict, Message: message}
}

// Validation reports a structural input fault with field-level details.
func Validation(fields []FieldError) *Error {
	return &Error{Code: CodeValidation, Message: "validation failed", Fields: fields}
}

// Internal reports an unexpected storage or infrastructure failure.
func Internal(err error, message string) *Error {
	return &Error{Code: CodeInternal, Message: message, cause: err}
}

// CodeOf extracts the code from an error chain, defaulting to CodeInternal
// for errors that did not originate from this package.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// FieldsOf returns the field errors carried by a validation error, or nil.
func FieldsOf(err error) []FieldError {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Fields
	}
	return nil
}

// IsNotFound reports whether err carries CodeNotFound.
func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }
