// Package apperr defines coded errors that cross package boundaries and
// map onto HTTP status codes at the API layer.
package apperr

import (
	"errors"
	"fmt"
)

// Code represents a specific error condition
type Code string

const (
	CodeValidation     Code = "VALIDATION"
	CodeNotFound       Code = "NOT_FOUND"
	CodeConflict       Code = "CONFLICT"
	CodeUnknownRequest Code = "UNKNOWN_REQUEST"
	CodeUnavailable    Code = "UNAVAILABLE"
	CodeInternal       Code = "INTERNAL"
)

// Error is a structured error with context
type Error struct {
	Code    Code                   `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same code, so callers can compare against
// the sentinel values below.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code && other.Message == ""
}

// WithDetail adds a detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation     = &Error{Code: CodeValidation}
	ErrNotFound       = &Error{Code: CodeNotFound}
	ErrConflict       = &Error{Code: CodeConflict}
	ErrUnknownRequest = &Error{Code: CodeUnknownRequest}
	ErrUnavailable    = &Error{Code: CodeUnavailable}
)

// New creates a new Error
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap wraps an existing error with a code
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Cause: err}
}

// Validation reports a rejected field value
func Validation(field, reason string) *Error {
	return New(CodeValidation, fmt.Sprintf("%s %s", field, reason)).WithDetail("field", field)
}

// NotFound reports a missing entity
func NotFound(kind, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s %q not found", kind, id)).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

// Conflict reports an entity that already exists
func Conflict(kind, id string) *Error {
	return New(CodeConflict, fmt.Sprintf("%s %q already exists", kind, id)).
		WithDetail("kind", kind).
		WithDetail("id", id)
}

// CodeOf extracts the code of err, or CodeInternal
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
