package domain

import (
	"errors"
	"fmt"
)

// Code is a stable machine-readable failure code. Every failure the core
// returns maps to exactly one code; handlers translate codes to HTTP
// statuses and the CLI prints them verbatim.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeForbidden          Code = "forbidden"
	CodeUnavailable        Code = "unavailable"
	CodeConflict           Code = "conflict" // optimistic version mismatch, retryable
	CodePreconditionFailed Code = "precondition_failed"
	CodeNotActive          Code = "not_active"
	CodeMissingDocument    Code = "missing_document"
	CodeMirrorWriteFailed  Code = "mirror_write_failed"
	CodeInternal           Code = "internal"
)

// Error is a typed domain failure.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a domain error with a formatted message.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the domain code from an error chain, CodeInternal when the
// chain carries no domain error.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code Code) bool {
	return CodeOf(err) == code
}
