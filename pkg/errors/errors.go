package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code
type ErrorCode int

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal
	// ErrUnavailable marks a transient network failure: timeout, refused
	// connection, 5xx or an open circuit. Callers degrade to cached data.
	ErrUnavailable
	// ErrCorrupt marks a cache entry that failed to parse and was dropped.
	ErrCorrupt
)

func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Message: "internal error",
		Err:     err,
	}
}

func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func BadRequest(message string, err error) *AppError {
	return NewBadRequest(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

func Unavailable(message string, err error) *AppError {
	return &AppError{
		Code:    ErrUnavailable,
		Message: message,
		Err:     err,
	}
}

func Corrupt(key string, err error) *AppError {
	return &AppError{
		Code:    ErrCorrupt,
		Message: fmt.Sprintf("corrupt entry %q", key),
		Err:     err,
	}
}

// CodeOf returns the code of the first AppError in err's chain, or 0.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return 0
}

func IsNotFound(err error) bool     { return CodeOf(err) == ErrNotFound }
func IsBadRequest(err error) bool   { return CodeOf(err) == ErrBadRequest }
func IsUnauthorized(err error) bool { return CodeOf(err) == ErrUnauthorized }
func IsUnavailable(err error) bool  { return CodeOf(err) == ErrUnavailable }
func IsCorrupt(err error) bool      { return CodeOf(err) == ErrCorrupt }

// IsAuthoritative reports whether err is the server's answer about the
// request itself. Credential failures are not: the same request may succeed
// once the session is renewed.
func IsAuthoritative(err error) bool {
	switch CodeOf(err) {
	case ErrNotFound, ErrBadRequest:
		return true
	}
	return false
}
