// Package errors provides the structured error model for OrbitMesh.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants.
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeInternal          = "INTERNAL"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s with id '%s' not found", resource, id),
	}
}

// InvalidArgument creates a new invalid argument error.
func InvalidArgument(message string) *AppError {
	return &AppError{
		Code:    ErrCodeInvalidArgument,
		Message: message,
	}
}

// InvalidArgumentf creates a new invalid argument error with formatting.
func InvalidArgumentf(format string, args ...interface{}) *AppError {
	return InvalidArgument(fmt.Sprintf(format, args...))
}

// Conflict creates a new conflict error (transition forbidden by state machine).
func Conflict(message string) *AppError {
	return &AppError{
		Code:    ErrCodeConflict,
		Message: message,
	}
}

// Conflictf creates a new conflict error with formatting.
func Conflictf(format string, args ...interface{}) *AppError {
	return Conflict(fmt.Sprintf(format, args...))
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	}
}

// ResourceExhausted creates a new resource exhausted error.
func ResourceExhausted(message string) *AppError {
	return &AppError{
		Code:    ErrCodeResourceExhausted,
		Message: message,
	}
}

// Unavailable creates a new unavailable error; the caller may retry.
func Unavailable(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeUnavailable,
		Message: message,
		Err:     err,
	}
}

// Timeout creates a new timeout error.
func Timeout(message string) *AppError {
	return &AppError{
		Code:    ErrCodeTimeout,
		Message: message,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// CodeOf returns the error code of err, or ErrCodeInternal for plain errors.
// A nil error yields the empty string.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether the error is transient and may be retried.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case ErrCodeUnavailable, ErrCodeTimeout, ErrCodeResourceExhausted:
		return true
	}
	return false
}

// HTTPStatus maps an error to the HTTP status code the admin API returns.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeInvalidArgument:
		return http.StatusBadRequest
	case ErrCodeConflict:
		return http.StatusConflict
	case ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
// If err is already an AppError its code is preserved.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: message,
			Err:     err,
		}
	}
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}
