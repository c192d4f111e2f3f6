// Package apperrors provides the coded error taxonomy shared by the request
// gateway, local store and sync engine.
package apperrors

import (
	"errors"
	"fmt"
)

// Code identifies an error category. Codes are stable strings so they can be
// surfaced over the embedding boundary unchanged.
type Code string

const (
	// Transport errors.
	CodeNetwork Code = "NETWORK"
	CodeTimeout Code = "TIMEOUT"

	// HTTP response errors.
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeClientError  Code = "CLIENT_ERROR"
	CodeServerError  Code = "SERVER_ERROR"

	// Sync errors.
	CodeConflict               Code = "CONFLICT"
	CodePermanentActionFailure Code = "PERMANENT_ACTION_FAILURE"

	// Connectivity errors.
	CodeOffline        Code = "OFFLINE"
	CodeOfflineNoCache Code = "OFFLINE_NO_CACHE"

	// Local store errors.
	CodeUnavailable Code = "UNAVAILABLE"

	CodeInternal Code = "INTERNAL"
)

// AppError carries a code, a human message and an optional cause.
type AppError struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// Newf creates a new AppError with a formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code.
func Wrap(code Code, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// CodeOf returns the code carried by err, unwrapping as needed.
// Errors without an AppError in their chain report CodeInternal.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether err is transient: network failures, timeouts,
// 5xx responses, and rate limiting all qualify. 4xx responses other than
// 408/429 do not.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetwork, CodeTimeout, CodeServerError, CodeRateLimited:
		return true
	default:
		return false
	}
}

// FromStatus maps an HTTP status code to an AppError. Statuses below 400
// map to nil.
func FromStatus(status int, message string) *AppError {
	switch {
	case status < 400:
		return nil
	case status == 401:
		return New(CodeUnauthorized, message)
	case status == 403:
		return New(CodeForbidden, message)
	case status == 404:
		return New(CodeNotFound, message)
	case status == 408:
		return New(CodeTimeout, message)
	case status == 409:
		return New(CodeConflict, message)
	case status == 429:
		return New(CodeRateLimited, message)
	case status < 500:
		return Newf(CodeClientError, "%s (status %d)", message, status)
	default:
		return Newf(CodeServerError, "%s (status %d)", message, status)
	}
}
