// Package apperror defines the error taxonomy shared by the reservation
// lifecycle, the gateway adapter and the HTTP layer.
package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation         Code = "validation"
	CodeNotFound           Code = "not_found"
	CodeForbidden          Code = "forbidden"
	CodeUnauthorized       Code = "unauthorized"
	CodeInvalidState       Code = "invalid_state"
	CodeUnavailable        Code = "unavailable"
	CodeGatewayUnavailable Code = "gateway_unavailable"
	CodeGatewayRejected    Code = "gateway_rejected"
	CodeRefundFailed       Code = "refund_failed"
	CodeInternal           Code = "internal"
)

// Error is a business error carrying a code that maps to an HTTP status.
type Error struct {
	Err     error
	Message string
	Code    Code
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Err
}

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(CodeForbidden, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(CodeInvalidState, format, args...)
}

// CodeOf extracts the code of the first *Error in err's chain. Errors outside
// the taxonomy are reported as internal.
func CodeOf(err error) Code {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeGatewayUnavailable, CodeRefundFailed:
		return true
	}
	return false
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeGatewayRejected:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState, CodeUnavailable:
		return http.StatusConflict
	case CodeGatewayUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
