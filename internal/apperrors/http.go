package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// FromHTTPStatus classifies a failed response from a remote API.
// The message is the server-supplied error text.
func FromHTTPStatus(op string, statusCode int, message string) error {
	msg := fmt.Sprintf("Error %d: %s", statusCode, message)
	switch {
	case statusCode == http.StatusNotFound:
		return &Error{Sentinel: ErrNotFound, Message: msg, Op: op}
	case statusCode == http.StatusConflict:
		return &Error{Sentinel: ErrConflict, Message: msg, Op: op}
	case statusCode == http.StatusBadRequest || statusCode == http.StatusUnprocessableEntity:
		return &Error{Sentinel: ErrValidation, Message: msg, Op: op}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return &Error{Sentinel: ErrUnauthorized, Message: msg, Op: op}
	case statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout:
		return &Error{Sentinel: ErrUnavailable, Message: msg, Op: op}
	default:
		return &Error{Sentinel: ErrInternal, Message: msg, Op: op}
	}
}

// Retryable reports whether a failed call may succeed if repeated unchanged.
func Retryable(err error) bool {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return true
	}
	return appErr.Sentinel == ErrUnavailable || appErr.Sentinel == ErrInternal
}
