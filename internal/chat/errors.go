// Package chat orchestrates a single chat turn: history resolution,
// token budgeting, credit holds, tool gating, the generation loop and
// persistence.
package chat

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies turn failures for transport mapping.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeUnauthorized       Code = "unauthorized"
	CodeForbidden          Code = "forbidden"
	CodeNotFound           Code = "not_found"
	CodeInsufficientBudget Code = "insufficient_budget"
	CodeInputTooLong       Code = "input_too_long"
	CodeRateLimited        Code = "rate_limited"
	CodeProviderError      Code = "provider_error"
	CodeTimeout            Code = "timeout"
)

// Error is a classified turn failure.
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

// E builds a classified error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the classification of err, defaulting to
// provider_error for anything unclassified.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeProviderError
}

// HTTPStatus maps a code to its response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeBadRequest, CodeInputTooLong:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientBudget:
		return http.StatusPaymentRequired
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// UserMessage renders a safe client-facing description for a turn
// error without leaking provider internals.
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		switch e.Code {
		case CodeProviderError:
			return "The model provider returned an error. Please try again."
		case CodeTimeout:
			return "The response took too long and was stopped."
		default:
			return e.Message
		}
	}
	return "Something went wrong. Please try again."
}
