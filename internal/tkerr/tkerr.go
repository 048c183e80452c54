// Package tkerr defines the single typed error used across tasker-core,
// with an HTTP-status mapping consumed by the API surface.
package tkerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind categorizes a failure for propagation and retry decisions.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	NotFound             Kind = "not_found"
	Conflict             Kind = "conflict"
	Timeout              Kind = "timeout"
	BrowserError         Kind = "browser_error"
	ElementStale         Kind = "element_stale"
	ElementNotVisible    Kind = "element_not_visible"
	LLMRateLimited       Kind = "llm_rate_limited"
	LLMAuthError         Kind = "llm_auth_error"
	LLMBadResponse       Kind = "llm_bad_response"
	LLMUnavailable       Kind = "llm_unavailable"
	StoreError           Kind = "store_error"
	StepBudgetExceeded   Kind = "step_budget_exceeded"
	Cancelled            Kind = "cancelled"
)

// Error is the single error type raised anywhere in tasker-core.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind wrapping cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsLLMError reports whether err is any of the LLM error kinds.
func IsLLMError(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case LLMRateLimited, LLMAuthError, LLMBadResponse, LLMUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the status code the API surface should return.
func HTTPStatus(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Timeout:
		return http.StatusGatewayTimeout
	case Cancelled:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
