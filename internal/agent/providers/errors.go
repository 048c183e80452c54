package providers

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass categorizes why a call to an LLM provider failed, so the run
// loop can decide whether retrying the same provider is worth it.
type ErrorClass string

const (
	// ClassBilling indicates payment/quota issues (HTTP 402)
	ClassBilling ErrorClass = "billing"

	// ClassRateLimit indicates rate limiting (HTTP 429)
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassAuth indicates authentication failure (HTTP 401, 403)
	ClassAuth ErrorClass = "auth"

	// ClassTimeout indicates request timeout
	ClassTimeout ErrorClass = "timeout"

	// ClassServerError indicates server-side issues (HTTP 5xx)
	ClassServerError ErrorClass = "server_error"

	// ClassInvalidRequest indicates client-side issues (HTTP 400)
	ClassInvalidRequest ErrorClass = "invalid_request"

	// ClassModelUnavailable indicates the model is not available
	ClassModelUnavailable ErrorClass = "model_unavailable"

	// ClassContentFilter indicates content was blocked by safety filters
	ClassContentFilter ErrorClass = "content_filter"

	// ClassUnknown indicates an unclassified error
	ClassUnknown ErrorClass = "unknown"
)

// IsRetryable returns true if the error class suggests retrying the same
// provider may succeed.
func (r ErrorClass) IsRetryable() bool {
	switch r {
	case ClassRateLimit, ClassTimeout, ClassServerError:
		return true
	default:
		return false
	}
}

// ProviderError represents a structured error from an LLM provider.
// It captures context needed for retry logic and debugging.
type ProviderError struct {
	// Reason categorizes the error for retry logic
	Reason ErrorClass

	// Provider is the name of the provider (e.g., "anthropic", "openai")
	Provider string

	// Model is the model that was requested
	Model string

	// Status is the HTTP status code, if applicable
	Status int

	// Code is the provider-specific error code
	Code string

	// Message is the human-readable error message
	Message string

	// RequestID is the provider's request ID for debugging
	RequestID string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("[%s]", e.Reason))

	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}

	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}

	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new ProviderError with the given parameters.
func NewProviderError(provider, model string, cause error) *ProviderError {
	err := &ProviderError{
		Provider: provider,
		Model:    model,
		Cause:    cause,
		Reason:   ClassUnknown,
	}

	if cause != nil {
		err.Message = cause.Error()
		err.Reason = ClassifyError(cause)
	}

	return err
}

// WithStatus adds HTTP status to the error and reclassifies if needed.
func (e *ProviderError) WithStatus(status int) *ProviderError {
	e.Status = status
	e.Reason = classifyStatusCode(status)
	return e
}

// WithCode adds a provider-specific error code.
func (e *ProviderError) WithCode(code string) *ProviderError {
	e.Code = code
	// Reclassify based on known codes
	if reason := classifyErrorCode(code); reason != ClassUnknown {
		e.Reason = reason
	}
	return e
}

// WithRequestID adds the provider's request ID.
func (e *ProviderError) WithRequestID(id string) *ProviderError {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *ProviderError) WithMessage(msg string) *ProviderError {
	e.Message = msg
	return e
}

// ClassifyError inspects an error and returns the appropriate ErrorClass.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	errStr := strings.ToLower(err.Error())

	// Check for timeout patterns
	if strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "context deadline") ||
		strings.Contains(errStr, "etimedout") {
		return ClassTimeout
	}

	// Check for rate limit patterns
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "rate_limit") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "429") {
		return ClassRateLimit
	}

	// Check for authentication patterns
	if strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") ||
		strings.Contains(errStr, "invalid_api_key") ||
		strings.Contains(errStr, "authentication") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") {
		return ClassAuth
	}

	// Check for billing patterns
	if strings.Contains(errStr, "billing") ||
		strings.Contains(errStr, "payment") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "insufficient") ||
		strings.Contains(errStr, "402") {
		return ClassBilling
	}

	// Check for content filter patterns
	if strings.Contains(errStr, "content_filter") ||
		strings.Contains(errStr, "content policy") ||
		strings.Contains(errStr, "safety") ||
		strings.Contains(errStr, "blocked") {
		return ClassContentFilter
	}

	// Check for model availability patterns
	if strings.Contains(errStr, "model not found") ||
		strings.Contains(errStr, "model_not_found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "unavailable") {
		return ClassModelUnavailable
	}

	// Check for server error patterns
	if strings.Contains(errStr, "internal server") ||
		strings.Contains(errStr, "server error") ||
		strings.Contains(errStr, "500") ||
		strings.Contains(errStr, "502") ||
		strings.Contains(errStr, "503") ||
		strings.Contains(errStr, "504") {
		return ClassServerError
	}

	return ClassUnknown
}

// classifyStatusCode returns a ErrorClass based on HTTP status code.
func classifyStatusCode(status int) ErrorClass {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ClassAuth
	case status == http.StatusPaymentRequired:
		return ClassBilling
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status == http.StatusBadRequest:
		return ClassInvalidRequest
	case status == http.StatusNotFound:
		return ClassModelUnavailable
	case status >= 500:
		return ClassServerError
	default:
		return ClassUnknown
	}
}

// classifyErrorCode returns a ErrorClass based on provider-specific error codes.
func classifyErrorCode(code string) ErrorClass {
	code = strings.ToLower(code)

	switch code {
	case "rate_limit_error", "rate_limit_exceeded":
		return ClassRateLimit
	case "authentication_error", "invalid_api_key":
		return ClassAuth
	case "billing_error", "insufficient_quota":
		return ClassBilling
	case "model_not_found", "model_not_available":
		return ClassModelUnavailable
	case "content_policy_violation", "content_filter":
		return ClassContentFilter
	case "server_error", "internal_error":
		return ClassServerError
	case "invalid_request_error":
		return ClassInvalidRequest
	default:
		return ClassUnknown
	}
}

// IsProviderError checks if an error is a ProviderError.
func IsProviderError(err error) bool {
	var providerErr *ProviderError
	return errors.As(err, &providerErr)
}

// GetProviderError extracts a ProviderError from an error chain.
func GetProviderError(err error) (*ProviderError, bool) {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr, true
	}
	return nil, false
}

// IsRetryable checks if an error should be retried against the same provider.
func IsRetryable(err error) bool {
	if providerErr, ok := GetProviderError(err); ok {
		return providerErr.Reason.IsRetryable()
	}
	return ClassifyError(err).IsRetryable()
}
