package domain

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of a gateway error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeNotFound indicates an unknown resource.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates the client exceeded its admission window.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeServer indicates an upstream or configuration failure.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeValidation        ErrorCode = "validation_failed"
	ErrorCodeRateLimitExceeded ErrorCode = "rate_limit_exceeded"
	ErrorCodeUnknownProvider   ErrorCode = "unknown_provider"
	ErrorCodeUpstreamFailure   ErrorCode = "upstream_failure"
	ErrorCodeNotConfigured     ErrorCode = "not_configured"
)

// APIError is the canonical error returned by the gateway core and rendered by frontdoors.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the request field that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// StatusCode overrides the default HTTP status code
	StatusCode int `json:"-"`

	cause error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *APIError) Unwrap() error { return e.cause }

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithCause records the underlying error for errors.Is/As.
func (e *APIError) WithCause(err error) *APIError {
	e.cause = err
	return e
}

// AsAPIError extracts an *APIError from err.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsType reports whether err is an *APIError of the given type.
func IsType(err error, t ErrorType) bool {
	apiErr, ok := AsAPIError(err)
	return ok && apiErr.Type == t
}

// ErrValidation creates a validation error naming the offending field.
func ErrValidation(param, message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message).
		WithCode(ErrorCodeValidation).
		WithParam(param)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrConfigResolution reports a provider id with no configuration.
func ErrConfigResolution(provider ProviderID) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, fmt.Sprintf("no configuration for model %q", provider)).
		WithCode(ErrorCodeUnknownProvider).
		WithParam("model")
}

// ErrDispatch creates an upstream failure error.
func ErrDispatch(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message).
		WithCode(ErrorCodeUpstreamFailure)
}

// ErrNotConfigured reports missing server-side configuration.
func ErrNotConfigured(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message).
		WithCode(ErrorCodeNotConfigured)
}
