package gateway

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned from the resolver and engine.
var (
	// ErrBridgeNotFound indicates the bridge id does not exist.
	ErrBridgeNotFound = errors.New("bridge_id does not exist")

	// ErrBridgePaused indicates the bridge exists but is disabled.
	ErrBridgePaused = errors.New("Bridge is Currently Paused")

	// ErrMissingAPIKey indicates no credential could be resolved for the
	// selected service.
	ErrMissingAPIKey = errors.New("Could not find api key or Agent is not Published")

	// ErrModelNotFound indicates the (service, model) pair is absent from
	// the model catalog.
	ErrModelNotFound = errors.New("model not found in models config")

	// ErrRateLimited indicates the per-bridge or per-thread rate counter
	// was exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")
)

// LimitError is the typed quota failure returned by the pre-flight limit
// check. It carries enough context for the caller to surface usage numbers.
type LimitError struct {
	LimitType    string  // folder | bridge | apikey
	CurrentUsage float64 // accumulated USD cost
	LimitValue   float64 // configured cap in USD
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s limit exceeded. Used: %v/%v",
		strings.ToUpper(e.LimitType[:1])+e.LimitType[1:], e.CurrentUsage, e.LimitValue)
}

// ErrorCode returns the machine-readable code for alerting.
func (e *LimitError) ErrorCode() string {
	return strings.ToUpper(e.LimitType) + "_LIMIT_EXCEEDED"
}

// APIError wraps an upstream provider error with its HTTP status.
type APIError struct {
	Service    string
	Message    string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Service, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// ValidationError reports a malformed request before any provider call.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// NewValidationError builds a ValidationError with a formatted message.
func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// chainedError combines the initial and fallback failures so downstream
// alerting keeps both messages verbatim.
type chainedError struct {
	initial  error
	fallback error
}

func (e *chainedError) Error() string {
	return fmt.Sprintf("Initial Error: %v (Type: %T). Fallback Error: %v (Type: %T).",
		e.initial, e.initial, e.fallback, e.fallback)
}

func (e *chainedError) Unwrap() error { return e.fallback }

// Initial returns the first-attempt error from a chained failure, or nil.
func Initial(err error) error {
	var ce *chainedError
	if errors.As(err, &ce) {
		return ce.initial
	}
	return nil
}
