package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeRateLimit      ErrorType = "rate_limit"
	ErrorTypeCapacity       ErrorType = "capacity"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeCircuitOpen    ErrorType = "circuit_open"
	ErrorTypeRoutingFailed  ErrorType = "routing_failed"
	ErrorTypeTieredFailed   ErrorType = "tiered_failed"
	ErrorTypePollTransient  ErrorType = "poll_transient"
	ErrorTypePollDefinitive ErrorType = "poll_definitive"
	ErrorTypeJobNotFound    ErrorType = "job_not_found"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Domain error variables

var (
	// Validation Errors
	ErrInvalidInput    = NewDomainError(ErrorTypeValidation, "invalid input", nil)
	ErrInvalidProvider = NewDomainError(ErrorTypeValidation, "invalid provider specified", nil)
	ErrInvalidTier     = NewDomainError(ErrorTypeValidation, "invalid tier specified", nil)
	ErrEmptyQuery      = NewDomainError(ErrorTypeValidation, "query cannot be empty", nil)

	// Rate Limit Errors
	ErrRateLimitExceeded = NewDomainError(ErrorTypeRateLimit, "rate limit exceeded", nil)

	// Internal Errors
	ErrInternal = NewDomainError(ErrorTypeInternal, "internal server error", nil)

	// External Provider Errors
	ErrProviderUnavailable = NewDomainError(ErrorTypeExternal, "AI provider unavailable", nil)
	ErrProviderTimeout     = NewDomainError(ErrorTypeExternal, "AI provider timeout", nil)
)

// Typed error constructors for the routing/resilience domain.
// Each carries enough context (provider, tier, underlying cause) for the
// caller to decide how to present the failure.

// NewCircuitOpenError signals a fail-fast rejection because the provider's
// breaker is open. No remote call was attempted.
func NewCircuitOpenError(provider string, retryAfter time.Duration) *DomainError {
	e := NewDomainError(ErrorTypeCircuitOpen,
		fmt.Sprintf("circuit breaker open for provider %q", provider), nil)
	e.Details["provider"] = provider
	if retryAfter > 0 {
		e.Details["retry_after_ms"] = retryAfter.Milliseconds()
	}
	return e
}

// NewRoutingFailedError signals that the primary provider and the single
// fallback attempt both failed. Both underlying errors remain reachable
// through errors.Is/errors.As via the joined cause.
func NewRoutingFailedError(primary string, primaryErr error, fallback string, fallbackErr error) *DomainError {
	cause := primaryErr
	if fallbackErr != nil {
		cause = errors.Join(primaryErr, fallbackErr)
	}
	e := NewDomainError(ErrorTypeRoutingFailed, "all providers failed", cause)
	e.Details["primary_provider"] = primary
	if primaryErr != nil {
		e.Details["primary_error"] = primaryErr.Error()
	}
	if fallback != "" {
		e.Details["fallback_provider"] = fallback
	}
	if fallbackErr != nil {
		e.Details["fallback_error"] = fallbackErr.Error()
	}
	return e
}

// NewTieredFailedError signals that both the preferred tier and the basic
// fallback tier failed or timed out.
func NewTieredFailedError(key, preferredTier string, preferredErr, fallbackErr error) *DomainError {
	cause := preferredErr
	if fallbackErr != nil {
		cause = errors.Join(preferredErr, fallbackErr)
	}
	e := NewDomainError(ErrorTypeTieredFailed, "all response tiers failed", cause)
	e.Details["key"] = key
	e.Details["preferred_tier"] = preferredTier
	if preferredErr != nil {
		e.Details["preferred_error"] = preferredErr.Error()
	}
	if fallbackErr != nil {
		e.Details["fallback_error"] = fallbackErr.Error()
	}
	return e
}

// NewPollTransientError marks a poll failure that should be retried with
// backoff. It never fails the owning job by itself.
func NewPollTransientError(provider string, err error) *DomainError {
	e := NewDomainError(ErrorTypePollTransient,
		fmt.Sprintf("transient poll failure from provider %q", provider), err)
	e.Details["provider"] = provider
	return e
}

// NewPollDefinitiveError marks a poll failure that must not be retried;
// the owning job fails immediately.
func NewPollDefinitiveError(provider, reason string, err error) *DomainError {
	e := NewDomainError(ErrorTypePollDefinitive,
		fmt.Sprintf("definitive poll failure from provider %q: %s", provider, reason), err)
	e.Details["provider"] = provider
	e.Details["reason"] = reason
	return e
}

// NewJobNotFoundError signals a lookup for an unknown or already evicted
// job ID. Job IDs are ephemeral; callers must tolerate this.
func NewJobNotFoundError(jobID string) *DomainError {
	e := NewDomainError(ErrorTypeJobNotFound,
		fmt.Sprintf("job %q not found", jobID), nil)
	e.Details["job_id"] = jobID
	return e
}

// NewCapacityError signals that a bounded registry cannot accept new
// entries (all current entries are still active).
func NewCapacityError(message string) *DomainError {
	return NewDomainError(ErrorTypeCapacity, message, nil)
}

// Error type checking helper functions

// IsNotFoundError checks if an error is a not found error
func IsNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeNotFound
	}
	return false
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeValidation
	}
	return false
}

// IsRateLimitError checks if an error is a rate limit error
func IsRateLimitError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeRateLimit
	}
	return false
}

// IsCapacityError checks if an error is a registry capacity error
func IsCapacityError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeCapacity
	}
	return false
}

// IsInternalError checks if an error is an internal error
func IsInternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeInternal
	}
	return false
}

// IsExternalError checks if an error is an external provider error
func IsExternalError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeExternal
	}
	return false
}

// IsCircuitOpenError checks if an error is a circuit-open rejection
func IsCircuitOpenError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeCircuitOpen
	}
	return false
}

// IsRoutingFailedError checks if an error is a routing failure
func IsRoutingFailedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeRoutingFailed
	}
	return false
}

// IsTieredFailedError checks if an error is a tiered response failure
func IsTieredFailedError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeTieredFailed
	}
	return false
}

// IsPollTransientError checks if an error is a transient poll failure
func IsPollTransientError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypePollTransient
	}
	return false
}

// IsPollDefinitiveError checks if an error is a definitive poll failure
func IsPollDefinitiveError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypePollDefinitive
	}
	return false
}

// IsJobNotFoundError checks if an error is an unknown-job lookup
func IsJobNotFoundError(err error) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == ErrorTypeJobNotFound
	}
	return false
}

// GetErrorType returns the ErrorType of a domain error, or empty string if not a domain error
func GetErrorType(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// GetErrorDetails returns the details map of a domain error, or nil if not a domain error
func GetErrorDetails(err error) map[string]interface{} {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Details
	}
	return nil
}

// WrapError wraps an error with additional context
func WrapError(errType ErrorType, message string, err error) error {
	return NewDomainError(errType, message, err)
}

// WrapInternal wraps an error as an internal error
func WrapInternal(message string, err error) error {
	return NewDomainError(ErrorTypeInternal, message, err)
}

// WrapExternal wraps an error as an external provider error
func WrapExternal(message string, err error) error {
	return NewDomainError(ErrorTypeExternal, message, err)
}
