package providers

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Canonical provider names. Selection happens through explicit mapping on
// these constants, never through ad hoc string comparison at call sites.
const (
	ProviderClaude     = "claude"
	ProviderPerplexity = "perplexity"
)

// Response tiers understood by the adapters when mapping to a vendor model.
const (
	TierEnhanced = "enhanced"
	TierBasic    = "basic"
)

// Client is the unified interface every provider adapter implements.
//
// Invoke submits a query. Providers answer either synchronously (the
// result carries a QueryResponse) or asynchronously (the result carries a
// PollReference to resume later), never both. Poll checks on an
// asynchronous request; the completion predicate and the transient/
// definitive error classification are owned by the adapter, not by
// callers.
type Client interface {
	// Name returns the canonical provider name.
	Name() string

	// Invoke submits a query and returns a synchronous response or a
	// poll reference for a long-running request.
	Invoke(ctx context.Context, req *QueryRequest) (*InvokeResult, error)

	// Poll checks an in-flight asynchronous request. A non-nil error is
	// classified via ProviderError.Retryable: retryable failures are
	// transient (retried with backoff), the rest are definitive.
	Poll(ctx context.Context, ref PollReference) (*PollResult, error)

	// Ping is a cheap reachability probe used by the status monitor.
	Ping(ctx context.Context) error

	// Models lists the models this adapter can route to.
	Models() []string
}

// QueryRequest is the provider-neutral request shape.
type QueryRequest struct {
	Query        string
	Tier         string // enhanced | basic; empty means adapter default
	Model        string // explicit model override; empty means tier mapping
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64
	DeepResearch bool // request asynchronous deep-research handling
}

// QueryResponse is the provider-neutral response shape.
type QueryResponse struct {
	Provider         string   `json:"provider"`
	Model            string   `json:"model"`
	Content          string   `json:"content"`
	Citations        []string `json:"citations,omitempty"`
	FinishReason     string   `json:"finish_reason"`
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	LatencyMs        int64    `json:"latency_ms"`
}

// PollReference is the opaque handle a provider returns for resuming an
// asynchronous request. Only the issuing adapter interprets ID.
type PollReference struct {
	Provider    string    `json:"provider"`
	ID          string    `json:"id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// InvokeResult is a tagged variant: exactly one of Response or PollRef
// is set.
type InvokeResult struct {
	Response *QueryResponse
	PollRef  *PollReference
}

// Async reports whether the provider deferred the request to polling.
func (r *InvokeResult) Async() bool {
	return r != nil && r.PollRef != nil
}

// PollResult reports the state of an asynchronous request. Complete is
// decided by the adapter's completion predicate (a finish signal plus a
// non-empty payload); Response is set only when Complete is true.
type PollResult struct {
	Complete bool
	Response *QueryResponse
}

// ProviderError represents an error from a provider
type ProviderError struct {
	Provider   string
	Code       string
	Message    string
	StatusCode int
	Retryable  bool
	Cause      error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s provider error [%s]: %s (%v)", e.Provider, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s provider error [%s]: %s", e.Provider, e.Code, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// NewProviderError creates a new provider error
func NewProviderError(provider, code, message string, statusCode int, retryable bool, cause error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// IsRetryable checks if an error is a retryable provider error
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// AsProviderError extracts a ProviderError from an error chain, if present.
func AsProviderError(err error) (*ProviderError, bool) {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr, true
	}
	return nil, false
}

// Config holds the settings common to every adapter.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string // default model for the enhanced tier
	BasicModel    string // model for the basic tier
	ResearchModel string // model for asynchronous deep research
	MaxTokens     int
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}
