package providers

import (
	"context"
	"errors"
	"time"
)

// Provider represents one backend instance capable of executing a
// completion call. Implementations must be safe for concurrent use;
// the queue runs many completions in parallel.
type Provider interface {
	// Name returns the provider instance name (e.g., "ollama-local")
	Name() string

	// Complete sends a rendered prompt and returns the raw backend text.
	// The context carries the per-attempt timeout.
	Complete(ctx context.Context, prompt string, opts Options) (string, error)
}

// Options holds per-request completion options.
type Options struct {
	// Timeout for this attempt; also enforced via the context deadline
	Timeout time.Duration

	// Temperature controls randomness (0.0 to 2.0)
	Temperature float64

	// MaxTokens limits the response length
	MaxTokens int
}

// Config holds common configuration for provider adapters.
type Config struct {
	// Name identifies this backend instance in the load balancer
	Name string

	// BaseURL of the backend HTTP endpoint
	BaseURL string

	// APIKey for authentication (unused by local backends)
	APIKey string

	// Model identifier to request
	Model string

	// Timeout is the default per-request timeout
	Timeout time.Duration

	// Additional headers
	Headers map[string]string
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Timeout: 30 * time.Second,
		Headers: make(map[string]string),
	}
}

// ProviderError represents an error from a backend provider
type ProviderError struct {
	// Provider that generated the error
	Provider string

	// Code is the error code
	Code string

	// Message is the error message
	Message string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Retryable indicates if the request can be retried
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface
func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap implements error unwrapping
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

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}

// IsTimeout checks if an error was caused by the attempt deadline
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var provErr *ProviderError
	if errors.As(err, &provErr) {
		return provErr.Code == CodeTimeout
	}
	return false
}

// Error codes shared by adapters
const (
	CodeTimeout       = "TIMEOUT"
	CodeHTTP          = "HTTP_ERROR"
	CodeBadStatus     = "BAD_STATUS"
	CodeMarshal       = "MARSHAL_ERROR"
	CodeUnmarshal     = "UNMARSHAL_ERROR"
	CodeEmptyResponse = "EMPTY_RESPONSE"
)
