package services

import (
	"errors"
	"fmt"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeDuplicate       ErrorType = "duplicate_agent_request"
	ErrorTypeNoProvider      ErrorType = "no_provider_available"
	ErrorTypeProvider        ErrorType = "provider"
	ErrorTypeMalformedOutput ErrorType = "malformed_output"
	ErrorTypeRetryExhausted  ErrorType = "retry_exhausted"
	ErrorTypeTimeout         ErrorType = "timeout"
	ErrorTypeCancelled       ErrorType = "cancelled"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeConflict        ErrorType = "conflict"
	ErrorTypeInternal        ErrorType = "internal"
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
	// Admission-time errors, surfaced synchronously to the caller
	ErrDuplicateAgentRequest = NewDomainError(ErrorTypeDuplicate, "agent already has a pending decision request", nil)
	ErrQueueClosed           = NewDomainError(ErrorTypeConflict, "decision queue is closed", nil)
	ErrInvalidRequest        = NewDomainError(ErrorTypeValidation, "invalid decision request", nil)
	ErrAgentNotFound         = NewDomainError(ErrorTypeNotFound, "agent not found", nil)
	ErrProviderNotFound      = NewDomainError(ErrorTypeNotFound, "provider not found", nil)

	// Per-attempt errors, recovered via retry/failover
	ErrNoProviderAvailable = NewDomainError(ErrorTypeNoProvider, "all providers currently disabled", nil)
	ErrProviderFailure     = NewDomainError(ErrorTypeProvider, "provider call failed", nil)
	ErrProviderTimeout     = NewDomainError(ErrorTypeProvider, "provider call timed out", nil)
	ErrMalformedOutput     = NewDomainError(ErrorTypeMalformedOutput, "backend output did not match the decision schema", nil)

	// Terminal errors, delivered exactly once on the resolution channel
	ErrRetryExhausted   = NewDomainError(ErrorTypeRetryExhausted, "retry ceiling reached", nil)
	ErrDecisionTimeout  = NewDomainError(ErrorTypeTimeout, "decision deadline passed", nil)
	ErrValidationFailed = NewDomainError(ErrorTypeValidation, "request could not be rendered for dispatch", nil)
	ErrCancelled        = NewDomainError(ErrorTypeCancelled, "decision request cancelled", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal error", nil)
)

// Error type checking helper functions

// IsDuplicateError checks if an error is a duplicate-agent-request error
func IsDuplicateError(err error) bool {
	return hasType(err, ErrorTypeDuplicate)
}

// IsNoProviderError checks if an error is a no-provider-available error
func IsNoProviderError(err error) bool {
	return hasType(err, ErrorTypeNoProvider)
}

// IsProviderError checks if an error is a backend provider error
func IsProviderError(err error) bool {
	return hasType(err, ErrorTypeProvider)
}

// IsMalformedOutputError checks if an error is a malformed-output error
func IsMalformedOutputError(err error) bool {
	return hasType(err, ErrorTypeMalformedOutput)
}

// IsRetryExhaustedError checks if an error is a retry-exhausted error
func IsRetryExhaustedError(err error) bool {
	return hasType(err, ErrorTypeRetryExhausted)
}

// IsTimeoutError checks if an error is a deadline-passed error
func IsTimeoutError(err error) bool {
	return hasType(err, ErrorTypeTimeout)
}

// IsCancelledError checks if an error is a cancellation error
func IsCancelledError(err error) bool {
	return hasType(err, ErrorTypeCancelled)
}

// IsConflictError checks if an error is a conflict error
func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

// IsNotFoundError checks if an error is a not-found error
func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

func hasType(err error, t ErrorType) bool {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type == t
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

// WrapProvider wraps an error as a backend provider error
func WrapProvider(message string, err error) error {
	return NewDomainError(ErrorTypeProvider, message, err)
}
