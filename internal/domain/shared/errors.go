package shared

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// Retryable marks errors where repeating the whole business operation may succeed.
	Retryable bool  `json:"retryable"`
	Err       error `json:"-"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is matches domain errors by code so wrapped copies still compare equal to the sentinels.
func (e *DomainError) Is(target error) bool {
	var t *DomainError
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// Wrap returns a copy of the error carrying err as its cause
func (e *DomainError) Wrap(err error) *DomainError {
	return &DomainError{
		Code:      e.Code,
		Message:   e.Message,
		Retryable: e.Retryable,
		Err:       err,
	}
}

// WithMessage returns a copy of the error with a more specific message
func (e *DomainError) WithMessage(message string) *DomainError {
	return &DomainError{
		Code:      e.Code,
		Message:   message,
		Retryable: e.Retryable,
		Err:       e.Err,
	}
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// NewRetryableError creates a domain error the caller may retry
func NewRetryableError(code, message string) *DomainError {
	return &DomainError{
		Code:      code,
		Message:   message,
		Retryable: true,
	}
}

// Common domain errors
var (
	ErrNotFound           = NewDomainError("NOT_FOUND", "Resource not found")
	ErrAlreadyExists      = NewDomainError("ALREADY_EXISTS", "Resource already exists")
	ErrInvalidInput       = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrInvalidState       = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
	ErrLockTimeout        = NewRetryableError("LOCK_TIMEOUT", "Timed out waiting for sequence lock")
	ErrTransactionAborted = NewRetryableError("TRANSACTION_ABORTED", "Transaction was aborted")
)

// IsRetryable reports whether err carries a retryable domain error
func IsRetryable(err error) bool {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Retryable
	}
	return false
}

// ErrorCode returns the domain error code of err, or an empty string
func ErrorCode(err error) string {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}
