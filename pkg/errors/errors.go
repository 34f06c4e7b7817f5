package errors

import (
	"errors"
	"fmt"
)

// ErrorType defines different categories of errors the engine distinguishes.
type ErrorType string

const (
	// ErrorTypeTransient covers timeouts, connection resets and 5xx-class
	// failures. Transient errors are retryable and never roll back
	// optimistic local state.
	ErrorTypeTransient ErrorType = "TRANSIENT"
	// ErrorTypePermanent covers auth/permission failures and malformed
	// requests. Never retried.
	ErrorTypePermanent ErrorType = "PERMANENT"
	// ErrorTypeValidation covers locally-detected bad input.
	ErrorTypeValidation ErrorType = "VALIDATION"
	// ErrorTypeInternal is the fallback for everything else.
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// ErrRetriesExhausted is returned by the retry executor once all attempts
// for an operation have failed with retryable errors.
var ErrRetriesExhausted = errors.New("retries exhausted")

// AppError is the custom error type for the engine.
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewTransient creates a retryable error.
func NewTransient(message string, err error) error {
	return &AppError{Type: ErrorTypeTransient, Message: message, Err: err}
}

// NewPermanent creates a non-retryable error.
func NewPermanent(message string, err error) error {
	return &AppError{Type: ErrorTypePermanent, Message: message, Err: err}
}

// NewValidation creates a validation error
func NewValidation(message string) error {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewInternal creates an internal error
func NewInternal(message string, err error) error {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// Wrap wraps an error with additional context, preserving its type.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Type:    appErr.Type,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     appErr.Err,
		}
	}

	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// IsTransient reports whether an error is retryable.
func IsTransient(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == ErrorTypeTransient
}

// IsPermanent reports whether an error must not be retried.
func IsPermanent(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == ErrorTypePermanent
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Type == ErrorTypeValidation
}

// IsRetriesExhausted reports whether the retry executor gave up on the
// operation that produced this error.
func IsRetriesExhausted(err error) bool {
	return errors.Is(err, ErrRetriesExhausted)
}
