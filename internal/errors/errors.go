package errors

import (
	"errors"
	"fmt"
)

// BrainError is the structured error type for agent-brain.
// It carries a stable code, a category used for HTTP status mapping,
// and a retryable flag consumed by the job worker and provider clients.
type BrainError struct {
	// Code is the unique error code (e.g., "ERR_503_DIMENSION_MISMATCH").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Provider, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool

	// Suggestion is an actionable suggestion for the user.
	Suggestion string
}

// Error implements the error interface.
func (e *BrainError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *BrainError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error by code.
func (e *BrainError) Is(target error) bool {
	if t, ok := target.(*BrainError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *BrainError) WithDetail(key, value string) *BrainError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// WithSuggestion adds an actionable suggestion for the user.
func (e *BrainError) WithSuggestion(suggestion string) *BrainError {
	e.Suggestion = suggestion
	return e
}

// New creates a new BrainError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *BrainError {
	return &BrainError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Newf creates a new BrainError with a formatted message and no cause.
func Newf(code string, format string, args ...any) *BrainError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// Wrap creates a BrainError from an existing error.
// The error's message becomes the BrainError message.
func Wrap(code string, err error) *BrainError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// ValidationError creates a validation-related error.
func ValidationError(message string) *BrainError {
	return New(ErrCodeInvalidInput, message, nil)
}

// NotReadyError creates a service-unavailable error.
func NotReadyError(message string) *BrainError {
	return New(ErrCodeNotReady, message, nil)
}

// ConflictError creates a conflict error with the given code.
func ConflictError(code, message string) *BrainError {
	return New(code, message, nil)
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var be *BrainError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// IsFatal checks if an error has fatal severity.
// Fatal errors should abort the current operation.
func IsFatal(err error) bool {
	var be *BrainError
	if errors.As(err, &be) {
		return be.Severity == SeverityFatal
	}
	return false
}

// GetCode extracts the error code from a BrainError.
// Returns empty string if not a BrainError.
func GetCode(err error) string {
	var be *BrainError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// GetCategory extracts the category from a BrainError.
// Returns CategoryInternal for plain errors.
func GetCategory(err error) Category {
	var be *BrainError
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryInternal
}
