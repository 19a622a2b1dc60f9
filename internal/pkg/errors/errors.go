// Package errors provides custom error types and error handling utilities.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Error codes.
const (
	// Caller errors.
	CodeConfiguration = "CONFIGURATION_ERROR"
	CodeValidation    = "VALIDATION_ERROR"

	// Input errors.
	CodeImageDecode = "IMAGE_DECODE_ERROR"

	// Runtime errors.
	CodeModelExecution = "MODEL_EXECUTION_ERROR"
	CodeInternal       = "INTERNAL_ERROR"
	CodeUnavailable    = "SERVICE_UNAVAILABLE"
)

// AppError represents an application error with code and details.
type AppError struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an AppError.
func Wrap(code, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds details to the error.
func (e *AppError) WithDetails(details map[string]string) *AppError {
	e.Details = details
	return e
}

// WithDetail adds a single detail to the error.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Convenience constructors.

// ConfigurationError creates a configuration error (missing files, bad settings,
// malformed ground truth, degenerate arguments).
func ConfigurationError(message string) *AppError {
	return New(CodeConfiguration, message)
}

// ConfigurationErrorf creates a configuration error with a formatted message.
func ConfigurationErrorf(format string, args ...any) *AppError {
	return New(CodeConfiguration, fmt.Sprintf(format, args...))
}

// ValidationError creates a validation error.
func ValidationError(message string) *AppError {
	return New(CodeValidation, message)
}

// ImageDecodeError creates an error for an image that cannot be opened or decoded.
func ImageDecodeError(path string, err error) *AppError {
	return Wrap(CodeImageDecode, "failed to decode image", err).WithDetail("image", path)
}

// ModelExecutionError creates an error for a failed forward pass.
func ModelExecutionError(message string, err error) *AppError {
	return Wrap(CodeModelExecution, message, err)
}

// InternalError creates an internal error.
func InternalError(message string, err error) *AppError {
	return Wrap(CodeInternal, message, err)
}

// ServiceUnavailableError creates a service unavailable error.
func ServiceUnavailableError(service string, err error) *AppError {
	message := "service unavailable"
	if service != "" {
		message = fmt.Sprintf("%s is unavailable", service)
	}
	return Wrap(CodeUnavailable, message, err)
}

// CodeOf returns the code of the first AppError in err's chain, or "".
func CodeOf(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// IsConfiguration checks if error is a configuration error.
func IsConfiguration(err error) bool {
	return CodeOf(err) == CodeConfiguration
}

// IsImageDecode checks if error is an image decode error.
func IsImageDecode(err error) bool {
	return CodeOf(err) == CodeImageDecode
}

// IsModelExecution checks if error is a model execution error.
func IsModelExecution(err error) bool {
	return CodeOf(err) == CodeModelExecution
}

// IsValidation checks if error is a validation error.
func IsValidation(err error) bool {
	return CodeOf(err) == CodeValidation
}
