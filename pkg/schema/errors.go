package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeConfiguration      = "CONFIGURATION_ERROR"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeSubmissionFailed   = "SUBMISSION_FAILED"
	ErrCodeSubmissionInFlight = "SUBMISSION_IN_FLIGHT"
	ErrCodePaymentRequired    = "PAYMENT_REQUIRED"
	ErrCodePaymentFailed      = "PAYMENT_FAILED"
	ErrCodePaymentInFlight    = "PAYMENT_IN_FLIGHT"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeNonRetryable       = "NON_RETRYABLE_ERROR"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
)

// IntakeError is the structured error type for all intake operations.
type IntakeError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *IntakeError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *IntakeError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the visitor can recover by repeating the action.
// Configuration faults and unknown resources are permanent.
func (e *IntakeError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConfiguration, ErrCodeNotFound, ErrCodeInvalidTransition, ErrCodeNonRetryable:
		return false
	default:
		return true
	}
}

// NewError creates a new IntakeError.
func NewError(code, message string) *IntakeError {
	return &IntakeError{Code: code, Message: message}
}

// NewErrorf creates a new IntakeError with a formatted message.
func NewErrorf(code, format string, args ...any) *IntakeError {
	return &IntakeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *IntakeError) WithStep(stepID string) *IntakeError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *IntakeError) WithCause(err error) *IntakeError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *IntakeError) WithDetails(details map[string]any) *IntakeError {
	e.Details = details
	return e
}

// HasCode reports whether err is an IntakeError carrying code.
func HasCode(err error, code string) bool {
	var ie *IntakeError
	return errors.As(err, &ie) && ie.Code == code
}
