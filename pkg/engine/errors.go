package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry decisions.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, 5xx responses, poll timeouts.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion.
	// Retried like a transient error but with a longer base delay.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: invalid argument, permission denied, snapshot not found.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassUnknown is assigned to errors the gateway could not classify.
	// They are retried up to the attempt cap.
	ErrorClassUnknown ErrorClass = "unknown"
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the target resource that caused the error, if applicable.
	Resource string `json:"resource,omitempty"`

	// Operation is the gateway operation being performed (submit, poll, cancel).
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", msg, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class and code, so the package sentinels work with errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewUnknownError creates an error of unknown class.
func NewUnknownError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassUnknown, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *EngineError) WithResource(resource string) *EngineError {
	e.Resource = resource
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of err. Errors that are not EngineErrors are unknown.
func ClassOf(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassUnknown
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassThrottled
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Everything except permanent errors is retryable, subject to the attempt cap.
func IsRetryable(err error) bool {
	return err != nil && !IsPermanent(err)
}

// Common error codes.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidTarget     = "INVALID_TARGET"
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeAlreadyExists     = "ALREADY_EXISTS"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeRateLimited       = "RATE_LIMITED"
	ErrCodeUnavailable       = "UNAVAILABLE"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeOperationFailed   = "OPERATION_FAILED"
	ErrCodeOperationOrphaned = "OPERATION_ORPHANED"
	ErrCodeDependencyFailed  = "DEPENDENCY_FAILED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	ErrCodePolicyViolation   = "POLICY_VIOLATION"
	ErrCodePrerequisiteCheck = "PREREQUISITE_FAILED"
)

// Plan errors. Build returns errors that match one of these with errors.Is.
var (
	ErrInvalidTarget    = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeInvalidTarget}
	ErrCyclicDependency = &EngineError{Class: ErrorClassPermanent, Code: ErrCodeCyclicDependency}
)

func newInvalidTarget(resource, format string, args ...interface{}) *EngineError {
	return NewPermanentError(fmt.Sprintf(format, args...), nil).
		WithCode(ErrCodeInvalidTarget).
		WithResource(resource).
		WithOperation("build")
}

// StepError is the terminal, user-visible summary attached to a step that
// did not succeed.
type StepError struct {
	// Class is the classification of the last error seen by the step.
	Class ErrorClass `json:"class"`

	// Code is the error code, when one is known.
	Code string `json:"code,omitempty"`

	// Message is a human-readable cause.
	Message string `json:"message"`

	// Attempts is the number of submissions made.
	Attempts int `json:"attempts"`

	// Cause references the step whose failure blocked this one, if any.
	Cause *StepID `json:"cause,omitempty"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// summarize converts an arbitrary error into a StepError.
func summarize(err error, attempts int) *StepError {
	if err == nil {
		return nil
	}
	se := &StepError{Class: ClassOf(err), Message: err.Error(), Attempts: attempts}
	var ee *EngineError
	if errors.As(err, &ee) {
		se.Code = ee.Code
	}
	return se
}
