package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary per-item failure that may succeed on retry.
	// Examples: a carrier page that timed out, a selector that did not render.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting or quota exhaustion by a remote API.
	// Should be retried with capped exponential backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassPermanent indicates a non-recoverable setup failure that aborts the run.
	// Examples: missing credentials, unreadable rule files, a browser that cannot start.
	ErrorClassPermanent ErrorClass = "permanent"

	// ErrorClassDataShape indicates input that does not have the expected structure.
	// Examples: a sheet without the tracking-number column.
	ErrorClassDataShape ErrorClass = "data_shape"
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

	// Resource identifies what the error is about (a tracking id, a sheet range).
	Resource string `json:"resource,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := e.Message
	switch {
	case e.Resource != "" && e.Operation != "":
		msg = fmt.Sprintf("%s (resource=%s, operation=%s)", e.Message, e.Resource, e.Operation)
	case e.Resource != "":
		msg = fmt.Sprintf("%s (resource=%s)", e.Message, e.Resource)
	case e.Operation != "":
		msg = fmt.Sprintf("%s (operation=%s)", e.Message, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, msg, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, msg)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
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
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err, Code: ErrCodeRateLimited}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// NewDataShapeError creates a new data-shape error.
func NewDataShapeError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassDataShape, Message: message, Err: err}
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

func classOf(err error) (ErrorClass, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class, true
	}
	return "", false
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassThrottled
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassPermanent
}

// IsDataShape returns true if the error is classified as a data-shape error.
func IsDataShape(err error) bool {
	c, ok := classOf(err)
	return ok && c == ErrorClassDataShape
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable, and so is any error that was
// never classified: a provider that fails in an unexpected way is treated as a
// transient per-item failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	c, ok := classOf(err)
	if !ok {
		return true
	}
	return c == ErrorClassTransient || c == ErrorClassThrottled
}

// GetErrorCode returns the code of the first EngineError in err's chain.
func GetErrorCode(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Common error codes.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeBackendUnavailable = "BACKEND_UNAVAILABLE"
	ErrCodeProviderFailed     = "PROVIDER_FAILED"
	ErrCodeMissingColumn      = "MISSING_COLUMN"
	ErrCodeRulesInvalid       = "RULES_INVALID"
	ErrCodeConfigInvalid      = "CONFIG_INVALID"
	ErrCodeWriteFailed        = "WRITE_FAILED"
)
