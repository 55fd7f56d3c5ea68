package types

import "fmt"

// ErrorCode represents a unified error code across the hub.
type ErrorCode string

// Routing and validation error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrInvalidInput   ErrorCode = "INVALID_INPUT"
	ErrToolNotFound   ErrorCode = "TOOL_NOT_FOUND"
	ErrToolOffline    ErrorCode = "TOOL_OFFLINE"
	ErrToolTimeout    ErrorCode = "TOOL_TIMEOUT"
	ErrCircuitOpen    ErrorCode = "CIRCUIT_OPEN"
	ErrEngineNotSet   ErrorCode = "ENGINE_NOT_AVAILABLE"
)

// Workflow error codes
const (
	ErrWorkflowNotFound   ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrCircularDependency ErrorCode = "CIRCULAR_DEPENDENCY"
	ErrUnknownDependency  ErrorCode = "UNKNOWN_DEPENDENCY"
	ErrRequiredStepFailed ErrorCode = "REQUIRED_STEP_FAILED"
	ErrInvalidWorkflow    ErrorCode = "INVALID_WORKFLOW"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Tool      string    `json:"tool,omitempty"`
	Retryable bool      `json:"retryable"`

	// Violations lists every schema violation for validation errors;
	// validation fails all-at-once, not on the first field.
	Violations []string `json:"violations,omitempty"`

	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithTool sets the tool name the error relates to.
func (e *Error) WithTool(tool string) *Error {
	e.Tool = tool
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithViolations attaches the full list of schema violations.
func (e *Error) WithViolations(violations []string) *Error {
	e.Violations = violations
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}
