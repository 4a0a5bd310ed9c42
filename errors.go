package rights2roof

import (
	"errors"
	"fmt"
)

// Error codes for specific failure types
const (
	ErrCodeToolInvocation = "TOOL_INVOCATION_ERROR"
	ErrCodeUnknownTool    = "UNKNOWN_TOOL"
	ErrCodeSynthesis      = "SYNTHESIS_ERROR"
	ErrCodeRetrieval      = "RETRIEVAL_ERROR"
	ErrCodeCoordinator    = "COORDINATOR_ERROR"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeConfiguration  = "CONFIGURATION_ERROR"
	ErrCodeStore          = "STORE_ERROR"
	ErrCodeTimeout        = "EXECUTION_TIMEOUT"
)

// Error is the coded error type shared by every stage.
type Error struct {
	Code    string // A machine-readable error code (e.g., ErrCodeUnknownTool)
	Message string // A human-readable message
	Stage   string // The stage where the error occurred (e.g., "planning", "dispatch")
	Cause   error  // The underlying error, if any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Stage, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Stage, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error, allowing for error chaining.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, stage, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Stage:   stage,
		Message: message,
		Cause:   cause,
	}
}

func NewToolInvocationError(tool string, cause error) *Error {
	return NewError(ErrCodeToolInvocation, "dispatch", fmt.Sprintf("execution failed for tool '%s'", tool), cause)
}

func NewUnknownToolError(stage, tool string) *Error {
	return NewError(ErrCodeUnknownTool, stage, fmt.Sprintf("tool '%s' not found", tool), nil)
}

func NewSynthesisError(stage string, cause error) *Error {
	return NewError(ErrCodeSynthesis, stage, "model-backed stage fell back", cause)
}

func NewRetrievalError(cause error) *Error {
	return NewError(ErrCodeRetrieval, "retrieval", "failed to retrieve context", cause)
}

func NewCoordinatorError(stage, message string, cause error) *Error {
	return NewError(ErrCodeCoordinator, stage, message, cause)
}

func NewValidationError(stage, message string, cause error) *Error {
	return NewError(ErrCodeValidation, stage, message, cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrCodeConfiguration, "initialization", message, cause)
}

func NewStoreError(stage, operation string, cause error) *Error {
	return NewError(ErrCodeStore, stage, fmt.Sprintf("store operation '%s' failed", operation), cause)
}

func NewTimeoutError(stage, tool string, cause error) *Error {
	return NewError(ErrCodeTimeout, stage, fmt.Sprintf("tool '%s' timed out", tool), cause)
}

// IsError reports whether err is (or wraps) an *Error.
func IsError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// CodeOf returns the code of the outermost *Error in err's chain, or "".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsCoordinatorError reports whether err is a coordinator-level failure.
func IsCoordinatorError(err error) bool {
	return CodeOf(err) == ErrCodeCoordinator
}
