// Package errors defines the typed errors used across codeask.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// RepoCloneFailed indicates the initial clone or checkout verification failed.
	// Fatal at startup.
	RepoCloneFailed ErrorCode = "REPO_CLONE_FAILED"
	// RepoSyncFailed indicates a background synchronization attempt failed.
	// Non-fatal; the scheduler retries on its next tick.
	RepoSyncFailed ErrorCode = "REPO_SYNC_FAILED"
	// ServerConnectFailed indicates a tool server connection failed.
	// Fatal at startup when the server is essential, otherwise logged and skipped.
	ServerConnectFailed ErrorCode = "SERVER_CONNECT_FAILED"
	// UnknownTool indicates a dispatched tool name is not in the registry
	UnknownTool ErrorCode = "UNKNOWN_TOOL"
	// ToolExecutionFailed indicates a tool call failed on the server side or in transport
	ToolExecutionFailed ErrorCode = "TOOL_EXECUTION_FAILED"
	// RateLimitExceeded indicates the backend rejected too many consecutive requests
	RateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"
	// IterationLimitExceeded indicates the conversation loop hit its round cap
	IterationLimitExceeded ErrorCode = "ITERATION_LIMIT_EXCEEDED"
	// Cancelled indicates the caller cancelled the operation
	Cancelled ErrorCode = "CANCELLED"
	// Timeout indicates an external call exceeded its deadline
	Timeout ErrorCode = "TIMEOUT"
	// ConfigInvalid indicates the configuration failed validation
	ConfigInvalid ErrorCode = "CONFIG_INVALID"
	// InternalError indicates an unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// AskError represents a codeask error with a stable code, message, and cause
type AskError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error       // Underlying error (not exported to JSON)
}

// New creates a new AskError
func New(code ErrorCode, message string, cause error) *AskError {
	return &AskError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Newf creates a new AskError with a formatted message and no cause
func Newf(code ErrorCode, format string, args ...interface{}) *AskError {
	return &AskError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface
func (e *AskError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AskError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AskError) WithDetails(details interface{}) *AskError {
	e.Details = details
	return e
}

// CodeOf extracts the error code from err, walking the wrap chain.
// Returns InternalError when err carries no AskError.
func CodeOf(err error) ErrorCode {
	var askErr *AskError
	if stderrors.As(err, &askErr) {
		return askErr.Code
	}
	return InternalError
}

// HasCode reports whether err (or anything it wraps) carries the given code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// As walks err's wrap chain looking for a target error type
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
