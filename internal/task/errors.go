package task

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownTaskType indicates no handler is registered for a task type
	ErrUnknownTaskType = errors.New("unknown task type")
	// ErrDuplicateTaskType indicates a task type was registered twice
	ErrDuplicateTaskType = errors.New("task type already registered")
	// ErrRegistryFrozen indicates registration was attempted after startup
	ErrRegistryFrozen = errors.New("registry is frozen")
	// ErrSoftTimeout indicates the handler did not recover from the
	// cooperative cancellation signal
	ErrSoftTimeout = errors.New("soft timeout")
	// ErrHardTimeout indicates execution was forcibly abandoned
	ErrHardTimeout = errors.New("hard timeout")
)

// Error kinds carried in ErrorInfo across the wire and into results
const (
	ErrKindBrokerUnavailable  = "broker_unavailable"
	ErrKindUnknownTaskType    = "unknown_task_type"
	ErrKindSoftTimeout        = "soft_timeout"
	ErrKindHardTimeout        = "hard_timeout"
	ErrKindHandlerError       = "handler_error"
	ErrKindMalformedMessage   = "malformed_message"
	ErrKindCanceled           = "canceled"
	ErrKindSagaStepFailed     = "saga_step_failed"
	ErrKindCompensationFailed = "compensation_failed"
)

// ErrorInfo is the structured error recorded in a Result. It survives
// serialization, unlike a Go error value.
type ErrorInfo struct {
	Kind    string `json:"kind" cbor:"kind"`
	Message string `json:"message" cbor:"message"`
}

// Error implements the error interface
func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewErrorInfo builds an ErrorInfo with the given kind from an error
func NewErrorInfo(kind string, err error) *ErrorInfo {
	return &ErrorInfo{Kind: kind, Message: err.Error()}
}

// ClassifyError maps an execution error onto an ErrorInfo kind
func ClassifyError(err error) *ErrorInfo {
	switch {
	case errors.Is(err, ErrSoftTimeout):
		return NewErrorInfo(ErrKindSoftTimeout, err)
	case errors.Is(err, ErrHardTimeout):
		return NewErrorInfo(ErrKindHardTimeout, err)
	case errors.Is(err, ErrUnknownTaskType):
		return NewErrorInfo(ErrKindUnknownTaskType, err)
	default:
		return NewErrorInfo(ErrKindHandlerError, err)
	}
}

// HandlerError wraps an error raised by a task handler
type HandlerError struct {
	TaskType string
	Err      error
}

// Error implements the error interface
func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler %s failed: %v", e.TaskType, e.Err)
}

// Unwrap returns the underlying handler error
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// PermanentError marks a handler error as non-retryable. Workers skip the
// retry budget for permanent errors and fail the task immediately.
type PermanentError struct {
	Err error
}

// Permanent wraps err so the worker will not retry it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Error implements the error interface
func (e *PermanentError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the wrapped error
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err (or anything it wraps) was marked permanent
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
