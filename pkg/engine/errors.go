package engine

import (
	"errors"
	"fmt"

	"github.com/planq/planq/pkg/filelock"
	"github.com/planq/planq/pkg/plan"
	"github.com/planq/planq/pkg/queue"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: lock contention, a disk that is briefly unavailable.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassConflict indicates a state conflict.
	// Examples: a lease held by another worker, an illegal state transition.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a failure that needs a change to the
	// workspace before a retry can succeed.
	// Examples: invalid configuration, an unreadable plan document.
	ErrorClassPermanent ErrorClass = "permanent"
)

// Error codes.
const (
	ErrCodeLockTimeout       = "LOCK_TIMEOUT"
	ErrCodeGateFailed        = "GATE_FAILED"
	ErrCodePlanInvalid       = "PLAN_INVALID"
	ErrCodeDocumentInvalid   = "DOCUMENT_INVALID"
	ErrCodeIOFailed          = "IO_FAILED"
	ErrCodeConfigInvalid     = "CONFIG_INVALID"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeIllegalTransition = "ILLEGAL_TRANSITION"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
)

// Process exit codes.
const (
	ExitOK          = 0
	ExitFailure     = 1
	ExitUsage       = 2
	ExitGateFailed  = 3
	ExitPlanInvalid = 4
	ExitLockTimeout = 5
)

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is the error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Resource is the document path, item id or archive key involved.
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
	if e.Resource != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Resource)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
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

// NewConflictError creates a new conflict error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
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

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassConflict
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// IsRetryable returns true if the error can be retried.
// Transient and conflict errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsConflict(err)
}

// Code returns the code of the first EngineError in the chain.
func Code(err error) string {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ExitCode maps an error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch Code(err) {
	case ErrCodeGateFailed:
		return ExitGateFailed
	case ErrCodePlanInvalid:
		return ExitPlanInvalid
	case ErrCodeLockTimeout:
		return ExitLockTimeout
	case ErrCodeConfigInvalid, ErrCodeInvalidArgument:
		return ExitUsage
	}
	return ExitFailure
}

// classify wraps errors from the lower layers into EngineErrors. Errors that
// are already classified pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		if ee.Operation == "" {
			ee.Operation = op
		}
		return err
	}

	var timeout *filelock.TimeoutError
	switch {
	case errors.As(err, &timeout):
		return NewTransientError("workspace is locked", err).
			WithCode(ErrCodeLockTimeout).
			WithOperation(op).
			WithResource(timeout.Path)
	case errors.Is(err, queue.ErrNotFound):
		return NewPermanentError("item not found", err).WithCode(ErrCodeNotFound).WithOperation(op)
	case errors.Is(err, queue.ErrIllegalTransition),
		errors.Is(err, queue.ErrLeaseHeld),
		errors.Is(err, queue.ErrNotClaimed),
		errors.Is(err, queue.ErrRetryPending),
		errors.Is(err, queue.ErrBlocked),
		errors.Is(err, queue.ErrIncompleteResolution):
		return NewConflictError("transition refused", err).WithCode(ErrCodeIllegalTransition).WithOperation(op)
	case errors.Is(err, plan.ErrInvalidDocument):
		return NewPermanentError("invalid plan document", err).WithCode(ErrCodePlanInvalid).WithOperation(op)
	}
	return NewTransientError(op+" failed", err).WithCode(ErrCodeIOFailed).WithOperation(op)
}
