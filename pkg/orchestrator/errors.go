package orchestrator

import (
	"errors"
	"fmt"
)

// ErrorKind classifies an orchestration error.
type ErrorKind string

const (
	// KindValidation marks a malformed request. No task is created.
	KindValidation ErrorKind = "validation"

	// KindPolicyBlocked marks a request denied by the policy gate. No task is created.
	KindPolicyBlocked ErrorKind = "policy_blocked"

	// KindEngineFailure marks a failed engine call. Normally absorbed by the fallback manager.
	KindEngineFailure ErrorKind = "engine_failure"

	// KindPlanningFailure marks an intent without a plan of its own.
	KindPlanningFailure ErrorKind = "planning_failure"

	// KindTaskAborted marks a task whose required step exhausted every fallback.
	KindTaskAborted ErrorKind = "task_aborted"

	// KindCancelled marks an externally cancelled task.
	KindCancelled ErrorKind = "cancelled"
)

// Error is a classified orchestration error.
type Error struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// TaskID is the task the error belongs to, if one exists.
	TaskID string `json:"task_id,omitempty"`

	// StepID is the step that caused the error, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.StepID != "" {
		msg += fmt.Sprintf(" (step=%s)", e.StepID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NewValidationError creates a new validation error.
func NewValidationError(message string, err error) *Error {
	return newError(KindValidation, message, err).WithCode(ErrCodeValidation)
}

// NewPolicyBlockedError creates a new policy denial error.
func NewPolicyBlockedError(message string) *Error {
	return newError(KindPolicyBlocked, message, nil).WithCode(ErrCodePolicyDenied)
}

// NewEngineFailure creates a new engine failure error.
func NewEngineFailure(message string, err error) *Error {
	return newError(KindEngineFailure, message, err).WithCode(ErrCodeEngineFailed)
}

// NewPlanningFailure creates a new planning failure error.
func NewPlanningFailure(message string, err error) *Error {
	return newError(KindPlanningFailure, message, err).WithCode(ErrCodeNoPlan)
}

// NewTaskAborted creates a new task aborted error.
func NewTaskAborted(message string, err error) *Error {
	return newError(KindTaskAborted, message, err).WithCode(ErrCodeAllEnginesFailed)
}

// NewCancelledError creates a new cancellation error.
func NewCancelledError(message string) *Error {
	return newError(KindCancelled, message, nil).WithCode(ErrCodeCancelled)
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithTask adds task context to an error.
func (e *Error) WithTask(taskID string) *Error {
	e.TaskID = taskID
	return e
}

// WithStep adds step context to an error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the classification of err, or an empty kind if err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// IsValidation returns true if the error is a validation error.
func IsValidation(err error) bool {
	return IsKind(err, KindValidation)
}

// IsPolicyBlocked returns true if the error is a policy denial.
func IsPolicyBlocked(err error) bool {
	return IsKind(err, KindPolicyBlocked)
}

// IsCancelled returns true if the error is a cancellation.
func IsCancelled(err error) bool {
	return IsKind(err, KindCancelled)
}

// ErrTaskNotFound is returned by lookups that address an unknown task.
var ErrTaskNotFound = errors.New("task not found")

// MsgAllEnginesFailed is the error message reported when no engine could produce a step output.
const MsgAllEnginesFailed = "All engines failed"

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodePolicyDenied     = "POLICY_DENIED"
	ErrCodeEngineFailed     = "ENGINE_FAILED"
	ErrCodeNoEngine         = "NO_ENGINE"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeNoPlan           = "NO_PLAN"
	ErrCodeAllEnginesFailed = "ALL_ENGINES_FAILED"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodeInvalidOutput    = "INVALID_OUTPUT"
	ErrCodeInternal         = "INTERNAL_ERROR"
)
