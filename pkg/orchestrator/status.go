package orchestrator

import (
	"encoding/json"
	"fmt"
)

// TaskState is the lifecycle state of a task as tracked by its state machine.
type TaskState string

const (
	// TaskStatePending indicates the task has been created but not yet planned.
	TaskStatePending TaskState = "pending"

	// TaskStatePlanning indicates the planner is building the step list.
	TaskStatePlanning TaskState = "planning"

	// TaskStateExecuting indicates steps are being executed.
	TaskStateExecuting TaskState = "executing"

	// TaskStateSuccess indicates every required step produced an output.
	TaskStateSuccess TaskState = "success"

	// TaskStateFailed indicates a required step exhausted its fallbacks.
	TaskStateFailed TaskState = "failed"

	// TaskStateFallback indicates the task was handed off to a human expert.
	TaskStateFallback TaskState = "fallback"

	// TaskStateCompleted indicates the task result has been delivered.
	TaskStateCompleted TaskState = "completed"

	// TaskStateCancelled indicates the task was cancelled externally.
	TaskStateCancelled TaskState = "cancelled"
)

// IsTerminal returns true if no transition can leave the state.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateCancelled
}

// IsActive returns true while the task is still being processed.
func (s TaskState) IsActive() bool {
	return s == TaskStatePending || s == TaskStatePlanning || s == TaskStateExecuting
}

// IsSettled returns true once process() has finished with the task,
// whether or not the result has been acknowledged.
func (s TaskState) IsSettled() bool {
	return !s.IsActive()
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	switch s {
	case TaskStatePending, TaskStatePlanning, TaskStateExecuting, TaskStateSuccess,
		TaskStateFailed, TaskStateFallback, TaskStateCompleted, TaskStateCancelled:
		return nil
	default:
		return fmt.Errorf("invalid task state: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s TaskState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *TaskState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = TaskState(str)
	return s.Validate()
}

// StepStatus represents the status of a single step.
type StepStatus string

const (
	// StepStatusPending indicates the step has not started.
	StepStatusPending StepStatus = "pending"

	// StepStatusRunning indicates the step is executing.
	StepStatusRunning StepStatus = "running"

	// StepStatusSuccess indicates an engine produced the step output.
	StepStatusSuccess StepStatus = "success"

	// StepStatusFailed indicates the step could not be rescued.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates an optional step was abandoned.
	StepStatusSkipped StepStatus = "skipped"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailed || s == StepStatusSkipped
}

// CanTransition reports whether a step may move from s to next.
// Step statuses only move forward: pending -> running -> {success, failed, skipped}.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusRunning
	case StepStatusRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusSuccess, StepStatusFailed, StepStatusSkipped:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}

// EngineType is the capability type an engine declares.
type EngineType string

const (
	// EngineTypeAI is a generative model provider.
	EngineTypeAI EngineType = "ai"

	// EngineTypeRule is a deterministic rule-based generator.
	EngineTypeRule EngineType = "rule"

	// EngineTypeTemplate fills predefined templates.
	EngineTypeTemplate EngineType = "template"

	// EngineTypeExpert escalates work to a human.
	EngineTypeExpert EngineType = "expert"
)

// Validate checks if the engine type is valid.
func (t EngineType) Validate() error {
	switch t {
	case EngineTypeAI, EngineTypeRule, EngineTypeTemplate, EngineTypeExpert:
		return nil
	default:
		return fmt.Errorf("invalid engine type: %s", t)
	}
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (t *EngineType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*t = EngineType(str)
	return t.Validate()
}

// EventType represents the type of a lifecycle event published by the orchestrator.
type EventType string

const (
	EventTypeTaskCreated       EventType = "task.created"
	EventTypeTaskStateChanged  EventType = "task.state_changed"
	EventTypeStepStarted       EventType = "step.started"
	EventTypeStepCompleted     EventType = "step.completed"
	EventTypeStepFallback      EventType = "step.fallback"
	EventTypeStepSkipped       EventType = "step.skipped"
	EventTypeTaskExpertHandoff EventType = "task.expert_handoff"
	EventTypePolicyBlocked     EventType = "policy.blocked"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypePolicyBlocked, EventTypeTaskExpertHandoff:
		return "warning"
	default:
		return "info"
	}
}
