package orchestrator

import (
	"context"
	"time"
)

// PolicyGate decides whether a request may be processed at all.
type PolicyGate interface {
	// Check evaluates the request. An error is treated as a denial.
	Check(ctx context.Context, req Request) (GateDecision, error)
}

// RequestValidator validates incoming requests before any task exists.
type RequestValidator interface {
	// ValidateRequest returns an error describing every invalid field.
	ValidateRequest(req Request) error
}

// OutputValidator checks a step output before it enters the accumulated context.
type OutputValidator interface {
	// ValidateOutput returns an error if output does not match the schema
	// registered for stepName. Steps without a schema always pass.
	ValidateOutput(stepName string, output interface{}) error
}

// Snapshotter persists the audit trail of settled tasks.
type Snapshotter interface {
	// SaveSnapshot stores the task's final state, history and steps.
	SaveSnapshot(ctx context.Context, snapshot TaskSnapshot) error
}

// TaskSnapshot is the persisted form of a settled task.
type TaskSnapshot struct {
	TaskID       string         `json:"task_id"`
	Intent       string         `json:"intent"`
	State        TaskState      `json:"state"`
	Request      Request        `json:"request"`
	Steps        []Step         `json:"steps"`
	History      []StateContext `json:"history"`
	Result       *Envelope      `json:"result,omitempty"`
	FallbackUsed bool           `json:"fallback_used"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Observer receives telemetry from the orchestrator. Only primitive types
// cross this boundary so implementations need not import this package.
type Observer interface {
	// StartSpan starts a trace span and returns a function that ends it.
	StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error))

	// TaskStarted records a new task.
	TaskStarted(ctx context.Context, taskID, intent string)

	// TaskFinished records a settled task.
	TaskFinished(ctx context.Context, taskID, intent, state string, fallbackUsed bool, duration time.Duration)

	// StepFinished records a step reaching a terminal status.
	StepFinished(ctx context.Context, taskID, step, engineType, status string, duration time.Duration)

	// EngineCalled records one engine call.
	EngineCalled(ctx context.Context, engine, engineType, step string, success bool, duration time.Duration)

	// FallbackAttempted records a walk from one engine type to another.
	FallbackAttempted(ctx context.Context, step, fromType, toType string, success bool)

	// PolicyDecided records a gate decision.
	PolicyDecided(ctx context.Context, allowed bool)

	// Event publishes a lifecycle event.
	Event(ctx context.Context, eventType, taskID, stepID, message string, data map[string]interface{})
}

type nopObserver struct{}

func (nopObserver) StartSpan(ctx context.Context, _ string, _ map[string]string) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (nopObserver) TaskStarted(context.Context, string, string) {}
func (nopObserver) TaskFinished(context.Context, string, string, string, bool, time.Duration) {}
func (nopObserver) StepFinished(context.Context, string, string, string, string, time.Duration) {}
func (nopObserver) EngineCalled(context.Context, string, string, string, bool, time.Duration) {}
func (nopObserver) FallbackAttempted(context.Context, string, string, string, bool) {}
func (nopObserver) PolicyDecided(context.Context, bool) {}
func (nopObserver) Event(context.Context, string, string, string, string, map[string]interface{}) {
}
