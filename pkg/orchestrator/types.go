package orchestrator

import (
	"sync"
	"time"
)

// Request is a single content-generation request entering the orchestrator.
type Request struct {
	// Prompt is the free-form user request.
	Prompt string `json:"prompt" validate:"required,max=8000"`

	// Type is an optional content-type hint (shortform, image, motion, text).
	Type string `json:"type,omitempty" validate:"omitempty,max=64"`

	// Duration is the requested media duration in seconds.
	Duration int `json:"duration,omitempty" validate:"omitempty,min=1,max=600"`

	// Style is an optional style hint passed through to engines.
	Style string `json:"style,omitempty" validate:"omitempty,max=128"`

	// Purpose is the declared use of the generated content.
	Purpose string `json:"purpose,omitempty" validate:"omitempty,oneof=personal personal_archive memorial educational commercial"`

	// SubjectName names the real person the content depicts, if any.
	SubjectName string `json:"subject_name,omitempty" validate:"omitempty,max=256"`

	// SubjectStatus describes the depicted person.
	SubjectStatus string `json:"subject_status,omitempty" validate:"omitempty,oneof=living deceased historical fictional"`

	// Consent is the consent declared alongside the request.
	Consent *Consent `json:"consent,omitempty" validate:"omitempty"`

	// Options carries engine-specific parameters.
	Options map[string]interface{} `json:"options,omitempty"`

	// UserID identifies the caller.
	UserID string `json:"user_id,omitempty" validate:"omitempty,max=128"`
}

// Consent describes the permission under which a real person may be depicted.
type Consent struct {
	// Type is who granted the consent.
	Type string `json:"type" validate:"required,oneof=self legal_guardian family"`

	// CommercialUse allows commercial use of the content.
	CommercialUse bool `json:"commercial_use,omitempty"`

	// Proof references the consent document.
	Proof string `json:"proof,omitempty"`

	// GrantedAt is when the consent was given.
	GrantedAt time.Time `json:"granted_at,omitempty"`
}

// Params flattens the request into the parameter bag handed to engines.
func (r Request) Params() map[string]interface{} {
	params := map[string]interface{}{
		"prompt": r.Prompt,
	}
	if r.Type != "" {
		params["type"] = r.Type
	}
	if r.Duration > 0 {
		params["duration"] = r.Duration
	}
	if r.Style != "" {
		params["style"] = r.Style
	}
	if r.Purpose != "" {
		params["purpose"] = r.Purpose
	}
	if r.SubjectName != "" {
		params["subject_name"] = r.SubjectName
	}
	if r.SubjectStatus != "" {
		params["subject_status"] = r.SubjectStatus
	}
	if r.UserID != "" {
		params["user_id"] = r.UserID
	}
	for k, v := range r.Options {
		if _, exists := params[k]; !exists {
			params[k] = v
		}
	}
	return params
}

// GateDecision is the policy gate's verdict on a request.
type GateDecision struct {
	// Allowed is authoritative: false is final and never retried.
	Allowed bool `json:"allowed"`

	// Message explains the decision.
	Message string `json:"message"`

	// RequiredAction names what the caller must do to be allowed, if anything.
	RequiredAction string `json:"required_action,omitempty"`

	// Warnings are non-blocking findings.
	Warnings []string `json:"warnings,omitempty"`
}

// Intent is the analyzer's classification of a request.
type Intent struct {
	// Type is the intent name (e.g. create_shortform).
	Type string `json:"intent_type"`

	// Confidence is matched/total keywords for the winning intent.
	Confidence float64 `json:"confidence"`

	// Parameters are values extracted from the request.
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// StepSpec is one entry of a plan, before it becomes a Step.
type StepSpec struct {
	// Name is the step name engines dispatch on (e.g. create_scenes).
	Name string `json:"name" validate:"required"`

	// EngineType is the engine type the step is bound to.
	EngineType EngineType `json:"engine_type" validate:"required,oneof=ai rule template expert"`

	// Required aborts the task when the step cannot be completed.
	Required bool `json:"required"`

	// Params are static parameters with the highest precedence.
	Params map[string]interface{} `json:"params,omitempty"`
}

// Step is one unit of work within a task.
type Step struct {
	// ID is the key the step output is stored under in the accumulated context.
	ID string `json:"id"`

	// Name is the step name engines dispatch on.
	Name string `json:"name"`

	// EngineType is the declared engine type.
	EngineType EngineType `json:"engine_type"`

	// Required aborts the task when the step cannot be completed.
	Required bool `json:"required"`

	// Params are static step parameters.
	Params map[string]interface{} `json:"params,omitempty"`

	// Status is the current step status.
	Status StepStatus `json:"status"`

	// Candidates are the engine names considered for the primary attempt.
	Candidates []string `json:"candidates,omitempty"`

	// Result is the step output once it succeeds.
	Result interface{} `json:"result,omitempty"`

	// Error is the last failure message.
	Error string `json:"error,omitempty"`

	// Attempts counts engine calls made for this step.
	Attempts int `json:"attempts"`

	// EngineUsed is the engine that produced the result.
	EngineUsed string `json:"engine_used,omitempty"`

	// TriedTypes are the engine types attempted, in order.
	TriedTypes []EngineType `json:"tried_types,omitempty"`

	// StartedAt is when the step started running.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the step reached a terminal status.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// StepKey returns the key a step's output is stored under. Step names are
// unique within a plan, so the name doubles as the context key.
func (s StepSpec) StepKey() string {
	return s.Name
}

// Task is one request's end-to-end execution unit.
type Task struct {
	// ID is the opaque task identifier.
	ID string `json:"id"`

	// Intent is the analyzed intent.
	Intent Intent `json:"intent"`

	// Request is the raw request.
	Request Request `json:"request"`

	// Steps is populated once by the planner and never reordered.
	Steps []*Step `json:"steps"`

	// Machine owns the task lifecycle.
	Machine *StateMachine `json:"-"`

	// Result is set exactly once when process() settles the task.
	Result *Envelope `json:"result,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the task last changed.
	UpdatedAt time.Time `json:"updated_at"`

	mu          sync.RWMutex
	accumulated map[string]interface{}
	cancelled   bool
	handedOff   bool
	warnings    []string
	done        chan struct{}
	doneOnce    sync.Once
}

// NewTask creates a pending task with its own state machine.
func NewTask(id string, req Request) *Task {
	now := time.Now()
	return &Task{
		ID:          id,
		Request:     req,
		Machine:     NewStateMachine(),
		CreatedAt:   now,
		UpdatedAt:   now,
		accumulated: make(map[string]interface{}),
		done:        make(chan struct{}),
	}
}

// Envelope is the uniform result returned by Process.
type Envelope struct {
	// Success is true when the task produced a result.
	Success bool `json:"success"`

	// Data is the aggregated task result.
	Data interface{} `json:"data,omitempty"`

	// Error is the failure message.
	Error string `json:"error,omitempty"`

	// ErrorKind classifies Error.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// TaskID is empty when no task was created.
	TaskID string `json:"task_id,omitempty"`

	// ExecutionTime is the wall-clock processing time in seconds.
	ExecutionTime float64 `json:"execution_time"`

	// FallbackUsed is true iff a non-primary engine type was attempted.
	FallbackUsed bool `json:"fallback_used"`

	// Blocked is true when the policy gate denied the request.
	Blocked bool `json:"blocked,omitempty"`

	// RequiredAction is what the caller must do to be allowed.
	RequiredAction string `json:"required_action,omitempty"`

	// Queued is true when the task was handed off for manual handling.
	Queued bool `json:"queued,omitempty"`

	// Warnings are non-blocking policy findings.
	Warnings []string `json:"warnings,omitempty"`
}

// StatusReport is a bounded-size projection of a task's state.
type StatusReport struct {
	// TaskID is the requested id.
	TaskID string `json:"task_id"`

	// Found is false for unknown ids.
	Found bool `json:"found"`

	// State is the current state machine state.
	State TaskState `json:"state,omitempty"`

	// Progress is successful steps / total steps.
	Progress float64 `json:"progress"`

	// Intent is the task intent.
	Intent string `json:"intent,omitempty"`

	// CurrentStep is the running step, if any.
	CurrentStep string `json:"current_step,omitempty"`

	// Steps summarizes step statuses.
	Steps StepSummary `json:"steps"`

	// LastTransition is the most recent state history entry.
	LastTransition *StateContext `json:"last_transition,omitempty"`

	// CreatedAt is when the task was created.
	CreatedAt time.Time `json:"created_at,omitempty"`

	// UpdatedAt is when the task last changed.
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// StepSummary counts steps by status.
type StepSummary struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Running int `json:"running"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// NotFound returns the status sentinel for an unknown task id.
func NotFound(taskID string) StatusReport {
	return StatusReport{TaskID: taskID, Found: false}
}
