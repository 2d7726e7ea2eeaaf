package orchestrator

import (
	"sync"
	"time"
)

// StateContext is one entry of a state machine's append-only history.
type StateContext struct {
	// State is the state entered.
	State TaskState `json:"state"`

	// Timestamp is when the state was entered.
	Timestamp time.Time `json:"timestamp"`

	// StepID is the step that caused the transition, if any.
	StepID string `json:"step_id,omitempty"`

	// Engine is the engine involved in the transition, if any.
	Engine string `json:"engine,omitempty"`

	// Error is the failure that caused the transition, if any.
	Error string `json:"error,omitempty"`

	// Metadata holds transition-specific details.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// transitions is the legal successor table. Cancelled is added for every
// non-terminal state by CanTransition.
var transitions = map[TaskState][]TaskState{
	TaskStatePending:   {TaskStatePlanning},
	TaskStatePlanning:  {TaskStateExecuting},
	TaskStateExecuting: {TaskStateSuccess, TaskStateFailed},
	TaskStateSuccess:   {TaskStateCompleted},
	TaskStateFailed:    {TaskStateFallback, TaskStateCompleted},
	TaskStateFallback:  {TaskStateCompleted},
}

// CanTransition reports whether to is a legal successor of from.
func CanTransition(from, to TaskState) bool {
	if from.IsTerminal() {
		return false
	}
	if to == TaskStateCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// StateMachine tracks one task's lifecycle.
type StateMachine struct {
	mu      sync.RWMutex
	current TaskState
	history []StateContext
	now     func() time.Time
}

// NewStateMachine creates a state machine in the pending state.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		current: TaskStatePending,
		now:     time.Now,
	}
	sm.history = append(sm.history, StateContext{State: TaskStatePending, Timestamp: sm.now()})
	return sm
}

// Current returns the current state.
func (sm *StateMachine) Current() TaskState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.current
}

// Transition moves to target and records ctx in the history. It returns false
// and leaves the state unchanged when target is not a legal successor.
func (sm *StateMachine) Transition(target TaskState, ctx StateContext) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !CanTransition(sm.current, target) {
		return false
	}

	ctx.State = target
	if ctx.Timestamp.IsZero() {
		ctx.Timestamp = sm.now()
	}
	sm.current = target
	sm.history = append(sm.history, ctx)
	return true
}

// History returns a copy of the transition history.
func (sm *StateMachine) History() []StateContext {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	out := make([]StateContext, len(sm.history))
	copy(out, sm.history)
	return out
}

// Last returns the most recent history entry.
func (sm *StateMachine) Last() StateContext {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.history[len(sm.history)-1]
}
