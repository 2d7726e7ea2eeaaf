package orchestrator

import (
	"testing"
)

func TestStateMachine_LegalPath(t *testing.T) {
	sm := NewStateMachine()
	if sm.Current() != TaskStatePending {
		t.Fatalf("Current() = %s, want pending", sm.Current())
	}

	for _, next := range []TaskState{TaskStatePlanning, TaskStateExecuting, TaskStateSuccess, TaskStateCompleted} {
		if !sm.Transition(next, StateContext{}) {
			t.Fatalf("Transition(%s) = false", next)
		}
	}

	history := sm.History()
	if len(history) != 5 {
		t.Fatalf("len(History()) = %d, want 5", len(history))
	}
	if history[0].State != TaskStatePending || history[4].State != TaskStateCompleted {
		t.Errorf("history runs %s..%s, want pending..completed", history[0].State, history[4].State)
	}
	for i := 1; i < len(history); i++ {
		if !CanTransition(history[i-1].State, history[i].State) {
			t.Errorf("history holds illegal move %s -> %s", history[i-1].State, history[i].State)
		}
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			t.Errorf("history[%d] is older than its predecessor", i)
		}
	}
}

func TestStateMachine_IllegalTransitionLeavesStateUnchanged(t *testing.T) {
	tests := []struct {
		name   string
		path   []TaskState
		target TaskState
	}{
		{"skip planning", nil, TaskStateExecuting},
		{"pending to success", nil, TaskStateSuccess},
		{"backwards", []TaskState{TaskStatePlanning, TaskStateExecuting}, TaskStatePlanning},
		{"success to fallback", []TaskState{TaskStatePlanning, TaskStateExecuting, TaskStateSuccess}, TaskStateFallback},
		{"out of completed", []TaskState{TaskStatePlanning, TaskStateExecuting, TaskStateSuccess, TaskStateCompleted}, TaskStateCancelled},
		{"out of cancelled", []TaskState{TaskStateCancelled}, TaskStatePlanning},
		{"self loop", []TaskState{TaskStatePlanning}, TaskStatePlanning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, s := range tt.path {
				if !sm.Transition(s, StateContext{}) {
					t.Fatalf("Transition(%s) = false while walking the path", s)
				}
			}
			before := sm.Current()
			historyLen := len(sm.History())

			if sm.Transition(tt.target, StateContext{}) {
				t.Errorf("Transition(%s) from %s = true, want false", tt.target, before)
			}
			if sm.Current() != before {
				t.Errorf("Current() = %s, want %s", sm.Current(), before)
			}
			if got := len(sm.History()); got != historyLen {
				t.Errorf("len(History()) = %d, want %d", got, historyLen)
			}
		})
	}
}

func TestStateMachine_CancelledFromAnyNonTerminalState(t *testing.T) {
	paths := map[TaskState][]TaskState{
		TaskStatePending:   nil,
		TaskStatePlanning:  {TaskStatePlanning},
		TaskStateExecuting: {TaskStatePlanning, TaskStateExecuting},
		TaskStateSuccess:   {TaskStatePlanning, TaskStateExecuting, TaskStateSuccess},
		TaskStateFailed:    {TaskStatePlanning, TaskStateExecuting, TaskStateFailed},
		TaskStateFallback:  {TaskStatePlanning, TaskStateExecuting, TaskStateFailed, TaskStateFallback},
	}

	for from, path := range paths {
		t.Run(string(from), func(t *testing.T) {
			sm := NewStateMachine()
			for _, s := range path {
				if !sm.Transition(s, StateContext{}) {
					t.Fatalf("Transition(%s) = false while walking the path", s)
				}
			}
			if sm.Current() != from {
				t.Fatalf("Current() = %s, want %s", sm.Current(), from)
			}
			if !sm.Transition(TaskStateCancelled, StateContext{Error: "stop"}) {
				t.Fatalf("Transition(cancelled) from %s = false", from)
			}
			if sm.Last().Error != "stop" {
				t.Errorf("Last().Error = %q, want stop", sm.Last().Error)
			}
			if !sm.Current().IsTerminal() {
				t.Error("cancelled should be terminal")
			}
		})
	}
}

func TestStateMachine_HistoryIsCopy(t *testing.T) {
	sm := NewStateMachine()
	if !sm.Transition(TaskStatePlanning, StateContext{StepID: "x"}) {
		t.Fatal("Transition(planning) = false")
	}

	h := sm.History()
	h[1].StepID = "mutated"

	if got := sm.History()[1].StepID; got != "x" {
		t.Errorf("History()[1].StepID = %q, want x", got)
	}
}

func TestStepStatus_ForwardOnly(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		want     bool
	}{
		{StepStatusPending, StepStatusRunning, true},
		{StepStatusPending, StepStatusSuccess, false},
		{StepStatusRunning, StepStatusSuccess, true},
		{StepStatusRunning, StepStatusFailed, true},
		{StepStatusRunning, StepStatusSkipped, true},
		{StepStatusRunning, StepStatusPending, false},
		{StepStatusSuccess, StepStatusRunning, false},
		{StepStatusSkipped, StepStatusSuccess, false},
		{StepStatusFailed, StepStatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.want {
				t.Errorf("CanTransition() = %v, want %v", got, tt.want)
			}
		})
	}
}
