package orchestrator

import (
	"testing"
)

func TestTask_RecordNeverOverwrites(t *testing.T) {
	task := NewTask("task-1", Request{Prompt: "write"})

	if !task.record("generate_text", "first") {
		t.Fatal("record() = false for a new key")
	}
	if task.record("generate_text", "second") {
		t.Error("record() = true for an existing key")
	}
	if got := task.Context()["generate_text"]; got != "first" {
		t.Errorf("Context()[generate_text] = %v, want first", got)
	}

	if !task.record("format_output", "done") {
		t.Fatal("record() = false for a second key")
	}
	if got := len(task.Context()); got != 2 {
		t.Errorf("len(Context()) = %d, want 2", got)
	}
}

func TestTask_ContextIsACopy(t *testing.T) {
	task := NewTask("task-1", Request{Prompt: "write"})
	task.record("generate_text", "first")

	ctx := task.Context()
	ctx["generate_text"] = "changed"
	delete(ctx, "generate_text")

	if got := task.Context()["generate_text"]; got != "first" {
		t.Errorf("Context()[generate_text] = %v after mutating a copy, want first", got)
	}
}

func TestTask_StepStatusMovesForward(t *testing.T) {
	task := NewTask("task-1", Request{Prompt: "write"})
	step := &Step{ID: "s1", Name: "generate_text", Status: StepStatusPending}

	steps := []struct {
		next StepStatus
		want bool
	}{
		{StepStatusRunning, true},
		{StepStatusRunning, false},
		{StepStatusSuccess, true},
		{StepStatusFailed, false},
		{StepStatusPending, false},
	}
	for _, s := range steps {
		if got := task.setStepStatus(step, s.next); got != s.want {
			t.Errorf("setStepStatus(%s) = %v, want %v", s.next, got, s.want)
		}
	}
	if step.Status != StepStatusSuccess {
		t.Errorf("Status = %s, want success", step.Status)
	}
	if step.StartedAt == nil || step.CompletedAt == nil {
		t.Error("StartedAt and CompletedAt should both be set")
	}
}
