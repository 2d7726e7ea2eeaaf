package orchestrator

import (
	"time"
)

// Context returns a copy of the accumulated step outputs.
func (t *Task) Context() map[string]interface{} {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]interface{}, len(t.accumulated))
	for k, v := range t.accumulated {
		out[k] = v
	}
	return out
}

// record stores a step output. Existing keys are never overwritten.
func (t *Task) record(key string, value interface{}) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.accumulated[key]; exists {
		return false
	}
	t.accumulated[key] = value
	t.UpdatedAt = time.Now()
	return true
}

// setStepStatus moves a step forward. Backward or repeated transitions are refused.
func (t *Task) setStepStatus(step *Step, next StepStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !step.Status.CanTransition(next) {
		return false
	}
	now := time.Now()
	step.Status = next
	switch {
	case next == StepStatusRunning:
		step.StartedAt = &now
	case next.IsTerminal():
		step.CompletedAt = &now
	}
	t.UpdatedAt = now
	return true
}

// updateStep applies fn to a step under the task lock.
func (t *Task) updateStep(step *Step, fn func(*Step)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(step)
	t.UpdatedAt = time.Now()
}

// transition moves the task's state machine and touches UpdatedAt.
func (t *Task) transition(target TaskState, ctx StateContext) bool {
	if !t.Machine.Transition(target, ctx) {
		return false
	}
	t.mu.Lock()
	t.UpdatedAt = time.Now()
	t.mu.Unlock()
	return true
}

// requestCancel flags the task for cancellation before its next step.
func (t *Task) requestCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = true
}

// IsCancelled reports whether cancellation was requested.
func (t *Task) IsCancelled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cancelled
}

// setResult stores the envelope the first time it is called.
func (t *Task) setResult(env *Envelope) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.Result != nil {
		return false
	}
	t.Result = env
	return true
}

// GetResult returns the task result, or nil while the task is running.
func (t *Task) GetResult() *Envelope {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Result
}

// Done is closed once process() has settled the task.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

func (t *Task) markDone() {
	t.doneOnce.Do(func() { close(t.done) })
}

// isDone reports whether the task's run has returned.
func (t *Task) isDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Summary counts steps by status.
func (t *Task) Summary() StepSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()

	summary := StepSummary{Total: len(t.Steps)}
	for _, s := range t.Steps {
		switch s.Status {
		case StepStatusPending:
			summary.Pending++
		case StepStatusRunning:
			summary.Running++
		case StepStatusSuccess:
			summary.Success++
		case StepStatusFailed:
			summary.Failed++
		case StepStatusSkipped:
			summary.Skipped++
		}
	}
	return summary
}

// Progress is successful steps over total steps.
func (t *Task) Progress() float64 {
	summary := t.Summary()
	if summary.Total == 0 {
		return 0
	}
	return float64(summary.Success) / float64(summary.Total)
}

// currentStep returns the name of the running step.
func (t *Task) currentStep() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.Steps {
		if s.Status == StepStatusRunning {
			return s.Name
		}
	}
	return ""
}

// FallbackUsed reports whether any step attempted a non-primary engine type.
func (t *Task) FallbackUsed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.Steps {
		for _, typ := range s.TriedTypes {
			if typ != s.EngineType {
				return true
			}
		}
	}
	return false
}

// StepsSnapshot returns copies of the task's steps.
func (t *Task) StepsSnapshot() []Step {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		out[i] = *s
		out[i].TriedTypes = append([]EngineType(nil), s.TriedTypes...)
		out[i].Candidates = append([]string(nil), s.Candidates...)
	}
	return out
}

// Report projects the task into a bounded-size status report.
func (t *Task) Report() StatusReport {
	last := t.Machine.Last()
	t.mu.RLock()
	created, updated := t.CreatedAt, t.UpdatedAt
	intent := t.Intent.Type
	t.mu.RUnlock()

	return StatusReport{
		TaskID:         t.ID,
		Found:          true,
		State:          t.Machine.Current(),
		Progress:       t.Progress(),
		Intent:         intent,
		CurrentStep:    t.currentStep(),
		Steps:          t.Summary(),
		LastTransition: &last,
		CreatedAt:      created,
		UpdatedAt:      updated,
	}
}
