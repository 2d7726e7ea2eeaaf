package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Outcome is the result of executing a task's steps.
type Outcome struct {
	// Data is the aggregated task result. Nil unless the task succeeded.
	Data interface{}

	// Aborted is true when a required step exhausted every fallback.
	Aborted bool

	// Cancelled is true when the task was cancelled between steps.
	Cancelled bool

	// FailedStep is the required step that caused the abort.
	FailedStep *Step

	// Err classifies an abort or cancellation.
	Err *Error
}

// StepExecutor drives a task's steps strictly in plan order.
type StepExecutor struct {
	registry   *Registry
	fallback   *FallbackManager
	invoker    *invoker
	validator  OutputValidator
	aggregator Aggregator
	observer   Observer
	logger     zerolog.Logger
}

// NewStepExecutor creates a step executor. validator may be nil.
func NewStepExecutor(registry *Registry, fallback *FallbackManager, validator OutputValidator, aggregator Aggregator, observer Observer, logger zerolog.Logger) *StepExecutor {
	if observer == nil {
		observer = nopObserver{}
	}
	if aggregator == nil {
		aggregator = DefaultAggregator
	}
	return &StepExecutor{
		registry:   registry,
		fallback:   fallback,
		invoker:    &invoker{observer: observer, logger: logger},
		validator:  validator,
		aggregator: aggregator,
		observer:   observer,
		logger:     logger,
	}
}

// Execute runs every step of task. A required step that cannot be completed
// aborts the task immediately; an optional one is skipped.
func (x *StepExecutor) Execute(ctx context.Context, task *Task) Outcome {
	for _, step := range task.Steps {
		if stopped(ctx, task) {
			return cancelledOutcome(task, step)
		}

		if ok := x.runStep(ctx, task, step); ok {
			continue
		}

		// Results of a call that was in flight when the task was cancelled are discarded.
		if stopped(ctx, task) {
			return cancelledOutcome(task, step)
		}

		if step.Required {
			task.setStepStatus(step, StepStatusFailed)
			x.finishStep(ctx, task, step)
			return Outcome{
				Aborted:    true,
				FailedStep: step,
				Err: NewTaskAborted(MsgAllEnginesFailed, nil).
					WithTask(task.ID).
					WithStep(step.ID).
					WithDetail("last_error", step.Error),
			}
		}

		task.setStepStatus(step, StepStatusSkipped)
		x.finishStep(ctx, task, step)
		x.observer.Event(ctx, string(EventTypeStepSkipped), task.ID, step.ID, step.Error, nil)
		x.logger.Warn().
			Str("task_id", task.ID).
			Str("step", step.Name).
			Str("error", step.Error).
			Msg("Optional step skipped")
	}

	return Outcome{Data: x.aggregator(task.Intent.Type, task.Context(), task.StepsSnapshot())}
}

// runStep executes one step with its primary engine and, on a retryable
// failure, the fallback chain. It returns true when the step succeeded.
func (x *StepExecutor) runStep(ctx context.Context, task *Task, step *Step) bool {
	if !task.setStepStatus(step, StepStatusRunning) {
		return false
	}
	x.observer.Event(ctx, string(EventTypeStepStarted), task.ID, step.ID, step.Name, nil)

	ctx, end := x.observer.StartSpan(ctx, "step.execute", map[string]string{
		"task_id":     task.ID,
		"step":        step.Name,
		"engine_type": string(step.EngineType),
	})

	params := MergeParams(step.Params, task.Context(), taskParams(task))
	primary, found := firstCapable(x.registry.Engines(step.EngineType), step.Name, params)

	var result EngineResult
	engineName := ""
	if found {
		engineName = primary.Engine.Name()
		result = x.invoker.call(ctx, primary, step.Name, params)
		result = x.checkOutput(step, result)
	} else {
		result = Retryable(fmt.Sprintf("no enabled %s engine can handle %s", step.EngineType, step.Name))
	}
	task.updateStep(step, func(s *Step) {
		s.TriedTypes = append(s.TriedTypes, s.EngineType)
		if found {
			s.Attempts++
		}
	})

	if !result.Success && result.FallbackAvailable && !stopped(ctx, task) {
		x.logger.Warn().
			Str("task_id", task.ID).
			Str("step", step.Name).
			Str("engine", engineName).
			Str("error", result.Error).
			Msg("Primary engine failed, walking fallback chain")

		rescue := x.fallback.RescueStep(ctx, step, params, []EngineType{step.EngineType})
		if rescue.OK {
			rescue.Result = x.checkOutput(step, rescue.Result)
		}
		task.updateStep(step, func(s *Step) {
			s.TriedTypes = append(s.TriedTypes, rescue.Tried...)
			s.Attempts += rescue.Attempts
		})
		if len(rescue.Tried) > 0 {
			x.observer.Event(ctx, string(EventTypeStepFallback), task.ID, step.ID, result.Error, map[string]interface{}{
				"tried":   typesToStrings(rescue.Tried),
				"rescued": rescue.OK && rescue.Result.Success,
			})
		}
		if rescue.Attempts > 0 {
			result = rescue.Result
			engineName = rescue.Engine
		}
	}

	if result.Success && !stopped(ctx, task) {
		if !task.record(step.ID, result.Data) {
			result = Definitive(fmt.Sprintf("step output %s already recorded", step.ID))
		}
	}

	if !result.Success || stopped(ctx, task) {
		msg := result.Error
		if result.Success {
			msg = "task cancelled"
		}
		if msg == "" {
			msg = MsgAllEnginesFailed
		}
		task.updateStep(step, func(s *Step) { s.Error = msg })
		end(errors.New(msg))
		return false
	}

	task.updateStep(step, func(s *Step) {
		s.Result = result.Data
		s.EngineUsed = engineName
		s.Error = ""
	})
	task.setStepStatus(step, StepStatusSuccess)
	x.finishStep(ctx, task, step)
	x.observer.Event(ctx, string(EventTypeStepCompleted), task.ID, step.ID, engineName, nil)
	x.logger.Debug().
		Str("task_id", task.ID).
		Str("step", step.Name).
		Str("engine", engineName).
		Msg("Step completed")
	end(nil)
	return true
}

func (x *StepExecutor) checkOutput(step *Step, result EngineResult) EngineResult {
	if !result.Success || x.validator == nil {
		return result
	}
	if err := x.validator.ValidateOutput(step.Name, result.Data); err != nil {
		return Retryable(fmt.Sprintf("invalid %s output: %v", step.Name, err)).
			WithMetadata("code", ErrCodeInvalidOutput)
	}
	return result
}

func (x *StepExecutor) finishStep(ctx context.Context, task *Task, step *Step) {
	var d time.Duration
	task.mu.RLock()
	if step.StartedAt != nil && step.CompletedAt != nil {
		d = step.CompletedAt.Sub(*step.StartedAt)
	}
	status := step.Status
	task.mu.RUnlock()
	x.observer.StepFinished(ctx, task.ID, step.Name, string(step.EngineType), string(status), d)
}

// cancelledOutcome settles the running step, if any, and reports cancellation.
// stopped reports whether the task was cancelled or the caller gave up.
func stopped(ctx context.Context, task *Task) bool {
	return task.IsCancelled() || ctx.Err() != nil
}

func cancelledOutcome(task *Task, step *Step) Outcome {
	if step != nil && step.Status == StepStatusRunning {
		task.setStepStatus(step, StepStatusSkipped)
	}
	return Outcome{
		Cancelled: true,
		Err:       NewCancelledError("task cancelled").WithTask(task.ID),
	}
}

// MergeParams builds the parameter bag for a step. Precedence, highest first:
// static step params, outputs accumulated from earlier steps, the raw request.
func MergeParams(static, accumulated, raw map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(static)+len(accumulated)+len(raw))
	for k, v := range raw {
		merged[k] = v
	}
	for k, v := range accumulated {
		merged[k] = v
	}
	for k, v := range static {
		merged[k] = v
	}
	return merged
}

func taskParams(task *Task) map[string]interface{} {
	params := task.Request.Params()
	params["task_id"] = task.ID
	params["intent"] = task.Intent.Type
	for k, v := range task.Intent.Parameters {
		if _, exists := params[k]; !exists {
			params[k] = v
		}
	}
	return params
}

func typesToStrings(types []EngineType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}
