package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// FallbackChain maps an engine type to the ordered engine types tried when it fails.
// It is read-only at runtime so the same failure always walks the same order.
type FallbackChain map[EngineType][]EngineType

// DefaultFallbackChain returns the built-in chain. Expert engines are never part
// of a step chain; they are reserved for the task-level hand-off.
func DefaultFallbackChain() FallbackChain {
	return FallbackChain{
		EngineTypeAI:       {EngineTypeRule, EngineTypeTemplate},
		EngineTypeRule:     {EngineTypeTemplate, EngineTypeAI},
		EngineTypeTemplate: {EngineTypeRule, EngineTypeAI},
		EngineTypeExpert:   {},
	}
}

// Validate checks that every type in the chain is known and no type falls back to itself.
func (c FallbackChain) Validate() error {
	for from, alternates := range c {
		if err := from.Validate(); err != nil {
			return err
		}
		for _, to := range alternates {
			if err := to.Validate(); err != nil {
				return fmt.Errorf("fallback chain for %s: %w", from, err)
			}
			if to == from {
				return fmt.Errorf("fallback chain for %s contains itself", from)
			}
		}
	}
	return nil
}

// Alternates returns a copy of the chain entry for t.
func (c FallbackChain) Alternates(t EngineType) []EngineType {
	return append([]EngineType(nil), c[t]...)
}

// ExpertStepID is the step id passed to expert engines on a task hand-off.
const ExpertStepID = "expert_handoff"

// Rescue is the outcome of walking the fallback chain for one step.
type Rescue struct {
	// OK is true when a substitute engine produced the step output.
	OK bool

	// Result is the last engine result observed.
	Result EngineResult

	// Engine is the engine that produced Result.
	Engine string

	// Type is the engine type of Engine.
	Type EngineType

	// Attempts counts engine calls made during the walk.
	Attempts int

	// Tried lists the engine types walked, in order.
	Tried []EngineType
}

// Handoff is the outcome of a task-level expert hand-off.
type Handoff struct {
	// Queued is true when an expert engine accepted the task.
	Queued bool

	// Engine is the expert engine that accepted the task.
	Engine string

	// Result is the expert engine's result.
	Result EngineResult
}

// FallbackManager walks the fallback chain for failed steps and performs the
// task-level expert hand-off.
type FallbackManager struct {
	chain    FallbackChain
	registry *Registry
	invoker  *invoker
	observer Observer
	logger   zerolog.Logger
}

// NewFallbackManager creates a fallback manager.
func NewFallbackManager(chain FallbackChain, registry *Registry, observer Observer, logger zerolog.Logger) *FallbackManager {
	if observer == nil {
		observer = nopObserver{}
	}
	return &FallbackManager{
		chain:    chain,
		registry: registry,
		invoker:  &invoker{observer: observer, logger: logger},
		observer: observer,
		logger:   logger,
	}
}

// Order returns the engine types the manager would walk for a failure of
// origin given the already-tried types. Types without an enabled engine are
// included; they are looked up and skipped during the walk.
func (m *FallbackManager) Order(origin EngineType, tried []EngineType) []EngineType {
	skip := make(map[EngineType]bool, len(tried)+1)
	skip[origin] = true
	for _, t := range tried {
		skip[t] = true
	}
	var order []EngineType
	for _, t := range m.chain[origin] {
		if !skip[t] {
			order = append(order, t)
			skip[t] = true
		}
	}
	return order
}

// RescueStep walks the chain for a step whose primary engine type failed. It
// tries the first capable enabled engine of each untried type in chain order
// until one succeeds, one fails definitively, or the chain is exhausted.
func (m *FallbackManager) RescueStep(ctx context.Context, step *Step, params map[string]interface{}, tried []EngineType) Rescue {
	var rescue Rescue

	for _, t := range m.Order(step.EngineType, tried) {
		if ctx.Err() != nil {
			break
		}
		rescue.Tried = append(rescue.Tried, t)

		entry, ok := firstCapable(m.registry.Engines(t), step.Name, params)
		if !ok {
			m.logger.Debug().
				Str("step", step.Name).
				Str("engine_type", string(t)).
				Msg("No capable engine for fallback type")
			continue
		}

		result := m.invoker.call(ctx, entry, step.Name, params)
		rescue.Attempts++
		rescue.Result = result
		rescue.Engine = entry.Engine.Name()
		rescue.Type = t
		m.observer.FallbackAttempted(ctx, step.Name, string(step.EngineType), string(t), result.Success)

		if result.Success {
			rescue.OK = true
			m.logger.Info().
				Str("step", step.Name).
				Str("engine", entry.Engine.Name()).
				Str("from_type", string(step.EngineType)).
				Str("to_type", string(t)).
				Msg("Fallback engine succeeded")
			return rescue
		}

		m.logger.Warn().
			Str("step", step.Name).
			Str("engine", entry.Engine.Name()).
			Str("error", result.Error).
			Bool("fallback_available", result.FallbackAvailable).
			Msg("Fallback engine failed")

		if !result.FallbackAvailable {
			break
		}
	}
	return rescue
}

// HandOff passes the whole task to the first enabled expert engine that accepts it.
func (m *FallbackManager) HandOff(ctx context.Context, task *Task, failed *Step, reason string) Handoff {
	params := map[string]interface{}{
		"task_id": task.ID,
		"intent":  task.Intent.Type,
		"request": task.Request.Params(),
		"context": task.Context(),
		"reason":  reason,
	}
	if failed != nil {
		params["failed_step"] = failed.Name
	}

	entry, ok := firstCapable(m.registry.Engines(EngineTypeExpert), ExpertStepID, params)
	if !ok {
		return Handoff{}
	}

	result := m.invoker.call(ctx, entry, ExpertStepID, params)
	if !result.Success {
		m.logger.Error().
			Str("task_id", task.ID).
			Str("engine", entry.Engine.Name()).
			Str("error", result.Error).
			Msg("Expert hand-off rejected")
		return Handoff{Engine: entry.Engine.Name(), Result: result}
	}
	return Handoff{Queued: true, Engine: entry.Engine.Name(), Result: result}
}

func firstCapable(entries []RegisteredEngine, stepID string, params map[string]interface{}) (RegisteredEngine, bool) {
	for _, e := range entries {
		if e.Engine.CanHandle(stepID, params) {
			return e, true
		}
	}
	return RegisteredEngine{}, false
}

// invoker runs a single engine call under the engine's timeout.
type invoker struct {
	observer Observer
	logger   zerolog.Logger
}

// call executes the engine. The call runs on its own goroutine so a hung
// engine that ignores its context still releases the caller at the deadline;
// a late result is discarded.
func (inv *invoker) call(ctx context.Context, entry RegisteredEngine, stepID string, params map[string]interface{}) EngineResult {
	timeout := entry.Timeout
	if timeout <= 0 {
		timeout = DefaultEngineTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	engine := entry.Engine
	spanCtx, end := inv.observer.StartSpan(callCtx, "engine.execute", map[string]string{
		"engine":      engine.Name(),
		"engine_type": string(engine.Type()),
		"step":        stepID,
	})

	start := time.Now()
	done := make(chan EngineResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Retryable(fmt.Sprintf("engine %s panicked: %v", engine.Name(), r))
			}
		}()
		done <- engine.Execute(spanCtx, stepID, params)
	}()

	var result EngineResult
	select {
	case result = <-done:
	case <-callCtx.Done():
		if ctx.Err() != nil {
			result = Retryable(fmt.Sprintf("engine %s interrupted: %v", engine.Name(), ctx.Err()))
		} else {
			result = Retryable(fmt.Sprintf("engine %s timed out after %s", engine.Name(), timeout)).
				WithMetadata("code", ErrCodeTimeout)
		}
	}
	if result.ExecutionTime == 0 {
		result.ExecutionTime = time.Since(start)
	}

	inv.observer.EngineCalled(ctx, engine.Name(), string(engine.Type()), stepID, result.Success, time.Since(start))
	if result.Success {
		end(nil)
	} else {
		end(errors.New(result.Error))
	}
	return result
}
