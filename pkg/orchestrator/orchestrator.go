package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MsgQueuedForManualHandling is reported when a task was handed to a human expert.
const MsgQueuedForManualHandling = "queued for manual handling"

// Options configures an Orchestrator. Zero values select the built-in tables.
type Options struct {
	// Registry holds the engines. A new empty registry is created when nil.
	Registry *Registry

	// IntentRules is the analyzer keyword table.
	IntentRules []IntentRule

	// DefaultIntent is used when no rule matches.
	DefaultIntent string

	// Plans maps intents to steps.
	Plans PlanTable

	// FallbackChain maps engine types to their alternates.
	FallbackChain FallbackChain

	// Gate is consulted once per request. Requests are allowed when nil.
	Gate PolicyGate

	// Validator validates requests. Only the prompt is checked when nil.
	Validator RequestValidator

	// OutputValidator checks step outputs. Optional.
	OutputValidator OutputValidator

	// Aggregator merges step outputs. DefaultAggregator when nil.
	Aggregator Aggregator

	// Snapshotter persists settled tasks. Optional.
	Snapshotter Snapshotter

	// Observer receives metrics, spans and events. Optional.
	Observer Observer

	// Logger is the orchestrator logger.
	Logger zerolog.Logger

	// Retention is how long settled tasks stay queryable before Prune drops them.
	Retention time.Duration
}

// Orchestrator coordinates policy check, intent analysis, planning and step execution.
type Orchestrator struct {
	registry    *Registry
	analyzer    *IntentAnalyzer
	planner     *TaskPlanner
	fallback    *FallbackManager
	executor    *StepExecutor
	gate        PolicyGate
	validator   RequestValidator
	snapshotter Snapshotter
	observer    Observer
	logger      zerolog.Logger
	retention   time.Duration

	mu    sync.RWMutex
	tasks map[string]*Task
}

// New creates an orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.IntentRules == nil {
		opts.IntentRules = DefaultIntentRules()
	}
	if opts.DefaultIntent == "" {
		opts.DefaultIntent = IntentGenerateText
	}
	if opts.Plans == nil {
		opts.Plans = DefaultPlans()
	}
	if opts.FallbackChain == nil {
		opts.FallbackChain = DefaultFallbackChain()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if err := opts.FallbackChain.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fallback chain: %w", err)
	}

	analyzer, err := NewIntentAnalyzer(opts.IntentRules, opts.DefaultIntent)
	if err != nil {
		return nil, fmt.Errorf("failed to create intent analyzer: %w", err)
	}
	planner, err := NewTaskPlanner(opts.Plans, opts.DefaultIntent)
	if err != nil {
		return nil, fmt.Errorf("failed to create task planner: %w", err)
	}

	logger := opts.Logger.With().Str("component", "orchestrator").Logger()
	fallback := NewFallbackManager(opts.FallbackChain, opts.Registry, opts.Observer, logger)

	return &Orchestrator{
		registry:    opts.Registry,
		analyzer:    analyzer,
		planner:     planner,
		fallback:    fallback,
		executor:    NewStepExecutor(opts.Registry, fallback, opts.OutputValidator, opts.Aggregator, opts.Observer, logger),
		gate:        opts.Gate,
		validator:   opts.Validator,
		snapshotter: opts.Snapshotter,
		observer:    opts.Observer,
		logger:      logger,
		retention:   opts.Retention,
		tasks:       make(map[string]*Task),
	}, nil
}

// Registry returns the engine registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// RegisterEngine registers an engine with the orchestrator's registry.
func (o *Orchestrator) RegisterEngine(engine Engine, opts ...RegisterOption) error {
	if err := o.registry.Register(engine, opts...); err != nil {
		return err
	}
	o.logger.Info().
		Str("engine", engine.Name()).
		Str("engine_type", string(engine.Type())).
		Int("priority", engine.Priority()).
		Msg("Engine registered")
	return nil
}

// Process handles a request end to end and returns the uniform envelope.
// Validation failures and policy denials return without creating a task.
func (o *Orchestrator) Process(ctx context.Context, req Request) Envelope {
	start := time.Now()

	task, rejection := o.admit(ctx, req, start)
	if rejection != nil {
		return *rejection
	}
	o.run(ctx, task, start)
	return *task.GetResult()
}

// Submit admits a request and processes it in the background. It returns the
// task id, or a classified error when the request is rejected before a task exists.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (string, error) {
	start := time.Now()

	task, rejection := o.admit(ctx, req, start)
	if rejection != nil {
		if rejection.Blocked {
			return "", NewPolicyBlockedError(rejection.Error).WithDetail("required_action", rejection.RequiredAction)
		}
		return "", NewValidationError(rejection.Error, nil)
	}

	go o.run(context.WithoutCancel(ctx), task, start)
	return task.ID, nil
}

// Wait blocks until the task settles and returns its result.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) (*Envelope, error) {
	task, ok := o.GetTask(taskID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	select {
	case <-task.Done():
		return task.GetResult(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// admit validates the request, consults the policy gate and creates the task.
func (o *Orchestrator) admit(ctx context.Context, req Request, start time.Time) (*Task, *Envelope) {
	if err := o.validate(req); err != nil {
		o.logger.Warn().Err(err).Msg("Request rejected")
		return nil, &Envelope{
			Success:       false,
			Error:         err.Error(),
			ErrorKind:     KindValidation,
			ExecutionTime: time.Since(start).Seconds(),
		}
	}

	decision := o.check(ctx, req)
	if !decision.Allowed {
		o.logger.Warn().
			Str("user_id", req.UserID).
			Str("reason", decision.Message).
			Str("required_action", decision.RequiredAction).
			Msg("Request blocked by policy gate")
		o.observer.Event(ctx, string(EventTypePolicyBlocked), "", "", decision.Message, map[string]interface{}{
			"required_action": decision.RequiredAction,
		})
		return nil, &Envelope{
			Success:        false,
			Error:          decision.Message,
			ErrorKind:      KindPolicyBlocked,
			Blocked:        true,
			RequiredAction: decision.RequiredAction,
			ExecutionTime:  time.Since(start).Seconds(),
		}
	}

	intent := o.analyzer.Analyze(req)
	task := NewTask(uuid.New().String(), req)
	task.Intent = intent
	task.warnings = decision.Warnings

	o.mu.Lock()
	o.tasks[task.ID] = task
	o.mu.Unlock()

	o.observer.TaskStarted(ctx, task.ID, intent.Type)
	o.observer.Event(ctx, string(EventTypeTaskCreated), task.ID, "", intent.Type, map[string]interface{}{
		"confidence": intent.Confidence,
	})
	o.logger.Info().
		Str("task_id", task.ID).
		Str("intent", intent.Type).
		Float64("confidence", intent.Confidence).
		Msg("Task created")
	return task, nil
}

func (o *Orchestrator) validate(req Request) error {
	if o.validator != nil {
		if err := o.validator.ValidateRequest(req); err != nil {
			if IsValidation(err) {
				return err
			}
			return NewValidationError("invalid request", err)
		}
		return nil
	}
	if req.Prompt == "" {
		return NewValidationError("prompt is required", nil)
	}
	return nil
}

// check consults the gate. Gate errors deny the request.
func (o *Orchestrator) check(ctx context.Context, req Request) GateDecision {
	if o.gate == nil {
		return GateDecision{Allowed: true}
	}
	decision, err := o.gate.Check(ctx, req)
	if err != nil {
		o.logger.Error().Err(err).Msg("Policy gate evaluation failed")
		decision = GateDecision{Allowed: false, Message: "policy evaluation failed"}
	}
	o.observer.PolicyDecided(ctx, decision.Allowed)
	return decision
}

// run drives an admitted task to a settled state.
func (o *Orchestrator) run(ctx context.Context, task *Task, start time.Time) {
	ctx, end := o.observer.StartSpan(ctx, "orchestrator.process", map[string]string{
		"task_id": task.ID,
		"intent":  task.Intent.Type,
	})
	defer task.markDone()

	if !o.transition(ctx, task, TaskStatePlanning, StateContext{
		Metadata: map[string]interface{}{"intent": task.Intent.Type, "confidence": task.Intent.Confidence},
	}) {
		o.settleCancelled(ctx, task, start)
		end(errors.New("task cancelled"))
		return
	}

	specs, usedDefault := o.planner.Plan(task.Intent.Type)
	if usedDefault {
		o.logger.Warn().
			Err(NewPlanningFailure(fmt.Sprintf("no plan for intent %s", task.Intent.Type), nil)).
			Str("task_id", task.ID).
			Str("default_intent", o.analyzer.DefaultIntent()).
			Msg("Using default plan")
	}
	steps := BuildSteps(specs, o.registry)
	task.mu.Lock()
	task.Steps = steps
	task.mu.Unlock()

	if task.IsCancelled() || !o.transition(ctx, task, TaskStateExecuting, StateContext{
		Metadata: map[string]interface{}{"steps_count": len(steps), "default_plan": usedDefault},
	}) {
		o.settleCancelled(ctx, task, start)
		end(errors.New("task cancelled"))
		return
	}

	outcome := o.executor.Execute(ctx, task)

	switch {
	case outcome.Cancelled:
		o.settleCancelled(ctx, task, start)
		end(outcome.Err)
	case outcome.Aborted:
		o.settleAborted(ctx, task, outcome, start)
		end(outcome.Err)
	default:
		o.transition(ctx, task, TaskStateSuccess, StateContext{
			Metadata: map[string]interface{}{"steps_completed": task.Summary().Success},
		})
		o.settle(ctx, task, &Envelope{
			Success:      true,
			Data:         outcome.Data,
			TaskID:       task.ID,
			FallbackUsed: task.FallbackUsed(),
		}, start)
		end(nil)
	}
}

func (o *Orchestrator) settleAborted(ctx context.Context, task *Task, outcome Outcome, start time.Time) {
	failed := outcome.FailedStep
	o.transition(ctx, task, TaskStateFailed, StateContext{
		StepID: failed.ID,
		Error:  failed.Error,
	})

	handoff := o.fallback.HandOff(ctx, task, failed, outcome.Err.Error())
	if handoff.Queued {
		task.mu.Lock()
		task.handedOff = true
		task.mu.Unlock()

		o.transition(ctx, task, TaskStateFallback, StateContext{
			StepID: failed.ID,
			Engine: handoff.Engine,
		})
		o.observer.Event(ctx, string(EventTypeTaskExpertHandoff), task.ID, failed.ID, MsgQueuedForManualHandling, map[string]interface{}{
			"engine": handoff.Engine,
		})
		o.logger.Warn().
			Str("task_id", task.ID).
			Str("step", failed.Name).
			Str("engine", handoff.Engine).
			Msg("Task queued for manual handling")
		o.settle(ctx, task, &Envelope{
			Success:      false,
			Queued:       true,
			Data:         handoff.Result.Data,
			Error:        MsgQueuedForManualHandling,
			ErrorKind:    KindTaskAborted,
			TaskID:       task.ID,
			FallbackUsed: true,
		}, start)
		return
	}

	o.logger.Error().
		Str("task_id", task.ID).
		Str("step", failed.Name).
		Str("error", failed.Error).
		Msg("Task aborted")
	o.settle(ctx, task, &Envelope{
		Success:      false,
		Error:        MsgAllEnginesFailed,
		ErrorKind:    KindTaskAborted,
		TaskID:       task.ID,
		FallbackUsed: task.FallbackUsed(),
	}, start)
}

func (o *Orchestrator) settleCancelled(ctx context.Context, task *Task, start time.Time) {
	o.transition(ctx, task, TaskStateCancelled, StateContext{})
	o.settle(ctx, task, &Envelope{
		Success:      false,
		Error:        "task cancelled",
		ErrorKind:    KindCancelled,
		TaskID:       task.ID,
		FallbackUsed: task.FallbackUsed(),
	}, start)
}

// settle stores the result exactly once, records telemetry and persists the audit trail.
func (o *Orchestrator) settle(ctx context.Context, task *Task, env *Envelope, start time.Time) {
	elapsed := time.Since(start)
	env.ExecutionTime = elapsed.Seconds()
	task.mu.RLock()
	env.Warnings = task.warnings
	task.mu.RUnlock()
	if !task.setResult(env) {
		return
	}

	state := task.Machine.Current()
	o.observer.TaskFinished(ctx, task.ID, task.Intent.Type, string(state), env.FallbackUsed, elapsed)
	o.logger.Info().
		Str("task_id", task.ID).
		Str("state", string(state)).
		Bool("success", env.Success).
		Bool("fallback_used", env.FallbackUsed).
		Dur("elapsed", elapsed).
		Msg("Task settled")

	// The caller's context may already be cancelled; the audit trail is written regardless.
	o.persist(context.WithoutCancel(ctx), task)
}

func (o *Orchestrator) persist(ctx context.Context, task *Task) {
	if o.snapshotter == nil {
		return
	}
	if err := o.snapshotter.SaveSnapshot(ctx, Snapshot(task)); err != nil {
		o.logger.Error().Err(err).Str("task_id", task.ID).Msg("Failed to persist task snapshot")
	}
}

func (o *Orchestrator) transition(ctx context.Context, task *Task, target TaskState, sc StateContext) bool {
	from := task.Machine.Current()
	if !task.transition(target, sc) {
		o.logger.Debug().
			Str("task_id", task.ID).
			Str("from", string(from)).
			Str("to", string(target)).
			Msg("Transition refused")
		return false
	}
	o.observer.Event(ctx, string(EventTypeTaskStateChanged), task.ID, sc.StepID, string(target), map[string]interface{}{
		"from": string(from),
	})
	return true
}

// UnservedSteps maps each planned intent to the steps whose engine type has
// no enabled engine. Those steps can only complete through the fallback chain.
func (o *Orchestrator) UnservedSteps() map[string][]string {
	out := make(map[string][]string)
	for _, intent := range o.planner.Intents() {
		specs, _ := o.planner.Plan(intent)
		for _, spec := range specs {
			if !o.registry.HasEnabled(spec.EngineType) {
				out[intent] = append(out[intent], spec.Name)
			}
		}
	}
	return out
}

// GetTask returns a task by id.
func (o *Orchestrator) GetTask(taskID string) (*Task, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	task, ok := o.tasks[taskID]
	return task, ok
}

// GetTaskStatus returns a read-only projection of a task. Unknown ids yield
// the NotFound sentinel.
func (o *Orchestrator) GetTaskStatus(taskID string) StatusReport {
	task, ok := o.GetTask(taskID)
	if !ok {
		return NotFound(taskID)
	}
	return task.Report()
}

// Cancel requests cancellation of a running task. The task stops before its
// next step; a result from an engine call already in flight is discarded.
func (o *Orchestrator) Cancel(taskID string) error {
	task, ok := o.GetTask(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if !task.Machine.Current().IsActive() {
		return fmt.Errorf("task %s is already %s", taskID, task.Machine.Current())
	}
	task.requestCancel()
	o.logger.Info().Str("task_id", taskID).Msg("Task cancellation requested")
	return nil
}

// Complete acknowledges delivery of a settled task's result.
func (o *Orchestrator) Complete(ctx context.Context, taskID string) error {
	task, ok := o.GetTask(taskID)
	if !ok {
		return ErrTaskNotFound
	}
	if !o.transition(ctx, task, TaskStateCompleted, StateContext{}) {
		return fmt.Errorf("task %s cannot complete from %s", taskID, task.Machine.Current())
	}
	o.persist(ctx, task)
	return nil
}

// Prune drops settled tasks last updated before now minus the retention
// period, acknowledged or not. It returns the number of tasks dropped.
func (o *Orchestrator) Prune(now time.Time) int {
	cutoff := now.Add(-o.retention)

	o.mu.Lock()
	defer o.mu.Unlock()

	dropped := 0
	for id, task := range o.tasks {
		if !task.Machine.Current().IsSettled() || !task.isDone() {
			continue
		}
		task.mu.RLock()
		stale := task.UpdatedAt.Before(cutoff)
		task.mu.RUnlock()
		if stale {
			delete(o.tasks, id)
			dropped++
		}
	}
	return dropped
}

// Snapshot captures a task's audit trail.
func Snapshot(task *Task) TaskSnapshot {
	task.mu.RLock()
	created, updated := task.CreatedAt, task.UpdatedAt
	result := task.Result
	handedOff := task.handedOff
	task.mu.RUnlock()

	return TaskSnapshot{
		TaskID:       task.ID,
		Intent:       task.Intent.Type,
		State:        task.Machine.Current(),
		Request:      task.Request,
		Steps:        task.StepsSnapshot(),
		History:      task.Machine.History(),
		Result:       result,
		FallbackUsed: handedOff || task.FallbackUsed(),
		CreatedAt:    created,
		UpdatedAt:    updated,
	}
}
