package telemetry

import (
	"context"
	"errors"
	"time"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// NewTelemetry creates a telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  NewEventPublisher(cfg.Events),
		Config:  cfg,
	}, nil
}

// Shutdown stops every component, delivering buffered events and flushing spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
		t.Metrics.Shutdown(ctx),
	)
}

// Observer adapts Telemetry to the orchestrator's observer hooks: it opens
// spans, records metrics and republishes lifecycle events.
type Observer struct {
	tel *Telemetry
}

// Observer returns the orchestrator observer backed by t.
func (t *Telemetry) Observer() *Observer {
	return &Observer{tel: t}
}

// StartSpan starts a trace span.
func (o *Observer) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, func(err error)) {
	ctx, span := o.tel.Tracer.StartSpan(ctx, name, attrs)
	return ctx, func(err error) { EndSpan(span, err) }
}

func (o *Observer) TaskStarted(_ context.Context, _ string, intent string) {
	o.tel.Metrics.RecordTaskStarted(intent)
}

func (o *Observer) TaskFinished(_ context.Context, _ string, intent, state string, fallbackUsed bool, duration time.Duration) {
	o.tel.Metrics.RecordTaskFinished(intent, state, fallbackUsed, duration)
}

func (o *Observer) StepFinished(_ context.Context, _ string, step, engineType, status string, duration time.Duration) {
	o.tel.Metrics.RecordStep(step, engineType, status, duration)
}

func (o *Observer) EngineCalled(_ context.Context, engine, engineType, _ string, success bool, duration time.Duration) {
	o.tel.Metrics.RecordEngineCall(engine, engineType, success, duration)
}

func (o *Observer) FallbackAttempted(ctx context.Context, step, fromType, toType string, success bool) {
	o.tel.Metrics.RecordFallback(fromType, toType, success)
	AddEvent(ctx, "fallback", map[string]string{"step": step, "from_type": fromType, "to_type": toType})
}

func (o *Observer) PolicyDecided(_ context.Context, allowed bool) {
	o.tel.Metrics.RecordPolicyDecision(allowed)
}

// Event republishes an orchestrator event. Publish failures are logged and
// never reach the orchestrator.
func (o *Observer) Event(ctx context.Context, eventType, taskID, stepID, message string, data map[string]interface{}) {
	err := o.tel.Events.Publish(Event{
		Type:    eventType,
		TaskID:  taskID,
		StepID:  stepID,
		Message: message,
		Level:   eventLevel(eventType, message),
		Data:    data,
	})
	if err != nil {
		logger := o.tel.Logger.WithError(err).WithField("event_type", eventType)
		if taskID != "" {
			logger = logger.WithTaskID(taskID)
		}
		logger.Warn("Event dropped")
	}
}

func eventLevel(eventType, message string) string {
	switch eventType {
	case "policy.blocked", "task.expert_handoff", "step.fallback", "step.skipped":
		return EventLevelWarning
	case "task.state_changed":
		if message == "failed" || message == "cancelled" {
			return EventLevelError
		}
	}
	return EventLevelInfo
}
