// Package telemetry provides observability for the conductor service.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing behind a single
// Telemetry value.
//
// # Usage
//
// Initialize telemetry at startup and hand its observer to the orchestrator:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch, err := orchestrator.New(orchestrator.Options{
//	    Logger:   tel.Logger.Zerolog(),
//	    Observer: tel.Observer(),
//	})
//
// # Metrics
//
// Counters and histograms cover task admission and settlement, step status,
// engine calls, fallback walks and policy decisions. They live in a private
// registry exposed through Metrics.Handler, by default at :9090/metrics.
//
// # Events
//
// Lifecycle events such as task.state_changed, step.fallback and
// policy.blocked are republished through EventPublisher. Subscribers may
// filter by level, type or task:
//
//	tel.Events.Subscribe(func(e telemetry.Event) {
//	    fmt.Println(e.Type, e.TaskID)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// With EnableAsync the publisher buffers events and delivers them in batches
// on its own goroutine; Shutdown drains the buffer.
//
// # Tracing
//
// Supported exporters are otlp (gRPC), stdout and none. The orchestrator opens
// an orchestrator.process span per task, a step.execute span per step and an
// engine.execute span per engine call.
package telemetry
