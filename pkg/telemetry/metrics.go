package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var defaultBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

// Metrics provides Prometheus metrics for task orchestration.
type Metrics struct {
	config MetricsConfig

	// Task metrics
	tasksStarted  *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	taskDuration  *prometheus.HistogramVec
	fallbackUsed  *prometheus.CounterVec
	activeTasks   prometheus.Gauge

	// Step metrics
	stepsFinished *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Engine metrics
	engineCalls        *prometheus.CounterVec
	engineCallDuration *prometheus.HistogramVec
	fallbackAttempts   *prometheus.CounterVec

	// Policy metrics
	policyDecisions *prometheus.CounterVec

	registry *prometheus.Registry
	server   *http.Server
}

// NewMetrics creates a metrics collector backed by its own registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	ns := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		tasksStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "tasks_started_total",
				Help:      "Total number of tasks admitted",
			},
			[]string{"intent"},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "tasks_finished_total",
				Help:      "Total number of tasks settled, by final state",
			},
			[]string{"intent", "state"},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "task_duration_seconds",
				Help:      "Wall-clock task processing time in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"intent"},
		),
		fallbackUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "tasks_fallback_used_total",
				Help:      "Total number of tasks where a non-primary engine type was attempted",
			},
			[]string{"intent"},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: ns,
				Name:      "active_tasks",
				Help:      "Current number of tasks being processed",
			},
		),
		stepsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "steps_finished_total",
				Help:      "Total number of steps reaching a terminal status",
			},
			[]string{"step", "engine_type", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "step_duration_seconds",
				Help:      "Step execution time in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"step"},
		),
		engineCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "engine_calls_total",
				Help:      "Total number of engine calls",
			},
			[]string{"engine", "engine_type", "result"},
		),
		engineCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: ns,
				Name:      "engine_call_duration_seconds",
				Help:      "Engine call time in seconds",
				Buckets:   defaultBuckets,
			},
			[]string{"engine"},
		),
		fallbackAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "fallback_attempts_total",
				Help:      "Total number of fallback engine calls",
			},
			[]string{"from_type", "to_type", "result"},
		),
		policyDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: ns,
				Name:      "policy_decisions_total",
				Help:      "Total number of policy gate decisions",
			},
			[]string{"decision"},
		),
	}

	registry.MustRegister(
		m.tasksStarted,
		m.tasksFinished,
		m.taskDuration,
		m.fallbackUsed,
		m.activeTasks,
		m.stepsFinished,
		m.stepDuration,
		m.engineCalls,
		m.engineCallDuration,
		m.fallbackAttempts,
		m.policyDecisions,
	)

	return m, nil
}

// RecordTaskStarted increments the admitted task counter.
func (m *Metrics) RecordTaskStarted(intent string) {
	if m.tasksStarted == nil {
		return
	}
	m.tasksStarted.WithLabelValues(intent).Inc()
	m.activeTasks.Inc()
}

// RecordTaskFinished records a settled task.
func (m *Metrics) RecordTaskFinished(intent, state string, fallbackUsed bool, duration time.Duration) {
	if m.tasksFinished == nil {
		return
	}
	m.tasksFinished.WithLabelValues(intent, state).Inc()
	m.taskDuration.WithLabelValues(intent).Observe(duration.Seconds())
	if fallbackUsed {
		m.fallbackUsed.WithLabelValues(intent).Inc()
	}
	m.activeTasks.Dec()
}

// RecordStep records a step reaching a terminal status.
func (m *Metrics) RecordStep(step, engineType, status string, duration time.Duration) {
	if m.stepsFinished == nil {
		return
	}
	m.stepsFinished.WithLabelValues(step, engineType, status).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordEngineCall records one engine call.
func (m *Metrics) RecordEngineCall(engine, engineType string, success bool, duration time.Duration) {
	if m.engineCalls == nil {
		return
	}
	m.engineCalls.WithLabelValues(engine, engineType, resultLabel(success)).Inc()
	m.engineCallDuration.WithLabelValues(engine).Observe(duration.Seconds())
}

// RecordFallback records a fallback walk from one engine type to another.
func (m *Metrics) RecordFallback(fromType, toType string, success bool) {
	if m.fallbackAttempts == nil {
		return
	}
	m.fallbackAttempts.WithLabelValues(fromType, toType, resultLabel(success)).Inc()
}

// RecordPolicyDecision records a policy gate decision.
func (m *Metrics) RecordPolicyDecision(allowed bool) {
	if m.policyDecisions == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.policyDecisions.WithLabelValues(decision).Inc()
}

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer starts an HTTP server exposing the metrics endpoint. Serve
// errors are reported through errc when it is non-nil.
func (m *Metrics) StartServer(errc chan<- error) {
	if !m.config.Enabled || m.config.ListenAddress == "" {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	m.server = &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) && errc != nil {
			errc <- err
		}
	}()
}

// Shutdown stops the metrics server if it was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
