package orchestrator

import (
	"context"
	"time"
)

// Engine is a pluggable backend that executes named units of work.
//
// The same Engine instance serves many tasks concurrently, so Execute must be
// reentrant: per-call state lives on the call stack, never on the engine.
type Engine interface {
	// Name returns the unique engine name.
	Name() string

	// Type returns the engine's capability type.
	Type() EngineType

	// Priority orders engines within a type. Lower values are tried first.
	Priority() int

	// CanHandle reports whether the engine can execute stepID with params.
	CanHandle(stepID string, params map[string]interface{}) bool

	// Execute runs stepID. Failures are reported in the result, not as a panic
	// or a Go error: Success=false with FallbackAvailable=true is retryable on
	// another engine, FallbackAvailable=false is definitive.
	Execute(ctx context.Context, stepID string, params map[string]interface{}) EngineResult
}

// EngineResult is the outcome of one engine call.
type EngineResult struct {
	// Success is true when Data holds the step output.
	Success bool `json:"success"`

	// Data is the step output.
	Data interface{} `json:"data,omitempty"`

	// Error describes the failure.
	Error string `json:"error,omitempty"`

	// FallbackAvailable marks a failure as retryable on another engine.
	FallbackAvailable bool `json:"fallback_available"`

	// ExecutionTime is the call duration.
	ExecutionTime time.Duration `json:"execution_time"`

	// Metadata holds engine-specific details.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Succeeded builds a successful result.
func Succeeded(data interface{}) EngineResult {
	return EngineResult{Success: true, Data: data}
}

// Retryable builds a failure that the fallback chain may recover from.
func Retryable(msg string) EngineResult {
	return EngineResult{Error: msg, FallbackAvailable: true}
}

// Definitive builds a failure that short-circuits the fallback chain.
func Definitive(msg string) EngineResult {
	return EngineResult{Error: msg, FallbackAvailable: false}
}

// WithMetadata returns a copy of r with key set in its metadata.
func (r EngineResult) WithMetadata(key string, value interface{}) EngineResult {
	md := make(map[string]interface{}, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md
	return r
}
