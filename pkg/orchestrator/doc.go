// Package orchestrator coordinates heterogeneous content-generation engines
// behind a single request -> intent -> plan -> execute pipeline.
//
// # Overview
//
// A request passes through five stages:
//
//  1. Gate - the PolicyGate allows or denies the request. Denials and invalid
//     requests return immediately and never create a Task.
//  2. Analyze - the IntentAnalyzer classifies the prompt against a keyword table.
//  3. Plan - the TaskPlanner maps the intent to an ordered list of Steps.
//  4. Execute - the StepExecutor runs each Step on an Engine, strictly in order,
//     walking the FallbackChain when an engine fails.
//  5. Settle - outputs are aggregated into the Envelope and the task's
//     StateMachine records the final state.
//
// # Engines
//
// Engines declare a capability type (ai, rule, template, expert) and a
// priority. The Registry keeps them sorted by priority and serves immutable
// snapshots, so enabling or disabling an engine never touches an entry held by
// a call in flight. Engines report failure through EngineResult:
//
//   - Success=false, FallbackAvailable=true: retryable, the fallback chain is walked
//   - Success=false, FallbackAvailable=false: definitive, the chain is skipped
//
// Every engine call runs under its registered timeout.
//
// # Fallback
//
// The FallbackChain is a static table from engine type to alternate types.
// For a failed step the FallbackManager tries the first capable engine of each
// untried alternate type in order. When a required step cannot be rescued the
// task fails and, if an expert engine is registered, is handed off for manual
// handling. The Envelope reports that case with Queued=true.
//
// # Task Lifecycle
//
//	pending -> planning -> executing -> success  -> completed
//	                                 -> failed   -> fallback -> completed
//	                                             -> completed
//
// Cancelled is reachable from every state except completed and cancelled.
// Step statuses only move forward: pending -> running -> success|failed|skipped.
//
// # Usage
//
//	orch, err := orchestrator.New(orchestrator.Options{Logger: logger})
//	if err != nil {
//	    return err
//	}
//	_ = orch.RegisterEngine(myEngine, orchestrator.WithTimeout(10*time.Second))
//
//	env := orch.Process(ctx, orchestrator.Request{Prompt: "a 30 second shortform about cats"})
//	status := orch.GetTaskStatus(env.TaskID)
package orchestrator
