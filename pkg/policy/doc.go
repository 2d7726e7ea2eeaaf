// Package policy gates generation requests with Open Policy Agent (OPA).
//
// Requests are turned into an Input document and evaluated against Rego
// modules. Each module contributes findings through two partial set rules:
//
//	deny contains violation if { ... }  # blocks when severity is error or critical
//	warn contains violation if { ... }  # never blocks
//
// A finding is an object with message, severity and optionally rule and
// required_action keys.
//
// # Built-in Policies
//
//   - content-safety: impersonation, fraud and minors
//   - consent: living subjects, memorials and commercial use
//   - misuse-risk: political or proxy decision use (warning only)
//   - blocked-user: users on the block list
//
// # Usage
//
//	engine, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	consents := policy.NewConsentRegistry(store, logger)
//	gate := policy.NewGate(engine, consents, logger)
//
//	orch, err := orchestrator.New(orchestrator.Options{Gate: gate})
//
// Additional .rego files or YAML policy definitions can be loaded with
// Engine.LoadPolicies and kept in sync with Engine.WatchPolicies.
package policy
