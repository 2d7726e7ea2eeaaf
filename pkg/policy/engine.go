package policy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against request inputs.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   Policy
	pkg      string
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	builtins := BuiltinPolicies()
	for i := range builtins {
		cp, err := e.compile(context.Background(), builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Evaluate runs every enabled policy against input. Any evaluation error
// fails the whole evaluation so that a broken policy never admits a request.
func (e *Engine) Evaluate(ctx context.Context, input Input) (*Result, error) {
	start := time.Now()

	e.mu.RLock()
	compiled := e.sortedLocked()
	e.mu.RUnlock()

	result := &Result{Allowed: true}
	for _, cp := range compiled {
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		deny, warn, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).Str("policy", cp.policy.Name).Msg("Policy evaluation failed")
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}

		for _, v := range deny {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
		for _, v := range warn {
			v.Severity = SeverityWarning
			result.Warnings = append(result.Warnings, v)
		}
	}

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(start)

	e.logger.Debug().
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluatePolicy evaluates a single compiled policy and returns its deny and
// warn findings.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input Input) ([]Violation, []Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, err
	}

	var deny, warn []Violation
	for _, r := range rs {
		for _, expr := range r.Expressions {
			doc, ok := expr.Value.(map[string]interface{})
			if !ok {
				continue
			}
			deny = append(deny, collect(cp.policy, doc["deny"])...)
			warn = append(warn, collect(cp.policy, doc["warn"])...)
		}
	}
	return deny, warn, nil
}

// collect converts a Rego set of findings into violations.
func collect(p Policy, set interface{}) []Violation {
	items, ok := set.([]interface{})
	if !ok {
		return nil
	}
	out := make([]Violation, 0, len(items))
	for _, item := range items {
		out = append(out, createViolation(p, item))
	}
	return out
}

// createViolation creates a Violation from a single finding.
func createViolation(p Policy, finding interface{}) Violation {
	v := Violation{
		Policy:   p.Name,
		Severity: p.Severity,
	}

	switch f := finding.(type) {
	case string:
		v.Message = f
	case map[string]interface{}:
		if msg, ok := f["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := f["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if rule, ok := f["rule"].(string); ok {
			v.Rule = rule
		}
		if action, ok := f["required_action"].(string); ok {
			v.RequiredAction = action
		}
	default:
		v.Message = fmt.Sprintf("%v", finding)
	}

	return v
}

// compile parses a policy and prepares its package query.
func (e *Engine) compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}

	module, err := ast.ParseModule(p.Name, p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	pkg := module.Package.Path.String()

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(e.store),
		rego.Query(pkg),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	e.logger.Debug().Str("policy", p.Name).Str("package", pkg).Msg("Policy compiled successfully")

	return &compiledPolicy{
		policy:   p,
		pkg:      pkg,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// AddPolicy compiles p and adds it, replacing any policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := e.compile(ctx, p)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.policies[cp.policy.Name] = cp
	return nil
}

// ReplaceLoaded swaps every non-builtin policy for policies. Nothing changes
// unless all of them compile.
func (e *Engine) ReplaceLoaded(ctx context.Context, policies []Policy) error {
	compiled := make([]*compiledPolicy, 0, len(policies))
	for i := range policies {
		cp, err := e.compile(ctx, policies[i])
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled = append(compiled, cp)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for _, cp := range compiled {
		e.policies[cp.policy.Name] = cp
	}

	e.logger.Info().Int("count", len(compiled)).Msg("Policies loaded successfully")
	return nil
}

// LoadPolicies loads policy files from paths, replacing previously loaded ones.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := NewLoader(e.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.ReplaceLoaded(ctx, policies)
}

// WatchPolicies loads policies from paths and keeps them in sync with the
// files until ctx is cancelled.
func (e *Engine) WatchPolicies(ctx context.Context, paths []string) error {
	if err := e.LoadPolicies(ctx, paths); err != nil {
		return err
	}
	return NewLoader(e.logger).Watch(ctx, paths, e.ReplaceLoaded)
}

// RemovePolicy removes a policy by name.
func (e *Engine) RemovePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.policies[name]; !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	delete(e.policies, name)
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	p := cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	compiled := e.sortedLocked()
	policies := make([]Policy, 0, len(compiled))
	for _, cp := range compiled {
		policies = append(policies, cp.policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	next := *cp
	next.policy.Enabled = enabled
	e.policies[name] = &next
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy state changed")
	return nil
}

func (e *Engine) sortedLocked() []*compiledPolicy {
	out := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].policy.Name < out[j].policy.Name })
	return out
}
