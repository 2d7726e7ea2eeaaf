// Package rule implements the deterministic rule engine. It ships built-in
// generators for the short-form video pipeline and runs additional steps
// declared as Starlark scripts.
package rule

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/config"
	"github.com/freeshell/conductor/pkg/orchestrator"
)

// DefaultName is the registry name used when none is configured.
const DefaultName = "rule_engine"

type builtin func(e *Engine, params map[string]interface{}) orchestrator.EngineResult

var builtins = map[string]builtin{
	"generate_script":    (*Engine).generateScript,
	"create_scenes":      (*Engine).createScenes,
	"generate_subtitles": (*Engine).generateSubtitles,
	"select_motion":      (*Engine).selectMotion,
	"apply_motion":       (*Engine).applyMotion,
	"render_video":       (*Engine).renderVideo,
	"format_output":      (*Engine).formatOutput,
}

// Engine is the rule engine. It holds no per-call state.
type Engine struct {
	name      string
	priority  int
	outputDir string
	scripts   map[string]string
	evaluator *config.StarlarkEvaluator
	logger    zerolog.Logger
}

var _ orchestrator.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the registry name.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithPriority sets the priority within the rule type.
func WithPriority(p int) Option {
	return func(e *Engine) { e.priority = p }
}

// WithOutputDir sets where timeline files are written.
func WithOutputDir(dir string) Option {
	return func(e *Engine) { e.outputDir = dir }
}

// WithScripts registers Starlark scripts by step name. A script for a
// built-in step replaces the built-in.
func WithScripts(scripts map[string]string) Option {
	return func(e *Engine) {
		for step, src := range scripts {
			e.scripts[step] = src
		}
	}
}

// WithEvaluator sets the Starlark evaluator used for scripts.
func WithEvaluator(ev *config.StarlarkEvaluator) Option {
	return func(e *Engine) { e.evaluator = ev }
}

// New creates a rule engine.
func New(logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		name:      DefaultName,
		priority:  10,
		outputDir: "output",
		scripts:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.evaluator == nil {
		e.evaluator = config.NewStarlarkEvaluator(0)
	}
	e.logger = logger.With().Str("engine", e.name).Logger()
	return e
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() orchestrator.EngineType { return orchestrator.EngineTypeRule }

func (e *Engine) Priority() int { return e.priority }

// Steps lists every step the engine handles.
func (e *Engine) Steps() []string {
	steps := make([]string, 0, len(builtins)+len(e.scripts))
	for name := range builtins {
		steps = append(steps, name)
	}
	for name := range e.scripts {
		if _, ok := builtins[name]; !ok {
			steps = append(steps, name)
		}
	}
	sort.Strings(steps)
	return steps
}

// CanHandle reports whether stepID is a built-in or scripted step.
func (e *Engine) CanHandle(stepID string, _ map[string]interface{}) bool {
	if _, ok := e.scripts[stepID]; ok {
		return true
	}
	_, ok := builtins[stepID]
	return ok
}

// Execute runs the script or built-in registered for stepID.
func (e *Engine) Execute(ctx context.Context, stepID string, params map[string]interface{}) orchestrator.EngineResult {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return orchestrator.Retryable(err.Error())
	}

	var result orchestrator.EngineResult
	source := "builtin"
	if src, ok := e.scripts[stepID]; ok {
		source = "script"
		result = e.runScript(ctx, stepID, src, params)
	} else if fn, ok := builtins[stepID]; ok {
		result = fn(e, params)
	} else {
		result = orchestrator.Retryable(fmt.Sprintf("unknown step: %s", stepID))
	}

	result.ExecutionTime = time.Since(start)
	if !result.Success {
		e.logger.Debug().
			Str("step", stepID).
			Str("source", source).
			Str("error", result.Error).
			Msg("Rule failed")
	}
	return result.WithMetadata("engine", e.name).WithMetadata("source", source)
}

// runScript evaluates a Starlark rule. Params are bound as globals and as a
// params dict; the script reports its result by assigning output.
func (e *Engine) runScript(ctx context.Context, stepID, src string, params map[string]interface{}) orchestrator.EngineResult {
	input := make(map[string]interface{}, len(params)+2)
	for k, v := range params {
		input[k] = v
	}
	input["params"] = params
	input["step"] = stepID

	res, err := e.evaluator.Evaluate(ctx, src, input)
	if err != nil {
		return orchestrator.Retryable(fmt.Sprintf("rule %s: %v", stepID, err))
	}
	out, ok := res.Output["output"]
	if !ok {
		return orchestrator.Retryable(fmt.Sprintf("rule %s did not set output", stepID))
	}
	return orchestrator.Succeeded(out)
}
