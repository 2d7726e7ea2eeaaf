// Package template implements the template engine: each step is a Go text
// template rendered against the step parameters.
//
// A template whose output is a JSON object or array yields that value as the
// step output. Any other output becomes {"text": ..., "word_count": ...}.
package template

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/engines/params"
	"github.com/freeshell/conductor/pkg/orchestrator"
)

// DefaultName is the registry name used when none is configured.
const DefaultName = "template_engine"

// DefaultTemplates are the step templates available without configuration.
func DefaultTemplates() map[string]string {
	return map[string]string{
		"generate_text": `{{ $p := trim .prompt }}{{ if $p }}{{ $p }}{{ else }}No prompt was given{{ end }}.`,
		"format_output": `{{ trim (text .generate_text) }}`,
		"generate_script": `{"script": {{ json (printf "A short story about %s. Thank you for watching." (trim .prompt)) }}, ` +
			`"word_count": {{ add 8 (words .prompt) }}, "duration": {{ or .duration 30 }}}`,
	}
}

// Engine renders step templates. Parsed templates are read-only after New.
type Engine struct {
	name      string
	priority  int
	templates map[string]*template.Template
	logger    zerolog.Logger
}

var _ orchestrator.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the registry name.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithPriority sets the priority within the template type.
func WithPriority(p int) Option {
	return func(e *Engine) { e.priority = p }
}

// New parses DefaultTemplates overlaid with templates and returns the engine.
func New(templates map[string]string, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	e := &Engine{
		name:      DefaultName,
		priority:  10,
		templates: make(map[string]*template.Template),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.With().Str("engine", e.name).Logger()

	sources := DefaultTemplates()
	for step, body := range templates {
		sources[step] = body
	}
	for step, body := range sources {
		tmpl, err := template.New(step).Option("missingkey=zero").Funcs(funcs).Parse(body)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", step, err)
		}
		e.templates[step] = tmpl
	}
	return e, nil
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() orchestrator.EngineType { return orchestrator.EngineTypeTemplate }

func (e *Engine) Priority() int { return e.priority }

// Steps lists the steps with a template.
func (e *Engine) Steps() []string {
	steps := make([]string, 0, len(e.templates))
	for name := range e.templates {
		steps = append(steps, name)
	}
	sort.Strings(steps)
	return steps
}

// CanHandle reports whether a template exists for stepID.
func (e *Engine) CanHandle(stepID string, _ map[string]interface{}) bool {
	_, ok := e.templates[stepID]
	return ok
}

// Execute renders the template for stepID.
func (e *Engine) Execute(ctx context.Context, stepID string, p map[string]interface{}) orchestrator.EngineResult {
	start := time.Now()
	if err := ctx.Err(); err != nil {
		return orchestrator.Retryable(err.Error())
	}

	tmpl, ok := e.templates[stepID]
	if !ok {
		return orchestrator.Retryable(fmt.Sprintf("no template for step %s", stepID))
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		e.logger.Debug().Str("step", stepID).Err(err).Msg("Template failed")
		return orchestrator.Retryable(fmt.Sprintf("template %s: %v", stepID, err))
	}

	out := strings.TrimSpace(buf.String())
	if out == "" {
		return orchestrator.Retryable(fmt.Sprintf("template %s rendered nothing", stepID))
	}

	result := orchestrator.Succeeded(decode(out))
	result.ExecutionTime = time.Since(start)
	return result.WithMetadata("engine", e.name)
}

// decode returns out as structured data when it is a JSON object or array.
func decode(out string) interface{} {
	if out[0] == '{' || out[0] == '[' {
		var v interface{}
		if err := json.Unmarshal([]byte(out), &v); err == nil {
			return v
		}
	}
	return map[string]interface{}{
		"text":       out,
		"word_count": len(strings.Fields(out)),
	}
}

var funcs = template.FuncMap{
	"trim":  func(v interface{}) string { return strings.TrimSpace(params.Stringify(v)) },
	"upper": func(v interface{}) string { return strings.ToUpper(params.Stringify(v)) },
	"lower": func(v interface{}) string { return strings.ToLower(params.Stringify(v)) },
	"words": func(v interface{}) int { return len(strings.Fields(params.Stringify(v))) },
	"add":   func(a, b int) int { return a + b },
	"join": func(sep string, v []interface{}) string {
		parts := make([]string, len(v))
		for i, item := range v {
			parts[i] = params.Stringify(item)
		}
		return strings.Join(parts, sep)
	},
	"json": func(v interface{}) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	// text pulls prose out of a previous step's output.
	"text": func(v interface{}) string {
		if m, ok := v.(map[string]interface{}); ok {
			return params.String(m, "text", params.String(m, "script", ""))
		}
		return params.Stringify(v)
	},
}
