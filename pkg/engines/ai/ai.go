// Package ai implements the AI engine. It calls an ordered list of
// OpenAI-compatible chat providers (Ollama, Hugging Face, Groq by default)
// and returns the first usable answer.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/engines/params"
	"github.com/freeshell/conductor/pkg/orchestrator"
)

// DefaultName is the registry name used when none is configured.
const DefaultName = "ai_engine"

// Failure messages reported to the orchestrator.
const (
	MsgPromptRequired     = "Prompt is required"
	MsgAllProvidersFailed = "All AI providers failed"
)

// DefaultInstructions are the system prompts per step.
func DefaultInstructions() map[string]string {
	return map[string]string{
		"generate_text": "You are a helpful writer. Answer the request directly in plain prose.",
		"generate_script": "You write narration for short vertical videos. Write a spoken script of about " +
			"{{words}} words in short sentences. Return only the script.",
		"generate_motion": "You design facial animation for a single still portrait. Return only a JSON object " +
			`with keys "eye", "head", "breath", "mouth" naming motion presets and "keyframes", a list of ` +
			`{"t": seconds, "channel": name, "preset": name}.`,
		"generate_image": "",
	}
}

// Engine is the AI engine.
type Engine struct {
	name         string
	priority     int
	providers    []*Provider
	instructions map[string]string
	outputDir    string
	imageSize    string
	logger       zerolog.Logger
}

var _ orchestrator.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithName sets the registry name.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithPriority sets the priority within the ai type.
func WithPriority(p int) Option {
	return func(e *Engine) { e.priority = p }
}

// WithInstructions overrides system prompts by step. A step listed here is
// handled even if it has no default instruction.
func WithInstructions(instructions map[string]string) Option {
	return func(e *Engine) {
		for step, text := range instructions {
			e.instructions[step] = text
		}
	}
}

// WithOutputDir sets where generated images are written.
func WithOutputDir(dir string) Option {
	return func(e *Engine) { e.outputDir = dir }
}

// WithImageSize sets the requested image size, e.g. 1024x1024.
func WithImageSize(size string) Option {
	return func(e *Engine) { e.imageSize = size }
}

// New creates an AI engine that tries providers in order.
func New(providers []*Provider, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		name:         DefaultName,
		priority:     10,
		providers:    providers,
		instructions: DefaultInstructions(),
		outputDir:    "output",
		imageSize:    "1024x1024",
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.With().Str("engine", e.name).Logger()
	return e
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() orchestrator.EngineType { return orchestrator.EngineTypeAI }

func (e *Engine) Priority() int { return e.priority }

// Steps lists the steps with an instruction.
func (e *Engine) Steps() []string {
	steps := make([]string, 0, len(e.instructions))
	for step := range e.instructions {
		steps = append(steps, step)
	}
	sort.Strings(steps)
	return steps
}

// CanHandle reports whether stepID has an instruction and a provider exists.
func (e *Engine) CanHandle(stepID string, _ map[string]interface{}) bool {
	_, ok := e.instructions[stepID]
	return ok && len(e.providers) > 0
}

// Execute asks each available provider in turn. Every failure is retryable:
// another engine type may still produce the step.
func (e *Engine) Execute(ctx context.Context, stepID string, p map[string]interface{}) orchestrator.EngineResult {
	start := time.Now()

	prompt := strings.TrimSpace(params.String(p, "prompt", ""))
	if prompt == "" {
		return orchestrator.Retryable(MsgPromptRequired)
	}

	var lastErr error
	for _, prov := range e.providers {
		if ctx.Err() != nil {
			return orchestrator.Retryable(ctx.Err().Error())
		}
		if !prov.Available() {
			e.logger.Debug().Str("provider", prov.Name).Msg("Provider skipped, API key not set")
			continue
		}

		data, md, err := e.call(ctx, prov, stepID, prompt, p)
		if err != nil {
			lastErr = err
			e.logger.Warn().
				Str("provider", prov.Name).
				Str("step", stepID).
				Err(err).
				Msg("Provider failed")
			continue
		}

		result := orchestrator.Succeeded(data)
		result.ExecutionTime = time.Since(start)
		result = result.WithMetadata("engine", e.name).WithMetadata("provider", prov.Name)
		for k, v := range md {
			result = result.WithMetadata(k, v)
		}
		return result
	}

	result := orchestrator.Retryable(MsgAllProvidersFailed)
	result.ExecutionTime = time.Since(start)
	if lastErr != nil {
		result = result.WithMetadata("last_error", lastErr.Error())
	}
	return result
}

func (e *Engine) call(ctx context.Context, prov *Provider, stepID, prompt string, p map[string]interface{}) (interface{}, map[string]interface{}, error) {
	if stepID == "generate_image" {
		return e.generateImage(ctx, prov, prompt, p)
	}

	duration := params.Float(p, "duration", 30)
	words := int(duration * 2.5)
	system := strings.ReplaceAll(e.instructions[stepID], "{{words}}", fmt.Sprint(words))
	if style := params.String(p, "style", ""); style != "" {
		system = strings.TrimSpace(system + " Style: " + style + ".")
	}

	maxTokens := 1024
	if stepID == "generate_script" {
		maxTokens = words * 3
	}

	c, err := prov.chat(ctx, system, prompt, maxTokens)
	if err != nil {
		return nil, nil, err
	}
	md := map[string]interface{}{"model": c.Model, "tokens": c.Tokens}

	switch stepID {
	case "generate_script":
		return map[string]interface{}{
			"script":     c.Content,
			"word_count": len(strings.Fields(c.Content)),
			"duration":   duration,
		}, md, nil
	case "generate_motion":
		motion, err := parseObject(c.Content)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid motion JSON: %w", err)
		}
		return motion, md, nil
	default:
		return map[string]interface{}{
			"text":       c.Content,
			"word_count": len(strings.Fields(c.Content)),
		}, md, nil
	}
}

func (e *Engine) generateImage(ctx context.Context, prov *Provider, prompt string, p map[string]interface{}) (interface{}, map[string]interface{}, error) {
	if style := params.String(p, "style", ""); style != "" {
		prompt = prompt + ", " + style + " style"
	}
	img, err := prov.image(ctx, prompt, e.imageSize)
	if err != nil {
		return nil, nil, err
	}

	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	name := params.String(p, "task_id", fmt.Sprintf("image-%d", time.Now().UnixNano())) + ".png"
	path := filepath.Join(e.outputDir, filepath.Base(name))
	if err := os.WriteFile(path, img, 0o644); err != nil {
		return nil, nil, fmt.Errorf("failed to write image: %w", err)
	}
	return map[string]interface{}{
		"file_path": path,
		"size":      e.imageSize,
		"bytes":     len(img),
	}, map[string]interface{}{"model": prov.ImageModel}, nil
}

// parseObject extracts a JSON object from a completion, tolerating a
// surrounding markdown code fence.
func parseObject(content string) (map[string]interface{}, error) {
	s := strings.TrimSpace(content)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			s = s[i : j+1]
		}
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, err
	}
	return out, nil
}
