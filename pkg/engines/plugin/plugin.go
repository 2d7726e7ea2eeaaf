// Package plugin runs engines compiled to WebAssembly.
//
// A plugin is a WASI command module. Each step execution instantiates the
// module afresh with a JSON request on stdin:
//
//	{"step": "format_output", "params": {...}}
//
// and reads a JSON reply from stdout:
//
//	{"success": true, "data": ...}
//	{"success": false, "error": "...", "fallback_available": true}
//
// Anything the module writes to stderr is logged. A module that traps, exits
// non-zero, runs past its timeout or prints an unparsable reply fails the
// step as retryable.
package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

// DefaultTimeout bounds one plugin call when neither the manifest nor the
// options set a timeout.
const DefaultTimeout = 30 * time.Second

// maxReplySize caps what a module may print on stdout.
const maxReplySize = 4 << 20

type request struct {
	Step   string                 `json:"step"`
	Params map[string]interface{} `json:"params"`
}

type reply struct {
	Success           *bool                  `json:"success"`
	Data              interface{}            `json:"data,omitempty"`
	Error             string                 `json:"error,omitempty"`
	FallbackAvailable bool                   `json:"fallback_available"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
}

// Engine is a WASM plugin registered as an orchestrator engine.
type Engine struct {
	manifest   *Manifest
	name       string
	engineType orchestrator.EngineType
	priority   int
	steps      map[string]bool
	timeout    time.Duration

	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	tempDir  string
	logger   zerolog.Logger
}

var _ orchestrator.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithName overrides the manifest name.
func WithName(name string) Option {
	return func(e *Engine) { e.name = name }
}

// WithType overrides the manifest type.
func WithType(t orchestrator.EngineType) Option {
	return func(e *Engine) { e.engineType = t }
}

// WithPriority overrides the manifest priority.
func WithPriority(p int) Option {
	return func(e *Engine) { e.priority = p }
}

// WithTimeout sets the per-call timeout when the manifest has none.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// Load reads the manifest at path and compiles its module.
func Load(ctx context.Context, path string, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	manifest, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	module, err := os.ReadFile(manifest.WasmPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read WASM module: %w", err)
	}
	return New(ctx, manifest, module, logger, opts...)
}

// New compiles module for manifest. The checksum is verified first.
func New(ctx context.Context, manifest *Manifest, module []byte, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := manifest.VerifyChecksum(module); err != nil {
		return nil, err
	}

	e := &Engine{
		manifest:   manifest,
		name:       manifest.Name,
		engineType: orchestrator.EngineType(manifest.Type),
		priority:   manifest.Priority,
		steps:      make(map[string]bool, len(manifest.Steps)),
		timeout:    DefaultTimeout,
	}
	if e.engineType == "" {
		e.engineType = orchestrator.EngineTypeRule
	}
	for _, s := range manifest.Steps {
		e.steps[s] = true
	}
	for _, opt := range opts {
		opt(e)
	}
	e.timeout = manifest.TimeoutDuration(e.timeout)
	e.logger = logger.With().Str("engine", e.name).Str("plugin_version", manifest.Version).Logger()

	pages := manifest.MemoryLimitPages
	if pages == 0 {
		pages = DefaultMemoryLimitPages
	}
	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(pages).
		WithCloseOnContextDone(true)
	e.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, e.runtime); err != nil {
		_ = e.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	compiled, err := e.runtime.CompileModule(ctx, module)
	if err != nil {
		_ = e.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to compile WASM module %s: %w", manifest.Name, err)
	}
	e.compiled = compiled

	if manifest.HasCapability(CapabilityTemp) {
		dir, err := os.MkdirTemp("", "conductor-plugin-")
		if err != nil {
			_ = e.runtime.Close(ctx)
			return nil, fmt.Errorf("failed to create plugin temp dir: %w", err)
		}
		e.tempDir = dir
	}

	e.logger.Debug().
		Strs("steps", manifest.Steps).
		Uint32("memory_pages", pages).
		Dur("timeout", e.timeout).
		Msg("Plugin compiled")
	return e, nil
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() orchestrator.EngineType { return e.engineType }

func (e *Engine) Priority() int { return e.priority }

// Manifest returns the plugin manifest.
func (e *Engine) Manifest() *Manifest { return e.manifest }

// Steps returns the handled step names, sorted.
func (e *Engine) Steps() []string {
	steps := make([]string, 0, len(e.steps))
	for s := range e.steps {
		steps = append(steps, s)
	}
	sort.Strings(steps)
	return steps
}

func (e *Engine) CanHandle(stepID string, _ map[string]interface{}) bool {
	return e.steps[stepID]
}

func (e *Engine) Execute(ctx context.Context, stepID string, p map[string]interface{}) orchestrator.EngineResult {
	if !e.steps[stepID] {
		return orchestrator.Retryable(fmt.Sprintf("plugin %s does not handle step %s", e.name, stepID))
	}

	input, err := json.Marshal(request{Step: stepID, Params: p})
	if err != nil {
		return orchestrator.Definitive(fmt.Sprintf("failed to encode params: %v", err))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var stdout bytes.Buffer
	stderr := e.logger.With().Str("step", stepID).Str("stream", "stderr").Logger()
	cfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs(e.name, stepID).
		WithStdin(bytes.NewReader(input)).
		WithStdout(&limitedWriter{w: &stdout, n: maxReplySize}).
		WithStderr(stderr)
	for k, v := range e.manifest.Env {
		cfg = cfg.WithEnv(k, v)
	}
	if e.manifest.HasCapability(CapabilityClock) {
		cfg = cfg.WithSysWalltime().WithSysNanotime()
	}
	if e.tempDir != "" {
		cfg = cfg.WithFSConfig(wazero.NewFSConfig().WithDirMount(e.tempDir, "/tmp"))
	}

	start := time.Now()
	mod, err := e.runtime.InstantiateModule(ctx, e.compiled, cfg)
	if mod != nil {
		_ = mod.Close(context.Background())
	}
	if err != nil {
		return e.failure(ctx, stepID, err)
	}

	var out reply
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil || out.Success == nil {
		e.logger.Warn().Str("step", stepID).Int("bytes", stdout.Len()).Msg("Plugin printed no usable reply")
		return orchestrator.Retryable(fmt.Sprintf("plugin %s returned an invalid reply", e.name))
	}

	e.logger.Debug().Str("step", stepID).Dur("elapsed", time.Since(start)).Bool("success", *out.Success).Msg("Plugin call finished")

	var result orchestrator.EngineResult
	switch {
	case *out.Success:
		result = orchestrator.Succeeded(out.Data)
	case out.FallbackAvailable:
		result = orchestrator.Retryable(out.Error)
	default:
		result = orchestrator.Definitive(out.Error)
	}
	for k, v := range out.Metadata {
		result = result.WithMetadata(k, v)
	}
	return result.WithMetadata("plugin_version", e.manifest.Version)
}

func (e *Engine) failure(ctx context.Context, stepID string, err error) orchestrator.EngineResult {
	logger := e.logger.With().Str("step", stepID).Logger()

	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn().Err(ctxErr).Msg("Plugin call interrupted")
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return orchestrator.Retryable(fmt.Sprintf("plugin %s timed out after %s", e.name, e.timeout))
		}
		return orchestrator.Retryable(fmt.Sprintf("plugin %s cancelled", e.name))
	}

	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		logger.Warn().Uint32("exit_code", exitErr.ExitCode()).Msg("Plugin exited with an error")
		return orchestrator.Retryable(fmt.Sprintf("plugin %s exited with code %d", e.name, exitErr.ExitCode())).
			WithMetadata("exit_code", exitErr.ExitCode())
	}

	logger.Warn().Err(err).Msg("Plugin call failed")
	return orchestrator.Retryable(fmt.Sprintf("plugin %s failed: %v", e.name, err))
}

// Close releases the runtime and the temp directory.
func (e *Engine) Close() error {
	err := e.runtime.Close(context.Background())
	if e.tempDir != "" {
		if rmErr := os.RemoveAll(e.tempDir); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}

// limitedWriter fails writes past n bytes.
type limitedWriter struct {
	w *bytes.Buffer
	n int
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.w.Len()+len(p) > l.n {
		return 0, fmt.Errorf("plugin reply exceeds %d bytes", l.n)
	}
	return l.w.Write(p)
}
