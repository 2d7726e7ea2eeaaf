// Package render implements the rendering engine. It turns the scenes,
// subtitles and motion accumulated by earlier steps into render jobs and
// runs them on a render-runner, locally or over SSH.
//
// The engine registers with the rule type at a higher priority than the
// rule engine. While no runner is reachable it reports that it cannot
// handle its steps, so the rule engine's timeline output is used instead.
package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/engines/params"
	"github.com/freeshell/conductor/pkg/orchestrator"
	"github.com/freeshell/conductor/pkg/render/client"
	"github.com/freeshell/conductor/pkg/render/protocol"
)

// DefaultName is the registry name used when none is configured.
const DefaultName = "render_engine"

// Steps handled by the engine.
const (
	StepRenderVideo = "render_video"
	StepApplyMotion = "apply_motion"
)

// Runner executes render jobs. *client.Client implements it.
type Runner interface {
	Run(ctx context.Context, job *protocol.JobMessage, onEvent func(*protocol.EventMessage)) (*protocol.DoneMessage, error)
	Transport() client.Transport
	Close() error
}

var motionChannels = []string{"eye", "head", "breath", "mouth"}

// Engine is the rendering engine.
type Engine struct {
	name       string
	priority   int
	runner     Runner
	outputDir  string
	width      int
	height     int
	fps        int
	jobTimeout time.Duration
	cooldown   time.Duration
	now        func() time.Time
	logger     zerolog.Logger

	mu        sync.Mutex
	downUntil time.Time
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

// WithOutputDir sets where rendered files are collected.
func WithOutputDir(dir string) Option {
	return func(e *Engine) { e.outputDir = dir }
}

// WithFrame sets the output frame size and rate.
func WithFrame(width, height, fps int) Option {
	return func(e *Engine) {
		e.width, e.height, e.fps = width, height, fps
	}
}

// WithJobTimeout bounds a single render job.
func WithJobTimeout(d time.Duration) Option {
	return func(e *Engine) { e.jobTimeout = d }
}

// WithCooldown sets how long the engine stands down after the runner
// could not be reached.
func WithCooldown(d time.Duration) Option {
	return func(e *Engine) { e.cooldown = d }
}

// New creates a render engine. A nil runner yields an engine that never
// handles a step.
func New(runner Runner, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		name:       DefaultName,
		priority:   5,
		runner:     runner,
		outputDir:  "output",
		width:      1080,
		height:     1920,
		fps:        30,
		jobTimeout: 5 * time.Minute,
		cooldown:   time.Minute,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logger.With().Str("engine", e.name).Logger()
	return e
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() orchestrator.EngineType { return orchestrator.EngineTypeRule }

func (e *Engine) Priority() int { return e.priority }

// Steps lists the handled steps.
func (e *Engine) Steps() []string {
	return []string{StepApplyMotion, StepRenderVideo}
}

// Available reports whether a runner is configured and not cooling down.
func (e *Engine) Available() bool {
	if e.runner == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.now().Before(e.downUntil)
}

func (e *Engine) CanHandle(stepID string, _ map[string]interface{}) bool {
	return (stepID == StepRenderVideo || stepID == StepApplyMotion) && e.Available()
}

// Execute renders the step. Every failure is retryable.
func (e *Engine) Execute(ctx context.Context, stepID string, p map[string]interface{}) orchestrator.EngineResult {
	start := time.Now()
	if e.runner == nil {
		return orchestrator.Retryable("no render runner configured")
	}

	var result orchestrator.EngineResult
	switch stepID {
	case StepRenderVideo:
		result = e.renderVideo(ctx, p)
	case StepApplyMotion:
		result = e.applyMotion(ctx, p)
	default:
		result = orchestrator.Retryable(fmt.Sprintf("unknown step: %s", stepID))
	}
	result.ExecutionTime = time.Since(start)
	return result.WithMetadata("engine", e.name)
}

// Close stops the runner.
func (e *Engine) Close() error {
	if e.runner == nil {
		return nil
	}
	return e.runner.Close()
}

func (e *Engine) renderVideo(ctx context.Context, p map[string]interface{}) orchestrator.EngineResult {
	raw := params.List(p, "create_scenes")
	if len(raw) == 0 {
		return orchestrator.Retryable("no scenes to render")
	}
	taskID := params.String(p, "task_id", "task")
	transport := e.runner.Transport()
	subtitles := subtitleLines(params.List(p, "generate_subtitles"))

	vp := protocol.VideoParams{TaskID: taskID, Width: e.width, Height: e.height, FPS: e.fps}
	for i, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		scene := protocol.Scene{
			Index:   params.Int(m, "index", i),
			Text:    params.String(m, "text", ""),
			Start:   params.Float(m, "start", 0),
			End:     params.Float(m, "end", 0),
			Motion:  params.String(m, "motion", ""),
			Emotion: params.String(m, "emotion", ""),
		}
		if scene.End <= scene.Start {
			scene.End = scene.Start + params.Float(m, "duration", 1)
		}
		scene.Image = e.stage(ctx, transport, params.String(m, "image", ""))
		scene.Subtitle = subtitles[scene.Index]
		vp.Scenes = append(vp.Scenes, scene)
	}
	vp.Audio = e.stage(ctx, transport, params.String(p, "audio_path", ""))

	local, err := e.localOutput(taskID + ".mp4")
	if err != nil {
		return orchestrator.Retryable(err.Error())
	}
	vp.OutputPath = transport.OutputPath(local)
	if err := vp.Validate(); err != nil {
		return orchestrator.Retryable(fmt.Sprintf("invalid render job: %v", err))
	}

	var result protocol.VideoResult
	if failed, ok := e.run(ctx, protocol.JobTypeVideo, taskID, vp, &result); !ok {
		return failed
	}
	if err := transport.Collect(ctx, result.FilePath, local); err != nil {
		return orchestrator.Retryable(fmt.Sprintf("failed to collect video: %v", err))
	}
	return orchestrator.Succeeded(map[string]interface{}{
		"file_path":   local,
		"format":      "mp4",
		"duration":    result.Duration,
		"scene_count": result.Scenes,
		"bytes":       result.Bytes,
	})
}

func (e *Engine) applyMotion(ctx context.Context, p map[string]interface{}) orchestrator.EngineResult {
	generated := params.Map(p, "generate_motion")
	motion := make(map[string]string)
	for k, v := range params.Map(params.Map(p, "select_motion"), "motion") {
		motion[k] = params.Stringify(v)
	}
	for _, ch := range motionChannels {
		if preset := params.String(generated, ch, ""); preset != "" {
			motion[ch] = preset
		}
	}
	if len(motion) == 0 {
		return orchestrator.Retryable("no motion selected")
	}

	taskID := params.String(p, "task_id", "task")
	transport := e.runner.Transport()

	image := params.String(p, "image_path", "")
	if image == "" {
		image = params.String(params.Map(p, "generate_image"), "file_path", "")
	}

	mp := protocol.MotionParams{
		TaskID:    taskID,
		Image:     e.stage(ctx, transport, image),
		Duration:  params.Float(p, "duration", 5),
		Width:     e.width,
		Height:    e.height,
		FPS:       e.fps,
		Motion:    motion,
		Keyframes: keyframes(params.List(generated, "keyframes")),
	}
	local, err := e.localOutput(taskID + ".motion.mp4")
	if err != nil {
		return orchestrator.Retryable(err.Error())
	}
	mp.OutputPath = transport.OutputPath(local)
	if err := mp.Validate(); err != nil {
		return orchestrator.Retryable(fmt.Sprintf("invalid motion job: %v", err))
	}

	var result protocol.MotionResult
	if failed, ok := e.run(ctx, protocol.JobTypeMotion, taskID, mp, &result); !ok {
		return failed
	}
	if err := transport.Collect(ctx, result.FilePath, local); err != nil {
		return orchestrator.Retryable(fmt.Sprintf("failed to collect motion video: %v", err))
	}

	motionOut := make(map[string]interface{}, len(motion))
	for k, v := range motion {
		motionOut[k] = v
	}
	return orchestrator.Succeeded(map[string]interface{}{
		"file_path": local,
		"format":    "mp4",
		"duration":  result.Duration,
		"bytes":     result.Bytes,
		"motion":    motionOut,
	})
}

// run sends one job and decodes its result into out. On failure it returns
// the engine result to report and false.
func (e *Engine) run(ctx context.Context, jobType protocol.JobType, taskID string, jobParams, out interface{}) (orchestrator.EngineResult, bool) {
	timeout := e.jobTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	job, err := protocol.NewJob(uuid.NewString(), jobType, timeout, jobParams)
	if err != nil {
		return orchestrator.Retryable(err.Error()), false
	}
	job.Metadata = map[string]string{"task_id": taskID}

	logger := e.logger.With().Str("task_id", taskID).Str("job_id", job.ID).Logger()
	logger.Debug().Str("job_type", string(jobType)).Msg("Submitting render job")

	done, err := e.runner.Run(ctx, job, func(ev *protocol.EventMessage) {
		evt := logger.Debug()
		if ev.Level == "warn" {
			evt = logger.Warn()
		}
		if ev.Progress != nil {
			evt = evt.Float64("percent", ev.Progress.Percent())
		}
		evt.Msg(ev.Message)
	})
	if err != nil {
		return e.failure(logger, err), false
	}
	if err := protocol.ParseParams(done.Result, out); err != nil {
		return orchestrator.Retryable(err.Error()), false
	}
	logger.Info().Float64("seconds", done.Duration).Msg("Render job finished")
	return orchestrator.EngineResult{}, true
}

func (e *Engine) failure(logger zerolog.Logger, err error) orchestrator.EngineResult {
	var em *protocol.ErrorMessage
	switch {
	case errors.As(err, &em):
		logger.Warn().Str("code", em.Code).Str("error", em.Message).Msg("Render job failed")
		return orchestrator.Retryable("render failed: " + em.Error()).WithMetadata("code", em.Code)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return orchestrator.Retryable("render interrupted: " + err.Error())
	default:
		e.mu.Lock()
		e.downUntil = e.now().Add(e.cooldown)
		e.mu.Unlock()
		logger.Warn().Err(err).Dur("cooldown", e.cooldown).Msg("Render runner unavailable")
		return orchestrator.Retryable("render runner unavailable: " + err.Error())
	}
}

// stage makes a local input visible to the runner. Missing or unreadable
// inputs are dropped and the runner substitutes a plain background.
func (e *Engine) stage(ctx context.Context, transport client.Transport, local string) string {
	if local == "" {
		return ""
	}
	staged, err := transport.Stage(ctx, local)
	if err != nil {
		e.logger.Debug().Err(err).Str("path", local).Msg("Input not staged")
		return ""
	}
	return staged
}

func (e *Engine) localOutput(name string) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	return filepath.Join(e.outputDir, filepath.Base(name)), nil
}

// subtitleLines indexes generate_subtitles output by scene index.
func subtitleLines(subs []interface{}) map[int][]string {
	out := make(map[int][]string, len(subs))
	for i, item := range subs {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		var lines []string
		for _, l := range params.List(m, "lines") {
			if s := params.Stringify(l); s != "" {
				lines = append(lines, s)
			}
		}
		if len(lines) == 0 {
			if text := params.String(m, "text", ""); text != "" {
				lines = []string{text}
			}
		}
		out[params.Int(m, "index", i)] = lines
	}
	return out
}

func keyframes(raw []interface{}) []protocol.Keyframe {
	var out []protocol.Keyframe
	for _, item := range raw {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		kf := protocol.Keyframe{
			T:       params.Float(m, "t", 0),
			Channel: params.String(m, "channel", ""),
			Preset:  params.String(m, "preset", ""),
		}
		if kf.T < 0 || kf.Preset == "" || !isChannel(kf.Channel) {
			continue
		}
		out = append(out, kf)
	}
	return out
}

func isChannel(name string) bool {
	for _, ch := range motionChannels {
		if ch == name {
			return true
		}
	}
	return false
}
