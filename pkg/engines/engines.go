// Package engines builds the configured engines and registers them with an
// orchestrator.
package engines

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/config"
	"github.com/freeshell/conductor/pkg/engines/ai"
	"github.com/freeshell/conductor/pkg/engines/expert"
	"github.com/freeshell/conductor/pkg/engines/params"
	"github.com/freeshell/conductor/pkg/engines/plugin"
	"github.com/freeshell/conductor/pkg/engines/render"
	"github.com/freeshell/conductor/pkg/engines/rule"
	"github.com/freeshell/conductor/pkg/engines/template"
	"github.com/freeshell/conductor/pkg/orchestrator"
	"github.com/freeshell/conductor/pkg/render/client"
	"github.com/freeshell/conductor/pkg/transports/ssh"
)

// Deps are the shared services engines are built with.
type Deps struct {
	// Queue receives expert tickets. An in-memory queue is used when nil.
	Queue expert.Queue

	Logger zerolog.Logger

	// lookPath resolves executables. exec.LookPath when nil.
	lookPath func(string) (string, error)
}

// Entry is a built engine with its registration options.
type Entry struct {
	Engine  orchestrator.Engine
	Options []orchestrator.RegisterOption
}

// Set holds the built engines and the resources they own.
type Set struct {
	Entries []Entry
	closers []io.Closer
}

// Register adds every engine in the set to o.
func (s *Set) Register(o *orchestrator.Orchestrator) error {
	for _, e := range s.Entries {
		if err := o.RegisterEngine(e.Engine, e.Options...); err != nil {
			return err
		}
	}
	return nil
}

// Close releases render runners and plugin runtimes.
func (s *Set) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Build creates the engines cfg describes. Plugins listed under plugins are
// appended after the engines list. A render engine whose runner cannot be
// set up is still built, unavailable, so its steps fall through to the rule
// engine.
func Build(ctx context.Context, cfg *config.Config, deps Deps) (*Set, error) {
	if deps.Queue == nil {
		deps.Queue = expert.NewMemoryQueue()
	}
	if deps.lookPath == nil {
		deps.lookPath = exec.LookPath
	}

	set := &Set{}
	for _, ec := range cfg.EngineConfigs() {
		engine, err := build(ctx, cfg, ec, deps, set)
		if err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("engine %s: %w", ec.Name, err)
		}
		if ec.Type != "" && ec.Kind != config.KindPlugin {
			engine = retyped{Engine: engine, t: orchestrator.EngineType(ec.Type)}
		}
		set.add(engine, ec.Enabled, ec.TimeoutDuration())
	}

	for _, pc := range cfg.Plugins {
		engine, err := plugin.Load(ctx, pc.Manifest, deps.Logger)
		if err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("plugin %s: %w", pc.Manifest, err)
		}
		set.closers = append(set.closers, engine)
		set.add(engine, pc.Enabled, 0)
	}
	return set, nil
}

func (s *Set) add(engine orchestrator.Engine, enabled bool, timeout time.Duration) {
	opts := []orchestrator.RegisterOption{orchestrator.WithTimeout(timeout)}
	if !enabled {
		opts = append(opts, orchestrator.Disabled())
	}
	s.Entries = append(s.Entries, Entry{Engine: engine, Options: opts})
}

func build(ctx context.Context, cfg *config.Config, ec config.EngineConfig, deps Deps, set *Set) (orchestrator.Engine, error) {
	outputDir := cfg.Render.OutputDir
	if dir := params.String(ec.Settings, "output_dir", ""); dir != "" {
		outputDir = dir
	}

	switch ec.Kind {
	case config.KindRule:
		return rule.New(deps.Logger,
			rule.WithName(ec.Name),
			rule.WithPriority(ec.Priority),
			rule.WithOutputDir(outputDir),
			rule.WithScripts(ec.Scripts),
			rule.WithEvaluator(config.NewStarlarkEvaluator(ec.TimeoutDuration())),
		), nil

	case config.KindTemplate:
		return template.New(ec.Templates, deps.Logger,
			template.WithName(ec.Name),
			template.WithPriority(ec.Priority),
		)

	case config.KindAI:
		providers := make([]*ai.Provider, 0, len(ec.Providers))
		for _, pc := range ec.Providers {
			providers = append(providers, ai.NewProvider(pc))
		}
		opts := []ai.Option{
			ai.WithName(ec.Name),
			ai.WithPriority(ec.Priority),
			ai.WithOutputDir(outputDir),
			ai.WithInstructions(ec.Templates),
		}
		if size := params.String(ec.Settings, "image_size", ""); size != "" {
			opts = append(opts, ai.WithImageSize(size))
		}
		return ai.New(providers, deps.Logger, opts...), nil

	case config.KindExpert:
		return expert.New(deps.Queue, deps.Logger,
			expert.WithName(ec.Name),
			expert.WithPriority(ec.Priority),
		), nil

	case config.KindRender:
		runner := newRunner(cfg.Render, ec, deps)
		engine := render.New(runner, deps.Logger,
			render.WithName(ec.Name),
			render.WithPriority(ec.Priority),
			render.WithOutputDir(outputDir),
			render.WithFrame(
				params.Int(ec.Settings, "width", 1080),
				params.Int(ec.Settings, "height", 1920),
				params.Int(ec.Settings, "fps", 30),
			),
			render.WithJobTimeout(cfg.Render.TimeoutDuration()),
			render.WithCooldown(parseDuration(params.String(ec.Settings, "cooldown", ""), time.Minute)),
		)
		set.closers = append(set.closers, engine)
		return engine, nil

	case config.KindPlugin:
		manifest := params.String(ec.Settings, "manifest", "")
		if manifest == "" {
			return nil, errors.New("plugin engines need settings.manifest")
		}
		opts := []plugin.Option{
			plugin.WithName(ec.Name),
			plugin.WithPriority(ec.Priority),
			plugin.WithTimeout(ec.TimeoutDuration()),
		}
		if ec.Type != "" {
			opts = append(opts, plugin.WithType(orchestrator.EngineType(ec.Type)))
		}
		engine, err := plugin.Load(ctx, manifest, deps.Logger, opts...)
		if err != nil {
			return nil, err
		}
		set.closers = append(set.closers, engine)
		return engine, nil
	}
	return nil, fmt.Errorf("unknown engine kind %q", ec.Kind)
}

// newRunner returns the render runner for rc, or nil when rendering is
// disabled or the runner cannot be reached from here.
func newRunner(rc config.RenderConfig, ec config.EngineConfig, deps Deps) render.Runner {
	logger := deps.Logger.With().Str("engine", ec.Name).Logger()

	switch rc.Mode {
	case "local":
		if _, err := deps.lookPath(params.String(ec.Settings, "ffmpeg", "ffmpeg")); err != nil {
			logger.Warn().Err(err).Msg("ffmpeg not found, render steps fall back to timelines")
			return nil
		}
		transport, err := client.NewLocalTransport(rc.Runner, runnerArgs(ec), logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Render runner not found, render steps fall back to timelines")
			return nil
		}
		return client.New(transport, logger)

	case "ssh":
		sc, err := sshConfig(rc.SSH)
		if err != nil {
			logger.Warn().Err(err).Msg("Invalid render host, render steps fall back to timelines")
			return nil
		}
		conn, err := ssh.NewClient(sc, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Invalid render host, render steps fall back to timelines")
			return nil
		}
		remote := rc.SSH.RemoteRunner
		if remote == "" {
			remote = rc.Runner
		}
		return client.New(client.NewSSHTransport(conn, remote, rc.SSH.RemoteDir, runnerArgs(ec), logger), logger)
	}
	return nil
}

func runnerArgs(ec config.EngineConfig) []string {
	var args []string
	if ffmpeg := params.String(ec.Settings, "ffmpeg", ""); ffmpeg != "" {
		args = append(args, "-ffmpeg", ffmpeg)
	}
	if ttl := params.String(ec.Settings, "runner_ttl", ""); ttl != "" {
		args = append(args, "-ttl", ttl)
	}
	return args
}

func sshConfig(hc *config.SSHConfig) (*ssh.Config, error) {
	if hc == nil {
		return nil, errors.New("render.ssh is required in ssh mode")
	}
	sc := ssh.DefaultConfig(hc.Host, hc.User)
	if hc.Port != 0 {
		sc.Port = hc.Port
	}
	if hc.KnownHosts != "" {
		sc.KnownHostsPath = hc.KnownHosts
	}
	if hc.PasswordEnv != "" {
		sc.AuthMethod = ssh.AuthMethodPassword
		sc.Password = os.Getenv(hc.PasswordEnv)
	} else {
		sc.PrivateKeyPath = hc.KeyPath
	}
	return sc, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// retyped registers an engine under a different type.
type retyped struct {
	orchestrator.Engine
	t orchestrator.EngineType
}

func (r retyped) Type() orchestrator.EngineType { return r.t }
