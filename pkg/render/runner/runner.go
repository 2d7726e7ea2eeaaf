// Package runner implements the render-runner side of the render protocol:
// it reads JOB messages, drives an encoder and reports progress and results.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/render/protocol"
)

// Version is reported in the READY message.
const Version = "1.0.0"

// Exit reasons.
const (
	ReasonStdinClosed   = "stdin_closed"
	ReasonTTLExpired    = "ttl_expired"
	ReasonCancelled     = "cancelled"
	ReasonProtocolError = "protocol_error"
)

// Config configures a Runner.
type Config struct {
	// TTL bounds the runner's lifetime. Zero means no limit.
	TTL time.Duration
	// FFmpeg is the encoder description sent in READY.
	FFmpeg string
}

// Runner serves render jobs one at a time.
type Runner struct {
	exec   Executor
	config Config
	logger zerolog.Logger
	jobs   int
}

// New creates a runner.
func New(exec Executor, config Config, logger zerolog.Logger) *Runner {
	return &Runner{exec: exec, config: config, logger: logger.With().Str("component", "render_runner").Logger()}
}

type decoded struct {
	job *protocol.JobMessage
	err error
}

// Serve speaks the protocol over in and out until in is closed, the TTL
// expires or ctx is done. The EXIT message it sent is returned.
func (r *Runner) Serve(ctx context.Context, in io.Reader, out io.Writer) (*protocol.ExitMessage, error) {
	enc := protocol.NewEncoder(out)
	dec := protocol.NewDecoder(in)

	if r.config.TTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.TTL)
		defer cancel()
	}

	ready := &protocol.ReadyMessage{
		Version:  Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
		PID:      os.Getpid(),
		Caps: map[string]bool{
			string(protocol.JobTypeVideo):  true,
			string(protocol.JobTypeMotion): true,
		},
		FFmpeg: r.config.FFmpeg,
	}
	if err := enc.EncodeReady(ready); err != nil {
		return nil, fmt.Errorf("failed to send ready: %w", err)
	}

	incoming := make(chan decoded)
	go func() {
		for {
			job, err := dec.DecodeJob()
			select {
			case incoming <- decoded{job, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && job == nil {
				return
			}
		}
	}()

	exit := &protocol.ExitMessage{}
loop:
	for {
		select {
		case <-ctx.Done():
			exit.Reason = ReasonCancelled
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				exit.Reason = ReasonTTLExpired
			}
			break loop
		case d := <-incoming:
			switch {
			case d.err == nil:
				r.handle(ctx, enc, d.job)
			case d.job != nil:
				r.jobs++
				r.fail(enc, d.job.ID, protocol.CodeInvalidJob, d.err, false)
			case errors.Is(d.err, io.EOF):
				exit.Reason = ReasonStdinClosed
				break loop
			default:
				r.fail(enc, "", protocol.CodeInvalidJob, d.err, false)
				exit.Reason = ReasonProtocolError
				exit.ExitCode = 1
				break loop
			}
		}
	}

	exit.JobsTotal = r.jobs
	if err := enc.EncodeExit(exit); err != nil {
		return exit, fmt.Errorf("failed to send exit: %w", err)
	}
	r.logger.Info().Str("reason", exit.Reason).Int("jobs", r.jobs).Msg("Runner exiting")
	return exit, nil
}

func (r *Runner) handle(ctx context.Context, enc *protocol.Encoder, job *protocol.JobMessage) {
	r.jobs++
	start := time.Now()
	logger := r.logger.With().Str("job_id", job.ID).Str("job_type", string(job.Type)).Logger()
	logger.Info().Msg("Job started")

	jobCtx, cancel := context.WithTimeout(ctx, time.Duration(job.Timeout)*time.Second)
	defer cancel()

	report := func(level, msg string, p *protocol.Progress) {
		if err := enc.EncodeEvent(&protocol.EventMessage{JobID: job.ID, Level: level, Message: msg, Progress: p}); err != nil {
			logger.Warn().Err(err).Msg("Failed to send event")
		}
	}

	var (
		result interface{}
		err    error
	)
	switch job.Type {
	case protocol.JobTypeVideo:
		result, err = r.renderVideo(jobCtx, job, report)
	case protocol.JobTypeMotion:
		result, err = r.renderMotion(jobCtx, job, report)
	default:
		err = &jobError{code: protocol.CodeInvalidJob, err: fmt.Errorf("unsupported job type: %s", job.Type)}
	}

	if err != nil {
		var je *jobError
		switch {
		case errors.As(err, &je):
			r.fail(enc, job.ID, je.code, je.err, false)
		case errors.Is(err, context.DeadlineExceeded):
			r.fail(enc, job.ID, protocol.CodeTimeout, fmt.Errorf("job exceeded %ds", job.Timeout), true)
		default:
			r.fail(enc, job.ID, protocol.CodeRenderFailed, err, false)
		}
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		r.fail(enc, job.ID, protocol.CodeRenderFailed, err, false)
		return
	}
	if err := enc.EncodeDone(&protocol.DoneMessage{JobID: job.ID, Result: raw, Duration: time.Since(start).Seconds()}); err != nil {
		logger.Warn().Err(err).Msg("Failed to send result")
	}
	logger.Info().Dur("duration", time.Since(start)).Msg("Job finished")
}

func (r *Runner) fail(enc *protocol.Encoder, jobID, code string, err error, retryable bool) {
	msg := &protocol.ErrorMessage{JobID: jobID, Code: code, Message: err.Error(), Retryable: retryable}
	if encErr := enc.EncodeError(msg); encErr != nil {
		r.logger.Warn().Err(encErr).Msg("Failed to send error")
	}
}

type reporter func(level, msg string, p *protocol.Progress)

// jobError carries a protocol error code for failures detected before
// the encoder runs.
type jobError struct {
	code string
	err  error
}

func (e *jobError) Error() string { return e.err.Error() }

func invalid(err error) error {
	return &jobError{code: protocol.CodeInvalidJob, err: err}
}

func (r *Runner) renderVideo(ctx context.Context, job *protocol.JobMessage, report reporter) (*protocol.VideoResult, error) {
	var p protocol.VideoParams
	if err := protocol.ParseParams(job.Params, &p); err != nil {
		return nil, invalid(err)
	}
	if err := p.Validate(); err != nil {
		return nil, invalid(err)
	}

	var total float64
	for i := range p.Scenes {
		if p.Scenes[i].Image != "" && !fileExists(p.Scenes[i].Image) {
			report("warn", fmt.Sprintf("scene %d image %s not found, using solid background", p.Scenes[i].Index, p.Scenes[i].Image), nil)
			p.Scenes[i].Image = ""
		}
		total += p.Scenes[i].Duration()
	}
	if p.Audio != "" && !fileExists(p.Audio) {
		report("warn", fmt.Sprintf("audio %s not found, rendering silent video", p.Audio), nil)
		p.Audio = ""
	}

	if err := os.MkdirAll(filepath.Dir(p.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	report("info", fmt.Sprintf("rendering %d scenes", len(p.Scenes)), nil)
	if err := r.exec.Run(ctx, BuildVideoArgs(&p), progressReporter(total, report)); err != nil {
		return nil, err
	}

	size, err := outputSize(p.OutputPath)
	if err != nil {
		return nil, err
	}
	return &protocol.VideoResult{FilePath: p.OutputPath, Duration: total, Scenes: len(p.Scenes), Bytes: size}, nil
}

func (r *Runner) renderMotion(ctx context.Context, job *protocol.JobMessage, report reporter) (*protocol.MotionResult, error) {
	var p protocol.MotionParams
	if err := protocol.ParseParams(job.Params, &p); err != nil {
		return nil, invalid(err)
	}
	if err := p.Validate(); err != nil {
		return nil, invalid(err)
	}
	if p.Image != "" && !fileExists(p.Image) {
		report("warn", fmt.Sprintf("image %s not found, using solid background", p.Image), nil)
		p.Image = ""
	}

	args, unknown := BuildMotionArgs(&p)
	for _, name := range unknown {
		report("warn", "unknown motion preset "+name, nil)
	}

	if err := os.MkdirAll(filepath.Dir(p.OutputPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := r.exec.Run(ctx, args, progressReporter(p.Duration, report)); err != nil {
		return nil, err
	}

	size, err := outputSize(p.OutputPath)
	if err != nil {
		return nil, err
	}
	return &protocol.MotionResult{FilePath: p.OutputPath, Duration: p.Duration, Bytes: size}, nil
}

// progressReporter turns encoder positions into EVENTs, at most one per
// 5% of the total.
func progressReporter(totalSeconds float64, report reporter) func(time.Duration) {
	total := int64(totalSeconds * 1000)
	step := total / 20
	last := int64(-1)
	return func(pos time.Duration) {
		current := pos.Milliseconds()
		if current > total {
			current = total
		}
		if current == last || (last >= 0 && current-last < step && current != total) {
			return
		}
		last = current
		report("info", "encoding", &protocol.Progress{Current: current, Total: total, Unit: "ms"})
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func outputSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("encoder produced no output: %w", err)
	}
	return info.Size(), nil
}
