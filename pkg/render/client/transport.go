package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/transports/ssh"
)

// Process is a started runner.
type Process struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	// Wait blocks until the runner exits.
	Wait func() error
	// Kill stops the runner without waiting for it.
	Kill func() error
}

// Transport starts runners and moves job files to and from where they run.
type Transport interface {
	// Start launches a runner. The process outlives ctx.
	Start(ctx context.Context) (*Process, error)
	// Stage makes a local input file readable by the runner and returns
	// its path as the runner sees it.
	Stage(ctx context.Context, localPath string) (string, error)
	// OutputPath maps a local output path to where the runner should write.
	OutputPath(localPath string) string
	// Collect brings a runner output back to localPath.
	Collect(ctx context.Context, runnerPath, localPath string) error
	// Close releases transport resources.
	Close() error
}

// LocalTransport runs the runner as a subprocess on this machine.
type LocalTransport struct {
	runner string
	args   []string
	logger zerolog.Logger
}

var _ Transport = (*LocalTransport)(nil)

// NewLocalTransport resolves runner on PATH.
func NewLocalTransport(runner string, args []string, logger zerolog.Logger) (*LocalTransport, error) {
	resolved, err := exec.LookPath(runner)
	if err != nil {
		return nil, fmt.Errorf("render runner not found: %w", err)
	}
	return &LocalTransport{runner: resolved, args: args, logger: logger}, nil
}

func (t *LocalTransport) Start(_ context.Context) (*Process, error) {
	cmd := exec.Command(t.runner, t.args...)
	cmd.Stderr = t.logger.With().Str("stream", "runner_stderr").Logger()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}
	t.logger.Debug().Int("pid", cmd.Process.Pid).Msg("Runner started")

	return &Process{
		Stdin:  stdin,
		Stdout: stdout,
		Wait:   cmd.Wait,
		Kill:   cmd.Process.Kill,
	}, nil
}

func (t *LocalTransport) Stage(_ context.Context, localPath string) (string, error) {
	abs, err := filepath.Abs(localPath)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("input not found: %w", err)
	}
	return abs, nil
}

func (t *LocalTransport) OutputPath(localPath string) string {
	if abs, err := filepath.Abs(localPath); err == nil {
		return abs
	}
	return localPath
}

func (t *LocalTransport) Collect(_ context.Context, runnerPath, localPath string) error {
	if filepath.Clean(runnerPath) == filepath.Clean(t.OutputPath(localPath)) {
		return nil
	}
	data, err := os.ReadFile(runnerPath)
	if err != nil {
		return fmt.Errorf("failed to read output: %w", err)
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (t *LocalTransport) Close() error { return nil }

// SSHTransport runs the runner on a remote host. Inputs are uploaded to a
// per-transport session directory and outputs are downloaded from it.
type SSHTransport struct {
	client     *ssh.Client
	runner     string
	args       []string
	sessionDir string
	logger     zerolog.Logger

	mu     sync.Mutex
	staged int
}

var _ Transport = (*SSHTransport)(nil)

// NewSSHTransport creates a transport over client. remoteDir is the parent
// of the session directory.
func NewSSHTransport(client *ssh.Client, runner, remoteDir string, args []string, logger zerolog.Logger) *SSHTransport {
	if remoteDir == "" {
		remoteDir = "/tmp/conductor-render"
	}
	return &SSHTransport{
		client:     client,
		runner:     runner,
		args:       args,
		sessionDir: path.Join(remoteDir, uuid.NewString()),
		logger:     logger,
	}
}

// SessionDir is the remote directory holding this transport's files.
func (t *SSHTransport) SessionDir() string { return t.sessionDir }

func (t *SSHTransport) Start(ctx context.Context) (*Process, error) {
	if err := t.client.Connect(ctx); err != nil {
		return nil, err
	}

	parts := append([]string{t.runner}, t.args...)
	for i, p := range parts {
		parts[i] = shellQuote(p)
	}
	stream, err := t.client.Start(context.Background(), strings.Join(parts, " "))
	if err != nil {
		return nil, err
	}

	stderrLog := t.logger.With().Str("stream", "runner_stderr").Logger()
	go func() { _, _ = io.Copy(stderrLog, stream.Stderr) }()

	return &Process{
		Stdin:  stream.Stdin,
		Stdout: stream.Stdout,
		Wait:   stream.Wait,
		Kill:   stream.Close,
	}, nil
}

func (t *SSHTransport) Stage(ctx context.Context, localPath string) (string, error) {
	t.mu.Lock()
	t.staged++
	name := fmt.Sprintf("%03d-%s", t.staged, filepath.Base(localPath))
	t.mu.Unlock()

	remote := path.Join(t.sessionDir, "in", name)
	if err := t.client.Upload(ctx, localPath, remote, 0o644); err != nil {
		return "", err
	}
	return remote, nil
}

func (t *SSHTransport) OutputPath(localPath string) string {
	return path.Join(t.sessionDir, "out", filepath.Base(localPath))
}

func (t *SSHTransport) Collect(ctx context.Context, runnerPath, localPath string) error {
	if err := t.client.Download(ctx, runnerPath, localPath); err != nil {
		return err
	}
	if err := t.client.Remove(ctx, runnerPath); err != nil {
		t.logger.Warn().Err(err).Str("remote", runnerPath).Msg("Failed to remove remote output")
	}
	return nil
}

// Close removes the session directory and disconnects.
func (t *SSHTransport) Close() error {
	if t.client.IsConnected() {
		if _, _, err := t.client.Run(context.Background(), "rm -rf "+shellQuote(t.sessionDir)); err != nil {
			t.logger.Warn().Err(err).Str("dir", t.sessionDir).Msg("Failed to clean remote session")
		}
	}
	return t.client.Close()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
