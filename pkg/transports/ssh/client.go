package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

// TransportError is an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g. "connect", "exec", "upload")
	Op string

	Err error

	// IsTemporary indicates the operation may succeed when retried
	IsTemporary bool

	// IsAuthError indicates the error is related to authentication
	IsAuthError bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

// ErrNotConnected is returned by operations on a closed client.
var ErrNotConnected = errors.New("not connected")

// Client is a single SSH connection to a render host.
type Client struct {
	config *Config
	logger zerolog.Logger

	mu          sync.RWMutex
	client      *ssh.Client
	connectedAt time.Time
	stopKeep    chan struct{}
}

// NewClient validates config and returns an unconnected client.
func NewClient(config *Config, logger zerolog.Logger) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		config: config,
		logger: logger.With().Str("component", "ssh").Str("host", config.Address()).Logger(),
	}, nil
}

// Connect dials the host. It is a no-op on a live connection and reconnects
// a dead one.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		if _, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return nil
		}
		c.logger.Warn().Msg("Existing connection is dead, reconnecting")
		_ = c.closeLocked()
	}

	clientConfig, err := c.config.BuildSSHClientConfig()
	if err != nil {
		return &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	ch := make(chan dialResult, 1)
	go func() {
		client, err := ssh.Dial("tcp", c.config.Address(), clientConfig)
		ch <- dialResult{client, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.client != nil {
				_ = r.client.Close()
			}
		}()
		return &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
	case r := <-ch:
		if r.err != nil {
			return &TransportError{Op: "connect", Err: r.err, IsTemporary: true}
		}
		c.client = r.client
	}

	c.connectedAt = time.Now()
	if c.config.KeepAliveInterval > 0 {
		c.stopKeep = make(chan struct{})
		go c.keepAlive(c.client, c.stopKeep)
	}
	c.logger.Info().Msg("SSH connection established")
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	if err := c.closeLocked(); err != nil {
		return &TransportError{Op: "disconnect", Err: err}
	}
	return nil
}

func (c *Client) closeLocked() error {
	if c.stopKeep != nil {
		close(c.stopKeep)
		c.stopKeep = nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// IsConnected reports whether Connect succeeded and Close was not called.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil
}

// ConnectedAt returns when the current connection was made.
func (c *Client) ConnectedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connectedAt
}

func (c *Client) sshClient(op string) (*ssh.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, &TransportError{Op: op, Err: ErrNotConnected}
	}
	return c.client, nil
}

func (c *Client) keepAlive(client *ssh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.config.KeepAliveInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				failures++
				c.logger.Warn().Err(err).Int("failures", failures).Msg("Keep-alive failed")
				if failures >= 3 {
					return
				}
				continue
			}
			failures = 0
		}
	}
}

// Run executes cmd and returns its trimmed stdout and stderr. A non-zero
// exit status is returned as an error alongside the output.
func (c *Client) Run(ctx context.Context, cmd string) (string, string, error) {
	client, err := c.sshClient("exec")
	if err != nil {
		return "", "", err
	}
	session, err := client.NewSession()
	if err != nil {
		return "", "", &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	c.logger.Debug().Str("command", cmd).Msg("Executing command")

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", "", &TransportError{Op: "exec", Err: ctx.Err(), IsTemporary: true}
	case err = <-done:
	}

	out := strings.TrimSpace(stdout.String())
	errOut := strings.TrimSpace(stderr.String())
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			return out, errOut, fmt.Errorf("command exited with status %d", exitErr.ExitStatus())
		}
		return out, errOut, &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}
	return out, errOut, nil
}

// Stream is a running remote command with piped stdio.
type Stream struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader

	session *ssh.Session
	once    sync.Once
	done    chan struct{}
}

// Wait blocks until the remote command exits.
func (s *Stream) Wait() error {
	return s.session.Wait()
}

// Close ends the session.
func (s *Stream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.session.Close()
	})
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// Start runs cmd without waiting for it, exposing its stdio. The command
// is killed when ctx is done.
func (c *Client) Start(ctx context.Context, cmd string) (*Stream, error) {
	client, err := c.sshClient("start")
	if err != nil {
		return nil, err
	}
	session, err := client.NewSession()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}

	fail := func(what string, err error) (*Stream, error) {
		_ = session.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("%s: %w", what, err), IsTemporary: true}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		return fail("failed to create stdin pipe", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		return fail("failed to create stdout pipe", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return fail("failed to create stderr pipe", err)
	}
	if err := session.Start(cmd); err != nil {
		return fail("failed to start command", err)
	}

	stream := &Stream{Stdin: stdin, Stdout: stdout, Stderr: stderr, session: session, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			_ = session.Signal(ssh.SIGKILL)
			_ = stream.Close()
		case <-stream.done:
		}
	}()

	c.logger.Debug().Str("command", cmd).Msg("Remote command started")
	return stream, nil
}
