// Package client drives a render-runner over a Transport. It starts the
// runner on first use, sends one job at a time and restarts the runner
// after any failure that leaves the stream out of step.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/freeshell/conductor/pkg/render/protocol"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("render client is closed")

const (
	defaultStartupTimeout = 10 * time.Second
	stopGrace             = 2 * time.Second
)

// Option configures a Client.
type Option func(*Client)

// WithStartupTimeout bounds the wait for READY.
func WithStartupTimeout(d time.Duration) Option {
	return func(c *Client) { c.startupTimeout = d }
}

type incoming struct {
	msg *protocol.Message
	err error
}

// session is one running runner process.
type session struct {
	proc  *Process
	enc   *protocol.Encoder
	msgs  chan incoming
	done  chan struct{}
	ready *protocol.ReadyMessage
}

// Client talks to one runner at a time.
type Client struct {
	transport      Transport
	startupTimeout time.Duration
	logger         zerolog.Logger

	mu      sync.Mutex
	session *session
	closed  bool
}

// New creates a client. The runner is not started until Start or Run.
func New(transport Transport, logger zerolog.Logger, opts ...Option) *Client {
	c := &Client{
		transport:      transport,
		startupTimeout: defaultStartupTimeout,
		logger:         logger.With().Str("component", "render_client").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Transport returns the transport used to reach the runner.
func (c *Client) Transport() Transport { return c.transport }

// Start launches the runner if it is not running and waits for READY.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.ensureLocked(ctx)
	return err
}

// Ready returns the READY message of the running runner, or nil.
func (c *Client) Ready() *protocol.ReadyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.ready
}

func (c *Client) ensureLocked(ctx context.Context) (*session, error) {
	if c.closed {
		return nil, ErrClosed
	}
	if c.session != nil {
		return c.session, nil
	}

	proc, err := c.transport.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start runner: %w", err)
	}
	s := &session{
		proc: proc,
		enc:  protocol.NewEncoder(proc.Stdin),
		msgs: make(chan incoming),
		done: make(chan struct{}),
	}
	go s.read(protocol.NewDecoder(proc.Stdout))

	timer := time.NewTimer(c.startupTimeout)
	defer timer.Stop()

	fail := func(err error) (*session, error) {
		c.stop(s)
		return nil, err
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-timer.C:
		return fail(fmt.Errorf("timeout waiting for READY after %s", c.startupTimeout))
	case in := <-s.msgs:
		if in.err != nil {
			return fail(fmt.Errorf("failed to receive READY: %w", in.err))
		}
		if in.msg.Type != protocol.MessageTypeReady {
			if in.msg.Type == protocol.MessageTypeError {
				var em protocol.ErrorMessage
				if err := in.msg.Unpack(&em); err == nil {
					return fail(&em)
				}
			}
			return fail(fmt.Errorf("expected READY, got %s", in.msg.Type))
		}
		var ready protocol.ReadyMessage
		if err := in.msg.Unpack(&ready); err != nil {
			return fail(err)
		}
		s.ready = &ready
	}

	c.session = s
	c.logger.Info().
		Str("version", s.ready.Version).
		Int("pid", s.ready.PID).
		Str("ffmpeg", s.ready.FFmpeg).
		Msg("Render runner ready")
	return s, nil
}

func (s *session) read(dec *protocol.Decoder) {
	for {
		msg, err := dec.Decode()
		select {
		case s.msgs <- incoming{msg, err}:
		case <-s.done:
			return
		}
		if err != nil {
			return
		}
	}
}

// stop closes stdin so the runner exits on its own, and kills it if it
// has not exited after a grace period.
func (c *Client) stop(s *session) {
	close(s.done)
	_ = s.proc.Stdin.Close()

	exited := make(chan error, 1)
	go func() { exited <- s.proc.Wait() }()
	select {
	case <-exited:
	case <-time.After(stopGrace):
		if err := s.proc.Kill(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to kill runner")
		}
	}
}

func (c *Client) resetLocked(reason string) {
	if c.session == nil {
		return
	}
	c.logger.Warn().Str("reason", reason).Msg("Restarting render runner on next job")
	c.stop(c.session)
	c.session = nil
}

// Run sends job and blocks until the runner reports DONE or ERROR. Events
// are passed to onEvent, which may be nil. A job-level ERROR is returned
// as *protocol.ErrorMessage and leaves the runner running.
func (c *Client) Run(ctx context.Context, job *protocol.JobMessage, onEvent func(*protocol.EventMessage)) (*protocol.DoneMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.ensureLocked(ctx)
	if err != nil {
		return nil, err
	}
	if err := s.enc.EncodeJob(job); err != nil {
		c.resetLocked("send failed")
		return nil, fmt.Errorf("failed to send job: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			c.resetLocked("job abandoned")
			return nil, ctx.Err()
		case in := <-s.msgs:
			if in.err != nil {
				c.resetLocked("stream error")
				return nil, fmt.Errorf("failed to read response: %w", in.err)
			}
			done, finished, err := c.handle(job.ID, in.msg, onEvent)
			if finished {
				return done, err
			}
		}
	}
}

// handle processes one message for job jobID and reports whether the job
// is finished.
func (c *Client) handle(jobID string, msg *protocol.Message, onEvent func(*protocol.EventMessage)) (*protocol.DoneMessage, bool, error) {
	switch msg.Type {
	case protocol.MessageTypeEvent:
		var ev protocol.EventMessage
		if err := msg.Unpack(&ev); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed event")
			return nil, false, nil
		}
		if onEvent != nil && ev.JobID == jobID {
			onEvent(&ev)
		}
		return nil, false, nil

	case protocol.MessageTypeDone:
		var done protocol.DoneMessage
		if err := msg.Unpack(&done); err != nil {
			c.resetLocked("malformed DONE")
			return nil, true, err
		}
		if done.JobID != jobID {
			c.resetLocked("job id mismatch")
			return nil, true, fmt.Errorf("job ID mismatch: expected %s, got %s", jobID, done.JobID)
		}
		return &done, true, nil

	case protocol.MessageTypeError:
		var em protocol.ErrorMessage
		if err := msg.Unpack(&em); err != nil {
			c.resetLocked("malformed ERROR")
			return nil, true, err
		}
		if em.JobID != jobID {
			c.resetLocked("runner error")
		}
		return nil, true, &em

	case protocol.MessageTypeExit:
		var exit protocol.ExitMessage
		_ = msg.Unpack(&exit)
		c.resetLocked("runner exited")
		return nil, true, fmt.Errorf("runner exited unexpectedly: %s", exit.Reason)

	default:
		c.resetLocked("unexpected message")
		return nil, true, fmt.Errorf("unexpected message type: %s", msg.Type)
	}
}

// Close stops the runner and closes the transport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.session != nil {
		c.stop(c.session)
		c.session = nil
	}
	return c.transport.Close()
}
