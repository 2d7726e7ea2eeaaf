package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

const maxRequestLine = 1 << 20

func newServeCommand() *cobra.Command {
	var (
		concurrency   int
		pruneInterval time.Duration
		purgeAfter    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Process a stream of requests",
		Long: `Read requests as JSON lines from stdin and write one result envelope per
line to stdout. Requests run concurrently, so results carry the input line
number they answer.

While serving, the metrics endpoint is up when telemetry.metrics is enabled,
policy files are reloaded on change when policy.watch is set, and a scheduler
drops settled tasks from memory after the retention period. With --purge-after
the scheduler also deletes old tasks from the store.`,
		Example: `  echo '{"prompt":"a short video about cats","type":"shortform"}' | conductor serve -c conductor.cue

  conductor serve --concurrency 8 --purge-after 720h < requests.jsonl > results.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency < 1 {
				return errors.New("concurrency must be at least 1")
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{orchestrator: true})
			if err != nil {
				return err
			}
			defer a.close()

			errc := make(chan error, 1)
			a.tel.Metrics.StartServer(errc)
			go func() {
				select {
				case err := <-errc:
					a.logger.Error().Err(err).Msg("Metrics server failed")
				case <-ctx.Done():
				}
			}()

			if a.cfg.Policy.Watch && len(a.cfg.Policy.Paths) > 0 {
				if err := a.policy.WatchPolicies(ctx, a.cfg.Policy.Paths); err != nil {
					return err
				}
			}

			scheduler, err := a.schedule(pruneInterval, purgeAfter)
			if err != nil {
				return err
			}
			scheduler.Start()
			defer func() { <-scheduler.Stop().Done() }()

			s := &server{app: a, out: json.NewEncoder(cmd.OutOrStdout()), sem: make(chan struct{}, concurrency)}
			return s.serve(ctx, cmd.InOrStdin())
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 4, "requests processed at once")
	cmd.Flags().DurationVar(&pruneInterval, "prune-interval", 5*time.Minute, "how often settled tasks are dropped from memory")
	cmd.Flags().DurationVar(&purgeAfter, "purge-after", 0, "delete stored tasks older than this (0 keeps them)")

	return cmd
}

// schedule registers the housekeeping jobs.
func (a *app) schedule(pruneInterval, purgeAfter time.Duration) (*cron.Cron, error) {
	logger := cronLogger{a.logger.With().Str("component", "scheduler").Logger()}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	if pruneInterval > 0 {
		_, err := c.AddFunc(fmt.Sprintf("@every %s", pruneInterval), func() {
			if n := a.orch.Prune(time.Now()); n > 0 {
				a.logger.Info().Int("tasks", n).Msg("Pruned settled tasks")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule pruning: %w", err)
		}
	}

	if purgeAfter > 0 && a.store != nil {
		_, err := c.AddFunc("@hourly", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			n, err := a.store.DeleteTasksBefore(ctx, time.Now().Add(-purgeAfter))
			if err != nil {
				a.logger.Error().Err(err).Msg("Failed to purge stored tasks")
				return
			}
			if n > 0 {
				a.logger.Info().Int64("tasks", n).Msg("Purged stored tasks")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("failed to schedule purging: %w", err)
		}
	}
	return c, nil
}

// cronLogger adapts zerolog to the scheduler's logger.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

type server struct {
	app *app
	sem chan struct{}
	wg  sync.WaitGroup

	mu  sync.Mutex
	out *json.Encoder
}

// result is one output line.
type result struct {
	Line int `json:"line"`
	orchestrator.Envelope
}

type inputLine struct {
	n    int
	data []byte
}

// serve reads requests until EOF or cancellation and waits for the ones in
// flight before returning.
func (s *server) serve(ctx context.Context, in io.Reader) error {
	lines := make(chan inputLine)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), maxRequestLine)
		n := 0
		for scanner.Scan() {
			n++
			data := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- inputLine{n: n, data: data}:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	defer s.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(line.data) == 0 {
				continue
			}
			s.dispatch(ctx, line)
		}
	}
}

func (s *server) dispatch(ctx context.Context, line inputLine) {
	var req orchestrator.Request
	if err := json.Unmarshal(line.data, &req); err != nil {
		s.write(result{Line: line.n, Envelope: orchestrator.Envelope{
			Error:     fmt.Sprintf("invalid request: %v", err),
			ErrorKind: orchestrator.KindValidation,
		}})
		return
	}

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.sem }()
		s.write(result{Line: line.n, Envelope: s.handle(ctx, req)})
	}()
}

func (s *server) handle(ctx context.Context, req orchestrator.Request) orchestrator.Envelope {
	start := time.Now()
	orch := s.app.orch

	taskID, err := orch.Submit(ctx, req)
	if err != nil {
		env := orchestrator.Envelope{
			Error:         err.Error(),
			ErrorKind:     orchestrator.KindOf(err),
			Blocked:       orchestrator.IsPolicyBlocked(err),
			ExecutionTime: time.Since(start).Seconds(),
		}
		var oerr *orchestrator.Error
		if errors.As(err, &oerr) {
			env.Error = oerr.Message
			if action, ok := oerr.Details["required_action"].(string); ok {
				env.RequiredAction = action
			}
		}
		return env
	}

	env, err := orch.Wait(ctx, taskID)
	if err != nil {
		// Shutting down; stop the task before its next step.
		if cerr := orch.Cancel(taskID); cerr != nil {
			s.app.logger.Debug().Err(cerr).Str("task_id", taskID).Msg("Task not cancelled")
		}
		return orchestrator.Envelope{
			TaskID:    taskID,
			Error:     err.Error(),
			ErrorKind: orchestrator.KindCancelled,
		}
	}
	if env.Success {
		if err := orch.Complete(ctx, taskID); err != nil {
			s.app.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to acknowledge task")
		}
	}
	return *env
}

func (s *server) write(r result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.out.Encode(r); err != nil {
		s.app.logger.Error().Err(err).Int("line", r.Line).Msg("Failed to write result")
	}
}
