package commands

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/freeshell/conductor/pkg/orchestrator"
	"github.com/freeshell/conductor/pkg/stores"
)

func newStatusCommand() *cobra.Command {
	var events bool

	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show a persisted task",
		Long: `Show the audit trail of a task: its steps, state history and result.

Tasks are read from the store, so the command works for any task processed
while the store was enabled.`,
		Example: `  conductor status 3f1c2a9e-6d8b-4c53-9a8e-0f5e1b2d7c44
  conductor status 3f1c2a9e-6d8b-4c53-9a8e-0f5e1b2d7c44 --events -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			snap, err := a.store.GetSnapshot(ctx, args[0])
			if errors.Is(err, orchestrator.ErrTaskNotFound) {
				return render(cmd, orchestrator.NotFound(args[0]), func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "Task %s not found\n", args[0])
					return err
				})
			}
			if err != nil {
				return err
			}

			out := taskView{TaskSnapshot: snap}
			if events {
				taskID := snap.TaskID
				if out.Events, err = a.store.GetEvents(ctx, &taskID, nil, 0, 0); err != nil {
					return err
				}
			}
			return render(cmd, out, func(w io.Writer) error { return printTask(w, out) })
		},
	}

	cmd.Flags().BoolVar(&events, "events", false, "include lifecycle events")

	return cmd
}

type taskView struct {
	*orchestrator.TaskSnapshot
	Events []*stores.Event `json:"events,omitempty"`
}

func printTask(w io.Writer, t taskView) error {
	fmt.Fprintf(w, "Task:       %s\n", t.TaskID)
	fmt.Fprintf(w, "Intent:     %s\n", t.Intent)
	fmt.Fprintf(w, "State:      %s\n", t.State)
	fmt.Fprintf(w, "Fallback:   %t\n", t.FallbackUsed)
	fmt.Fprintf(w, "Prompt:     %s\n", t.Request.Prompt)
	fmt.Fprintf(w, "Created:    %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:    %s\n", t.UpdatedAt.Format(time.RFC3339))
	if t.Result != nil && t.Result.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", t.Result.Error)
	}

	fmt.Fprintln(w, "\nSteps:")
	rows := make([][]string, 0, len(t.Steps))
	for _, s := range t.Steps {
		rows = append(rows, []string{
			s.Name,
			string(s.EngineType),
			string(s.Status),
			orDash(s.EngineUsed),
			strconv.Itoa(s.Attempts),
			orDash(s.Error),
		})
	}
	if err := table(w, "STEP\tTYPE\tSTATUS\tENGINE\tATTEMPTS\tERROR", rows); err != nil {
		return err
	}

	fmt.Fprintln(w, "\nHistory:")
	rows = rows[:0]
	for _, h := range t.History {
		rows = append(rows, []string{
			h.Timestamp.Format(time.RFC3339),
			string(h.State),
			orDash(h.StepID),
			orDash(h.Engine),
			orDash(h.Error),
		})
	}
	if err := table(w, "TIME\tSTATE\tSTEP\tENGINE\tERROR", rows); err != nil {
		return err
	}

	if len(t.Events) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nEvents:")
	rows = rows[:0]
	for _, e := range t.Events {
		rows = append(rows, []string{e.Timestamp.Format(time.RFC3339), string(e.Level), e.Type, e.Message})
	}
	return table(w, "TIME\tLEVEL\tTYPE\tMESSAGE", rows)
}

func newTasksCommand() *cobra.Command {
	var (
		state  string
		intent string
		since  time.Duration
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List persisted tasks",
		Example: `  conductor tasks --state failed
  conductor tasks --intent create_shortform --since 24h --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			filter := stores.TaskFilter{
				State:  orchestrator.TaskState(state),
				Intent: intent,
				Limit:  limit,
				Offset: offset,
			}
			if state != "" {
				if err := filter.State.Validate(); err != nil {
					return err
				}
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			a, err := newApp(ctx, appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			tasks, err := a.store.ListTasks(ctx, filter)
			if err != nil {
				return err
			}
			return render(cmd, tasks, func(w io.Writer) error {
				rows := make([][]string, 0, len(tasks))
				for _, t := range tasks {
					rows = append(rows, []string{
						t.ID,
						t.Intent,
						string(t.State),
						strconv.FormatBool(t.FallbackUsed),
						t.CreatedAt.Format(time.RFC3339),
					})
				}
				return table(w, "ID\tINTENT\tSTATE\tFALLBACK\tCREATED", rows)
			})
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only tasks in this state")
	cmd.Flags().StringVar(&intent, "intent", "", "only tasks with this intent")
	cmd.Flags().DurationVar(&since, "since", 0, "only tasks created within this window")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tasks")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of tasks to skip")

	return cmd
}
