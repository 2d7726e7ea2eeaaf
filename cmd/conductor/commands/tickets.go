package commands

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/freeshell/conductor/pkg/engines/expert"
)

func newTicketsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tickets",
		Short: "Work the expert hand-off queue",
		Long: `List and resolve the tickets filed when a task could not be completed by
any engine and was handed to a human expert.`,
	}

	cmd.AddCommand(newTicketsListCommand())
	cmd.AddCommand(newTicketsShowCommand())
	cmd.AddCommand(newTicketsResolveCommand())

	return cmd
}

func newTicketsListCommand() *cobra.Command {
	var (
		status string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tickets",
		Example: `  conductor tickets list
  conductor tickets list --status resolved --limit 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch expert.TicketStatus(status) {
			case "", expert.TicketOpen, expert.TicketResolved:
			default:
				return fmt.Errorf("invalid ticket status %q", status)
			}

			a, err := newApp(cmd.Context(), appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			tickets, err := a.store.ListTickets(cmd.Context(), expert.TicketStatus(status), limit, 0)
			if err != nil {
				return err
			}
			return render(cmd, tickets, func(w io.Writer) error {
				rows := make([][]string, 0, len(tickets))
				for _, t := range tickets {
					rows = append(rows, []string{
						t.ID,
						t.TaskID,
						t.Intent,
						orDash(t.FailedStep),
						string(t.Status),
						t.CreatedAt.Format(time.RFC3339),
					})
				}
				return table(w, "ID\tTASK\tINTENT\tFAILED STEP\tSTATUS\tCREATED", rows)
			})
		},
	}

	cmd.Flags().StringVar(&status, "status", string(expert.TicketOpen), "ticket status: open or resolved, empty for all")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of tickets")

	return cmd
}

func newTicketsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ticket-id>",
		Short: "Show a ticket with the original request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			ticket, err := a.store.GetTicket(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return render(cmd, ticket, func(w io.Writer) error { return printTicket(w, ticket) })
		},
	}
}

func printTicket(w io.Writer, t *expert.Ticket) error {
	fmt.Fprintf(w, "Ticket:     %s\n", t.ID)
	fmt.Fprintf(w, "Task:       %s\n", t.TaskID)
	fmt.Fprintf(w, "Intent:     %s\n", t.Intent)
	fmt.Fprintf(w, "Step:       %s\n", orDash(t.FailedStep))
	fmt.Fprintf(w, "Reason:     %s\n", t.Reason)
	fmt.Fprintf(w, "Status:     %s\n", t.Status)
	fmt.Fprintf(w, "Created:    %s\n", t.CreatedAt.Format(time.RFC3339))
	if t.ResolvedAt != nil {
		fmt.Fprintf(w, "Resolved:   %s\n", t.ResolvedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Resolution: %s\n", t.Resolution)
	}
	if len(t.Request) == 0 {
		return nil
	}
	data, err := yaml.Marshal(t.Request)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Request:\n%s", data)
	return nil
}

func newTicketsResolveCommand() *cobra.Command {
	var resolution, actor string

	cmd := &cobra.Command{
		Use:   "resolve <ticket-id>",
		Short: "Close a ticket",
		Example: `  conductor tickets resolve 7d9f0c1e-... --resolution "delivered manually"`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = os.Getenv("USER")
			}

			a, err := newApp(cmd.Context(), appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.ResolveTicket(cmd.Context(), args[0], orDash(actor), resolution); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Ticket %s resolved\n", args[0])
			return err
		},
	}

	cmd.Flags().StringVarP(&resolution, "resolution", "r", "", "what was done")
	cmd.Flags().StringVar(&actor, "actor", "", "who resolved the ticket (defaults to $USER)")
	_ = cmd.MarkFlagRequired("resolution")

	return cmd
}

func newAuditCommand() *cobra.Command {
	var (
		action string
		actor  string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Long: `Show audit entries for consent changes, blocked users and expert tickets,
newest first.`,
		Example: `  conductor audit --action consent.granted
  conductor audit --actor alice --limit 20`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{requireStore: true})
			if err != nil {
				return err
			}
			defer a.close()

			var actionFilter, actorFilter *string
			if action != "" {
				actionFilter = &action
			}
			if actor != "" {
				actorFilter = &actor
			}
			entries, err := a.store.ListAuditEntries(cmd.Context(), actionFilter, actorFilter, limit, 0)
			if err != nil {
				return err
			}
			return render(cmd, entries, func(w io.Writer) error {
				rows := make([][]string, 0, len(entries))
				for _, e := range entries {
					target, details := "-", "-"
					if e.TargetID != nil {
						target = *e.TargetID
					}
					if e.Details != nil {
						details = *e.Details
					}
					rows = append(rows, []string{e.Timestamp.Format(time.RFC3339), e.Action, e.Actor, target, details})
				}
				return table(w, "TIME\tACTION\tACTOR\tTARGET\tDETAILS", rows)
			})
		},
	}

	cmd.Flags().StringVar(&action, "action", "", "only entries with this action")
	cmd.Flags().StringVar(&actor, "actor", "", "only entries by this actor")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of entries")

	return cmd
}
