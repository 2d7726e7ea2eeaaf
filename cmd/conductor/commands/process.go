package commands

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

// requestFlags binds the request fields shared by process and policy check.
type requestFlags struct {
	req           orchestrator.Request
	consentType   string
	consentProof  string
	commercialUse bool
	options       map[string]string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.req.Type, "type", "t", "", "content type hint: shortform, image, motion or text")
	cmd.Flags().IntVarP(&f.req.Duration, "duration", "d", 0, "requested duration in seconds")
	cmd.Flags().StringVar(&f.req.Style, "style", "", "style hint")
	cmd.Flags().StringVar(&f.req.Purpose, "purpose", "", "declared purpose: personal, personal_archive, memorial, educational or commercial")
	cmd.Flags().StringVar(&f.req.SubjectName, "subject", "", "real person the content depicts")
	cmd.Flags().StringVar(&f.req.SubjectStatus, "subject-status", "", "subject status: living, deceased, historical or fictional")
	cmd.Flags().StringVarP(&f.req.UserID, "user", "u", "", "requesting user id")
	cmd.Flags().StringVar(&f.consentType, "consent-type", "", "declared consent: self, legal_guardian or family")
	cmd.Flags().StringVar(&f.consentProof, "consent-proof", "", "reference to the consent document")
	cmd.Flags().BoolVar(&f.commercialUse, "commercial", false, "consent covers commercial use")
	cmd.Flags().StringToStringVar(&f.options, "option", nil, "engine option as key=value (repeatable)")
}

func (f *requestFlags) request(prompt string) orchestrator.Request {
	req := f.req
	req.Prompt = prompt
	if f.consentType != "" {
		req.Consent = &orchestrator.Consent{
			Type:          f.consentType,
			CommercialUse: f.commercialUse,
			Proof:         f.consentProof,
			GrantedAt:     time.Now().UTC(),
		}
	}
	if len(f.options) > 0 {
		req.Options = make(map[string]interface{}, len(f.options))
		for k, v := range f.options {
			req.Options[k] = v
		}
	}
	return req
}

func newProcessCommand() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "process <prompt>",
		Short: "Process a single request",
		Long: `Process a request end to end and print the result envelope.

The request is validated, checked against the policy gate, classified into an
intent and planned into steps. Each step runs on the best engine for its type,
falling back to alternate engine types on failure. A task whose required step
cannot be completed is handed to the expert queue.`,
		Example: `  # Let the analyzer pick the intent
  conductor process "make a 30 second video about autumn"

  # Force the intent and pass engine options
  conductor process "sunset over the sea" --type image --option size=1024x1024

  # Depict a real person with declared consent
  conductor process "a birthday message" --subject "Jane Doe" --subject-status living \
    --purpose personal --user u1 --consent-type self`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, appOptions{orchestrator: true})
			if err != nil {
				return err
			}
			defer a.close()

			env := a.orch.Process(ctx, flags.request(args[0]))
			if env.TaskID != "" && env.Success {
				if err := a.orch.Complete(ctx, env.TaskID); err != nil {
					a.logger.Warn().Err(err).Str("task_id", env.TaskID).Msg("Failed to acknowledge task")
				}
			}

			if err := render(cmd, env, func(w io.Writer) error { return printEnvelope(w, env) }); err != nil {
				return err
			}
			if !env.Success && !env.Queued {
				return fmt.Errorf("request failed: %s", env.Error)
			}
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

func printEnvelope(w io.Writer, env orchestrator.Envelope) error {
	status := "success"
	switch {
	case env.Blocked:
		status = "blocked"
	case env.Queued:
		status = "queued"
	case !env.Success:
		status = "failed"
	}

	fmt.Fprintf(w, "Status:     %s\n", status)
	if env.TaskID != "" {
		fmt.Fprintf(w, "Task:       %s\n", env.TaskID)
	}
	fmt.Fprintf(w, "Time:       %.3fs\n", env.ExecutionTime)
	fmt.Fprintf(w, "Fallback:   %t\n", env.FallbackUsed)
	if env.Error != "" {
		fmt.Fprintf(w, "Error:      %s (%s)\n", env.Error, orDash(string(env.ErrorKind)))
	}
	if env.RequiredAction != "" {
		fmt.Fprintf(w, "Action:     %s\n", env.RequiredAction)
	}
	for _, warning := range env.Warnings {
		fmt.Fprintf(w, "Warning:    %s\n", warning)
	}

	if env.Data == nil {
		return nil
	}
	data, err := yaml.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	fmt.Fprintln(w, "Result:")
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		fmt.Fprintf(w, "  %s\n", line)
	}
	return nil
}
