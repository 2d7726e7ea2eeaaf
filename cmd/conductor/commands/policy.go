package commands

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/freeshell/conductor/pkg/policy"
)

func newPolicyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect and dry-run the policy gate",
		Long: `Inspect the policies the gate evaluates and check requests against them.

Built-in policies cover content safety, consent for real people, misuse risk
and blocked users. Extra Rego or YAML policies are loaded from policy.paths.`,
	}

	cmd.AddCommand(newPolicyListCommand())
	cmd.AddCommand(newPolicyCheckCommand())

	return cmd
}

func newPolicyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List loaded policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			policies := a.policy.ListPolicies()
			return render(cmd, policies, func(w io.Writer) error {
				rows := make([][]string, 0, len(policies))
				for _, p := range policies {
					source := "builtin"
					if !p.Builtin {
						source = orDash(p.Source)
					}
					rows = append(rows, []string{
						p.Name,
						string(p.Severity),
						strconv.FormatBool(p.Enabled),
						source,
						p.Description,
					})
				}
				return table(w, "NAME\tSEVERITY\tENABLED\tSOURCE\tDESCRIPTION", rows)
			})
		},
	}
}

func newPolicyCheckCommand() *cobra.Command {
	var flags requestFlags

	cmd := &cobra.Command{
		Use:   "check <prompt>",
		Short: "Evaluate a request without processing it",
		Long: `Evaluate a request against every enabled policy and print the findings.

The command exits with an error when the gate would block the request.`,
		Example: `  conductor policy check "a memorial video of my grandmother" \
    --subject "Ann Smith" --subject-status deceased --purpose memorial --user u1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.gate.Evaluate(cmd.Context(), flags.request(args[0]))
			if err != nil {
				return err
			}
			if err := render(cmd, res, func(w io.Writer) error { return printPolicyResult(w, res) }); err != nil {
				return err
			}
			if !res.Allowed {
				return errors.New("request would be blocked")
			}
			return nil
		},
	}

	flags.register(cmd)

	return cmd
}

func printPolicyResult(w io.Writer, res *policy.Result) error {
	verdict := "allowed"
	if !res.Allowed {
		verdict = "blocked"
	}
	fmt.Fprintf(w, "Verdict:    %s\n", verdict)
	fmt.Fprintf(w, "Evaluated:  %s (%s)\n", strings.Join(res.EvaluatedPolicies, ", "), res.Duration)

	findings := append(append([]policy.Violation{}, res.Violations...), res.Warnings...)
	if len(findings) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	rows := make([][]string, 0, len(findings))
	for _, v := range findings {
		rows = append(rows, []string{v.Policy, string(v.Severity), v.Message, orDash(v.RequiredAction)})
	}
	return table(w, "POLICY\tSEVERITY\tMESSAGE\tACTION", rows)
}
