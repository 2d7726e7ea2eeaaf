package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPaths  []string
	outputFormat string
	verbose      bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - content generation orchestrator",
		Long: `Conductor turns a free-form request into a planned sequence of steps and runs
each step on the best available engine, falling back to alternate engine types
when one fails and handing the task to a human expert as a last resort.

Engines:
  - rule: built-in generators and Starlark scripts
  - template: text templates per step
  - ai: OpenAI-compatible chat providers
  - render: ffmpeg render runner, local or over SSH
  - plugin: WASM modules
  - expert: manual hand-off tickets`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringSliceVarP(&configPaths, "config", "c", nil, "CUE config file or directory (repeatable)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "text", "output format: text, json or yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(newProcessCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newTasksCommand())
	rootCmd.AddCommand(newEnginesCommand())
	rootCmd.AddCommand(newPolicyCommand())
	rootCmd.AddCommand(newConsentCommand())
	rootCmd.AddCommand(newTicketsCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
