package commands

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/freeshell/conductor/pkg/config"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and inspect configuration",
		Long: `Validate CUE configuration files and print the effective configuration.

Files given with --config are unified with the built-in schema, which
supplies defaults for everything they leave out.`,
	}

	cmd.AddCommand(newConfigValidateCommand())
	cmd.AddCommand(newConfigShowCommand())

	return cmd
}

func newConfigValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate configuration files",
		Example: `  conductor config validate ./conductor.cue
  conductor config validate ./configs`,
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := args
			if len(sources) == 0 {
				sources = configPaths
			}
			if len(sources) == 0 {
				return errors.New("no configuration given; pass paths or --config")
			}

			parsed, err := config.NewParser().Parse(cmd.Context(), sources)
			if err != nil {
				return err
			}

			err = render(cmd, parsed, func(w io.Writer) error {
				for _, d := range parsed.Errors {
					fmt.Fprintf(w, "%s: %s\n", d.Severity, d)
				}
				if len(parsed.Errors) == 0 {
					_, err := fmt.Fprintf(w, "%d file(s) valid\n", len(parsed.SourceFiles))
					return err
				}
				return nil
			})
			if err != nil {
				return err
			}
			return parsed.Err()
		},
	}
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if len(cfg.Engines) == 0 {
				cfg.Engines = cfg.EngineConfigs()
			}
			return render(cmd, cfg, func(w io.Writer) error {
				data, err := config.ExportJSON(cfg)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(w, string(data))
				return err
			})
		},
	}
}
