package commands

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/freeshell/conductor/pkg/orchestrator"
)

type engineView struct {
	orchestrator.EngineInfo
	Available bool     `json:"available"`
	Steps     []string `json:"steps,omitempty"`
}

func newEnginesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "engines",
		Short: "List the configured engines",
		Long: `List the engines built from the configuration, in the order the registry
tries them: by type, then descending priority, then registration order.

An engine can be enabled but unavailable, e.g. a render engine whose runner
cannot be started; its steps then fall back to the next engine type.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), appOptions{orchestrator: true})
			if err != nil {
				return err
			}
			defer a.close()

			registry := a.orch.Registry()
			infos := registry.List()
			views := make([]engineView, 0, len(infos))
			for _, info := range infos {
				v := engineView{EngineInfo: info, Available: info.Enabled}
				if reg, ok := registry.Lookup(info.Name); ok {
					if s, ok := reg.Engine.(interface{ Steps() []string }); ok {
						v.Steps = s.Steps()
					}
					if av, ok := reg.Engine.(interface{ Available() bool }); ok {
						v.Available = info.Enabled && av.Available()
					}
				}
				views = append(views, v)
			}

			return render(cmd, views, func(w io.Writer) error {
				rows := make([][]string, 0, len(views))
				for _, v := range views {
					rows = append(rows, []string{
						v.Name,
						string(v.Type),
						strconv.Itoa(v.Priority),
						strconv.FormatBool(v.Enabled),
						strconv.FormatBool(v.Available),
						v.Timeout.String(),
						orDash(strings.Join(v.Steps, ",")),
					})
				}
				if err := table(w, "NAME\tTYPE\tPRIORITY\tENABLED\tAVAILABLE\tTIMEOUT\tSTEPS", rows); err != nil {
					return err
				}
				return printUnserved(w, a.orch.UnservedSteps())
			})
		},
	}
}

func printUnserved(w io.Writer, unserved map[string][]string) error {
	if len(unserved) == 0 {
		return nil
	}
	intents := make([]string, 0, len(unserved))
	for intent := range unserved {
		intents = append(intents, intent)
	}
	sort.Strings(intents)

	fmt.Fprintln(w, "\nSteps without an enabled engine of their type:")
	for _, intent := range intents {
		if _, err := fmt.Fprintf(w, "  %s: %s\n", intent, strings.Join(unserved[intent], ", ")); err != nil {
			return err
		}
	}
	return nil
}
