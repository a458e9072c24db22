package commands

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// No settings are needed to print the version.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			if a.jsonOutput {
				return printJSON(out, map[string]string{
					"version":    a.version,
					"commit":     a.commit,
					"build_date": a.buildDate,
					"go":         runtime.Version(),
				})
			}
			fmt.Fprintf(out, "taskcore %s\n", a.version)
			fmt.Fprintf(out, "  commit:  %s\n", a.commit)
			fmt.Fprintf(out, "  built:   %s\n", a.buildDate)
			fmt.Fprintf(out, "  go:      %s\n", runtime.Version())
			return nil
		},
	}
}
