package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/health"
)

func newHealthCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the health probes once and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				checker := e.checker()
				report := checker.Check(cmd.Context())
				if e.json {
					if err := printJSON(e.out, report); err != nil {
						return err
					}
				} else {
					tw := newTable(e.out)
					for _, name := range checker.Names() {
						c := report.Checks[name]
						fmt.Fprintf(tw, "%s\t%s\t%s\n", name, c.Status, c.Message)
					}
					tw.Flush()
				}
				if report.Status == health.StatusUnhealthy {
					return fmt.Errorf("firewall is %s", report.Status)
				}
				return nil
			})
		},
	}
}
