package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/firewall"
)

func newPolicyCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Show or change how unmatched traffic is handled",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the default policy and where it was read from",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				mode, source, err := e.svc.Policy()
				if err != nil {
					return err
				}
				if e.json {
					return printJSON(e.out, map[string]string{"mode": mode.String(), "source": source})
				}
				fmt.Fprintf(e.out, "%s (%s)\n", mode, source)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:       "set accept|reject|interactive",
		Short:     "Persist the default policy and apply it when installed",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"accept", "reject", "interactive"},
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := firewall.ParseDefaultMode(args[0])
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(e *env) error {
				return e.svc.SetPolicy(cmd.Context(), mode)
			})
		},
	})
	return cmd
}
