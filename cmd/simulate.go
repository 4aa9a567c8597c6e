package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/firewall"
)

func newSimulateCmd(opts *globalOptions) *cobra.Command {
	var (
		mode   string
		policy string
		proto  string
	)
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Show the advisory verdict for a connection matched by a policy",
		Long: `simulate runs the in-process classifier: given the filter mode, the
policy of the matching rule and the protocol, it prints whether the
connection would pass. Interactive connections pass because their verdict
is made by the queue consumer.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if mode == "" {
				mode = cfg.FilterMode
			}
			fm, err := firewall.ParseFilterMode(mode)
			if err != nil {
				return err
			}
			rp, err := firewall.ParseRulePolicy(policy)
			if err != nil {
				return err
			}
			p, err := firewall.ParseProtocol(proto)
			if err != nil {
				return err
			}

			verdict := "DROP"
			if firewall.Accepts(fm, rp, p) {
				verdict = "ACCEPT"
			}
			out := cmd.OutOrStdout()
			if opts.jsonOutput {
				return printJSON(out, map[string]string{
					"mode":     fm.String(),
					"policy":   rp.String(),
					"protocol": string(p),
					"verdict":  verdict,
				})
			}
			fmt.Fprintf(out, "%s (mode=%s policy=%s proto=%s)\n", verdict, fm, rp, p)
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Filter mode (default from the config file)")
	cmd.Flags().StringVar(&policy, "policy", "interactive", "Policy of the matching rule")
	cmd.Flags().StringVarP(&proto, "proto", "p", "tcp", "Protocol of the connection")
	return cmd
}
