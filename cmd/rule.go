package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/state"
)

// ruleFlags are the flags describing one transport rule. They parse
// through the same conversion as the rule blocks of the config file.
type ruleFlags struct {
	uid    int
	proto  string
	src    string
	dst    string
	device string
	policy string
}

func (f *ruleFlags) bind(fs *pflag.FlagSet) {
	fs.IntVarP(&f.uid, "uid", "u", -1, "Owning user id (required)")
	fs.StringVarP(&f.proto, "proto", "p", "tcp", "Protocol: tcp or udp")
	fs.StringVarP(&f.src, "src", "s", "", "Source endpoint ip[:port], :port or *")
	fs.StringVarP(&f.dst, "dst", "d", "", "Destination endpoint ip[:port], :port or *")
	fs.StringVar(&f.device, "device", "any", "Device class: wifi, cellular or any")
	fs.StringVar(&f.policy, "policy", "interactive", "Verdict: accept, block or interactive")
}

func (f *ruleFlags) rule() (firewall.TransportRule, error) {
	r, err := config.Rule{
		UID:         f.uid,
		Protocol:    f.proto,
		Source:      f.src,
		Destination: f.dst,
		Device:      f.device,
		Policy:      f.policy,
	}.TransportRule()
	if err != nil {
		return firewall.TransportRule{}, err
	}
	return r, r.Validate()
}

func newRuleCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "rule",
		Aliases: []string{"rules"},
		Short:   "Manage per-app transport rules",
	}

	var addFlags ruleFlags
	add := &cobra.Command{
		Use:   "add",
		Short: "Persist a rule and apply it when the firewall is installed",
		Example: `  appwall rule add --uid 10100 --dst 93.184.216.34:443 --policy accept
  appwall rule add --uid 10100 --proto udp --dst :53 --device cellular --policy block`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := addFlags.rule()
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(e *env) error {
				h, err := e.svc.AddRule(cmd.Context(), r)
				if err != nil {
					return err
				}
				if e.json {
					return printJSON(e.out, h)
				}
				if len(h.Primitives) == 0 {
					fmt.Fprintf(e.out, "%s stored, applied on next enable\n", h.ID)
					return nil
				}
				fmt.Fprintf(e.out, "%s applied as %d rules\n", h.ID, len(h.Primitives))
				return nil
			})
		},
	}
	addFlags.bind(add.Flags())
	add.MarkFlagRequired("uid")

	var delFlags ruleFlags
	del := &cobra.Command{
		Use:     "delete",
		Aliases: []string{"rm"},
		Short:   "Remove the oldest stored copy of a rule and its kernel rules",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := delFlags.rule()
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(e *env) error {
				removed, err := e.svc.DeleteRule(cmd.Context(), r)
				if err != nil {
					return err
				}
				if !removed {
					fmt.Fprintln(e.out, "no stored copy; removed from the kernel only")
				}
				return nil
			})
		},
	}
	delFlags.bind(del.Flags())
	del.MarkFlagRequired("uid")

	var listUID int
	list := &cobra.Command{
		Use:   "list",
		Short: "List stored rules in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				var rules []state.StoredRule
				var err error
				if listUID >= 0 {
					rules, err = e.svc.RulesFor(listUID)
				} else {
					rules, err = e.svc.Rules()
				}
				if err != nil {
					return err
				}
				if e.json {
					return printJSON(e.out, rules)
				}
				printRules(e, rules)
				return nil
			})
		},
	}
	list.Flags().IntVarP(&listUID, "uid", "u", -1, "Only list rules of this uid")

	cmd.AddCommand(add, del, list)
	return cmd
}

func printRules(e *env, rules []state.StoredRule) {
	tw := newTable(e.out)
	fmt.Fprintln(tw, "ID\tUID\tPROTO\tSOURCE\tDESTINATION\tDEVICE\tPOLICY\tCREATED")
	for _, sr := range rules {
		r := sr.Rule
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sr.ID, r.UID, r.Protocol, r.Source, r.Destination, r.Device, r.Policy,
			sr.Created.Format(time.DateTime))
	}
	tw.Flush()
}

func newRedirectCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "redirect",
		Short: "Manage redirect rules",
	}

	var (
		uid    int
		dst    string
		to     string
		device string
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Redirect connections of a uid to another endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dstEP, err := firewall.ParseEndpoint(dst)
			if err != nil {
				return err
			}
			target, err := firewall.ParseEndpoint(to)
			if err != nil {
				return err
			}
			dev, err := firewall.ParseDeviceFilter(device)
			if err != nil {
				return err
			}
			r := firewall.RedirectRule{UID: uid, Destination: dstEP, Device: dev, Target: target}
			return opts.withEnv(cmd, func(e *env) error {
				return e.svc.AddRedirectRule(cmd.Context(), r)
			})
		},
	}
	add.Flags().IntVarP(&uid, "uid", "u", -1, "Owning user id (required)")
	add.Flags().StringVarP(&dst, "dst", "d", "", "Destination endpoint to intercept")
	add.Flags().StringVar(&to, "to", "", "Target endpoint ip:port (required)")
	add.Flags().StringVar(&device, "device", "any", "Device class: wifi, cellular or any")
	add.MarkFlagRequired("uid")
	add.MarkFlagRequired("to")

	cmd.AddCommand(add)
	return cmd
}
