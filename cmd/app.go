package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/state"
)

func newAppCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "app",
		Aliases: []string{"apps"},
		Short:   "Manage the apps whose traffic is forwarded into the firewall",
	}

	var name string
	watch := &cobra.Command{
		Use:   "watch <uid>",
		Short: "Forward the traffic of uid into the firewall",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(e *env) error {
				return e.svc.Watch(cmd.Context(), state.WatchedApp{UID: uid, Name: name})
			})
		},
	}
	watch.Flags().StringVar(&name, "name", "", "Display name of the app")

	unwatch := &cobra.Command{
		Use:   "unwatch <uid>",
		Short: "Stop forwarding the traffic of uid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := parseUID(args[0])
			if err != nil {
				return err
			}
			return opts.withEnv(cmd, func(e *env) error {
				return e.svc.Unwatch(cmd.Context(), uid)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List watched apps and whether they are forwarded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				apps, err := e.svc.Watched(cmd.Context())
				if err != nil {
					return err
				}
				if e.json {
					return printJSON(e.out, apps)
				}
				tw := newTable(e.out)
				fmt.Fprintln(tw, "UID\tNAME\tSOURCE\tFORWARDED")
				for _, a := range apps {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%t\n", a.UID, a.Name, appSource(a), a.Forwarded)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(watch, unwatch, list)
	return cmd
}

func parseUID(s string) (int, error) {
	uid, err := strconv.Atoi(s)
	if err != nil || uid < 0 {
		return 0, errors.Errorf(errors.KindValidation, "invalid uid %q", s)
	}
	return uid, nil
}
