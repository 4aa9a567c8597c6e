package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/service"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the firewall is installed, the default policy and watched apps",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				st, err := e.svc.Status(cmd.Context())
				if err != nil {
					return err
				}
				if e.json {
					return printJSON(e.out, st)
				}
				printStatus(e, st)
				return nil
			})
		},
	}
}

func printStatus(e *env, st *service.Status) {
	sty := newStyles(e.out)
	state := sty.muted.Render("NOT INSTALLED")
	switch {
	case st.Installed && st.RoutingEnabled:
		state = sty.good.Render("RUNNING")
	case st.Installed:
		state = sty.warn.Render("PAUSED")
	}

	fmt.Fprintf(e.out, "Status:   %s\n", state)
	if st.PolicyError != "" {
		fmt.Fprintf(e.out, "Policy:   %s (%s)\n", sty.bad.Render("unknown"), st.PolicyError)
	} else {
		fmt.Fprintf(e.out, "Policy:   %s (%s)\n", st.DefaultMode, st.PolicySource)
	}
	fmt.Fprintf(e.out, "Rules:    %d stored, %d applied\n", st.StoredRules, st.RegisteredRules)
	fmt.Fprintln(e.out)

	fmt.Fprintln(e.out, sty.title.Render(fmt.Sprintf("Watched apps (%d, %d forwarded):", len(st.Watched), st.Forwarded())))
	if len(st.Watched) > 0 {
		tw := newTable(e.out)
		fmt.Fprintln(tw, "  UID\tNAME\tSOURCE\tFORWARDED")
		for _, a := range st.Watched {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%t\n", a.UID, a.Name, appSource(a), a.Forwarded)
		}
		tw.Flush()
	}

	if len(st.Interfaces) > 0 {
		fmt.Fprintln(e.out)
		fmt.Fprintln(e.out, sty.title.Render("Interfaces:"))
		tw := newTable(e.out)
		for _, iface := range st.Interfaces {
			class := iface.Class
			if class == "" {
				class = "-"
			}
			link := "down"
			if iface.Up {
				link = "up"
			}
			fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", iface.Name, class, link, iface.Pattern)
		}
		tw.Flush()
	}
}

func appSource(a service.AppStatus) string {
	if a.Configured {
		return "config"
	}
	return "state"
}
