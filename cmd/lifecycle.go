package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/service"
)

func newEnableCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "enable",
		Short: "Install the firewall and restore watched apps, rules and the default policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				if err := e.svc.Enable(cmd.Context(), e.progress()); err != nil {
					return err
				}
				fmt.Fprintln(e.out, "firewall enabled")
				return nil
			})
		},
	}
}

func newDisableCmd(opts *globalOptions) *cobra.Command {
	retry := service.DefaultRetryConfig()
	cmd := &cobra.Command{
		Use:   "disable",
		Short: "Remove every managed chain; persisted state is kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				if err := e.svc.DisableWithRetry(cmd.Context(), retry, e.progress()); err != nil {
					return err
				}
				fmt.Fprintln(e.out, "firewall disabled")
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&retry.MaxAttempts, "attempts", retry.MaxAttempts, "Attempts before giving up on a failing teardown")
	return cmd
}

func newPauseCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop diverting traffic while keeping the rules installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				return e.svc.Pause(cmd.Context())
			})
		},
	}
}

func newResumeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Divert traffic into the installed rules again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				return e.svc.Resume(cmd.Context())
			})
		},
	}
}

func newDumpCmd(opts *globalOptions) *cobra.Command {
	var numeric bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the hooks and every managed chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				out, err := e.svc.Dump(!numeric, !numeric)
				if err != nil {
					return err
				}
				fmt.Fprint(e.out, out)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&numeric, "numeric", false, "Do not resolve host, port and interface names")
	return cmd
}

func newAuditCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check the kernel table against the expected topology and rules",
		Long: `audit re-derives every rule the firewall should have installed (the
structural chains, the forwarding pair of each watched app and the rules
applied in this process) and probes each one. It exits non-zero when
something is missing.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.withEnv(cmd, func(e *env) error {
				report, err := e.svc.Audit()
				if err != nil {
					return err
				}
				if e.json {
					if err := printJSON(e.out, report); err != nil {
						return err
					}
				} else {
					printAudit(e, report)
				}
				if !report.Consistent() {
					return fmt.Errorf("%d of %d expected rules missing", len(report.Missing), report.Checked)
				}
				return nil
			})
		},
	}
}

func printAudit(e *env, r *firewall.AuditReport) {
	mode := r.DefaultMode
	if mode == "" {
		mode = "(none)"
	}
	sty := newStyles(e.out)
	missing := sty.good.Render("0")
	if n := len(r.Missing); n > 0 {
		missing = sty.bad.Render(fmt.Sprint(n))
	}
	fmt.Fprintf(e.out, "checked:      %d\n", r.Checked)
	fmt.Fprintf(e.out, "missing:      %s\n", missing)
	fmt.Fprintf(e.out, "default mode: %s\n", mode)
	for _, p := range r.Missing {
		fmt.Fprintf(e.out, "  %s %s\n", sty.bad.Render("missing"), p)
	}
	if r.Diff != "" {
		fmt.Fprintln(e.out)
		fmt.Fprint(e.out, r.Diff)
	}
}
