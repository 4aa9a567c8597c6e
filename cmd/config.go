package cmd

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/errors"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration file",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with defaults filled in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return printJSON(cmd.OutOrStdout(), cfg)
			}
			_, err = cmd.OutOrStdout().Write(config.Render(cfg))
			return err
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [file]",
		Short: "Check a configuration file without touching the firewall",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configFile
			if len(args) == 1 {
				path = args[0]
			}
			if !strings.HasSuffix(path, ".json") {
				src, err := os.ReadFile(path)
				if err != nil {
					return errors.Wrap(err, errors.KindValidation, "read config")
				}
				diags, err := config.ParseHCLWithDiagnostics(path, src)
				for _, d := range diags {
					fmt.Fprintf(cmd.OutOrStdout(), "%s:%d:%d: %s: %s\n", path, d.Line, d.Column, d.Severity, d.Summary)
				}
				if err != nil {
					return err
				}
			}
			if _, err := config.LoadFile(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
			return nil
		},
	})

	var write bool
	fmtCmd := &cobra.Command{
		Use:   "fmt [file]",
		Short: "Rewrite a configuration file in canonical HCL layout",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configFile
			if len(args) == 1 {
				path = args[0]
			}
			src, err := os.ReadFile(path)
			if err != nil {
				return errors.Wrap(err, errors.KindValidation, "read config")
			}
			out, err := config.FormatHCL(src)
			if err != nil {
				return err
			}
			if !write {
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			if bytes.Equal(src, out) {
				return nil
			}
			return os.WriteFile(path, out, 0o600)
		},
	}
	fmtCmd.Flags().BoolVarP(&write, "write", "w", false, "Write the result back to the file")
	cmd.AddCommand(fmtCmd)
	return cmd
}
