// Package cmd implements the appwall command line.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/logging"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configFile string
	logLevel   string
	logJSON    bool
	dryRun     bool
	statePath  string
	jsonOutput bool

	syslog *logging.SyslogWriter
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   brand.BinaryName,
		Short: brand.Description,
		Long: brand.Name + ` forwards the traffic of watched apps through a chain graph of
iptables rules and lets per-app rules accept, reject or queue it for an
interactive verdict.`,
		Version:       brand.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentPostRun = func(*cobra.Command, []string) { opts.closeLog() }
	root.SetVersionTemplate(fmt.Sprintf("%s {{.Version}} (%s)\n", brand.Name, brand.GitCommit))

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", config.DefaultPath, "Configuration file")
	flags.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	flags.BoolVar(&opts.logJSON, "log-json", false, "Log as JSON")
	flags.BoolVarP(&opts.dryRun, "dry-run", "n", false, "Print filter commands against an empty in-memory table instead of applying them")
	flags.StringVar(&opts.statePath, "state", "", "State database path; overrides the config file")
	flags.BoolVar(&opts.jsonOutput, "json", false, "Print results as JSON")

	root.AddCommand(
		newEnableCmd(opts),
		newDisableCmd(opts),
		newPauseCmd(opts),
		newResumeCmd(opts),
		newStatusCmd(opts),
		newPolicyCmd(opts),
		newAppCmd(opts),
		newRuleCmd(opts),
		newRedirectCmd(opts),
		newDumpCmd(opts),
		newAuditCmd(opts),
		newSimulateCmd(opts),
		newRunCmd(opts),
		newConfigCmd(opts),
		newHealthCmd(opts),
	)
	return root
}

// loadConfig reads the config file and applies the logging overrides of
// the global flags.
func (o *globalOptions) loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.LoadFile(o.configFile)
	if err != nil {
		return nil, nil, err
	}
	if o.statePath != "" {
		cfg.StatePath = o.statePath
	}

	lvl, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = lvl
	logCfg.JSON = cfg.Logging.JSON || o.logJSON
	if sl := cfg.Logging.Syslog; sl != nil && o.syslog == nil {
		w, err := logging.NewSyslogWriter(syslogConfig(sl))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		} else {
			o.syslog = w
		}
	}
	if o.syslog != nil {
		logCfg.Output = io.MultiWriter(os.Stderr, o.syslog)
	}
	logger := logging.New(logCfg)
	if o.logLevel != "" {
		lvl, err := logging.ParseLevel(o.logLevel)
		if err != nil {
			return nil, nil, err
		}
		logger.SetLevel(lvl)
	}
	logging.SetDefault(logger)
	return cfg, logger, nil
}

func syslogConfig(sl *config.Syslog) logging.SyslogConfig {
	out := logging.DefaultSyslogConfig()
	out.Enabled = true
	out.Host = sl.Host
	if sl.Port != 0 {
		out.Port = sl.Port
	}
	if sl.Protocol != "" {
		out.Protocol = sl.Protocol
	}
	if sl.Tag != "" {
		out.Tag = sl.Tag
	}
	if sl.Facility != 0 {
		out.Facility = sl.Facility
	}
	return out
}

func (o *globalOptions) closeLog() {
	if o.syslog != nil {
		o.syslog.Close()
		o.syslog = nil
	}
}
