package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/device"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/health"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/netfilter"
	"grimm.is/appwall/internal/service"
	"grimm.is/appwall/internal/state"
)

// env is everything a command needs to talk to the firewall.
type env struct {
	cfg     *config.Config
	logger  *logging.Logger
	port    netfilter.Port
	store   *state.SQLiteStore
	devices *device.Manager
	svc     *service.Service
	metrics *metrics.Registry
	out     io.Writer
	json    bool
}

// open loads the config and wires the port, the engine, the store and the
// service. Engines of concurrent appwall processes share a file lock on
// cfg.LockPath. In dry-run mode the port is an empty in-memory table
// echoing every mutating command, state lives in memory and no file lock
// is taken.
func (o *globalOptions) open(cmd *cobra.Command) (*env, error) {
	cfg, logger, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	out := cmd.OutOrStdout()

	var port netfilter.Port
	var lock netfilter.TableLock
	statePath := cfg.StatePath
	if o.dryRun {
		port = netfilter.Observe(netfilter.NewMemoryTable(), netfilter.ObserverFuncs{
			Before: func(c netfilter.Command) {
				if c.Mutating() {
					fmt.Fprintf(out, "iptables %s\n", c)
				}
			},
		})
		statePath = ":memory:"
	} else {
		if err := requireRoot(); err != nil {
			return nil, err
		}
		ipt, err := netfilter.NewIPTables(netfilter.IPTablesOptions{
			Path:        cfg.IPTables.Path,
			WaitSeconds: cfg.IPTables.WaitSeconds,
		})
		if err != nil {
			return nil, err
		}
		port = ipt
		if err := os.MkdirAll(filepath.Dir(statePath), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.LockPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create lock directory: %w", err)
		}
		lock = netfilter.NewFileLock(cfg.LockPath, netfilter.DefaultLockTimeout)
	}

	reg := metrics.Get()
	port = netfilter.Instrument(port, reg)

	storeOpts := state.DefaultOptions(statePath)
	storeOpts.Logger = logger
	store, err := state.NewSQLiteStore(storeOpts)
	if err != nil {
		return nil, err
	}
	buckets, err := state.OpenBuckets(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	fwOpts := cfg.FirewallOptions()
	engine := firewall.NewEngine(port, fwOpts, logger)
	engine.SetTelemetry(reg)
	if lock != nil {
		engine.SetTableLock(lock)
	}
	devices := device.NewManager(nil, fwOpts, logger)

	svc := service.New(cfg, engine, buckets, devices, logger)
	if _, err := svc.Recover(); err != nil {
		logger.Warn("failed to recover applied rules", "error", err)
	}

	return &env{
		cfg:     cfg,
		logger:  logger,
		port:    port,
		store:   store,
		devices: devices,
		svc:     svc,
		metrics: reg,
		out:     out,
		json:    o.jsonOutput,
	}, nil
}

// checker registers the probes served by the run command and printed by
// the health command.
func (e *env) checker() *health.Checker {
	c := health.NewChecker()
	c.Register("iptables", health.PortCheck(e.port))
	c.Register("firewall", health.FirewallCheck(e.svc.Engine()))
	c.Register("state", health.StoreCheck(e.store))
	c.Register("interfaces", health.InterfaceCheck(e.devices))
	return c
}

func (e *env) Close() error {
	return e.store.Close()
}

// withEnv opens an env for the duration of fn.
func (o *globalOptions) withEnv(cmd *cobra.Command, fn func(e *env) error) error {
	e, err := o.open(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(e)
}

// progress logs each command at debug level.
func (e *env) progress() service.ProgressFuncs {
	log := e.logger.WithComponent("cli")
	return service.ProgressFuncs{
		After: func(c netfilter.Command, err error) {
			if err != nil {
				log.Debug("command failed", "command", c.String(), "error", err)
				return
			}
			log.Debug("command", "command", c.String())
		},
		BeforeRestore: func(total int) {
			if total > 0 {
				log.Info("restoring watched apps", "count", total)
			}
		},
		BeforePolicy: func(m firewall.DefaultMode) {
			log.Info("applying default policy", "mode", m.String())
		},
	}
}
