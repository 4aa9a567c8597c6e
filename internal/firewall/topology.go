package firewall

import (
	"context"

	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/netfilter"
)

// Topology builds and tears down the managed chain graph.
//
// Dependency order is ROOT -> PREFILTER -> MAIN -> device chains -> terminal
// chains. A chain is only removed once every jump into it is gone, so
// teardown walks that order front to back after unhooking the root chains.
type Topology struct {
	port   netfilter.Port
	chains Chains
	opts   Options
	logger *logging.Logger
}

// NewTopology creates a topology manager over port.
func NewTopology(port netfilter.Port, opts Options, logger *logging.Logger) *Topology {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Topology{
		port:   port,
		chains: NewChains(opts.Prefix),
		opts:   opts,
		logger: logger.WithComponent("topology"),
	}
}

// Chains returns the managed chain names.
func (t *Topology) Chains() Chains {
	return t.chains
}

// Enable installs the full topology with the interactive default. It runs
// Disable first, so it is idempotent and starts from a clean baseline.
// The first failing primitive aborts; the next Disable cleans up.
func (t *Topology) Enable(ctx context.Context) error {
	if err := t.Disable(ctx, false); err != nil {
		return err
	}

	c := t.chains
	for _, name := range []string{c.Accept, c.Reject, c.Interactive, c.Wifi, c.Cellular, c.Main, c.Prefilter} {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.port.ChainAdd(name); err != nil {
			return err
		}
	}

	rules := terminalRules(c, t.opts)
	rules = append(rules, mainRules(c, t.opts)...)
	rules = append(rules, defaultJump(c, InteractiveUnmatched))
	rules = append(rules, rootJumps(c, t.opts.Protocols)...)
	for _, p := range rules {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := t.port.RuleAdd(p.Chain, p.Spec); err != nil {
			return err
		}
	}

	t.logger.Info("topology enabled", "chains", len(c.Managed()), "rules", len(rules))
	return nil
}

// Disable removes every managed chain and the root jumps into them. It is
// safe to run from any partial state: each step checks existence first.
func (t *Topology) Disable(ctx context.Context, logBeforeAfter bool) error {
	if logBeforeAfter {
		t.logDump("before disable")
	}

	c := t.chains
	prefilter, err := t.port.ChainExists(c.Prefilter)
	if err != nil {
		return err
	}
	if prefilter {
		// Sweep every known protocol so hooks left by an older protocol
		// set do not pin the prefilter chain.
		for _, p := range rootJumps(c, Protocols) {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := t.removeIfPresent(p); err != nil {
				return err
			}
		}
	}

	for _, name := range c.Managed() {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := t.port.ChainExists(name)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if err := t.port.RulesDeleteAll(name); err != nil {
			return err
		}
		if err := t.port.ChainRemove(name); err != nil {
			return err
		}
	}

	if logBeforeAfter {
		t.logDump("after disable")
	}
	t.logger.Info("topology disabled")
	return nil
}

func (t *Topology) removeIfPresent(p Primitive) error {
	exists, err := t.port.RuleExists(p.Chain, p.Spec)
	if err != nil || !exists {
		return err
	}
	return t.port.RuleDelete(p.Chain, p.Spec)
}

// Installed reports whether every managed chain exists. Root jumps are not
// checked: a paused firewall is still installed.
func (t *Topology) Installed() (bool, error) {
	for _, name := range t.chains.Managed() {
		exists, err := t.port.ChainExists(name)
		if err != nil || !exists {
			return false, err
		}
	}
	return true, nil
}

// IsRoutingEnabled reports whether every root jump is installed.
func (t *Topology) IsRoutingEnabled() (bool, error) {
	exists, err := t.port.ChainExists(t.chains.Prefilter)
	if err != nil || !exists {
		return false, err
	}
	for _, p := range rootJumps(t.chains, t.opts.Protocols) {
		ok, err := t.port.RuleExists(p.Chain, p.Spec)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// SetRoutingEnabled adds or removes only the root jumps, pausing or
// resuming interception while the rest of the topology stays in place.
func (t *Topology) SetRoutingEnabled(ctx context.Context, enabled bool) error {
	for _, p := range rootJumps(t.chains, t.opts.Protocols) {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if enabled {
			err = t.port.RuleAddIfMissing(p.Chain, p.Spec)
		} else {
			err = t.port.RuleDeleteIfExists(p.Chain, p.Spec)
		}
		if err != nil {
			return err
		}
	}
	t.logger.Info("routing toggled", "enabled", enabled)
	return nil
}

// Dump renders the root hooks and every existing managed chain.
func (t *Topology) Dump(resolveNames, resolveInterfaces bool) (string, error) {
	names := append([]string{netfilter.ChainInput, netfilter.ChainOutput}, t.chains.Managed()...)
	var out string
	for _, name := range names {
		exists, err := t.port.ChainExists(name)
		if err != nil {
			return "", err
		}
		if !exists {
			continue
		}
		text, err := t.port.DumpRules(name, resolveNames, resolveInterfaces)
		if err != nil {
			return "", err
		}
		out += text + "\n"
	}
	return out, nil
}

func (t *Topology) logDump(stage string) {
	dump, err := t.Dump(false, true)
	if err != nil {
		t.logger.Warn("rule dump failed", "stage", stage, "error", err)
		return
	}
	t.logger.Info("rule dump", "stage", stage, "rules", dump)
}
