package netfilter

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/coreos/go-iptables/iptables"

	"grimm.is/appwall/internal/errors"
)

// driver is the subset of *iptables.IPTables the port uses.
type driver interface {
	Exists(table, chain string, rulespec ...string) (bool, error)
	Append(table, chain string, rulespec ...string) error
	AppendUnique(table, chain string, rulespec ...string) error
	Delete(table, chain string, rulespec ...string) error
	DeleteIfExists(table, chain string, rulespec ...string) error
	NewChain(table, chain string) error
	ClearChain(table, chain string) error
	DeleteChain(table, chain string) error
	ChainExists(table, chain string) (bool, error)
}

// IPTablesOptions configures the iptables-backed port.
type IPTablesOptions struct {
	// Path to the iptables binary. Empty means look it up in $PATH.
	Path string
	// WaitSeconds is passed as -w so concurrent xtables users do not fail us.
	WaitSeconds int
	// Runner executes listing commands. Defaults to DefaultCommandRunner.
	Runner CommandRunner
}

// IPTables is the Port backed by the iptables CLI.
type IPTables struct {
	ipt    driver
	path   string
	wait   int
	runner CommandRunner
}

// NewIPTables creates a port for the IPv4 filter table.
func NewIPTables(opts IPTablesOptions) (*IPTables, error) {
	path := opts.Path
	if path == "" {
		found, err := exec.LookPath("iptables")
		if err != nil {
			return nil, errors.Wrap(err, errors.KindCall, "iptables binary not found")
		}
		path = found
	}

	ipt, err := iptables.New(
		iptables.IPFamily(iptables.ProtocolIPv4),
		iptables.Timeout(opts.WaitSeconds),
		iptables.Path(path),
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCall, "initialize iptables")
	}

	return newIPTables(ipt, path, opts.WaitSeconds, opts.Runner), nil
}

func newIPTables(ipt driver, path string, wait int, runner CommandRunner) *IPTables {
	if runner == nil {
		runner = DefaultCommandRunner
	}
	return &IPTables{ipt: ipt, path: path, wait: wait, runner: runner}
}

// classify turns a go-iptables or exec error into a typed fault.
func classify(cmd Command, err error) error {
	if err == nil {
		return nil
	}

	var ipErr *iptables.Error
	if errors.As(err, &ipErr) {
		var cause error = ipErr
		if ipErr.IsNotExist() {
			cause = fmt.Errorf("%w: %v", ErrNotExist, ipErr)
		}
		fault := errors.Wrapf(cause, errors.KindNonZeroResult, "iptables %s", cmd)
		return errors.Attr(fault, "exit_status", ipErr.ExitStatus())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		fault := errors.Wrapf(err, errors.KindNonZeroResult, "iptables %s", cmd)
		return errors.Attr(fault, "exit_status", exitErr.ExitCode())
	}

	return errors.Wrapf(err, errors.KindCall, "iptables %s", cmd)
}

func (p *IPTables) ChainAdd(chain string) error {
	return classify(Command{Op: OpChainAdd, Chain: chain}, p.ipt.NewChain(Table, chain))
}

func (p *IPTables) ChainRemove(chain string) error {
	return classify(Command{Op: OpChainRemove, Chain: chain}, p.ipt.DeleteChain(Table, chain))
}

func (p *IPTables) ChainExists(chain string) (bool, error) {
	ok, err := p.ipt.ChainExists(Table, chain)
	return ok, classify(Command{Op: OpChainExists, Chain: chain}, err)
}

func (p *IPTables) RuleAdd(chain string, spec Spec) error {
	return classify(Command{Op: OpRuleAdd, Chain: chain, Spec: spec}, p.ipt.Append(Table, chain, spec...))
}

func (p *IPTables) RuleAddIfMissing(chain string, spec Spec) error {
	return classify(Command{Op: OpRuleAddIfMissing, Chain: chain, Spec: spec}, p.ipt.AppendUnique(Table, chain, spec...))
}

func (p *IPTables) RuleDelete(chain string, spec Spec) error {
	return classify(Command{Op: OpRuleDelete, Chain: chain, Spec: spec}, p.ipt.Delete(Table, chain, spec...))
}

func (p *IPTables) RuleDeleteIfExists(chain string, spec Spec) error {
	return classify(Command{Op: OpRuleDeleteIfExists, Chain: chain, Spec: spec}, p.ipt.DeleteIfExists(Table, chain, spec...))
}

func (p *IPTables) RuleExists(chain string, spec Spec) (bool, error) {
	ok, err := p.ipt.Exists(Table, chain, spec...)
	return ok, classify(Command{Op: OpRuleExists, Chain: chain, Spec: spec}, err)
}

// RulesDeleteAll flushes chain. Callers check existence first: iptables
// creates a missing chain on flush.
func (p *IPTables) RulesDeleteAll(chain string) error {
	return classify(Command{Op: OpRulesDeleteAll, Chain: chain}, p.ipt.ClearChain(Table, chain))
}

func (p *IPTables) DumpRules(chain string, resolveNames, resolveInterfaces bool) (string, error) {
	args := []string{"-t", Table}
	if p.wait > 0 {
		args = append(args, "-w", strconv.Itoa(p.wait))
	}
	args = append(args, "-L", chain, "--line-numbers")
	if !resolveNames {
		args = append(args, "-n")
	}
	if resolveInterfaces {
		args = append(args, "-v")
	}

	out, err := p.runner.Output(p.path, args...)
	if err != nil {
		return "", classify(Command{Op: OpDumpRules, Chain: chain}, err)
	}
	return string(out), nil
}
