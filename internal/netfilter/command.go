package netfilter

import (
	"fmt"
	"time"

	"grimm.is/appwall/internal/errors"
)

// Op names a Port operation.
type Op string

const (
	OpChainAdd           Op = "chain_add"
	OpChainRemove        Op = "chain_remove"
	OpChainExists        Op = "chain_exists"
	OpRuleAdd            Op = "rule_add"
	OpRuleAddIfMissing   Op = "rule_add_if_missing"
	OpRuleDelete         Op = "rule_delete"
	OpRuleDeleteIfExists Op = "rule_delete_if_exists"
	OpRuleExists         Op = "rule_exists"
	OpRulesDeleteAll     Op = "rules_delete_all"
	OpDumpRules          Op = "dump_rules"
)

// Command describes one Port call for progress reporting.
type Command struct {
	Op    Op
	Chain string
	Spec  Spec
}

// Mutating reports whether the command changes the table.
func (c Command) Mutating() bool {
	switch c.Op {
	case OpChainExists, OpRuleExists, OpDumpRules:
		return false
	}
	return true
}

// String renders the command the way iptables arguments read.
func (c Command) String() string {
	switch c.Op {
	case OpChainAdd:
		return "-N " + c.Chain
	case OpChainRemove:
		return "-X " + c.Chain
	case OpChainExists:
		return "-S " + c.Chain
	case OpRuleAdd, OpRuleAddIfMissing:
		return fmt.Sprintf("-A %s %s", c.Chain, c.Spec)
	case OpRuleDelete, OpRuleDeleteIfExists:
		return fmt.Sprintf("-D %s %s", c.Chain, c.Spec)
	case OpRuleExists:
		return fmt.Sprintf("-C %s %s", c.Chain, c.Spec)
	case OpRulesDeleteAll:
		return "-F " + c.Chain
	case OpDumpRules:
		return "-L " + c.Chain
	}
	return string(c.Op) + " " + c.Chain
}

// Observer receives a notification before and after every command.
type Observer interface {
	CommandBefore(cmd Command)
	CommandAfter(cmd Command, err error)
}

// ObserverFuncs adapts plain funcs to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Before func(cmd Command)
	After  func(cmd Command, err error)
}

func (o ObserverFuncs) CommandBefore(cmd Command) {
	if o.Before != nil {
		o.Before(cmd)
	}
}

func (o ObserverFuncs) CommandAfter(cmd Command, err error) {
	if o.After != nil {
		o.After(cmd, err)
	}
}

// Recorder receives the outcome and latency of every command.
type Recorder interface {
	ObserveCommand(op Op, d time.Duration, err error)
}

// Result classifies a command error for metrics labels.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsNotExist(err):
		return "not_exist"
	case errors.HasKind(err, errors.KindCall):
		return "call_fault"
	case errors.HasKind(err, errors.KindNonZeroResult):
		return "non_zero_result"
	}
	return "error"
}
