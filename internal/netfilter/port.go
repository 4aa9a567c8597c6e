// Package netfilter is the only place where filter-table state changes.
//
// A [Port] executes single iptables mutations and probes against the filter
// table. [IPTables] drives the real kernel through the iptables CLI,
// [MemoryTable] emulates the same semantics in-process for tests and dry runs.
// [Observe] and [Instrument] wrap any Port to report each command.
package netfilter

import (
	"strings"

	"grimm.is/appwall/internal/errors"
)

// Table is the filter table every managed chain lives in.
const Table = "filter"

// Built-in hooks owned by the kernel.
const (
	ChainInput   = "INPUT"
	ChainOutput  = "OUTPUT"
	ChainForward = "FORWARD"
)

// ErrNotExist is wrapped into faults reporting a missing rule or chain.
var ErrNotExist = errors.New(errors.KindNotFound, "rule or chain does not exist")

// Spec is a rule specification: the clauses that follow the chain name.
type Spec []string

// ParseSpec splits a space-joined rule specification into clauses.
func ParseSpec(s string) Spec {
	return Spec(strings.Fields(s))
}

// String returns the space-joined wire form.
func (s Spec) String() string {
	return strings.Join(s, " ")
}

// Target returns the jump target (-j) of the rule, or "".
func (s Spec) Target() string {
	for i := 0; i < len(s)-1; i++ {
		if s[i] == "-j" || s[i] == "--jump" {
			return s[i+1]
		}
	}
	return ""
}

// Equal reports whether both specs have identical clauses.
func (s Spec) Equal(o Spec) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Port executes a single filter-table mutation or query.
//
// Every method fails with either a KindCall fault (the command could not be
// invoked) or a KindNonZeroResult fault (the filter subsystem refused it).
// Faults about missing rules or chains additionally wrap [ErrNotExist].
// Implementations never retry.
type Port interface {
	ChainAdd(chain string) error
	ChainRemove(chain string) error
	ChainExists(chain string) (bool, error)

	// RuleAdd appends spec to chain.
	RuleAdd(chain string, spec Spec) error
	// RuleAddIfMissing appends spec unless an identical rule exists.
	RuleAddIfMissing(chain string, spec Spec) error
	// RuleDelete removes the first rule equal to spec; missing is a fault.
	RuleDelete(chain string, spec Spec) error
	// RuleDeleteIfExists removes spec and treats a missing rule as success.
	RuleDeleteIfExists(chain string, spec Spec) error
	RuleExists(chain string, spec Spec) (bool, error)
	// RulesDeleteAll flushes every rule of chain.
	RulesDeleteAll(chain string) error

	// DumpRules renders chain as text. resolveNames enables reverse DNS and
	// service lookups, resolveInterfaces adds interface and counter columns.
	DumpRules(chain string, resolveNames, resolveInterfaces bool) (string, error)
}

// IsNotExist reports whether err reports a missing rule or chain.
func IsNotExist(err error) bool {
	return errors.Is(err, ErrNotExist)
}
