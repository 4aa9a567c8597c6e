package netfilter

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"grimm.is/appwall/internal/errors"
)

// builtinTargets are jump targets that are not chains.
var builtinTargets = map[string]bool{
	"ACCEPT": true, "DROP": true, "REJECT": true, "RETURN": true,
	"QUEUE": true, "NFQUEUE": true, "MARK": true, "CONNMARK": true,
	"LOG": true, "DNAT": true, "SNAT": true, "MASQUERADE": true, "REDIRECT": true,
}

// MemoryTable is an in-process filter table with iptables semantics:
// built-in hooks always exist, jumps must target an existing chain, a chain
// can only be removed once it is empty and unreferenced, and rules are
// matched by exact clause equality.
//
// It backs dry runs and every engine test.
type MemoryTable struct {
	mu      sync.Mutex
	chains  map[string][]Spec
	builtin map[string]bool

	// FailOn, when set, is consulted before each command; a non-nil return
	// is reported as a KindNonZeroResult fault without touching the table.
	FailOn func(cmd Command) error
}

// NewMemoryTable returns a table holding only the built-in hooks.
func NewMemoryTable() *MemoryTable {
	t := &MemoryTable{
		chains:  make(map[string][]Spec),
		builtin: map[string]bool{ChainInput: true, ChainOutput: true, ChainForward: true},
	}
	for name := range t.builtin {
		t.chains[name] = nil
	}
	return t
}

func refused(cmd Command, msg string) error {
	return errors.Errorf(errors.KindNonZeroResult, "iptables %s: %s", cmd, msg)
}

func missing(cmd Command, msg string) error {
	return errors.Wrapf(fmt.Errorf("%w: %s", ErrNotExist, msg), errors.KindNonZeroResult, "iptables %s", cmd)
}

func (t *MemoryTable) inject(cmd Command) error {
	if t.FailOn == nil {
		return nil
	}
	if err := t.FailOn(cmd); err != nil {
		if errors.GetKind(err) == errors.KindUnknown {
			return errors.Wrapf(err, errors.KindNonZeroResult, "iptables %s", cmd)
		}
		return err
	}
	return nil
}

func (t *MemoryTable) checkRule(cmd Command) error {
	if _, ok := t.chains[cmd.Chain]; !ok {
		return missing(cmd, "No chain/target/match by that name")
	}
	target := cmd.Spec.Target()
	if target == "" || builtinTargets[target] {
		return nil
	}
	if _, ok := t.chains[target]; !ok {
		return refused(cmd, fmt.Sprintf("Couldn't load target `%s'", target))
	}
	return nil
}

func (t *MemoryTable) index(chain string, spec Spec) int {
	for i, r := range t.chains[chain] {
		if r.Equal(spec) {
			return i
		}
	}
	return -1
}

func (t *MemoryTable) references(chain string) int {
	n := 0
	for _, rules := range t.chains {
		for _, r := range rules {
			if r.Target() == chain {
				n++
			}
		}
	}
	return n
}

func (t *MemoryTable) ChainAdd(chain string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpChainAdd, Chain: chain}
	if err := t.inject(cmd); err != nil {
		return err
	}
	if _, ok := t.chains[chain]; ok {
		return refused(cmd, "Chain already exists.")
	}
	t.chains[chain] = nil
	return nil
}

func (t *MemoryTable) ChainRemove(chain string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpChainRemove, Chain: chain}
	if err := t.inject(cmd); err != nil {
		return err
	}
	rules, ok := t.chains[chain]
	switch {
	case !ok:
		return missing(cmd, "No chain/target/match by that name")
	case t.builtin[chain]:
		return refused(cmd, "Can't delete built-in chain")
	case len(rules) > 0:
		return refused(cmd, "Directory not empty")
	case t.references(chain) > 0:
		return refused(cmd, "Too many links")
	}
	delete(t.chains, chain)
	return nil
}

func (t *MemoryTable) ChainExists(chain string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.inject(Command{Op: OpChainExists, Chain: chain}); err != nil {
		return false, err
	}
	_, ok := t.chains[chain]
	return ok, nil
}

func (t *MemoryTable) RuleAdd(chain string, spec Spec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpRuleAdd, Chain: chain, Spec: spec}
	if err := t.inject(cmd); err != nil {
		return err
	}
	if err := t.checkRule(cmd); err != nil {
		return err
	}
	t.chains[chain] = append(t.chains[chain], append(Spec(nil), spec...))
	return nil
}

func (t *MemoryTable) RuleAddIfMissing(chain string, spec Spec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpRuleAddIfMissing, Chain: chain, Spec: spec}
	if err := t.inject(cmd); err != nil {
		return err
	}
	if err := t.checkRule(cmd); err != nil {
		return err
	}
	if t.index(chain, spec) < 0 {
		t.chains[chain] = append(t.chains[chain], append(Spec(nil), spec...))
	}
	return nil
}

func (t *MemoryTable) RuleDelete(chain string, spec Spec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpRuleDelete, Chain: chain, Spec: spec}
	if err := t.inject(cmd); err != nil {
		return err
	}
	if err := t.checkRule(cmd); err != nil {
		return err
	}
	i := t.index(chain, spec)
	if i < 0 {
		return missing(cmd, "Bad rule (does a matching rule exist in that chain?)")
	}
	t.chains[chain] = append(t.chains[chain][:i], t.chains[chain][i+1:]...)
	return nil
}

func (t *MemoryTable) RuleDeleteIfExists(chain string, spec Spec) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpRuleDeleteIfExists, Chain: chain, Spec: spec}
	if err := t.inject(cmd); err != nil {
		return err
	}
	if err := t.checkRule(cmd); err != nil {
		return err
	}
	if i := t.index(chain, spec); i >= 0 {
		t.chains[chain] = append(t.chains[chain][:i], t.chains[chain][i+1:]...)
	}
	return nil
}

func (t *MemoryTable) RuleExists(chain string, spec Spec) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpRuleExists, Chain: chain, Spec: spec}
	if err := t.inject(cmd); err != nil {
		return false, err
	}
	if err := t.checkRule(cmd); err != nil {
		return false, err
	}
	return t.index(chain, spec) >= 0, nil
}

func (t *MemoryTable) RulesDeleteAll(chain string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpRulesDeleteAll, Chain: chain}
	if err := t.inject(cmd); err != nil {
		return err
	}
	if _, ok := t.chains[chain]; !ok {
		return missing(cmd, "No chain/target/match by that name")
	}
	t.chains[chain] = nil
	return nil
}

func (t *MemoryTable) DumpRules(chain string, resolveNames, resolveInterfaces bool) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd := Command{Op: OpDumpRules, Chain: chain}
	if err := t.inject(cmd); err != nil {
		return "", err
	}
	rules, ok := t.chains[chain]
	if !ok {
		return "", missing(cmd, "No chain/target/match by that name")
	}

	var b strings.Builder
	if t.builtin[chain] {
		fmt.Fprintf(&b, "Chain %s (policy ACCEPT)\n", chain)
	} else {
		fmt.Fprintf(&b, "Chain %s (%d references)\n", chain, t.references(chain))
	}
	for i, r := range rules {
		fmt.Fprintf(&b, "%-4d %s\n", i+1, r)
	}
	return b.String(), nil
}

// Rules returns a copy of the rules of chain, or nil if it does not exist.
func (t *MemoryTable) Rules(chain string) []Spec {
	t.mu.Lock()
	defer t.mu.Unlock()
	rules, ok := t.chains[chain]
	if !ok {
		return nil
	}
	out := make([]Spec, len(rules))
	for i, r := range rules {
		out[i] = append(Spec(nil), r...)
	}
	return out
}

// Count returns how many rules of chain equal spec.
func (t *MemoryTable) Count(chain string, spec Spec) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, r := range t.chains[chain] {
		if r.Equal(spec) {
			n++
		}
	}
	return n
}

// Chains returns the names of all user-defined chains, sorted.
func (t *MemoryTable) Chains() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var names []string
	for name := range t.chains {
		if !t.builtin[name] {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Snapshot returns every chain rendered as rule strings.
func (t *MemoryTable) Snapshot() map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string][]string, len(t.chains))
	for name, rules := range t.chains {
		lines := make([]string, 0, len(rules))
		for _, r := range rules {
			lines = append(lines, r.String())
		}
		out[name] = lines
	}
	return out
}
