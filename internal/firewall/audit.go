package firewall

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"grimm.is/appwall/internal/errors"
)

// AuditReport compares the primitives the engine expects with the kernel.
type AuditReport struct {
	Checked int         `json:"checked"`
	Missing []Primitive `json:"missing,omitempty"`
	// DefaultMode is empty when no default jump was found.
	DefaultMode string `json:"default_mode,omitempty"`
	// Diff is a unified diff from expected to present primitives.
	Diff string `json:"diff,omitempty"`
}

// Consistent reports whether nothing expected is missing.
func (r *AuditReport) Consistent() bool {
	return len(r.Missing) == 0 && r.DefaultMode != ""
}

// Audit re-derives the structural topology, the forwarding pairs of
// watched and the registered rules, and probes each primitive.
func (e *Engine) Audit(watched ...int) (*AuditReport, error) {
	if err := e.lock.RLock(); err != nil {
		return nil, err
	}
	defer e.lock.RUnlock()

	c := e.chains
	var expected []Primitive
	expected = append(expected, rootJumps(c, e.opts.Protocols)...)
	expected = append(expected, mainRules(c, e.opts)...)
	expected = append(expected, terminalRules(c, e.opts)...)

	sorted := append([]int(nil), watched...)
	sort.Ints(sorted)
	for _, uid := range sorted {
		pair := forwardingPair(c, e.opts, uid)
		expected = append(expected, pair[0], pair[1])
	}

	for _, uid := range e.registry.Users() {
		for _, h := range e.registry.ForUser(uid) {
			expected = append(expected, h.Primitives...)
		}
	}

	report := &AuditReport{}
	exists := map[string]bool{}
	var present []string
	for _, p := range expected {
		ok, err := e.probe(p, exists)
		if err != nil {
			return nil, err
		}
		report.Checked++
		if ok {
			present = append(present, p.String())
		} else {
			report.Missing = append(report.Missing, p)
		}
	}

	mode, err := e.reconciler(nil).DefaultMode()
	switch {
	case err == nil:
		report.DefaultMode = mode.String()
	case errors.HasKind(err, errors.KindInconsistentState):
		report.Missing = append(report.Missing, defaultJump(c, InteractiveUnmatched))
	default:
		return nil, err
	}

	if len(report.Missing) > 0 {
		want := make([]string, 0, len(expected))
		for _, p := range expected {
			want = append(want, p.String())
		}
		diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(joinLines(want)),
			B:        difflib.SplitLines(joinLines(present)),
			FromFile: "expected",
			ToFile:   "kernel",
			Context:  1,
		})
		if err != nil {
			return nil, errors.Wrap(err, errors.KindInternal, "render audit diff")
		}
		report.Diff = diff
	}
	return report, nil
}

// probe checks p, treating a missing managed chain or jump target as a
// missing rule.
func (e *Engine) probe(p Primitive, exists map[string]bool) (bool, error) {
	for _, name := range []string{p.Chain, p.Spec.Target()} {
		if !e.managed(name) {
			continue
		}
		ok, seen := exists[name]
		if !seen {
			var err error
			if ok, err = e.port.ChainExists(name); err != nil {
				return false, err
			}
			exists[name] = ok
		}
		if !ok {
			return false, nil
		}
	}
	return e.port.RuleExists(p.Chain, p.Spec)
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (e *Engine) managed(name string) bool {
	for _, m := range e.chains.Managed() {
		if m == name {
			return true
		}
	}
	return false
}
