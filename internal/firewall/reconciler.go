package firewall

import (
	"context"
	"strconv"
	"strings"

	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/netfilter"
)

// DefaultMode is how packets matching no rule are handled. It is never
// stored: it is whichever terminal chain the trailing main-chain rule jumps to.
type DefaultMode int

const (
	AcceptAllUnmatched DefaultMode = iota
	RejectAllUnmatched
	InteractiveUnmatched
)

// DefaultModes lists every mode in probe order.
var DefaultModes = []DefaultMode{AcceptAllUnmatched, RejectAllUnmatched, InteractiveUnmatched}

// Policy returns the terminal policy the mode jumps to.
func (m DefaultMode) Policy() RulePolicy {
	switch m {
	case AcceptAllUnmatched:
		return PolicyAccept
	case RejectAllUnmatched:
		return PolicyBlock
	case InteractiveUnmatched:
		return PolicyInteractive
	}
	panic("firewall: unknown default mode " + strconv.Itoa(int(m)))
}

func (m DefaultMode) String() string {
	switch m {
	case AcceptAllUnmatched:
		return "accept"
	case RejectAllUnmatched:
		return "reject"
	case InteractiveUnmatched:
		return "interactive"
	}
	return "DefaultMode(" + strconv.Itoa(int(m)) + ")"
}

// ParseDefaultMode accepts accept, reject (or block) and interactive.
func ParseDefaultMode(s string) (DefaultMode, error) {
	switch strings.ToLower(s) {
	case "accept", "allow":
		return AcceptAllUnmatched, nil
	case "reject", "block":
		return RejectAllUnmatched, nil
	case "interactive", "ask", "":
		return InteractiveUnmatched, nil
	}
	return 0, errors.Errorf(errors.KindValidation, "unknown default mode %q", s)
}

// ForwardState is the derived forwarding state of one uid.
type ForwardState int

const (
	NotForwarded ForwardState = iota
	Forwarded
	// ForwardInconsistent means exactly one of the two primitives exists.
	ForwardInconsistent
)

func (s ForwardState) String() string {
	switch s {
	case NotForwarded:
		return "not_forwarded"
	case Forwarded:
		return "forwarded"
	case ForwardInconsistent:
		return "inconsistent"
	}
	return "ForwardState(" + strconv.Itoa(int(s)) + ")"
}

// Reconciler reads and writes state that only exists as rules in the
// kernel: the default mode and per-uid forwarding. Every read is a probe.
type Reconciler struct {
	port      netfilter.Port
	chains    Chains
	opts      Options
	logger    *logging.Logger
	telemetry Telemetry
}

// NewReconciler creates a reconciler over port.
func NewReconciler(port netfilter.Port, opts Options, logger *logging.Logger, telemetry Telemetry) *Reconciler {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Reconciler{
		port:      port,
		chains:    NewChains(opts.Prefix),
		opts:      opts,
		logger:    logger.WithComponent("reconciler"),
		telemetry: telemetry,
	}
}

// DefaultMode probes the accept, reject and interactive jumps in that order
// and returns the first one found.
func (r *Reconciler) DefaultMode() (DefaultMode, error) {
	exists, err := r.port.ChainExists(r.chains.Main)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, errors.Errorf(errors.KindInconsistentState, "chain %s does not exist", r.chains.Main)
	}

	for _, m := range DefaultModes {
		jump := defaultJump(r.chains, m)
		target, err := r.port.ChainExists(jump.Spec.Target())
		if err != nil {
			return 0, err
		}
		if !target {
			continue
		}
		ok, err := r.port.RuleExists(jump.Chain, jump.Spec)
		if err != nil {
			return 0, err
		}
		if ok {
			return m, nil
		}
	}
	return 0, errors.Errorf(errors.KindInconsistentState, "no default handling rule in chain %s", r.chains.Main)
}

// SetDefaultMode removes every default jump and appends the one for m.
// Setting the current mode again rewrites the rule, which repairs drift.
func (r *Reconciler) SetDefaultMode(ctx context.Context, m DefaultMode) error {
	want := defaultJump(r.chains, m)

	exists, err := r.port.ChainExists(r.chains.Main)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Errorf(errors.KindInconsistentState, "chain %s does not exist", r.chains.Main)
	}

	for _, mode := range DefaultModes {
		if err := ctx.Err(); err != nil {
			return err
		}
		jump := defaultJump(r.chains, mode)
		target, err := r.port.ChainExists(jump.Spec.Target())
		if err != nil {
			return err
		}
		if !target {
			continue
		}
		// Remove duplicates too; exactly one default jump may exist.
		for {
			ok, err := r.port.RuleExists(jump.Chain, jump.Spec)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if err := r.port.RuleDelete(jump.Chain, jump.Spec); err != nil {
				return err
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.port.RuleAdd(want.Chain, want.Spec); err != nil {
		return err
	}
	r.logger.Audit("set_default_mode", r.chains.Main, "mode", m.String())
	return nil
}

// ForwardingState counts the forwarding primitives of uid without repairing.
func (r *Reconciler) ForwardingState(uid int) (ForwardState, error) {
	exists, err := r.port.ChainExists(r.chains.Prefilter)
	if err != nil || !exists {
		return NotForwarded, err
	}
	if exists, err = r.port.ChainExists(r.chains.Main); err != nil || !exists {
		return NotForwarded, err
	}

	found := 0
	for _, p := range forwardingPair(r.chains, r.opts, uid) {
		ok, err := r.port.RuleExists(p.Chain, p.Spec)
		if err != nil {
			return NotForwarded, err
		}
		if ok {
			found++
		}
	}
	switch found {
	case 0:
		return NotForwarded, nil
	case 2:
		return Forwarded, nil
	}
	return ForwardInconsistent, nil
}

// IsForwarded reports whether uid's traffic is funneled into the main chain.
// A half-present pair is repaired by re-adding both primitives.
func (r *Reconciler) IsForwarded(ctx context.Context, uid int) (bool, error) {
	state, err := r.ForwardingState(uid)
	if err != nil {
		return false, err
	}
	switch state {
	case Forwarded:
		return true, nil
	case NotForwarded:
		return false, nil
	}

	r.logger.Warn("inconsistent forwarding rules, repairing", "uid", uid)
	r.telemetry.SelfHeal()
	if err := r.SetForwarded(ctx, uid, true); err != nil {
		return false, errors.Wrapf(err, errors.KindInconsistentState, "repair forwarding for uid %d", uid)
	}
	return true, nil
}

// SetForwarded adds or removes both forwarding primitives of uid. A partial
// failure is returned as is and repaired by the next IsForwarded.
//
// The mark must precede the jump: the main chain always ends in a verdict,
// so a mark appended after a surviving jump would never be set. A lone jump
// is therefore removed before the pair is appended again.
func (r *Reconciler) SetForwarded(ctx context.Context, uid int, forwarded bool) error {
	if forwarded {
		if err := r.dropOrphanJump(uid); err != nil {
			return err
		}
	} else {
		// Nothing can be forwarded without both chains.
		for _, name := range []string{r.chains.Prefilter, r.chains.Main} {
			exists, err := r.port.ChainExists(name)
			if err != nil {
				return err
			}
			if !exists {
				return nil
			}
		}
	}
	for _, p := range forwardingPair(r.chains, r.opts, uid) {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		if forwarded {
			err = r.port.RuleAddIfMissing(p.Chain, p.Spec)
		} else {
			err = r.port.RuleDeleteIfExists(p.Chain, p.Spec)
		}
		if err != nil {
			return err
		}
	}
	r.logger.Debug("forwarding updated", "uid", uid, "forwarded", forwarded)
	return nil
}

func (r *Reconciler) dropOrphanJump(uid int) error {
	exists, err := r.port.ChainExists(r.chains.Prefilter)
	if err != nil || !exists {
		return err
	}
	pair := forwardingPair(r.chains, r.opts, uid)
	mark, jump := pair[0], pair[1]
	hasMark, err := r.port.RuleExists(mark.Chain, mark.Spec)
	if err != nil || hasMark {
		return err
	}
	return r.port.RuleDeleteIfExists(jump.Chain, jump.Spec)
}
