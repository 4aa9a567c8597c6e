package firewall

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/netfilter"
)

// Compiler turns abstract rules into primitives and applies them.
type Compiler struct {
	port      netfilter.Port
	chains    Chains
	opts      Options
	registry  *Registry
	logger    *logging.Logger
	telemetry Telemetry
}

// NewCompiler creates a compiler that records applied rules in registry.
func NewCompiler(port netfilter.Port, opts Options, registry *Registry, logger *logging.Logger, telemetry Telemetry) *Compiler {
	opts = opts.withDefaults()
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if telemetry == nil {
		telemetry = nopTelemetry{}
	}
	return &Compiler{
		port:      port,
		chains:    NewChains(opts.Prefix),
		opts:      opts,
		registry:  registry,
		logger:    logger.WithComponent("compiler"),
		telemetry: telemetry,
	}
}

// Compile returns the primitives of r in apply order: the forward direction
// for each device expansion, then the reverse direction for each.
func (c *Compiler) Compile(r TransportRule) []Primitive {
	r = r.Normalized()
	target := c.chains.Terminal(r.Policy)
	devices := r.Device.Expand()

	out := make([]Primitive, 0, 2*len(devices))
	for _, dev := range devices {
		out = append(out, Primitive{c.chains.Device(dev), connectionSpec(r.UID, r.Protocol, r.Source, r.Destination, target)})
	}
	for _, dev := range devices {
		out = append(out, Primitive{c.chains.Device(dev), connectionSpec(r.UID, r.Protocol, r.Destination, r.Source, target)})
	}
	return out
}

// connectionSpec renders one direction. Clause order is fixed: owner,
// protocol, source port, source address, destination port, destination
// address, jump. Loopback and wildcard addresses never become clauses:
// device traffic never carries them, so the rule would silently never match.
func connectionSpec(uid int, proto Protocol, src, dst Endpoint, target string) netfilter.Spec {
	spec := netfilter.Spec{"-m", "owner", "--uid-owner", strconv.Itoa(uid), "-p", string(proto)}
	if src.HasPort() {
		spec = append(spec, "--source-port", strconv.Itoa(src.Port))
	}
	if src.HasIP() {
		spec = append(spec, "--source", src.IP)
	}
	if dst.HasPort() {
		spec = append(spec, "--destination-port", strconv.Itoa(dst.Port))
	}
	if dst.HasIP() {
		spec = append(spec, "--destination", dst.IP)
	}
	return append(spec, "-j", target)
}

// Add dispatches on the rule variant.
func (c *Compiler) Add(ctx context.Context, r Rule) (Handle, error) {
	switch rule := r.(type) {
	case TransportRule:
		return c.AddTransportRule(ctx, rule)
	case RedirectRule:
		return Handle{}, c.AddRedirectRule(ctx, rule)
	case nil:
		return Handle{}, errors.New(errors.KindInvalidRule, "nil rule")
	}
	panic(fmt.Sprintf("firewall: unknown rule variant %T", r))
}

// AddTransportRule applies every primitive of r. If one fails, the ones
// already applied are deleted again before the original error is returned,
// so a failed add leaves no half-applied rule behind.
func (c *Compiler) AddTransportRule(ctx context.Context, r TransportRule) (Handle, error) {
	if err := r.Validate(); err != nil {
		return Handle{}, err
	}
	r = r.Normalized()
	prims := c.Compile(r)

	var applied []Primitive
	for _, p := range prims {
		err := ctx.Err()
		if err == nil {
			err = c.port.RuleAdd(p.Chain, p.Spec)
		}
		if err != nil {
			c.compensate(r, applied)
			return Handle{}, err
		}
		applied = append(applied, p)
	}

	h := Handle{ID: uuid.New(), Rule: r, Primitives: prims, Created: clock.Now()}
	c.registry.register(h)
	c.telemetry.RegisteredRules(c.registry.Count())
	c.logger.Audit("add_rule", h.ID.String(), "uid", r.UID, "rule", r.String())
	return h, nil
}

func (c *Compiler) compensate(r TransportRule, applied []Primitive) {
	if len(applied) == 0 {
		return
	}
	c.telemetry.Compensation()
	for i := len(applied) - 1; i >= 0; i-- {
		p := applied[i]
		if err := c.port.RuleDelete(p.Chain, p.Spec); err != nil {
			c.logger.Error("compensating delete failed", "uid", r.UID, "chain", p.Chain, "rule", p.Spec.String(), "error", err)
		}
	}
	c.logger.Warn("rolled back partially applied rule", "uid", r.UID, "primitives", len(applied))
}

// DeleteTransportRule removes both directions for every device expansion.
// Primitives that are already gone count as removed.
func (c *Compiler) DeleteTransportRule(ctx context.Context, r TransportRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	r = r.Normalized()
	for _, p := range c.Compile(r) {
		if err := ctx.Err(); err != nil {
			return err
		}
		exists, err := c.port.ChainExists(p.Chain)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		if err := c.port.RuleDeleteIfExists(p.Chain, p.Spec); err != nil && !netfilter.IsNotExist(err) {
			return err
		}
	}

	if c.registry.unregister(r) {
		c.telemetry.RegisteredRules(c.registry.Count())
	}
	c.logger.Audit("delete_rule", strconv.Itoa(r.UID), "rule", r.String())
	return nil
}

// AddRedirectRule validates r and then fails: NAT redirection has no
// compilation yet, and a silent no-op would look like a working rule.
func (c *Compiler) AddRedirectRule(_ context.Context, r RedirectRule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	return errors.Attr(
		errors.Errorf(errors.KindUnimplemented, "redirect rules are not supported (uid %d to %s)", r.UID, r.Target),
		"uid", r.UID,
	)
}
