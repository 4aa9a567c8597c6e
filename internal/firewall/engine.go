package firewall

import (
	"context"

	"github.com/google/uuid"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/netfilter"
)

// Progress is notified before and after every filter command of a long
// running operation. Notifications arrive on the calling goroutine.
type Progress interface {
	CommandBefore(cmd netfilter.Command)
	CommandAfter(cmd netfilter.Command, err error)
}

// Engine serializes every mutation of the filter table. Mutations hold the
// table lock exclusively for their whole primitive sequence; probes share
// it so they never observe a half-applied change. The default lock only
// covers this process; SetTableLock installs one shared between processes.
//
// Cancelling ctx stops a sequence between two primitives, never inside one.
type Engine struct {
	lock netfilter.TableLock

	port      netfilter.Port
	opts      Options
	chains    Chains
	registry  *Registry
	logger    *logging.Logger
	telemetry Telemetry
}

// NewEngine creates an engine driving port.
func NewEngine(port netfilter.Port, opts Options, logger *logging.Logger) *Engine {
	opts = opts.withDefaults()
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		lock:      netfilter.NewLocalLock(),
		port:      port,
		opts:      opts,
		chains:    NewChains(opts.Prefix),
		registry:  NewRegistry(),
		logger:    logger,
		telemetry: nopTelemetry{},
	}
}

// SetTelemetry installs t. Call before the engine is shared.
func (e *Engine) SetTelemetry(t Telemetry) {
	if t == nil {
		t = nopTelemetry{}
	}
	e.telemetry = t
}

// SetTableLock replaces the table lock. Call before the engine is shared.
func (e *Engine) SetTableLock(l netfilter.TableLock) {
	if l == nil {
		l = netfilter.NewLocalLock()
	}
	e.lock = l
}

// Chains returns the managed chain names.
func (e *Engine) Chains() Chains { return e.chains }

// Options returns the topology options.
func (e *Engine) Options() Options { return e.opts }

// Registry returns the rule registry.
func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) observed(progress Progress) netfilter.Port {
	if progress == nil {
		return e.port
	}
	return netfilter.Observe(e.port, progress)
}

func (e *Engine) topology(progress Progress) *Topology {
	return NewTopology(e.observed(progress), e.opts, e.logger)
}

func (e *Engine) compiler(progress Progress) *Compiler {
	return NewCompiler(e.observed(progress), e.opts, e.registry, e.logger, e.telemetry)
}

func (e *Engine) reconciler(progress Progress) *Reconciler {
	return NewReconciler(e.observed(progress), e.opts, e.logger, e.telemetry)
}

// Enable installs the topology from a clean baseline. Previously applied
// rules are gone afterwards, so the registry is cleared.
func (e *Engine) Enable(ctx context.Context, progress Progress) error {
	if err := e.lock.Lock(); err != nil {
		return err
	}
	defer e.lock.Unlock()
	e.registry.reset()
	e.telemetry.RegisteredRules(0)
	return e.topology(progress).Enable(ctx)
}

// Disable removes the topology and clears the registry.
func (e *Engine) Disable(ctx context.Context, logBeforeAfter bool, progress Progress) error {
	if err := e.lock.Lock(); err != nil {
		return err
	}
	defer e.lock.Unlock()
	if err := e.topology(progress).Disable(ctx, logBeforeAfter); err != nil {
		return err
	}
	e.registry.reset()
	e.telemetry.RegisteredRules(0)
	return nil
}

// Installed reports whether the managed chain graph exists.
func (e *Engine) Installed() (bool, error) {
	if err := e.lock.RLock(); err != nil {
		return false, err
	}
	defer e.lock.RUnlock()
	return e.topology(nil).Installed()
}

// IsRoutingEnabled reports whether traffic is diverted into the firewall.
func (e *Engine) IsRoutingEnabled() (bool, error) {
	if err := e.lock.RLock(); err != nil {
		return false, err
	}
	defer e.lock.RUnlock()
	return e.topology(nil).IsRoutingEnabled()
}

// SetRoutingEnabled pauses or resumes interception.
func (e *Engine) SetRoutingEnabled(ctx context.Context, enabled bool) error {
	if err := e.lock.Lock(); err != nil {
		return err
	}
	defer e.lock.Unlock()
	return e.topology(nil).SetRoutingEnabled(ctx, enabled)
}

// AddRule applies any rule variant.
func (e *Engine) AddRule(ctx context.Context, r Rule) (Handle, error) {
	if err := e.lock.Lock(); err != nil {
		return Handle{}, err
	}
	defer e.lock.Unlock()
	return e.compiler(nil).Add(ctx, r)
}

// AddTransportRule applies r and registers it.
func (e *Engine) AddTransportRule(ctx context.Context, r TransportRule) (Handle, error) {
	if err := e.lock.Lock(); err != nil {
		return Handle{}, err
	}
	defer e.lock.Unlock()
	return e.compiler(nil).AddTransportRule(ctx, r)
}

// DeleteTransportRule removes r.
func (e *Engine) DeleteTransportRule(ctx context.Context, r TransportRule) error {
	if err := e.lock.Lock(); err != nil {
		return err
	}
	defer e.lock.Unlock()
	return e.compiler(nil).DeleteTransportRule(ctx, r)
}

// AddRedirectRule validates r and reports it as unsupported.
func (e *Engine) AddRedirectRule(ctx context.Context, r RedirectRule) error {
	if err := e.lock.Lock(); err != nil {
		return err
	}
	defer e.lock.Unlock()
	return e.compiler(nil).AddRedirectRule(ctx, r)
}

// Compile returns the primitives r would be applied as.
func (e *Engine) Compile(r TransportRule) []Primitive {
	return e.compiler(nil).Compile(r)
}

// Adopt registers h.Rule when every primitive it compiles to is present,
// so a process that did not apply the rule can still enumerate and audit
// it. h.ID and h.Created are kept when set. It reports whether the rule
// was registered.
func (e *Engine) Adopt(h Handle) (bool, error) {
	if err := h.Rule.Validate(); err != nil {
		return false, err
	}
	if err := e.lock.RLock(); err != nil {
		return false, err
	}
	defer e.lock.RUnlock()

	h.Rule = h.Rule.Normalized()
	h.Primitives = e.compiler(nil).Compile(h.Rule)
	exists := map[string]bool{}
	for _, p := range h.Primitives {
		ok, err := e.probe(p, exists)
		if err != nil || !ok {
			return false, err
		}
	}
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	if h.Created.IsZero() {
		h.Created = clock.Now()
	}
	e.registry.register(h)
	e.telemetry.RegisteredRules(e.registry.Count())
	return true, nil
}

// Rules returns the rules applied for uid.
func (e *Engine) Rules(uid int) []Handle {
	return e.registry.ForUser(uid)
}

// DefaultMode probes the current default handling.
func (e *Engine) DefaultMode() (DefaultMode, error) {
	if err := e.lock.RLock(); err != nil {
		return 0, err
	}
	defer e.lock.RUnlock()
	return e.reconciler(nil).DefaultMode()
}

// SetDefaultMode switches the default handling.
func (e *Engine) SetDefaultMode(ctx context.Context, m DefaultMode) error {
	if err := e.lock.Lock(); err != nil {
		return err
	}
	defer e.lock.Unlock()
	return e.reconciler(nil).SetDefaultMode(ctx, m)
}

// IsForwarded probes uid's forwarding under the read lock and only takes
// the write lock when the pair needs repair.
func (e *Engine) IsForwarded(ctx context.Context, uid int) (bool, error) {
	if err := e.lock.RLock(); err != nil {
		return false, err
	}
	state, err := e.reconciler(nil).ForwardingState(uid)
	e.lock.RUnlock()
	if err != nil {
		return false, err
	}
	if state != ForwardInconsistent {
		return state == Forwarded, nil
	}

	if err := e.lock.Lock(); err != nil {
		return false, err
	}
	defer e.lock.Unlock()
	return e.reconciler(nil).IsForwarded(ctx, uid)
}

// SetForwarded adds or removes uid's forwarding pair.
func (e *Engine) SetForwarded(ctx context.Context, uid int, forwarded bool) error {
	if err := e.lock.Lock(); err != nil {
		return err
	}
	defer e.lock.Unlock()
	return e.reconciler(nil).SetForwarded(ctx, uid, forwarded)
}

// Dump renders the root hooks and every managed chain.
func (e *Engine) Dump(resolveNames, resolveInterfaces bool) (string, error) {
	if err := e.lock.RLock(); err != nil {
		return "", err
	}
	defer e.lock.RUnlock()
	return e.topology(nil).Dump(resolveNames, resolveInterfaces)
}
