// Package service ties the rule engine to persisted bookkeeping.
//
// The engine only knows the kernel. The service remembers what the kernel
// forgets across a disable (watched apps, user rules, the default policy)
// and restores it on every enable. Declarative rules and watched uids from
// the config file are re-applied on every enable too, without being
// persisted.
package service

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/config"
	"grimm.is/appwall/internal/device"
	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/logging"
	"grimm.is/appwall/internal/state"
)

// Service is the firewall as the CLI and daemon see it. Composite
// operations (store plus kernel) are serialized; the engine serializes the
// kernel side on its own.
type Service struct {
	mu sync.Mutex

	cfg     *config.Config
	engine  *firewall.Engine
	state   *state.Buckets
	devices *device.Manager
	logger  *logging.Logger
}

// New creates a service. devices may be nil.
func New(cfg *config.Config, engine *firewall.Engine, buckets *state.Buckets, devices *device.Manager, logger *logging.Logger) *Service {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{
		cfg:     cfg,
		engine:  engine,
		state:   buckets,
		devices: devices,
		logger:  logger.WithComponent("service"),
	}
}

// Engine returns the underlying rule engine.
func (s *Service) Engine() *firewall.Engine { return s.engine }

// Enable installs the topology, forwards every watched app, re-applies the
// configured and stored rules, then applies the default policy.
func (s *Service) Enable(ctx context.Context, progress RestoreProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if progress == nil {
		progress = ProgressFuncs{}
	}
	if err := s.engine.Enable(ctx, progress); err != nil {
		return err
	}

	uids, err := s.watchedUIDs()
	if err != nil {
		return err
	}
	progress.WatchedAppsBeforeRestore(len(uids))
	for i, uid := range uids {
		if err := ctx.Err(); err != nil {
			return err
		}
		progress.WatchedAppRestore(uid, i)
		if err := s.engine.SetForwarded(ctx, uid, true); err != nil {
			return errors.Attr(errors.Wrapf(err, errors.GetKind(err), "restore watched app %d", uid), "uid", uid)
		}
	}

	rules, err := s.restoreRules()
	if err != nil {
		return err
	}
	for _, r := range rules {
		if _, err := s.engine.AddTransportRule(ctx, r); err != nil {
			return errors.Wrapf(err, errors.GetKind(err), "restore rule %s", r)
		}
	}

	mode, _, err := s.desiredPolicy()
	if err != nil {
		return err
	}
	progress.PolicyBeforeApply(mode)
	if err := s.engine.SetDefaultMode(ctx, mode); err != nil {
		return err
	}

	s.logger.Info("firewall enabled",
		"watched", len(uids),
		"rules", len(rules),
		"policy", mode.String())
	return nil
}

// Disable removes the topology. Persisted state is kept for the next enable.
func (s *Service) Disable(ctx context.Context, progress firewall.Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Disable(ctx, true, progress); err != nil {
		return err
	}
	s.logger.Info("firewall disabled")
	return nil
}

// Pause stops diverting traffic while keeping the topology installed.
// Pausing a firewall that is not installed is a no-op.
func (s *Service) Pause(ctx context.Context) error {
	return s.setRouting(ctx, false)
}

// Resume diverts traffic into an installed topology again.
func (s *Service) Resume(ctx context.Context) error {
	return s.setRouting(ctx, true)
}

func (s *Service) setRouting(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	installed, err := s.engine.Installed()
	if err != nil {
		return err
	}
	if !installed {
		if enabled {
			return errors.New(errors.KindNotFound, "firewall is not enabled")
		}
		return nil
	}
	return s.engine.SetRoutingEnabled(ctx, enabled)
}

// IsRunning reports whether traffic is currently diverted into the firewall.
func (s *Service) IsRunning() (bool, error) {
	return s.engine.IsRoutingEnabled()
}

// Watch persists app and forwards its traffic when the firewall is installed.
func (s *Service) Watch(ctx context.Context, app state.WatchedApp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	added, err := s.state.Apps.Watch(app)
	if err != nil {
		return err
	}
	installed, err := s.engine.Installed()
	if err != nil {
		return err
	}
	if installed {
		if err := s.engine.SetForwarded(ctx, app.UID, true); err != nil {
			return err
		}
	}
	if added {
		s.logger.Audit("watch_app", strconv.Itoa(app.UID), "name", app.Name)
	}
	return nil
}

// Unwatch forgets uid and removes its forwarding. A uid listed in the
// config file is forwarded again on the next enable.
func (s *Service) Unwatch(ctx context.Context, uid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed, err := s.state.Apps.Unwatch(uid)
	if err != nil {
		return err
	}
	if err := s.engine.SetForwarded(ctx, uid, false); err != nil {
		return err
	}
	if removed {
		s.logger.Audit("unwatch_app", strconv.Itoa(uid))
	}
	return nil
}

// AppStatus is a watched app and its live forwarding state.
type AppStatus struct {
	UID        int    `json:"uid"`
	Name       string `json:"name,omitempty"`
	Configured bool   `json:"configured"`
	Forwarded  bool   `json:"forwarded"`
}

// Watched lists every watched app. Probing forwarding repairs half-present
// pairs along the way.
func (s *Service) Watched(ctx context.Context) ([]AppStatus, error) {
	apps, err := s.state.Apps.List()
	if err != nil {
		return nil, err
	}

	byUID := make(map[int]*AppStatus)
	for _, a := range apps {
		byUID[a.UID] = &AppStatus{UID: a.UID, Name: a.Name}
	}
	for _, uid := range s.cfg.Watch {
		st, ok := byUID[uid]
		if !ok {
			st = &AppStatus{UID: uid}
			byUID[uid] = st
		}
		st.Configured = true
	}

	out := make([]AppStatus, 0, len(byUID))
	for _, st := range byUID {
		forwarded, err := s.engine.IsForwarded(ctx, st.UID)
		if err != nil {
			return nil, err
		}
		st.Forwarded = forwarded
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out, nil
}

// AddRule validates and persists r, applying it right away when the
// firewall is installed. Otherwise it takes effect on the next enable and
// the returned handle carries no primitives.
func (s *Service) AddRule(ctx context.Context, r firewall.TransportRule) (firewall.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := r.Validate(); err != nil {
		return firewall.Handle{}, err
	}
	r = r.Normalized()

	installed, err := s.engine.Installed()
	if err != nil {
		return firewall.Handle{}, err
	}

	h := firewall.Handle{ID: uuid.New(), Rule: r, Created: clock.Now()}
	if installed {
		if h, err = s.engine.AddTransportRule(ctx, r); err != nil {
			return firewall.Handle{}, err
		}
	}

	if err := s.state.Rules.Add(h.ID, r); err != nil {
		if installed {
			// Keep kernel and store in step.
			if derr := s.engine.DeleteTransportRule(context.WithoutCancel(ctx), r); derr != nil {
				s.logger.Error("failed to roll back unpersisted rule", "rule", r.String(), "error", derr)
			}
		}
		return firewall.Handle{}, err
	}
	return h, nil
}

// DeleteRule removes the oldest stored copy of r and its primitives. It
// reports whether a stored copy existed; rules from the config file are
// only removed from the kernel.
func (s *Service) DeleteRule(ctx context.Context, r firewall.TransportRule) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r = r.Normalized()
	removed, err := s.state.Rules.Remove(r)
	if err != nil {
		return false, err
	}
	if err := s.engine.DeleteTransportRule(ctx, r); err != nil {
		return removed, err
	}
	return removed, nil
}

// Rules returns every stored rule in creation order.
func (s *Service) Rules() ([]state.StoredRule, error) {
	return s.state.Rules.List()
}

// RulesFor returns the stored rules of uid in creation order.
func (s *Service) RulesFor(uid int) ([]state.StoredRule, error) {
	return s.state.Rules.ForUser(uid)
}

// AddRedirectRule is validated by the engine and reported as unsupported.
func (s *Service) AddRedirectRule(ctx context.Context, r firewall.RedirectRule) error {
	return s.engine.AddRedirectRule(ctx, r)
}

// SetPolicy persists the default policy and applies it when installed.
func (s *Service) SetPolicy(ctx context.Context, mode firewall.DefaultMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.state.Settings.SetDefaultPolicy(mode); err != nil {
		return err
	}
	installed, err := s.engine.Installed()
	if err != nil {
		return err
	}
	if !installed {
		return nil
	}
	return s.engine.SetDefaultMode(ctx, mode)
}

// Policy sources.
const (
	PolicyFromKernel = "kernel"
	PolicyFromState  = "state"
	PolicyFromConfig = "config"
)

// Policy returns the default policy and where it was read from: the kernel
// when installed, otherwise the persisted or configured policy.
func (s *Service) Policy() (firewall.DefaultMode, string, error) {
	installed, err := s.engine.Installed()
	if err != nil {
		return 0, "", err
	}
	if installed {
		mode, err := s.engine.DefaultMode()
		return mode, PolicyFromKernel, err
	}
	return s.desiredPolicy()
}

// Audit checks the kernel against the expected topology, every watched
// app's forwarding pair and the registered rules.
func (s *Service) Audit() (*firewall.AuditReport, error) {
	uids, err := s.watchedUIDs()
	if err != nil {
		return nil, err
	}
	return s.engine.Audit(uids...)
}

// Dump renders every managed chain.
func (s *Service) Dump(resolveNames, resolveInterfaces bool) (string, error) {
	return s.engine.Dump(resolveNames, resolveInterfaces)
}

func (s *Service) watchedUIDs() ([]int, error) {
	apps, err := s.state.Apps.List()
	if err != nil {
		return nil, err
	}
	seen := make(map[int]bool)
	var uids []int
	add := func(uid int) {
		if !seen[uid] {
			seen[uid] = true
			uids = append(uids, uid)
		}
	}
	for _, a := range apps {
		add(a.UID)
	}
	for _, uid := range s.cfg.Watch {
		add(uid)
	}
	sort.Ints(uids)
	return uids, nil
}

// Recover registers the config and stored rules whose primitives are all
// installed. The registry lives in memory, so without this a process that
// did not run enable itself would audit and count none of them. It does
// nothing when the registry is already populated or the firewall is not
// installed, and returns how many rules were registered.
func (s *Service) Recover() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.engine.Registry().Count() > 0 {
		return 0, nil
	}
	installed, err := s.engine.Installed()
	if err != nil || !installed {
		return 0, err
	}

	var handles []firewall.Handle
	for _, cr := range s.cfg.Rules {
		r, err := cr.TransportRule()
		if err != nil {
			return 0, errors.Attr(errors.Wrapf(err, errors.KindValidation, "config rule %q", cr.Name), "rule", cr.Name)
		}
		handles = append(handles, firewall.Handle{Rule: r})
	}
	stored, err := s.state.Rules.List()
	if err != nil {
		return 0, err
	}
	for _, sr := range stored {
		handles = append(handles, firewall.Handle{ID: sr.ID, Rule: sr.Rule, Created: sr.Created})
	}

	n := 0
	for _, h := range handles {
		ok, err := s.engine.Adopt(h)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		} else {
			s.logger.Warn("rule not installed, skipped", "rule", h.Rule.String())
		}
	}
	if n > 0 {
		s.logger.Debug("recovered applied rules", "count", n)
	}
	return n, nil
}

// restoreRules returns the config rules followed by the stored ones.
func (s *Service) restoreRules() ([]firewall.TransportRule, error) {
	var rules []firewall.TransportRule
	for _, cr := range s.cfg.Rules {
		r, err := cr.TransportRule()
		if err != nil {
			return nil, errors.Attr(errors.Wrapf(err, errors.KindValidation, "config rule %q", cr.Name), "rule", cr.Name)
		}
		rules = append(rules, r)
	}
	stored, err := s.state.Rules.List()
	if err != nil {
		return nil, err
	}
	for _, sr := range stored {
		rules = append(rules, sr.Rule)
	}
	return rules, nil
}

func (s *Service) desiredPolicy() (firewall.DefaultMode, string, error) {
	mode, ok, err := s.state.Settings.DefaultPolicy()
	if err != nil {
		return 0, "", err
	}
	if ok {
		return mode, PolicyFromState, nil
	}
	mode, err = s.cfg.DefaultMode()
	if err != nil {
		return 0, "", errors.Wrap(err, errors.KindValidation, "default_policy")
	}
	return mode, PolicyFromConfig, nil
}
