package service

import (
	"context"

	"grimm.is/appwall/internal/device"
	"grimm.is/appwall/internal/metrics"
)

// Status is a point-in-time view of the firewall.
type Status struct {
	Installed      bool   `json:"installed"`
	RoutingEnabled bool   `json:"routing_enabled"`
	DefaultMode    string `json:"default_mode,omitempty"`
	PolicySource   string `json:"policy_source,omitempty"`
	// PolicyError is set when the kernel holds no recognizable default rule.
	PolicyError string `json:"policy_error,omitempty"`

	Watched         []AppStatus        `json:"watched"`
	StoredRules     int                `json:"stored_rules"`
	RegisteredRules int                `json:"registered_rules"`
	Interfaces      []device.Interface `json:"interfaces,omitempty"`
}

// Forwarded counts watched apps whose forwarding pair is installed.
func (st *Status) Forwarded() int {
	n := 0
	for _, a := range st.Watched {
		if a.Forwarded {
			n++
		}
	}
	return n
}

// InterfaceCounts returns live interfaces per device class.
func (st *Status) InterfaceCounts() map[string]int {
	counts := map[string]int{"wifi": 0, "cellular": 0}
	for _, iface := range st.Interfaces {
		if iface.Class != "" {
			counts[iface.Class]++
		}
	}
	return counts
}

// Status probes the kernel and the store. An indeterminate default mode is
// reported in PolicyError rather than failing the whole status.
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	var err error
	if st.Installed, err = s.engine.Installed(); err != nil {
		return nil, err
	}
	if st.RoutingEnabled, err = s.engine.IsRoutingEnabled(); err != nil {
		return nil, err
	}

	mode, source, err := s.Policy()
	if err != nil {
		st.PolicyError = err.Error()
	} else {
		st.DefaultMode = mode.String()
		st.PolicySource = source
	}

	if st.Watched, err = s.Watched(ctx); err != nil {
		return nil, err
	}

	stored, err := s.state.Rules.List()
	if err != nil {
		return nil, err
	}
	st.StoredRules = len(stored)
	st.RegisteredRules = s.engine.Registry().Count()

	if s.devices != nil {
		ifaces, err := s.devices.List()
		if err != nil {
			s.logger.Warn("failed to list interfaces", "error", err)
		} else {
			st.Interfaces = ifaces
		}
	}
	return st, nil
}

// MetricsSource adapts Status for the metrics collector.
func (s *Service) MetricsSource() metrics.Source {
	return func(ctx context.Context) (metrics.Snapshot, error) {
		st, err := s.Status(ctx)
		if err != nil {
			return metrics.Snapshot{}, err
		}
		snap := metrics.Snapshot{
			RoutingEnabled: st.RoutingEnabled,
			WatchedApps:    len(st.Watched),
			ForwardedApps:  st.Forwarded(),
		}
		if st.PolicySource == PolicyFromKernel {
			snap.DefaultMode = st.DefaultMode
		}
		if s.devices != nil {
			snap.Interfaces = st.InterfaceCounts()
		}
		return snap, nil
	}
}
