package health

import (
	"context"
	"fmt"
	"strings"
	"time"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/device"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/metrics"
	"grimm.is/appwall/internal/netfilter"
	"grimm.is/appwall/internal/state"
)

func timed(fn func() (Status, string)) Check {
	start := clock.Now()
	status, msg := fn()
	return Check{
		Status:      status,
		Message:     msg,
		LastChecked: start,
		Duration:    clock.Since(start),
	}
}

// PortCheck probes the filter table through port.
func PortCheck(port netfilter.Port) CheckFunc {
	return func(ctx context.Context) Check {
		return timed(func() (Status, string) {
			ok, err := port.ChainExists(netfilter.ChainOutput)
			switch {
			case err != nil:
				return StatusUnhealthy, fmt.Sprintf("filter table not reachable: %v", err)
			case !ok:
				return StatusUnhealthy, "built-in chain " + netfilter.ChainOutput + " missing"
			}
			return StatusHealthy, "filter table reachable"
		})
	}
}

// FirewallCheck reports a paused firewall as degraded and a missing one as
// unhealthy.
func FirewallCheck(engine *firewall.Engine) CheckFunc {
	return func(ctx context.Context) Check {
		return timed(func() (Status, string) {
			installed, err := engine.Installed()
			if err != nil {
				return StatusUnhealthy, err.Error()
			}
			if !installed {
				return StatusUnhealthy, "firewall not installed"
			}
			routing, err := engine.IsRoutingEnabled()
			if err != nil {
				return StatusUnhealthy, err.Error()
			}
			mode, err := engine.DefaultMode()
			if err != nil {
				return StatusDegraded, err.Error()
			}
			if !routing {
				return StatusDegraded, "paused, default " + mode.String()
			}
			return StatusHealthy, "running, default " + mode.String()
		})
	}
}

// StoreCheck verifies the state database answers queries.
func StoreCheck(store state.Store) CheckFunc {
	return func(ctx context.Context) Check {
		return timed(func() (Status, string) {
			buckets, err := store.ListBuckets()
			if err != nil {
				return StatusUnhealthy, err.Error()
			}
			return StatusHealthy, fmt.Sprintf("%d buckets, version %d", len(buckets), store.CurrentVersion())
		})
	}
}

// InterfaceCheck is degraded while no live link falls into a device class:
// watched traffic then only meets the default handling rule.
func InterfaceCheck(devices *device.Manager) CheckFunc {
	return func(ctx context.Context) Check {
		return timed(func() (Status, string) {
			counts, err := devices.Counts()
			if err != nil {
				return StatusDegraded, err.Error()
			}
			msg := fmt.Sprintf("wifi=%d cellular=%d", counts["wifi"], counts["cellular"])
			if unmatched, err := devices.Unmatched(); err == nil && len(unmatched) > 0 {
				names := make([]string, 0, len(unmatched))
				for _, iface := range unmatched {
					names = append(names, iface.Name)
				}
				msg += " unmatched=" + strings.Join(names, ",")
			}
			if counts["wifi"]+counts["cellular"] == 0 {
				return StatusDegraded, msg
			}
			return StatusHealthy, msg
		})
	}
}

// CollectorCheck is degraded until the collector's first successful probe
// and once its gauges are older than maxAge.
func CollectorCheck(c *metrics.Collector, maxAge time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		return timed(func() (Status, string) {
			at := c.LastUpdate()
			if at.IsZero() {
				return StatusDegraded, "no snapshot collected yet"
			}
			snap := c.Last()
			msg := fmt.Sprintf("forwarding %d of %d watched apps", snap.ForwardedApps, snap.WatchedApps)
			if age := clock.Since(at); age > maxAge {
				return StatusDegraded, fmt.Sprintf("stale for %s, %s", age.Round(time.Second), msg)
			}
			return StatusHealthy, msg
		})
	}
}
