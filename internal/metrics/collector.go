package metrics

import (
	"context"
	"sync"
	"time"

	"grimm.is/appwall/internal/clock"
	"grimm.is/appwall/internal/logging"
)

// Snapshot is the engine state the Collector mirrors into gauges.
type Snapshot struct {
	RoutingEnabled bool `json:"routing_enabled"`
	// DefaultMode is empty when the mode could not be determined.
	DefaultMode   string         `json:"default_mode,omitempty"`
	WatchedApps   int            `json:"watched_apps"`
	ForwardedApps int            `json:"forwarded_apps"`
	Interfaces    map[string]int `json:"interfaces,omitempty"`
}

// Source produces a Snapshot by probing the filter table.
type Source func(ctx context.Context) (Snapshot, error)

// Collector periodically probes engine state and updates the registry.
type Collector struct {
	registry *Registry
	source   Source
	logger   *logging.Logger
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once

	mu         sync.RWMutex
	lastUpdate time.Time
	last       Snapshot
}

// NewCollector creates a new metrics collector.
func NewCollector(reg *Registry, source Source, logger *logging.Logger, interval time.Duration) *Collector {
	if reg == nil {
		reg = Get()
	}
	if logger == nil {
		logger = logging.Default()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		registry: reg,
		source:   source,
		logger:   logger.WithComponent("metrics"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.logger.Info("Starting metrics collector", "interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect(ctx)
	for {
		select {
		case <-ticker.C:
			c.Collect(ctx)
		case <-ctx.Done():
			c.logger.Info("Stopping metrics collector")
			return
		case <-c.stopCh:
			c.logger.Info("Stopping metrics collector")
			return
		}
	}
}

// Stop stops the collection loop.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect probes once and updates the gauges. A failed probe leaves the
// previous values in place.
func (c *Collector) Collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	snap, err := c.source(ctx)
	if err != nil {
		c.logger.Warn("Failed to collect engine state", "error", err)
		return
	}

	r := c.registry
	if snap.RoutingEnabled {
		r.RoutingEnabled.Set(1)
	} else {
		r.RoutingEnabled.Set(0)
	}
	r.DefaultMode.Reset()
	if snap.DefaultMode != "" {
		r.DefaultMode.WithLabelValues(snap.DefaultMode).Set(1)
	}
	r.WatchedApps.Set(float64(snap.WatchedApps))
	r.ForwardedApps.Set(float64(snap.ForwardedApps))
	for device, n := range snap.Interfaces {
		r.Interfaces.WithLabelValues(device).Set(float64(n))
	}

	c.mu.Lock()
	c.last = snap
	c.lastUpdate = clock.Now()
	c.mu.Unlock()
}

// LastUpdate returns when the gauges were last refreshed. It is zero until
// the first successful probe.
func (c *Collector) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastUpdate
}

// Last returns the most recent snapshot.
func (c *Collector) Last() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}
