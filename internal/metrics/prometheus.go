// Package metrics exports appwall engine activity to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"grimm.is/appwall/internal/netfilter"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all appwall metrics.
type Registry struct {
	// Filter command metrics
	FilterCommands *prometheus.CounterVec
	FilterLatency  *prometheus.HistogramVec

	// Engine metrics
	Compensations prometheus.Counter
	SelfHeals     prometheus.Counter
	Registered    prometheus.Gauge

	// State gauges, refreshed by the Collector
	RoutingEnabled prometheus.Gauge
	DefaultMode    *prometheus.GaugeVec
	WatchedApps    prometheus.Gauge
	ForwardedApps  prometheus.Gauge
	Interfaces     *prometheus.GaugeVec
}

// Get returns the global metrics registry, registered with the default
// Prometheus registerer.
func Get() *Registry {
	once.Do(func() {
		registry = New(prometheus.DefaultRegisterer)
	})
	return registry
}

// New creates a registry whose collectors are registered with reg.
func New(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	r := &Registry{}

	r.FilterCommands = f.NewCounterVec(prometheus.CounterOpts{
		Name: "appwall_filter_commands_total",
		Help: "Filter table commands executed, by operation and result",
	}, []string{"op", "result"})

	r.FilterLatency = f.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "appwall_filter_command_duration_seconds",
		Help:    "Filter table command latency",
		Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"op"})

	r.Compensations = f.NewCounter(prometheus.CounterOpts{
		Name: "appwall_compensations_total",
		Help: "Rule additions rolled back after a failed primitive",
	})

	r.SelfHeals = f.NewCounter(prometheus.CounterOpts{
		Name: "appwall_self_heals_total",
		Help: "Half-present forwarding pairs repaired on read",
	})

	r.Registered = f.NewGauge(prometheus.GaugeOpts{
		Name: "appwall_registered_rules",
		Help: "Transport rules currently held in the rule registry",
	})

	r.RoutingEnabled = f.NewGauge(prometheus.GaugeOpts{
		Name: "appwall_routing_enabled",
		Help: "1 when traffic is diverted into the firewall",
	})

	r.DefaultMode = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appwall_default_mode",
		Help: "1 for the active default handling mode",
	}, []string{"mode"})

	r.WatchedApps = f.NewGauge(prometheus.GaugeOpts{
		Name: "appwall_watched_apps",
		Help: "Applications configured to be funneled into the firewall",
	})

	r.ForwardedApps = f.NewGauge(prometheus.GaugeOpts{
		Name: "appwall_forwarded_apps",
		Help: "Watched applications whose forwarding pair is installed",
	})

	r.Interfaces = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "appwall_interfaces",
		Help: "Live interfaces matched by each device class",
	}, []string{"device"})

	return r
}

// ObserveCommand implements netfilter.Recorder.
func (r *Registry) ObserveCommand(op netfilter.Op, d time.Duration, err error) {
	r.FilterCommands.WithLabelValues(string(op), netfilter.Result(err)).Inc()
	r.FilterLatency.WithLabelValues(string(op)).Observe(d.Seconds())
}

// Compensation implements firewall.Telemetry.
func (r *Registry) Compensation() {
	r.Compensations.Inc()
}

// SelfHeal implements firewall.Telemetry.
func (r *Registry) SelfHeal() {
	r.SelfHeals.Inc()
}

// RegisteredRules implements firewall.Telemetry.
func (r *Registry) RegisteredRules(n int) {
	r.Registered.Set(float64(n))
}
