package config

import (
	"path/filepath"

	"grimm.is/appwall/internal/brand"
	"grimm.is/appwall/internal/firewall"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// DefaultStatePath is where watched apps, rules and the policy persist.
var DefaultStatePath = brand.StatePath()

// DefaultLockPath is the lock file serializing filter table access between
// appwall processes.
var DefaultLockPath = filepath.Join("/run", brand.BinaryName+".lock")

// Config is the top-level structure of appwall.hcl.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	// ChainPrefix names the main chain; every managed chain derives from it.
	ChainPrefix string `hcl:"chain_prefix,optional" json:"chain_prefix,omitempty"`
	// Protocols hooked from INPUT and OUTPUT.
	Protocols []string `hcl:"protocols,optional" json:"protocols,omitempty"`
	// ControlPort is a localhost TCP port always accepted (0 disables).
	ControlPort   int    `hcl:"control_port,optional" json:"control_port,omitempty"`
	UIDMarkOffset int    `hcl:"uid_mark_offset,optional" json:"uid_mark_offset,omitempty"`
	DefaultPolicy string `hcl:"default_policy,optional" json:"default_policy,omitempty"` // interactive, accept, reject
	FilterMode    string `hcl:"filter_mode,optional" json:"filter_mode,omitempty"`
	StatePath     string `hcl:"state_path,optional" json:"state_path,omitempty"`
	// LockPath is flocked around every filter table operation.
	LockPath string `hcl:"lock_path,optional" json:"lock_path,omitempty"`
	// Watch lists uids forwarded into the firewall on every enable.
	Watch []int `hcl:"watch,optional" json:"watch,omitempty"`

	Queue    *Queue    `hcl:"queue,block" json:"queue,omitempty"`
	Devices  *Devices  `hcl:"devices,block" json:"devices,omitempty"`
	IPTables *IPTables `hcl:"iptables,block" json:"iptables,omitempty"`
	Metrics  *Metrics  `hcl:"metrics,block" json:"metrics,omitempty"`
	Logging  *Logging  `hcl:"logging,block" json:"logging,omitempty"`
	Rules    []Rule    `hcl:"rule,block" json:"rules,omitempty"`
}

// Queue configures the NFQUEUE target of the interactive chain.
type Queue struct {
	Number int `hcl:"number,optional" json:"number"`
	// Bypass accepts packets while no consumer is bound. Defaults to true.
	Bypass *bool `hcl:"bypass,optional" json:"bypass,omitempty"`
}

// Devices holds the interface glob patterns of each device class.
type Devices struct {
	Wifi     []string `hcl:"wifi,optional" json:"wifi,omitempty"`
	Cellular []string `hcl:"cellular,optional" json:"cellular,omitempty"`
}

// DefaultWaitSeconds is how long iptables waits for the xtables lock.
const DefaultWaitSeconds = 5

// IPTables configures the iptables binary.
type IPTables struct {
	Path string `hcl:"path,optional" json:"path,omitempty"`
	// WaitSeconds of 0 uses DefaultWaitSeconds.
	WaitSeconds int `hcl:"wait_seconds,optional" json:"wait_seconds,omitempty"`
}

// Metrics configures the Prometheus listener of `appwall run`.
type Metrics struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// Logging configures level and format.
type Logging struct {
	Level  string  `hcl:"level,optional" json:"level,omitempty"`
	JSON   bool    `hcl:"json,optional" json:"json,omitempty"`
	Syslog *Syslog `hcl:"syslog,block" json:"syslog,omitempty"`
}

// Syslog mirrors log output to a remote syslog server.
type Syslog struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`         // default 514
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"` // udp or tcp
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// Rule is a declarative transport rule applied on every enable.
type Rule struct {
	Name        string `hcl:"name,label" json:"name"`
	UID         int    `hcl:"uid" json:"uid"`
	Protocol    string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Source      string `hcl:"source,optional" json:"source,omitempty"`
	Destination string `hcl:"destination,optional" json:"destination,omitempty"`
	Device      string `hcl:"device,optional" json:"device,omitempty"`
	Policy      string `hcl:"policy,optional" json:"policy,omitempty"`
}

// Default returns a configuration that works without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.ChainPrefix == "" {
		c.ChainPrefix = firewall.DefaultChainPrefix
	}
	if len(c.Protocols) == 0 {
		c.Protocols = []string{"tcp", "udp"}
	}
	if c.UIDMarkOffset == 0 {
		c.UIDMarkOffset = firewall.DefaultMarkOffset
	}
	if c.DefaultPolicy == "" {
		c.DefaultPolicy = "interactive"
	}
	if c.FilterMode == "" {
		c.FilterMode = "filter_all"
	}
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
	if c.LockPath == "" {
		c.LockPath = DefaultLockPath
	}
	if c.Queue == nil {
		c.Queue = &Queue{}
	}
	if c.Queue.Bypass == nil {
		bypass := true
		c.Queue.Bypass = &bypass
	}
	if c.Devices == nil {
		c.Devices = &Devices{}
	}
	if c.Devices.Wifi == nil {
		c.Devices.Wifi = append([]string(nil), firewall.DefaultWifiDevices...)
	}
	if c.Devices.Cellular == nil {
		c.Devices.Cellular = append([]string(nil), firewall.DefaultCellularDevices...)
	}
	if c.IPTables == nil {
		c.IPTables = &IPTables{}
	}
	if c.IPTables.WaitSeconds == 0 {
		c.IPTables.WaitSeconds = DefaultWaitSeconds
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	for i := range c.Rules {
		r := &c.Rules[i]
		if r.Protocol == "" {
			r.Protocol = "tcp"
		}
		if r.Device == "" {
			r.Device = "any"
		}
		if r.Policy == "" {
			r.Policy = "interactive"
		}
	}
}

// FirewallOptions converts the topology settings. Call Validate first:
// unparsable protocols are skipped.
func (c *Config) FirewallOptions() firewall.Options {
	opts := firewall.Options{
		Prefix:      c.ChainPrefix,
		QueueNum:    c.Queue.Number,
		QueueBypass: c.Queue.Bypass == nil || *c.Queue.Bypass,
		ControlPort: c.ControlPort,
		MarkOffset:  c.UIDMarkOffset,
		Wifi:        append([]string(nil), c.Devices.Wifi...),
		Cellular:    append([]string(nil), c.Devices.Cellular...),
	}
	for _, p := range c.Protocols {
		if proto, err := firewall.ParseProtocol(p); err == nil {
			opts.Protocols = append(opts.Protocols, proto)
		}
	}
	return opts
}

// DefaultMode parses DefaultPolicy.
func (c *Config) DefaultMode() (firewall.DefaultMode, error) {
	return firewall.ParseDefaultMode(c.DefaultPolicy)
}

// Filter parses FilterMode.
func (c *Config) Filter() (firewall.FilterMode, error) {
	return firewall.ParseFilterMode(c.FilterMode)
}

// TransportRule converts a declarative rule.
func (r Rule) TransportRule() (firewall.TransportRule, error) {
	proto, err := firewall.ParseProtocol(r.Protocol)
	if err != nil {
		return firewall.TransportRule{}, err
	}
	src, err := firewall.ParseEndpoint(r.Source)
	if err != nil {
		return firewall.TransportRule{}, err
	}
	dst, err := firewall.ParseEndpoint(r.Destination)
	if err != nil {
		return firewall.TransportRule{}, err
	}
	dev, err := firewall.ParseDeviceFilter(r.Device)
	if err != nil {
		return firewall.TransportRule{}, err
	}
	policy, err := firewall.ParseRulePolicy(r.Policy)
	if err != nil {
		return firewall.TransportRule{}, err
	}
	return firewall.TransportRule{
		UID:         r.UID,
		Source:      src,
		Destination: dst,
		Device:      dev,
		Protocol:    proto,
		Policy:      policy,
	}, nil
}
