package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"

	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/logging"
)

// maxChainName is the longest chain name iptables accepts.
const maxChainName = 28

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are any validation errors.
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate validates the entire configuration. Defaults must be applied.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	errs = append(errs, c.validateSchema()...)
	errs = append(errs, c.validateTopology()...)
	errs = append(errs, c.validateModes()...)
	errs = append(errs, c.validateDevices()...)
	errs = append(errs, c.validateRules()...)

	if !filepath.IsAbs(c.LockPath) {
		errs.add("lock_path", "must be an absolute path, got %q", c.LockPath)
	}
	if c.IPTables != nil && c.IPTables.WaitSeconds < 0 {
		errs.add("iptables.wait_seconds", "must not be negative")
	}
	if c.Metrics != nil && c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			errs.add("metrics.listen", "invalid address %q: %v", c.Metrics.Listen, err)
		}
	}
	if c.Logging != nil {
		if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
			errs.add("logging.level", "%v", err)
		}
		if sl := c.Logging.Syslog; sl != nil {
			if sl.Host == "" {
				errs.add("logging.syslog.host", "must not be empty")
			}
			if sl.Port < 0 || sl.Port > 65535 {
				errs.add("logging.syslog.port", "port %d out of range", sl.Port)
			}
			switch sl.Protocol {
			case "", "udp", "tcp":
			default:
				errs.add("logging.syslog.protocol", "unsupported protocol %q", sl.Protocol)
			}
			if sl.Facility < 0 || sl.Facility > 23 {
				errs.add("logging.syslog.facility", "facility %d out of range", sl.Facility)
			}
		}
	}
	return errs
}

func (c *Config) validateTopology() ValidationErrors {
	var errs ValidationErrors

	longest := len(firewall.NewChains("").Accept)
	switch {
	case c.ChainPrefix == "":
		errs.add("chain_prefix", "must not be empty")
	case strings.ContainsAny(c.ChainPrefix, " \t!") || strings.HasPrefix(c.ChainPrefix, "-"):
		errs.add("chain_prefix", "%q is not a valid chain name", c.ChainPrefix)
	case len(c.ChainPrefix)+longest > maxChainName:
		errs.add("chain_prefix", "%q is too long, at most %d characters", c.ChainPrefix, maxChainName-longest)
	}

	seen := map[string]bool{}
	for _, p := range c.Protocols {
		if _, err := firewall.ParseProtocol(p); err != nil {
			errs.add("protocols", "unsupported protocol %q", p)
		}
		if seen[strings.ToLower(p)] {
			errs.add("protocols", "duplicate protocol %q", p)
		}
		seen[strings.ToLower(p)] = true
	}

	if c.ControlPort < 0 || c.ControlPort > 65535 {
		errs.add("control_port", "port %d out of range", c.ControlPort)
	}
	if c.UIDMarkOffset < 0 {
		errs.add("uid_mark_offset", "must not be negative")
	}
	if c.Queue != nil && (c.Queue.Number < 0 || c.Queue.Number > 65535) {
		errs.add("queue.number", "queue %d out of range", c.Queue.Number)
	}
	for _, uid := range c.Watch {
		if uid < 0 {
			errs.add("watch", "negative uid %d", uid)
		}
	}
	return errs
}

func (c *Config) validateModes() ValidationErrors {
	var errs ValidationErrors
	if _, err := c.DefaultMode(); err != nil {
		errs.add("default_policy", "unknown policy %q", c.DefaultPolicy)
	}
	if _, err := c.Filter(); err != nil {
		errs.add("filter_mode", "unknown mode %q", c.FilterMode)
	}
	return errs
}

func (c *Config) validateDevices() ValidationErrors {
	var errs ValidationErrors
	if c.Devices == nil {
		return errs
	}
	check := func(field string, patterns []string) {
		for _, p := range patterns {
			if p == "" || strings.ContainsAny(p, " \t") {
				errs.add(field, "invalid interface pattern %q", p)
			}
		}
	}
	check("devices.wifi", c.Devices.Wifi)
	check("devices.cellular", c.Devices.Cellular)
	return errs
}

func (c *Config) validateRules() ValidationErrors {
	var errs ValidationErrors
	names := map[string]bool{}
	for _, r := range c.Rules {
		field := fmt.Sprintf("rule.%s", r.Name)
		if names[r.Name] {
			errs.add(field, "duplicate rule name")
		}
		names[r.Name] = true

		tr, err := r.TransportRule()
		if err == nil {
			err = tr.Validate()
		}
		if err != nil {
			errs.add(field, "%v", err)
		}
	}
	return errs
}
