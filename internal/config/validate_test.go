package config

import (
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"defaults", func(*Config) {}, ""},
		{"empty prefix", func(c *Config) { c.ChainPrefix = "" }, "chain_prefix"},
		{"relative lock path", func(c *Config) { c.LockPath = "appwall.lock" }, "lock_path"},
		{"prefix too long", func(c *Config) { c.ChainPrefix = "a-very-long-prefix" }, "chain_prefix"},
		{"prefix with space", func(c *Config) { c.ChainPrefix = "app wall" }, "chain_prefix"},
		{"prefix option", func(c *Config) { c.ChainPrefix = "-j" }, "chain_prefix"},
		{"protocol", func(c *Config) { c.Protocols = []string{"tcp", "icmp"} }, "protocols"},
		{"duplicate protocol", func(c *Config) { c.Protocols = []string{"tcp", "TCP"} }, "protocols"},
		{"control port", func(c *Config) { c.ControlPort = 70000 }, "control_port"},
		{"mark offset", func(c *Config) { c.UIDMarkOffset = -1 }, "uid_mark_offset"},
		{"queue", func(c *Config) { c.Queue.Number = -2 }, "queue.number"},
		{"watch", func(c *Config) { c.Watch = []int{-5} }, "watch"},
		{"policy", func(c *Config) { c.DefaultPolicy = "drop" }, "default_policy"},
		{"filter mode", func(c *Config) { c.FilterMode = "some" }, "filter_mode"},
		{"device pattern", func(c *Config) { c.Devices.Wifi = []string{"wlan 0"} }, "devices.wifi"},
		{"wait", func(c *Config) { c.IPTables.WaitSeconds = -1 }, "iptables.wait_seconds"},
		{"metrics", func(c *Config) { c.Metrics.Listen = "9100" }, "metrics.listen"},
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"rule", func(c *Config) {
			c.Rules = []Rule{{Name: "x", UID: 1, Protocol: "sctp", Device: "any", Policy: "accept"}}
		}, "rule.x"},
		{"duplicate rule", func(c *Config) {
			r := Rule{Name: "x", UID: 1, Protocol: "tcp", Device: "any", Policy: "accept"}
			c.Rules = []Rule{r, r}
		}, "rule.x"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			errs := cfg.Validate()

			if tt.field == "" {
				if errs.HasErrors() {
					t.Fatalf("unexpected errors: %v", errs)
				}
				return
			}
			if !errs.HasErrors() {
				t.Fatalf("expected error on %s", tt.field)
			}
			found := false
			for _, e := range errs {
				if e.Field == tt.field {
					found = true
				}
			}
			if !found {
				t.Errorf("errors %v do not mention %s", errs, tt.field)
			}
		})
	}
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}
	if got := errs.Error(); !strings.Contains(got, "a: bad") || !strings.Contains(got, "; b: worse") {
		t.Errorf("Error() = %q", got)
	}
	if (ValidationErrors{}).Error() != "" {
		t.Error("empty errors should render empty")
	}
}
