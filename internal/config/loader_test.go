package config

import (
	"os"
	"path/filepath"
	"testing"

	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
)

func TestLoadBytes_Full(t *testing.T) {
	src := `
schema_version  = "1.0"
chain_prefix    = "aw"
protocols       = ["tcp"]
control_port    = 5555
uid_mark_offset = 20000
default_policy  = "reject"
filter_mode     = "filter_tcp"
state_path      = "/tmp/aw.db"
watch           = [10023, 10042]

queue {
  number = 4
  bypass = false
}

devices {
  wifi     = concat(defaults.wifi, ["wlp+"])
  cellular = ["rmnet+"]
}

iptables {
  path         = "/usr/sbin/iptables"
  wait_seconds = 2
}

metrics {
  listen = "127.0.0.1:9105"
}

logging {
  level = "debug"
  json  = true
}

rule "dns" {
  uid         = 10023
  protocol    = "udp"
  destination = "*:53"
  policy      = "accept"
}

rule "block-tracker" {
  uid         = 10042
  destination = "203.0.113.7"
  device      = "cellular"
  policy      = "block"
}
`
	cfg, err := LoadBytes("appwall.hcl", []byte(src))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}

	if cfg.ChainPrefix != "aw" {
		t.Errorf("ChainPrefix = %q, want aw", cfg.ChainPrefix)
	}
	if got := len(cfg.Devices.Wifi); got != len(firewall.DefaultWifiDevices)+1 {
		t.Errorf("len(Devices.Wifi) = %d, want %d", got, len(firewall.DefaultWifiDevices)+1)
	}
	if len(cfg.Watch) != 2 || cfg.Watch[1] != 10042 {
		t.Errorf("Watch = %v", cfg.Watch)
	}
	if cfg.IPTables.WaitSeconds != 2 || cfg.IPTables.Path != "/usr/sbin/iptables" {
		t.Errorf("IPTables = %+v", cfg.IPTables)
	}
	if !cfg.Logging.JSON || cfg.Logging.Level != "debug" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}

	opts := cfg.FirewallOptions()
	if opts.Prefix != "aw" || opts.QueueNum != 4 || opts.QueueBypass || opts.ControlPort != 5555 || opts.MarkOffset != 20000 {
		t.Errorf("FirewallOptions() = %+v", opts)
	}
	if len(opts.Protocols) != 1 || opts.Protocols[0] != firewall.ProtocolTCP {
		t.Errorf("Protocols = %v", opts.Protocols)
	}

	mode, err := cfg.DefaultMode()
	if err != nil || mode != firewall.RejectAllUnmatched {
		t.Errorf("DefaultMode() = %v, %v", mode, err)
	}
	filter, err := cfg.Filter()
	if err != nil || filter != firewall.FilterTCPOnly {
		t.Errorf("Filter() = %v, %v", filter, err)
	}

	if len(cfg.Rules) != 2 {
		t.Fatalf("len(Rules) = %d, want 2", len(cfg.Rules))
	}
	dns, err := cfg.Rules[0].TransportRule()
	if err != nil {
		t.Fatalf("TransportRule() error = %v", err)
	}
	want := firewall.TransportRule{
		UID:         10023,
		Destination: firewall.Endpoint{Port: 53},
		Device:      firewall.DeviceAny,
		Protocol:    firewall.ProtocolUDP,
		Policy:      firewall.PolicyAccept,
	}
	if dns != want {
		t.Errorf("rule dns = %+v, want %+v", dns, want)
	}
	tracker, _ := cfg.Rules[1].TransportRule()
	if tracker.Protocol != firewall.ProtocolTCP || tracker.Device != firewall.DeviceCellular {
		t.Errorf("rule block-tracker defaults not applied: %+v", tracker)
	}
}

func TestLoadBytes_Empty(t *testing.T) {
	cfg, err := LoadBytes("appwall.hcl", nil)
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	def := Default()
	if cfg.ChainPrefix != def.ChainPrefix || cfg.StatePath != def.StatePath {
		t.Errorf("empty file did not yield defaults: %+v", cfg)
	}
	if !*cfg.Queue.Bypass {
		t.Error("queue bypass should default to true")
	}
	if cfg.IPTables.WaitSeconds != DefaultWaitSeconds {
		t.Errorf("WaitSeconds = %d", cfg.IPTables.WaitSeconds)
	}
}

func TestLoadBytes_Env(t *testing.T) {
	t.Setenv("APPWALL_TEST_STATE", "/run/appwall-test")
	cfg, err := LoadBytes("appwall.hcl", []byte(`state_path = "${env.APPWALL_TEST_STATE}/state.db"`))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	if cfg.StatePath != "/run/appwall-test/state.db" {
		t.Errorf("StatePath = %q", cfg.StatePath)
	}
}

func TestLoadBytes_JSON(t *testing.T) {
	cfg, err := LoadBytes("appwall.json", []byte(`{"chain_prefix": "jw", "control_port": 7000}`))
	if err != nil {
		t.Fatalf("LoadBytes() error = %v", err)
	}
	if cfg.ChainPrefix != "jw" || cfg.ControlPort != 7000 {
		t.Errorf("got %+v", cfg)
	}
}

func TestLoadBytes_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `chain_prefix = `},
		{"unknown attribute", `zones = []`},
		{"wrong type", `control_port = "high"`},
		{"invalid value", `default_policy = "drop"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBytes("appwall.hcl", []byte(tt.src))
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.HasKind(err, errors.KindValidation) {
				t.Errorf("kind = %v, want validation", errors.GetKind(err))
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "appwall.hcl")
	if err := os.WriteFile(path, []byte(`control_port = 4000`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}
	if cfg.ControlPort != 4000 {
		t.Errorf("ControlPort = %d", cfg.ControlPort)
	}

	if _, err := LoadFile(filepath.Join(dir, "missing.hcl")); err == nil {
		t.Error("expected error for missing explicit file")
	}
}

func TestRender_RoundTrip(t *testing.T) {
	cfg := Default()
	cfg.ControlPort = 5555
	cfg.Watch = []int{10023}
	cfg.Rules = []Rule{{Name: "web", UID: 10023, Protocol: "tcp", Destination: "*:443", Device: "wifi", Policy: "accept"}}

	out := Render(cfg)
	back, err := LoadBytes("rendered.hcl", out)
	if err != nil {
		t.Fatalf("rendered config does not load: %v\n%s", err, out)
	}
	if back.ControlPort != 5555 || len(back.Rules) != 1 || back.Rules[0] != cfg.Rules[0] {
		t.Errorf("round trip mismatch:\n%s", out)
	}
	if *back.Queue.Bypass != true {
		t.Error("bypass lost in round trip")
	}

	formatted, err := FormatHCL(out)
	if err != nil {
		t.Fatalf("FormatHCL() error = %v", err)
	}
	if string(formatted) != string(out) {
		t.Error("Render output is not canonically formatted")
	}
}

func TestParseHCLWithDiagnostics(t *testing.T) {
	diags, err := ParseHCLWithDiagnostics("bad.hcl", []byte("queue {\n  number = \n"))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(diags) == 0 || diags[0].Severity != "error" || diags[0].Line == 0 {
		t.Errorf("diags = %+v", diags)
	}

	if _, err := ParseHCLWithDiagnostics("ok.hcl", []byte(`control_port = 1`)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
