package firewall

import (
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"grimm.is/appwall/internal/errors"
)

// DeviceFilter selects the interface class a rule applies to.
type DeviceFilter int

const (
	DeviceWifi DeviceFilter = iota
	DeviceCellular
	// DeviceAny expands to Wifi and Cellular at compile time.
	DeviceAny
)

// Expand returns the concrete device classes d stands for, in apply order.
func (d DeviceFilter) Expand() []DeviceFilter {
	switch d {
	case DeviceWifi, DeviceCellular:
		return []DeviceFilter{d}
	case DeviceAny:
		return []DeviceFilter{DeviceWifi, DeviceCellular}
	}
	panic(fmt.Sprintf("firewall: unknown device filter %d", int(d)))
}

func (d DeviceFilter) String() string {
	switch d {
	case DeviceWifi:
		return "wifi"
	case DeviceCellular:
		return "cellular"
	case DeviceAny:
		return "any"
	}
	return "DeviceFilter(" + strconv.Itoa(int(d)) + ")"
}

// ParseDeviceFilter accepts wifi, cellular (or 3g) and any.
func ParseDeviceFilter(s string) (DeviceFilter, error) {
	switch strings.ToLower(s) {
	case "wifi", "wlan":
		return DeviceWifi, nil
	case "cellular", "3g", "mobile":
		return DeviceCellular, nil
	case "any", "":
		return DeviceAny, nil
	}
	return 0, errors.Errorf(errors.KindInvalidRule, "unknown device filter %q", s)
}

func (d DeviceFilter) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DeviceFilter) UnmarshalText(b []byte) error {
	v, err := ParseDeviceFilter(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// RulePolicy is the verdict a matched rule jumps to.
type RulePolicy int

const (
	PolicyAccept RulePolicy = iota
	PolicyBlock
	PolicyInteractive
)

func (p RulePolicy) String() string {
	switch p {
	case PolicyAccept:
		return "accept"
	case PolicyBlock:
		return "block"
	case PolicyInteractive:
		return "interactive"
	}
	return "RulePolicy(" + strconv.Itoa(int(p)) + ")"
}

// ParseRulePolicy accepts accept, block (or reject) and interactive.
func ParseRulePolicy(s string) (RulePolicy, error) {
	switch strings.ToLower(s) {
	case "accept", "allow":
		return PolicyAccept, nil
	case "block", "reject", "deny":
		return PolicyBlock, nil
	case "interactive", "ask":
		return PolicyInteractive, nil
	}
	return 0, errors.Errorf(errors.KindInvalidRule, "unknown rule policy %q", s)
}

func (p RulePolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *RulePolicy) UnmarshalText(b []byte) error {
	v, err := ParseRulePolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Protocol is a transport protocol the firewall hooks.
type Protocol string

const (
	ProtocolTCP Protocol = "tcp"
	ProtocolUDP Protocol = "udp"
)

// Protocols lists every protocol the firewall knows how to hook.
var Protocols = []Protocol{ProtocolTCP, ProtocolUDP}

// ParseProtocol accepts tcp and udp in any case.
func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(s)); p {
	case ProtocolTCP, ProtocolUDP:
		return p, nil
	}
	return "", errors.Errorf(errors.KindInvalidRule, "unsupported protocol %q", s)
}

// Endpoint filters one side of a connection. An empty IP, "*", or a
// loopback address means any host; Port 0 means any port.
type Endpoint struct {
	IP   string `json:"ip,omitempty"`
	Port int    `json:"port,omitempty"`
}

// AnyEndpoint matches every host and port.
var AnyEndpoint = Endpoint{}

// ParseEndpoint parses "ip:port", "ip", ":port" or "*". Only IPv4
// addresses, IPv4 networks and host names are accepted.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return AnyEndpoint, nil
	}
	if strings.Count(s, ":") > 1 || strings.ContainsAny(s, "[]") {
		return Endpoint{}, errors.Errorf(errors.KindInvalidRule, "IPv6 endpoint %q not supported", s)
	}
	host, port, _ := strings.Cut(s, ":")
	ep := Endpoint{IP: host}
	if host == "*" {
		ep.IP = ""
	}
	if port != "" && port != "*" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return Endpoint{}, errors.Wrapf(err, errors.KindInvalidRule, "invalid port in %q", s)
		}
		ep.Port = n
	}
	if err := ep.validate("endpoint"); err != nil {
		return Endpoint{}, err
	}
	return ep, nil
}

// HasIP reports whether the endpoint carries a concrete filterable address.
func (e Endpoint) HasIP() bool {
	switch e.IP {
	case "", "*", "localhost", "127.0.0.1":
		return false
	}
	return true
}

// HasPort reports whether the endpoint restricts the port.
func (e Endpoint) HasPort() bool {
	return e.Port > 0
}

func (e Endpoint) String() string {
	ip := e.IP
	if ip == "" {
		ip = "*"
	}
	if e.Port <= 0 {
		return ip + ":*"
	}
	return ip + ":" + strconv.Itoa(e.Port)
}

var hostnameRe = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?(\.[A-Za-z0-9]([A-Za-z0-9-]{0,61}[A-Za-z0-9])?)*$`)

func (e Endpoint) validate(side string) error {
	if e.Port < 0 || e.Port > 65535 {
		return errors.Errorf(errors.KindInvalidRule, "%s port %d out of range", side, e.Port)
	}
	if e.IP == "" || e.IP == "*" {
		return nil
	}
	if !validAddress(e.IP) {
		return errors.Errorf(errors.KindInvalidRule, "%s address %q is not an IPv4 address, IPv4 network or host name", side, e.IP)
	}
	return nil
}

// validAddress accepts what iptables takes after --source/--destination
// for the IPv4 table. Anything starting with "-" would be read as an option.
func validAddress(s string) bool {
	if strings.Contains(s, ":") {
		return false
	}
	if ip := net.ParseIP(s); ip != nil {
		return ip.To4() != nil
	}
	if ip, _, err := net.ParseCIDR(s); err == nil {
		return ip.To4() != nil
	}
	if strings.Contains(s, "/") || strings.Trim(s, "0123456789.") == "" {
		return false
	}
	return hostnameRe.MatchString(s)
}

// Rule is a firewall rule variant: TransportRule or RedirectRule.
type Rule interface {
	// UserID is the owning user id the rule is scoped to.
	UserID() int
	isRule()
}

// TransportRule filters connections of one user by endpoints and device.
type TransportRule struct {
	UID         int          `json:"uid"`
	Source      Endpoint     `json:"source"`
	Destination Endpoint     `json:"destination"`
	Device      DeviceFilter `json:"device"`
	Protocol    Protocol     `json:"protocol"`
	Policy      RulePolicy   `json:"policy"`
}

func (r TransportRule) UserID() int { return r.UID }
func (TransportRule) isRule()       {}

// Normalized returns r with the protocol in the lower-case form the filter
// table and the registry compare against.
func (r TransportRule) Normalized() TransportRule {
	r.Protocol = Protocol(strings.ToLower(string(r.Protocol)))
	return r
}

func (r TransportRule) String() string {
	return fmt.Sprintf("uid=%d %s %s -> %s dev=%s policy=%s",
		r.UID, r.Protocol, r.Source, r.Destination, r.Device, r.Policy)
}

// Validate checks caller-supplied fields. Unknown policies and device
// filters are programming errors and panic during compilation instead.
func (r TransportRule) Validate() error {
	if r.UID < 0 {
		return errors.Errorf(errors.KindInvalidRule, "negative uid %d", r.UID)
	}
	if _, err := ParseProtocol(string(r.Protocol)); err != nil {
		return err
	}
	if err := r.Source.validate("source"); err != nil {
		return err
	}
	return r.Destination.validate("destination")
}

// RedirectRule intercepts connections of one user and redirects them to
// Target. NAT compilation is not supported yet.
type RedirectRule struct {
	UID         int          `json:"uid"`
	Destination Endpoint     `json:"destination"`
	Device      DeviceFilter `json:"device"`
	Target      Endpoint     `json:"target"`
}

func (r RedirectRule) UserID() int { return r.UID }
func (RedirectRule) isRule()       {}

// Validate requires a target carrying both address and port.
func (r RedirectRule) Validate() error {
	if r.UID < 0 {
		return errors.Errorf(errors.KindInvalidRule, "negative uid %d", r.UID)
	}
	if r.Target.IP == "" || r.Target.IP == "*" {
		return errors.New(errors.KindInvalidRule, "redirect target requires an address")
	}
	if !r.Target.HasPort() {
		return errors.New(errors.KindInvalidRule, "redirect target requires a port")
	}
	if err := r.Target.validate("target"); err != nil {
		return err
	}
	return r.Destination.validate("destination")
}
