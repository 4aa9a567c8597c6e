package firewall

import (
	"fmt"
	"strconv"

	"grimm.is/appwall/internal/netfilter"
)

// DefaultChainPrefix names the main chain; every managed chain derives from it.
const DefaultChainPrefix = "appwall"

// DefaultMarkOffset is added to a uid to form the packet mark of its traffic.
const DefaultMarkOffset = 10000

// Default interface patterns per device class.
var (
	DefaultWifiDevices     = []string{"tiwlan+", "wlan+", "eth+", "ra+"}
	DefaultCellularDevices = []string{"rmnet+", "pdp+", "ppp+", "uwbr+", "wimax+", "vsnet+", "ccmni+", "usb+"}
)

// ChainRole classifies a chain in the dependency graph.
type ChainRole int

const (
	RoleRoot ChainRole = iota
	RoleRouting
	RoleTerminal
)

func (r ChainRole) String() string {
	switch r {
	case RoleRoot:
		return "root"
	case RoleRouting:
		return "routing"
	case RoleTerminal:
		return "terminal"
	}
	return "ChainRole(" + strconv.Itoa(int(r)) + ")"
}

// Options describes the installed topology.
type Options struct {
	Prefix string
	// Protocols hooked from the root chains.
	Protocols []Protocol
	// QueueNum is the NFQUEUE number of the interactive chain.
	QueueNum int
	// QueueBypass accepts packets while no consumer is bound to the queue.
	QueueBypass bool
	// ControlPort, when non-zero, is a localhost TCP port always accepted.
	ControlPort int
	MarkOffset  int
	Wifi        []string
	Cellular    []string
}

// DefaultOptions returns the stock topology.
func DefaultOptions() Options {
	return Options{
		Prefix:      DefaultChainPrefix,
		Protocols:   []Protocol{ProtocolTCP, ProtocolUDP},
		QueueBypass: true,
		MarkOffset:  DefaultMarkOffset,
		Wifi:        append([]string(nil), DefaultWifiDevices...),
		Cellular:    append([]string(nil), DefaultCellularDevices...),
	}
}

func (o Options) withDefaults() Options {
	if o.Prefix == "" {
		o.Prefix = DefaultChainPrefix
	}
	if len(o.Protocols) == 0 {
		o.Protocols = []Protocol{ProtocolTCP, ProtocolUDP}
	}
	if o.MarkOffset == 0 {
		o.MarkOffset = DefaultMarkOffset
	}
	return o
}

// Devices returns the interface patterns of a concrete device class.
func (o Options) Devices(d DeviceFilter) []string {
	switch d {
	case DeviceWifi:
		return o.Wifi
	case DeviceCellular:
		return o.Cellular
	}
	panic(fmt.Sprintf("firewall: no interface patterns for device filter %s", d))
}

// Chains holds the managed chain names. Reconciliation is name based, so
// the names must be stable across restarts.
type Chains struct {
	Prefilter   string
	Main        string
	Wifi        string
	Cellular    string
	Accept      string
	Reject      string
	Interactive string
}

// NewChains derives the managed chain names from prefix.
func NewChains(prefix string) Chains {
	return Chains{
		Prefilter:   prefix + "-prefilter",
		Main:        prefix,
		Wifi:        prefix + "-if-wifi",
		Cellular:    prefix + "-if-cellular",
		Accept:      prefix + "-action-accept",
		Reject:      prefix + "-action-reject",
		Interactive: prefix + "-interactive",
	}
}

// Device returns the routing chain of a concrete device class.
func (c Chains) Device(d DeviceFilter) string {
	switch d {
	case DeviceWifi:
		return c.Wifi
	case DeviceCellular:
		return c.Cellular
	}
	panic(fmt.Sprintf("firewall: no chain for device filter %s", d))
}

// Terminal returns the action chain a policy jumps to.
func (c Chains) Terminal(p RulePolicy) string {
	switch p {
	case PolicyAccept:
		return c.Accept
	case PolicyBlock:
		return c.Reject
	case PolicyInteractive:
		return c.Interactive
	}
	panic(fmt.Sprintf("firewall: unknown rule policy %d", int(p)))
}

// Managed returns every managed chain in teardown order.
func (c Chains) Managed() []string {
	return []string{c.Prefilter, c.Main, c.Wifi, c.Cellular, c.Accept, c.Reject, c.Interactive}
}

// Role returns the role of a chain name.
func (c Chains) Role(name string) ChainRole {
	switch name {
	case netfilter.ChainInput, netfilter.ChainOutput:
		return RoleRoot
	case c.Accept, c.Reject, c.Interactive:
		return RoleTerminal
	}
	return RoleRouting
}

// Primitive is one concrete rule and the chain it lives in.
type Primitive struct {
	Chain string         `json:"chain"`
	Spec  netfilter.Spec `json:"spec"`
}

func (p Primitive) String() string {
	return "-A " + p.Chain + " " + p.Spec.String()
}

// rootJumps are the hook rules diverting traffic into the prefilter chain.
func rootJumps(c Chains, protocols []Protocol) []Primitive {
	var out []Primitive
	for _, hook := range []string{netfilter.ChainInput, netfilter.ChainOutput} {
		for _, proto := range protocols {
			out = append(out, Primitive{hook, netfilter.Spec{"-p", string(proto), "-j", c.Prefilter}})
		}
	}
	return out
}

// mainRules are the structural rules of the main chain, without the
// trailing default jump.
func mainRules(c Chains, o Options) []Primitive {
	var out []Primitive
	if o.ControlPort > 0 {
		port := strconv.Itoa(o.ControlPort)
		out = append(out,
			Primitive{c.Main, netfilter.Spec{"-p", "tcp", "-s", "127.0.0.1", "-d", "127.0.0.1", "--destination-port", port, "-j", "ACCEPT"}},
			Primitive{c.Main, netfilter.Spec{"-p", "tcp", "-s", "127.0.0.1", "-d", "127.0.0.1", "--source-port", port, "-j", "ACCEPT"}},
		)
	}
	for _, dev := range []DeviceFilter{DeviceWifi, DeviceCellular} {
		for _, pattern := range o.Devices(dev) {
			out = append(out,
				Primitive{c.Main, netfilter.Spec{"-i", pattern, "-j", c.Device(dev)}},
				Primitive{c.Main, netfilter.Spec{"-o", pattern, "-j", c.Device(dev)}},
			)
		}
	}
	return out
}

// terminalRules are the single action rule of each terminal chain.
func terminalRules(c Chains, o Options) []Primitive {
	queue := netfilter.Spec{"-j", "NFQUEUE", "--queue-num", strconv.Itoa(o.QueueNum)}
	if o.QueueBypass {
		queue = append(queue, "--queue-bypass")
	}
	return []Primitive{
		{c.Accept, netfilter.Spec{"-j", "ACCEPT"}},
		{c.Reject, netfilter.Spec{"-j", "REJECT", "--reject-with", "icmp-port-unreachable"}},
		{c.Interactive, queue},
	}
}

// defaultJump is the trailing main-chain rule for a default mode.
func defaultJump(c Chains, m DefaultMode) Primitive {
	return Primitive{c.Main, netfilter.Spec{"-j", c.Terminal(m.Policy())}}
}

// forwardingPair is the mark and jump rule that funnel a uid into main.
func forwardingPair(c Chains, o Options, uid int) [2]Primitive {
	owner := []string{"-m", "owner", "--uid-owner", strconv.Itoa(uid)}
	mark := append(append(netfilter.Spec{}, owner...), "-j", "MARK", "--set-mark", strconv.Itoa(uid+o.MarkOffset))
	jump := append(append(netfilter.Spec{}, owner...), "-j", c.Main)
	return [2]Primitive{{c.Prefilter, mark}, {c.Prefilter, jump}}
}
