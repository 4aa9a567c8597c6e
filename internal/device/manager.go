// Package device classifies live network interfaces into the device classes
// the firewall dispatches on.
//
// Patterns follow iptables interface matching: a trailing "+" matches any
// name with that prefix, anything else matches exactly.
package device

import (
	"net"
	"sort"
	"strings"

	"github.com/vishvananda/netlink"

	"grimm.is/appwall/internal/errors"
	"grimm.is/appwall/internal/firewall"
	"grimm.is/appwall/internal/logging"
)

// Interface is one live link and the device class it falls into.
type Interface struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Up    bool   `json:"up"`
	// Class is "wifi", "cellular" or empty when no pattern matches.
	Class string `json:"class,omitempty"`
	// Pattern is the first pattern that matched the name.
	Pattern string `json:"pattern,omitempty"`
}

// Manager lists links and classifies them against the configured patterns.
type Manager struct {
	links    Netlinker
	wifi     []string
	cellular []string
	logger   *logging.Logger
}

// NewManager creates a manager using the device patterns of opts.
func NewManager(links Netlinker, opts firewall.Options, logger *logging.Logger) *Manager {
	if links == nil {
		links = DefaultNetlinker
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		links:    links,
		wifi:     opts.Devices(firewall.DeviceWifi),
		cellular: opts.Devices(firewall.DeviceCellular),
		logger:   logger.WithComponent("device"),
	}
}

// MatchPattern reports whether name matches an iptables interface pattern.
func MatchPattern(pattern, name string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "+"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return pattern == name
}

func firstMatch(patterns []string, name string) string {
	for _, p := range patterns {
		if MatchPattern(p, name) {
			return p
		}
	}
	return ""
}

// Classify returns the device class of an interface name. Wifi patterns
// win over cellular ones, the same order the dispatch rules are installed.
func (m *Manager) Classify(name string) (firewall.DeviceFilter, string, bool) {
	if p := firstMatch(m.wifi, name); p != "" {
		return firewall.DeviceWifi, p, true
	}
	if p := firstMatch(m.cellular, name); p != "" {
		return firewall.DeviceCellular, p, true
	}
	return 0, "", false
}

// List returns every live link sorted by index, classified.
func (m *Manager) List() ([]Interface, error) {
	links, err := m.links.LinkList()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindCall, "failed to list links")
	}

	out := make([]Interface, 0, len(links))
	for _, l := range links {
		attrs := l.Attrs()
		if attrs == nil {
			continue
		}
		iface := Interface{
			Name:  attrs.Name,
			Index: attrs.Index,
			Up:    attrs.Flags&net.FlagUp != 0 || attrs.OperState == netlink.OperUp,
		}
		if class, pattern, ok := m.Classify(attrs.Name); ok {
			iface.Class = class.String()
			iface.Pattern = pattern
		}
		out = append(out, iface)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	m.logger.Debug("listed links", "count", len(out))
	return out, nil
}

// Counts returns how many live links fall into each device class. Both
// classes are always present.
func (m *Manager) Counts() (map[string]int, error) {
	ifaces, err := m.List()
	if err != nil {
		return nil, err
	}
	counts := map[string]int{
		firewall.DeviceWifi.String():     0,
		firewall.DeviceCellular.String(): 0,
	}
	for _, iface := range ifaces {
		if iface.Class != "" {
			counts[iface.Class]++
		}
	}
	return counts, nil
}

// Unmatched returns live links other than loopback that no device pattern
// covers. Their traffic only meets the default handling rule.
func (m *Manager) Unmatched() ([]Interface, error) {
	ifaces, err := m.List()
	if err != nil {
		return nil, err
	}
	var out []Interface
	for _, iface := range ifaces {
		if iface.Class == "" && iface.Name != "lo" {
			out = append(out, iface)
		}
	}
	return out, nil
}
