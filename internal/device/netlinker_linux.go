//go:build linux

package device

import "github.com/vishvananda/netlink"

// DefaultNetlinker lists links of the current network namespace.
var DefaultNetlinker Netlinker = &RealNetlinker{}

// RealNetlinker is the Netlinker backed by the netlink package.
type RealNetlinker struct{}

// LinkList retrieves all links.
func (r *RealNetlinker) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}
