package device

import "github.com/vishvananda/netlink"

// Netlinker abstracts the netlink calls the manager needs.
// This allows for mocking netlink calls during unit testing.
type Netlinker interface {
	LinkList() ([]netlink.Link, error)
}
