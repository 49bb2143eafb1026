package helper

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// NetnsDir is where network namespaces are pinned.
const NetnsDir = "/var/run/netns"

// HostNamespace is the source pinned for entities living in the host
// network namespace.
const HostNamespace = "/proc/self/ns/net"

// NamespaceName returns the pinned namespace name of an entity.
func NamespaceName(entity string) string {
	return "nonsense:" + entity
}

// Ops are the network operations the agent performs. Namespaces are named
// after their pin under NetnsDir.
type Ops interface {
	// CreateNamespace creates a new network namespace pinned as ns.
	CreateNamespace(ns string) error
	// PinNamespace pins the namespace at source as ns.
	PinNamespace(ns, source string) error
	// DeleteNamespace removes the pin of ns.
	DeleteNamespace(ns string) error

	AddVeth(ns, name, peer string) error
	AddBridge(ns, name string) error
	DeleteLink(ns, name string) error
	SetLinkUp(ns, name string) error
	SetLinkDown(ns, name string) error
	SetMaster(ns, name, master string) error
	// MoveLink moves link name from namespace ns into namespace target.
	MoveLink(ns, name, target string) error

	AddAddr(ns, link string, addr *net.IPNet) error
	DelAddr(ns, link string, addr *net.IPNet) error
	// AddRoute adds a route to dst via gw; a nil dst is the default route.
	AddRoute(ns string, dst *net.IPNet, gw net.IP) error
	DelRoute(ns string, dst *net.IPNet, gw net.IP) error
}

// linkName builds an interface name, which the kernel limits in length.
func linkName(prefix, entity string) (string, error) {
	name := prefix + entity
	if len(name) >= unix.IFNAMSIZ {
		return "", fmt.Errorf("interface name %s is longer than %d bytes", name, unix.IFNAMSIZ-1)
	}
	return name, nil
}
