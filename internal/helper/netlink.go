//go:build linux

package helper

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"
)

var _ Ops = NetlinkOps{}

// NetlinkOps performs Ops against the kernel. Namespaces are entered
// through netlink handles, so the helper itself stays where it is.
type NetlinkOps struct{}

func nsPath(ns string) string {
	return filepath.Join(NetnsDir, ns)
}

// handle opens a netlink handle inside ns. The returned function closes it.
func (NetlinkOps) handle(ns string) (*netlink.Handle, func(), error) {
	nsh, err := netns.GetFromPath(nsPath(ns))
	if err != nil {
		return nil, nil, fmt.Errorf("open namespace %s: %w", ns, err)
	}
	h, err := netlink.NewHandleAt(nsh)
	if err != nil {
		nsh.Close()
		return nil, nil, fmt.Errorf("netlink handle in %s: %w", ns, err)
	}
	return h, func() {
		h.Close()
		nsh.Close()
	}, nil
}

// link runs fn with the named link of ns.
func (o NetlinkOps) link(ns, name string, fn func(h *netlink.Handle, l netlink.Link) error) error {
	h, done, err := o.handle(ns)
	if err != nil {
		return err
	}
	defer done()

	l, err := h.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find %s in %s: %w", name, ns, err)
	}
	return fn(h, l)
}

// CreateNamespace switches a locked thread into a new namespace to create
// it. If the thread cannot be switched back it is left locked, so the
// runtime discards it.
func (NetlinkOps) CreateNamespace(ns string) error {
	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()

		orig, err := netns.Get()
		if err != nil {
			runtime.UnlockOSThread()
			errc <- fmt.Errorf("current namespace: %w", err)
			return
		}
		defer orig.Close()

		created, err := netns.NewNamed(ns)
		if err == nil {
			created.Close()
		}
		if setErr := netns.Set(orig); setErr != nil {
			errc <- errors.Join(err, fmt.Errorf("restore namespace: %w", setErr))
			return
		}
		runtime.UnlockOSThread()
		if err != nil {
			err = fmt.Errorf("create namespace %s: %w", ns, err)
		}
		errc <- err
	}()
	return <-errc
}

func (NetlinkOps) PinNamespace(ns, source string) error {
	if err := os.MkdirAll(NetnsDir, 0o755); err != nil {
		return err
	}
	path := nsPath(ns)
	// A stale pin from a previous run is replaced.
	_ = unix.Unmount(path, unix.MNT_DETACH)

	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o444)
	if err != nil {
		return fmt.Errorf("create pin %s: %w", path, err)
	}
	f.Close()

	if err := unix.Mount(source, path, "none", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s to %s: %w", source, path, err)
	}
	return nil
}

func (NetlinkOps) DeleteNamespace(ns string) error {
	return netns.DeleteNamed(ns)
}

func (o NetlinkOps) AddVeth(ns, name, peer string) error {
	h, done, err := o.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.LinkAdd(&netlink.Veth{LinkAttrs: netlink.LinkAttrs{Name: name}, PeerName: peer})
}

func (o NetlinkOps) AddBridge(ns, name string) error {
	h, done, err := o.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.LinkAdd(&netlink.Bridge{LinkAttrs: netlink.LinkAttrs{Name: name}})
}

func (o NetlinkOps) DeleteLink(ns, name string) error {
	return o.link(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		return h.LinkDel(l)
	})
}

func (o NetlinkOps) SetLinkUp(ns, name string) error {
	return o.link(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		return h.LinkSetUp(l)
	})
}

func (o NetlinkOps) SetLinkDown(ns, name string) error {
	return o.link(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		return h.LinkSetDown(l)
	})
}

func (o NetlinkOps) SetMaster(ns, name, master string) error {
	return o.link(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		m, err := h.LinkByName(master)
		if err != nil {
			return fmt.Errorf("find %s in %s: %w", master, ns, err)
		}
		return h.LinkSetMaster(l, m)
	})
}

func (o NetlinkOps) MoveLink(ns, name, target string) error {
	return o.link(ns, name, func(h *netlink.Handle, l netlink.Link) error {
		tns, err := netns.GetFromPath(nsPath(target))
		if err != nil {
			return fmt.Errorf("open namespace %s: %w", target, err)
		}
		defer tns.Close()
		return h.LinkSetNsFd(l, int(tns))
	})
}

func (o NetlinkOps) AddAddr(ns, link string, addr *net.IPNet) error {
	return o.link(ns, link, func(h *netlink.Handle, l netlink.Link) error {
		return h.AddrAdd(l, &netlink.Addr{IPNet: addr})
	})
}

func (o NetlinkOps) DelAddr(ns, link string, addr *net.IPNet) error {
	return o.link(ns, link, func(h *netlink.Handle, l netlink.Link) error {
		return h.AddrDel(l, &netlink.Addr{IPNet: addr})
	})
}

func (o NetlinkOps) AddRoute(ns string, dst *net.IPNet, gw net.IP) error {
	h, done, err := o.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.RouteAdd(&netlink.Route{Dst: dst, Gw: gw})
}

func (o NetlinkOps) DelRoute(ns string, dst *net.IPNet, gw net.IP) error {
	h, done, err := o.handle(ns)
	if err != nil {
		return err
	}
	defer done()
	return h.RouteDel(&netlink.Route{Dst: dst, Gw: gw})
}
