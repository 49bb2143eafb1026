package helper

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/nonsense/internal/model"
)

// Interface name prefixes: the entity end of its veth pair, the uplink end,
// and the bridge of a switch.
const (
	prefixUp     = "nu-"
	prefixDown   = "nd-"
	prefixBridge = "nb-"
)

// Host numbers within a switch's network.
const (
	hostGateway = 1 // the switch's downlink end, in the uplink namespace
	hostSwitch  = 2 // the switch's own bridge
	hostClient  = 3
)

// network provisions the network component of one entity.
type network struct {
	entity string
	ns     string
	ops    Ops
	log    *logrus.Entry

	up, down, bridge string
}

func newNetwork(entity string, ops Ops, log *logrus.Entry) (*network, error) {
	n := &network{entity: entity, ns: NamespaceName(entity), ops: ops, log: log}
	var err error
	if n.up, err = linkName(prefixUp, entity); err != nil {
		return nil, err
	}
	if n.down, err = linkName(prefixDown, entity); err != nil {
		return nil, err
	}
	if n.bridge, err = linkName(prefixBridge, entity); err != nil {
		return nil, err
	}
	return n, nil
}

// step runs do and, if it succeeds, pushes undo onto clean.
func (n *network) step(clean *Cleanup, what string, do func() error, undo func() error) error {
	n.log.Debug(what)
	if err := do(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if undo != nil {
		clean.Add(func() error {
			if err := undo(); err != nil {
				n.log.WithError(err).Warnf("undo %s", what)
				return fmt.Errorf("undo %s: %w", what, err)
			}
			return nil
		})
	}
	return nil
}

// provision applies c. Undo steps for the namespace and local links go to
// component, those for the attachment to the uplink go to connection.
func (n *network) provision(c model.Component, component, connection *Cleanup) error {
	role, _ := c.String(model.KeyRole)

	if err := n.setupNamespace(c, component); err != nil {
		return err
	}

	switch role {
	case model.RoleRoot:
		return nil
	case model.RoleSwitch:
		if err := n.setupInterfaces(component); err != nil {
			return err
		}
		if err := n.setupBridge(component); err != nil {
			return err
		}
		return n.connect(c, role, connection)
	case model.RoleClient:
		if err := n.setupInterfaces(component); err != nil {
			return err
		}
		return n.connect(c, role, connection)
	case model.RoleRouter, model.RoleInterface:
		return fmt.Errorf("network role %s is not implemented", role)
	default:
		return fmt.Errorf("unknown network role %q", role)
	}
}

func (n *network) setupNamespace(c model.Component, clean *Cleanup) error {
	if external, _ := c.Bool(model.KeyExternal); external {
		source, ok := c.String(model.KeyExternalName)
		if !ok {
			source = NetnsDir + "/" + n.entity
		}
		return n.step(clean, "pin external namespace "+source,
			func() error { return n.ops.PinNamespace(n.ns, source) },
			func() error { return n.ops.DeleteNamespace(n.ns) })
	}
	if isDefault, _ := c.Bool(model.KeyDefault); isDefault {
		return n.step(clean, "pin host namespace",
			func() error { return n.ops.PinNamespace(n.ns, HostNamespace) },
			func() error { return n.ops.DeleteNamespace(n.ns) })
	}
	return n.step(clean, "create namespace "+n.ns,
		func() error { return n.ops.CreateNamespace(n.ns) },
		func() error { return n.ops.DeleteNamespace(n.ns) })
}

func (n *network) setupInterfaces(clean *Cleanup) error {
	if err := n.step(clean, "add veth "+n.up,
		func() error { return n.ops.AddVeth(n.ns, n.up, n.down) },
		func() error { return n.ops.DeleteLink(n.ns, n.up) }); err != nil {
		return err
	}
	return n.step(clean, "set "+n.up+" up",
		func() error { return n.ops.SetLinkUp(n.ns, n.up) }, nil)
}

func (n *network) setupBridge(clean *Cleanup) error {
	if err := n.step(clean, "add bridge "+n.bridge,
		func() error { return n.ops.AddBridge(n.ns, n.bridge) },
		func() error { return n.ops.DeleteLink(n.ns, n.bridge) }); err != nil {
		return err
	}
	if err := n.step(clean, "set "+n.bridge+" up",
		func() error { return n.ops.SetLinkUp(n.ns, n.bridge) }, nil); err != nil {
		return err
	}
	return n.step(clean, "enslave "+n.up+" to "+n.bridge,
		func() error { return n.ops.SetMaster(n.ns, n.up, n.bridge) }, nil)
}

// connect moves the uplink end of the veth pair into the uplink's namespace
// and sets up addressing and routes for the role.
func (n *network) connect(c model.Component, role string, clean *Cleanup) error {
	uplinkName, ok := c.String(model.KeyUplinkName)
	if !ok {
		return fmt.Errorf("%s %s has no uplink", role, n.entity)
	}
	uplink, ok := model.AsComponent(c[model.KeyUplink])
	if !ok {
		return fmt.Errorf("uplink %s of %s was not resolved", uplinkName, n.entity)
	}
	upNs := NamespaceName(uplinkName)

	if err := n.step(clean, "move "+n.down+" to "+upNs,
		func() error { return n.ops.MoveLink(n.ns, n.down, upNs) },
		func() error { return n.ops.MoveLink(upNs, n.down, n.ns) }); err != nil {
		return err
	}

	if role == model.RoleSwitch {
		return n.connectSwitch(c, uplink, upNs, clean)
	}
	return n.connectClient(uplink, uplinkName, upNs, clean)
}

func (n *network) connectSwitch(c, uplink model.Component, upNs string, clean *Cleanup) error {
	address, _ := c.String(model.KeyAddress)
	subnet, err := Network(address)
	if err != nil {
		return err
	}
	gateway, err := NthAddress(address, hostGateway)
	if err != nil {
		return err
	}
	own, err := NthAddress(address, hostSwitch)
	if err != nil {
		return err
	}

	if err := n.step(clean, "address "+gateway.String()+" on "+n.down,
		func() error { return n.ops.AddAddr(upNs, n.down, gateway) },
		func() error { return n.ops.DelAddr(upNs, n.down, gateway) }); err != nil {
		return err
	}

	// Every switch above this one routes the new network down the chain.
	for up := uplink; up != nil; {
		if role, _ := up.String(model.KeyRole); role != model.RoleSwitch {
			break
		}
		above, ok := up.String(model.KeyUplinkName)
		if !ok {
			break
		}
		upAddress, _ := up.String(model.KeyAddress)
		via, err := NthAddress(upAddress, hostSwitch)
		if err != nil {
			return err
		}
		aboveNs := NamespaceName(above)
		if err := n.step(clean, "route "+subnet.String()+" in "+aboveNs,
			func() error { return n.ops.AddRoute(aboveNs, subnet, via.IP) },
			func() error { return n.ops.DelRoute(aboveNs, subnet, via.IP) }); err != nil {
			return err
		}
		up, _ = model.AsComponent(up[model.KeyUplink])
	}

	if err := n.step(clean, "set "+n.down+" up",
		func() error { return n.ops.SetLinkUp(upNs, n.down) },
		func() error { return n.ops.SetLinkDown(upNs, n.down) }); err != nil {
		return err
	}
	if err := n.step(clean, "address "+own.String()+" on "+n.bridge,
		func() error { return n.ops.AddAddr(n.ns, n.bridge, own) },
		func() error { return n.ops.DelAddr(n.ns, n.bridge, own) }); err != nil {
		return err
	}
	return n.defaultRoute(gateway.IP, clean)
}

func (n *network) connectClient(uplink model.Component, uplinkName, upNs string, clean *Cleanup) error {
	upAddress, ok := uplink.String(model.KeyAddress)
	if !ok {
		return fmt.Errorf("uplink %s of client %s has no address", uplinkName, n.entity)
	}
	upBridge, err := linkName(prefixBridge, uplinkName)
	if err != nil {
		return err
	}
	gateway, err := NthAddress(upAddress, hostGateway)
	if err != nil {
		return err
	}
	own, err := NthAddress(upAddress, hostClient)
	if err != nil {
		return err
	}

	if err := n.step(clean, "enslave "+n.down+" to "+upBridge,
		func() error { return n.ops.SetMaster(upNs, n.down, upBridge) }, nil); err != nil {
		return err
	}
	if err := n.step(clean, "set "+n.down+" up",
		func() error { return n.ops.SetLinkUp(upNs, n.down) },
		func() error { return n.ops.SetLinkDown(upNs, n.down) }); err != nil {
		return err
	}
	if err := n.step(clean, "address "+own.String()+" on "+n.up,
		func() error { return n.ops.AddAddr(n.ns, n.up, own) },
		func() error { return n.ops.DelAddr(n.ns, n.up, own) }); err != nil {
		return err
	}
	return n.defaultRoute(gateway.IP, clean)
}

func (n *network) defaultRoute(gw net.IP, clean *Cleanup) error {
	return n.step(clean, "default route via "+gw.String(),
		func() error { return n.ops.AddRoute(n.ns, nil, gw) },
		func() error { return n.ops.DelRoute(n.ns, nil, gw) })
}
