// Package controller exports the daemon's control object on the system bus.
package controller

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/nonsense/internal/async"
	"github.com/seantiz/nonsense/internal/bus"
)

// Orchestrator is what the controller forwards calls to. Its methods are
// called on the loop goroutine.
type Orchestrator interface {
	HandleStart(name string, r async.Responder)
	HandleStop(name string, r async.Responder)
	List() []string
}

// UserResolver maps a bus sender to its unix user.
type UserResolver interface {
	UnixUser(sender string) (uint32, error)
}

// BusUsers resolves senders through the bus daemon.
type BusUsers struct {
	Conn *dbus.Conn
}

func (u BusUsers) UnixUser(sender string) (uint32, error) {
	var uid uint32
	err := u.Conn.BusObject().Call("org.freedesktop.DBus.GetConnectionUnixUser", 0, sender).Store(&uid)
	if err != nil {
		return 0, fmt.Errorf("get unix user of %s: %w", sender, err)
	}
	return uid, nil
}

// Controller is the org.nonsense.Controller object. Its methods are invoked
// by godbus on its own goroutines; each one posts the request onto the loop
// and waits for the reply.
type Controller struct {
	loop    *async.Loop
	orch    Orchestrator
	users   UserResolver
	allowed map[uint32]bool
	log     *logrus.Entry
}

// New creates a controller. Root may always call it; allowedUIDs lists the
// other users that may.
func New(loop *async.Loop, orch Orchestrator, users UserResolver, allowedUIDs []uint32, log *logrus.Entry) *Controller {
	allowed := map[uint32]bool{0: true}
	for _, uid := range allowedUIDs {
		allowed[uid] = true
	}
	return &Controller{
		loop:    loop,
		orch:    orch,
		users:   users,
		allowed: allowed,
		log:     log,
	}
}

// Start starts the named entity.
func (c *Controller) Start(sender dbus.Sender, name string) *dbus.Error {
	if err := c.authorize(sender, "start", name); err != nil {
		return err.DBus()
	}
	return c.await(func(r async.Responder) { c.orch.HandleStart(name, r) })
}

// Stop stops the named entity.
func (c *Controller) Stop(sender dbus.Sender, name string) *dbus.Error {
	if err := c.authorize(sender, "stop", name); err != nil {
		return err.DBus()
	}
	return c.await(func(r async.Responder) { c.orch.HandleStop(name, r) })
}

// List returns the names of the live entities.
func (c *Controller) List() ([]string, *dbus.Error) {
	ch := make(chan []string, 1)
	c.loop.Post(func() { ch <- c.orch.List() })
	return <-ch, nil
}

func (c *Controller) await(call func(async.Responder)) *dbus.Error {
	ch := make(chan *async.Error, 1)
	c.loop.Post(func() {
		call(async.ResponderFunc(func(err *async.Error) error {
			ch <- err
			return nil
		}))
	})
	if err := <-ch; err != nil {
		return err.DBus()
	}
	return nil
}

func (c *Controller) authorize(sender dbus.Sender, op, name string) *async.Error {
	log := c.log.WithFields(logrus.Fields{"sender": string(sender), "op": op, "entity": name})

	uid, err := c.users.UnixUser(string(sender))
	if err != nil {
		log.WithError(err).Warn("cannot identify caller")
		return async.Errorf(async.ErrAccessDenied, "Cannot identify the caller: %v", err)
	}
	if !c.allowed[uid] {
		log.WithField("uid", uid).Warn("access denied")
		return async.Errorf(async.ErrAccessDenied, "User %d is not allowed to %s entity %s.", uid, op, name)
	}
	log.WithField("uid", uid).Debug("request")
	return nil
}

var introspection = introspect.Node{
	Name: string(bus.Controller.Path),
	Interfaces: []introspect.Interface{
		introspect.IntrospectData,
		{
			Name: bus.Controller.Interface,
			Methods: []introspect.Method{
				{Name: "Start", Args: []introspect.Arg{{Name: "name", Type: "s", Direction: "in"}}},
				{Name: "Stop", Args: []introspect.Arg{{Name: "name", Type: "s", Direction: "in"}}},
				{Name: "List", Args: []introspect.Arg{{Name: "names", Type: "as", Direction: "out"}}},
			},
		},
	},
}

// Export publishes c on conn and claims the service name.
func (c *Controller) Export(conn *dbus.Conn, serviceName string) error {
	if err := conn.Export(c, bus.Controller.Path, bus.Controller.Interface); err != nil {
		return fmt.Errorf("export controller: %w", err)
	}
	if err := conn.Export(introspect.NewIntrospectable(&introspection), bus.Controller.Path,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	reply, err := conn.RequestName(serviceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name %s: %w", serviceName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("request name %s: already taken", serviceName)
	}
	c.log.WithField("name", serviceName).Info("controller exported")
	return nil
}
