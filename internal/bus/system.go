package bus

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	callBufferSize   = 64
	signalBufferSize = 64
)

// body adapts a D-Bus message body to Message.
type body []interface{}

func (b body) Store(dst ...interface{}) error {
	return dbus.Store(b, dst...)
}

func (b body) Field(i int) (interface{}, error) {
	if i < 0 || i >= len(b) {
		return nil, fmt.Errorf("field %d out of range (body has %d)", i, len(b))
	}
	return b[i], nil
}

// BodyMessage wraps already decoded values as a Message.
func BodyMessage(values ...interface{}) Message {
	return body(values)
}

type watch struct {
	id      int
	spec    SignalSpec
	handler func(Message)
}

// SystemConn is a Conn over a godbus connection, normally the system bus.
// It is safe for concurrent use.
type SystemConn struct {
	conn    *dbus.Conn
	calls   chan *dbus.Call
	signals chan *dbus.Signal
	events  chan func()
	done    chan struct{}

	mu        sync.Mutex
	pending   map[*dbus.Call]func(Message, error)
	watches   []watch
	nextWatch int
	closeOnce sync.Once
}

// ConnectSystem opens a private connection to the system bus.
func ConnectSystem() (*SystemConn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return NewSystemConn(conn), nil
}

// NewSystemConn wraps an established godbus connection.
func NewSystemConn(conn *dbus.Conn) *SystemConn {
	c := &SystemConn{
		conn:    conn,
		calls:   make(chan *dbus.Call, callBufferSize),
		signals: make(chan *dbus.Signal, signalBufferSize),
		events:  make(chan func()),
		done:    make(chan struct{}),
		pending: make(map[*dbus.Call]func(Message, error)),
	}
	conn.Signal(c.signals)
	go c.pump()
	return c
}

// Raw returns the underlying godbus connection, used to export objects.
func (c *SystemConn) Raw() *dbus.Conn {
	return c.conn
}

func (c *SystemConn) Go(dest Destination, method string, done func(Message, error), args ...interface{}) error {
	obj := c.conn.Object(dest.Service, dest.Path)

	c.mu.Lock()
	defer c.mu.Unlock()

	call := obj.Go(dest.Interface+"."+method, 0, c.calls, args...)
	if call.Err != nil {
		return call.Err
	}
	c.pending[call] = done
	return nil
}

func (c *SystemConn) Watch(sig SignalSpec, handler func(Message)) (func(), error) {
	opts := matchOptions(sig)
	if err := c.conn.AddMatchSignal(opts...); err != nil {
		return nil, fmt.Errorf("add match for %s.%s: %w", sig.Interface, sig.Member, err)
	}

	c.mu.Lock()
	id := c.nextWatch
	c.nextWatch++
	c.watches = append(c.watches, watch{id: id, spec: sig, handler: handler})
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.removeWatch(id)
			// The reply is not awaited; a stale match rule only costs a filtered signal.
			c.conn.BusObject().Go("org.freedesktop.DBus.RemoveMatch", dbus.FlagNoReplyExpected, nil, matchRule(sig))
		})
	}, nil
}

func (c *SystemConn) Events() <-chan func() {
	return c.events
}

func (c *SystemConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.RemoveSignal(c.signals)
		err = c.conn.Close()
	})
	return err
}

// pump turns godbus completions and signals into event closures.
func (c *SystemConn) pump() {
	for {
		select {
		case call := <-c.calls:
			c.complete(call)
		case sig := <-c.signals:
			if sig == nil {
				continue
			}
			// A reply read off the wire before this signal is already queued
			// on calls; deliver it first so that a task resumed by the reply
			// can register its matcher in time.
			c.drainCalls()
			c.deliver(func() { c.dispatch(sig) })
		case <-c.done:
			return
		}
	}
}

func (c *SystemConn) complete(call *dbus.Call) {
	c.mu.Lock()
	done, ok := c.pending[call]
	delete(c.pending, call)
	c.mu.Unlock()
	if !ok {
		return
	}
	msg, err := Message(body(call.Body)), call.Err
	c.deliver(func() { done(msg, err) })
}

func (c *SystemConn) drainCalls() {
	for {
		select {
		case call := <-c.calls:
			c.complete(call)
		default:
			return
		}
	}
}

func (c *SystemConn) deliver(fn func()) {
	select {
	case c.events <- fn:
	case <-c.done:
	}
}

func (c *SystemConn) removeWatch(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.watches {
		if w.id == id {
			c.watches = append(c.watches[:i:i], c.watches[i+1:]...)
			return
		}
	}
}

// dispatch runs on the event consumer. Handlers run in subscription order.
// The sender is not compared: signals carry the unique name of the sender,
// not the well-known one.
func (c *SystemConn) dispatch(sig *dbus.Signal) {
	iface, member := splitName(sig.Name)

	c.mu.Lock()
	var handlers []func(Message)
	for _, w := range c.watches {
		if w.spec.Path != "" && w.spec.Path != sig.Path {
			continue
		}
		if w.spec.Interface != iface || w.spec.Member != member {
			continue
		}
		handlers = append(handlers, w.handler)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(body(sig.Body))
	}
}

func splitName(name string) (iface, member string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}

func matchOptions(sig SignalSpec) []dbus.MatchOption {
	var opts []dbus.MatchOption
	if sig.Sender != "" {
		opts = append(opts, dbus.WithMatchSender(sig.Sender))
	}
	if sig.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(sig.Path))
	}
	opts = append(opts,
		dbus.WithMatchInterface(sig.Interface),
		dbus.WithMatchMember(sig.Member),
	)
	return opts
}

func matchRule(sig SignalSpec) string {
	rule := "type='signal'"
	if sig.Sender != "" {
		rule += ",sender='" + sig.Sender + "'"
	}
	if sig.Path != "" {
		rule += ",path='" + string(sig.Path) + "'"
	}
	return rule + ",interface='" + sig.Interface + "',member='" + sig.Member + "'"
}
