package bus

import (
	"errors"

	"github.com/godbus/dbus/v5"
)

// ErrClosed is reported to pending calls when their connection goes away.
var ErrClosed = errors.New("bus connection closed")

// Destination identifies the object a method call is addressed to.
type Destination struct {
	Service   string
	Path      dbus.ObjectPath
	Interface string
}

// SignalSpec identifies a broadcast channel.
type SignalSpec struct {
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
}

// Message is a received reply or signal body.
type Message interface {
	// Store decodes the body into dst, one pointer per body element.
	Store(dst ...interface{}) error
	// Field returns the decoded value of the i-th body element.
	Field(i int) (interface{}, error)
}

// Conn is a non-blocking RPC transport. Completions and signal handlers are
// never invoked directly; they are delivered as closures on Events so that a
// single goroutine can run all of them.
type Conn interface {
	// Go issues a method call. A non-nil return means the call could not be
	// sent at all and done will never run.
	Go(dest Destination, method string, done func(Message, error), args ...interface{}) error

	// Watch subscribes handler to the signals matching sig.
	Watch(sig SignalSpec, handler func(Message)) (cancel func(), err error)

	// Events yields the closures that complete calls and deliver signals.
	Events() <-chan func()

	Close() error
}

// ReadyConn is a connection that announces when its peer is ready to serve.
type ReadyConn interface {
	Conn

	// OnReady arranges for fn to run once, on the event stream, after the
	// peer has announced itself or the connection failed first.
	OnReady(fn func(error))
}

// RemoteError builds the error a remote peer replies with.
func RemoteError(name, message string) dbus.Error {
	return dbus.Error{Name: name, Body: []interface{}{message}}
}
