// Package bustest provides an in-memory bus.Conn whose completions are posted
// straight onto a caller supplied queue, for deterministic tests.
package bustest

import (
	"errors"
	"fmt"

	"github.com/seantiz/nonsense/internal/bus"
)

// Responder answers a call made on a Conn.
type Responder func(args ...interface{}) (bus.Message, error)

// Call is a recorded method call.
type Call struct {
	Dest   bus.Destination
	Method string
	Args   []interface{}

	done     func(bus.Message, error)
	answered bool
}

type watch struct {
	spec    bus.SignalSpec
	handler func(bus.Message)
	active  bool
}

// Conn is a fake bus.ReadyConn. It is not safe for concurrent use.
type Conn struct {
	post       func(func())
	responders map[string]Responder
	watches    []*watch

	// Calls lists every call in issue order.
	Calls []*Call

	// GoErr, when set, makes the next Go fail synchronously.
	GoErr error
	// WatchErr, when set, makes every Watch fail.
	WatchErr error

	readyErr error
	ready    bool
	onReady  func(error)
	closed   bool
	hungUp   bool
}

// New returns a Conn delivering through post, normally (*async.Loop).Post.
func New(post func(func())) *Conn {
	return &Conn{post: post, responders: make(map[string]Responder)}
}

// Respond installs an automatic responder for method.
func (c *Conn) Respond(method string, r Responder) {
	c.responders[method] = r
}

func (c *Conn) Go(dest bus.Destination, method string, done func(bus.Message, error), args ...interface{}) error {
	if err := c.GoErr; err != nil {
		c.GoErr = nil
		return err
	}
	if c.closed {
		return bus.ErrClosed
	}

	call := &Call{Dest: dest, Method: method, Args: args, done: done}
	c.Calls = append(c.Calls, call)

	if c.hungUp {
		c.post(func() { c.answer(call, nil, bus.ErrClosed) })
		return nil
	}
	if r, ok := c.responders[method]; ok {
		c.post(func() {
			msg, err := r(args...)
			c.answer(call, msg, err)
		})
	}
	return nil
}

// Reply completes the i-th recorded call.
func (c *Conn) Reply(i int, msg bus.Message, err error) {
	call := c.Calls[i]
	c.post(func() { c.answer(call, msg, err) })
}

func (c *Conn) answer(call *Call, msg bus.Message, err error) {
	if call.answered {
		panic(fmt.Sprintf("bustest: call %s answered twice", call.Method))
	}
	call.answered = true
	call.done(msg, err)
}

// Methods returns the names of the recorded calls.
func (c *Conn) Methods() []string {
	out := make([]string, len(c.Calls))
	for i, call := range c.Calls {
		out[i] = call.Method
	}
	return out
}

func (c *Conn) Watch(sig bus.SignalSpec, handler func(bus.Message)) (func(), error) {
	if c.WatchErr != nil {
		return nil, c.WatchErr
	}
	w := &watch{spec: sig, handler: handler, active: true}
	c.watches = append(c.watches, w)
	return func() { w.active = false }, nil
}

// Watching reports the number of active watches on sig.
func (c *Conn) Watching(sig bus.SignalSpec) int {
	n := 0
	for _, w := range c.watches {
		if w.active && w.spec == sig {
			n++
		}
	}
	return n
}

// Emit posts a signal with the given body to every active watch of sig.
func (c *Conn) Emit(sig bus.SignalSpec, values ...interface{}) {
	msg := bus.BodyMessage(values...)
	c.post(func() {
		for _, w := range append([]*watch(nil), c.watches...) {
			if w.active && w.spec == sig {
				w.handler(msg)
			}
		}
	})
}

func (c *Conn) Events() <-chan func() {
	return nil
}

// Announce posts the peer's readiness, or its failure when err is non-nil.
func (c *Conn) Announce(err error) {
	c.post(func() {
		if c.ready || c.readyErr != nil {
			return
		}
		c.ready = err == nil
		c.readyErr = err
		if fn := c.onReady; fn != nil {
			c.onReady = nil
			fn(err)
		}
	})
}

func (c *Conn) OnReady(fn func(error)) {
	if c.ready || c.readyErr != nil {
		fn(c.readyErr)
		return
	}
	c.onReady = fn
}

func (c *Conn) Close() error {
	if c.closed {
		return errors.New("bustest: closed twice")
	}
	c.closed = true
	return nil
}

// Hangup makes the peer go away: later calls complete with bus.ErrClosed.
func (c *Conn) Hangup() {
	c.hungUp = true
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	return c.closed
}
