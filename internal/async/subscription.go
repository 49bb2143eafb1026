package async

import (
	"fmt"
	"reflect"

	"github.com/godbus/dbus/v5"

	"github.com/seantiz/nonsense/internal/bus"
)

// Key selects the events a matcher accepts: those whose body field Index
// equals Value.
type Key struct {
	Index int
	Value interface{}
}

// ByField returns a Key on body field index.
func ByField(index int, value interface{}) *Key {
	return &Key{Index: index, Value: value}
}

func (k *Key) matches(msg bus.Message) bool {
	if k == nil {
		return true
	}
	got, err := msg.Field(k.Index)
	if err != nil {
		return false
	}
	if a, ok := stringish(got); ok {
		if b, ok := stringish(k.Value); ok {
			return a == b
		}
	}
	return reflect.DeepEqual(got, k.Value)
}

func stringish(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case dbus.ObjectPath:
		return string(s), true
	case fmt.Stringer:
		return s.String(), true
	}
	return "", false
}

// Subscription correlates the events of one broadcast channel with the tasks
// waiting for them. Each waiting task registers a one-shot matcher; an event
// is handed to the first matcher, in registration order, that accepts it.
//
// Matchers live in index-stable slots. A slot is emptied before its matcher
// runs and refilled only if the matcher declines, so a matcher that resumes a
// task which closes the subscription or registers new matchers leaves the
// scan in a consistent state. Matchers must not synchronously cause another
// event of the same subscription to be dispatched.
type Subscription struct {
	loop   *Loop
	spec   bus.SignalSpec
	cancel func()

	slots       []func(bus.Message) bool
	dispatching bool
	closed      bool
}

// Subscribe watches sig on c. It must be called on the loop goroutine.
func Subscribe(l *Loop, c bus.Conn, sig bus.SignalSpec) (*Subscription, error) {
	s := &Subscription{loop: l, spec: sig}
	cancel, err := c.Watch(sig, s.dispatch)
	if err != nil {
		return nil, err
	}
	s.cancel = cancel
	return s, nil
}

// Subscribe watches sig on c for t. Failing to install the watch is fatal.
func (t *Task) Subscribe(c bus.Conn, sig bus.SignalSpec) *Subscription {
	s, err := Subscribe(t.loop, c, sig)
	if err != nil {
		t.Fatalf("async: subscribe to %s.%s: %v", sig.Interface, sig.Member, err)
	}
	return s
}

// Match suspends t until an event accepted by key arrives, and returns it.
// A nil key accepts any event.
func (s *Subscription) Match(t *Task, key *Key) bus.Message {
	var got bus.Message
	t.Suspend(func(wake func()) {
		s.slots = append(s.slots, func(msg bus.Message) bool {
			if !key.matches(msg) {
				return false
			}
			got = msg
			wake()
			return true
		})
	})
	return got
}

// Pending returns the number of registered matchers.
func (s *Subscription) Pending() int {
	n := 0
	for _, fn := range s.slots {
		if fn != nil {
			n++
		}
	}
	return n
}

// Close stops the watch. Matchers still registered never fire. Close may be
// called from a matcher's continuation during dispatch.
func (s *Subscription) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Subscription) dispatch(msg bus.Message) {
	if s.closed {
		return
	}
	if s.dispatching {
		s.loop.Fatalf("async: reentrant dispatch on %s.%s", s.spec.Interface, s.spec.Member)
		return
	}
	s.dispatching = true

	n := len(s.slots)
	for i := 0; i < n; i++ {
		fn := s.slots[i]
		if fn == nil {
			continue
		}
		s.slots[i] = nil
		if fn(msg) {
			break
		}
		s.slots[i] = fn
		if s.closed {
			break
		}
	}

	s.dispatching = false
	if !s.closed {
		s.compact()
	}
}

func (s *Subscription) compact() {
	live := s.slots[:0]
	for _, fn := range s.slots {
		if fn != nil {
			live = append(live, fn)
		}
	}
	for i := len(live); i < len(s.slots); i++ {
		s.slots[i] = nil
	}
	s.slots = live
}
