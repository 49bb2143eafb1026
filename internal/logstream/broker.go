// Package logstream fans out the stderr lines of entity helpers to live
// subscribers.
package logstream

import "sync"

// subscriberBufferSize is the channel buffer for each log subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// Broker manages per-entity log streaming to subscribers.
// It is safe for concurrent use.
//
// A topic lives from Open (the helper was spawned) to Close (the helper
// exited). Subscribing to a topic that is not open yields a closed channel,
// so that a subscriber never waits for a helper that is not running. Opening
// a topic again starts a fresh stream for the next helper of that entity.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	subs   map[int]chan string
	nextID int
	open   bool
}

// NewBroker creates a new log broker.
func NewBroker() *Broker {
	return &Broker{
		topics: make(map[string]*topic),
	}
}

// Open starts a stream for the named entity. Subscribers of a previous
// stream of the same name keep their closed channels.
func (b *Broker) Open(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[name]; ok && t.open {
		return
	}
	b.topics[name] = &topic{subs: make(map[int]chan string), open: true}
}

// Subscribe returns a channel that receives log lines for the named entity
// and an unsubscribe function. If no stream is open the returned channel is
// immediately closed.
func (b *Broker) Subscribe(name string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan string, subscriberBufferSize)
	t, ok := b.topics[name]
	if !ok || !t.open {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish sends a log line to all subscribers of the named entity.
// Lines are dropped for subscribers whose buffers are full.
func (b *Broker) Publish(name string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok || !t.open {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Drop line for slow subscribers to avoid blocking the helper.
		}
	}
}

// Close signals that no more logs will be published for the current stream
// of the named entity. All subscriber channels are closed.
func (b *Broker) Close(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	if !ok {
		return
	}

	t.open = false
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Streaming reports whether a stream is open for the named entity.
func (b *Broker) Streaming(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[name]
	return ok && t.open
}
