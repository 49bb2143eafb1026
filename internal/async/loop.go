package async

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/seantiz/nonsense/internal/bus"
)

// Loop runs every task step, call completion and signal handler on a single
// goroutine. Work reaches it through Post; registered connections have their
// event streams forwarded into the same queue.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wakeup chan struct{}
	conns  map[bus.Conn]chan struct{}

	fatalf func(format string, args ...interface{})
	log    *logrus.Entry
}

// Option configures a Loop.
type Option func(*Loop)

// WithFatal replaces the handler for unrecoverable conditions. The default
// logs and exits the process.
func WithFatal(fn func(format string, args ...interface{})) Option {
	return func(l *Loop) { l.fatalf = fn }
}

// WithLogger sets the logger tasks derive their loggers from.
func WithLogger(log *logrus.Entry) Option {
	return func(l *Loop) { l.log = log }
}

// NewLoop creates an idle loop.
func NewLoop(opts ...Option) *Loop {
	l := &Loop{
		wakeup: make(chan struct{}, 1),
		conns:  make(map[bus.Conn]chan struct{}),
		fatalf: logrus.Fatalf,
		log:    logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Post queues fn to run on the loop. It is safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wakeup <- struct{}{}:
	default:
	}
}

// Run executes queued work until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunUntilIdle()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wakeup:
		}
	}
}

// RunUntilIdle executes queued work, including work queued meanwhile, until
// the queue is empty. The caller acts as the loop goroutine.
func (l *Loop) RunUntilIdle() {
	for {
		fn, ok := l.next()
		if !ok {
			return
		}
		fn()
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return nil, false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, true
}

// Register starts forwarding c's events into the loop. Registering a
// connection twice is a no-op.
func (l *Loop) Register(c bus.Conn) {
	stop := make(chan struct{})

	l.mu.Lock()
	if _, ok := l.conns[c]; ok {
		l.mu.Unlock()
		return
	}
	l.conns[c] = stop
	l.mu.Unlock()

	go func() {
		events := c.Events()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				l.Post(func() {
					if l.registration(c) == stop {
						ev()
					}
				})
			}
		}
	}()
}

// Unregister stops forwarding c's events. Events of c already queued are
// dropped.
func (l *Loop) Unregister(c bus.Conn) {
	l.mu.Lock()
	stop, ok := l.conns[c]
	delete(l.conns, c)
	l.mu.Unlock()

	if ok {
		close(stop)
	}
}

// Registered reports whether c is registered.
func (l *Loop) Registered(c bus.Conn) bool {
	return l.registration(c) != nil
}

func (l *Loop) registration(c bus.Conn) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns[c]
}

// Fatalf reports a broken invariant of the runtime or its environment.
func (l *Loop) Fatalf(format string, args ...interface{}) {
	l.fatalf(format, args...)
}

// Spawn starts body as a new task finishing c. It runs synchronously until
// the task first suspends or finishes. Spawn must be called from the loop
// goroutine or from a running task.
func (l *Loop) Spawn(c *Continuation, body func(t *Task)) {
	t := newTask(l, c)
	go t.run(body)
	<-t.parked
}

// Go spawns body as a top-level task answering r.
func (l *Loop) Go(r Responder, body func(t *Task)) {
	l.Spawn(TopLevel(r), body)
}

func (l *Loop) taskLogger(id string) *logrus.Entry {
	return l.log.WithField("task", id)
}
