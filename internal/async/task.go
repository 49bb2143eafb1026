package async

import (
	"runtime"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

// Task is one run of a procedure. Its body runs on a goroutine of its own
// but never concurrently with the loop: control is handed back and forth so
// that exactly one of them runs at a time, and a task only gives control
// away at Suspend or when it finishes.
type Task struct {
	ID string

	loop *Loop
	cont *Continuation
	log  *logrus.Entry

	resume chan struct{}
	parked chan struct{}

	err     *Error
	aborted bool
}

func newTask(l *Loop, c *Continuation) *Task {
	id := ulid.Make().String()
	return &Task{
		ID:     id,
		loop:   l,
		cont:   c,
		log:    l.taskLogger(id),
		resume: make(chan struct{}),
		parked: make(chan struct{}),
	}
}

// run executes body and then the continuation. Deferred calls made by body,
// such as releasing a lock token, run before the continuation.
func (t *Task) run(body func(*Task)) {
	defer func() {
		if r := recover(); r != nil {
			t.aborted = true
			t.loop.Fatalf("async: task %s panicked: %v", t.ID, r)
		}
		if !t.aborted {
			t.cont.finish(t.loop, t.err)
		}
		t.parked <- struct{}{}
	}()

	body(t)
}

// Loop returns the loop t runs on.
func (t *Task) Loop() *Loop {
	return t.loop
}

// Log returns the task's logger.
func (t *Task) Log() *logrus.Entry {
	return t.log
}

// WithFields adds fields to every later log line of t.
func (t *Task) WithFields(fields logrus.Fields) *logrus.Entry {
	t.log = t.log.WithFields(fields)
	return t.log
}

// Suspend parks t until the wake function passed to arm is called. arm runs
// on t before it parks; calling wake from within arm does not park at all.
// Waking a suspension twice is fatal.
func (t *Task) Suspend(arm func(wake func())) {
	var armed, woken, early bool

	arm(func() {
		if woken {
			t.loop.Fatalf("async: task %s resumed twice", t.ID)
			return
		}
		woken = true
		if !armed {
			early = true
			return
		}
		t.resume <- struct{}{}
		<-t.parked
	})
	armed = true

	if early {
		return
	}
	t.parked <- struct{}{}
	<-t.resume
}

// Err returns the failure t is finishing with, if any. It is meant for
// deferred calls of the task body.
func (t *Task) Err() *Error {
	return t.err
}

// Fail finishes t with err instead of running any further step.
func (t *Task) Fail(err error) {
	t.err = AsError(err)
	if t.err == nil {
		t.err = &Error{Name: ErrFailed, Message: "unknown failure"}
	}
	runtime.Goexit()
}

// Check fails t with err if err is non-nil, and is a no-op otherwise.
func (t *Task) Check(err error) {
	if err != nil {
		t.Fail(err)
	}
}

// CheckLog is Check that logs err under msg first.
func (t *Task) CheckLog(err error, msg string) {
	t.Check(LogOnError(t.log, err, msg))
}

// Fatalf reports an unrecoverable condition and ends t without taking its
// terminal action.
func (t *Task) Fatalf(format string, args ...interface{}) {
	t.aborted = true
	t.loop.Fatalf(format, args...)
	runtime.Goexit()
}

// Await runs body as a nested task and suspends until it finishes. A failure
// of body fails t with the same error.
func (t *Task) Await(body func(*Task)) {
	var childErr *Error
	t.Suspend(func(wake func()) {
		t.loop.Spawn(Nested(func(err *Error) {
			childErr = err
			wake()
		}), body)
	})
	if childErr != nil {
		t.err = childErr
		runtime.Goexit()
	}
}
