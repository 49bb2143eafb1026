package async

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/nonsense/internal/bus"
	"github.com/seantiz/nonsense/internal/bus/bustest"
)

type fatals struct {
	msgs []string
}

func (f *fatals) record(format string, args ...interface{}) {
	f.msgs = append(f.msgs, fmt.Sprintf(format, args...))
}

func newTestLoop(t *testing.T) (*Loop, *fatals) {
	t.Helper()
	f := &fatals{}
	return NewLoop(WithFatal(f.record)), f
}

// replies records every reply a top-level task produces.
type replies struct {
	got []*Error
	err error
}

func (r *replies) Reply(err *Error) error {
	r.got = append(r.got, err)
	return r.err
}

func TestSpawnRunsUntilFirstSuspension(t *testing.T) {
	l, f := newTestLoop(t)
	r := &replies{}

	var steps []string
	var wakeTask func()
	l.Go(r, func(t *Task) {
		steps = append(steps, "before")
		t.Suspend(func(wake func()) { wakeTask = wake })
		steps = append(steps, "after")
	})

	assert.Equal(t, []string{"before"}, steps)
	assert.Empty(t, r.got)

	wakeTask()
	assert.Equal(t, []string{"before", "after"}, steps)
	require.Len(t, r.got, 1)
	assert.Nil(t, r.got[0])
	assert.Empty(t, f.msgs)
}

func TestWakeDuringArmDoesNotPark(t *testing.T) {
	l, f := newTestLoop(t)
	r := &replies{}

	l.Go(r, func(t *Task) {
		t.Suspend(func(wake func()) { wake() })
	})

	require.Len(t, r.got, 1)
	assert.Nil(t, r.got[0])
	assert.Empty(t, f.msgs)
}

func TestWakeTwiceIsFatal(t *testing.T) {
	l, f := newTestLoop(t)
	r := &replies{}

	var wakeTask func()
	l.Go(r, func(t *Task) {
		t.Suspend(func(wake func()) { wakeTask = wake })
	})
	wakeTask()
	wakeTask()

	require.Len(t, f.msgs, 1)
	assert.Contains(t, f.msgs[0], "resumed twice")
	assert.Len(t, r.got, 1)
}

func TestCheckShortCircuits(t *testing.T) {
	l, _ := newTestLoop(t)
	r := &replies{}

	ran := false
	l.Go(r, func(t *Task) {
		t.Check(nil)
		t.Check(Errorf(ErrNoSuchEntity, "Entity %s does not exist.", "x"))
		ran = true
	})

	assert.False(t, ran)
	require.Len(t, r.got, 1)
	assert.Equal(t, ErrNoSuchEntity, r.got[0].Name)
	assert.Equal(t, "Entity x does not exist.", r.got[0].Message)
}

func TestDeferredCallsRunBeforeReply(t *testing.T) {
	l, _ := newTestLoop(t)

	var order []string
	resp := ResponderFunc(func(err *Error) error {
		order = append(order, "reply")
		return nil
	})
	l.Go(resp, func(t *Task) {
		defer func() { order = append(order, "deferred") }()
		t.Fail(errors.New("boom"))
	})

	assert.Equal(t, []string{"deferred", "reply"}, order)
}

func TestFailNormalizesPlainErrors(t *testing.T) {
	l, _ := newTestLoop(t)
	r := &replies{}

	l.Go(r, func(t *Task) { t.Fail(errors.New("boom")) })

	require.Len(t, r.got, 1)
	assert.Equal(t, ErrFailed, r.got[0].Name)
	assert.Equal(t, "boom", r.got[0].Message)
}

func TestReplySendFailureIsFatal(t *testing.T) {
	l, f := newTestLoop(t)
	r := &replies{err: errors.New("connection reset")}

	l.Go(r, func(t *Task) {})

	require.Len(t, f.msgs, 1)
	assert.Contains(t, f.msgs[0], "send reply")
}

func TestResumeOfTopLevelIsFatal(t *testing.T) {
	l, f := newTestLoop(t)
	r := &replies{}

	c := TopLevel(r)
	c.Resume(l, nil)

	require.Len(t, f.msgs, 1)
	assert.Contains(t, f.msgs[0], "resume of a top-level continuation")
	assert.Empty(t, r.got)
	assert.False(t, c.Spent())
}

func TestReplyThroughNestedIsFatal(t *testing.T) {
	l, f := newTestLoop(t)

	resumed := false
	c := Nested(func(*Error) { resumed = true })
	c.Reply(l, nil)

	require.Len(t, f.msgs, 1)
	assert.False(t, resumed)
}

func TestContinuationFinishesOnce(t *testing.T) {
	l, f := newTestLoop(t)
	r := &replies{}

	c := TopLevel(r)
	c.Reply(l, nil)
	c.Reply(l, nil)

	assert.Len(t, r.got, 1)
	require.Len(t, f.msgs, 1)
	assert.Contains(t, f.msgs[0], "finished twice")
}

func TestPanicIsFatal(t *testing.T) {
	l, f := newTestLoop(t)
	r := &replies{}

	l.Go(r, func(t *Task) { panic("broken frame") })

	require.Len(t, f.msgs, 1)
	assert.Contains(t, f.msgs[0], "broken frame")
	assert.Empty(t, r.got)
}

func TestTaskFatalfSkipsTerminalAction(t *testing.T) {
	l, f := newTestLoop(t)
	r := &replies{}

	released := false
	l.Go(r, func(t *Task) {
		defer func() { released = true }()
		t.Fatalf("environment is broken")
	})

	assert.Equal(t, []string{"environment is broken"}, f.msgs)
	assert.Empty(t, r.got)
	assert.True(t, released)
}

func TestAwaitResumesParent(t *testing.T) {
	l, _ := newTestLoop(t)
	r := &replies{}

	var steps []string
	var wakeChild func()
	l.Go(r, func(t *Task) {
		steps = append(steps, "parent")
		t.Await(func(t *Task) {
			steps = append(steps, "child")
			t.Suspend(func(wake func()) { wakeChild = wake })
			steps = append(steps, "child resumed")
		})
		steps = append(steps, "parent resumed")
	})

	assert.Equal(t, []string{"parent", "child"}, steps)
	assert.Empty(t, r.got)

	wakeChild()
	assert.Equal(t, []string{"parent", "child", "child resumed", "parent resumed"}, steps)
	require.Len(t, r.got, 1)
	assert.Nil(t, r.got[0])
}

func TestAwaitSynchronousChild(t *testing.T) {
	l, _ := newTestLoop(t)
	r := &replies{}

	depth := 0
	l.Go(r, func(t *Task) {
		t.Await(func(t *Task) {
			t.Await(func(t *Task) { depth = 2 })
		})
	})

	assert.Equal(t, 2, depth)
	require.Len(t, r.got, 1)
	assert.Nil(t, r.got[0])
}

func TestAwaitPropagatesChildFailure(t *testing.T) {
	l, _ := newTestLoop(t)
	r := &replies{}

	after := false
	l.Go(r, func(t *Task) {
		t.Await(func(t *Task) {
			t.Fail(Errorf(ErrFailedToStart, "Failed to start unit %s: job returned result '%s'.", "a.slice", "failed"))
		})
		after = true
	})

	assert.False(t, after)
	require.Len(t, r.got, 1)
	assert.Equal(t, ErrFailedToStart, r.got[0].Name)
}

func TestCallReturnsReply(t *testing.T) {
	l, f := newTestLoop(t)
	conn := bustest.New(l.Post)
	conn.Respond("Ping", func(args ...interface{}) (bus.Message, error) {
		return bus.BodyMessage(args[0].(string) + "!"), nil
	})
	r := &replies{}

	var got string
	l.Go(r, func(t *Task) {
		msg := t.Call(conn, bus.Entityd, "Ping", "hello")
		t.Read(msg, "ping reply", &got)
	})
	assert.Empty(t, r.got)

	l.RunUntilIdle()
	assert.Equal(t, "hello!", got)
	require.Len(t, r.got, 1)
	assert.Nil(t, r.got[0])
	assert.Empty(t, f.msgs)
}

func TestCallRemoteErrorShortCircuits(t *testing.T) {
	l, _ := newTestLoop(t)
	conn := bustest.New(l.Post)
	conn.Respond("Shutdown", func(...interface{}) (bus.Message, error) {
		return nil, bus.RemoteError("org.nonsense.Error.Busy", "helper is busy")
	})
	r := &replies{}

	after := false
	l.Go(r, func(t *Task) {
		t.Call(conn, bus.Entityd, "Shutdown")
		after = true
	})
	l.RunUntilIdle()

	assert.False(t, after)
	require.Len(t, r.got, 1)
	assert.Equal(t, &Error{Name: "org.nonsense.Error.Busy", Message: "helper is busy"}, r.got[0])
}

func TestCallRemotePointerError(t *testing.T) {
	l, _ := newTestLoop(t)
	conn := bustest.New(l.Post)
	conn.Respond("StopUnit", func(...interface{}) (bus.Message, error) {
		return nil, dbus.NewError("org.freedesktop.systemd1.NoSuchUnit", []interface{}{"Unit x.slice not loaded."})
	})
	r := &replies{}

	l.Go(r, func(t *Task) { t.Call(conn, bus.SystemdManager, "StopUnit", "x.slice", "replace") })
	l.RunUntilIdle()

	require.Len(t, r.got, 1)
	assert.Equal(t, "org.freedesktop.systemd1.NoSuchUnit", r.got[0].Name)
	assert.Equal(t, "Unit x.slice not loaded.", r.got[0].Message)
}

func TestCallTransportCompletionError(t *testing.T) {
	l, _ := newTestLoop(t)
	conn := bustest.New(l.Post)
	conn.Respond("AddComponent", func(...interface{}) (bus.Message, error) {
		return nil, bus.ErrClosed
	})
	r := &replies{}

	l.Go(r, func(t *Task) { t.Call(conn, bus.Entityd, "AddComponent", "network", "{}") })
	l.RunUntilIdle()

	require.Len(t, r.got, 1)
	assert.Equal(t, ErrFailed, r.got[0].Name)
}

func TestCallIssueFailureIsFatal(t *testing.T) {
	l, f := newTestLoop(t)
	conn := bustest.New(l.Post)
	conn.GoErr = errors.New("out of memory")
	r := &replies{}

	l.Go(r, func(t *Task) { t.Call(conn, bus.Entityd, "Shutdown") })
	l.RunUntilIdle()

	require.Len(t, f.msgs, 1)
	assert.Contains(t, f.msgs[0], "out of memory")
	assert.Empty(t, r.got)
}

func TestReadFailureFailsTask(t *testing.T) {
	l, _ := newTestLoop(t)
	r := &replies{}

	l.Go(r, func(t *Task) {
		var ok bool
		t.Read(bus.BodyMessage("not a bool"), "entityd response", &ok)
	})

	require.Len(t, r.got, 1)
	assert.Equal(t, ErrFailed, r.got[0].Name)
	assert.Contains(t, r.got[0].Message, "Failed to parse entityd response")
}

func TestAsError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"structured", Errorf(ErrAccessDenied, "no"), ErrAccessDenied},
		{"wrapped structured", fmt.Errorf("outer: %w", Errorf(ErrNoSuchEntity, "x")), ErrNoSuchEntity},
		{"remote value", bus.RemoteError("a.B", "c"), "a.B"},
		{"errno", fmt.Errorf("socketpair: %w", syscall.EMFILE), "System.Error.EMFILE"},
		{"plain", errors.New("x"), ErrFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AsError(tt.err).Name)
		})
	}
	assert.Nil(t, AsError(nil))
}
