package async

import (
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/nonsense/internal/bus"
	"github.com/seantiz/nonsense/internal/bus/bustest"
)

var testSignal = bus.SignalSpec{
	Path:      "/test",
	Interface: "org.nonsense.Test",
	Member:    "Happened",
}

func TestMatchDispatchesToFirstAcceptingMatcher(t *testing.T) {
	l, f := newTestLoop(t)
	conn := bustest.New(l.Post)
	sub, err := Subscribe(l, conn, testSignal)
	require.NoError(t, err)

	var got []string
	waitFor := func(key string) func(*Task) {
		return func(t *Task) {
			msg := sub.Match(t, ByField(0, key))
			var k, payload string
			t.Read(msg, "event", &k, &payload)
			got = append(got, key+"="+payload)
		}
	}
	l.Go(&replies{}, waitFor("A"))
	l.Go(&replies{}, waitFor("B"))
	assert.Equal(t, 2, sub.Pending())

	conn.Emit(testSignal, "B", "second")
	l.RunUntilIdle()
	assert.Equal(t, []string{"B=second"}, got)
	assert.Equal(t, 1, sub.Pending())

	conn.Emit(testSignal, "A", "first")
	l.RunUntilIdle()
	assert.Equal(t, []string{"B=second", "A=first"}, got)
	assert.Equal(t, 0, sub.Pending())
	assert.Empty(t, f.msgs)
}

func TestMatchConsumesEventOnce(t *testing.T) {
	l, _ := newTestLoop(t)
	conn := bustest.New(l.Post)
	sub, err := Subscribe(l, conn, testSignal)
	require.NoError(t, err)

	woken := 0
	for i := 0; i < 2; i++ {
		l.Go(&replies{}, func(t *Task) {
			sub.Match(t, nil)
			woken++
		})
	}

	conn.Emit(testSignal, "anything")
	l.RunUntilIdle()
	assert.Equal(t, 1, woken)
	assert.Equal(t, 1, sub.Pending())
}

func TestMatchComparesObjectPathsAsStrings(t *testing.T) {
	l, _ := newTestLoop(t)
	conn := bustest.New(l.Post)
	sub, err := Subscribe(l, conn, bus.JobRemoved)
	require.NoError(t, err)

	matched := false
	l.Go(&replies{}, func(t *Task) {
		sub.Match(t, ByField(bus.JobRemovedJob, "/org/freedesktop/systemd1/job/7"))
		matched = true
	})

	conn.Emit(bus.JobRemoved, uint32(6), dbus.ObjectPath("/org/freedesktop/systemd1/job/6"), "a.slice", "done")
	l.RunUntilIdle()
	assert.False(t, matched)

	conn.Emit(bus.JobRemoved, uint32(7), dbus.ObjectPath("/org/freedesktop/systemd1/job/7"), "b.slice", "done")
	l.RunUntilIdle()
	assert.True(t, matched)
}

func TestMatcherContinuationMayCloseSubscription(t *testing.T) {
	l, f := newTestLoop(t)
	conn := bustest.New(l.Post)
	sub, err := Subscribe(l, conn, testSignal)
	require.NoError(t, err)

	r := &replies{}
	l.Go(r, func(t *Task) {
		defer sub.Close()
		sub.Match(t, ByField(0, "mine"))
	})
	// Registered after the closing task; must not fire once the subscription is gone.
	bystander := false
	l.Go(&replies{}, func(t *Task) {
		sub.Match(t, nil)
		bystander = true
	})

	conn.Emit(testSignal, "mine")
	l.RunUntilIdle()

	require.Len(t, r.got, 1)
	assert.Nil(t, r.got[0])
	assert.Equal(t, 0, conn.Watching(testSignal))
	assert.False(t, bystander)

	conn.Emit(testSignal, "other")
	l.RunUntilIdle()
	assert.False(t, bystander)
	assert.Empty(t, f.msgs)
}

func TestMatcherContinuationMayRegisterDuringScan(t *testing.T) {
	l, _ := newTestLoop(t)
	conn := bustest.New(l.Post)
	sub, err := Subscribe(l, conn, testSignal)
	require.NoError(t, err)

	var seen []string
	l.Go(&replies{}, func(t *Task) {
		for i := 0; i < 2; i++ {
			msg := sub.Match(t, nil)
			var v string
			t.Read(msg, "event", &v)
			seen = append(seen, v)
		}
	})

	conn.Emit(testSignal, "one")
	l.RunUntilIdle()
	assert.Equal(t, []string{"one"}, seen)
	assert.Equal(t, 1, sub.Pending())

	conn.Emit(testSignal, "two")
	l.RunUntilIdle()
	assert.Equal(t, []string{"one", "two"}, seen)
}

func TestReentrantDispatchIsFatal(t *testing.T) {
	l, f := newTestLoop(t)
	conn := bustest.New(l.Post)
	sub, err := Subscribe(l, conn, testSignal)
	require.NoError(t, err)

	l.Go(&replies{}, func(t *Task) {
		msg := sub.Match(t, nil)
		sub.dispatch(msg)
	})

	conn.Emit(testSignal, "x")
	l.RunUntilIdle()

	require.Len(t, f.msgs, 1)
	assert.Contains(t, f.msgs[0], "reentrant dispatch")
}

func TestTaskSubscribeFailureIsFatal(t *testing.T) {
	l, f := newTestLoop(t)
	conn := bustest.New(l.Post)
	conn.WatchErr = assert.AnError
	r := &replies{}

	l.Go(r, func(t *Task) { t.Subscribe(conn, testSignal) })

	require.Len(t, f.msgs, 1)
	assert.Empty(t, r.got)
}
