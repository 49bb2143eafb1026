package async

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/nonsense/internal/bus"
)

// chanConn is a bus.Conn whose events are fed by the test.
type chanConn struct {
	events chan func()
}

func (c *chanConn) Go(bus.Destination, string, func(bus.Message, error), ...interface{}) error {
	return nil
}

func (c *chanConn) Watch(bus.SignalSpec, func(bus.Message)) (func(), error) {
	return func() {}, nil
}

func (c *chanConn) Events() <-chan func() { return c.events }
func (c *chanConn) Close() error          { return nil }

func TestRunUntilIdleRunsInPostOrder(t *testing.T) {
	l, _ := newTestLoop(t)

	var order []int
	l.Post(func() {
		order = append(order, 1)
		l.Post(func() { order = append(order, 3) })
	})
	l.Post(func() { order = append(order, 2) })

	l.RunUntilIdle()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestRegisteredConnEventsRunOnLoop(t *testing.T) {
	l, _ := newTestLoop(t)
	conn := &chanConn{events: make(chan func())}

	l.Register(conn)
	require.True(t, l.Registered(conn))

	fired := 0
	conn.events <- func() { fired++ }

	require.Eventually(t, func() bool {
		l.RunUntilIdle()
		return fired == 1
	}, time.Second, time.Millisecond)

	l.Unregister(conn)
	assert.False(t, l.Registered(conn))

	select {
	case conn.events <- func() { fired++ }:
	case <-time.After(20 * time.Millisecond):
	}
	l.RunUntilIdle()
	assert.Equal(t, 1, fired)
}

func TestRunStopsWithContext(t *testing.T) {
	l, _ := newTestLoop(t)
	ctx, cancel := context.WithCancel(context.Background())

	ran := make(chan struct{})
	l.Post(func() {
		close(ran)
		cancel()
	})

	err := l.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	<-ran
}
