package bus

import (
	"errors"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nameOf(err error) string {
	var derr dbus.Error
	if errors.As(err, &derr) {
		return derr.Name
	}
	return ""
}

// next runs the next event of c, failing the test if none arrives.
func next(t *testing.T, c Conn) {
	t.Helper()
	select {
	case ev := <-c.Events():
		ev()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
	}
}

func newPeerPair(t *testing.T) (*PeerConn, *PeerServer, chan error) {
	t.Helper()
	client, server := net.Pipe()

	srv := NewPeerServer(server, Entityd.Interface)
	conn := NewPeerConn(client)
	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})
	return conn, srv, make(chan error, 1)
}

func TestPeerReadyAndCall(t *testing.T) {
	conn, srv, served := newPeerPair(t)
	srv.Handle("AddComponent", func(args Message) ([]interface{}, error) {
		var typ, config string
		if err := args.Store(&typ, &config); err != nil {
			return nil, err
		}
		return []interface{}{typ == "network"}, nil
	})
	go func() { served <- srv.Serve() }()

	var readyErr = errors.New("not called")
	conn.OnReady(func(err error) { readyErr = err })
	next(t, conn)
	require.NoError(t, readyErr)

	var accepted bool
	var callErr error
	require.NoError(t, conn.Go(Entityd, "AddComponent", func(msg Message, err error) {
		callErr = err
		if err == nil {
			callErr = msg.Store(&accepted)
		}
	}, "network", "{}"))
	next(t, conn)

	require.NoError(t, callErr)
	assert.True(t, accepted)
}

func TestPeerOnReadyAfterHello(t *testing.T) {
	conn, srv, served := newPeerPair(t)
	go func() { served <- srv.Serve() }()

	next(t, conn)

	called := false
	conn.OnReady(func(err error) {
		called = true
		assert.NoError(t, err)
	})
	assert.True(t, called)
}

func TestPeerRemoteError(t *testing.T) {
	conn, srv, served := newPeerPair(t)
	srv.Handle("AddComponent", func(Message) ([]interface{}, error) {
		return nil, RemoteError("org.nonsense.Error.ComponentAlreadyActive",
			"Tried to add an already active component to an entity")
	})
	go func() { served <- srv.Serve() }()
	next(t, conn)

	var callErr error
	require.NoError(t, conn.Go(Entityd, "AddComponent", func(_ Message, err error) { callErr = err }, "network", "{}"))
	next(t, conn)

	require.Error(t, callErr)
	assert.Equal(t, "org.nonsense.Error.ComponentAlreadyActive", nameOf(callErr))
	assert.Equal(t, "Tried to add an already active component to an entity", callErr.Error())
}

func TestPeerUnknownMethod(t *testing.T) {
	conn, srv, served := newPeerPair(t)
	go func() { served <- srv.Serve() }()
	next(t, conn)

	var callErr error
	require.NoError(t, conn.Go(Entityd, "Reboot", func(_ Message, err error) { callErr = err }))
	next(t, conn)

	assert.Equal(t, "org.freedesktop.DBus.Error.UnknownMethod", nameOf(callErr))
}

func TestPeerStopAfterReply(t *testing.T) {
	conn, srv, served := newPeerPair(t)
	srv.Handle("Shutdown", func(Message) ([]interface{}, error) {
		srv.Stop()
		return nil, nil
	})
	go func() { served <- srv.Serve() }()
	next(t, conn)

	replied := false
	require.NoError(t, conn.Go(Entityd, "Shutdown", func(_ Message, err error) { replied = err == nil }))
	next(t, conn)
	assert.True(t, replied)

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
}

func TestPeerClosedBeforeReady(t *testing.T) {
	client, server := net.Pipe()
	conn := NewPeerConn(client)
	t.Cleanup(func() { conn.Close() })

	var readyErr error
	conn.OnReady(func(err error) { readyErr = err })
	server.Close()
	next(t, conn)

	require.Error(t, readyErr)
	assert.ErrorIs(t, readyErr, ErrClosed)
}

func TestPeerPendingCallsFailOnClose(t *testing.T) {
	client, server := net.Pipe()
	conn := NewPeerConn(client)
	t.Cleanup(func() { conn.Close() })

	// Drain the call frame so the write completes, then hang up.
	go func() {
		_, _ = ReadFrame(server)
		server.Close()
	}()

	var callErr error
	require.NoError(t, conn.Go(Entityd, "Shutdown", func(_ Message, err error) { callErr = err }))
	next(t, conn)

	assert.ErrorIs(t, callErr, ErrClosed)
}

func TestPeerWatchUnsupported(t *testing.T) {
	client, server := net.Pipe()
	conn := NewPeerConn(client)
	t.Cleanup(func() {
		conn.Close()
		server.Close()
	})

	_, err := conn.Watch(JobRemoved, func(Message) {})
	assert.ErrorIs(t, err, ErrNoSignals)
}

func TestPeerCallAfterHangupCompletesWithErrClosed(t *testing.T) {
	client, server := net.Pipe()
	conn := NewPeerConn(client)
	t.Cleanup(func() { conn.Close() })

	server.Close()
	next(t, conn)

	var callErr error
	require.NoError(t, conn.Go(Entityd, "Shutdown", func(_ Message, err error) { callErr = err }))
	next(t, conn)

	assert.ErrorIs(t, callErr, ErrClosed)
}

func TestPeerWriteFailureCompletesWithErrClosed(t *testing.T) {
	conn := NewPeerConn(&brokenWriter{closed: make(chan struct{})})
	t.Cleanup(func() { conn.Close() })

	var callErr error
	require.NoError(t, conn.Go(Entityd, "Shutdown", func(_ Message, err error) { callErr = err }))
	next(t, conn)

	assert.ErrorIs(t, callErr, ErrClosed)
	assert.ErrorContains(t, callErr, "broken pipe")
}

// brokenWriter yields no frame until closed and fails every write.
type brokenWriter struct {
	closed chan struct{}
}

func (w *brokenWriter) Read([]byte) (int, error) {
	<-w.closed
	return 0, io.EOF
}

func (w *brokenWriter) Write([]byte) (int, error) { return 0, syscall.EPIPE }

func (w *brokenWriter) Close() error {
	close(w.closed)
	return nil
}
