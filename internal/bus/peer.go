package bus

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/godbus/dbus/v5"
)

// ErrNoSignals is returned by PeerConn.Watch; peer buses carry calls only.
var ErrNoSignals = errors.New("peer bus does not carry signals")

// PeerConn is the daemon end of a private peer bus to an entity helper.
type PeerConn struct {
	rwc    io.ReadWriteCloser
	events chan func()
	done   chan struct{}

	wmu sync.Mutex

	mu      sync.Mutex
	serial  uint32
	pending map[uint32]func(Message, error)
	broken  error

	closeOnce sync.Once

	// Touched only by the event consumer.
	ready    bool
	readyErr error
	onReady  func(error)
}

// NewPeerConn starts reading frames from rwc.
func NewPeerConn(rwc io.ReadWriteCloser) *PeerConn {
	p := &PeerConn{
		rwc:     rwc,
		events:  make(chan func()),
		done:    make(chan struct{}),
		pending: make(map[uint32]func(Message, error)),
	}
	go p.readLoop()
	return p
}

// Go sends a call frame. Once the stream has failed, or if the frame cannot
// be written, done still runs on the event stream with an error wrapping
// ErrClosed; Go itself only fails when args cannot be encoded.
func (p *PeerConn) Go(dest Destination, method string, done func(Message, error), args ...interface{}) error {
	payload, err := EncodeBody(args...)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if broken := p.broken; broken != nil {
		p.mu.Unlock()
		go p.deliver(func() { done(nil, broken) })
		return nil
	}
	p.serial++
	serial := p.serial
	p.pending[serial] = done
	p.mu.Unlock()

	p.wmu.Lock()
	err = WriteFrame(p.rwc, &Frame{
		Type:      FrameCall,
		Serial:    serial,
		Interface: dest.Interface,
		Member:    method,
		Body:      payload,
	})
	p.wmu.Unlock()

	if err != nil {
		p.mu.Lock()
		_, owned := p.pending[serial]
		delete(p.pending, serial)
		p.mu.Unlock()
		// Otherwise fail already took the call and settles it.
		if owned {
			werr := fmt.Errorf("%w: %v", ErrClosed, err)
			go p.deliver(func() { done(nil, werr) })
		}
	}
	return nil
}

func (p *PeerConn) Watch(SignalSpec, func(Message)) (func(), error) {
	return nil, ErrNoSignals
}

func (p *PeerConn) Events() <-chan func() {
	return p.events
}

// OnReady must be called from the event consumer.
func (p *PeerConn) OnReady(fn func(error)) {
	if p.ready || p.readyErr != nil {
		fn(p.readyErr)
		return
	}
	p.onReady = fn
}

func (p *PeerConn) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.rwc.Close()
	})
	return err
}

func (p *PeerConn) readLoop() {
	for {
		f, err := ReadFrame(p.rwc)
		if err != nil {
			p.fail(err)
			return
		}

		switch f.Type {
		case FrameHello:
			p.deliver(func() { p.settleReady(nil) })
		case FrameReturn, FrameError:
			p.mu.Lock()
			done, ok := p.pending[f.ReplySerial]
			delete(p.pending, f.ReplySerial)
			p.mu.Unlock()
			if !ok {
				continue
			}
			msg, callErr := replyOf(f)
			p.deliver(func() { done(msg, callErr) })
		}
	}
}

// fail settles readiness and every pending call with err once the stream ends.
func (p *PeerConn) fail(err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		err = ErrClosed
	} else {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = make(map[uint32]func(Message, error))
	p.broken = err
	p.mu.Unlock()

	p.deliver(func() {
		p.settleReady(fmt.Errorf("peer bus: %w", err))
		for _, done := range pending {
			done(nil, err)
		}
	})
}

func (p *PeerConn) settleReady(err error) {
	if p.ready || p.readyErr != nil {
		return
	}
	if err == nil {
		p.ready = true
	} else {
		p.readyErr = err
	}
	if fn := p.onReady; fn != nil {
		p.onReady = nil
		fn(err)
	}
}

func (p *PeerConn) deliver(fn func()) {
	select {
	case p.events <- fn:
	case <-p.done:
	}
}

func replyOf(f *Frame) (Message, error) {
	if f.Type == FrameReturn {
		return jsonBody(f.Body), nil
	}
	var text string
	if len(f.Body) > 0 {
		_ = jsonBody(f.Body).Store(&text)
	}
	return nil, RemoteError(f.ErrorName, text)
}

// Handler answers one peer call. A returned dbus.Error (value or pointer)
// is sent back under its own name.
type Handler func(args Message) ([]interface{}, error)

// PeerServer is the helper end of a private peer bus. Calls are handled
// one at a time, in arrival order.
type PeerServer struct {
	rw       io.ReadWriter
	iface    string
	handlers map[string]Handler
	stop     bool
}

// NewPeerServer serves the given interface over rw.
func NewPeerServer(rw io.ReadWriter, iface string) *PeerServer {
	return &PeerServer{rw: rw, iface: iface, handlers: make(map[string]Handler)}
}

// Handle registers h for calls to member.
func (s *PeerServer) Handle(member string, h Handler) {
	s.handlers[member] = h
}

// Stop makes Serve return after the reply to the current call is written.
// It may only be called from a handler.
func (s *PeerServer) Stop() {
	s.stop = true
}

// Serve announces readiness and answers calls until the stream ends or a
// handler calls Stop. A clean end of stream returns nil.
func (s *PeerServer) Serve() error {
	if err := WriteFrame(s.rw, &Frame{Type: FrameHello}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	for !s.stop {
		f, err := ReadFrame(s.rw)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if f.Type != FrameCall {
			continue
		}
		if err := WriteFrame(s.rw, s.answer(f)); err != nil {
			return fmt.Errorf("reply to %s: %w", f.Member, err)
		}
	}
	return nil
}

func (s *PeerServer) answer(f *Frame) *Frame {
	reply := &Frame{ReplySerial: f.Serial}

	h, ok := s.handlers[f.Member]
	if !ok || (f.Interface != "" && f.Interface != s.iface) {
		return errorFrame(reply, "org.freedesktop.DBus.Error.UnknownMethod",
			fmt.Sprintf("Unknown method %s.%s", f.Interface, f.Member))
	}

	out, err := h(jsonBody(f.Body))
	if err != nil {
		var derr dbus.Error
		var pderr *dbus.Error
		switch {
		case errors.As(err, &pderr):
			return errorFrame(reply, pderr.Name, pderr.Error())
		case errors.As(err, &derr):
			return errorFrame(reply, derr.Name, derr.Error())
		default:
			return errorFrame(reply, "org.nonsense.Error.Failed", err.Error())
		}
	}

	payload, err := EncodeBody(out...)
	if err != nil {
		return errorFrame(reply, "org.nonsense.Error.Failed", err.Error())
	}
	reply.Type = FrameReturn
	reply.Body = payload
	return reply
}

func errorFrame(f *Frame, name, message string) *Frame {
	f.Type = FrameError
	f.ErrorName = name
	f.Body, _ = EncodeBody(message)
	return f
}
