package bus

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum allowed peer frame payload (16 MiB).
const MaxFrameSize = 16 << 20

// Peer frame types.
const (
	FrameHello  = "hello"
	FrameCall   = "call"
	FrameReturn = "return"
	FrameError  = "error"
)

// Frame is the envelope for every message on a private peer bus. A helper
// sends one hello frame once its handlers are installed, then answers each
// call frame with exactly one return or error frame carrying ReplySerial.
type Frame struct {
	Type        string            `json:"type"`
	Serial      uint32            `json:"serial,omitempty"`
	ReplySerial uint32            `json:"reply_serial,omitempty"`
	Interface   string            `json:"interface,omitempty"`
	Member      string            `json:"member,omitempty"`
	ErrorName   string            `json:"error_name,omitempty"`
	Body        []json.RawMessage `json:"body,omitempty"`
}

// WriteFrame writes a length-prefixed JSON frame to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

// ReadFrame reads a length-prefixed JSON frame from r.
func ReadFrame(r io.Reader) (*Frame, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxFrameSize {
		return nil, fmt.Errorf("frame size %d exceeds maximum %d", length, MaxFrameSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}

	return &f, nil
}

// EncodeBody marshals each argument into its own body element.
func EncodeBody(args ...interface{}) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		data, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d: %w", i, err)
		}
		out[i] = data
	}
	return out, nil
}

// jsonBody adapts a peer frame body to Message.
type jsonBody []json.RawMessage

func (b jsonBody) Store(dst ...interface{}) error {
	if len(dst) > len(b) {
		return fmt.Errorf("body has %d elements, want %d", len(b), len(dst))
	}
	for i, d := range dst {
		if err := json.Unmarshal(b[i], d); err != nil {
			return fmt.Errorf("decode element %d: %w", i, err)
		}
	}
	return nil
}

func (b jsonBody) Field(i int) (interface{}, error) {
	if i < 0 || i >= len(b) {
		return nil, fmt.Errorf("field %d out of range (body has %d)", i, len(b))
	}
	var v interface{}
	if err := json.Unmarshal(b[i], &v); err != nil {
		return nil, fmt.Errorf("decode element %d: %w", i, err)
	}
	return v, nil
}
