package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

var (
	ErrShortFrame    = errors.New("frame shorter than header")
	ErrInvalidHeader = errors.New("invalid frame header")
	ErrInvalidLength = errors.New("frame length does not match header")
	ErrTruncated     = errors.New("truncated frame")
	ErrUnknownType   = errors.New("unknown message type")
	ErrFrameTooLarge = errors.New("frame too large")
	ErrInvalidString = errors.New("string field is not valid UTF-8")
)

// ReadHeader parses the 4-byte header at the start of b. A length that is
// non-positive when read as a signed 16-bit integer, or shorter than the
// header itself, is reported as ErrInvalidHeader.
func ReadHeader(b []byte) (int, Type, error) {
	if len(b) < HeaderSize {
		return 0, 0, ErrShortFrame
	}
	n := int(int16(binary.BigEndian.Uint16(b[0:2])))
	if n < HeaderSize {
		return 0, 0, fmt.Errorf("%w: length %d", ErrInvalidHeader, n)
	}
	return n, Type(binary.BigEndian.Uint16(b[2:4])), nil
}

// PutHeader writes a frame header into b[0:4].
func PutHeader(b []byte, length int, t Type) {
	binary.BigEndian.PutUint16(b[0:2], uint16(length))
	binary.BigEndian.PutUint16(b[2:4], uint16(t))
}

// Size returns the encoded frame size of m.
func Size(m Message) int {
	switch m := m.(type) {
	case *HandshakeRequest:
		return HeaderSize + 2 + 2 + len(m.AudioFormat) + 2 + len(m.StationName)
	case *HandshakeReplyOk:
		return HeaderSize + 2 + len(m.AudioFormat) + 2 + len(m.StationName)
	case *HandshakeReplyFail:
		return HeaderSize + 2 + len(m.Reason)
	case *AudioFrame:
		return HeaderSize + len(m.Payload)
	case *Ping, *Pong:
		return HeaderSize + 4
	case *StationName:
		return HeaderSize + 2 + len(m.Name)
	default:
		return 0
	}
}

// Encode serializes a message into a complete frame.
func Encode(m Message) ([]byte, error) {
	size := Size(m)
	if size == 0 {
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, m)
	}
	if size > MaxFrameSize {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", ErrFrameTooLarge, m.Type(), size, MaxFrameSize)
	}

	buf := make([]byte, size)
	PutHeader(buf, size, m.Type())
	w := buf[HeaderSize:]

	switch m := m.(type) {
	case *HandshakeRequest:
		binary.BigEndian.PutUint16(w, m.Version)
		w = putString(w[2:], m.AudioFormat)
		putString(w, m.StationName)
	case *HandshakeReplyOk:
		w = putString(w, m.AudioFormat)
		putString(w, m.StationName)
	case *HandshakeReplyFail:
		putString(w, m.Reason)
	case *AudioFrame:
		copy(w, m.Payload)
	case *Ping:
		binary.BigEndian.PutUint32(w, uint32(m.ID))
	case *Pong:
		binary.BigEndian.PutUint32(w, uint32(m.ID))
	case *StationName:
		putString(w, m.Name)
	}
	return buf, nil
}

// Decode parses one complete frame. AudioFrame payloads alias data.
func Decode(data []byte) (Message, error) {
	n, t, err := ReadHeader(data)
	if err != nil {
		return nil, err
	}
	if n > len(data) {
		return nil, fmt.Errorf("%w: header says %d bytes, have %d", ErrTruncated, n, len(data))
	}
	if n < len(data) {
		return nil, fmt.Errorf("%w: header says %d bytes, have %d", ErrInvalidLength, n, len(data))
	}

	r := reader{b: data[HeaderSize:]}
	var m Message

	switch t {
	case TypeHandshakeRequest:
		req := &HandshakeRequest{Version: r.uint16()}
		req.AudioFormat = r.string()
		req.StationName = r.string()
		m = req
	case TypeHandshakeReplyOk:
		m = &HandshakeReplyOk{AudioFormat: r.string(), StationName: r.string()}
	case TypeHandshakeReplyFail:
		m = &HandshakeReplyFail{Reason: r.string()}
	case TypeAudioFrame:
		return &AudioFrame{Payload: data[HeaderSize:n]}, nil
	case TypePing:
		m = &Ping{ID: int32(r.uint32())}
	case TypePong:
		m = &Pong{ID: int32(r.uint32())}
	case TypeStationName:
		m = &StationName{Name: r.string()}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}

	if r.err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, r.err)
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("decode %s: %w: %d trailing bytes", t, ErrInvalidLength, len(r.b))
	}
	return m, nil
}

func putString(b []byte, s string) []byte {
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return b[2+len(s):]
}

// reader consumes big-endian fields and remembers the first failure.
type reader struct {
	b   []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.b) < n {
		r.err = ErrTruncated
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *reader) uint16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) uint32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) string() string {
	n := r.uint16()
	b := r.take(int(n))
	if b == nil {
		return ""
	}
	if !utf8.Valid(b) {
		r.err = ErrInvalidString
		return ""
	}
	return string(b)
}
