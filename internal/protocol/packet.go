// Package protocol defines the framed message set exchanged between stations.
//
// Every frame starts with a 4-byte big-endian header: the total frame length
// (header included) followed by the message type.
package protocol

import "math"

// Version is the protocol version carried in HandshakeRequest.
const Version = 2

// HeaderSize is the fixed header size: Length(2) + Type(2).
const HeaderSize = 4

// MaxFrameSize is the largest frame an encoder may produce. The length field
// is read as a signed 16-bit value, so anything above this is invalid.
const MaxFrameSize = math.MaxInt16

// Type identifies the message carried by a frame.
type Type uint16

// Message type constants.
const (
	TypeHandshakeRequest   Type = 1
	TypeHandshakeReplyOk   Type = 2
	TypeHandshakeReplyFail Type = 3
	TypeAudioFrame         Type = 4
	TypePing               Type = 5
	TypePong               Type = 6
	TypeStationName        Type = 7
)

func (t Type) String() string {
	switch t {
	case TypeHandshakeRequest:
		return "HandshakeRequest"
	case TypeHandshakeReplyOk:
		return "HandshakeReplyOk"
	case TypeHandshakeReplyFail:
		return "HandshakeReplyFail"
	case TypeAudioFrame:
		return "AudioFrame"
	case TypePing:
		return "Ping"
	case TypePong:
		return "Pong"
	case TypeStationName:
		return "StationName"
	default:
		return "Unknown"
	}
}

// Message is implemented by every frame payload type.
type Message interface {
	Type() Type
}

// HandshakeRequest opens a session from the connecting side.
type HandshakeRequest struct {
	Version     uint16
	AudioFormat string
	StationName string
}

// HandshakeReplyOk accepts a HandshakeRequest.
type HandshakeReplyOk struct {
	AudioFormat string
	StationName string
}

// HandshakeReplyFail rejects a HandshakeRequest.
type HandshakeReplyFail struct {
	Reason string
}

// AudioFrame carries raw PCM samples. An empty payload marks the end of a
// talk-burst.
type AudioFrame struct {
	Payload []byte
}

// Ping asks the remote side to echo ID back in a Pong.
type Ping struct {
	ID int32
}

// Pong answers a Ping with the same ID.
type Pong struct {
	ID int32
}

// StationName announces a new display name for the sending station.
type StationName struct {
	Name string
}

func (*HandshakeRequest) Type() Type   { return TypeHandshakeRequest }
func (*HandshakeReplyOk) Type() Type   { return TypeHandshakeReplyOk }
func (*HandshakeReplyFail) Type() Type { return TypeHandshakeReplyFail }
func (*AudioFrame) Type() Type         { return TypeAudioFrame }
func (*Ping) Type() Type               { return TypePing }
func (*Pong) Type() Type               { return TypePong }
func (*StationName) Type() Type        { return TypeStationName }
