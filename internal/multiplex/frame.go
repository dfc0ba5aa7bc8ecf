// Package multiplex splits one WebSocket connection into many logical
// channels.
//
// Every binary WebSocket message on a multiplexed connection is one frame:
//
//	[1 byte type] [4 bytes channel id, little-endian uint32] [payload]
//
// A client opens a channel with a CreateChannel frame whose payload starts
// with a 4-byte channel code. The code selects the handler that will own
// the channel; codes outside the registered set are refused with a
// CloseChannel frame and no handler is created.
package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// MessageType is the first byte of a frame.
type MessageType uint8

const (
	// TypeCreateChannel opens a channel. Payload: 4-byte code + initial data.
	TypeCreateChannel MessageType = 4
	// TypeCloseChannel closes a channel. Payload: uint16 LE code + UTF-8 reason.
	TypeCloseChannel MessageType = 8
	// TypeRawBinaryData carries one binary message for the channel.
	TypeRawBinaryData MessageType = 16
	// TypeRawStringData carries one text message for the channel.
	TypeRawStringData MessageType = 32
	// TypeData carries a frame of a multiplexer layered on the channel. It
	// reaches the channel handler as a binary message.
	TypeData MessageType = 64
)

func (t MessageType) String() string {
	switch t {
	case TypeCreateChannel:
		return "create"
	case TypeCloseChannel:
		return "close"
	case TypeRawBinaryData:
		return "binary"
	case TypeRawStringData:
		return "text"
	case TypeData:
		return "data"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t MessageType) valid() bool {
	switch t {
	case TypeCreateChannel, TypeCloseChannel, TypeRawBinaryData, TypeRawStringData, TypeData:
		return true
	}
	return false
}

// headerLength is the fixed size of a frame header: 1 byte type + 4 bytes
// channel id.
const headerLength = 5

var (
	// ErrMalformedFrame indicates a frame too short to name a channel.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownFrameType indicates a frame whose type byte is not defined.
	// The channel id of such a frame is still valid.
	ErrUnknownFrameType = errors.New("unknown frame type")
)

// Frame is one multiplexer message.
type Frame struct {
	Type      MessageType
	ChannelID uint32
	Payload   []byte
}

// Encode serializes the frame.
func (f Frame) Encode() []byte {
	buf := make([]byte, headerLength+len(f.Payload))
	buf[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(buf[1:headerLength], f.ChannelID)
	copy(buf[headerLength:], f.Payload)
	return buf
}

// DecodeFrame parses a frame. The payload aliases data. When the type byte
// is unknown the returned frame still carries the channel id alongside
// ErrUnknownFrameType.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) < headerLength {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	f := Frame{
		Type:      MessageType(data[0]),
		ChannelID: binary.LittleEndian.Uint32(data[1:headerLength]),
		Payload:   data[headerLength:],
	}
	if !f.Type.valid() {
		return f, fmt.Errorf("%w: %d", ErrUnknownFrameType, uint8(f.Type))
	}
	return f, nil
}

// encodeClosePayload builds the payload of a CloseChannel frame.
func encodeClosePayload(code uint16, reason string) []byte {
	buf := make([]byte, 2+len(reason))
	binary.LittleEndian.PutUint16(buf, code)
	copy(buf[2:], reason)
	return buf
}

// decodeClosePayload parses a CloseChannel payload. A missing code reads as
// 1005 (no status), matching WebSocket close semantics.
func decodeClosePayload(payload []byte) (uint16, string) {
	if len(payload) < 2 {
		return 1005, ""
	}
	code := binary.LittleEndian.Uint16(payload)
	reason := payload[2:]
	if !utf8.Valid(reason) {
		return code, ""
	}
	return code, string(reason)
}
