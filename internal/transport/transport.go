// Package transport defines the message-oriented connection abstraction
// shared by physical WebSocket connections and multiplexed channels.
package transport

import "github.com/standardbeagle/scrcpyhub/internal/protocol"

// Message is one complete message received from a peer.
type Message struct {
	// Binary is false for text messages.
	Binary bool
	Data   []byte
}

// Conn is a bidirectional message stream. Both a whole WebSocket
// connection and a single multiplexed channel implement it, so a handler
// cannot tell which one it was given.
type Conn interface {
	// ID identifies the connection or channel in logs.
	ID() string
	SendText(data []byte) error
	SendBinary(data []byte) error
	// Close ends the stream. Closing an already closed Conn is a no-op.
	Close(code protocol.CloseCode, reason string) error
}

// Handler owns a Conn for its whole lifetime. The owner of the Conn calls
// OnMessage for every inbound message in arrival order and calls Release
// exactly once when the Conn closes; no OnMessage call happens after
// Release has started.
type Handler interface {
	OnMessage(msg Message)
	Release()
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are no-ops.
type HandlerFuncs struct {
	Message func(msg Message)
	Close   func()
}

// OnMessage implements Handler.
func (h HandlerFuncs) OnMessage(msg Message) {
	if h.Message != nil {
		h.Message(msg)
	}
}

// Release implements Handler.
func (h HandlerFuncs) Release() {
	if h.Close != nil {
		h.Close()
	}
}
