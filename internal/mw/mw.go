// Package mw implements the middleware layer: the factories that claim new
// connections and channels, and the two ordered dispatch chains that offer
// each connection or channel to them.
//
// A factory either returns a handler, which then owns the connection or
// channel for its whole lifetime, or nil to let the next factory try.
package mw

import (
	"net/url"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// Request describes a new non-multiplexed connection.
type Request struct {
	Action     protocol.Action
	Params     url.Values
	RemoteAddr string
}

// NewRequest builds a Request from the query parameters of the upgrade
// request.
func NewRequest(params url.Values, remoteAddr string) *Request {
	return &Request{
		Action:     protocol.Action(params.Get("action")),
		Params:     params,
		RemoteAddr: remoteAddr,
	}
}

// Channel is a multiplexed channel as seen by a channel factory.
type Channel interface {
	transport.Conn
	Code() string
	InitialData() []byte
}

// RequestFactory claims non-multiplexed connections.
type RequestFactory interface {
	// ProcessRequest returns the handler for conn, or nil to decline.
	ProcessRequest(conn transport.Conn, req *Request) transport.Handler
}

// ChannelFactory claims multiplexed channels.
type ChannelFactory interface {
	// ProcessChannel returns the handler for ch, or nil to decline.
	ProcessChannel(ch Channel) transport.Handler
}

// RequestFactoryFunc adapts a function to RequestFactory.
type RequestFactoryFunc func(conn transport.Conn, req *Request) transport.Handler

// ProcessRequest implements RequestFactory.
func (f RequestFactoryFunc) ProcessRequest(conn transport.Conn, req *Request) transport.Handler {
	return f(conn, req)
}

// ChannelFactoryFunc adapts a function to ChannelFactory.
type ChannelFactoryFunc func(ch Channel) transport.Handler

// ProcessChannel implements ChannelFactory.
func (f ChannelFactoryFunc) ProcessChannel(ch Channel) transport.Handler {
	return f(ch)
}

// SendEvent sends a server-initiated JSON message on conn.
func SendEvent(conn transport.Conn, msgType string, data interface{}) error {
	raw, err := protocol.EncodeEvent(msgType, data)
	if err != nil {
		return err
	}
	return conn.SendText(raw)
}

// SendReply sends a JSON message answering the client message with id.
func SendReply(conn transport.Conn, id int, msgType string, data interface{}) error {
	m, err := protocol.NewMessage(id, msgType, data)
	if err != nil {
		return err
	}
	raw, err := m.Encode()
	if err != nil {
		return err
	}
	return conn.SendText(raw)
}
