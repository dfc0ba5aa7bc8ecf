package mw

import (
	"fmt"
	"log/slog"

	"github.com/standardbeagle/scrcpyhub/internal/metrics"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

type requestEntry struct {
	name    string
	factory RequestFactory
}

// RequestChain offers non-multiplexed connections to its factories in
// registration order. The first factory that returns a handler wins and
// later factories are not consulted.
//
// Register is not safe for concurrent use with Dispatch; chains are built
// before the server starts accepting connections.
type RequestChain struct {
	entries []requestEntry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRequestChain creates an empty chain.
func NewRequestChain(logger *slog.Logger, m *metrics.Metrics) *RequestChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestChain{logger: logger.With("component", "request-chain"), metrics: m}
}

// Register appends f to the chain.
func (c *RequestChain) Register(name string, f RequestFactory) {
	c.entries = append(c.entries, requestEntry{name: name, factory: f})
}

// Names returns the registered factory names in order.
func (c *RequestChain) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Dispatch returns the handler of the first factory that claims conn. When
// no factory claims it, conn is closed and nil is returned.
func (c *RequestChain) Dispatch(conn transport.Conn, req *Request) transport.Handler {
	for _, e := range c.entries {
		if h := e.factory.ProcessRequest(conn, req); h != nil {
			c.logger.Debug("connection claimed", "conn", conn.ID(), "action", req.Action, "middleware", e.name)
			c.metrics.Dispatch(metrics.DispatchConnection, metrics.ResultClaimed)
			return h
		}
	}

	c.logger.Info("unhandled connection", "conn", conn.ID(), "action", req.Action, "remote", req.RemoteAddr)
	c.metrics.Dispatch(metrics.DispatchConnection, metrics.ResultUnhandled)
	_ = conn.Close(protocol.CloseProxyError, fmt.Sprintf("[%s] Unsupported request", req.Action))
	return nil
}

type channelEntry struct {
	name    string
	factory ChannelFactory
}

// ChannelChain offers multiplexed channels to its factories in registration
// order, with the same first-match-wins rule as RequestChain.
type ChannelChain struct {
	entries []channelEntry
	logger  *slog.Logger
}

// NewChannelChain creates an empty chain.
func NewChannelChain(logger *slog.Logger) *ChannelChain {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelChain{logger: logger.With("component", "channel-chain")}
}

// Register appends f to the chain.
func (c *ChannelChain) Register(name string, f ChannelFactory) {
	c.entries = append(c.entries, channelEntry{name: name, factory: f})
}

// Names returns the registered factory names in order.
func (c *ChannelChain) Names() []string {
	names := make([]string, len(c.entries))
	for i, e := range c.entries {
		names[i] = e.name
	}
	return names
}

// Dispatch returns the handler of the first factory that claims ch, or nil.
// Closing an unclaimed channel is left to the multiplexer.
func (c *ChannelChain) Dispatch(ch Channel) transport.Handler {
	for _, e := range c.entries {
		if h := e.factory.ProcessChannel(ch); h != nil {
			c.logger.Debug("channel claimed", "channel", ch.ID(), "code", ch.Code(), "middleware", e.name)
			return h
		}
	}
	return nil
}
