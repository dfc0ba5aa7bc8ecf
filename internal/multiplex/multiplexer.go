package multiplex

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/standardbeagle/scrcpyhub/internal/metrics"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// ErrUnknownCode indicates a CreateChannel frame with an unregistered code.
var ErrUnknownCode = errors.New("unknown channel code")

// Sink is the physical connection a multiplexer writes frames to.
type Sink interface {
	SendBinary(data []byte) error
}

// OpenFunc is offered every accepted channel. It returns the handler that
// claims the channel, or nil when nothing claims it.
type OpenFunc func(ch *Channel) transport.Handler

// Config configures a Multiplexer.
type Config struct {
	// ID prefixes channel ids in logs.
	ID string
	// Accept reports whether a channel code is registered. Defaults to
	// protocol.IsChannelCode.
	Accept func(code string) bool
	// Open claims accepted channels.
	Open    OpenFunc
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Multiplexer demultiplexes frames read from one physical connection into
// channels and multiplexes channel output back onto it.
type Multiplexer struct {
	id      string
	sink    Sink
	accept  func(code string) bool
	open    OpenFunc
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[uint32]*Channel
	closed   bool
}

// New creates a multiplexer writing to sink.
func New(sink Sink, config Config) *Multiplexer {
	if config.Accept == nil {
		config.Accept = protocol.IsChannelCode
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Multiplexer{
		id:       config.ID,
		sink:     sink,
		accept:   config.Accept,
		open:     config.Open,
		logger:   config.Logger.With("component", "multiplexer", "conn", config.ID),
		metrics:  config.Metrics,
		channels: make(map[uint32]*Channel),
	}
}

// HandleMessage processes one message read from the physical connection.
// It must be called from a single goroutine, in read order. A non-nil error
// means the connection can no longer be trusted and must be closed; every
// other protocol problem is contained to the affected channel.
func (m *Multiplexer) HandleMessage(msg transport.Message) error {
	if !msg.Binary {
		m.logger.Warn("dropping text message on multiplexed connection", "size", len(msg.Data))
		return nil
	}

	frame, err := DecodeFrame(msg.Data)
	if err != nil {
		if errors.Is(err, ErrUnknownFrameType) {
			m.logger.Warn("closing channel after unknown frame", "channel", frame.ChannelID, "error", err)
			m.closeChannelID(frame.ChannelID, protocol.CloseProtocolError, "unknown frame type")
			return nil
		}
		m.logger.Warn("malformed frame", "error", err)
		return err
	}

	switch frame.Type {
	case TypeCreateChannel:
		m.createChannel(frame)
	case TypeCloseChannel:
		m.peerClosed(frame)
	case TypeRawStringData:
		m.route(frame, transport.Message{Binary: false, Data: frame.Payload})
	case TypeRawBinaryData, TypeData:
		m.route(frame, transport.Message{Binary: true, Data: frame.Payload})
	}
	return nil
}

func (m *Multiplexer) createChannel(frame Frame) {
	if len(frame.Payload) < protocol.ChannelCodeLength {
		m.logger.Warn("create channel without code", "channel", frame.ChannelID)
		m.metrics.Dispatch(metrics.DispatchChannel, metrics.ResultRejected)
		m.refuse(frame.ChannelID, "missing channel code")
		return
	}

	code := string(frame.Payload[:protocol.ChannelCodeLength])
	if !m.accept(code) {
		m.logger.Warn("refusing channel", "channel", frame.ChannelID, "code", code, "error", ErrUnknownCode)
		m.metrics.Dispatch(metrics.DispatchChannel, metrics.ResultRejected)
		m.refuse(frame.ChannelID, fmt.Sprintf("Unsupported request \"%s\"", code))
		return
	}

	ch := newChannel(m, frame.ChannelID, code, frame.Payload[protocol.ChannelCodeLength:])

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if _, exists := m.channels[frame.ChannelID]; exists {
		m.mu.Unlock()
		m.logger.Warn("refusing duplicate channel id", "channel", frame.ChannelID, "code", code)
		m.metrics.Dispatch(metrics.DispatchChannel, metrics.ResultRejected)
		m.refuse(frame.ChannelID, "channel already exists")
		return
	}
	m.channels[frame.ChannelID] = ch
	m.mu.Unlock()

	var h transport.Handler
	if m.open != nil {
		h = m.open(ch)
	}
	if h == nil {
		m.logger.Info("no handler for channel", "channel", frame.ChannelID, "code", code)
		m.metrics.Dispatch(metrics.DispatchChannel, metrics.ResultUnhandled)
		ch.Close(protocol.CloseUnsupportedRequest, fmt.Sprintf("Unhandled channel \"%s\"", code))
		return
	}

	m.metrics.Dispatch(metrics.DispatchChannel, metrics.ResultClaimed)
	m.logger.Debug("channel opened", "channel", frame.ChannelID, "code", code)
	ch.start(h)
}

func (m *Multiplexer) peerClosed(frame Frame) {
	ch := m.lookup(frame.ChannelID)
	if ch == nil {
		return
	}
	code, reason := decodeClosePayload(frame.Payload)
	m.logger.Debug("channel closed by peer", "channel", frame.ChannelID, "code", code, "reason", reason)
	ch.shutdown()
}

func (m *Multiplexer) route(frame Frame, msg transport.Message) {
	ch := m.lookup(frame.ChannelID)
	if ch == nil {
		m.logger.Debug("dropping frame for unknown channel", "channel", frame.ChannelID, "type", frame.Type)
		return
	}
	// The payload aliases the read buffer of the connection.
	msg.Data = append([]byte(nil), msg.Data...)
	ch.deliver(msg)
}

func (m *Multiplexer) closeChannelID(id uint32, code protocol.CloseCode, reason string) {
	if ch := m.lookup(id); ch != nil {
		ch.Close(code, reason)
		return
	}
	m.refuse(id, reason)
}

// refuse tells the peer that channel id is closed without creating it.
func (m *Multiplexer) refuse(id uint32, reason string) {
	err := m.writeFrame(Frame{
		Type:      TypeCloseChannel,
		ChannelID: id,
		Payload:   encodeClosePayload(uint16(protocol.CloseUnsupportedRequest), reason),
	})
	if err != nil {
		m.logger.Debug("refuse channel", "channel", id, "error", err)
	}
}

func (m *Multiplexer) lookup(id uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[id]
}

func (m *Multiplexer) remove(ch *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[ch.id] == ch {
		delete(m.channels, ch.id)
	}
}

func (m *Multiplexer) writeFrame(f Frame) error {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return m.sink.SendBinary(f.Encode())
}

// NumChannels returns the number of open channels.
func (m *Multiplexer) NumChannels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Close is called when the physical connection has gone away. Every channel
// is shut down and Close returns after all handlers have been released.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	channels := make([]*Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown()
	}
	for _, ch := range channels {
		<-ch.Done()
	}
}
