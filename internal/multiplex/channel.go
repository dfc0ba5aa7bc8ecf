package multiplex

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// ErrClosed is returned when sending on a closed channel or multiplexer.
var ErrClosed = errors.New("channel closed")

// Channel is one logical stream of a multiplexed connection. It implements
// transport.Conn, so a handler treats it exactly like a whole connection.
type Channel struct {
	id   uint32
	code string
	init []byte
	mux  *Multiplexer

	inbox inbox
	done  chan struct{}

	// mu orders start against shutdown: whichever of them runs second
	// sees the other's effect, so done is closed exactly once.
	mu      sync.Mutex
	handler transport.Handler
	closed  atomic.Bool
}

func newChannel(mux *Multiplexer, id uint32, code string, init []byte) *Channel {
	c := &Channel{
		id:   id,
		code: code,
		mux:  mux,
		done: make(chan struct{}),
	}
	if len(init) > 0 {
		c.init = append([]byte(nil), init...)
	}
	c.inbox.init()
	return c
}

// ID implements transport.Conn.
func (c *Channel) ID() string {
	return fmt.Sprintf("%s/%d", c.mux.id, c.id)
}

// ChannelID returns the client-assigned channel id.
func (c *Channel) ChannelID() uint32 {
	return c.id
}

// Code returns the channel code the client opened the channel with.
func (c *Channel) Code() string {
	return c.code
}

// InitialData returns the bytes that followed the code in the CreateChannel
// frame, or nil.
func (c *Channel) InitialData() []byte {
	return c.init
}

// SendText implements transport.Conn.
func (c *Channel) SendText(data []byte) error {
	return c.send(TypeRawStringData, data)
}

// SendBinary implements transport.Conn.
func (c *Channel) SendBinary(data []byte) error {
	return c.send(TypeRawBinaryData, data)
}

func (c *Channel) send(t MessageType, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.mux.writeFrame(Frame{Type: t, ChannelID: c.id, Payload: data})
}

// Close implements transport.Conn. It tells the peer the channel is gone,
// stops delivery and releases the handler. The physical connection and the
// other channels are not affected.
func (c *Channel) Close(code protocol.CloseCode, reason string) error {
	if !c.shutdown() {
		return nil
	}
	return c.mux.writeFrame(Frame{
		Type:      TypeCloseChannel,
		ChannelID: c.id,
		Payload:   encodeClosePayload(uint16(code), reason),
	})
}

// Done is closed once the handler has been released.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// start hands the channel to its handler and begins delivery.
func (c *Channel) start(h transport.Handler) {
	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		// Closed while being claimed; done is already closed.
		h.Release()
		return
	}
	c.handler = h
	c.mu.Unlock()

	c.mux.metrics.ChannelOpened(c.code)
	go c.run(h)
}

func (c *Channel) run(h transport.Handler) {
	defer close(c.done)
	defer c.mux.metrics.ChannelClosed(c.code)
	defer h.Release()

	for {
		msg, ok := c.inbox.pop()
		if !ok {
			return
		}
		h.OnMessage(msg)
	}
}

// deliver queues an inbound message. It never blocks, so a slow handler
// does not hold up the connection reader or any other channel.
func (c *Channel) deliver(msg transport.Message) {
	if c.closed.Load() {
		return
	}
	c.inbox.push(msg)
}

// shutdown marks the channel closed and detaches it from the multiplexer.
// It reports whether this call performed the transition.
func (c *Channel) shutdown() bool {
	c.mu.Lock()
	if !c.closed.CompareAndSwap(false, true) {
		c.mu.Unlock()
		return false
	}
	started := c.handler != nil
	c.mu.Unlock()

	c.mux.remove(c)
	c.inbox.close()
	if !started {
		close(c.done)
	}
	return true
}

// inbox is an unbounded FIFO of messages for one channel.
type inbox struct {
	mu     sync.Mutex
	items  []transport.Message
	ready  chan struct{}
	closed bool
}

func (q *inbox) init() {
	q.ready = make(chan struct{}, 1)
}

func (q *inbox) push(msg transport.Message) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *inbox) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// pop blocks until a message is available or the inbox is closed. Pending
// messages are dropped once the inbox is closed.
func (q *inbox) pop() (transport.Message, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return transport.Message{}, false
		}
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = transport.Message{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, true
		}
		q.mu.Unlock()
		<-q.ready
	}
}
