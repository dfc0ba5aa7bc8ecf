package server

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
)

// ErrConnClosed is returned when sending on a closed connection.
var ErrConnClosed = errors.New("connection closed")

const (
	writeTimeout = 10 * time.Second
	// maxCloseReason is the longest reason a close frame can carry.
	maxCloseReason = 123
)

// wsConn is a physical WebSocket connection. Writes are serialized; reads
// happen only on the server's read loop.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	wmu    sync.Mutex
	closed atomic.Bool
}

func newWSConn(id string, ws *websocket.Conn, logger *slog.Logger) *wsConn {
	return &wsConn{id: id, ws: ws, logger: logger}
}

func (c *wsConn) ID() string {
	return c.id
}

func (c *wsConn) SendText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *wsConn) SendBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *wsConn) write(mt int, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed.Load() {
		return ErrConnClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(mt, data)
}

// Close sends a close frame and closes the socket, which ends the read
// loop.
func (c *wsConn) Close(code protocol.CloseCode, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()

	msg := websocket.FormatCloseMessage(int(code), truncateReason(reason))
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		c.logger.Debug("write close frame", "error", err)
	}
	return c.ws.Close()
}

// truncateReason cuts reason to fit a close frame without splitting a
// UTF-8 sequence.
func truncateReason(reason string) string {
	if len(reason) <= maxCloseReason {
		return reason
	}
	cut := maxCloseReason
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
