package mw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/sizestr"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// DialTimeout bounds the handshake with a proxied WebSocket.
const DialTimeout = 10 * time.Second

// WebsocketProxy relays messages between a client connection and a remote
// WebSocket. Text stays text and binary stays binary in both directions.
type WebsocketProxy struct {
	conn   transport.Conn
	remote *websocket.Conn
	logger *slog.Logger

	wmu      sync.Mutex
	closed   atomic.Bool
	sent     atomic.Int64
	received atomic.Int64
}

// NewWebsocketProxy starts relaying remote to conn. The returned handler
// relays conn to remote and closes remote on Release.
func NewWebsocketProxy(conn transport.Conn, remote *websocket.Conn, logger *slog.Logger) *WebsocketProxy {
	if logger == nil {
		logger = slog.Default()
	}
	p := &WebsocketProxy{
		conn:   conn,
		remote: remote,
		logger: logger.With("component", "ws-proxy", "conn", conn.ID()),
	}
	go p.pump()
	return p
}

// DialWebsocketProxy dials target with dialer and returns the proxy handler.
// When the dial fails conn is closed with CloseProxyError and nil is
// returned along with the error.
func DialWebsocketProxy(ctx context.Context, conn transport.Conn, dialer *websocket.Dialer, target string, logger *slog.Logger) (*WebsocketProxy, error) {
	ctx, cancel := context.WithTimeout(ctx, DialTimeout)
	defer cancel()

	remote, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		err = fmt.Errorf("dial %s: %w", target, err)
		_ = conn.Close(protocol.CloseProxyError, err.Error())
		return nil, err
	}
	return NewWebsocketProxy(conn, remote, logger), nil
}

// OnMessage implements transport.Handler.
func (p *WebsocketProxy) OnMessage(msg transport.Message) {
	mt := websocket.TextMessage
	if msg.Binary {
		mt = websocket.BinaryMessage
	}
	p.wmu.Lock()
	err := p.remote.WriteMessage(mt, msg.Data)
	p.wmu.Unlock()
	if err != nil {
		p.logger.Debug("write to remote", "error", err)
		_ = p.conn.Close(protocol.CloseProxyError, "remote write failed")
		return
	}
	p.sent.Add(int64(len(msg.Data)))
}

// Release implements transport.Handler.
func (p *WebsocketProxy) Release() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.wmu.Lock()
	_ = p.remote.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	p.wmu.Unlock()
	_ = p.remote.Close()
	p.logger.Debug("proxy closed",
		"sent", sizestr.ToString(p.sent.Load()),
		"received", sizestr.ToString(p.received.Load()))
}

func (p *WebsocketProxy) pump() {
	for {
		mt, data, err := p.remote.ReadMessage()
		if err != nil {
			if p.closed.Load() {
				return
			}
			code, reason := protocol.CloseProxyError, "remote closed"
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure {
				code, reason = protocol.CloseNormal, ce.Text
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug("remote read", "error", err)
			}
			_ = p.conn.Close(code, reason)
			return
		}
		p.received.Add(int64(len(data)))
		if mt == websocket.BinaryMessage {
			err = p.conn.SendBinary(data)
		} else {
			err = p.conn.SendText(data)
		}
		if err != nil {
			return
		}
	}
}

// WebsocketProxyFactory claims connections with action=proxy-ws and relays
// them to the WebSocket URL in the "ws" query parameter.
type WebsocketProxyFactory struct {
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebsocketProxyFactory creates the proxy-ws middleware.
func NewWebsocketProxyFactory(logger *slog.Logger) *WebsocketProxyFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketProxyFactory{
		dialer: &websocket.Dialer{HandshakeTimeout: DialTimeout},
		logger: logger,
	}
}

// ProcessRequest implements RequestFactory.
func (f *WebsocketProxyFactory) ProcessRequest(conn transport.Conn, req *Request) transport.Handler {
	if req.Action != protocol.ActionProxyWS {
		return nil
	}
	target := req.Params.Get("ws")
	if target == "" {
		_ = conn.Close(protocol.CloseProxyError, `[proxy-ws] Invalid value "" for "ws" parameter`)
		return transport.HandlerFuncs{}
	}
	p, err := DialWebsocketProxy(context.Background(), conn, f.dialer, target, f.logger)
	if err != nil {
		f.logger.Info("proxy-ws dial failed", "conn", conn.ID(), "error", err)
		return transport.HandlerFuncs{}
	}
	return p
}
