package googmw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/standardbeagle/scrcpyhub/internal/adb"
	"github.com/standardbeagle/scrcpyhub/internal/mw"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// StreamOpener opens a stream to a service on a device.
type StreamOpener interface {
	OpenStream(ctx context.Context, serial, service string) (net.Conn, error)
}

// ProxyOverADB claims proxy-adb connections and relays them to a
// WebSocket server on the device, typically the scrcpy server. The device
// side is reached through an adb stream to the "remote" service
// ("tcp:8886", "localabstract:name").
type ProxyOverADB struct {
	adb    StreamOpener
	logger *slog.Logger
}

// NewProxyOverADB creates the proxy-adb middleware.
func NewProxyOverADB(opener StreamOpener, logger *slog.Logger) *ProxyOverADB {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProxyOverADB{adb: opener, logger: logger.With("component", "proxy-adb")}
}

// ProcessRequest implements mw.RequestFactory.
func (p *ProxyOverADB) ProcessRequest(conn transport.Conn, req *mw.Request) transport.Handler {
	if req.Action != protocol.ActionProxyADB {
		return nil
	}
	udid := req.Params.Get("udid")
	remote := req.Params.Get("remote")
	path := req.Params.Get("path")
	for _, param := range []struct{ name, value string }{{"udid", udid}, {"remote", remote}} {
		if param.value == "" {
			_ = conn.Close(protocol.CloseProxyError,
				fmt.Sprintf(`[%s] Invalid value "" for %q parameter`, protocol.ActionProxyADB, param.name))
			return transport.HandlerFuncs{}
		}
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	h, err := p.dial(conn, udid, remote, path)
	if err != nil {
		p.logger.Info("proxy-adb failed", "conn", conn.ID(), "udid", udid, "remote", remote, "error", err)
		return transport.HandlerFuncs{}
	}
	return h
}

func (p *ProxyOverADB) dial(conn transport.Conn, udid, remote, path string) (transport.Handler, error) {
	ctx, cancel := context.WithTimeout(context.Background(), mw.DialTimeout)
	defer cancel()

	stream, err := p.adb.OpenStream(ctx, udid, remote)
	if err != nil {
		code := protocol.CloseProxyError
		if errors.Is(err, adb.ErrDeviceNotFound) {
			code = protocol.CloseDeviceNotFound
		}
		_ = conn.Close(code, err.Error())
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: mw.DialTimeout,
		NetDialContext: func(context.Context, string, string) (net.Conn, error) {
			return stream, nil
		},
	}
	ws, _, err := dialer.DialContext(ctx, "ws://127.0.0.1"+path, nil)
	if err != nil {
		stream.Close()
		err = fmt.Errorf("websocket handshake with %s: %w", remote, err)
		_ = conn.Close(protocol.CloseProxyError, err.Error())
		return nil, err
	}
	return mw.NewWebsocketProxy(conn, ws, p.logger), nil
}
