package mw

import (
	"errors"
	"log/slog"

	"github.com/standardbeagle/scrcpyhub/internal/metrics"
	"github.com/standardbeagle/scrcpyhub/internal/multiplex"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// Multiplexer claims connections with action=multiplex and splits them into
// channels, each dispatched through a ChannelChain.
type Multiplexer struct {
	chain   *ChannelChain
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMultiplexer creates the multiplex middleware.
func NewMultiplexer(chain *ChannelChain, logger *slog.Logger, m *metrics.Metrics) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{chain: chain, logger: logger, metrics: m}
}

// ProcessRequest implements RequestFactory.
func (f *Multiplexer) ProcessRequest(conn transport.Conn, req *Request) transport.Handler {
	if req.Action != protocol.ActionMultiplex {
		return nil
	}
	return f.Attach(conn)
}

// Attach multiplexes conn unconditionally.
func (f *Multiplexer) Attach(conn transport.Conn) transport.Handler {
	mux := multiplex.New(conn, multiplex.Config{
		ID:      conn.ID(),
		Open:    func(ch *multiplex.Channel) transport.Handler { return f.chain.Dispatch(ch) },
		Logger:  f.logger,
		Metrics: f.metrics,
	})
	return &multiplexHandler{conn: conn, mux: mux}
}

type multiplexHandler struct {
	conn transport.Conn
	mux  *multiplex.Multiplexer
}

func (h *multiplexHandler) OnMessage(msg transport.Message) {
	if err := h.mux.HandleMessage(msg); err != nil {
		reason := err.Error()
		if errors.Is(err, multiplex.ErrMalformedFrame) {
			reason = "malformed frame"
		}
		_ = h.conn.Close(protocol.CloseProtocolError, reason)
	}
}

func (h *multiplexHandler) Release() {
	h.mux.Close()
}
