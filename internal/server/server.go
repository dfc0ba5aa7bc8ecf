// Package server runs the HTTP listeners of scrcpyhub. Every WebSocket
// upgrade becomes a connection that is offered to the request chain; the
// claiming handler then receives each inbound message in order.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/requestlog"

	"github.com/standardbeagle/scrcpyhub/internal/metrics"
	"github.com/standardbeagle/scrcpyhub/internal/mw"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// Config configures a Server.
type Config struct {
	Chain   *mw.RequestChain
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	// LogRequests logs every HTTP request to stdout.
	LogRequests bool
}

// Listener describes one address to serve on.
type Listener struct {
	Port int
	// TLS is nil for plain HTTP.
	TLS *tls.Config
	// RedirectPort, when set on a plain listener, redirects non-WebSocket
	// requests to HTTPS on that port.
	RedirectPort int
}

// Server serves WebSocket connections and the operational endpoints.
type Server struct {
	chain    *mw.RequestChain
	logger   *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader
	handler  http.Handler

	mu       sync.Mutex
	servers  []*http.Server
	addrs    []net.Addr
	conns    map[*wsConn]struct{}
	wg       sync.WaitGroup
	shutdown bool
}

// New creates a Server.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	s := &Server{
		chain:   config.Chain,
		logger:  config.Logger.With("component", "server"),
		metrics: config.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			// Clients are served from any origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*wsConn]struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", config.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	mux.HandleFunc("/", s.handleRoot)

	var h http.Handler = mux
	if config.LogRequests {
		h = requestlog.Wrap(h)
	}
	s.handler = h
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	s.ServeWS(w, r)
}

// ServeWS upgrades the request and runs the connection until it closes.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newWSConn(uuid.NewString(), ws, s.logger)
	if !s.track(conn) {
		_ = conn.Close(protocol.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrack(conn)

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()

	logger := s.logger.With("conn", conn.ID())
	req := mw.NewRequest(r.URL.Query(), r.RemoteAddr)
	logger.Debug("connection opened", "remote", r.RemoteAddr, "action", req.Action)

	h := s.chain.Dispatch(conn, req)
	s.readLoop(conn, h, logger)
}

func (s *Server) readLoop(conn *wsConn, h transport.Handler, logger *slog.Logger) {
	var closeErr error
	for {
		mt, data, err := conn.ws.ReadMessage()
		if err != nil {
			closeErr = err
			break
		}
		if h == nil {
			continue
		}
		h.OnMessage(transport.Message{Binary: mt == websocket.BinaryMessage, Data: data})
	}

	if h != nil {
		h.Release()
	}
	_ = conn.Close(protocol.CloseNormal, "")

	var ce *websocket.CloseError
	if errors.As(closeErr, &ce) {
		logger.Debug("connection closed", "code", ce.Code, "reason", ce.Text)
	} else {
		logger.Debug("connection closed", "error", closeErr)
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Listen binds the listener and serves it in the background. Bind errors
// are returned; serve errors are logged.
func (s *Server) Listen(l Listener) (net.Addr, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(l.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", l.Port, err)
	}

	handler := s.handler
	if l.TLS == nil && l.RedirectPort > 0 {
		handler = redirectToSecure(handler, l.RedirectPort)
	}
	srv := &http.Server{
		Handler:           handler,
		TLSConfig:         l.TLS,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return nil, http.ErrServerClosed
	}
	s.servers = append(s.servers, srv)
	s.addrs = append(s.addrs, ln.Addr())
	s.mu.Unlock()

	scheme := "http"
	if l.TLS != nil {
		scheme = "https"
		ln = tls.NewListener(ln, l.TLS)
	}
	s.logger.Info("listening", "addr", ln.Addr().String(), "scheme", scheme)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server stopped", "addr", ln.Addr().String(), "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Addrs returns the bound addresses of all listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]net.Addr(nil), s.addrs...)
}

// Shutdown stops the listeners, closes every open connection and waits
// for their handlers to be released.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	servers := s.servers
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// Hijacked connections are not tracked by http.Server.
	for _, c := range conns {
		_ = c.Close(protocol.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func redirectToSecure(next http.Handler, port int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		target := "https://" + host
		if port != 443 {
			target = "https://" + net.JoinHostPort(host, strconv.Itoa(port))
		}
		http.Redirect(w, r, target+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}
