package mw

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/scrcpyhub/internal/multiplex"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// fakeConn records what is sent on it.
type fakeConn struct {
	id string

	mu        sync.Mutex
	sent      []transport.Message
	closed    bool
	closeCode protocol.CloseCode
	reason    string
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) SendText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, transport.Message{Data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SendBinary(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, transport.Message{Binary: true, Data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Close(code protocol.CloseCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed, c.closeCode, c.reason = true, code, reason
	}
	return nil
}

func (c *fakeConn) Sent() []transport.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]transport.Message(nil), c.sent...)
}

func (c *fakeConn) Closed() (bool, protocol.CloseCode, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode, c.reason
}

// fakeChannel is a Channel backed by fakeConn.
type fakeChannel struct {
	fakeConn
	code string
	init []byte
}

func (c *fakeChannel) Code() string        { return c.code }
func (c *fakeChannel) InitialData() []byte { return c.init }

// countingFactory claims requests when claim is true and counts calls.
type countingFactory struct {
	claim   bool
	calls   int
	handler transport.Handler
	created int
}

func (f *countingFactory) ProcessRequest(conn transport.Conn, req *Request) transport.Handler {
	f.calls++
	if !f.claim {
		return nil
	}
	f.created++
	f.handler = transport.HandlerFuncs{}
	return f.handler
}

func (f *countingFactory) ProcessChannel(ch Channel) transport.Handler {
	f.calls++
	if !f.claim {
		return nil
	}
	f.created++
	f.handler = transport.HandlerFuncs{}
	return f.handler
}

func TestRequestChainFirstMatchWins(t *testing.T) {
	f1 := &countingFactory{}
	f2 := &countingFactory{claim: true}
	f3 := &countingFactory{claim: true}

	chain := NewRequestChain(nil, nil)
	chain.Register("f1", f1)
	chain.Register("f2", f2)
	chain.Register("f3", f3)

	conn := &fakeConn{id: "c"}
	h := chain.Dispatch(conn, NewRequest(url.Values{"action": {"x"}}, "127.0.0.1"))

	require.NotNil(t, h)
	assert.Equal(t, 1, f1.calls, "f1 is consulted")
	assert.Equal(t, 0, f1.created)
	assert.Equal(t, 1, f2.created, "exactly one handler comes from f2")
	assert.Equal(t, 0, f3.calls, "f3 is never consulted")
	closed, _, _ := conn.Closed()
	assert.False(t, closed)
	assert.Equal(t, []string{"f1", "f2", "f3"}, chain.Names())
}

func TestRequestChainOnlyMiddleClaims(t *testing.T) {
	f1 := &countingFactory{}
	f2 := &countingFactory{claim: true}
	f3 := &countingFactory{}

	chain := NewRequestChain(nil, nil)
	chain.Register("f1", f1)
	chain.Register("f2", f2)
	chain.Register("f3", f3)

	h := chain.Dispatch(&fakeConn{id: "c"}, NewRequest(url.Values{}, ""))
	require.NotNil(t, h)
	assert.Equal(t, 1, f1.calls)
	assert.Equal(t, 0, f1.created)
	assert.Equal(t, 1, f2.created)
	assert.Equal(t, 0, f3.created)
}

func TestRequestChainUnhandled(t *testing.T) {
	chain := NewRequestChain(nil, nil)
	chain.Register("f1", &countingFactory{})

	conn := &fakeConn{id: "c"}
	h := chain.Dispatch(conn, NewRequest(url.Values{"action": {"nope"}}, ""))

	assert.Nil(t, h)
	closed, code, reason := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseProxyError, code)
	assert.Contains(t, reason, "nope")
}

func TestChannelChainFirstMatchWins(t *testing.T) {
	f1 := &countingFactory{}
	f2 := &countingFactory{claim: true}
	f3 := &countingFactory{claim: true}

	chain := NewChannelChain(nil)
	chain.Register("f1", f1)
	chain.Register("f2", f2)
	chain.Register("f3", f3)

	h := chain.Dispatch(&fakeChannel{fakeConn: fakeConn{id: "c/1"}, code: "SHEL"})
	require.NotNil(t, h)
	assert.Equal(t, 1, f1.calls)
	assert.Equal(t, 1, f2.created)
	assert.Equal(t, 0, f3.calls)

	empty := NewChannelChain(nil)
	assert.Nil(t, empty.Dispatch(&fakeChannel{code: "SHEL"}))
}

func TestHostTracker(t *testing.T) {
	tracker := NewHostTracker(
		[]protocol.LocalTracker{{Type: "android"}},
		[]protocol.HostItem{{Hostname: "h", Port: 8000, Type: "android"}},
		nil,
	)

	assert.Nil(t, tracker.ProcessChannel(&fakeChannel{code: "GTRC"}))

	ch := &fakeChannel{fakeConn: fakeConn{id: "c/1"}, code: "HSTS"}
	require.NotNil(t, tracker.ProcessChannel(ch))

	sent := ch.Sent()
	require.Len(t, sent, 1)
	var msg struct {
		ID   int                 `json:"id"`
		Type string              `json:"type"`
		Data protocol.HostsEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(sent[0].Data, &msg))
	assert.Equal(t, -1, msg.ID)
	assert.Equal(t, "hosts", msg.Type)
	assert.Equal(t, "android", msg.Data.Local[0].Type)
	assert.Equal(t, "h", msg.Data.Remote[0].Hostname)
}

func TestMultiplexerMiddleware(t *testing.T) {
	got := make(chan transport.Message, 1)
	channels := NewChannelChain(nil)
	channels.Register("echo", ChannelFactoryFunc(func(ch Channel) transport.Handler {
		if ch.Code() != "SHEL" {
			return nil
		}
		return transport.HandlerFuncs{Message: func(msg transport.Message) { got <- msg }}
	}))

	f := NewMultiplexer(channels, nil, nil)
	conn := &fakeConn{id: "c"}

	assert.Nil(t, f.ProcessRequest(conn, NewRequest(url.Values{"action": {"shell"}}, "")))

	h := f.ProcessRequest(conn, NewRequest(url.Values{"action": {"multiplex"}}, ""))
	require.NotNil(t, h)
	defer h.Release()

	create := multiplex.Frame{Type: multiplex.TypeCreateChannel, ChannelID: 1, Payload: []byte("SHEL")}
	h.OnMessage(transport.Message{Binary: true, Data: create.Encode()})
	data := multiplex.Frame{Type: multiplex.TypeRawStringData, ChannelID: 1, Payload: []byte("ls\n")}
	h.OnMessage(transport.Message{Binary: true, Data: data.Encode()})

	select {
	case msg := <-got:
		assert.False(t, msg.Binary)
		assert.Equal(t, "ls\n", string(msg.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("channel handler did not receive the message")
	}

	// A reserved code passes validation but nothing claims it.
	reserved := multiplex.Frame{Type: multiplex.TypeCreateChannel, ChannelID: 2, Payload: []byte("WDAP")}
	h.OnMessage(transport.Message{Binary: true, Data: reserved.Encode()})
	sent := conn.Sent()
	require.NotEmpty(t, sent)
	last, err := multiplex.DecodeFrame(sent[len(sent)-1].Data)
	require.NoError(t, err)
	assert.Equal(t, multiplex.TypeCloseChannel, last.Type)
	assert.Equal(t, uint32(2), last.ChannelID)

	closed, _, _ := conn.Closed()
	assert.False(t, closed, "refusing a channel leaves the connection open")

	h.OnMessage(transport.Message{Binary: true, Data: []byte{1}})
	closed, code, reason := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseProtocolError, code)
	assert.Equal(t, "malformed frame", reason)
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebsocketProxy(t *testing.T) {
	srv := newEchoServer(t)
	target := "ws" + strings.TrimPrefix(srv.URL, "http")

	f := NewWebsocketProxyFactory(nil)
	conn := &fakeConn{id: "c"}

	assert.Nil(t, f.ProcessRequest(conn, NewRequest(url.Values{"action": {"multiplex"}}, "")))

	h := f.ProcessRequest(conn, NewRequest(url.Values{"action": {"proxy-ws"}, "ws": {target}}, ""))
	require.NotNil(t, h)

	h.OnMessage(transport.Message{Data: []byte("hello")})
	h.OnMessage(transport.Message{Binary: true, Data: []byte{1, 2, 3}})

	require.Eventually(t, func() bool { return len(conn.Sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	sent := conn.Sent()
	assert.Equal(t, transport.Message{Data: []byte("hello")}, sent[0])
	assert.Equal(t, transport.Message{Binary: true, Data: []byte{1, 2, 3}}, sent[1])

	h.Release()
	closed, _, _ := conn.Closed()
	assert.False(t, closed, "release does not close the client side")
}

func TestWebsocketProxyDialFailure(t *testing.T) {
	f := NewWebsocketProxyFactory(nil)

	conn := &fakeConn{id: "c"}
	h := f.ProcessRequest(conn, NewRequest(url.Values{"action": {"proxy-ws"}}, ""))
	require.NotNil(t, h, "the request is claimed even when invalid")
	closed, code, _ := conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseProxyError, code)

	conn = &fakeConn{id: "c2"}
	h = f.ProcessRequest(conn, NewRequest(url.Values{"action": {"proxy-ws"}, "ws": {"ws://127.0.0.1:1/"}}, ""))
	require.NotNil(t, h)
	closed, code, _ = conn.Closed()
	assert.True(t, closed)
	assert.Equal(t, protocol.CloseProxyError, code)
}
