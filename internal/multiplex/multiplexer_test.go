package multiplex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// fakeSink records every frame written by the multiplexer.
type fakeSink struct {
	mu     sync.Mutex
	frames []Frame
}

func (s *fakeSink) SendBinary(data []byte) error {
	f, err := DecodeFrame(data)
	if err != nil {
		return err
	}
	f.Payload = append([]byte(nil), f.Payload...)
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

// recorder is a handler that records what it receives.
type recorder struct {
	mu       sync.Mutex
	messages []transport.Message
	released chan struct{}
}

func newRecorder() *recorder {
	return &recorder{released: make(chan struct{})}
}

func (r *recorder) OnMessage(msg transport.Message) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	r.mu.Unlock()
}

func (r *recorder) Release() {
	close(r.released)
}

func (r *recorder) Messages() []transport.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transport.Message(nil), r.messages...)
}

func binaryMsg(f Frame) transport.Message {
	return transport.Message{Binary: true, Data: f.Encode()}
}

func createFrame(id uint32, code string, init []byte) Frame {
	return Frame{Type: TypeCreateChannel, ChannelID: id, Payload: append([]byte(code), init...)}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Type: TypeRawStringData, ChannelID: 0x01020304, Payload: []byte("hi")}
	data := f.Encode()

	assert.Equal(t, []byte{32, 0x04, 0x03, 0x02, 0x01, 'h', 'i'}, data)

	got, err := DecodeFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestDecodeFrameErrors(t *testing.T) {
	_, err := DecodeFrame([]byte{4, 1, 0})
	assert.ErrorIs(t, err, ErrMalformedFrame)

	f, err := DecodeFrame([]byte{99, 7, 0, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownFrameType)
	assert.Equal(t, uint32(7), f.ChannelID)
}

func TestClosePayload(t *testing.T) {
	code, reason := decodeClosePayload(encodeClosePayload(4002, "nope"))
	assert.Equal(t, uint16(4002), code)
	assert.Equal(t, "nope", reason)

	code, reason = decodeClosePayload(nil)
	assert.Equal(t, uint16(1005), code)
	assert.Empty(t, reason)
}

func TestUnknownCodeIsRejectedWithoutHandler(t *testing.T) {
	sink := &fakeSink{}
	opened := 0
	mux := New(sink, Config{
		ID: "c1",
		Open: func(ch *Channel) transport.Handler {
			opened++
			return newRecorder()
		},
	})

	for _, code := range []string{"XXXX", "gtrc", "AB"} {
		require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(1, code, nil))))
	}

	assert.Equal(t, 0, opened, "no handler may be created for unknown codes")
	assert.Equal(t, 0, mux.NumChannels())

	frames := sink.Frames()
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, TypeCloseChannel, f.Type)
		assert.Equal(t, uint32(1), f.ChannelID)
		code, _ := decodeClosePayload(f.Payload)
		assert.Equal(t, uint16(protocol.CloseUnsupportedRequest), code)
	}
}

func TestRejectedChannelDoesNotAffectOthers(t *testing.T) {
	sink := &fakeSink{}
	rec := newRecorder()
	mux := New(sink, Config{
		Open: func(ch *Channel) transport.Handler { return rec },
	})

	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(1, string(protocol.ChannelGoogTracker), nil))))
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(2, "ZZZZ", nil))))
	require.NoError(t, mux.HandleMessage(binaryMsg(Frame{Type: TypeRawStringData, ChannelID: 1, Payload: []byte("still here")})))

	waitFor(t, func() bool { return len(rec.Messages()) == 1 })
	assert.Equal(t, 1, mux.NumChannels())
	assert.Equal(t, "still here", string(rec.Messages()[0].Data))
}

func TestInitialDataAndCode(t *testing.T) {
	var got *Channel
	mux := New(&fakeSink{}, Config{
		Open: func(ch *Channel) transport.Handler {
			got = ch
			return newRecorder()
		},
	})

	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(9, string(protocol.ChannelShell), []byte(`{"x":1}`)))))
	require.NotNil(t, got)
	assert.Equal(t, string(protocol.ChannelShell), got.Code())
	assert.Equal(t, uint32(9), got.ChannelID())
	assert.Equal(t, `{"x":1}`, string(got.InitialData()))
}

func TestDeliveryPreservesOrder(t *testing.T) {
	rec := newRecorder()
	mux := New(&fakeSink{}, Config{
		Open: func(ch *Channel) transport.Handler { return rec },
	})
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(1, string(protocol.ChannelShell), nil))))

	const n = 500
	for i := 0; i < n; i++ {
		typ := TypeRawBinaryData
		if i%2 == 0 {
			typ = TypeRawStringData
		}
		payload := make([]byte, 4)
		binary.LittleEndian.PutUint32(payload, uint32(i))
		require.NoError(t, mux.HandleMessage(binaryMsg(Frame{Type: typ, ChannelID: 1, Payload: payload})))
	}

	waitFor(t, func() bool { return len(rec.Messages()) == n })
	for i, msg := range rec.Messages() {
		assert.Equal(t, uint32(i), binary.LittleEndian.Uint32(msg.Data), "message %d out of order", i)
		assert.Equal(t, i%2 != 0, msg.Binary, "message %d kind", i)
	}
}

func TestChannelsAreIsolated(t *testing.T) {
	recs := map[uint32]*recorder{1: newRecorder(), 2: newRecorder()}
	mux := New(&fakeSink{}, Config{
		Open: func(ch *Channel) transport.Handler { return recs[ch.ChannelID()] },
	})
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(1, string(protocol.ChannelShell), nil))))
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(2, string(protocol.ChannelShell), nil))))

	for i := 0; i < 20; i++ {
		id := uint32(1 + i%2)
		payload := []byte(fmt.Sprintf("ch%d-%d", id, i))
		require.NoError(t, mux.HandleMessage(binaryMsg(Frame{Type: TypeRawStringData, ChannelID: id, Payload: payload})))
	}

	waitFor(t, func() bool { return len(recs[1].Messages()) == 10 && len(recs[2].Messages()) == 10 })
	for id, rec := range recs {
		for _, msg := range rec.Messages() {
			assert.Contains(t, string(msg.Data), fmt.Sprintf("ch%d-", id))
		}
	}
}

// blockingHandler blocks in OnMessage until unblocked.
type blockingHandler struct {
	unblock chan struct{}
}

func (h *blockingHandler) OnMessage(transport.Message) { <-h.unblock }
func (h *blockingHandler) Release()                    {}

func TestSlowChannelDoesNotBlockOthers(t *testing.T) {
	slow := &blockingHandler{unblock: make(chan struct{})}
	defer close(slow.unblock)
	fast := newRecorder()

	mux := New(&fakeSink{}, Config{
		Open: func(ch *Channel) transport.Handler {
			if ch.ChannelID() == 1 {
				return slow
			}
			return fast
		},
	})
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(1, string(protocol.ChannelShell), nil))))
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(2, string(protocol.ChannelShell), nil))))

	for i := 0; i < 10; i++ {
		require.NoError(t, mux.HandleMessage(binaryMsg(Frame{Type: TypeRawBinaryData, ChannelID: 1, Payload: []byte{1}})))
	}
	require.NoError(t, mux.HandleMessage(binaryMsg(Frame{Type: TypeRawBinaryData, ChannelID: 2, Payload: []byte{2}})))

	waitFor(t, func() bool { return len(fast.Messages()) == 1 })
}

func TestUnclaimedChannelIsClosed(t *testing.T) {
	sink := &fakeSink{}
	mux := New(sink, Config{
		Open: func(ch *Channel) transport.Handler { return nil },
	})

	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(3, string(protocol.ChannelQVHStream), nil))))
	assert.Equal(t, 0, mux.NumChannels())

	frames := sink.Frames()
	require.Len(t, frames, 1)
	assert.Equal(t, TypeCloseChannel, frames[0].Type)
	code, reason := decodeClosePayload(frames[0].Payload)
	assert.Equal(t, uint16(protocol.CloseUnsupportedRequest), code)
	assert.Contains(t, reason, "Unhandled")
}

func TestDuplicateChannelID(t *testing.T) {
	sink := &fakeSink{}
	count := 0
	mux := New(sink, Config{
		Open: func(ch *Channel) transport.Handler {
			count++
			return newRecorder()
		},
	})

	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(5, string(protocol.ChannelShell), nil))))
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(5, string(protocol.ChannelShell), nil))))

	assert.Equal(t, 1, count)
	assert.Equal(t, 1, mux.NumChannels())
	require.Len(t, sink.Frames(), 1)
	assert.Equal(t, TypeCloseChannel, sink.Frames()[0].Type)
}

func TestChannelSendAndClose(t *testing.T) {
	sink := &fakeSink{}
	rec := newRecorder()
	var ch *Channel
	mux := New(sink, Config{
		ID: "conn",
		Open: func(c *Channel) transport.Handler {
			ch = c
			return rec
		},
	})
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(7, string(protocol.ChannelFileListing), nil))))
	require.NotNil(t, ch)
	assert.Equal(t, "conn/7", ch.ID())

	require.NoError(t, ch.SendText([]byte("t")))
	require.NoError(t, ch.SendBinary([]byte("b")))
	require.NoError(t, ch.Close(protocol.CloseNormal, "bye"))
	require.NoError(t, ch.Close(protocol.CloseNormal, "again"), "second close is a no-op")

	<-rec.released
	assert.Equal(t, 0, mux.NumChannels())
	assert.ErrorIs(t, ch.SendText([]byte("late")), ErrClosed)

	frames := sink.Frames()
	require.Len(t, frames, 3)
	assert.Equal(t, TypeRawStringData, frames[0].Type)
	assert.Equal(t, TypeRawBinaryData, frames[1].Type)
	assert.Equal(t, TypeCloseChannel, frames[2].Type)
	code, reason := decodeClosePayload(frames[2].Payload)
	assert.Equal(t, uint16(1000), code)
	assert.Equal(t, "bye", reason)
}

func TestPeerCloseReleasesHandler(t *testing.T) {
	sink := &fakeSink{}
	rec := newRecorder()
	mux := New(sink, Config{
		Open: func(ch *Channel) transport.Handler { return rec },
	})
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(1, string(protocol.ChannelShell), nil))))
	require.NoError(t, mux.HandleMessage(binaryMsg(Frame{
		Type:      TypeCloseChannel,
		ChannelID: 1,
		Payload:   encodeClosePayload(1000, ""),
	})))

	select {
	case <-rec.released:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not released")
	}
	assert.Empty(t, sink.Frames(), "peer close is not echoed")
}

func TestCloseReleasesAllChannels(t *testing.T) {
	recs := []*recorder{newRecorder(), newRecorder(), newRecorder()}
	mux := New(&fakeSink{}, Config{
		Open: func(ch *Channel) transport.Handler { return recs[ch.ChannelID()] },
	})
	for i := range recs {
		require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(uint32(i), string(protocol.ChannelShell), nil))))
	}

	mux.Close()

	for i, rec := range recs {
		select {
		case <-rec.released:
		default:
			t.Errorf("channel %d not released after Close", i)
		}
	}
	assert.Equal(t, 0, mux.NumChannels())

	// Creates after close are ignored.
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(10, string(protocol.ChannelShell), nil))))
	assert.Equal(t, 0, mux.NumChannels())
}

func TestMalformedFrames(t *testing.T) {
	sink := &fakeSink{}
	rec := newRecorder()
	mux := New(sink, Config{
		Open: func(ch *Channel) transport.Handler { return rec },
	})
	require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(1, string(protocol.ChannelShell), nil))))

	err := mux.HandleMessage(transport.Message{Binary: true, Data: []byte{16, 1}})
	assert.True(t, errors.Is(err, ErrMalformedFrame))

	// Text is dropped without touching the channels.
	require.NoError(t, mux.HandleMessage(transport.Message{Data: []byte("hello")}))
	assert.Equal(t, 1, mux.NumChannels())

	// Data for an unknown channel is dropped.
	require.NoError(t, mux.HandleMessage(binaryMsg(Frame{Type: TypeRawBinaryData, ChannelID: 42, Payload: []byte{1}})))

	// An unknown type closes only the channel it names.
	require.NoError(t, mux.HandleMessage(transport.Message{Binary: true, Data: []byte{99, 1, 0, 0, 0}}))
	<-rec.released
	assert.Equal(t, 0, mux.NumChannels())

	frames := sink.Frames()
	require.Len(t, frames, 1)
	code, _ := decodeClosePayload(frames[0].Payload)
	assert.Equal(t, uint16(protocol.CloseProtocolError), code)
	assert.Empty(t, rec.Messages())
}

func TestCloseWhileClaiming(t *testing.T) {
	var (
		mu   sync.Mutex
		recs []*recorder
		chs  []*Channel
	)
	mux := New(&fakeSink{}, Config{
		ID: "conn",
		Open: func(ch *Channel) transport.Handler {
			// The handler closes its channel from another goroutine before
			// the claim finishes, as a failing handler would.
			go ch.Close(protocol.CloseProxyError, "failed")
			rec := newRecorder()
			mu.Lock()
			recs = append(recs, rec)
			chs = append(chs, ch)
			mu.Unlock()
			return rec
		},
	})

	const n = 500
	for i := 0; i < n; i++ {
		require.NoError(t, mux.HandleMessage(binaryMsg(createFrame(uint32(i), string(protocol.ChannelShell), nil))))
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, chs, n)
	for i, ch := range chs {
		select {
		case <-ch.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("channel %d not done", i)
		}
		// recorder.Release panics if called twice.
		select {
		case <-recs[i].released:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler %d not released", i)
		}
	}
	waitFor(t, func() bool { return mux.NumChannels() == 0 })
}
