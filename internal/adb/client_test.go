package adb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer is a minimal adb server. Each accepted connection is handed to
// serve.
type fakeServer struct {
	ln       net.Listener
	requests chan string
}

func newFakeServer(t *testing.T, serve func(s *fakeServer, c *serverConn)) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &fakeServer{ln: ln, requests: make(chan string, 64)}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer nc.Close()
				serve(s, &serverConn{Conn: nc, r: bufio.NewReader(nc), s: s})
			}()
		}
	}()
	return s
}

func (s *fakeServer) client() *Client {
	return NewClient(s.ln.Addr().String(), nil)
}

type serverConn struct {
	net.Conn
	r *bufio.Reader
	s *fakeServer
}

func (c *serverConn) readRequest() (string, error) {
	var head [4]byte
	if _, err := io.ReadFull(c.r, head[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(head[:]), 16, 16)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", err
	}
	c.s.requests <- string(buf)
	return string(buf), nil
}

func (c *serverConn) okay() {
	c.Write([]byte("OKAY"))
}

func (c *serverConn) fail(msg string) {
	fmt.Fprintf(c, "FAIL%04x%s", len(msg), msg)
}

func (c *serverConn) hex(s string) {
	fmt.Fprintf(c, "%04x%s", len(s), s)
}

func TestVersion(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		if req, _ := c.readRequest(); req == "host:version" {
			c.okay()
			c.hex("0029")
		}
	})

	v, err := srv.client().Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 41, v)
}

func TestListDevices(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.okay()
		c.hex("X1\tdevice\nemulator-5554\toffline\n\n")
	})

	list, err := srv.client().ListDevices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []DeviceEntry{{ID: "X1", Type: "device"}, {ID: "emulator-5554", Type: "offline"}}, list)
	assert.Equal(t, "host:devices", <-srv.requests)
}

func TestFailError(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.fail("device 'nope' not found")
	})

	_, err := srv.client().OpenStream(context.Background(), "nope", "shell:ls")
	require.Error(t, err)

	var fe *FailError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "device 'nope' not found", fe.Message)
	assert.True(t, errors.Is(err, ErrDeviceNotFound))

	other := &FailError{Message: "closed"}
	assert.False(t, errors.Is(other, ErrDeviceNotFound))
}

func TestShell(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.okay()
		c.readRequest()
		c.okay()
		c.Write([]byte("1234\n"))
	})

	out, err := srv.client().Shell(context.Background(), "X1", "pidof app_process")
	require.NoError(t, err)
	assert.Equal(t, "1234\n", out)
	assert.Equal(t, "host:transport:X1", <-srv.requests)
	assert.Equal(t, "shell:pidof app_process", <-srv.requests)
}

func TestTrackDevices(t *testing.T) {
	lists := make(chan string)
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.okay()
		for l := range lists {
			c.hex(l)
		}
	})

	tracker, err := srv.client().TrackDevices(context.Background())
	require.NoError(t, err)

	next := func() ChangeSet {
		t.Helper()
		select {
		case cs, ok := <-tracker.Changes():
			require.True(t, ok)
			return cs
		case <-time.After(2 * time.Second):
			t.Fatal("no change set")
			return ChangeSet{}
		}
	}

	lists <- "X1\tdevice\n"
	assert.Equal(t, ChangeSet{Added: []DeviceEntry{{ID: "X1", Type: "device"}}}, next())

	// An identical list produces nothing; the next real change comes through.
	lists <- "X1\tdevice\n"
	lists <- "X1\toffline\nX2\tdevice\n"
	assert.Equal(t, ChangeSet{
		Added:   []DeviceEntry{{ID: "X2", Type: "device"}},
		Changed: []DeviceEntry{{ID: "X1", Type: "offline"}},
	}, next())

	lists <- "X2\tdevice\n"
	assert.Equal(t, ChangeSet{Removed: []DeviceEntry{{ID: "X1", Type: "offline"}}}, next())

	close(lists)
	_, ok := <-tracker.Changes()
	assert.False(t, ok, "changes closes when the server ends the stream")
	assert.NoError(t, tracker.Err())
	assert.NoError(t, tracker.Close())
}

func TestTrackDevicesClose(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.okay()
		io.Copy(io.Discard, c)
	})

	tracker, err := srv.client().TrackDevices(context.Background())
	require.NoError(t, err)
	require.NoError(t, tracker.Close())

	_, ok := <-tracker.Changes()
	assert.False(t, ok)
	assert.NoError(t, tracker.Err())
}

func TestTrackDevicesError(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.okay()
		c.Write([]byte("zz"))
	})

	tracker, err := srv.client().TrackDevices(context.Background())
	require.NoError(t, err)

	_, ok := <-tracker.Changes()
	assert.False(t, ok)
	assert.Error(t, tracker.Err())
}

func TestList(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.okay()
		c.readRequest()
		c.okay()

		var head [8]byte
		io.ReadFull(c.r, head[:])
		path := make([]byte, binary.LittleEndian.Uint32(head[4:]))
		io.ReadFull(c.r, path)
		s.requests <- string(head[:4]) + " " + string(path)

		dent := func(name string, mode, size, mtime uint32) {
			b := make([]byte, 20)
			copy(b, "DENT")
			binary.LittleEndian.PutUint32(b[4:], mode)
			binary.LittleEndian.PutUint32(b[8:], size)
			binary.LittleEndian.PutUint32(b[12:], mtime)
			binary.LittleEndian.PutUint32(b[16:], uint32(len(name)))
			c.Write(append(b, name...))
		}
		dent(".", 0o040755, 0, 0)
		dent("sdcard", 0o040771, 4096, 1600000000)
		dent("init.rc", 0o100644, 123, 1600000001)
		c.Write(append([]byte("DONE"), make([]byte, 16)...))
	})

	entries, err := srv.client().List(context.Background(), "X1", "/")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, "sdcard", entries[0].Name)
	assert.True(t, entries[0].IsDir())
	assert.Equal(t, "init.rc", entries[1].Name)
	assert.False(t, entries[1].IsDir())
	assert.Equal(t, uint32(123), entries[1].Size)
	assert.Equal(t, int64(1600000001), entries[1].MTime.Unix())

	assert.Equal(t, "host:transport:X1", <-srv.requests)
	assert.Equal(t, "sync:", <-srv.requests)
	assert.Equal(t, "LIST /", <-srv.requests)
}

func TestPush(t *testing.T) {
	received := make(chan []byte, 1)
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.okay()
		c.readRequest()
		c.okay()

		var data bytes.Buffer
		for {
			var head [8]byte
			if _, err := io.ReadFull(c.r, head[:]); err != nil {
				return
			}
			id, n := string(head[:4]), binary.LittleEndian.Uint32(head[4:])
			switch id {
			case "SEND":
				dest := make([]byte, n)
				io.ReadFull(c.r, dest)
				s.requests <- "SEND " + string(dest)
			case "DATA":
				io.CopyN(&data, c.r, int64(n))
			case "DONE":
				received <- data.Bytes()
				c.Write([]byte("OKAY\x00\x00\x00\x00"))
			case "QUIT":
				return
			}
		}
	})

	payload := bytes.Repeat([]byte("jar"), 50000)
	err := srv.client().Push(context.Background(), "X1", bytes.NewReader(payload), "/data/local/tmp/x.jar", 0o644, time.Unix(1, 0))
	require.NoError(t, err)

	assert.Equal(t, payload, <-received)
	<-srv.requests
	<-srv.requests
	assert.Equal(t, "SEND /data/local/tmp/x.jar,33188", <-srv.requests)
}

func TestPushFail(t *testing.T) {
	srv := newFakeServer(t, func(s *fakeServer, c *serverConn) {
		c.readRequest()
		c.okay()
		c.readRequest()
		c.okay()
		for {
			var head [8]byte
			if _, err := io.ReadFull(c.r, head[:]); err != nil {
				return
			}
			n := binary.LittleEndian.Uint32(head[4:])
			switch string(head[:4]) {
			case "DONE":
				msg := "Permission denied"
				b := make([]byte, 8)
				copy(b, "FAIL")
				binary.LittleEndian.PutUint32(b[4:], uint32(len(msg)))
				c.Write(append(b, msg...))
			case "QUIT":
				return
			default:
				io.CopyN(io.Discard, c.r, int64(n))
			}
		}
	})

	err := srv.client().Push(context.Background(), "X1", bytes.NewReader([]byte("x")), "/system/x", 0o644, time.Now())
	var fe *FailError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "Permission denied", fe.Message)
}

func TestUnixMode(t *testing.T) {
	tests := []struct {
		in   uint32
		dir  bool
		perm uint32
	}{
		{0o040755, true, 0o755},
		{0o100644, false, 0o644},
		{0o120777, false, 0o777},
	}
	for _, tt := range tests {
		m := unixMode(tt.in)
		if m.IsDir() != tt.dir {
			t.Errorf("unixMode(%o).IsDir() = %v, want %v", tt.in, m.IsDir(), tt.dir)
		}
		if uint32(m.Perm()) != tt.perm {
			t.Errorf("unixMode(%o).Perm() = %o, want %o", tt.in, m.Perm(), tt.perm)
		}
	}
}
