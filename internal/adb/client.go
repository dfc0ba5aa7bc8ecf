// Package adb is a client for the ADB host protocol, spoken over TCP to a
// running adb server (normally 127.0.0.1:5037).
//
// # Wire format
//
// Every request is a 4-digit hexadecimal length followed by the service
// name:
//
//	000chost:version
//
// The server answers "OKAY" or "FAIL". FAIL is followed by a hex-length
// prefixed message, which this package returns as a *FailError. Host
// services (host:devices, host:track-devices) answer on the same socket.
//
// # Device services
//
// A device service is reached by first switching the socket to a device
// with host:transport:<serial>, then sending the service (shell:..., sync:,
// tcp:8886, localabstract:...). After the second OKAY the socket is a raw
// stream to that service on the device.
//
// # Connections
//
// Each call opens its own TCP connection; the adb server does not multiplex
// requests on one socket. Client is safe for concurrent use.
package adb

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

// DefaultAddress is where the adb server listens by default.
const DefaultAddress = "127.0.0.1:5037"

// ErrDeviceNotFound is returned when the adb server does not know a serial.
var ErrDeviceNotFound = errors.New("device not found")

// FailError is a FAIL response from the adb server.
type FailError struct {
	Message string
}

func (e *FailError) Error() string {
	return "adb: " + e.Message
}

// Is lets errors.Is match ErrDeviceNotFound for the server's
// "device 'X' not found" message.
func (e *FailError) Is(target error) bool {
	return target == ErrDeviceNotFound &&
		strings.HasPrefix(e.Message, "device ") && strings.HasSuffix(e.Message, "not found")
}

// Client talks to one adb server.
type Client struct {
	addr   string
	dialer net.Dialer
	logger *slog.Logger
}

// NewClient creates a client for the adb server at addr. An empty addr
// means DefaultAddress.
func NewClient(addr string, logger *slog.Logger) *Client {
	if addr == "" {
		addr = DefaultAddress
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		addr:   addr,
		dialer: net.Dialer{Timeout: 5 * time.Second},
		logger: logger.With("component", "adb"),
	}
}

// Address returns the adb server address.
func (c *Client) Address() string {
	return c.addr
}

// conn is one socket to the adb server.
type conn struct {
	net.Conn
	r *bufio.Reader
}

func (c *Client) dial(ctx context.Context) (*conn, error) {
	nc, err := c.dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("connect to adb server %s: %w", c.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}
	return &conn{Conn: nc, r: bufio.NewReader(nc)}, nil
}

// Read reads through the buffer so no bytes are lost after the handshake.
func (c *conn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// request sends one request and waits for OKAY.
func (c *conn) request(req string) error {
	if len(req) > 0xffff {
		return fmt.Errorf("adb request too long: %d bytes", len(req))
	}
	if _, err := fmt.Fprintf(c.Conn, "%04x%s", len(req), req); err != nil {
		return fmt.Errorf("send %q: %w", req, err)
	}
	return c.readStatus(req)
}

func (c *conn) readStatus(req string) error {
	var status [4]byte
	if _, err := io.ReadFull(c.r, status[:]); err != nil {
		return fmt.Errorf("read status for %q: %w", req, err)
	}
	switch string(status[:]) {
	case "OKAY":
		return nil
	case "FAIL":
		msg, err := c.readHexString()
		if err != nil {
			return fmt.Errorf("read failure for %q: %w", req, err)
		}
		return &FailError{Message: msg}
	default:
		return fmt.Errorf("unexpected adb status %q for %q", status[:], req)
	}
}

// readHexString reads a 4-digit hex length and that many bytes.
func (c *conn) readHexString() (string, error) {
	var head [4]byte
	if _, err := io.ReadFull(c.r, head[:]); err != nil {
		return "", err
	}
	n, err := strconv.ParseUint(string(head[:]), 16, 16)
	if err != nil {
		return "", fmt.Errorf("invalid length %q: %w", head[:], err)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Version returns the protocol version of the adb server.
func (c *Client) Version(ctx context.Context) (int, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer cn.Close()

	if err := cn.request("host:version"); err != nil {
		return 0, err
	}
	s, err := cn.readHexString()
	if err != nil {
		return 0, fmt.Errorf("read version: %w", err)
	}
	v, err := strconv.ParseInt(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid version %q: %w", s, err)
	}
	return int(v), nil
}

// ListDevices returns the devices the adb server currently knows.
func (c *Client) ListDevices(ctx context.Context) ([]DeviceEntry, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer cn.Close()

	if err := cn.request("host:devices"); err != nil {
		return nil, err
	}
	s, err := cn.readHexString()
	if err != nil {
		return nil, fmt.Errorf("read device list: %w", err)
	}
	return parseDeviceList(s), nil
}

// OpenStream connects to service on the device with serial and returns the
// raw stream. Closing the returned connection ends the service.
func (c *Client) OpenStream(ctx context.Context, serial, service string) (net.Conn, error) {
	cn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := cn.request("host:transport:" + serial); err != nil {
		cn.Close()
		return nil, err
	}
	if err := cn.request(service); err != nil {
		cn.Close()
		return nil, err
	}
	// Streams live beyond ctx; only the handshake is bounded.
	_ = cn.SetDeadline(time.Time{})
	return cn, nil
}

// Shell runs command on the device and returns its combined output.
func (c *Client) Shell(ctx context.Context, serial, command string) (string, error) {
	stream, err := c.OpenStream(ctx, serial, "shell:"+command)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	out, err := io.ReadAll(stream)
	if err != nil && ctx.Err() == nil {
		return string(out), fmt.Errorf("shell %q: %w", command, err)
	}
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	return string(out), nil
}
