package googmw

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"

	"github.com/standardbeagle/scrcpyhub/internal/mw"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// ShellCommandFunc builds the command whose terminal is exposed to the
// client.
type ShellCommandFunc func(udid string) *exec.Cmd

// ADBShellCommand runs `adb -s <udid> shell` with the given adb binary. A
// non-empty server address is passed through ADB_SERVER_SOCKET.
func ADBShellCommand(binary, serverAddr string) ShellCommandFunc {
	return func(udid string) *exec.Cmd {
		cmd := exec.Command(binary, "-s", udid, "shell")
		if serverAddr != "" {
			cmd.Env = append(os.Environ(), "ADB_SERVER_SOCKET=tcp:"+serverAddr)
		}
		return cmd
	}
}

type shellStart struct {
	UDID string `json:"udid"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type shellResize struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// RemoteShell claims SHEL channels and shell connections and attaches them
// to an interactive device shell running in a pseudo terminal.
//
// The first message must be a start message with the device and the
// terminal size. Terminal output is sent as binary messages. Later text and
// binary messages are keystrokes, except resize messages.
type RemoteShell struct {
	command ShellCommandFunc
	logger  *slog.Logger
}

// NewRemoteShell creates the shell middleware.
func NewRemoteShell(command ShellCommandFunc, logger *slog.Logger) *RemoteShell {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteShell{command: command, logger: logger.With("component", "remote-shell")}
}

// ProcessRequest implements mw.RequestFactory.
func (s *RemoteShell) ProcessRequest(conn transport.Conn, req *mw.Request) transport.Handler {
	if req.Action != protocol.ActionShell {
		return nil
	}
	return s.attach(conn, nil)
}

// ProcessChannel implements mw.ChannelFactory.
func (s *RemoteShell) ProcessChannel(ch mw.Channel) transport.Handler {
	if ch.Code() != string(protocol.ChannelShell) {
		return nil
	}
	return s.attach(ch, ch.InitialData())
}

func (s *RemoteShell) attach(conn transport.Conn, initial []byte) transport.Handler {
	h := &shellHandler{
		conn:    conn,
		command: s.command,
		logger:  s.logger.With("conn", conn.ID()),
		exited:  make(chan struct{}),
	}
	if len(initial) > 0 {
		h.OnMessage(transport.Message{Data: initial})
	}
	return h
}

// terminal is a shell process attached to a pseudo terminal. Reads return
// the terminal output and writes are keystrokes.
type terminal interface {
	io.ReadWriteCloser
	Resize(cols, rows uint16) error
	// Kill stops the shell and whatever it started.
	Kill()
	Wait() error
	Pid() int
}

type shellHandler struct {
	conn    transport.Conn
	command ShellCommandFunc
	logger  *slog.Logger
	// exited is closed once the shell process has been waited for.
	exited chan struct{}

	mu       sync.Mutex
	term     terminal
	released bool
}

func (h *shellHandler) OnMessage(msg transport.Message) {
	h.mu.Lock()
	term := h.term
	h.mu.Unlock()

	if term == nil {
		if err := h.start(msg); err != nil {
			h.logger.Warn("shell start failed", "error", err)
			_ = h.conn.Close(protocol.CloseProxyError, err.Error())
		}
		return
	}

	if !msg.Binary {
		if m, err := protocol.DecodeMessage(msg.Data); err == nil && m.Type == protocol.TypeShellResize {
			var size shellResize
			if err := json.Unmarshal(m.Data, &size); err != nil || size.Cols == 0 || size.Rows == 0 {
				h.logger.Debug("invalid resize", "data", string(m.Data))
				return
			}
			if err := term.Resize(size.Cols, size.Rows); err != nil {
				h.logger.Debug("resize", "error", err)
			}
			return
		}
	}
	if _, err := term.Write(msg.Data); err != nil {
		h.logger.Debug("write to terminal", "error", err)
	}
}

func (h *shellHandler) start(msg transport.Message) error {
	m, err := protocol.DecodeMessage(msg.Data)
	if err != nil {
		return err
	}
	if m.Type != protocol.TypeShellStart {
		return fmt.Errorf("expected %q message, got %q", protocol.TypeShellStart, m.Type)
	}
	var params shellStart
	if err := json.Unmarshal(m.Data, &params); err != nil {
		return fmt.Errorf("invalid start data: %w", err)
	}
	if params.UDID == "" {
		return errors.New(`invalid value "" for "udid"`)
	}
	if params.Cols == 0 {
		params.Cols = 80
	}
	if params.Rows == 0 {
		params.Rows = 24
	}

	term, err := startTerminal(h.command(params.UDID), params.Cols, params.Rows)
	if err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		term.Kill()
		term.Close()
		_ = term.Wait()
		return nil
	}
	h.term = term
	h.mu.Unlock()

	h.logger.Info("shell started", "udid", params.UDID, "pid", term.Pid())
	go h.pump(term)
	return nil
}

func (h *shellHandler) pump(term terminal) {
	buf := make([]byte, 32*1024)
	for {
		n, err := term.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			if serr := h.conn.SendBinary(out); serr != nil {
				break
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("terminal read", "error", err)
			}
			break
		}
	}
	err := term.Wait()
	close(h.exited)

	h.mu.Lock()
	released := h.released
	h.mu.Unlock()
	if !released {
		h.logger.Info("shell exited", "error", err)
		_ = h.conn.Close(protocol.CloseNormal, "shell exited")
	}
}

// Release implements transport.Handler.
func (h *shellHandler) Release() {
	h.mu.Lock()
	h.released = true
	term := h.term
	h.mu.Unlock()

	if term != nil {
		term.Kill()
		term.Close()
	}
}
