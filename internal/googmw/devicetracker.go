// Package googmw holds the middleware that expose Android devices to
// clients: the device tracker, the remote shell, file listing, the
// WebSocket proxy over ADB and remote devtools discovery.
package googmw

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/standardbeagle/scrcpyhub/internal/goog"
	"github.com/standardbeagle/scrcpyhub/internal/mw"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// InitTimeout bounds the registry start performed when a tracker
// connection is claimed.
const InitTimeout = 15 * time.Second

// CommandTimeout bounds a single device command.
const CommandTimeout = 2 * time.Minute

// Registry is the part of goog.ControlCenter the device tracker uses.
type Registry interface {
	ID() string
	Name() string
	Init(ctx context.Context) error
	GetDevices() []protocol.DeviceDescriptor
	Subscribe(l goog.Listener) (unsubscribe func())
	RunCommand(ctx context.Context, cmd *protocol.ControlCenterCommand) error
}

// DeviceTracker claims GTRC channels and goog-device-list connections. A
// claimed connection receives the device list once, then a device event
// for every change, and may send device commands.
type DeviceTracker struct {
	registry Registry
	logger   *slog.Logger
}

// NewDeviceTracker creates the Android device tracker middleware.
func NewDeviceTracker(registry Registry, logger *slog.Logger) *DeviceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeviceTracker{registry: registry, logger: logger.With("component", "device-tracker")}
}

// ProcessRequest implements mw.RequestFactory.
func (t *DeviceTracker) ProcessRequest(conn transport.Conn, req *mw.Request) transport.Handler {
	if req.Action != protocol.ActionGoogDeviceList {
		return nil
	}
	return t.attach(conn)
}

// ProcessChannel implements mw.ChannelFactory.
func (t *DeviceTracker) ProcessChannel(ch mw.Channel) transport.Handler {
	if ch.Code() != string(protocol.ChannelGoogTracker) {
		return nil
	}
	return t.attach(ch)
}

func (t *DeviceTracker) attach(conn transport.Conn) transport.Handler {
	h := &trackerHandler{
		conn:     conn,
		registry: t.registry,
		logger:   t.logger.With("conn", conn.ID()),
		pending:  make(chan struct{}, 1),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	go h.serve()
	return h
}

// trackerHandler starts the registry, sends the device list and then runs
// device commands one at a time in arrival order, all from serve.
type trackerHandler struct {
	conn     transport.Conn
	registry Registry
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	pending  chan struct{}

	mu          sync.Mutex
	unsubscribe func()
	queue       []*protocol.ControlCenterCommand
	released    bool
}

func (h *trackerHandler) serve() {
	ctx, cancel := context.WithTimeout(h.ctx, InitTimeout)
	err := h.registry.Init(ctx)
	cancel()

	// The list goes out before any device event: onDevice waits for mu.
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	if err != nil {
		// The registry retries on its own; devices show up once it does.
		h.logger.Warn("device tracking unavailable", "error", err)
		_ = mw.SendEvent(h.conn, protocol.TypeError, protocol.ErrorEvent{Message: err.Error()})
	}
	h.unsubscribe = h.registry.Subscribe(h.onDevice)
	list := protocol.DeviceTrackerEventList{
		List: h.registry.GetDevices(),
		ID:   h.registry.ID(),
		Name: h.registry.Name(),
	}
	if err := mw.SendEvent(h.conn, protocol.TypeDeviceList, list); err != nil {
		h.logger.Debug("send device list", "error", err)
	}
	h.mu.Unlock()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-h.pending:
		}
		for cmd := h.nextCommand(); cmd != nil; cmd = h.nextCommand() {
			h.run(cmd)
		}
	}
}

func (h *trackerHandler) nextCommand() *protocol.ControlCenterCommand {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || len(h.queue) == 0 {
		return nil
	}
	cmd := h.queue[0]
	h.queue[0] = nil
	h.queue = h.queue[1:]
	return cmd
}

func (h *trackerHandler) onDevice(desc protocol.DeviceDescriptor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	event := protocol.DeviceTrackerEvent{
		Device: desc,
		ID:     h.registry.ID(),
		Name:   h.registry.Name(),
	}
	if err := mw.SendEvent(h.conn, protocol.TypeDevice, event); err != nil {
		h.logger.Debug("send device event", "udid", desc.UDID, "error", err)
	}
}

// OnMessage implements transport.Handler.
func (h *trackerHandler) OnMessage(msg transport.Message) {
	if msg.Binary {
		h.logger.Debug("binary message ignored", "size", len(msg.Data))
		return
	}
	cmd, err := protocol.ParseCommand(msg.Data)
	if err != nil {
		h.logger.Warn("invalid command", "error", err)
		return
	}

	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.queue = append(h.queue, cmd)
	h.mu.Unlock()

	select {
	case h.pending <- struct{}{}:
	default:
	}
}

func (h *trackerHandler) run(cmd *protocol.ControlCenterCommand) {
	ctx, cancel := context.WithTimeout(h.ctx, CommandTimeout)
	defer cancel()

	if err := h.registry.RunCommand(ctx, cmd); err != nil {
		h.logger.Warn("command failed", "command", cmd.Type, "udid", cmd.UDID, "error", err)
		h.mu.Lock()
		defer h.mu.Unlock()
		if !h.released {
			_ = mw.SendReply(h.conn, cmd.ID, protocol.TypeError, protocol.ErrorEvent{Message: err.Error()})
		}
	}
}

// Release implements transport.Handler. A registry start still in progress
// is abandoned and the connection is never subscribed.
func (h *trackerHandler) Release() {
	h.mu.Lock()
	h.released = true
	unsubscribe := h.unsubscribe
	h.queue = nil
	h.mu.Unlock()

	h.cancel()
	if unsubscribe != nil {
		unsubscribe()
	}
}
