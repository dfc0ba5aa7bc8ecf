package mw

import (
	"log/slog"

	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// HostTracker claims HSTS channels and tells the client which trackers run
// on this host and which remote hosts it may connect to.
type HostTracker struct {
	local  []protocol.LocalTracker
	remote []protocol.HostItem
	logger *slog.Logger
}

// NewHostTracker creates the host tracker middleware.
func NewHostTracker(local []protocol.LocalTracker, remote []protocol.HostItem, logger *slog.Logger) *HostTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if local == nil {
		local = []protocol.LocalTracker{}
	}
	if remote == nil {
		remote = []protocol.HostItem{}
	}
	return &HostTracker{local: local, remote: remote, logger: logger.With("component", "host-tracker")}
}

// ProcessChannel implements ChannelFactory.
func (t *HostTracker) ProcessChannel(ch Channel) transport.Handler {
	if ch.Code() != string(protocol.ChannelHostTracker) {
		return nil
	}
	event := protocol.HostsEvent{Local: t.local, Remote: t.remote}
	if err := SendEvent(ch, protocol.TypeHosts, event); err != nil {
		t.logger.Warn("send hosts", "channel", ch.ID(), "error", err)
	}
	// The client only listens; anything it sends is ignored.
	return transport.HandlerFuncs{}
}
