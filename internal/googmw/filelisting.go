package googmw

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/standardbeagle/scrcpyhub/internal/adb"
	"github.com/standardbeagle/scrcpyhub/internal/mw"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// ListTimeout bounds one directory listing.
const ListTimeout = 30 * time.Second

// Lister lists a directory on a device.
type Lister interface {
	List(ctx context.Context, serial, path string) ([]adb.FileEntry, error)
}

type listRequest struct {
	UDID string `json:"udid"`
	Path string `json:"path"`
}

// FileInfo is one entry of a list reply.
type FileInfo struct {
	Name string `json:"name"`
	// Mode holds the unix type and permission bits.
	Mode uint32 `json:"mode"`
	Size uint32 `json:"size"`
	// MTime is in milliseconds since the epoch.
	MTime int64 `json:"mtime"`
}

// ListReply is the payload of a list reply.
type ListReply struct {
	Path    string     `json:"path"`
	Entries []FileInfo `json:"entries"`
}

// FileListing claims FSLS channels and list-files connections and answers
// list requests with the content of a device directory.
type FileListing struct {
	lister Lister
	logger *slog.Logger
}

// NewFileListing creates the file listing middleware.
func NewFileListing(lister Lister, logger *slog.Logger) *FileListing {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileListing{lister: lister, logger: logger.With("component", "file-listing")}
}

// ProcessRequest implements mw.RequestFactory.
func (f *FileListing) ProcessRequest(conn transport.Conn, req *mw.Request) transport.Handler {
	if req.Action != protocol.ActionFileListing {
		return nil
	}
	return f.attach(conn, nil)
}

// ProcessChannel implements mw.ChannelFactory.
func (f *FileListing) ProcessChannel(ch mw.Channel) transport.Handler {
	if ch.Code() != string(protocol.ChannelFileListing) {
		return nil
	}
	return f.attach(ch, ch.InitialData())
}

func (f *FileListing) attach(conn transport.Conn, initial []byte) transport.Handler {
	h := &listingHandler{conn: conn, lister: f.lister, logger: f.logger.With("conn", conn.ID())}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	if len(initial) > 0 {
		h.OnMessage(transport.Message{Data: initial})
	}
	return h
}

type listingHandler struct {
	conn   transport.Conn
	lister Lister
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

func (h *listingHandler) OnMessage(msg transport.Message) {
	if msg.Binary {
		return
	}
	m, err := protocol.DecodeMessage(msg.Data)
	if err != nil {
		h.logger.Debug("invalid message", "error", err)
		return
	}
	if m.Type != protocol.TypeFileList {
		h.reply(m.ID, protocol.TypeError, protocol.ErrorEvent{Message: "unsupported message type " + m.Type})
		return
	}

	var req listRequest
	if len(m.Data) > 0 {
		if err := json.Unmarshal(m.Data, &req); err != nil {
			h.reply(m.ID, protocol.TypeError, protocol.ErrorEvent{Message: err.Error()})
			return
		}
	}
	if req.UDID == "" {
		h.reply(m.ID, protocol.TypeError, protocol.ErrorEvent{Message: `invalid value "" for "udid"`})
		return
	}
	dir := req.Path
	if dir == "" {
		dir = "/"
	}
	dir = path.Clean(dir)

	ctx, cancel := context.WithTimeout(h.ctx, ListTimeout)
	entries, err := h.lister.List(ctx, req.UDID, dir)
	cancel()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		h.logger.Info("list failed", "udid", req.UDID, "path", dir, "error", err)
		h.reply(m.ID, protocol.TypeError, protocol.ErrorEvent{Message: err.Error()})
		return
	}

	out := ListReply{Path: dir, Entries: make([]FileInfo, 0, len(entries))}
	for _, e := range entries {
		out.Entries = append(out.Entries, FileInfo{
			Name:  e.Name,
			Mode:  unixMode(e.Mode),
			Size:  e.Size,
			MTime: e.MTime.UnixMilli(),
		})
	}
	h.reply(m.ID, protocol.TypeFileList, out)
}

func (h *listingHandler) reply(id int, msgType string, data interface{}) {
	if err := mw.SendReply(h.conn, id, msgType, data); err != nil {
		h.logger.Debug("send reply", "type", msgType, "error", err)
	}
}

func (h *listingHandler) Release() {
	h.cancel()
}

// unixMode converts a FileMode back to the st_mode bits the client expects.
func unixMode(m fs.FileMode) uint32 {
	bits := uint32(m.Perm())
	switch {
	case m.IsDir():
		bits |= 0o040000
	case m&fs.ModeSymlink != 0:
		bits |= 0o120000
	case m&fs.ModeNamedPipe != 0:
		bits |= 0o010000
	case m&fs.ModeSocket != 0:
		bits |= 0o140000
	case m&fs.ModeCharDevice != 0:
		bits |= 0o020000
	case m&fs.ModeDevice != 0:
		bits |= 0o060000
	default:
		bits |= 0o100000
	}
	return bits
}
