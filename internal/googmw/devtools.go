package googmw

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/standardbeagle/scrcpyhub/internal/mw"
	"github.com/standardbeagle/scrcpyhub/internal/protocol"
	"github.com/standardbeagle/scrcpyhub/internal/transport"
)

// DevtoolsTimeout bounds one discovery round.
const DevtoolsTimeout = 20 * time.Second

// DevtoolsADB is what remote devtools discovery needs from adb.
type DevtoolsADB interface {
	StreamOpener
	Shell(ctx context.Context, serial, command string) (string, error)
}

// DevtoolsSocket describes one browser debugging socket on a device.
type DevtoolsSocket struct {
	Socket string `json:"socket"`
	// Browser is the /json/version document of the socket.
	Browser json.RawMessage `json:"browser"`
	// Targets is the /json document of the socket.
	Targets json.RawMessage `json:"targets"`
}

// RemoteDevtools claims devtools connections. It lists the devtools
// sockets of the device in the "udid" parameter once at start and again on
// every devtools message.
type RemoteDevtools struct {
	adb    DevtoolsADB
	logger *slog.Logger
}

// NewRemoteDevtools creates the devtools middleware.
func NewRemoteDevtools(client DevtoolsADB, logger *slog.Logger) *RemoteDevtools {
	if logger == nil {
		logger = slog.Default()
	}
	return &RemoteDevtools{adb: client, logger: logger.With("component", "devtools")}
}

// ProcessRequest implements mw.RequestFactory.
func (d *RemoteDevtools) ProcessRequest(conn transport.Conn, req *mw.Request) transport.Handler {
	if req.Action != protocol.ActionDevtools {
		return nil
	}
	udid := req.Params.Get("udid")
	if udid == "" {
		_ = conn.Close(protocol.CloseProxyError,
			fmt.Sprintf(`[%s] Invalid value "" for "udid" parameter`, protocol.ActionDevtools))
		return transport.HandlerFuncs{}
	}

	h := &devtoolsHandler{
		conn:   conn,
		udid:   udid,
		adb:    d.adb,
		logger: d.logger.With("conn", conn.ID(), "udid", udid),
		work:   make(chan int, 1),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.work <- protocol.EventID
	go h.loop()
	return h
}

type devtoolsHandler struct {
	conn   transport.Conn
	udid   string
	adb    DevtoolsADB
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	// work carries the ids of pending discovery requests.
	work chan int
}

func (h *devtoolsHandler) OnMessage(msg transport.Message) {
	if msg.Binary {
		return
	}
	m, err := protocol.DecodeMessage(msg.Data)
	if err != nil || m.Type != protocol.TypeDevtools {
		h.logger.Debug("unexpected message", "data", string(msg.Data))
		return
	}
	select {
	case h.work <- m.ID:
	default:
		// A discovery round is already queued.
	}
}

func (h *devtoolsHandler) loop() {
	for {
		select {
		case <-h.ctx.Done():
			return
		case id := <-h.work:
			ctx, cancel := context.WithTimeout(h.ctx, DevtoolsTimeout)
			list, err := h.discover(ctx)
			cancel()
			if h.ctx.Err() != nil {
				return
			}
			if err != nil {
				h.logger.Info("devtools discovery failed", "error", err)
				_ = mw.SendReply(h.conn, id, protocol.TypeError, protocol.ErrorEvent{Message: err.Error()})
				continue
			}
			if err := mw.SendReply(h.conn, id, protocol.TypeDevtools, list); err != nil {
				h.logger.Debug("send devtools", "error", err)
			}
		}
	}
}

func (h *devtoolsHandler) Release() {
	h.cancel()
}

func (h *devtoolsHandler) discover(ctx context.Context) ([]DevtoolsSocket, error) {
	out, err := h.adb.Shell(ctx, h.udid, "cat /proc/net/unix")
	if err != nil {
		return nil, err
	}
	list := []DevtoolsSocket{}
	for _, socket := range parseDevtoolsSockets(out) {
		client := h.httpClient(socket)
		version, err := fetchJSON(ctx, client, "/json/version")
		if err != nil {
			h.logger.Debug("devtools version", "socket", socket, "error", err)
			continue
		}
		targets, err := fetchJSON(ctx, client, "/json")
		if err != nil {
			h.logger.Debug("devtools targets", "socket", socket, "error", err)
			continue
		}
		list = append(list, DevtoolsSocket{Socket: socket, Browser: version, Targets: targets})
	}
	return list, nil
}

// httpClient returns a client whose connections are adb streams to the
// abstract socket.
func (h *devtoolsHandler) httpClient(socket string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return h.adb.OpenStream(ctx, h.udid, "localabstract:"+socket)
			},
			DisableKeepAlives: true,
		},
	}
}

func fetchJSON(ctx context.Context, client *http.Client, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://localhost"+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("GET %s: invalid JSON", path)
	}
	return body, nil
}

// parseDevtoolsSockets extracts the abstract socket names containing
// "devtools_remote" from /proc/net/unix:
//
//	Num       RefCount Protocol Flags    Type St Inode Path
//	00000000: 00000002 00000000 00010000 0001 01 12345 @chrome_devtools_remote
func parseDevtoolsSockets(out string) []string {
	var sockets []string
	seen := make(map[string]bool)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 8 {
			continue
		}
		name := fields[len(fields)-1]
		if !strings.HasPrefix(name, "@") || !strings.Contains(name, "devtools_remote") {
			continue
		}
		name = name[1:]
		if !seen[name] {
			seen[name] = true
			sockets = append(sockets, name)
		}
	}
	return sockets
}
