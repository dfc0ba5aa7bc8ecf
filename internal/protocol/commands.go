// Package protocol defines the JSON message protocol spoken between the
// browser client and scrcpyhub, together with the connection actions and
// channel codes that select a handler for a connection.
package protocol

// Action selects the handler for a non-multiplexed connection. It is carried
// in the "action" query parameter of the WebSocket URL.
type Action string

// Connection actions
const (
	ActionProxyWS        Action = "proxy-ws"
	ActionProxyADB       Action = "proxy-adb"
	ActionDevtools       Action = "devtools"
	ActionMultiplex      Action = "multiplex"
	ActionGoogDeviceList Action = "goog-device-list"
	ActionShell          Action = "shell"
	ActionFileListing    Action = "list-files"
)

// ChannelCodeLength is the fixed width of a channel code in bytes.
const ChannelCodeLength = 4

// ChannelCode selects the handler for a multiplexed channel. Codes are
// exactly ChannelCodeLength ASCII bytes.
type ChannelCode string

// Channel codes
const (
	ChannelFileListing ChannelCode = "FSLS"
	ChannelHostTracker ChannelCode = "HSTS"
	ChannelShell       ChannelCode = "SHEL"
	ChannelGoogTracker ChannelCode = "GTRC"
	ChannelApplTracker ChannelCode = "ATRC"
	ChannelWDAProxy    ChannelCode = "WDAP"
	ChannelQVHStream   ChannelCode = "QVHS"
)

// ChannelCodeSetVersion identifies the revision of ChannelCodes. Bump it
// whenever a code is added or removed.
const ChannelCodeSetVersion = 1

// ChannelCodes is the closed set of codes a client may open a channel with.
// Codes outside this set are rejected before any handler is consulted.
var ChannelCodes = []ChannelCode{
	ChannelFileListing,
	ChannelHostTracker,
	ChannelShell,
	ChannelGoogTracker,
	ChannelApplTracker,
	ChannelWDAProxy,
	ChannelQVHStream,
}

// IsChannelCode reports whether code is a member of ChannelCodes.
func IsChannelCode(code string) bool {
	if len(code) != ChannelCodeLength {
		return false
	}
	for _, c := range ChannelCodes {
		if string(c) == code {
			return true
		}
	}
	return false
}

// CommandKind is the type of a ControlCenterCommand.
type CommandKind string

// Command kinds understood by the Android control center.
const (
	CommandKillServer       CommandKind = "kill_server"
	CommandStartServer      CommandKind = "start_server"
	CommandUpdateInterfaces CommandKind = "update_interfaces"
	CommandRunWDA           CommandKind = "run-wda"
)

// Message types sent by the server.
const (
	TypeDeviceList = "devicelist"
	TypeDevice     = "device"
	TypeHosts      = "hosts"
	TypeError      = "error"
)

// Message types used by the shell, file listing and devtools channels.
const (
	TypeShellStart  = "start"
	TypeShellResize = "resize"
	TypeFileList    = "list"
	TypeDevtools    = "devtools"
)

// EventID is the envelope id used for messages the server sends on its own
// initiative rather than in reply to a client request.
const EventID = -1
