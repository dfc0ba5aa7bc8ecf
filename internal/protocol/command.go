package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrInvalidMessage indicates a message that is not a JSON envelope.
	ErrInvalidMessage = errors.New("invalid message")
	// ErrInvalidCommand indicates an envelope whose data does not describe a
	// device command.
	ErrInvalidCommand = errors.New("invalid command")
)

// ControlCenterCommand is a validated request to operate on one device.
type ControlCenterCommand struct {
	ID   int
	Type CommandKind
	UDID string
	// PID is set for CommandKillServer only.
	PID int
}

type commandData struct {
	UDID *string  `json:"udid"`
	PID  *float64 `json:"pid"`
}

// ParseCommand decodes a command envelope. Only the shape is validated here:
// an unknown command kind parses successfully and is rejected by whoever
// executes the command.
func ParseCommand(raw []byte) (*ControlCenterCommand, error) {
	msg, err := DecodeMessage(raw)
	if err != nil {
		return nil, err
	}

	if len(msg.Data) == 0 {
		return nil, fmt.Errorf("%w: missing data", ErrInvalidCommand)
	}
	var data commandData
	if err := json.Unmarshal(msg.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if data.UDID == nil || *data.UDID == "" {
		return nil, fmt.Errorf("%w: missing \"udid\"", ErrInvalidCommand)
	}

	cmd := &ControlCenterCommand{
		ID:   msg.ID,
		Type: CommandKind(msg.Type),
		UDID: *data.UDID,
	}

	if cmd.Type == CommandKillServer {
		if data.PID == nil || *data.PID <= 0 || *data.PID != float64(int(*data.PID)) {
			return nil, fmt.Errorf("%w: invalid \"pid\" value", ErrInvalidCommand)
		}
		cmd.PID = int(*data.PID)
	}

	return cmd, nil
}
