package protocol

import (
	"encoding/json"
	"fmt"
)

// CloseCode is a WebSocket close status used by scrcpyhub.
type CloseCode int

const (
	CloseNormal             CloseCode = 1000
	CloseGoingAway          CloseCode = 1001
	CloseProtocolError      CloseCode = 1002
	CloseUnsupportedRequest CloseCode = 4002
	CloseProxyError         CloseCode = 4003
	CloseDeviceNotFound     CloseCode = 4005
)

// Message is the envelope of every JSON message exchanged with a client.
type Message struct {
	ID   int             `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a message with data marshaled to JSON.
func NewMessage(id int, msgType string, data interface{}) (*Message, error) {
	m := &Message{ID: id, Type: msgType}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", msgType, err)
		}
		m.Data = raw
	}
	return m, nil
}

// Encode marshals the message.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// EncodeEvent marshals a server-initiated message with the given type and data.
func EncodeEvent(msgType string, data interface{}) ([]byte, error) {
	m, err := NewMessage(EventID, msgType, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// DecodeMessage parses a JSON envelope.
func DecodeMessage(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	return &m, nil
}

// DeviceTrackerEvent is the payload of a "device" message.
type DeviceTrackerEvent struct {
	Device DeviceDescriptor `json:"device"`
	ID     string           `json:"id"`
	Name   string           `json:"name"`
}

// DeviceTrackerEventList is the payload of a "devicelist" message.
type DeviceTrackerEventList struct {
	List []DeviceDescriptor `json:"list"`
	ID   string             `json:"id"`
	Name string             `json:"name"`
}

// HostItem describes a remote host whose trackers a client may connect to.
type HostItem struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	Pathname string `json:"pathname,omitempty"`
	Secure   bool   `json:"secure"`
	UseProxy bool   `json:"useProxy,omitempty"`
	Type     string `json:"type"`
}

// LocalTracker names a tracker type running on this host.
type LocalTracker struct {
	Type string `json:"type"`
}

// HostsEvent is the payload of a "hosts" message.
type HostsEvent struct {
	Local  []LocalTracker `json:"local"`
	Remote []HostItem     `json:"remote"`
}

// ErrorEvent is the payload of an "error" message.
type ErrorEvent struct {
	Message string `json:"message"`
}
