package protocol

import (
	"encoding/json"
	"fmt"
)

// Event names carried in Frame.Event.
const (
	EventMessage          = "message"
	EventConnectionInfo   = "connectionInfo"
	EventReconnectAttempt = "reconnect_attempt"
	EventReconnect        = "reconnect"
	EventReconnectError   = "reconnect_error"
	EventReconnectFailed  = "reconnect_failed"
	EventError            = "error"
)

// ClientIDParam is the websocket URL query parameter a peer uses to
// declare its logical client id.
const ClientIDParam = "clientId"

// SessionIDHeader carries the server-assigned transport session id on the
// websocket handshake response.
const SessionIDHeader = "X-Session-Id"

// ReceiptPrefix marks a server echo of a logged message.
const ReceiptPrefix = "Server received: "

// Frame is the envelope for every websocket text message.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ConnectionInfo is sent by the server right after a connection is
// registered so the peer learns its reconnect history.
type ConnectionInfo struct {
	ClientID       string `json:"clientId"`
	SocketID       string `json:"socketId"`
	ReconnectCount int    `json:"reconnectCount"`
	ServerTime     string `json:"serverTime"`
}

// Encode marshals v as the data of an event frame. A nil v produces a
// frame without data.
func Encode(event string, v any) ([]byte, error) {
	f := Frame{Event: event}
	if v != nil {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s data: %w", event, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// Decode parses a frame. Frames without an event name are rejected.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("decoding frame: missing event name")
	}
	return f, nil
}

// Text returns the frame data as a string. Non-string JSON data is
// returned verbatim so that nothing a peer sends is lost.
func (f Frame) Text() string {
	if len(f.Data) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Data, &s); err == nil {
		return s
	}
	return string(f.Data)
}

// Int returns the frame data as an integer.
func (f Frame) Int() (int, error) {
	var n int
	if err := json.Unmarshal(f.Data, &n); err != nil {
		return 0, fmt.Errorf("%s: expected integer data: %w", f.Event, err)
	}
	return n, nil
}

// Unmarshal decodes the frame data into v.
func (f Frame) Unmarshal(v any) error {
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("%s: %w", f.Event, err)
	}
	return nil
}
