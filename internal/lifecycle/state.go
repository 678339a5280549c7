package lifecycle

import (
	"encoding/json"

	"github.com/session-tracker/backend/internal/protocol"
)

// State is the position of one transport session in its lifecycle.
type State int

const (
	Connecting State = iota
	Connected
	Disconnected
	ReconnectingRemote
)

var stateNames = map[State]string{
	Connecting:         "connecting",
	Connected:          "connected",
	Disconnected:       "disconnected",
	ReconnectingRemote: "reconnecting",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Next returns the state that follows s on receipt of a notification of
// the given kind. Notifications that are purely diagnostic leave the state
// unchanged. Both the server and the agent drive their sessions through
// this function.
func Next(s State, kind protocol.Kind) State {
	switch kind {
	case protocol.Connect:
		return Connected
	case protocol.Disconnect:
		return Disconnected
	case protocol.ReconnectAttempt:
		if s == Disconnected {
			return ReconnectingRemote
		}
	case protocol.Reconnect:
		if s == ReconnectingRemote || s == Disconnected {
			return Connected
		}
	case protocol.ReconnectError, protocol.ReconnectFailed:
		if s == ReconnectingRemote {
			return Disconnected
		}
	}
	return s
}
