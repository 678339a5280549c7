package protocol

import "fmt"

// Kind is one of the transport notifications delivered to the lifecycle
// state machine on either side of a connection.
type Kind string

const (
	Connect          Kind = "connect"
	Disconnect       Kind = "disconnect"
	ReconnectAttempt Kind = "reconnect_attempt"
	Reconnect        Kind = "reconnect"
	ReconnectError   Kind = "reconnect_error"
	ReconnectFailed  Kind = "reconnect_failed"
	Message          Kind = "message"
	Error            Kind = "error"
)

// Notification is a single transport-level occurrence. Only the field
// matching Kind is meaningful: Reason for Disconnect, Attempt for the
// reconnect attempt/success pair, Text for Message and the error kinds.
type Notification struct {
	Kind    Kind
	Reason  string
	Attempt int
	Text    string
}

func ConnectNotification() Notification {
	return Notification{Kind: Connect}
}

func DisconnectNotification(reason string) Notification {
	return Notification{Kind: Disconnect, Reason: reason}
}

func ReconnectAttemptNotification(attempt int) Notification {
	return Notification{Kind: ReconnectAttempt, Attempt: attempt}
}

func ReconnectNotification(attempt int) Notification {
	return Notification{Kind: Reconnect, Attempt: attempt}
}

func ReconnectErrorNotification(msg string) Notification {
	return Notification{Kind: ReconnectError, Text: msg}
}

func ReconnectFailedNotification() Notification {
	return Notification{Kind: ReconnectFailed}
}

func MessageNotification(payload string) Notification {
	return Notification{Kind: Message, Text: payload}
}

func ErrorNotification(msg string) Notification {
	return Notification{Kind: Error, Text: msg}
}

// FromFrame converts a frame received from a peer into a notification.
// Connect and Disconnect are produced by the transport itself and are
// never accepted from the wire.
func FromFrame(f Frame) (Notification, error) {
	switch f.Event {
	case EventMessage:
		return MessageNotification(f.Text()), nil
	case EventReconnectAttempt:
		n, err := f.Int()
		if err != nil {
			return Notification{}, err
		}
		return ReconnectAttemptNotification(n), nil
	case EventReconnect:
		n, err := f.Int()
		if err != nil {
			return Notification{}, err
		}
		return ReconnectNotification(n), nil
	case EventReconnectError:
		return ReconnectErrorNotification(f.Text()), nil
	case EventReconnectFailed:
		return ReconnectFailedNotification(), nil
	case EventError:
		return ErrorNotification(f.Text()), nil
	default:
		return Notification{}, fmt.Errorf("unsupported event %q", f.Event)
	}
}
