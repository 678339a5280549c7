package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// TimeFormat is the ISO-8601 layout used for entry timestamps: UTC with
// millisecond precision.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Kind names the lifecycle or message event an entry records.
type Kind string

// Server-side kinds.
const (
	KindConnection       Kind = "connection"
	KindDisconnection    Kind = "disconnection"
	KindMessage          Kind = "message"
	KindReconnectAttempt Kind = "reconnect_attempt"
	KindReconnectSuccess Kind = "reconnect_success"
	KindReconnectError   Kind = "reconnect_error"
	KindReconnectFailed  Kind = "reconnect_failed"
	KindError            Kind = "error"
	KindShutdown         Kind = "shutdown"
)

// Agent-side kinds. The agent also uses the shared reconnect, error and
// shutdown kinds above.
const (
	KindConnect         Kind = "connect"
	KindDisconnect      Kind = "disconnect"
	KindReconnect       Kind = "reconnect"
	KindMessageReceived Kind = "message_received"
	KindMessageSent     Kind = "message_sent"
)

var knownKinds = map[Kind]bool{
	KindConnection:       true,
	KindDisconnection:    true,
	KindMessage:          true,
	KindReconnectAttempt: true,
	KindReconnectSuccess: true,
	KindReconnectError:   true,
	KindReconnectFailed:  true,
	KindError:            true,
	KindShutdown:         true,
	KindConnect:          true,
	KindDisconnect:       true,
	KindReconnect:        true,
	KindMessageReceived:  true,
	KindMessageSent:      true,
}

// Valid reports whether k belongs to the closed set of event kinds.
func (k Kind) Valid() bool {
	return knownKinds[k]
}

// Payload is the structured data attached to an entry.
type Payload map[string]any

// Entry is one line of the event log.
type Entry struct {
	Timestamp time.Time `json:"-"`
	Kind      Kind      `json:"event"`
	Payload   Payload   `json:"data"`
}

// MarshalJSON renders the timestamp exactly as it appears in the log file.
func (e Entry) MarshalJSON() ([]byte, error) {
	type alias Entry
	return json.Marshal(struct {
		Timestamp string `json:"timestamp"`
		alias
	}{
		Timestamp: FormatTime(e.Timestamp),
		alias:     alias(e),
	})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type alias Entry
	aux := struct {
		Timestamp string `json:"timestamp"`
		*alias
	}{alias: (*alias)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	ts, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", aux.Timestamp, err)
	}
	e.Timestamp = ts
	return nil
}

// FormatTime renders t in the log's timestamp layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// encodePayload renders p as compact JSON without HTML escaping so that
// message text is stored the way it was sent.
func encodePayload(p Payload) ([]byte, error) {
	if p == nil {
		p = Payload{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// FormatLine renders e as "<timestamp> - <kind>: <json>\n".
func FormatLine(e Entry) (string, error) {
	data, err := encodePayload(e.Payload)
	if err != nil {
		return "", fmt.Errorf("encoding %s payload: %w", e.Kind, err)
	}
	return FormatTime(e.Timestamp) + " - " + string(e.Kind) + ": " + string(data) + "\n", nil
}

// ParseLine is the inverse of FormatLine. It splits on the first " - " and
// then the first ": ", and reports false for anything that does not yield a
// valid timestamp and a JSON object payload.
func ParseLine(line string) (Entry, bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Entry{}, false
	}

	ts, rest, ok := strings.Cut(line, " - ")
	if !ok {
		return Entry{}, false
	}
	kind, data, ok := strings.Cut(rest, ": ")
	if !ok || kind == "" {
		return Entry{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, false
	}

	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	var payload Payload
	if err := dec.Decode(&payload); err != nil || payload == nil {
		return Entry{}, false
	}
	// Anything but whitespace after the object means the line was spliced
	// or corrupted.
	if _, err := dec.Token(); err != io.EOF {
		return Entry{}, false
	}

	return Entry{Timestamp: t, Kind: Kind(kind), Payload: payload}, true
}
