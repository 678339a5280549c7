package session

import "time"

// Record is the last known session for one logical client id. It is
// replaced on every (re)connect and kept after disconnect.
type Record struct {
	ClientID           string     `json:"clientId"`
	TransportSessionID string     `json:"socketId"`
	RemoteAddr         string     `json:"clientIp,omitempty"`
	ConnectedAt        time.Time  `json:"connectionTime"`
	DisconnectedAt     *time.Time `json:"disconnectedAt,omitempty"`
	Connected          bool       `json:"connected"`
	ReconnectCount     int        `json:"reconnectCount"`
}

// Clone returns a deep copy of the Record, duplicating pointer fields so
// the copy can be mutated independently of the original.
func (r *Record) Clone() Record {
	c := *r
	if r.DisconnectedAt != nil {
		t := *r.DisconnectedAt
		c.DisconnectedAt = &t
	}
	return c
}
