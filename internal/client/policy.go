package client

import (
	"time"

	"github.com/session-tracker/backend/internal/config"
)

// Policy decides whether and how often a dropped session is redialled.
type Policy struct {
	Enabled bool
	// MaxAttempts bounds consecutive failed reconnects. Zero means no bound.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// ConnectTimeout bounds a single dial including the websocket handshake.
	ConnectTimeout time.Duration
}

func PolicyFromConfig(c config.ReconnectConfig) Policy {
	return Policy{
		Enabled:        c.Enabled,
		MaxAttempts:    c.MaxAttempts,
		BaseDelay:      c.BaseDelay,
		MaxDelay:       c.MaxDelay,
		ConnectTimeout: c.ConnectTimeout,
	}
}

// Delay returns the wait before reconnect attempt n (1-based): the base
// delay doubled for every earlier attempt, capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// exhausted reports whether attempt n may not be made.
func (p Policy) exhausted(n int) bool {
	return p.MaxAttempts > 0 && n > p.MaxAttempts
}
