// Package agent is the client side of a tracked session: it keeps a
// transport connected, mirrors every notification into a local event log
// and sends a test message on a fixed interval.
package agent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/session-tracker/backend/internal/client"
	"github.com/session-tracker/backend/internal/eventlog"
	"github.com/session-tracker/backend/internal/lifecycle"
	"github.com/session-tracker/backend/internal/observability"
	"github.com/session-tracker/backend/internal/protocol"
)

const shutdownReason = "Process interrupted"

// NewID returns a random client id of the form client_xxxxxxxxx.
func NewID() string {
	return "client_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
}

// EventLog is the subset of *eventlog.Log the agent writes to.
type EventLog interface {
	Append(kind eventlog.Kind, payload eventlog.Payload)
	Sync(ctx context.Context) error
}

type Agent struct {
	id        string
	interval  time.Duration
	events    EventLog
	transport *client.Transport
	logger    zerolog.Logger
	now       func() time.Time

	mu    sync.Mutex
	state lifecycle.State
}

// New builds an agent that identifies as id and dials url with policy.
func New(id, url string, interval time.Duration, policy client.Policy, events EventLog) (*Agent, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("message interval must be positive, got %v", interval)
	}
	a := &Agent{
		id:       id,
		interval: interval,
		events:   events,
		logger:   observability.Component("agent").With().Str("clientId", id).Logger(),
		now:      time.Now,
		state:    lifecycle.Connecting,
	}
	t, err := client.New(url, id, policy, a.handle, client.WithInfoHandler(a.connectionInfo))
	if err != nil {
		return nil, err
	}
	a.transport = t
	return a, nil
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) State() lifecycle.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Run keeps the session alive until ctx is cancelled or the transport
// gives up. On cancellation it logs a shutdown entry, closes the session
// and waits for the entries to reach disk before returning.
func (a *Agent) Run(ctx context.Context) error {
	// The transport outlives ctx so the shutdown entry is logged before the
	// session is torn down.
	tctx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	done := make(chan error, 1)
	go func() { done <- a.transport.Run(tctx) }()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return a.shutdown(stop, done)
		case err := <-done:
			if serr := a.sync(); serr != nil {
				a.logger.Error().Err(serr).Msg("flushing event log")
			}
			return err
		case <-ticker.C:
			a.sendTestMessage()
		}
	}
}

func (a *Agent) shutdown(stop context.CancelFunc, done <-chan error) error {
	payload := a.payload()
	payload["reason"] = shutdownReason
	a.events.Append(eventlog.KindShutdown, payload)
	a.logger.Info().Str("reason", shutdownReason).Msg("shutting down")

	if err := a.transport.Close(); err != nil {
		a.logger.Debug().Err(err).Msg("closing transport")
	}
	stop()
	<-done
	return a.sync()
}

func (a *Agent) sync() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.events.Sync(ctx)
}

func (a *Agent) sendTestMessage() {
	if !a.transport.Connected() {
		return
	}
	msg := fmt.Sprintf("Test message from %s at %s", a.id, eventlog.FormatTime(a.now()))
	if err := a.transport.Emit(protocol.EventMessage, msg); err != nil {
		a.logger.Warn().Err(err).Msg("sending test message")
		return
	}
	payload := a.payload()
	payload["message"] = msg
	a.events.Append(eventlog.KindMessageSent, payload)
	a.logger.Info().Str("message", msg).Msg("message sent")
}

// handle mirrors one transport notification into the local log.
func (a *Agent) handle(n protocol.Notification) {
	payload := a.payload()
	var kind eventlog.Kind

	switch n.Kind {
	case protocol.Connect:
		kind = eventlog.KindConnect
		payload["status"] = "Connected to server"
	case protocol.Disconnect:
		kind = eventlog.KindDisconnect
		payload["reason"] = n.Reason
	case protocol.ReconnectAttempt:
		kind = eventlog.KindReconnectAttempt
		payload["attemptNumber"] = n.Attempt
	case protocol.Reconnect:
		kind = eventlog.KindReconnect
		payload["attemptNumber"] = n.Attempt
	case protocol.ReconnectError:
		kind = eventlog.KindReconnectError
		payload["error"] = n.Text
	case protocol.ReconnectFailed:
		kind = eventlog.KindReconnectFailed
	case protocol.Message:
		kind = eventlog.KindMessageReceived
		payload["message"] = n.Text
	case protocol.Error:
		kind = eventlog.KindError
		payload["error"] = n.Text
	default:
		a.logger.Warn().Str("kind", string(n.Kind)).Msg("ignoring unknown notification")
		return
	}

	a.events.Append(kind, payload)

	a.mu.Lock()
	a.state = lifecycle.Next(a.state, n.Kind)
	state := a.state
	a.mu.Unlock()

	a.logger.Info().Str("event", string(kind)).Str("state", state.String()).Msg("transport event")
}

func (a *Agent) connectionInfo(info protocol.ConnectionInfo) {
	a.logger.Info().
		Str("socketId", info.SocketID).
		Int("reconnectCount", info.ReconnectCount).
		Str("serverTime", info.ServerTime).
		Msg("connection info")
}

// payload is the identity every agent entry carries. socketId is left out
// while no session is established.
func (a *Agent) payload() eventlog.Payload {
	p := eventlog.Payload{"clientId": a.id}
	if sid := a.transport.SessionID(); sid != "" {
		p["socketId"] = sid
	}
	return p
}
