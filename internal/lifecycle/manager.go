package lifecycle

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/session-tracker/backend/internal/eventlog"
	"github.com/session-tracker/backend/internal/observability"
	"github.com/session-tracker/backend/internal/protocol"
	"github.com/session-tracker/backend/internal/session"
)

const tracerName = "github.com/session-tracker/backend/internal/lifecycle"

// ErrShuttingDown is returned by Attach once Shutdown has begun.
var ErrShuttingDown = errors.New("lifecycle manager shutting down")

// Peer is the server's handle on one transport session.
type Peer interface {
	// ID is the transport session id, unique per connection.
	ID() string
	// ClientID is the identity the peer declared, or "" if none.
	ClientID() string
	RemoteAddr() string
	// Send queues an event for the peer without blocking.
	Send(event string, v any) error
	Close() error
}

// EventLog is the subset of *eventlog.Log the manager writes to.
type EventLog interface {
	Append(kind eventlog.Kind, payload eventlog.Payload)
	Sync(ctx context.Context) error
}

// Manager turns transport notifications into registry updates, event log
// entries and acknowledgements. One Manager serves every session; each
// session gets its own Conn.
type Manager struct {
	registry *session.Registry
	events   EventLog
	tracer   trace.Tracer
	logger   zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	conns   map[string]*Conn
	closing bool
}

func NewManager(registry *session.Registry, events EventLog) *Manager {
	return &Manager{
		registry: registry,
		events:   events,
		tracer:   otel.Tracer(tracerName),
		logger:   observability.Component("lifecycle"),
		now:      time.Now,
		conns:    make(map[string]*Conn),
	}
}

// Attach starts tracking a new transport session in the Connecting state.
func (m *Manager) Attach(p Peer) (*Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return nil, ErrShuttingDown
	}
	c := &Conn{m: m, peer: p, state: Connecting}
	// Transport ids are fresh uuids, so a collision would replace the
	// earlier Conn rather than track both.
	m.conns[p.ID()] = c
	return c, nil
}

func (m *Manager) isClosing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closing
}

// Live returns the number of attached sessions that have not disconnected.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *Manager) detach(c *Conn) {
	m.mu.Lock()
	if cur, ok := m.conns[c.peer.ID()]; ok && cur == c {
		delete(m.conns, c.peer.ID())
	}
	m.mu.Unlock()
	observability.SetConnectedSessions(m.registry.ConnectedCount())
}

// Shutdown records a shutdown entry for every live session, waits for
// those entries to reach the log file, and only then closes the sessions.
// New sessions are refused from the moment Shutdown is called.
func (m *Manager) Shutdown(ctx context.Context, reason string) error {
	m.mu.Lock()
	m.closing = true
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool {
		return conns[i].peer.ID() < conns[j].peer.ID()
	})

	if len(conns) == 0 {
		m.events.Append(eventlog.KindShutdown, eventlog.Payload{"reason": reason})
	}
	for _, c := range conns {
		c.mu.Lock()
		c.shutdown = true
		payload := c.basePayload()
		payload["reason"] = reason
		c.mu.Unlock()
		m.events.Append(eventlog.KindShutdown, payload)
	}

	err := m.events.Sync(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("shutdown entries not confirmed on disk")
	}

	for _, c := range conns {
		if cerr := c.peer.Close(); cerr != nil {
			m.logger.Debug().Err(cerr).Str("socketId", c.peer.ID()).Msg("closing session")
		}
	}
	m.logger.Info().Int("sessions", len(conns)).Str("reason", reason).Msg("lifecycle shutdown complete")
	return err
}

// Conn is the lifecycle state of a single transport session.
type Conn struct {
	m    *Manager
	peer Peer

	mu       sync.Mutex
	state    State
	clientID string
	shutdown bool
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ClientID returns the resolved logical identity. It is empty until the
// connect notification has been handled.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Handle applies one notification. Every notification in the closed set
// produces exactly one event log entry; nothing here returns an error to
// the transport.
func (c *Conn) Handle(ctx context.Context, n protocol.Notification) {
	_, span := c.m.tracer.Start(ctx, "lifecycle."+string(n.Kind),
		trace.WithAttributes(attribute.String("session.id", c.peer.ID())))
	defer span.End()

	observability.RecordNotification("server", string(n.Kind))

	c.mu.Lock()
	defer c.mu.Unlock()

	switch n.Kind {
	case protocol.Connect:
		// Shutdown is terminal: a session that had not connected yet stays
		// out of the registry and the log.
		if c.shutdown || c.m.isClosing() {
			c.m.logger.Debug().Str("socketId", c.peer.ID()).Msg("ignoring connect during shutdown")
			return
		}
		c.connect(span)
	case protocol.Disconnect:
		c.disconnect(n.Reason)
	case protocol.Message:
		c.message(span, n.Text)
	case protocol.ReconnectAttempt:
		c.withAttempt(eventlog.KindReconnectAttempt, n.Attempt)
	case protocol.Reconnect:
		c.withAttempt(eventlog.KindReconnectSuccess, n.Attempt)
	case protocol.ReconnectError:
		c.withError(eventlog.KindReconnectError, n.Text)
	case protocol.ReconnectFailed:
		c.m.events.Append(eventlog.KindReconnectFailed, c.basePayload())
	case protocol.Error:
		c.withError(eventlog.KindError, n.Text)
		c.m.logger.Warn().Str("clientId", c.resolvedID()).Str("error", n.Text).Msg("session error")
	default:
		c.m.logger.Warn().Str("kind", string(n.Kind)).Msg("ignoring unknown notification")
		return
	}

	c.state = Next(c.state, n.Kind)
	span.SetAttributes(
		attribute.String("client.id", c.resolvedID()),
		attribute.String("session.state", c.state.String()),
	)
}

func (c *Conn) connect(span trace.Span) {
	c.clientID = c.peer.ClientID()
	if c.clientID == "" {
		c.clientID = c.peer.ID()
	}

	rec := c.m.registry.Upsert(c.clientID, c.peer.ID(), c.peer.RemoteAddr())
	if rec.ReconnectCount > 0 {
		observability.RecordReconnect()
	}
	observability.SetConnectedSessions(c.m.registry.ConnectedCount())

	payload := c.basePayload()
	payload["reconnectCount"] = rec.ReconnectCount
	c.m.events.Append(eventlog.KindConnection, payload)

	c.m.logger.Info().
		Str("clientId", c.clientID).
		Str("remoteAddr", c.peer.RemoteAddr()).
		Int("reconnects", rec.ReconnectCount).
		Msg("client connected")

	info := protocol.ConnectionInfo{
		ClientID:       c.clientID,
		SocketID:       c.peer.ID(),
		ReconnectCount: rec.ReconnectCount,
		ServerTime:     eventlog.FormatTime(c.m.now()),
	}
	if err := c.peer.Send(protocol.EventConnectionInfo, info); err != nil {
		c.sendFailed(span, protocol.EventConnectionInfo, err)
	}
}

func (c *Conn) disconnect(reason string) {
	payload := c.basePayload()
	payload["reason"] = reason
	c.m.events.Append(eventlog.KindDisconnection, payload)

	if c.clientID != "" {
		c.m.registry.MarkDisconnected(c.clientID, c.peer.ID())
	}
	c.m.detach(c)

	c.m.logger.Info().Str("clientId", c.resolvedID()).Str("reason", reason).Msg("client disconnected")
}

// message logs the payload before echoing it, so the receipt the peer sees
// implies the entry has been queued.
func (c *Conn) message(span trace.Span, text string) {
	payload := c.basePayload()
	payload["message"] = text
	c.m.events.Append(eventlog.KindMessage, payload)

	c.m.logger.Debug().Str("clientId", c.resolvedID()).Str("message", text).Msg("message received")

	if err := c.peer.Send(protocol.EventMessage, protocol.ReceiptPrefix+text); err != nil {
		c.sendFailed(span, protocol.EventMessage, err)
	}
}

func (c *Conn) withAttempt(kind eventlog.Kind, attempt int) {
	payload := c.basePayload()
	payload["attemptNumber"] = attempt
	c.m.events.Append(kind, payload)
}

func (c *Conn) withError(kind eventlog.Kind, msg string) {
	payload := c.basePayload()
	payload["error"] = msg
	c.m.events.Append(kind, payload)
}

func (c *Conn) sendFailed(span trace.Span, event string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "send failed")
	c.m.logger.Warn().Err(err).Str("clientId", c.resolvedID()).Str("event", event).Msg("could not reply to peer")
}

// resolvedID is the identity to report before and after connect.
func (c *Conn) resolvedID() string {
	if c.clientID != "" {
		return c.clientID
	}
	if id := c.peer.ClientID(); id != "" {
		return id
	}
	return c.peer.ID()
}

func (c *Conn) basePayload() eventlog.Payload {
	return eventlog.Payload{
		"clientIp": c.peer.RemoteAddr(),
		"clientId": c.resolvedID(),
		"socketId": c.peer.ID(),
	}
}
