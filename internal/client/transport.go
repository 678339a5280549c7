package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/session-tracker/backend/internal/observability"
	"github.com/session-tracker/backend/internal/protocol"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPongTimeout  = 60 * time.Second
	defaultPingInterval = 25 * time.Second
)

var (
	// ErrNotConnected is returned by Emit while no session is established.
	ErrNotConnected = errors.New("not connected")
	// ErrReconnectFailed is returned by Run once the policy's attempts
	// are used up.
	ErrReconnectFailed = errors.New("reconnect attempts exhausted")
)

// Handler receives every transport notification in the order they occur.
// It is called from the Run goroutine and must not block.
type Handler func(protocol.Notification)

// Transport keeps one websocket session to the server alive according to
// a Policy and reports what happens to a Handler.
type Transport struct {
	url     string
	policy  Policy
	handler Handler
	onInfo  func(protocol.ConnectionInfo)
	dialer  *websocket.Dialer
	logger  zerolog.Logger

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	mu      sync.Mutex
	writeMu sync.Mutex // serialises all conn writes (frames, pings, close)
	conn    *websocket.Conn
	info    protocol.ConnectionInfo
	closed  bool
}

type Option func(*Transport)

// WithKeepalive overrides the ping interval and the read deadline that a
// pong or any inbound frame extends.
func WithKeepalive(pingInterval, pongTimeout time.Duration) Option {
	return func(t *Transport) {
		t.pingInterval = pingInterval
		t.pongTimeout = pongTimeout
	}
}

// WithInfoHandler is called with every connectionInfo the server sends.
func WithInfoHandler(fn func(protocol.ConnectionInfo)) Option {
	return func(t *Transport) { t.onInfo = fn }
}

// New builds a transport for the websocket endpoint at rawURL declaring
// clientID as its identity. Nothing is dialled until Run.
func New(rawURL, clientID string, policy Policy, handler Handler, opts ...Option) (*Transport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	if clientID != "" {
		q := u.Query()
		q.Set(protocol.ClientIDParam, clientID)
		u.RawQuery = q.Encode()
	}

	t := &Transport{
		url:          u.String(),
		policy:       policy,
		handler:      handler,
		dialer:       &websocket.Dialer{HandshakeTimeout: policy.ConnectTimeout},
		logger:       observability.Component("transport"),
		pingInterval: defaultPingInterval,
		pongTimeout:  defaultPongTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Run dials the server and keeps redialling after every drop until ctx is
// cancelled, Close is called or the policy gives up. It returns nil in the
// first two cases.
func (t *Transport) Run(ctx context.Context) error {
	reconnecting := false
	attempt := 0

	for {
		if ctx.Err() != nil || t.isClosed() {
			return nil
		}

		if reconnecting {
			attempt++
			if t.policy.exhausted(attempt) {
				t.emit(protocol.ReconnectFailedNotification())
				return ErrReconnectFailed
			}
			if !sleep(ctx, t.policy.Delay(attempt)) {
				return nil
			}
			t.emit(protocol.ReconnectAttemptNotification(attempt))
		}

		conn, sessionID, err := t.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			t.logger.Debug().Err(err).Int("attempt", attempt).Msg("dial failed")
			if reconnecting {
				t.emit(protocol.ReconnectErrorNotification(err.Error()))
				continue
			}
			t.emit(protocol.ErrorNotification(err.Error()))
			if !t.policy.Enabled {
				return err
			}
			reconnecting = true
			continue
		}

		if !t.install(conn, sessionID) {
			conn.Close()
			return nil
		}

		pingCtx, stopPing := context.WithCancel(ctx)
		go t.pingLoop(pingCtx, conn)

		t.emit(protocol.ConnectNotification())
		if reconnecting {
			t.emit(protocol.ReconnectNotification(attempt))
			if err := t.Emit(protocol.EventReconnect, attempt); err != nil {
				t.logger.Warn().Err(err).Msg("could not report reconnect to server")
			}
		}
		reconnecting = false
		attempt = 0

		reason := t.readLoop(ctx, conn)
		stopPing()
		t.uninstall(conn)
		t.emit(protocol.DisconnectNotification(reason))

		if ctx.Err() != nil || t.isClosed() || !t.policy.Enabled {
			return nil
		}
		reconnecting = true
	}
}

// dial opens a session and returns the transport session id the server
// announced in the handshake.
func (t *Transport) dial(ctx context.Context) (*websocket.Conn, string, error) {
	if t.policy.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.policy.ConnectTimeout)
		defer cancel()
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, "", err
	}
	return conn, resp.Header.Get(protocol.SessionIDHeader), nil
}

func (t *Transport) install(conn *websocket.Conn, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conn = conn
	t.info = protocol.ConnectionInfo{SocketID: sessionID}
	return true
}

func (t *Transport) uninstall(conn *websocket.Conn) {
	t.mu.Lock()
	if t.conn == conn {
		t.conn = nil
		t.info = protocol.ConnectionInfo{}
	}
	t.mu.Unlock()
	conn.Close()
}

// readLoop dispatches inbound frames until the connection fails and
// returns the disconnect reason.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) string {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	extend := func() { conn.SetReadDeadline(time.Now().Add(t.pongTimeout)) }
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(t.writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	extend()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return t.disconnectReason(ctx, err)
		}
		extend()

		frame, err := protocol.Decode(data)
		if err != nil {
			t.emit(protocol.ErrorNotification(err.Error()))
			continue
		}
		t.dispatch(frame)
	}
}

func (t *Transport) dispatch(f protocol.Frame) {
	switch f.Event {
	case protocol.EventConnectionInfo:
		var info protocol.ConnectionInfo
		if err := f.Unmarshal(&info); err != nil {
			t.emit(protocol.ErrorNotification(err.Error()))
			return
		}
		t.mu.Lock()
		t.info = info
		t.mu.Unlock()
		if t.onInfo != nil {
			t.onInfo(info)
		}
	case protocol.EventMessage:
		t.emit(protocol.MessageNotification(f.Text()))
	case protocol.EventError:
		t.emit(protocol.ErrorNotification(f.Text()))
	default:
		t.logger.Debug().Str("event", f.Event).Msg("ignoring frame")
	}
}

func (t *Transport) disconnectReason(ctx context.Context, err error) string {
	if ctx.Err() != nil || t.isClosed() {
		return "io client disconnect"
	}
	if websocket.IsCloseError(err, websocket.CloseGoingAway) {
		return "io server disconnect"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ping timeout"
	}
	return "transport close"
}

// pingLoop sends periodic pings on the given connection. It exits when the
// context is cancelled or the connection changes.
func (t *Transport) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if t.pingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			cc := t.conn
			t.mu.Unlock()
			if cc != conn {
				return
			}
			t.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			t.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Emit sends an event frame on the current session.
func (t *Transport) Emit(event string, v any) error {
	data, err := protocol.Encode(event, v)
	if err != nil {
		return err
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// SessionID is the server-assigned transport session id, or "" while
// disconnected or before connectionInfo has arrived.
func (t *Transport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info.SocketID
}

// Info returns the last connectionInfo received on the current session.
func (t *Transport) Info() protocol.ConnectionInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Close ends the current session with a normal close frame and stops Run
// from redialling.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(t.writeTimeout))
	t.writeMu.Unlock()
	conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) emit(n protocol.Notification) {
	observability.RecordNotification("agent", string(n.Kind))
	if t.handler != nil {
		t.handler(n)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
