package ws

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/session-tracker/backend/internal/protocol"
)

var (
	errPeerClosed = errors.New("peer closed")
	errPeerSlow   = errors.New("peer send buffer full")
)

// peer is one websocket transport session. Writes go through the send
// channel to a single writePump goroutine; the read loop lives in
// Server.serveConn.
type peer struct {
	id         string
	clientID   string
	remoteAddr string
	conn       *websocket.Conn

	pingInterval time.Duration
	writeTimeout time.Duration

	mu       sync.Mutex
	send     chan []byte
	closed   bool
	shutdown bool
}

func newPeer(conn *websocket.Conn, id, clientID, remoteAddr string, buffer int, pingInterval, writeTimeout time.Duration) *peer {
	p := &peer{
		id:           id,
		clientID:     clientID,
		remoteAddr:   remoteAddr,
		conn:         conn,
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, buffer),
	}
	go p.writePump()
	return p
}

func (p *peer) ID() string         { return p.id }
func (p *peer) ClientID() string   { return p.clientID }
func (p *peer) RemoteAddr() string { return p.remoteAddr }

// Send queues a frame without blocking. A peer that cannot keep up gets an
// error instead of stalling the caller.
func (p *peer) Send(event string, v any) error {
	data, err := protocol.Encode(event, v)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errPeerClosed
	}
	select {
	case p.send <- data:
		return nil
	default:
		return errPeerSlow
	}
}

// Close flushes queued frames, sends a close frame and tears down the
// connection. It is safe to call more than once.
func (p *peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.shutdown = true
	close(p.send)
	return nil
}

// closedByServer reports whether Close was called before the read loop
// saw the connection drop.
func (p *peer) closedByServer() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.shutdown
}

// release stops the write pump after the read loop has exited.
func (p *peer) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.send)
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(p.pingInterval)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.send:
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if !ok {
				p.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// disconnectReason maps the error that ended a read loop onto the reason
// string recorded in the event log.
func disconnectReason(err error, closedByServer bool) string {
	if closedByServer {
		return "server shutting down"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "ping timeout"
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return "client namespace disconnect"
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return "transport close"
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return "transport close"
	}
	return "transport error"
}
