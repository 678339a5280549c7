package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/session-tracker/backend/internal/config"
	"github.com/session-tracker/backend/internal/eventlog"
	"github.com/session-tracker/backend/internal/lifecycle"
	"github.com/session-tracker/backend/internal/observability"
	"github.com/session-tracker/backend/internal/protocol"
	"github.com/session-tracker/backend/internal/session"
)

type Server struct {
	config         *config.Config
	manager        *lifecycle.Manager
	registry       *session.Registry
	events         *eventlog.Log
	privacy        *session.PrivacyFilter
	logger         zerolog.Logger
	allowedOrigins map[string]bool
	allowedHosts   map[string]bool
	started        time.Time

	mu         sync.Mutex
	httpServer *http.Server
	closing    bool
	conns      sync.WaitGroup
}

func NewServer(cfg *config.Config, manager *lifecycle.Manager, registry *session.Registry, events *eventlog.Log) *Server {
	privacy := cfg.Server.Privacy
	s := &Server{
		config:   cfg,
		manager:  manager,
		registry: registry,
		events:   events,
		privacy: &session.PrivacyFilter{
			MaskRemoteAddrs: privacy.MaskRemoteAddrs,
			MaskSocketIDs:   privacy.MaskSocketIDs,
			AllowedClients:  privacy.AllowedClients,
			BlockedClients:  privacy.BlockedClients,
		},
		logger:         observability.Component("ws"),
		allowedOrigins: make(map[string]bool),
		allowedHosts:   make(map[string]bool),
		started:        time.Now(),
	}

	for _, origin := range cfg.Server.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		s.allowedOrigins[trimmed] = true
		if parsed, err := url.Parse(trimmed); err == nil && parsed.Host != "" {
			s.allowedHosts[parsed.Host] = true
		}
	}

	return s
}

// Routes builds the HTTP surface: the websocket endpoint, the read-only
// query API and prometheus metrics.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/logs", s.handleLogs)
		r.Get("/sessions", s.handleSessions)
		r.Get("/sessions/{clientID}", s.handleSession)
		r.Get("/health", s.handleHealth)
	})
	r.Handle("/metrics", observability.MetricsHandler())
	return r
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: s.checkOrigin,
	}

	id := uuid.NewString()
	conn, err := upgrader.Upgrade(w, r, http.Header{protocol.SessionIDHeader: {id}})
	if err != nil {
		s.logger.Warn().Err(err).Str("remoteAddr", r.RemoteAddr).Msg("ws upgrade failed")
		return
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down"))
		conn.Close()
		return
	}
	s.conns.Add(1)
	s.mu.Unlock()

	tc := s.config.Transport
	p := newPeer(conn, id, r.URL.Query().Get(protocol.ClientIDParam), remoteHost(r.RemoteAddr),
		tc.SendBuffer, tc.PingInterval, tc.WriteTimeout)

	c, err := s.manager.Attach(p)
	if err != nil {
		p.Close()
		s.conns.Done()
		return
	}

	go s.serveConn(p, c)
}

// serveConn is the single dispatcher for one session: it reports connect,
// turns every inbound frame into a notification, and reports disconnect
// when the read side fails.
func (s *Server) serveConn(p *peer, c *lifecycle.Conn) {
	defer s.conns.Done()
	ctx := context.Background()

	conn := p.conn
	timeout := s.config.Transport.PingTimeout
	if s.config.Transport.MaxMessageBytes > 0 {
		conn.SetReadLimit(s.config.Transport.MaxMessageBytes)
	}
	conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})

	c.Handle(ctx, protocol.ConnectNotification())

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.Handle(ctx, protocol.DisconnectNotification(disconnectReason(err, p.closedByServer())))
			p.release()
			return
		}
		conn.SetReadDeadline(time.Now().Add(timeout))

		frame, err := protocol.Decode(data)
		if err != nil {
			c.Handle(ctx, protocol.ErrorNotification(err.Error()))
			continue
		}
		n, err := protocol.FromFrame(frame)
		if err != nil {
			c.Handle(ctx, protocol.ErrorNotification(err.Error()))
			continue
		}
		c.Handle(ctx, n)
	}
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.events.ReadAll())
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.privacy.FilterSlice(s.registry.All()))
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "clientID")
	rec, ok := s.registry.Lookup(clientID)
	if !ok || !s.privacy.IsAllowed(clientID) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.privacy.Apply(rec))
}

type healthResponse struct {
	Status       string                     `json:"status"`
	Connected    int                        `json:"connected"`
	Live         int                        `json:"live"`
	Known        int                        `json:"known"`
	Process      observability.ProcessStats `json:"process"`
	ProcessError string                     `json:"processError,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "ok",
		Connected: s.registry.ConnectedCount(),
		Live:      s.manager.Live(),
		Known:     len(s.registry.All()),
	}
	stats, err := observability.CurrentProcessStats(s.started)
	resp.Process = stats
	if err != nil {
		resp.ProcessError = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	token := s.config.Server.AuthToken
	if token == "" {
		return true
	}

	if r.URL.Query().Get("token") == token {
		return true
	}

	if r.Header.Get("X-Session-Tracker-Token") == token {
		return true
	}

	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == token {
		return true
	}

	return false
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	if len(s.allowedOrigins) > 0 {
		if s.allowedOrigins[origin] {
			return true
		}
		if parsed, err := url.Parse(origin); err == nil && parsed.Host != "" {
			return s.allowedHosts[parsed.Host]
		}
		return false
	}

	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := parsed.Host
	if host == "" {
		return false
	}

	if host == r.Host {
		return true
	}

	if strings.HasPrefix(host, "localhost:") || host == "localhost" {
		return true
	}
	if strings.HasPrefix(host, "127.0.0.1:") || host == "127.0.0.1" {
		return true
	}
	if strings.HasPrefix(host, "[::1]:") || host == "::1" {
		return true
	}

	return false
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe() error {
	srv := &http.Server{
		Addr:              s.config.ListenAddr(),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info().Str("addr", srv.Addr).Msg("server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown logs a shutdown entry for every live session, closes the
// sessions, stops the HTTP listener and waits for session goroutines to
// finish. The shutdown entries are on disk before any session is closed.
func (s *Server) Shutdown(ctx context.Context, reason string) error {
	s.mu.Lock()
	s.closing = true
	srv := s.httpServer
	s.mu.Unlock()

	var errs []error
	if err := s.manager.Shutdown(ctx, reason); err != nil {
		errs = append(errs, err)
	}
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	}
	return errors.Join(errs...)
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
