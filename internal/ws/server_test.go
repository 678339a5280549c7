package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/session-tracker/backend/internal/config"
	"github.com/session-tracker/backend/internal/eventlog"
	"github.com/session-tracker/backend/internal/lifecycle"
	"github.com/session-tracker/backend/internal/protocol"
	"github.com/session-tracker/backend/internal/session"
)

type testEnv struct {
	srv      *httptest.Server
	server   *Server
	registry *session.Registry
	events   *eventlog.Log
}

func testConfig() *config.Config {
	return &config.Config{
		Transport: config.TransportConfig{
			PingInterval:    time.Second,
			PingTimeout:     5 * time.Second,
			WriteTimeout:    time.Second,
			SendBuffer:      16,
			MaxMessageBytes: 1 << 16,
		},
	}
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	events, err := eventlog.Open(filepath.Join(t.TempDir(), "events.log"), eventlog.WithDiagnostics(zerolog.Nop()))
	if err != nil {
		t.Fatal(err)
	}
	registry := session.NewRegistry()
	server := NewServer(cfg, lifecycle.NewManager(registry, events), registry, events)
	srv := httptest.NewServer(server.Routes())
	t.Cleanup(func() {
		srv.Close()
		events.Close()
	})
	return &testEnv{srv: srv, server: server, registry: registry, events: events}
}

func (e *testEnv) dial(t *testing.T, clientID string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	if clientID != "" {
		u += "?" + protocol.ClientIDParam + "=" + url.QueryEscape(clientID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func (e *testEnv) entries(t *testing.T) []eventlog.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.events.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	return e.events.ReadAll()
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	f, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return f
}

func readConnectionInfo(t *testing.T, conn *websocket.Conn) protocol.ConnectionInfo {
	t.Helper()
	f := readFrame(t, conn)
	if f.Event != protocol.EventConnectionInfo {
		t.Fatalf("first frame = %q, want connectionInfo", f.Event)
	}
	var info protocol.ConnectionInfo
	if err := f.Unmarshal(&info); err != nil {
		t.Fatal(err)
	}
	return info
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func entryKinds(entries []eventlog.Entry) []eventlog.Kind {
	out := make([]eventlog.Kind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

func TestConnectReceivesConnectionInfo(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client_abc123")
	defer conn.Close()

	info := readConnectionInfo(t, conn)
	if info.ClientID != "client_abc123" || info.ReconnectCount != 0 || info.SocketID == "" {
		t.Errorf("info = %+v", info)
	}
	if _, err := time.Parse(time.RFC3339Nano, info.ServerTime); err != nil {
		t.Errorf("ServerTime %q: %v", info.ServerTime, err)
	}
}

func TestAnonymousClientUsesSocketID(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "")
	defer conn.Close()

	info := readConnectionInfo(t, conn)
	if info.ClientID != info.SocketID {
		t.Errorf("anonymous ClientID = %q, want socket id %q", info.ClientID, info.SocketID)
	}
}

func TestMessageEcho(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client_abc123")
	defer conn.Close()
	readConnectionInfo(t, conn)

	data, _ := protocol.Encode(protocol.EventMessage, "ping")
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	reply := readFrame(t, conn)
	if reply.Event != protocol.EventMessage {
		t.Fatalf("reply event = %q", reply.Event)
	}
	if got := reply.Text(); got != protocol.ReceiptPrefix+"ping" {
		t.Errorf("reply = %q", got)
	}

	entries := env.entries(t)
	if len(entries) != 2 || entries[1].Kind != eventlog.KindMessage || entries[1].Payload["message"] != "ping" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestReconnectScenario(t *testing.T) {
	env := newTestEnv(t, nil)

	first := env.dial(t, "client_abc123")
	info := readConnectionInfo(t, first)
	if info.ReconnectCount != 0 {
		t.Fatalf("first ReconnectCount = %d", info.ReconnectCount)
	}
	// Drop the TCP connection without a close handshake.
	first.UnderlyingConn().Close()
	waitFor(t, "disconnect", func() bool {
		rec, ok := env.registry.Lookup("client_abc123")
		return ok && !rec.Connected
	})

	second := env.dial(t, "client_abc123")
	defer second.Close()
	info = readConnectionInfo(t, second)
	if info.ReconnectCount != 1 {
		t.Errorf("second ReconnectCount = %d, want 1", info.ReconnectCount)
	}

	entries := env.entries(t)
	want := []eventlog.Kind{eventlog.KindConnection, eventlog.KindDisconnection, eventlog.KindConnection}
	got := entryKinds(entries)
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if r := entries[1].Payload["reason"]; r != "transport close" && r != "transport error" {
		t.Errorf("disconnect reason = %v", r)
	}
}

func TestPeerDiagnosticFrames(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "c1")
	defer conn.Close()
	readConnectionInfo(t, conn)

	frames := []struct {
		event string
		data  any
	}{
		{protocol.EventReconnect, 3},
		{protocol.EventReconnectAttempt, 4},
		{protocol.EventReconnectError, "timeout"},
		{protocol.EventReconnectFailed, nil},
		{protocol.EventError, "boom"},
	}
	for _, f := range frames {
		data, _ := protocol.Encode(f.event, f.data)
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			t.Fatal(err)
		}
	}
	// A malformed frame becomes an error entry.
	conn.WriteMessage(websocket.TextMessage, []byte("not json"))

	var entries []eventlog.Entry
	waitFor(t, "diagnostic entries", func() bool {
		entries = env.entries(t)
		return len(entries) == 7
	})
	want := []eventlog.Kind{
		eventlog.KindConnection,
		eventlog.KindReconnectSuccess,
		eventlog.KindReconnectAttempt,
		eventlog.KindReconnectError,
		eventlog.KindReconnectFailed,
		eventlog.KindError,
		eventlog.KindError,
	}
	if got := entryKinds(entries); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}

	rec, _ := env.registry.Lookup("c1")
	if rec.ReconnectCount != 0 {
		t.Errorf("diagnostic frames changed ReconnectCount to %d", rec.ReconnectCount)
	}
}

func TestLogsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.srv.URL + "/api/logs")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("empty log body = %q, want []", body)
	}

	conn := env.dial(t, "client_abc123")
	readConnectionInfo(t, conn)
	conn.Close()
	env.entries(t)

	resp, err = http.Get(env.srv.URL + "/api/logs")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var got []eventlog.Entry
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].Kind != eventlog.KindConnection || got[0].Payload["clientId"] != "client_abc123" {
		t.Fatalf("logs = %+v", got)
	}
	if got[0].Timestamp.IsZero() {
		t.Error("timestamp not decoded")
	}
}

func TestSessionsEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client_abc123")
	defer conn.Close()
	readConnectionInfo(t, conn)

	resp, err := http.Get(env.srv.URL + "/api/sessions/client_abc123")
	if err != nil {
		t.Fatal(err)
	}
	var rec session.Record
	json.NewDecoder(resp.Body).Decode(&rec)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || rec.ClientID != "client_abc123" || !rec.Connected {
		t.Errorf("status %d record %+v", resp.StatusCode, rec)
	}

	resp, err = http.Get(env.srv.URL + "/api/sessions/nobody")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(env.srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var all []session.Record
	json.NewDecoder(resp.Body).Decode(&all)
	resp.Body.Close()
	if len(all) != 1 {
		t.Errorf("sessions = %+v", all)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.srv.URL + "/api/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.Process.PID == 0 {
		t.Errorf("health = %+v", h)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.Server.AuthToken = "secret"
	env := newTestEnv(t, cfg)

	tests := []struct {
		name   string
		mutate func(*http.Request)
		want   int
	}{
		{"none", func(*http.Request) {}, http.StatusUnauthorized},
		{"wrong", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, http.StatusUnauthorized},
		{"bearer", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret") }, http.StatusOK},
		{"header", func(r *http.Request) { r.Header.Set("X-Session-Tracker-Token", "secret") }, http.StatusOK},
		{"query", func(r *http.Request) { r.URL.RawQuery = "token=secret" }, http.StatusOK},
	}
	for _, tt := range tests {
		req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/logs", nil)
		tt.mutate(req)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status %d, want %d", tt.name, resp.StatusCode, tt.want)
		}
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, "client_abc123")
	defer conn.Close()
	readConnectionInfo(t, conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.server.Shutdown(ctx, "Process interrupted"); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("client read after shutdown = %v, want going-away close", err)
	}

	entries := env.entries(t)
	want := []eventlog.Kind{eventlog.KindConnection, eventlog.KindShutdown, eventlog.KindDisconnection}
	if got := entryKinds(entries); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if entries[2].Payload["reason"] != "server shutting down" {
		t.Errorf("disconnect reason = %v", entries[2].Payload["reason"])
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin", nil, "", "example.com", true},
		{"same host", nil, "http://example.com", "example.com", true},
		{"localhost", nil, "http://localhost:5173", "example.com", true},
		{"loopback v4", nil, "http://127.0.0.1:8080", "example.com", true},
		{"loopback v6", nil, "http://[::1]:8080", "example.com", true},
		{"foreign", nil, "http://evil.com", "example.com", false},
		{"allowlisted", []string{"https://app.example.com"}, "https://app.example.com", "api.example.com", true},
		{"allowlisted host other scheme", []string{"https://app.example.com"}, "http://app.example.com", "api.example.com", true},
		{"not allowlisted", []string{"https://app.example.com"}, "http://localhost:3000", "api.example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Server.AllowedOrigins = tt.allowed
			s := NewServer(cfg, nil, nil, nil)
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestDisconnectReason(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		byServer bool
		want     string
	}{
		{"server close", io.EOF, true, "server shutting down"},
		{"timeout", fmt.Errorf("read: %w", timeoutErr{}), false, "ping timeout"},
		{"normal close", &websocket.CloseError{Code: websocket.CloseNormalClosure}, false, "client namespace disconnect"},
		{"going away", &websocket.CloseError{Code: websocket.CloseGoingAway}, false, "client namespace disconnect"},
		{"abnormal", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, false, "transport close"},
		{"eof", io.ErrUnexpectedEOF, false, "transport close"},
		{"other", errors.New("boom"), false, "transport error"},
	}
	for _, tt := range tests {
		if got := disconnectReason(tt.err, tt.byServer); got != tt.want {
			t.Errorf("%s: disconnectReason = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestRemoteHost(t *testing.T) {
	if got := remoteHost("10.1.2.3:5555"); got != "10.1.2.3" {
		t.Errorf("remoteHost = %q", got)
	}
	if got := remoteHost("not-an-addr"); got != "not-an-addr" {
		t.Errorf("remoteHost fallback = %q", got)
	}
}

func TestSessionsPrivacyFilter(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Privacy = config.PrivacyConfig{
		MaskRemoteAddrs: true,
		BlockedClients:  []string{"internal_*"},
	}
	env := newTestEnv(t, cfg)

	for _, id := range []string{"client_abc123", "internal_1"} {
		conn := env.dial(t, id)
		defer conn.Close()
		readConnectionInfo(t, conn)
	}

	resp, err := http.Get(env.srv.URL + "/api/sessions")
	if err != nil {
		t.Fatal(err)
	}
	var all []session.Record
	json.NewDecoder(resp.Body).Decode(&all)
	resp.Body.Close()
	if len(all) != 1 || all[0].ClientID != "client_abc123" {
		t.Fatalf("sessions = %+v", all)
	}
	if all[0].RemoteAddr != "127.0.0.0" {
		t.Errorf("RemoteAddr = %q, want masked", all[0].RemoteAddr)
	}

	resp, err = http.Get(env.srv.URL + "/api/sessions/internal_1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("blocked session status = %d, want 404", resp.StatusCode)
	}

	// The event log keeps the unmasked address.
	for _, e := range env.entries(t) {
		if e.Payload["clientIp"] != "127.0.0.1" {
			t.Errorf("logged clientIp = %v", e.Payload["clientIp"])
		}
	}
}
