package observability

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		raw  string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"DEBUG", zerolog.DebugLevel},
		{" warn ", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"info", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.raw); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}

func TestInitLoggerFiltersLevelAndTagsApp(t *testing.T) {
	var buf bytes.Buffer
	logger := initLogger(&buf, "session-tracker", "warn")

	logger.Info().Msg("hidden")
	wsLogger := Component("ws")
	wsLogger.Warn().Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info line written at warn level: %q", out)
	}
	if !strings.Contains(out, "visible") || !strings.Contains(out, "session-tracker") || !strings.Contains(out, "ws") {
		t.Errorf("output = %q", out)
	}
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	RecordNotification("server", "connect")
	RecordEventAppended("connection")
	SetConnectedSessions(2)

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"session_tracker_lifecycle_notifications_total",
		"session_tracker_lifecycle_connected_sessions 2",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestCurrentProcessStats(t *testing.T) {
	stats, err := CurrentProcessStats(time.Now().Add(-time.Minute))
	if stats.PID == 0 || stats.Goroutines == 0 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.UptimeSec < 59 {
		t.Errorf("UptimeSec = %v", stats.UptimeSec)
	}
	if err == nil && stats.RSSBytes == 0 {
		t.Errorf("RSSBytes = 0 with no error")
	}
}
