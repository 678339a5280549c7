package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "session_tracker",
			Subsystem: "lifecycle",
			Name:      "notifications_total",
			Help:      "Transport notifications handled, by side and kind.",
		},
		[]string{"side", "kind"},
	)
	connectedSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "session_tracker",
			Subsystem: "lifecycle",
			Name:      "connected_sessions",
			Help:      "Transport sessions currently connected to the server.",
		},
	)
	reconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "session_tracker",
			Subsystem: "registry",
			Name:      "reconnects_total",
			Help:      "Connections established for an already known client id.",
		},
	)
	eventsAppended = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "session_tracker",
			Subsystem: "eventlog",
			Name:      "appended_total",
			Help:      "Event log entries accepted for writing, by event kind.",
		},
		[]string{"event"},
	)
	eventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "session_tracker",
			Subsystem: "eventlog",
			Name:      "dropped_total",
			Help:      "Event log entries dropped because the queue was full or closed.",
		},
	)
	writeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "session_tracker",
			Subsystem: "eventlog",
			Name:      "write_errors_total",
			Help:      "Event log entries that failed to reach the log file.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(notifications, connectedSessions, reconnects, eventsAppended, eventsDropped, writeErrors)
	})
}

// MetricsHandler serves the default prometheus registry.
func MetricsHandler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordNotification(side, kind string) {
	RegisterMetrics()
	notifications.WithLabelValues(side, kind).Inc()
}

func SetConnectedSessions(n int) {
	RegisterMetrics()
	connectedSessions.Set(float64(n))
}

func RecordReconnect() {
	RegisterMetrics()
	reconnects.Inc()
}

func RecordEventAppended(kind string) {
	RegisterMetrics()
	eventsAppended.WithLabelValues(kind).Inc()
}

func RecordEventDropped() {
	RegisterMetrics()
	eventsDropped.Inc()
}

func RecordWriteError() {
	RegisterMetrics()
	writeErrors.Inc()
}
