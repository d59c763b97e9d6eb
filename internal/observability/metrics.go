package observability

import (
	"strconv"
	"time"

	"github.com/danmuck/ctxbus/internal/hub"
	"github.com/danmuck/ctxbus/internal/protocol"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the hub's prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	connections   *prometheus.GaugeVec
	routed        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	sessionsEnded prometheus.Counter
	terminated    prometheus.Counter
	ledger        prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

var _ hub.Observer = (*Metrics)(nil)

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "ctxbus",
				Subsystem: "hub",
				Name:      "connections",
				Help:      "Open connection records by context.",
			},
			[]string{"context"},
		),
		routed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctxbus",
				Subsystem: "hub",
				Name:      "routed_total",
				Help:      "Envelopes routed by the hub.",
			},
			[]string{"kind", "outcome"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctxbus",
				Subsystem: "hub",
				Name:      "notifications_total",
				Help:      "Status notifications sent to endpoints.",
			},
			[]string{"status"},
		),
		sessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ctxbus",
			Subsystem: "hub",
			Name:      "sessions_ended_total",
			Help:      "Connection sessions that ended.",
		}),
		terminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ctxbus",
			Subsystem: "hub",
			Name:      "terminated_receipts_total",
			Help:      "Ledger receipts dropped because their destination session ended.",
		}),
		ledger: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ctxbus",
			Subsystem: "hub",
			Name:      "ledger_receipts",
			Help:      "Routed requests waiting for a reply.",
		}),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ctxbus",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total admin HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ctxbus",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Admin HTTP request duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
	}
	m.registry.MustRegister(
		m.connections, m.routed, m.notifications, m.sessionsEnded,
		m.terminated, m.ledger, m.httpRequests, m.httpDuration,
	)
	return m
}

// Registry exposes the collectors for scraping.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ConnectionOpened(addr protocol.Address) {
	m.connections.WithLabelValues(string(addr.Context)).Inc()
}

func (m *Metrics) ConnectionClosed(addr protocol.Address) {
	m.connections.WithLabelValues(string(addr.Context)).Dec()
}

func (m *Metrics) Routed(kind protocol.Kind, outcome string) {
	m.routed.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) Notified(status string) {
	m.notifications.WithLabelValues(status).Inc()
}

func (m *Metrics) SessionEnded(terminated int) {
	m.sessionsEnded.Inc()
	m.terminated.Add(float64(terminated))
}

func (m *Metrics) LedgerSize(n int) {
	m.ledger.Set(float64(n))
}

func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusLabel := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	m.httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}
