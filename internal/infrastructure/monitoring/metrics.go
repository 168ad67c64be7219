package monitoring

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the daemon.
type Metrics struct {
	// Session metrics
	SessionsActive  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsEnded   *prometheus.CounterVec // label: status

	// Worker metrics
	WorkersActive  prometheus.Gauge
	WorkersSpawned prometheus.Counter

	// Dispatch metrics
	EventsTotal      *prometheus.CounterVec // label: type
	DispatchDuration prometheus.Histogram
	DroppedLines     prometheus.Counter

	// Queue / approval metrics
	QueueDepth       prometheus.Gauge
	PendingApprovals prometheus.Gauge

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// WebSocket metrics
	WSConnections prometheus.Gauge
}

// NewMetrics creates and registers all collectors on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all collectors on reg. Tests pass a fresh
// registry to avoid duplicate-registration panics.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_sessions_active",
			Help: "Number of sessions currently in the running state",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentdeck_sessions_started_total",
			Help: "Total number of session starts (including resumes)",
		}),
		SessionsEnded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_sessions_ended_total",
			Help: "Total number of sessions reaching a terminal status",
		}, []string{"status"}),
		WorkersActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_workers_active",
			Help: "Number of live worker processes",
		}),
		WorkersSpawned: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentdeck_workers_spawned_total",
			Help: "Total number of worker processes spawned",
		}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_events_total",
			Help: "Total worker events dispatched, by event type",
		}, []string{"type"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentdeck_dispatch_duration_seconds",
			Help:    "Time spent applying one worker event to the stores",
			Buckets: prometheus.ExponentialBuckets(0.00001, 10, 6),
		}),
		DroppedLines: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentdeck_protocol_dropped_lines_total",
			Help: "Malformed worker stdout lines logged and skipped",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_queued_messages",
			Help: "Follow-up messages waiting in host-side queues",
		}),
		PendingApprovals: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_pending_approvals",
			Help: "Tool approval requests awaiting an operator decision",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentdeck_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentdeck_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		WSConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentdeck_ws_connections",
			Help: "Open agent-event WebSocket connections",
		}),
	}
}

// GinMiddleware records request count and latency per route.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		m.RequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.RequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// ObserveDispatch times one dispatcher apply. Call the returned func when
// the event has been applied.
func (m *Metrics) ObserveDispatch(eventType string) func() {
	start := time.Now()
	m.EventsTotal.WithLabelValues(eventType).Inc()
	return func() {
		m.DispatchDuration.Observe(time.Since(start).Seconds())
	}
}
