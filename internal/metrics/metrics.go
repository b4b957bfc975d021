package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus instruments for the relay core.
type Metrics struct {
	// Stream metrics
	ActiveStreams  prometheus.Gauge
	StreamsStarted prometheus.Counter
	StreamsStopped prometheus.Counter

	// Subscriber metrics
	ActiveSubscribers *prometheus.GaugeVec

	// Registry metrics
	ClaimsAcquired  prometheus.Counter
	ClaimConflicts  prometheus.Counter
	HeartbeatErrors prometheus.Counter

	// Pull stream metrics
	ActivePulls  prometheus.Gauge
	PullsStarted prometheus.Counter

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
}

// New creates and registers all metrics.
func New() *Metrics {
	return &Metrics{
		ActiveStreams: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synctv_relay_active_streams",
			Help: "Number of streams currently materialised on this node",
		}),
		StreamsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synctv_relay_streams_started_total",
			Help: "Total streams published or pulled",
		}),
		StreamsStopped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synctv_relay_streams_stopped_total",
			Help: "Total streams unpublished",
		}),
		ActiveSubscribers: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "synctv_relay_active_subscribers",
				Help: "Subscribers attached to local streams",
			},
			[]string{"type"},
		),
		ClaimsAcquired: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synctv_relay_publisher_claims_total",
			Help: "Distributed publisher claims acquired",
		}),
		ClaimConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synctv_relay_publisher_conflicts_total",
			Help: "Publisher claims refused because another node holds the key",
		}),
		HeartbeatErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synctv_relay_heartbeat_errors_total",
			Help: "Registry heartbeat failures",
		}),
		ActivePulls: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "synctv_relay_active_pulls",
			Help: "Cross-node pull streams currently open",
		}),
		PullsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "synctv_relay_pulls_started_total",
			Help: "Cross-node pull streams opened",
		}),
		HTTPRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "synctv_relay_http_requests_total",
				Help: "HTTP requests by handler and status",
			},
			[]string{"handler", "status"},
		),
	}
}

// RecordStreamStart records a stream going live on this node.
func (m *Metrics) RecordStreamStart() {
	m.ActiveStreams.Inc()
	m.StreamsStarted.Inc()
}

// RecordStreamStop records a stream teardown.
func (m *Metrics) RecordStreamStop() {
	m.ActiveStreams.Dec()
	m.StreamsStopped.Inc()
}

// RecordSubscribe records a subscriber attach.
func (m *Metrics) RecordSubscribe(subscriberType string) {
	m.ActiveSubscribers.WithLabelValues(subscriberType).Inc()
}

// RecordUnsubscribe records a subscriber detach.
func (m *Metrics) RecordUnsubscribe(subscriberType string) {
	m.ActiveSubscribers.WithLabelValues(subscriberType).Dec()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(handler string, status int) {
	m.HTTPRequests.WithLabelValues(handler, statusClass(status)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
