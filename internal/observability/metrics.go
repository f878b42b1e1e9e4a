package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveWatchers    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	TaskOutcomes      *prometheus.CounterVec
	StreamEvents      *prometheus.CounterVec
	BroadcastMessages *prometheus.CounterVec
	WSWriteErrors     *prometheus.CounterVec
	TurnDuration      prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveWatchers: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_watchers",
			Help:      "Number of live connection-to-session subscriptions.",
		}),
		SessionEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		TaskOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_outcomes_total",
			Help:      "Terminal task transitions by outcome.",
		}, []string{"outcome"}),
		StreamEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_events_total",
			Help:      "Remote agent stream events by type.",
		}, []string{"type"}),
		BroadcastMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_messages_total",
			Help:      "Messages broadcast to watchers by type.",
		}, []string{"type"}),
		WSWriteErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_write_errors_total",
			Help:      "WebSocket write failures by cause.",
		}, []string{"cause"}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of one agent invocation from start to terminal status.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),
	}
}

func (m *Metrics) ObserveTurnDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Observe(d.Seconds())
}

func (m *Metrics) ObserveTaskOutcome(outcome string) {
	if m == nil {
		return
	}
	m.TaskOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveBroadcast(messageType string) {
	if m == nil {
		return
	}
	m.BroadcastMessages.WithLabelValues(messageType).Inc()
}

func (m *Metrics) ObserveStreamEvent(eventType string) {
	if m == nil {
		return
	}
	m.StreamEvents.WithLabelValues(eventType).Inc()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
