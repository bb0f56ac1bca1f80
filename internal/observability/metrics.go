package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnbot",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lnbot",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnbot",
			Subsystem: "propagation",
			Name:      "deliveries_total",
			Help:      "Command delivery attempts per peer by outcome.",
		},
		[]string{"node", "outcome"},
	)
	received = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnbot",
			Subsystem: "propagation",
			Name:      "received_total",
			Help:      "Commands extracted from settled payments.",
		},
		[]string{"node"},
	)
	globalDelivered = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "lnbot",
			Subsystem: "propagation",
			Name:      "global_delivered",
			Help:      "Counters confirmed delivered to every tracked peer.",
		},
		[]string{"node"},
	)
	channelEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnbot",
			Subsystem: "channels",
			Name:      "events_total",
			Help:      "Channel lifecycle events (fund, normal, force_close, evict, adopt, rebalance).",
		},
		[]string{"node", "event"},
	)
	telemetryWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lnbot",
			Subsystem: "telemetry",
			Name:      "writes_total",
			Help:      "Status snapshot writes by result.",
		},
		[]string{"node", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			deliveries,
			received,
			globalDelivered,
			channelEvents,
			telemetryWrites,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

// RecordDelivery counts one per-peer delivery outcome: sent, skipped or failed.
func RecordDelivery(node, outcome string) {
	RegisterMetrics()
	deliveries.WithLabelValues(node, outcome).Inc()
}

func RecordReceived(node string, n int) {
	RegisterMetrics()
	received.WithLabelValues(node).Add(float64(n))
}

func SetGlobalDelivered(node string, n int) {
	RegisterMetrics()
	globalDelivered.WithLabelValues(node).Set(float64(n))
}

func RecordChannelEvent(node, event string) {
	RegisterMetrics()
	channelEvents.WithLabelValues(node, event).Inc()
}

func RecordTelemetryWrite(node string, ok bool) {
	RegisterMetrics()
	result := "ok"
	if !ok {
		result = "rejected"
	}
	telemetryWrites.WithLabelValues(node, result).Inc()
}
