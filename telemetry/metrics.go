// Package telemetry exposes Prometheus metrics for a relay server. Mount
// Handler on /metrics and wrap HTTP endpoints with Instrument.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"op", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "request_duration_seconds",
			Help:      "Latency of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 13),
		},
		[]string{"op"},
	)

	MessagesPublished = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_published_total",
			Help:      "Messages published through this instance.",
		},
	)

	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_delivered_total",
			Help:      "Message payloads written to clients.",
		},
	)

	MessagesDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "messages_dropped_total",
			Help:      "Messages scanned but left out of response cycles (commands and exclusion filtering).",
		},
	)

	EncodeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "encode_duration_seconds",
			Help:      "Latency of response envelope encoding.",
			Buckets:   prometheus.ExponentialBuckets(0.000001, 4, 10),
		},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(RequestsTotal, RequestDuration, MessagesPublished,
		MessagesDelivered, MessagesDropped, EncodeDuration, uptime)
}

// Handler exposes /metrics for the package registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// TrackConnections registers a gauge fed by f, typically the hub's live
// connection count.
func TrackConnections(f func() float64) {
	Registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "connections",
			Help:      "Currently connected clients.",
		},
		f,
	))
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Instrument wraps an http.Handler to record request metrics under the
// provided "op" label.
func Instrument(op string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: 200}
		start := time.Now()

		next.ServeHTTP(sw, r)

		class := strconv.Itoa(sw.status/100) + "xx"
		RequestsTotal.WithLabelValues(op, class).Inc()
		RequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	})
}
