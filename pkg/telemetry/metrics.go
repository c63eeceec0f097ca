package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatsync/pkg/logger"
)

var (
	// SubscriptionsActive tracks currently open live subscriptions.
	SubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsync",
		Name:      "subscriptions_active",
		Help:      "Number of live snapshot subscriptions currently open.",
	})

	// SnapshotsDelivered counts snapshot deliveries by collection kind.
	SnapshotsDelivered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "snapshots_delivered_total",
		Help:      "Total snapshot deliveries pushed to subscribers.",
	}, []string{"collection"})

	// AppendsTotal counts message appends by outcome.
	AppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "message_appends_total",
		Help:      "Total message append attempts.",
	}, []string{"outcome"})

	// DecodeDrops counts records silently dropped from snapshots because
	// they failed to decode.
	DecodeDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatsync",
		Name:      "decode_drops_total",
		Help:      "Stored records dropped from snapshots due to decode failure.",
	})

	// WSClients tracks connected live-sync websocket clients.
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatsync",
		Name:      "ws_clients",
		Help:      "Connected websocket sync clients.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "chatsync",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})
)

// Handler returns the /metrics endpoint handler.
func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request latency and logs slow requests.
func Middleware(next http.Handler) http.Handler {
	const slowThreshold = 200 * time.Millisecond
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		d := time.Since(start)
		httpDuration.WithLabelValues(r.Method).Observe(d.Seconds())
		if d > slowThreshold {
			logger.Warn("slow_request", "method", r.Method, "path", r.URL.Path, "duration_ms", d.Milliseconds())
		}
	})
}
