package observability

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/danmuck/blocksync/internal/blocks"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blocksync",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	feedEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "feed",
			Name:      "events_total",
			Help:      "Change-feed events by outcome (applied, skipped, bad).",
		},
		[]string{"collection", "kind", "outcome"},
	)
	feedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Change-feed reconnect attempts.",
		},
		[]string{"collection", "success"},
	)
	remoteOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "remote",
			Name:      "operations_total",
			Help:      "Persistence API calls by outcome.",
		},
		[]string{"collection", "op", "outcome"},
	)
	remoteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "blocksync",
			Subsystem: "remote",
			Name:      "operation_duration_seconds",
			Help:      "Persistence API call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"collection", "op"},
	)
	mirroredEntities = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blocksync",
			Subsystem: "mirror",
			Name:      "entities",
			Help:      "Entities currently held per mirrored scope.",
		},
		[]string{"collection", "scope"},
	)
	watchDrops = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "blocksync",
			Subsystem: "mirror",
			Name:      "watch_dropped_total",
			Help:      "Change notifications dropped because a watcher was full.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests, httpDuration,
			feedEvents, feedReconnects,
			remoteOps, remoteDuration,
			mirroredEntities, watchDrops,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFeedEvent(collection, kind, outcome string) {
	RegisterMetrics()
	feedEvents.WithLabelValues(collection, kind, outcome).Inc()
}

func RecordFeedReconnect(collection string, success bool) {
	RegisterMetrics()
	feedReconnects.WithLabelValues(collection, strconv.FormatBool(success)).Inc()
}

func RecordRemoteOp(collection, op string, err error, duration time.Duration) {
	RegisterMetrics()
	remoteOps.WithLabelValues(collection, op, OutcomeLabel(err)).Inc()
	remoteDuration.WithLabelValues(collection, op).Observe(duration.Seconds())
}

func SetMirroredEntities(collection, scope string, n int) {
	RegisterMetrics()
	mirroredEntities.WithLabelValues(collection, scope).Set(float64(n))
}

func ForgetScope(collection, scope string) {
	RegisterMetrics()
	mirroredEntities.DeleteLabelValues(collection, scope)
}

func RecordWatchDrop() {
	RegisterMetrics()
	watchDrops.Inc()
}

// OutcomeLabel maps an error onto a bounded label set.
func OutcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, blocks.ErrNotFound):
		return "not_found"
	case errors.Is(err, blocks.ErrConflict):
		return "conflict"
	case errors.Is(err, blocks.ErrTransport):
		return "transport"
	default:
		return "error"
	}
}
