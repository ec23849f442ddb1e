package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency can be used by store implementations to record operation latency.
	StoreLatency *prometheus.HistogramVec

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	// RealtimeConnections is the number of open websocket connections.
	RealtimeConnections prometheus.Gauge

	// RealtimeEventsTotal counts events delivered to connections, by event type.
	RealtimeEventsTotal *prometheus.CounterVec

	// RealtimeDeliveryFailuresTotal counts sends that a connection refused.
	RealtimeDeliveryFailuresTotal prometheus.Counter

	// RealtimeDroppedTotal counts inbound operations dropped, by reason.
	RealtimeDroppedTotal *prometheus.CounterVec

	// NotificationsTotal counts notification bridge calls, by outcome.
	NotificationsTotal *prometheus.CounterVec

	// IdentityCacheHitsTotal and IdentityCacheMissesTotal track token resolution caching.
	IdentityCacheHitsTotal   prometheus.Counter
	IdentityCacheMissesTotal prometheus.Counter
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Must be called before starting the HTTP server or any store/cache initialization
// that records metrics. Safe to call multiple times; only the first call registers.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_service_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	RealtimeConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "chat_service_realtime_connections",
		Help: "Number of open websocket connections",
	})

	RealtimeEventsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_realtime_events_total",
			Help: "Total realtime events delivered to connections",
		},
		[]string{"type"},
	)

	RealtimeDeliveryFailuresTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_service_realtime_delivery_failures_total",
		Help: "Total realtime sends refused by a connection",
	})

	RealtimeDroppedTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_realtime_dropped_total",
			Help: "Total inbound realtime operations dropped",
		},
		[]string{"operation", "reason"},
	)

	NotificationsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_service_notifications_total",
			Help: "Total message notifications handed to the notification bridge",
		},
		[]string{"outcome"},
	)

	IdentityCacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_service_identity_cache_hits_total",
		Help: "Total identity cache hits",
	})

	IdentityCacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "chat_service_identity_cache_misses_total",
		Help: "Total identity cache misses",
	})
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}

// CountRealtimeEvent records a delivered realtime event.
func CountRealtimeEvent(eventType string) {
	if RealtimeEventsTotal != nil {
		RealtimeEventsTotal.WithLabelValues(eventType).Inc()
	}
}

// CountRealtimeDeliveryFailure records a send refused by a connection.
func CountRealtimeDeliveryFailure() {
	if RealtimeDeliveryFailuresTotal != nil {
		RealtimeDeliveryFailuresTotal.Inc()
	}
}

// CountRealtimeDropped records an inbound operation that was dropped.
func CountRealtimeDropped(operation, reason string) {
	if RealtimeDroppedTotal != nil {
		RealtimeDroppedTotal.WithLabelValues(operation, reason).Inc()
	}
}

// AddRealtimeConnections adjusts the open connection gauge by delta.
func AddRealtimeConnections(delta float64) {
	if RealtimeConnections != nil {
		RealtimeConnections.Add(delta)
	}
}

// CountNotification records the outcome of a notification bridge call.
func CountNotification(outcome string) {
	if NotificationsTotal != nil {
		NotificationsTotal.WithLabelValues(outcome).Inc()
	}
}
