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

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter

	// DBPoolOpenConnections tracks the number of currently open database connections.
	DBPoolOpenConnections prometheus.Gauge

	// DBPoolMaxConnections tracks the configured maximum database connections.
	DBPoolMaxConnections prometheus.Gauge

	// EventsPublishedTotal counts events handed to the event bus, by topic.
	EventsPublishedTotal *prometheus.CounterVec
	// EventsDeliveredTotal counts events written to subscribers, by topic.
	EventsDeliveredTotal *prometheus.CounterVec
	// EventsDroppedTotal counts events discarded for a subscriber whose buffer was full, by topic.
	EventsDroppedTotal *prometheus.CounterVec
	// EventsFilteredTotal counts events withheld from a subscriber by its filter, by topic.
	EventsFilteredTotal *prometheus.CounterVec
	// ActiveSubscriptions tracks open GraphQL subscriptions, by topic.
	ActiveSubscriptions *prometheus.GaugeVec
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
			Name: "blog_service_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blog_service_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blog_service_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "blog_service_cache_hits_total",
		Help: "Total cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "blog_service_cache_misses_total",
		Help: "Total cache misses",
	})

	DBPoolOpenConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "blog_service_db_pool_open_connections",
		Help: "Number of open database connections",
	})

	DBPoolMaxConnections = f.NewGauge(prometheus.GaugeOpts{
		Name: "blog_service_db_pool_max_connections",
		Help: "Maximum number of database connections",
	})

	EventsPublishedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "blog_service_events_published_total",
		Help: "Total events published to the event bus",
	}, []string{"topic"})

	EventsDeliveredTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "blog_service_events_delivered_total",
		Help: "Total events delivered to subscribers",
	}, []string{"topic"})

	EventsDroppedTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "blog_service_events_dropped_total",
		Help: "Total events dropped for slow subscribers",
	}, []string{"topic"})

	EventsFilteredTotal = f.NewCounterVec(prometheus.CounterOpts{
		Name: "blog_service_events_filtered_total",
		Help: "Total events withheld from subscribers by authorization filters",
	}, []string{"topic"})

	ActiveSubscriptions = f.NewGaugeVec(prometheus.GaugeOpts{
		Name: "blog_service_active_subscriptions",
		Help: "Number of open GraphQL subscriptions",
	}, []string{"topic"})
}

// CountEvent increments counter for topic when metrics are initialized.
func CountEvent(counter *prometheus.CounterVec, topic string) {
	if counter != nil {
		counter.WithLabelValues(topic).Inc()
	}
}

// TrackSubscription adjusts ActiveSubscriptions for topic by delta when metrics are initialized.
func TrackSubscription(topic string, delta float64) {
	if ActiveSubscriptions != nil {
		ActiveSubscriptions.WithLabelValues(topic).Add(delta)
	}
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
