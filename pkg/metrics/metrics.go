package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds Prometheus metrics collectors: the ambient HTTP
// request/error vectors plus the domain-specific gauges and counters the
// ingest pipeline and its components report.
type Collector struct {
	requestDuration prometheus.HistogramVec
	requestTotal    prometheus.CounterVec
	requestSize     prometheus.HistogramVec
	responseSize    prometheus.HistogramVec
	errorTotal      prometheus.CounterVec

	queueDepth       prometheus.Gauge
	queueDrops       prometheus.Counter
	cacheHits        prometheus.CounterVec
	cacheMisses      prometheus.CounterVec
	correlationFires prometheus.CounterVec
	suppressions     prometheus.Counter
	broadcastFails   prometheus.CounterVec
	ruleRefresh      prometheus.CounterVec
}

// NewCollector creates a new metrics collector and registers all series
// with the default Prometheus registry.
func NewCollector(serviceName string) *Collector {
	c := &Collector{
		requestDuration: *prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "method", "endpoint", "status_code"},
		),
		requestTotal: *prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "endpoint", "status_code"},
		),
		requestSize: *prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_size_bytes",
				Help:    "HTTP request sizes in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
			},
			[]string{"service", "method", "endpoint"},
		),
		responseSize: *prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_response_size_bytes",
				Help:    "HTTP response sizes in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
			},
			[]string{"service", "method", "endpoint", "status_code"},
		),
		errorTotal: *prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors by type",
			},
			[]string{"service", "type", "operation"},
		),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "castellan_ingest_queue_depth",
			Help: "Current number of RawEvents waiting in the ingest queue",
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castellan_ingest_queue_drops_total",
			Help: "Total RawEvents dropped by the drop-oldest queue policy",
		}),
		cacheHits: *prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_cache_hits_total",
				Help: "Total cache hits by cache name",
			},
			[]string{"cache"},
		),
		cacheMisses: *prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_cache_misses_total",
				Help: "Total cache misses by cache name",
			},
			[]string{"cache"},
		),
		correlationFires: *prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_correlation_fires_total",
				Help: "Total correlation detector fires by correlation type",
			},
			[]string{"type"},
		),
		suppressions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "castellan_ignore_suppressions_total",
			Help: "Total events suppressed by the sequential ignore-pattern filter",
		}),
		broadcastFails: *prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_broadcast_failures_total",
				Help: "Total live-broadcast failures by stream",
			},
			[]string{"stream"},
		),
		ruleRefresh: *prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "castellan_rule_refresh_total",
				Help: "Total rule refresh outcomes by source and result",
			},
			[]string{"source", "result"},
		),
	}

	prometheus.MustRegister(&c.requestDuration)
	prometheus.MustRegister(&c.requestTotal)
	prometheus.MustRegister(&c.requestSize)
	prometheus.MustRegister(&c.responseSize)
	prometheus.MustRegister(&c.errorTotal)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.queueDrops)
	prometheus.MustRegister(&c.cacheHits)
	prometheus.MustRegister(&c.cacheMisses)
	prometheus.MustRegister(&c.correlationFires)
	prometheus.MustRegister(c.suppressions)
	prometheus.MustRegister(&c.broadcastFails)
	prometheus.MustRegister(&c.ruleRefresh)

	return c
}

// RecordHTTPRequest records metrics for an HTTP request
func (c *Collector) RecordHTTPRequest(serviceName, method, endpoint string, statusCode int, duration time.Duration, requestSize, responseSize int64) {
	statusCodeStr := strconv.Itoa(statusCode)

	c.requestDuration.WithLabelValues(serviceName, method, endpoint, statusCodeStr).Observe(duration.Seconds())
	c.requestTotal.WithLabelValues(serviceName, method, endpoint, statusCodeStr).Inc()
	c.requestSize.WithLabelValues(serviceName, method, endpoint).Observe(float64(requestSize))
	c.responseSize.WithLabelValues(serviceName, method, endpoint, statusCodeStr).Observe(float64(responseSize))
}

// RecordError records an error metric
func (c *Collector) RecordError(serviceName, errorType, operation string) {
	c.errorTotal.WithLabelValues(serviceName, errorType, operation).Inc()
}

// SetQueueDepth reports the ingest queue's current length (C2).
func (c *Collector) SetQueueDepth(n int) { c.queueDepth.Set(float64(n)) }

// RecordQueueDrop increments the drop-oldest overflow counter (C2).
func (c *Collector) RecordQueueDrop() { c.queueDrops.Inc() }

// RecordCacheHit and RecordCacheMiss track the rule cache and threat-intel
// cache (C4/C9) by name.
func (c *Collector) RecordCacheHit(cache string)  { c.cacheHits.WithLabelValues(cache).Inc() }
func (c *Collector) RecordCacheMiss(cache string) { c.cacheMisses.WithLabelValues(cache).Inc() }

// RecordCorrelationFire tracks detector fires by correlation type (C5).
func (c *Collector) RecordCorrelationFire(correlationType string) {
	c.correlationFires.WithLabelValues(correlationType).Inc()
}

// RecordSuppression tracks ignore-pattern suppressions (C6).
func (c *Collector) RecordSuppression() { c.suppressions.Inc() }

// RecordBroadcastFailure tracks live fan-out failures by stream name (C7).
func (c *Collector) RecordBroadcastFailure(stream string) {
	c.broadcastFails.WithLabelValues(stream).Inc()
}

// RecordRuleRefresh tracks scheduler outcomes by source and result (C10).
func (c *Collector) RecordRuleRefresh(source, result string) {
	c.ruleRefresh.WithLabelValues(source, result).Inc()
}

// HandlerFunc returns a handler function for the /metrics endpoint
func HandlerFunc() gin.HandlerFunc {
	h := promhttp.Handler()
	return gin.WrapH(h)
}

// Middleware creates a Gin middleware for automatic metrics collection
func Middleware(serviceName string, collector *Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start)
		requestSize := calculateRequestSize(c.Request)
		responseSize := int64(c.Writer.Size())

		collector.RecordHTTPRequest(
			serviceName,
			c.Request.Method,
			c.FullPath(),
			c.Writer.Status(),
			duration,
			requestSize,
			responseSize,
		)
	}
}

// calculateRequestSize calculates the size of an HTTP request
func calculateRequestSize(r *http.Request) int64 {
	size := int64(0)
	if r.URL != nil {
		size += int64(len(r.URL.String()))
	}

	size += int64(len(r.Method))
	size += int64(len(r.Proto))

	for name, values := range r.Header {
		size += int64(len(name))
		for _, value := range values {
			size += int64(len(value))
		}
	}

	if r.ContentLength > 0 {
		size += r.ContentLength
	}

	return size
}
