package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"

	"github.com/edgecomet/solver-gateway/internal/gateway/limiter"
)

const subsystem = "gw"

// Collector records gateway metrics into its own Prometheus registry
type Collector struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	cacheHitsTotal   *prometheus.CounterVec
	cacheMissesTotal *prometheus.CounterVec
	cacheEntries     prometheus.Gauge

	backendCallsTotal   *prometheus.CounterVec
	backendCallDuration *prometheus.HistogramVec
	instanceHealthy     *prometheus.GaugeVec

	activeSessions         *prometheus.GaugeVec
	sessionsCreatedTotal   *prometheus.CounterVec
	sessionsDestroyedTotal *prometheus.CounterVec

	challengesTotal *prometheus.CounterVec
	challengePolls  prometheus.Histogram

	cleanupRunsTotal    *prometheus.CounterVec
	cleanupEvictedTotal *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec

	registry    *prometheus.Registry
	logger      *zap.Logger
	httpHandler fasthttp.RequestHandler
}

func NewCollector(namespace string, logger *zap.Logger) *Collector {
	return NewCollectorWithRegistry(namespace, prometheus.NewRegistry(), logger)
}

// NewCollectorWithRegistry registers every metric with registry
func NewCollectorWithRegistry(namespace string, registry *prometheus.Registry, logger *zap.Logger) *Collector {
	c := &Collector{
		registry: registry,
		logger:   logger,
	}

	c.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total number of commands handled",
		},
		[]string{"command", "status"},
	)

	c.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Time taken to handle a command, including queueing",
			Buckets:   []float64{0.01, 0.1, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"command", "status"},
	)

	c.cacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits by fingerprint class",
		},
		[]string{"class"},
	)

	c.cacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses by fingerprint class",
		},
		[]string{"class"},
	)

	c.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cache_entries",
			Help:      "Live cache entries after the last cleanup run",
		},
	)

	c.backendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backend_calls_total",
			Help:      "Total number of backend calls by instance and outcome",
		},
		[]string{"instance", "outcome"},
	)

	c.backendCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "backend_call_duration_seconds",
			Help:      "Time taken by backend instances to answer",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
		},
		[]string{"instance"},
	)

	c.instanceHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "instance_healthy",
			Help:      "1 when the last health probe of the instance succeeded",
		},
		[]string{"instance"},
	)

	c.activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_sessions",
			Help:      "Sessions currently registered per instance",
		},
		[]string{"instance"},
	)

	c.sessionsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		},
		[]string{"instance"},
	)

	c.sessionsDestroyedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sessions_destroyed_total",
			Help:      "Total number of sessions destroyed by reason",
		},
		[]string{"instance", "reason"},
	)

	c.challengesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "challenges_total",
			Help:      "Challenge resolutions by terminal state",
		},
		[]string{"state", "escalated"},
	)

	c.challengePolls = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "challenge_polls",
			Help:      "Recheck ticks needed per challenge resolution",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	c.cleanupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cleanup_runs_total",
			Help:      "Total number of cleanup runs by kind",
		},
		[]string{"kind"}, // kind: periodic, manual, reset
	)

	c.cleanupEvictedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "cleanup_removed_total",
			Help:      "Total number of items removed by cleanup",
		},
		[]string{"item"}, // item: session, cache_entry
	)

	c.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "errors_total",
			Help:      "Total number of failed commands by error type",
		},
		[]string{"error_type"},
	)

	registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.cacheHitsTotal,
		c.cacheMissesTotal,
		c.cacheEntries,
		c.backendCallsTotal,
		c.backendCallDuration,
		c.instanceHealthy,
		c.activeSessions,
		c.sessionsCreatedTotal,
		c.sessionsDestroyedTotal,
		c.challengesTotal,
		c.challengePolls,
		c.cleanupRunsTotal,
		c.cleanupEvictedTotal,
		c.errorsTotal,
	)

	c.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	logger.Debug("Prometheus metrics initialized")
	return c
}

// RegisterLimiter exposes limiter stats as gauges read at scrape time
func (c *Collector) RegisterLimiter(namespace string, stats func() limiter.Stats) {
	gauge := func(name, help string, value func(limiter.Stats) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      name,
				Help:      help,
			},
			func() float64 { return value(stats()) },
		)
	}

	c.registry.MustRegister(
		gauge("limiter_in_flight", "Backend calls currently admitted", func(s limiter.Stats) float64 { return float64(s.InFlight) }),
		gauge("limiter_queued", "Backend calls waiting for admission", func(s limiter.Stats) float64 { return float64(s.Queued) }),
		gauge("limiter_capacity", "Maximum concurrent backend calls", func(s limiter.Stats) float64 { return float64(s.Capacity) }),
	)
}

func (c *Collector) RecordRequest(command, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(command, status).Inc()
	c.requestDuration.WithLabelValues(command, status).Observe(duration.Seconds())
}

func (c *Collector) RecordCacheHit(class string) {
	c.cacheHitsTotal.WithLabelValues(class).Inc()
}

func (c *Collector) RecordCacheMiss(class string) {
	c.cacheMissesTotal.WithLabelValues(class).Inc()
}

func (c *Collector) UpdateCacheEntries(n int) {
	c.cacheEntries.Set(float64(n))
}

// RecordBackendCall records one call; outcome is "ok" or an error type
func (c *Collector) RecordBackendCall(instanceID, outcome string, duration time.Duration) {
	c.backendCallsTotal.WithLabelValues(instanceID, outcome).Inc()
	c.backendCallDuration.WithLabelValues(instanceID).Observe(duration.Seconds())
}

func (c *Collector) RecordError(errorType string) {
	c.errorsTotal.WithLabelValues(errorType).Inc()
}

func (c *Collector) RecordChallenge(state string, escalated bool, polls int) {
	label := "false"
	if escalated {
		label = "true"
	}
	c.challengesTotal.WithLabelValues(state, label).Inc()
	c.challengePolls.Observe(float64(polls))
}

func (c *Collector) RecordCleanup(kind string, sessions, cacheEntries int) {
	c.cleanupRunsTotal.WithLabelValues(kind).Inc()
	if sessions > 0 {
		c.cleanupEvictedTotal.WithLabelValues("session").Add(float64(sessions))
	}
	if cacheEntries > 0 {
		c.cleanupEvictedTotal.WithLabelValues("cache_entry").Add(float64(cacheEntries))
	}
}

// SessionCreated implements session.Observer
func (c *Collector) SessionCreated(instanceID string) {
	c.sessionsCreatedTotal.WithLabelValues(instanceID).Inc()
	c.activeSessions.WithLabelValues(instanceID).Inc()
}

// SessionDestroyed implements session.Observer
func (c *Collector) SessionDestroyed(instanceID, reason string) {
	c.sessionsDestroyedTotal.WithLabelValues(instanceID, reason).Inc()
	c.activeSessions.WithLabelValues(instanceID).Dec()

	c.logger.Debug("Recorded session destroy metric",
		zap.String("instance", instanceID),
		zap.String("reason", reason))
}

// InstanceHealth implements instance.HealthObserver
func (c *Collector) InstanceHealth(instanceID string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1
	}
	c.instanceHealthy.WithLabelValues(instanceID).Set(value)
}

// ServeHTTP serves the Prometheus exposition format
func (c *Collector) ServeHTTP(ctx *fasthttp.RequestCtx) {
	c.httpHandler(ctx)
}
