package httpx

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "idp"

var (
	latencyBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}
	// 1 KiB to 4 MiB.
	uploadBuckets = prometheus.ExponentialBuckets(1024, 4, 7)
)

func (r *Router) initMetrics(reg prometheus.Registerer) {
	r.requestTotal = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Processed API requests by route pattern and status",
	}, []string{"method", "route", "status"}))

	r.requestLatency = registerCollector(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency of API handlers by route pattern",
		Buckets:   latencyBuckets,
	}, []string{"method", "route"}))

	r.rateLimitHits = registerCollector(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Subsystem: "api",
		Name:      "rate_limit_hits_total",
		Help:      "Requests rejected by a limiter",
	}, []string{"limiter", "route"}))

	r.specUploadBytes = registerCollector(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Subsystem: "api",
		Name:      "openapi_upload_bytes",
		Help:      "Size of uploaded OpenAPI documents",
		Buckets:   uploadBuckets,
	}))

	if r.hub != nil {
		registerCollector(reg, prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "api",
			Name:      "event_stream_subscribers",
			Help:      "Open project event streams",
		}, func() float64 { return float64(r.hub.Subscribers()) }))
	}
}

// registerCollector registers c, or returns the collector already registered
// under the same descriptor so several routers can share one registry.
func registerCollector[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if reg == nil {
		return c
	}
	err := reg.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	r.requestTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.requestLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (r *Router) recordRateLimitHit(limiter, route string) {
	r.rateLimitHits.WithLabelValues(limiter, route).Inc()
}

func (r *Router) recordSpecUpload(size int) {
	r.specUploadBytes.Observe(float64(size))
}
