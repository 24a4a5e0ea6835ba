// Package metrics exposes bridge counters in Prometheus format. Every method
// is safe to call on a nil *Collector, which records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wecombridge"

// Collector owns a private registry so tests can build as many as they like.
type Collector struct {
	registry *prometheus.Registry

	callbacks       *prometheus.CounterVec
	dedupHits       prometheus.Counter
	streamsActive   prometheus.Gauge
	streamsDone     *prometheus.CounterVec
	upstreamSeconds prometheus.Histogram
	startTime       time.Time
}

// NewCollector registers the bridge metrics plus Go runtime and process
// collectors on a fresh registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_total",
			Help:      "Webhook callbacks by message kind and outcome.",
		}, []string{"kind", "result"}),
		dedupHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dedup_hits_total",
			Help:      "Callbacks dropped because their msgid was already processed.",
		}),
		streamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "streams_active",
			Help:      "Upstream streams currently being consumed.",
		}),
		streamsDone: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_completed_total",
			Help:      "Finished streams by terminal status.",
		}, []string{"status"}),
		upstreamSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_duration_seconds",
			Help:      "Wall time from upstream request to stream end.",
			// LLM replies range from sub-second to several minutes.
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		startTime: time.Now(),
	}
	reg.MustRegister(
		c.callbacks,
		c.dedupHits,
		c.streamsActive,
		c.streamsDone,
		c.upstreamSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Uptime returns how long the collector has been running.
func (c *Collector) Uptime() time.Duration {
	if c == nil {
		return 0
	}
	return time.Since(c.startTime)
}

// Callback counts one webhook callback.
func (c *Collector) Callback(kind, result string) {
	if c == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	c.callbacks.WithLabelValues(kind, result).Inc()
}

// DedupHit counts a duplicate delivery.
func (c *Collector) DedupHit() {
	if c == nil {
		return
	}
	c.dedupHits.Inc()
}

// StreamStarted marks an upstream stream as in flight.
func (c *Collector) StreamStarted() {
	if c == nil {
		return
	}
	c.streamsActive.Inc()
}

// StreamFinished records the terminal status and duration of a stream.
func (c *Collector) StreamFinished(status string, d time.Duration) {
	if c == nil {
		return
	}
	c.streamsActive.Dec()
	c.streamsDone.WithLabelValues(status).Inc()
	c.upstreamSeconds.Observe(d.Seconds())
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}
