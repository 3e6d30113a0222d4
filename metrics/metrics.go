// Package metrics exposes the framework's Prometheus collectors.
//
// Every method is safe to call on a nil *Collector, so components take an
// optional collector and never check for it.
package metrics

import (
	"time"

	"curryx/message"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "curryx"

// Collector is a prometheus.Collector holding client, server, discovery and
// pool metrics.
type Collector struct {
	calls          *prometheus.CounterVec
	callDuration   *prometheus.HistogramVec
	served         *prometheus.CounterVec
	serveDuration  *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
	cacheFlushes   *prometheus.CounterVec
	connections    prometheus.Gauge
	pending        prometheus.Gauge
	droppedReplies prometheus.Counter
}

// NewCollector returns a new Collector. Register it with a prometheus.Registerer.
func NewCollector() *Collector {
	return &Collector{
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "client",
				Name:      "calls_total",
				Help:      "The number of calls made, by outcome.",
			}, []string{"service", "method", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "client",
				Name:      "call_duration_seconds",
				Help:      "The time taken by a call, discovery included.",
				Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 5},
			}, []string{"service", "method"},
		),
		served: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "The number of requests handled, by outcome.",
			}, []string{"service", "method", "outcome"},
		),
		serveDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "server",
				Name:      "request_duration_seconds",
				Help:      "The time taken to handle a request.",
				Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1},
			}, []string{"service", "method"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discovery",
				Name:      "lookups_total",
				Help:      "The number of discovery cache lookups, by hit or miss.",
			}, []string{"result"},
		),
		cacheFlushes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "discovery",
				Name:      "flushes_total",
				Help:      "The number of discovery cache flushes, by triggering event.",
			}, []string{"event"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "pool",
				Name:      "connections",
				Help:      "The number of live pooled client connections.",
			},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: "pool",
				Name:      "pending_requests",
				Help:      "The number of requests awaiting a response.",
			},
		),
		droppedReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "pool",
				Name:      "dropped_responses_total",
				Help:      "The number of responses that arrived after their caller gave up.",
			},
		),
	}
}

// outcome is "ok" or the error kind.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return string(message.KindOf(err))
}

func (c *Collector) ObserveCall(service, method string, err error, d time.Duration) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(service, method, outcome(err)).Inc()
	c.callDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

func (c *Collector) ObserveServed(service, method string, err error, d time.Duration) {
	if c == nil {
		return
	}
	c.served.WithLabelValues(service, method, outcome(err)).Inc()
	c.serveDuration.WithLabelValues(service, method).Observe(d.Seconds())
}

func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}

func (c *Collector) CacheFlush(event string) {
	if c == nil {
		return
	}
	c.cacheFlushes.WithLabelValues(event).Inc()
}

// ConnOpened and ConnClosed track the pool size.
func (c *Collector) ConnOpened() {
	if c != nil {
		c.connections.Inc()
	}
}

func (c *Collector) ConnClosed() {
	if c != nil {
		c.connections.Dec()
	}
}

// PendingAdd moves the in-flight gauge by delta.
func (c *Collector) PendingAdd(delta int) {
	if c != nil {
		c.pending.Add(float64(delta))
	}
}

func (c *Collector) ResponseDropped() {
	if c != nil {
		c.droppedReplies.Inc()
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.calls.Describe(ch)
	c.callDuration.Describe(ch)
	c.served.Describe(ch)
	c.serveDuration.Describe(ch)
	c.cacheLookups.Describe(ch)
	c.cacheFlushes.Describe(ch)
	c.connections.Describe(ch)
	c.pending.Describe(ch)
	c.droppedReplies.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.calls.Collect(ch)
	c.callDuration.Collect(ch)
	c.served.Collect(ch)
	c.serveDuration.Collect(ch)
	c.cacheLookups.Collect(ch)
	c.cacheFlushes.Collect(ch)
	c.connections.Collect(ch)
	c.pending.Collect(ch)
	c.droppedReplies.Collect(ch)
}
