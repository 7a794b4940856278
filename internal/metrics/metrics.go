// Package metrics exposes the node's operational counters and cache gauges
// in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/quayside/stevedore/internal/loaddrop"
	"github.com/quayside/stevedore/internal/storage"
)

const namespace = "stevedore"

// CacheStats supplies local cache totals for gauge collection.
type CacheStats interface {
	Stats() storage.Stats
}

// OpStats supplies the change executor's live counters.
type OpStats interface {
	InflightCount() int
	PendingDropCount() int
}

// Metrics owns the node's Prometheus registry. Segment event counters are
// fed through Observe; cache and executor gauges are read from their
// sources at scrape time.
type Metrics struct {
	registry *prometheus.Registry

	loads        *prometheus.CounterVec
	drops        *prometheus.CounterVec
	loadDuration prometheus.Histogram
}

// New builds a registry populated with process, runtime, segment, and
// storage collectors.
func New(cache CacheStats, ops OpStats) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		newLocationCollector(cache),
	)

	factory := promauto.With(registry)
	m := &Metrics{
		registry: registry,
		loads: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "loads_total",
			Help:      "Segment load requests by terminal status.",
		}, []string{"status"}),
		drops: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "drops_total",
			Help:      "Segment drop lifecycle transitions by status.",
		}, []string{"status"}),
		loadDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "segment",
			Name:      "load_duration_seconds",
			Help:      "Time from load pickup to completion, slot wait included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "cached",
		Help:      "Number of segments in the local cache.",
	}, func() float64 { return float64(cache.Stats().Segments) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "used_bytes",
		Help:      "Bytes of cache capacity in use across all locations.",
	}, func() float64 { return float64(cache.Stats().UsedBytes) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "storage",
		Name:      "capacity_bytes",
		Help:      "Total cache capacity across all locations.",
	}, func() float64 { return float64(cache.Stats().MaxBytes) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "operations_inflight",
		Help:      "Segment operations currently holding execution slots.",
	}, func() float64 { return float64(ops.InflightCount()) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "segment",
		Name:      "drops_pending",
		Help:      "Drops waiting out the grace delay.",
	}, func() float64 { return float64(ops.PendingDropCount()) })

	return m
}

// Observe records one segment event. It satisfies the change executor's
// listener shape so it can be registered directly.
func (m *Metrics) Observe(ev loaddrop.SegmentEvent) {
	switch ev.Type {
	case loaddrop.EventLoadCompleted:
		m.loads.WithLabelValues("completed").Inc()
		m.loadDuration.Observe(float64(ev.DurationMS) / 1000)
	case loaddrop.EventLoadFailed:
		m.loads.WithLabelValues("failed").Inc()
	case loaddrop.EventDropScheduled:
		m.drops.WithLabelValues("scheduled").Inc()
	case loaddrop.EventDropCanceled:
		m.drops.WithLabelValues("canceled").Inc()
	case loaddrop.EventDropCompleted:
		m.drops.WithLabelValues("completed").Inc()
	case loaddrop.EventDropFailed:
		m.drops.WithLabelValues("failed").Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// locationCollector exports per-location capacity gauges from cache stats
// snapshots taken at scrape time.
type locationCollector struct {
	cache CacheStats
	used  *prometheus.Desc
	max   *prometheus.Desc
}

func newLocationCollector(cache CacheStats) *locationCollector {
	return &locationCollector{
		cache: cache,
		used: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "storage", "location_used_bytes"),
			"Bytes in use at one cache location.",
			[]string{"path"}, nil,
		),
		max: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "storage", "location_capacity_bytes"),
			"Capacity of one cache location.",
			[]string{"path"}, nil,
		),
	}
}

func (c *locationCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.used
	ch <- c.max
}

func (c *locationCollector) Collect(ch chan<- prometheus.Metric) {
	for _, loc := range c.cache.Stats().Locations {
		ch <- prometheus.MustNewConstMetric(c.used, prometheus.GaugeValue, float64(loc.Used), loc.Path)
		ch <- prometheus.MustNewConstMetric(c.max, prometheus.GaugeValue, float64(loc.MaxSize), loc.Path)
	}
}
