// Package metrics exposes evaluation metrics through a Prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ricesearch/rice-eval/internal/pkg/errors"
)

const namespace = "rice_eval"

// Metrics holds the evaluation collectors. It satisfies the recorder
// interfaces of the embedding, ml, bus and evaluation packages.
type Metrics struct {
	registry *prometheus.Registry

	ImagesEmbedded   *prometheus.CounterVec
	BatchLatency     prometheus.Histogram
	GallerySkipped   prometheus.Counter
	CacheRequests    *prometheus.CounterVec
	CacheSize        *prometheus.GaugeVec
	QueriesScored    *prometheus.CounterVec
	QueryLatency     *prometheus.HistogramVec
	AveragePrecision *prometheus.HistogramVec
	MeanAP           *prometheus.GaugeVec
	BusPublishes     *prometheus.CounterVec
	BusLatency       prometheus.Histogram
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ImagesEmbedded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_embedded_total",
			Help:      "Images passed through the embedding model, by kind (query or gallery).",
		}, []string{"kind"}),
		BatchLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gallery_batch_seconds",
			Help:      "Forward pass latency per gallery batch.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		GallerySkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gallery_skipped_total",
			Help:      "Gallery images skipped because they could not be decoded.",
		}),
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vector_cache_requests_total",
			Help:      "Vector cache lookups by backend and result.",
		}, []string{"cache", "result"}),
		CacheSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vector_cache_entries",
			Help:      "Entries held by the vector cache.",
		}, []string{"cache"}),
		QueriesScored: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queries_scored_total",
			Help:      "Queries ranked and scored, by subset.",
		}, []string{"subset"}),
		QueryLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_seconds",
			Help:      "Time to embed, rank and score one query.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subset"}),
		AveragePrecision: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "average_precision",
			Help:      "Distribution of per-query average precision.",
			Buckets:   prometheus.LinearBuckets(0.1, 0.1, 10),
		}, []string{"subset"}),
		MeanAP: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mean_average_precision",
			Help:      "mAP of the last evaluation, by subset.",
		}, []string{"subset"}),
		BusPublishes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_total",
			Help:      "Events published, by topic and status.",
		}, []string{"topic", "status"}),
		BusLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bus_publish_seconds",
			Help:      "Event publish latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordImagesEmbedded counts images embedded.
func (m *Metrics) RecordImagesEmbedded(kind string, n int) {
	m.ImagesEmbedded.WithLabelValues(kind).Add(float64(n))
}

// ObserveBatch records one gallery forward pass.
func (m *Metrics) ObserveBatch(d time.Duration) {
	m.BatchLatency.Observe(d.Seconds())
}

// RecordGallerySkipped counts one skipped gallery image.
func (m *Metrics) RecordGallerySkipped() {
	m.GallerySkipped.Inc()
}

// RecordCacheHit counts a cache hit.
func (m *Metrics) RecordCacheHit(cacheType string) {
	m.CacheRequests.WithLabelValues(cacheType, "hit").Inc()
}

// RecordCacheMiss counts a cache miss.
func (m *Metrics) RecordCacheMiss(cacheType string) {
	m.CacheRequests.WithLabelValues(cacheType, "miss").Inc()
}

// UpdateCacheSize sets the cache entry gauge.
func (m *Metrics) UpdateCacheSize(cacheType string, size int) {
	m.CacheSize.WithLabelValues(cacheType).Set(float64(size))
}

// RecordQuery records one scored query.
func (m *Metrics) RecordQuery(subset string, ap float64, d time.Duration) {
	m.QueriesScored.WithLabelValues(subset).Inc()
	m.QueryLatency.WithLabelValues(subset).Observe(d.Seconds())
	m.AveragePrecision.WithLabelValues(subset).Observe(ap)
}

// SetMeanAP publishes the mAP of a subset.
func (m *Metrics) SetMeanAP(subset string, v float64) {
	m.MeanAP.WithLabelValues(subset).Set(v)
}

// RecordBusPublish counts one event publish.
func (m *Metrics) RecordBusPublish(topic string, latency time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.BusPublishes.WithLabelValues(topic, status).Inc()
	m.BusLatency.Observe(latency.Seconds())
}

// WriteTextfile writes the registry in text exposition format for the
// node_exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.InternalError("writing metrics textfile", err).WithDetail("path", path)
	}
	return nil
}
