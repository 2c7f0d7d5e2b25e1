package metrics

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// IndexerMetrics bundles collectors for the event archiver and its webhook
// dispatcher.
type IndexerMetrics struct {
	eventsArchived  *prometheus.CounterVec
	cursorHeight    prometheus.Gauge
	webhookFailures *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	queueDepth      prometheus.Gauge
}

var (
	indexerOnce     sync.Once
	indexerRegistry *IndexerMetrics
)

// Indexer returns the singleton metrics registry for the event indexer.
func Indexer() *IndexerMetrics {
	indexerOnce.Do(func() {
		indexerRegistry = &IndexerMetrics{
			eventsArchived: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "svt_indexer_events_archived_total",
				Help: "Count of chain events written to the archive by type.",
			}, []string{"type"}),
			cursorHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "svt_indexer_cursor_height",
				Help: "Highest block height the indexer has fully archived.",
			}),
			webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "svt_indexer_webhook_failures_total",
				Help: "Number of failed webhook delivery attempts by destination.",
			}, []string{"destination"}),
			deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "svt_indexer_webhook_delivery_seconds",
				Help:    "Latency distribution for webhook deliveries by destination.",
				Buckets: prometheus.DefBuckets,
			}, []string{"destination"}),
			queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "svt_indexer_webhook_queue_depth",
				Help: "Number of webhook deliveries waiting in the dispatch queue.",
			}),
		}
		prometheus.MustRegister(
			indexerRegistry.eventsArchived,
			indexerRegistry.cursorHeight,
			indexerRegistry.webhookFailures,
			indexerRegistry.deliveryLatency,
			indexerRegistry.queueDepth,
		)
	})
	return indexerRegistry
}

func (m *IndexerMetrics) ObserveEventArchived(eventType string) {
	if m == nil {
		return
	}
	if eventType = strings.TrimSpace(eventType); eventType == "" {
		eventType = "unknown"
	}
	m.eventsArchived.WithLabelValues(eventType).Inc()
}

func (m *IndexerMetrics) SetCursorHeight(height uint64) {
	if m == nil {
		return
	}
	m.cursorHeight.Set(float64(height))
}

func (m *IndexerMetrics) IncWebhookFailure(destination string) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.webhookFailures.WithLabelValues(destination).Inc()
}

func (m *IndexerMetrics) ObserveDelivery(destination string, d time.Duration) {
	if m == nil {
		return
	}
	if destination == "" {
		destination = "unknown"
	}
	m.deliveryLatency.WithLabelValues(destination).Observe(d.Seconds())
}

func (m *IndexerMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	if depth < 0 {
		depth = 0
	}
	m.queueDepth.Set(float64(depth))
}
