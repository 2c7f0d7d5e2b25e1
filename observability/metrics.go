package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type chainMetrics struct {
	blocksSealed  prometheus.Counter
	blockHeight   prometheus.Gauge
	blockInterval prometheus.Gauge
	txApplied     *prometheus.CounterVec
	mempoolSize   prometheus.Gauge
}

type rpcMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	chainMetricsOnce sync.Once
	chainRegistry    *chainMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// Chain returns the lazily-initialised registry tracking block production and
// transaction application.
func Chain() *chainMetrics {
	chainMetricsOnce.Do(func() {
		chainRegistry = &chainMetrics{
			blocksSealed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "svt",
				Subsystem: "chain",
				Name:      "blocks_sealed_total",
				Help:      "Count of blocks sealed and committed by this node.",
			}),
			blockHeight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "svt",
				Subsystem: "chain",
				Name:      "block_height",
				Help:      "Height of the committed chain tip.",
			}),
			blockInterval: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "svt",
				Subsystem: "chain",
				Name:      "block_interval_seconds",
				Help:      "Interval in seconds between the timestamps of consecutive committed blocks.",
			}),
			txApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "svt",
				Subsystem: "chain",
				Name:      "transactions_applied_total",
				Help:      "Count of transactions applied during commit, segmented by type and outcome.",
			}, []string{"type", "outcome"}),
			mempoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "svt",
				Subsystem: "chain",
				Name:      "mempool_size",
				Help:      "Number of transactions waiting in the mempool.",
			}),
		}
		prometheus.MustRegister(
			chainRegistry.blocksSealed,
			chainRegistry.blockHeight,
			chainRegistry.blockInterval,
			chainRegistry.txApplied,
			chainRegistry.mempoolSize,
		)
	})
	return chainRegistry
}

// RecordBlock updates the sealing counters after a successful commit.
func (m *chainMetrics) RecordBlock(height uint64) {
	if m == nil {
		return
	}
	m.blocksSealed.Inc()
	m.blockHeight.Set(float64(height))
}

// RecordBlockInterval updates the block interval gauge with the supplied duration.
func (m *chainMetrics) RecordBlockInterval(interval time.Duration) {
	if m == nil {
		return
	}
	seconds := interval.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.blockInterval.Set(seconds)
}

// RecordTransaction counts one applied or rejected transaction.
func (m *chainMetrics) RecordTransaction(txType byte, err error) {
	if m == nil {
		return
	}
	outcome := "applied"
	if err != nil {
		outcome = "rejected"
	}
	m.txApplied.WithLabelValues(fmt.Sprintf("0x%02x", txType), outcome).Inc()
}

// SetMempoolSize publishes the current queue depth.
func (m *chainMetrics) SetMempoolSize(size int) {
	if m == nil {
		return
	}
	if size < 0 {
		size = 0
	}
	m.mempoolSize.Set(float64(size))
}

// RPC returns the lazily-initialised registry used to record JSON-RPC
// activity.
func RPC() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "svt",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "svt",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Total JSON-RPC errors segmented by method and status code.",
			}, []string{"method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "svt",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(
			rpcRegistry.requests,
			rpcRegistry.errors,
			rpcRegistry.latency,
		)
	})
	return rpcRegistry
}

// Observe records the outcome of an RPC request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *rpcMetrics) Observe(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	method = strings.TrimSpace(method)
	if method == "" {
		method = "unknown"
	}
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(method, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(duration.Seconds())
}
