package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	transfers *prometheus.CounterVec
	swaps     *prometheus.CounterVec
	emitted   *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking structured chain events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "svt",
				Subsystem: "events",
				Name:      "transfers_total",
				Help:      "Count of native transfers segmented by asset.",
			}, []string{"asset"}),
			swaps: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "svt",
				Subsystem: "events",
				Name:      "swaps_total",
				Help:      "Count of pool swaps segmented by direction.",
			}, []string{"direction"}),
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "svt",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of committed chain events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(
			eventRegistry.transfers,
			eventRegistry.swaps,
			eventRegistry.emitted,
		)
	})
	return eventRegistry
}

// RecordTransfer increments the transfer counter for the supplied asset ticker.
func (m *eventMetrics) RecordTransfer(asset string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToUpper(asset))
	if normalized == "" {
		normalized = "UNKNOWN"
	}
	m.transfers.WithLabelValues(normalized).Inc()
}

// RecordSwap increments the swap counter. Direction should be "buy" or "sell".
func (m *eventMetrics) RecordSwap(direction string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(direction))
	if normalized == "" {
		normalized = "unknown"
	}
	m.swaps.WithLabelValues(normalized).Inc()
}

// RecordEmitted counts a committed event by its type string.
func (m *eventMetrics) RecordEmitted(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.emitted.WithLabelValues(normalized).Inc()
}
