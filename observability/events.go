package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// StreamMetrics tracks mirror updates pushed to websocket subscribers.
type StreamMetrics struct {
	delivered   *prometheus.CounterVec
	subscribers prometheus.Gauge
}

var (
	streamMetricsOnce sync.Once
	streamRegistry    *StreamMetrics
)

// Stream returns the metrics registry for the mirror update stream.
func Stream() *StreamMetrics {
	streamMetricsOnce.Do(func() {
		streamRegistry = &StreamMetrics{
			delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "stream",
				Name:      "updates_total",
				Help:      "Mirror updates delivered to stream subscribers segmented by kind.",
			}, []string{"kind"}),
			subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "stream",
				Name:      "subscribers",
				Help:      "Currently connected stream subscribers.",
			}),
		}
		prometheus.MustRegister(streamRegistry.delivered, streamRegistry.subscribers)
	})
	return streamRegistry
}

// RecordDelivery increments the delivery counter for the escrow kind.
func (m *StreamMetrics) RecordDelivery(kind string) {
	if m == nil {
		return
	}
	normalized := strings.ToLower(strings.TrimSpace(kind))
	if normalized == "" {
		normalized = "unknown"
	}
	m.delivered.WithLabelValues(normalized).Inc()
}

// Connected adjusts the subscriber gauge by delta.
func (m *StreamMetrics) Connected(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}
