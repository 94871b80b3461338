package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics tracks reconciliation, ledger and oracle activity of the
// coordination engine.
type EscrowMetrics struct {
	reconciles       *prometheus.CounterVec
	optimistic       *prometheus.CounterVec
	ledgerReads      *prometheus.CounterVec
	ledgerLatency    *prometheus.HistogramVec
	oracleReads      *prometheus.CounterVec
	decisions        *prometheus.CounterVec
	watched          prometheus.Gauge
	storeWriteErrors *prometheus.CounterVec
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily registered escrow metrics.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "mirror",
				Name:      "reconciles_total",
				Help:      "Reconciliations processed by the mirror segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
			optimistic: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "mirror",
				Name:      "optimistic_records_total",
				Help:      "Optimistic history records segmented by outcome.",
			}, []string{"outcome"}),
			ledgerReads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "reads_total",
				Help:      "Ledger reads segmented by kind and result.",
			}, []string{"kind", "result"}),
			ledgerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "ledger",
				Name:      "read_duration_seconds",
				Help:      "Latency of ledger snapshot reads.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"kind"}),
			oracleReads: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "oracle",
				Name:      "reads_total",
				Help:      "Oracle price resolutions segmented by source.",
			}, []string{"source"}),
			decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "gate",
				Name:      "decisions_total",
				Help:      "Transition gate decisions segmented by action and reason code.",
			}, []string{"action", "code"}),
			watched: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "escrow",
				Subsystem: "watcher",
				Name:      "addresses",
				Help:      "Escrow addresses currently polled.",
			}),
			storeWriteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "mirror",
				Name:      "store_write_errors_total",
				Help:      "Failed persistent store writes segmented by operation.",
			}, []string{"op"}),
		}
		prometheus.MustRegister(
			escrowRegistry.reconciles,
			escrowRegistry.optimistic,
			escrowRegistry.ledgerReads,
			escrowRegistry.ledgerLatency,
			escrowRegistry.oracleReads,
			escrowRegistry.decisions,
			escrowRegistry.watched,
			escrowRegistry.storeWriteErrors,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) ObserveReconcile(kind, outcome string) {
	if m == nil {
		return
	}
	m.reconciles.WithLabelValues(orUnknown(kind), orUnknown(outcome)).Inc()
}

func (m *EscrowMetrics) ObserveOptimistic(outcome string) {
	if m == nil {
		return
	}
	m.optimistic.WithLabelValues(orUnknown(outcome)).Inc()
}

// ObserveLedgerRead records a snapshot read and its latency.
func (m *EscrowMetrics) ObserveLedgerRead(kind string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerReads.WithLabelValues(orUnknown(kind), result).Inc()
	m.ledgerLatency.WithLabelValues(orUnknown(kind)).Observe(elapsed.Seconds())
}

func (m *EscrowMetrics) ObserveOracleRead(source string) {
	if m == nil {
		return
	}
	m.oracleReads.WithLabelValues(orUnknown(source)).Inc()
}

func (m *EscrowMetrics) ObserveDecision(action, code string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(orUnknown(action), orUnknown(code)).Inc()
}

func (m *EscrowMetrics) SetWatched(n int) {
	if m == nil {
		return
	}
	m.watched.Set(float64(n))
}

func (m *EscrowMetrics) ObserveStoreWriteError(op string) {
	if m == nil {
		return
	}
	m.storeWriteErrors.WithLabelValues(orUnknown(op)).Inc()
}

func orUnknown(label string) string {
	if label == "" {
		return "unknown"
	}
	return label
}
