package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	bountyMetricsOnce sync.Once
	bountyRegistry    *BountyMetrics
)

// BountyMetrics wraps collectors tracking bounty engine health.
type BountyMetrics struct {
	opLatency *prometheus.HistogramVec
	errors    *prometheus.CounterVec
	released  prometheus.Counter
	withdrawn prometheus.Counter
	inFlight  prometheus.Gauge
}

// Bounty returns the lazily-initialised metrics registry for the bounty
// engine.
func Bounty() *BountyMetrics {
	bountyMetricsOnce.Do(func() {
		bountyRegistry = &BountyMetrics{
			opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "oc",
				Subsystem: "bounty",
				Name:      "operation_duration_seconds",
				Help:      "Latency distribution for bounty engine operations.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "oc",
				Subsystem: "bounty",
				Name:      "errors_total",
				Help:      "Count of bounty operation failures segmented by operation and reason.",
			}, []string{"operation", "reason"}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "oc",
				Subsystem: "bounty",
				Name:      "released_total",
				Help:      "Count of bounties successfully released to a critic.",
			}),
			withdrawn: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "oc",
				Subsystem: "bounty",
				Name:      "withdrawn_total",
				Help:      "Count of bounties refunded to their author or cleared empty.",
			}),
			inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "oc",
				Subsystem: "bounty",
				Name:      "transfers_in_flight",
				Help:      "Number of ledger transfers currently awaiting confirmation.",
			}),
		}
		prometheus.MustRegister(
			bountyRegistry.opLatency,
			bountyRegistry.errors,
			bountyRegistry.released,
			bountyRegistry.withdrawn,
			bountyRegistry.inFlight,
		)
	})
	return bountyRegistry
}

// ObserveLatency records the processing latency for an operation.
func (m *BountyMetrics) ObserveLatency(operation string, d time.Duration) {
	if m == nil {
		return
	}
	m.opLatency.WithLabelValues(labelOp(operation)).Observe(d.Seconds())
}

// RecordError increments the error counter for the supplied reason.
func (m *BountyMetrics) RecordError(operation, reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.errors.WithLabelValues(labelOp(operation), reason).Inc()
}

// RecordRelease counts a successful bounty release.
func (m *BountyMetrics) RecordRelease() {
	if m == nil {
		return
	}
	m.released.Inc()
}

// RecordWithdraw counts a completed withdrawal or empty-escrow clear.
func (m *BountyMetrics) RecordWithdraw() {
	if m == nil {
		return
	}
	m.withdrawn.Inc()
}

// TransferStarted bumps the in-flight gauge while a ledger call is pending.
func (m *BountyMetrics) TransferStarted() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

// TransferFinished releases the in-flight gauge.
func (m *BountyMetrics) TransferFinished() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

func labelOp(operation string) string {
	trimmed := strings.TrimSpace(operation)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ToLower(trimmed)
}
