package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type ReconcilerMetrics struct {
	pendingQueueGauge    prometheus.Gauge
	reachabilityGauge    prometheus.Gauge
	settledCount         prometheus.Counter
	failedCount          prometheus.Counter
	duplicateCount       prometheus.Counter
	expiredCount         prometheus.Counter
	flushDurationSeconds prometheus.Histogram
}

func NewReconcilerMetrics(namespace string) *ReconcilerMetrics {
	m := ReconcilerMetrics{
		pendingQueueGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_pending_payloads", namespace),
			Help: "The number of offline payloads awaiting settlement",
		}),
		reachabilityGauge: promauto.NewGauge(prometheus.GaugeOpts{
			Name: fmt.Sprintf("%s_ledger_reachable", namespace),
			Help: "Whether the last ledger probe succeeded (1) or not (0)",
		}),
		settledCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_settled_payload_count", namespace),
			Help: "The total number of payloads settled via ledger or peer delivery",
		}),
		failedCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_failed_payload_count", namespace),
			Help: "The total number of payloads that failed terminally",
		}),
		duplicateCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_duplicate_payload_count", namespace),
			Help: "The total number of inbound payloads discarded as duplicates",
		}),
		expiredCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: fmt.Sprintf("%s_expired_payload_count", namespace),
			Help: "The total number of payloads dropped after their validity window",
		}),
		flushDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    fmt.Sprintf("%s_flush_duration_seconds", namespace),
			Help:    "Duration of pending queue flush passes",
			Buckets: prometheus.DefBuckets,
		}),
	}
	return &m
}

func (m *ReconcilerMetrics) SetPendingPayloads(count int) {
	m.pendingQueueGauge.Set(float64(count))
}

func (m *ReconcilerMetrics) SetLedgerReachable(reachable bool) {
	if reachable {
		m.reachabilityGauge.Set(1)
	} else {
		m.reachabilityGauge.Set(0)
	}
}

func (m *ReconcilerMetrics) IncSettled()    { m.settledCount.Inc() }
func (m *ReconcilerMetrics) IncFailed()     { m.failedCount.Inc() }
func (m *ReconcilerMetrics) IncDuplicates() { m.duplicateCount.Inc() }
func (m *ReconcilerMetrics) IncExpired()    { m.expiredCount.Inc() }

func (m *ReconcilerMetrics) ObserveFlushDuration(seconds float64) {
	m.flushDurationSeconds.Observe(seconds)
}
