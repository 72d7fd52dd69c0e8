package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EscrowMetrics records offer, transaction and rail activity.
type EscrowMetrics struct {
	offers        *prometheus.CounterVec
	transitions   *prometheus.CounterVec
	railCalls     *prometheus.CounterVec
	railLatency   *prometheus.HistogramVec
	releases      *prometheus.CounterVec
	escalations   prometheus.Counter
	sweepDuration *prometheus.HistogramVec
	throttles     *prometheus.CounterVec
}

var (
	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// Escrow returns the lazily-initialised metrics registry for the escrow engine.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			offers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "offers",
				Name:      "transitions_total",
				Help:      "Offer lifecycle transitions segmented by resulting status.",
			}, []string{"status"}),
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "transactions",
				Name:      "transitions_total",
				Help:      "Transaction state transitions segmented by resulting status and payment rail.",
			}, []string{"status", "rail"}),
			railCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "rail",
				Name:      "calls_total",
				Help:      "Payment rail calls segmented by rail, operation and outcome.",
			}, []string{"rail", "operation", "outcome"}),
			railLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "rail",
				Name:      "call_duration_seconds",
				Help:      "Latency distribution for payment rail calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"rail", "operation"}),
			releases: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "scheduler",
				Name:      "release_attempts_total",
				Help:      "Scheduled release attempts segmented by outcome.",
			}, []string{"outcome"}),
			escalations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "scheduler",
				Name:      "payout_escalations_total",
				Help:      "Payouts handed to manual intervention after exhausting retries.",
			}),
			sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "escrow",
				Subsystem: "scheduler",
				Name:      "sweep_duration_seconds",
				Help:      "Duration of scheduler sweeps.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"sweep"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "escrow",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting.",
			}, []string{"scope"}),
		}
		prometheus.MustRegister(
			escrowRegistry.offers,
			escrowRegistry.transitions,
			escrowRegistry.railCalls,
			escrowRegistry.railLatency,
			escrowRegistry.releases,
			escrowRegistry.escalations,
			escrowRegistry.sweepDuration,
			escrowRegistry.throttles,
		)
	})
	return escrowRegistry
}

func (m *EscrowMetrics) OfferTransition(status string) {
	if m == nil {
		return
	}
	m.offers.WithLabelValues(status).Inc()
}

func (m *EscrowMetrics) TransactionTransition(status, rail string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status, rail).Inc()
}

// ObserveRailCall records one rail call. Outcome should be a stable string
// such as "confirmed", "submitted" or "error".
func (m *EscrowMetrics) ObserveRailCall(rail, operation, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.railCalls.WithLabelValues(rail, operation, outcome).Inc()
	m.railLatency.WithLabelValues(rail, operation).Observe(duration.Seconds())
}

func (m *EscrowMetrics) ReleaseAttempt(outcome string) {
	if m == nil {
		return
	}
	m.releases.WithLabelValues(outcome).Inc()
}

func (m *EscrowMetrics) PayoutEscalated() {
	if m == nil {
		return
	}
	m.escalations.Inc()
}

func (m *EscrowMetrics) ObserveSweep(sweep string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.WithLabelValues(sweep).Observe(duration.Seconds())
}

func (m *EscrowMetrics) RecordThrottle(scope string) {
	if m == nil {
		return
	}
	if scope == "" {
		scope = "unspecified"
	}
	m.throttles.WithLabelValues(scope).Inc()
}
