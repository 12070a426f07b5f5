package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// APIMetrics tracks the daemon's HTTP surface.
type APIMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// EscrowMetrics tracks the outcomes of escrow flows.
type EscrowMetrics struct {
	transactions *prometheus.CounterVec
	txLatency    *prometheus.HistogramVec
	divergence   *prometheus.CounterVec
	rollbacks    *prometheus.CounterVec
	signatures   *prometheus.CounterVec
	pollErrors   *prometheus.CounterVec
	sagas        *prometheus.CounterVec
}

var (
	apiMetricsOnce sync.Once
	apiRegistry    *APIMetrics

	escrowMetricsOnce sync.Once
	escrowRegistry    *EscrowMetrics
)

// API returns the lazily-initialised HTTP metrics registry.
func API() *APIMetrics {
	apiMetricsOnce.Do(func() {
		apiRegistry = &APIMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "api",
				Name:      "requests_total",
				Help:      "Total API requests segmented by route and outcome.",
			}, []string{"route", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "api",
				Name:      "errors_total",
				Help:      "Total API errors segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "valyra",
				Subsystem: "api",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "api",
				Name:      "throttles_total",
				Help:      "Count of API requests rejected by the rate limiter.",
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			apiRegistry.requests,
			apiRegistry.errors,
			apiRegistry.latency,
			apiRegistry.throttles,
		)
	})
	return apiRegistry
}

// Observe records the outcome of a request. status is the HTTP status written.
func (m *APIMetrics) Observe(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	route = label(route, "unknown")
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(route, outcome).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for route.
func (m *APIMetrics) RecordThrottle(route string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(label(route, "unknown")).Inc()
}

// Escrow returns the lazily-initialised escrow flow metrics registry.
func Escrow() *EscrowMetrics {
	escrowMetricsOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "transactions_total",
				Help:      "Contract writes segmented by action and outcome (confirmed, reverted, rejected, awaiting).",
			}, []string{"action", "outcome"}),
			txLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "transaction_seconds",
				Help:      "Time from submission to receipt for contract writes.",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"action"}),
			divergence: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "sync_divergence_total",
				Help:      "Off-chain sync attempts that exhausted retries after a confirmed chain action.",
			}, []string{"action"}),
			rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "credential_rollbacks_total",
				Help:      "Vault rollbacks after a failed credential commit, by outcome.",
			}, []string{"outcome"}),
			signatures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "auth",
				Name:      "signatures_total",
				Help:      "Session signature requests by outcome.",
			}, []string{"outcome"}),
			pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "poll_errors_total",
				Help:      "Escrow view refresh failures by source (chain, records).",
			}, []string{"source"}),
			sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "valyra",
				Subsystem: "escrow",
				Name:      "handover_total",
				Help:      "Credential handover attempts by terminal outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			escrowRegistry.transactions,
			escrowRegistry.txLatency,
			escrowRegistry.divergence,
			escrowRegistry.rollbacks,
			escrowRegistry.signatures,
			escrowRegistry.pollErrors,
			escrowRegistry.sagas,
		)
	})
	return escrowRegistry
}

// RecordTx counts a contract write outcome and, when known, its latency.
func (m *EscrowMetrics) RecordTx(action, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	action = label(action, "unknown")
	m.transactions.WithLabelValues(action, label(outcome, "unknown")).Inc()
	if d > 0 {
		m.txLatency.WithLabelValues(action).Observe(d.Seconds())
	}
}

// RecordSyncDivergence counts an off-chain sync that gave up.
func (m *EscrowMetrics) RecordSyncDivergence(action string) {
	if m == nil {
		return
	}
	m.divergence.WithLabelValues(label(action, "unknown")).Inc()
}

// RecordRollback counts a compensation attempt (ok or failed).
func (m *EscrowMetrics) RecordRollback(outcome string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(label(outcome, "unknown")).Inc()
}

// RecordSignature counts a session signing attempt.
func (m *EscrowMetrics) RecordSignature(outcome string) {
	if m == nil {
		return
	}
	m.signatures.WithLabelValues(label(outcome, "unknown")).Inc()
}

// RecordPollError counts a failed refresh of source.
func (m *EscrowMetrics) RecordPollError(source string) {
	if m == nil {
		return
	}
	m.pollErrors.WithLabelValues(label(source, "unknown")).Inc()
}

// RecordHandover counts a terminal handover outcome.
func (m *EscrowMetrics) RecordHandover(outcome string) {
	if m == nil {
		return
	}
	m.sagas.WithLabelValues(label(outcome, "unknown")).Inc()
}

// Transactions exposes the transaction counter for assertions in tests.
func (m *EscrowMetrics) Transactions() *prometheus.CounterVec { return m.transactions }

// Rollbacks exposes the rollback counter for assertions in tests.
func (m *EscrowMetrics) Rollbacks() *prometheus.CounterVec { return m.rollbacks }

// Divergence exposes the sync divergence counter for assertions in tests.
func (m *EscrowMetrics) Divergence() *prometheus.CounterVec { return m.divergence }

func label(value, fallback string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
