// Package metrics exposes Prometheus collectors for the SMCP daemon.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels.
const (
	ResultAllowed  = "allowed"
	ResultDenied   = "denied"
	ResultError    = "error"
	ResultSuccess  = "success"
	ResultRejected = "rejected"
)

var (
	attestations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smcp_attestations_total",
			Help: "Total attestation requests by result",
		},
		[]string{"result"},
	)

	calls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smcp_calls_total",
			Help: "Total signed tool calls by result",
		},
		[]string{"result"},
	)

	violations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smcp_violations_total",
			Help: "Total policy violations by kind",
		},
		[]string{"kind"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "smcp_active_sessions",
			Help: "Number of active, unexpired sessions at the last sweep",
		},
	)

	callDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "smcp_call_duration_seconds",
			Help:    "Time from envelope receipt to forwarded result",
			Buckets: prometheus.DefBuckets,
		},
	)

	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smcp_store_errors_total",
			Help: "Total storage errors by backend and operation",
		},
		[]string{"backend", "operation"},
	)

	revocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "smcp_revocations_total",
			Help: "Total revoked sessions by trigger",
		},
		[]string{"trigger"},
	)
)

// RecordAttestation counts an attestation outcome.
func RecordAttestation(result string) {
	attestations.WithLabelValues(result).Inc()
}

// RecordCall counts a tool call outcome and its latency.
func RecordCall(result string, d time.Duration) {
	calls.WithLabelValues(result).Inc()
	callDuration.Observe(d.Seconds())
}

// RecordViolation counts a violation by its snake_case kind.
func RecordViolation(kind string) {
	violations.WithLabelValues(kind).Inc()
}

// SetActiveSessions updates the active session gauge.
func SetActiveSessions(n int) {
	activeSessions.Set(float64(n))
}

// RecordStoreError counts a failed storage operation. Its signature matches
// sqlstore.ErrorHook.
func RecordStoreError(backend, operation string, _ error) {
	storeErrors.WithLabelValues(backend, operation).Inc()
}

// RecordRevocations counts n sessions revoked by trigger
// (reattest, terminate, manual).
func RecordRevocations(trigger string, n int) {
	if n > 0 {
		revocations.WithLabelValues(trigger).Add(float64(n))
	}
}
