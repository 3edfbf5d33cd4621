package terminology

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ehr/validation/internal/platform/breaker"
)

var (
	// resolutions counts resolver verdicts.
	// Labels: source (local, remote, degraded), status
	resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhir_validation",
		Subsystem: "terminology",
		Name:      "resolutions_total",
		Help:      "Code resolutions by tier and verdict",
	}, []string{"source", "status"})

	// remoteCalls counts calls to terminology servers.
	// Labels: server, outcome (success, unknown_system, failure, skipped, cached)
	remoteCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhir_validation",
		Subsystem: "terminology",
		Name:      "remote_calls_total",
		Help:      "Terminology server calls by outcome",
	}, []string{"server", "outcome"})

	remoteLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fhir_validation",
		Subsystem: "terminology",
		Name:      "remote_call_duration_seconds",
		Help:      "Terminology server call latency in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"server"})

	// breakerState is 0 closed, 1 half-open, 2 open.
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "fhir_validation",
		Subsystem: "terminology",
		Name:      "breaker_state",
		Help:      "Circuit breaker state per terminology server (0 closed, 1 half-open, 2 open)",
	}, []string{"server"})
)

// ObserveBreakerState records a breaker transition in the state gauge.
func ObserveBreakerState(key string, state breaker.State) {
	v := 0.0
	switch state {
	case breaker.StateHalfOpen:
		v = 1
	case breaker.StateOpen:
		v = 2
	}
	breakerState.WithLabelValues(key).Set(v)
}
