package validation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// aspectRuns counts aspect executions that were not served from cache.
	// Labels: aspect, status (completed, failed, timed_out)
	aspectRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhir_validation",
		Subsystem: "aspect",
		Name:      "runs_total",
		Help:      "Aspect executions by final status",
	}, []string{"aspect", "status"})

	aspectDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "fhir_validation",
		Subsystem: "aspect",
		Name:      "duration_seconds",
		Help:      "Aspect execution latency in seconds",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"aspect"})

	aspectRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhir_validation",
		Subsystem: "aspect",
		Name:      "retries_total",
		Help:      "Retried aspect attempts after transient failures",
	}, []string{"aspect"})

	// cacheLookups counts result cache lookups.
	// Labels: result (hit, miss)
	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhir_validation",
		Subsystem: "result_cache",
		Name:      "lookups_total",
		Help:      "Result cache lookups by result",
	}, []string{"result"})

	// cacheEvictions counts evicted cache entries.
	// Labels: reason (ttl, settings, resource, aspect, flush)
	cacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhir_validation",
		Subsystem: "result_cache",
		Name:      "evictions_total",
		Help:      "Result cache evictions by reason",
	}, []string{"reason"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fhir_validation",
		Name:      "outcomes_total",
		Help:      "Validation outcomes by validity",
	}, []string{"valid"})
)
