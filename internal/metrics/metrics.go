// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's collectors. Created once at startup and
// passed to the components that record into it; no package-level state.
type Metrics struct {
	Submissions       *prometheus.CounterVec // outcome: new_analysis|dedupe_hit|quality_upgrade|force_reanalysis|error
	DedupeDecisions   *prometheus.CounterVec // rule that fired in the resolver
	IdempotencyHits   prometheus.Counter
	AnalyzerCalls     *prometheus.CounterVec // status: success|timeout|circuit_open|error
	AnalyzerDuration  prometheus.Histogram
	FunctionalMerges  prometheus.Counter
	AssociationLinks  *prometheus.CounterVec // status from the associator
	BreakerTransition *prometheus.CounterVec // operation + new state
}

// New creates the collectors and registers them with the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmsview_submissions_total",
			Help: "Submissions processed, labeled by outcome reason.",
		}, []string{"reason"}),
		DedupeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmsview_dedupe_decisions_total",
			Help: "Duplicate resolver decisions, labeled by the rule that fired.",
		}, []string{"rule"}),
		IdempotencyHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmsview_idempotency_hits_total",
			Help: "Requests short-circuited by the idempotency cache.",
		}),
		AnalyzerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmsview_analyzer_calls_total",
			Help: "Analyzer invocations, labeled by terminal status.",
		}, []string{"status"}),
		AnalyzerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bmsview_analyzer_duration_seconds",
			Help:    "Wall time of successful analyzer calls.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		FunctionalMerges: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bmsview_functional_merges_total",
			Help: "Records collapsed into a canonical record by functional dedupe.",
		}),
		AssociationLinks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmsview_association_results_total",
			Help: "System association attempts, labeled by match status.",
		}, []string{"status"}),
		BreakerTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bmsview_breaker_transitions_total",
			Help: "Circuit breaker state observations per operation.",
		}, []string{"operation", "state"}),
	}

	reg.MustRegister(
		m.Submissions, m.DedupeDecisions, m.IdempotencyHits,
		m.AnalyzerCalls, m.AnalyzerDuration, m.FunctionalMerges,
		m.AssociationLinks, m.BreakerTransition,
	)
	return m
}

// NewNop returns metrics registered on a throwaway registry, for tests and
// callers that don't scrape.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
