package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CyclesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_verifier_cycles_total",
		Help: "Reconciliation cycles completed.",
	})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "link_verifier_cycle_duration_seconds",
		Help:    "Wall time of a reconciliation cycle.",
		Buckets: prometheus.DefBuckets,
	})

	TransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_verifier_transitions_total",
		Help: "Persisted payment link status transitions.",
	}, []string{"to"})

	SourceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_verifier_source_errors_total",
		Help: "Ledger queries that failed after retries.",
	}, []string{"currency"})

	MalformedEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_verifier_malformed_events_total",
		Help: "Ledger events discarded because of missing or invalid fields.",
	})

	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "link_verifier_store_errors_total",
		Help: "Link store failures by kind.",
	}, []string{"kind"})
)
