// Package metrics holds the Prometheus instruments for the credit engine.
// Instruments register on the default registry at init; cmd/server serves
// them on /metrics via promhttp.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/warp/credit-engine/generic"
)

// =============================================================================
// LEDGER
// =============================================================================

var LedgerMutations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "mutations_total",
	Help:      "Ledger mutations by transaction kind and outcome.",
}, []string{"kind", "outcome"})

var LedgerLockedSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "credits",
	Subsystem: "ledger",
	Name:      "locked_section_seconds",
	Help:      "Time spent acquiring and holding a principal's balance lock.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"kind"})

// =============================================================================
// GUESTS AND CATALOG
// =============================================================================

var CacheFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "cache",
	Name:      "fallbacks_total",
	Help:      "Operations served by the durable store because the cache was unavailable.",
}, []string{"cache", "op"})

var CatalogCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "catalog",
	Name:      "cache_lookups_total",
	Help:      "Active-plan cache lookups by result (hit, miss, error).",
}, []string{"result"})

// =============================================================================
// PURCHASES AND SWEEPS
// =============================================================================

var ReconciliationGaps = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "purchase",
	Name:      "reconciliation_gaps_total",
	Help:      "Purchases recorded whose ledger credit failed.",
})

var SweepPrincipals = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credits",
	Subsystem: "sweep",
	Name:      "principals_total",
	Help:      "Principals processed by the monthly sweep by result (skipped, succeeded, failed).",
}, []string{"result"})

var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "credits",
	Subsystem: "sweep",
	Name:      "duration_seconds",
	Help:      "Wall time of a full monthly allocation sweep.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
})

// ObserveLedger is a generic.Observer feeding the ledger instruments.
func ObserveLedger(kind generic.TransactionKind, elapsed time.Duration, err error) {
	LedgerMutations.WithLabelValues(string(kind), Outcome(err)).Inc()
	LedgerLockedSeconds.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

// Outcome buckets an error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, generic.ErrInsufficientCredits):
		return "insufficient"
	case generic.IsConflict(err):
		return "conflict"
	case generic.IsNotFound(err):
		return "not_found"
	case generic.IsClientError(err):
		return "invalid"
	default:
		return "error"
	}
}
