// Package metrics holds the Prometheus collectors of the engine
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "casecore"

// Rebuild paths of the case projector
const (
	PathFast        = "fast"
	PathIncremental = "incremental"
	PathFull        = "full"
)

// Cleanliness check results
const (
	ResultClean   = "clean"
	ResultDirty   = "dirty"
	ResultFailure = "failure"
)

var (
	// Submissions counts processed submissions by status
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Processed form submissions by status.",
	}, []string{"status"})

	// SubmissionErrors counts rejected submissions by error class
	SubmissionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submission_errors_total",
		Help:      "Rejected form submissions by error class.",
	}, []string{"class"})

	// Projections counts case projections by path
	Projections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "projections_total",
		Help:      "Case projections by path.",
	}, []string{"path"})

	// ProjectionDuration observes the time spent projecting a case
	ProjectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "projection_duration_seconds",
		Help:      "Time spent projecting a case.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"path"})

	// RebuildTimeouts counts rebuilds cancelled for exceeding their budget
	RebuildTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rebuild_timeouts_total",
		Help:      "Case rebuilds that exceeded the rebuild timeout.",
	})

	// ChecksumMismatches counts cached projections that failed verification
	ChecksumMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "checksum_mismatches_total",
		Help:      "Cached case projections whose checksum did not match.",
	})

	// ProjectionErrors counts transactions that could not be applied
	ProjectionErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "projection_errors_total",
		Help:      "Case transactions whose diff could not be applied.",
	})

	// LedgerInconsistencies counts ledger replays that disagreed with stored balances
	LedgerInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_inconsistencies_total",
		Help:      "Ledger replays that disagreed with a stored balance.",
	})

	// CleanlinessChecks counts full cleanliness computations by result
	CleanlinessChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanliness_checks_total",
		Help:      "Full owner cleanliness computations by result.",
	}, []string{"result"})

	// CleanlinessDropped counts background recomputes dropped because the queue was full
	CleanlinessDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cleanliness_recomputes_dropped_total",
		Help:      "Background cleanliness recomputes dropped on a full queue.",
	})

	// Restores counts restore sets built by kind
	Restores = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "restores_total",
		Help:      "Restore sets built, full or incremental.",
	}, []string{"kind"})

	// ChangesRelayed counts journal entries published to the change feed
	ChangesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "changes_relayed_total",
		Help:      "Change journal entries published to the change feed.",
	})
)
