package services

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/edulink-sl/edulink/modules/registry/domain/aggregates/importrun"
	"github.com/edulink-sl/edulink/modules/registry/domain/entities/stagingrow"
)

var (
	registryRowsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry",
		Subsystem: "import",
		Name:      "rows_processed_total",
		Help:      "Total number of staged rows processed broken down by validation outcome.",
	}, []string{"result"})

	registryMatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry",
		Subsystem: "match",
		Name:      "resolutions_total",
		Help:      "Total number of council resolutions broken down by match type.",
	}, []string{"match_type"})

	registryTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry",
		Subsystem: "runs",
		Name:      "transitions_total",
		Help:      "Total number of import run transitions broken down by target status.",
	}, []string{"to"})

	registryWriteConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry",
		Subsystem: "write",
		Name:      "conflicts_total",
		Help:      "Total number of registry write conflicts broken down by kind.",
	}, []string{"kind"})

	registryCommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "registry",
		Subsystem: "commit",
		Name:      "duration_seconds",
		Help:      "Commit and rollback transaction duration broken down by operation and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "outcome"})
)

func recordRowResult(status stagingrow.ValidationStatus) {
	registryRowsProcessed.WithLabelValues(strings.ToLower(string(status))).Inc()
}

func recordMatch(mt stagingrow.MatchType) {
	registryMatches.WithLabelValues(strings.ToLower(string(mt))).Inc()
}

func recordTransition(to importrun.Status) {
	registryTransitions.WithLabelValues(strings.ToLower(string(to))).Inc()
}

func recordWriteConflict(kind string) {
	if kind == "" {
		kind = "other"
	}
	registryWriteConflicts.WithLabelValues(kind).Inc()
}

func observeCommitDuration(operation, outcome string, seconds float64) {
	registryCommitDuration.WithLabelValues(operation, outcome).Observe(seconds)
}
