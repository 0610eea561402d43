// Package metrics exposes Prometheus instrumentation for the evolution
// pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aevo"

var (
	// eventsValidated counts validation outcomes.
	// Labels: result (valid, invalid), code (error code or "")
	eventsValidated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "events_validated_total",
		Help:      "Events validated by outcome",
	}, []string{"result", "code"})

	// conflictsDetected counts conflicts by kind.
	// Labels: kind (direct, semantic)
	conflictsDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "conflicts_total",
		Help:      "Conflicts detected between events",
	}, []string{"kind"})

	// mergesTotal counts merges; superseded counts losing events.
	mergesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "merges_total",
		Help:      "Composite events produced by merge",
	})
	supersededTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "superseded_total",
		Help:      "Events whose contested entries lost a merge",
	})

	// applyDuration measures commit attempts.
	// Labels: result (merged, stale, rejected, error)
	applyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "apply_duration_seconds",
		Help:      "Time to materialize and commit an event",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"result"})

	// historySize tracks the number of recorded events.
	historySize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "events",
		Help:      "Events recorded in the lineage tree",
	})

	// cyclesTotal counts self-evolution cycles.
	// Labels: status (completed, failed, cancelled, skipped)
	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selfevolve",
		Name:      "cycles_total",
		Help:      "Self-evolution cycles by final status",
	}, []string{"status"})

	// proposalsTotal counts proposals by outcome.
	// Labels: outcome (proposed, accepted, rejected)
	proposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "selfevolve",
		Name:      "proposals_total",
		Help:      "Self-evolution proposals by outcome",
	}, []string{"outcome"})
)

// RecordValidation records one validation outcome. code is empty for
// valid events.
func RecordValidation(code string) {
	if code == "" {
		eventsValidated.WithLabelValues("valid", "").Inc()
		return
	}
	eventsValidated.WithLabelValues("invalid", code).Inc()
}

// RecordConflict records a detected conflict.
func RecordConflict(kind string) {
	conflictsDetected.WithLabelValues(kind).Inc()
}

// RecordMerge records a composite event and how many sources it superseded.
func RecordMerge(superseded int) {
	mergesTotal.Inc()
	supersededTotal.Add(float64(superseded))
}

// RecordApply records a commit attempt.
func RecordApply(result string, d time.Duration) {
	applyDuration.WithLabelValues(result).Observe(d.Seconds())
}

// SetHistorySize records the number of events in history.
func SetHistorySize(n int) {
	historySize.Set(float64(n))
}

// RecordCycle records a finished self-evolution cycle.
func RecordCycle(status string, proposed, accepted, rejected int) {
	cyclesTotal.WithLabelValues(status).Inc()
	proposalsTotal.WithLabelValues("proposed").Add(float64(proposed))
	proposalsTotal.WithLabelValues("accepted").Add(float64(accepted))
	proposalsTotal.WithLabelValues("rejected").Add(float64(rejected))
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
