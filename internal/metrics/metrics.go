// Package metrics exposes Prometheus counters for checkpoint playback.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Trigger reasons.
const (
	ReasonProximity = "proximity"
	ReasonSkipOver  = "skip_over"
	ReasonDeferred  = "deferred"
	ReasonManual    = "manual"
)

var (
	checkpointTriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflect_checkpoint_triggers_total",
		Help: "Checkpoints that paused playback, by detection reason",
	}, []string{"reason"})

	playerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflect_player_errors_total",
		Help: "Player integration failures by operation",
	}, []string{"op"})

	sessionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflect_session_outcomes_total",
		Help: "Resolved checkpoint sessions by outcome",
	}, []string{"outcome"})

	evaluationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflect_evaluations_total",
		Help: "Answer evaluations by result",
	}, []string{"result"})

	collaboratorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reflect_collaborator_failures_total",
		Help: "Failed collaborator calls that fell back to degraded behaviour",
	}, []string{"collaborator"})

	activePlaybacks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reflect_active_playbacks",
		Help: "Playback tabs currently connected",
	})
)

// RecordTrigger counts a checkpoint trigger.
func RecordTrigger(reason string) {
	checkpointTriggersTotal.WithLabelValues(reason).Inc()
}

// RecordPlayerError counts a failed player call ("pause", "play", "time").
func RecordPlayerError(op string) {
	playerErrorsTotal.WithLabelValues(op).Inc()
}

// RecordSessionOutcome counts a resolved session.
func RecordSessionOutcome(outcome string) {
	sessionOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordEvaluation counts an evaluation result ("correct", "incorrect", "error").
func RecordEvaluation(result string) {
	evaluationsTotal.WithLabelValues(result).Inc()
}

// RecordCollaboratorFailure counts a degraded collaborator call.
func RecordCollaboratorFailure(collaborator string) {
	collaboratorFailuresTotal.WithLabelValues(collaborator).Inc()
}

// IncActivePlaybacks increments the connected playback gauge.
func IncActivePlaybacks() { activePlaybacks.Inc() }

// DecActivePlaybacks decrements the connected playback gauge.
func DecActivePlaybacks() { activePlaybacks.Dec() }
