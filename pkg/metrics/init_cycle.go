package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initCycleMetrics() {
	r.CycleRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haptics_cycle_role",
			Help: "Assigned cycle half (1 for the active assignment)",
		},
		[]string{"half"}, // forward, reverse
	)

	r.CycleDurationMs = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "haptics_cycle_duration_milliseconds",
			Help: "Configured bilateral cycle duration",
		},
	)

	r.CycleIntensity = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "haptics_cycle_intensity",
			Help: "Configured actuation intensity (0-100)",
		},
	)

	r.CycleTransitions = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_cycle_transitions_total",
			Help: "Actuator transitions issued",
		},
		[]string{"direction"}, // forward, reverse, off
	)

	r.ModeChangesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_mode_changes_total",
			Help: "Two-phase mode change outcomes",
		},
		[]string{"outcome"}, // proposed, applied, rejected, aborted
	)

	r.ModeCommitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "haptics_mode_commit_duration_seconds",
			Help:    "Propose-to-confirm latency of mode changes",
			Buckets: []float64{.25, .5, .75, 1, 1.5, 2, 5},
		},
	)

	r.FallbackPhase = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haptics_fallback_phase",
			Help: "Link-health phase (1 for the current phase)",
		},
		[]string{"phase"},
	)

	r.FallbackTransitionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_fallback_transitions_total",
			Help: "Fallback phase transitions",
		},
		[]string{"to"},
	)

	r.ReconnectAttemptsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_reconnect_attempts_total",
			Help: "Bounded reconnect attempts from FixedRoleOnly",
		},
		[]string{"outcome"}, // started, failed
	)
}
