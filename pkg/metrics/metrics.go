// Package metrics exposes the engine's observable state through a prometheus
// registry, served by the daemon's /metrics endpoint.
package metrics

import (
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/cycle"
	"github.com/lemonforest/mlehaptics-sub009/pkg/drift"
	"github.com/lemonforest/mlehaptics-sub009/pkg/fallback"
)

// UpdateClockEstimate publishes a drift estimator snapshot.
func (r *Registry) UpdateClockEstimate(est drift.Estimate) {
	r.SyncOffsetMicros.Set(float64(est.Offset.Microseconds()))
	r.SyncDriftRate.Set(est.DriftRate)
	r.SyncQuality.Set(float64(est.Quality))
}

// RecordSample records one estimator decision.
func (r *Registry) RecordSample(accepted bool) {
	outcome := "rejected"
	if accepted {
		outcome = "accepted"
	}
	r.SyncSamplesTotal.WithLabelValues(outcome).Inc()
}

// RecordBurst records an emitted burst and the current cadence.
func (r *Registry) RecordBurst(frames int, interval time.Duration) {
	r.BeaconBurstsTotal.Inc()
	r.BeaconFramesTotal.WithLabelValues("sent").Add(float64(frames))
	r.SyncBeaconInterval.Set(interval.Seconds())
}

// SetFallbackPhase publishes the current link-health phase.
func (r *Registry) SetFallbackPhase(phase fallback.Phase) {
	for p := fallback.Synchronized; p <= fallback.Reconnecting; p++ {
		v := 0.0
		if p == phase {
			v = 1.0
		}
		r.FallbackPhase.WithLabelValues(p.String()).Set(v)
	}
}

// SetCycleConfig publishes the live cycle configuration.
func (r *Registry) SetCycleConfig(cfg cycle.Config) {
	r.CycleDurationMs.Set(float64(cfg.Cycle.Milliseconds()))
	r.CycleIntensity.Set(float64(cfg.Intensity))
}

// SetCycleRole publishes the assigned half.
func (r *Registry) SetCycleRole(role cycle.HalfRole) {
	r.CycleRole.WithLabelValues("forward").Set(0)
	r.CycleRole.WithLabelValues("reverse").Set(0)
	r.CycleRole.WithLabelValues(role.String()).Set(1)
}

// SetSessionRole publishes the session role.
func (r *Registry) SetSessionRole(role string) {
	r.SessionRole.WithLabelValues("server").Set(0)
	r.SessionRole.WithLabelValues("client").Set(0)
	if role == "server" || role == "client" {
		r.SessionRole.WithLabelValues(role).Set(1)
	}
}

// RecordTransition records one actuator command issue.
func (r *Registry) RecordTransition(direction cycle.Direction) {
	r.CycleTransitions.WithLabelValues(direction.String()).Inc()
}
