package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initLinkMetrics() {
	r.LinkDroppedFramesTotal = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "haptics_link_dropped_frames_total",
			Help: "Operational frames rejected by authentication",
		},
	)

	r.SessionEstablishments = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_session_establishments_total",
			Help: "Peer session establishment outcomes",
		},
		[]string{"outcome"}, // established, failed
	)

	r.SessionRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "haptics_session_role",
			Help: "Session role (1 for the assigned role)",
		},
		[]string{"role"}, // server, client
	)

	r.WatchdogFaultsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_watchdog_faults_total",
			Help: "Liveness token starvations",
		},
		[]string{"token"},
	)

	r.EmergencyStopsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "haptics_emergency_stops_total",
			Help: "Emergency stop events",
		},
	)

	r.ActuatorDeEnergized = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "haptics_actuator_deenergized_total",
			Help: "Safety de-energize actions",
		},
	)
}
