package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initSyncMetrics() {
	r.SyncOffsetMicros = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "haptics_sync_offset_microseconds",
			Help: "Estimated peer clock offset (peer minus self)",
		},
	)

	r.SyncDriftRate = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "haptics_sync_drift_rate",
			Help: "Smoothed relative clock speed difference (dimensionless)",
		},
	)

	r.SyncQuality = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "haptics_sync_quality",
			Help: "Clock estimate quality score (0-100)",
		},
	)

	r.SyncSamplesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_sync_samples_total",
			Help: "Timing samples processed by the drift estimator",
		},
		[]string{"outcome"}, // accepted, rejected
	)

	r.SyncBeaconInterval = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "haptics_sync_beacon_interval_seconds",
			Help: "Current adaptive inter-burst interval",
		},
	)

	r.BeaconBurstsTotal = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "haptics_beacon_bursts_total",
			Help: "Timing beacon bursts emitted",
		},
	)

	r.BeaconFramesTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_beacon_frames_total",
			Help: "Individual beacon frames",
		},
		[]string{"direction"}, // sent, received
	)

	r.BeaconBurstSpread = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "haptics_beacon_burst_spread_seconds",
			Help:    "Receive-time spread within one burst (local jitter signal)",
			Buckets: []float64{.001, .002, .005, .010, .020, .030, .050, .100},
		},
	)

	r.BeaconIntervalEvents = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "haptics_beacon_interval_events_total",
			Help: "Adaptive cadence decisions",
		},
		[]string{"event"}, // widened, collapsed
	)
}
