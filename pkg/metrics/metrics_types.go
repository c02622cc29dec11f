package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all metrics for the engine.
type Registry struct {
	// Synchronization metrics
	SyncOffsetMicros   prometheus.Gauge
	SyncDriftRate      prometheus.Gauge
	SyncQuality        prometheus.Gauge
	SyncSamplesTotal   *prometheus.CounterVec
	SyncBeaconInterval prometheus.Gauge

	// Beacon metrics
	BeaconBurstsTotal    prometheus.Counter
	BeaconFramesTotal    *prometheus.CounterVec
	BeaconBurstSpread    prometheus.Histogram
	BeaconIntervalEvents *prometheus.CounterVec

	// Cycle metrics
	CycleRole          *prometheus.GaugeVec
	CycleDurationMs    prometheus.Gauge
	CycleIntensity     prometheus.Gauge
	CycleTransitions   *prometheus.CounterVec
	ModeChangesTotal   *prometheus.CounterVec
	ModeCommitDuration prometheus.Histogram

	// Fallback metrics
	FallbackPhase            *prometheus.GaugeVec
	FallbackTransitionsTotal *prometheus.CounterVec
	ReconnectAttemptsTotal   *prometheus.CounterVec

	// Link metrics
	LinkDroppedFramesTotal prometheus.Gauge
	SessionEstablishments  *prometheus.CounterVec
	SessionRole            *prometheus.GaugeVec

	// Safety metrics
	WatchdogFaultsTotal   *prometheus.CounterVec
	EmergencyStopsTotal   prometheus.Counter
	ActuatorDeEnergized   prometheus.Counter

	registry *prometheus.Registry
}

var (
	defaultRegistry *Registry
	once            sync.Once
)

// DefaultRegistry returns the process-wide metrics registry.
func DefaultRegistry() *Registry {
	once.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// NewRegistry creates a registry with all metrics initialized.
func NewRegistry() *Registry {
	r := &Registry{registry: prometheus.NewRegistry()}
	r.initSyncMetrics()
	r.initCycleMetrics()
	r.initLinkMetrics()
	return r
}

// Prometheus exposes the underlying registry for the HTTP handler.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.registry
}
