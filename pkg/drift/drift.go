// Package drift maintains a running model of the peer clock's offset and
// drift rate relative to the local clock, filtered from timing-beacon
// samples. The estimator is a pure filter: rejected samples never mutate the
// estimate, and reset happens only on an explicit session-loss signal.
package drift

import (
	"math"
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/validation"
)

const (
	// alphaFast is the offset smoothing weight during fast attack, the first
	// fastAttackSamples accepted samples after a reset.
	alphaFast = 0.30
	// alphaSteady is the steady-state offset smoothing weight.
	alphaSteady = 0.10
	// alphaDrift smooths the instantaneous per-sample drift rate.
	alphaDrift = 0.10

	// driftBaselineMin is the shortest baseline over which an instantaneous
	// drift rate is measured. Samples inside one burst sit BurstSpacing apart,
	// where a millisecond of receive jitter would read as percent-level drift;
	// real clock skew is only visible across burst groups.
	driftBaselineMin = 500 * time.Millisecond

	fastAttackSamples = 12

	// Outlier floors: a sample is rejected when its implied offset deviates
	// from the estimate by more than max(4 sigma, floor). The floor is looser
	// during fast attack, when the estimate itself is still moving.
	outlierSigmas      = 4.0
	outlierFloorFast   = 50 * time.Millisecond
	outlierFloorSteady = 100 * time.Millisecond

	// ringSlots is the fixed sample history depth used for the variance term.
	ringSlots = 8

	qualityStep = 10
	qualityMax  = 100
)

// Sample is one received timing beacon, paired with the local receive
// timestamp. Both timestamps are monotonic durations since the respective
// unit's boot.
type Sample struct {
	Seq         uint32
	BurstIndex  uint8
	PeerSentAt  time.Duration
	LocalRecvAt time.Duration
}

// Estimate is the read-only snapshot handed to every other component.
type Estimate struct {
	// Offset is peer-minus-self, so peer time = local time + Offset.
	Offset time.Duration
	// DriftRate is the smoothed relative clock speed difference,
	// dimensionless (seconds of divergence per second of local time).
	DriftRate float64
	// Quality is 0-100; the fallback machine keys off it.
	Quality int
	// LastUpdated is the local receive time of the last accepted sample.
	LastUpdated time.Duration
	// HighStreak counts consecutive accepted in-band samples; LowStreak
	// counts consecutive rejections. The beacon scheduler reads both.
	HighStreak int
	LowStreak  int
	// Accepted and Rejected are lifetime sample counts since the last reset.
	Accepted uint64
	Rejected uint64
}

// Initialized reports whether at least one sample has been accepted since the
// last reset.
func (e Estimate) Initialized() bool {
	return e.Accepted > 0
}

// Config tunes the estimator. Zero values take defaults.
type Config struct {
	// TransitEstimate is the assumed one-way operational-link delay,
	// subtracted from every raw offset observation.
	TransitEstimate time.Duration

	// BurstJitterThreshold: a burst whose receive-time spread exceeds this
	// degrades quality even when every member sample is in band.
	BurstJitterThreshold time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.TransitEstimate = validation.DefaultOrDuration(c.TransitEstimate, 2*time.Millisecond)
	c.BurstJitterThreshold = validation.DefaultOrDuration(c.BurstJitterThreshold, 30*time.Millisecond)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("drift").
		MinDuration("transit_estimate", c.TransitEstimate, 0).
		MinDuration("burst_jitter_threshold", c.BurstJitterThreshold, time.Millisecond).
		Validate()
}

// Estimator filters timing samples into a ClockEstimate. All methods are safe
// for concurrent use; the lock is held only for the state update, never
// across any wait.
type Estimator struct {
	config Config
	logger logging.Logger

	mu  sync.Mutex
	est Estimate
	// anchorObs/anchorAt mark the last drift measurement point; the anchor
	// advances only after driftBaselineMin of local time.
	anchorObs time.Duration
	anchorAt  time.Duration
	ring      [ringSlots]time.Duration
	ringLen   int
	ringNext  int
}

// NewEstimator builds an estimator with defaults applied.
func NewEstimator(config Config, logger logging.Logger) *Estimator {
	config.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Estimator{config: config, logger: logger}
}

// AddSample feeds one received beacon. Returns true if the sample was
// accepted into the estimate, false if it was rejected as an outlier.
func (e *Estimator) AddSample(s Sample) bool {
	obs := s.PeerSentAt + e.config.TransitEstimate - s.LocalRecvAt

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.est.Initialized() {
		e.seed(obs, s.LocalRecvAt)
		return true
	}

	deviation := obs - e.est.Offset
	if deviation < 0 {
		deviation = -deviation
	}
	if deviation > e.outlierBound() {
		e.est.Rejected++
		e.est.LowStreak++
		e.est.HighStreak = 0
		e.est.Quality /= 2
		e.logger.Debug("timing sample rejected",
			logging.Seq(s.Seq),
			logging.Offset(obs),
			logging.Quality(e.est.Quality))
		return false
	}

	alpha := alphaSteady
	if e.est.Accepted < fastAttackSamples {
		alpha = alphaFast
	}

	// Instantaneous drift rate over the interval since the anchor, itself
	// smoothed to reject jitter. Intra-burst samples refine the offset but
	// never the rate: their baseline is too short to carry a skew signal.
	if dt := s.LocalRecvAt - e.anchorAt; dt >= driftBaselineMin {
		inst := float64(obs-e.anchorObs) / float64(dt)
		e.est.DriftRate = alphaDrift*inst + (1-alphaDrift)*e.est.DriftRate
		e.anchorObs = obs
		e.anchorAt = s.LocalRecvAt
	}

	e.est.Offset += time.Duration(alpha * float64(obs-e.est.Offset))
	e.est.LastUpdated = s.LocalRecvAt
	e.est.Accepted++
	e.est.HighStreak++
	e.est.LowStreak = 0
	e.est.Quality = min(e.est.Quality+qualityStep, qualityMax)
	e.pushRing(obs)
	return true
}

// RecordBurstSpread feeds the receive-time spread of one completed burst, the
// local jitter signal. A noisy burst degrades quality even when each member
// sample individually passed the outlier gate.
func (e *Estimator) RecordBurstSpread(spread time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if spread > e.config.BurstJitterThreshold {
		e.est.Quality /= 2
		e.est.HighStreak = 0
		e.logger.Debug("noisy burst degraded quality",
			logging.Duration("spread", spread),
			logging.Quality(e.est.Quality))
	}
}

// Reset clears the model. Called only when the fallback machine declares the
// session lost; transient sample loss never resets the estimate.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.est = Estimate{}
	e.anchorObs = 0
	e.anchorAt = 0
	e.ringLen = 0
	e.ringNext = 0
	e.logger.Info("clock estimate reset")
}

// Snapshot returns a copy of the current estimate.
func (e *Estimator) Snapshot() Estimate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.est
}

// PeerTime converts a local timestamp to estimated peer time, extrapolating
// the drift rate forward from the last accepted sample.
func (e *Estimator) PeerTime(local time.Duration) time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	elapsed := local - e.est.LastUpdated
	correction := time.Duration(e.est.DriftRate * float64(elapsed))
	return local + e.est.Offset + correction
}

func (e *Estimator) seed(obs, at time.Duration) {
	e.est.Offset = obs
	e.est.LastUpdated = at
	e.est.Accepted = 1
	e.est.HighStreak = 1
	e.est.Quality = qualityStep
	e.anchorObs = obs
	e.anchorAt = at
	e.pushRing(obs)
}

func (e *Estimator) pushRing(obs time.Duration) {
	e.ring[e.ringNext] = obs
	e.ringNext = (e.ringNext + 1) % ringSlots
	if e.ringLen < ringSlots {
		e.ringLen++
	}
}

// outlierBound is max(4 sigma over the ring, phase-dependent floor).
// Caller holds the lock.
func (e *Estimator) outlierBound() time.Duration {
	floor := outlierFloorSteady
	if e.est.Accepted < fastAttackSamples {
		floor = outlierFloorFast
	}
	sigma := e.ringStddev()
	if bound := time.Duration(outlierSigmas * sigma); bound > floor {
		return bound
	}
	return floor
}

func (e *Estimator) ringStddev() float64 {
	if e.ringLen < 2 {
		return 0
	}
	var sum float64
	for i := 0; i < e.ringLen; i++ {
		sum += float64(e.ring[i])
	}
	mean := sum / float64(e.ringLen)
	var sq float64
	for i := 0; i < e.ringLen; i++ {
		d := float64(e.ring[i]) - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(e.ringLen-1))
}
