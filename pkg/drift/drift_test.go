package drift

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEstimator(t *testing.T) *Estimator {
	t.Helper()
	cfg := Config{}
	cfg.ApplyDefaults()
	require.NoError(t, cfg.Validate())
	return NewEstimator(cfg, nil)
}

// feedConstantOffset feeds n samples with a fixed true peer offset, spaced by
// interval, starting at local time start. Transit is chosen to cancel the
// configured transit estimate so the observation equals the true offset.
func feedConstantOffset(e *Estimator, offset time.Duration, n int, start, interval time.Duration) {
	for i := 0; i < n; i++ {
		local := start + time.Duration(i)*interval
		e.AddSample(Sample{
			Seq:         uint32(i),
			PeerSentAt:  local + offset - e.config.TransitEstimate,
			LocalRecvAt: local,
		})
	}
}

// feedBursts feeds burst-shaped traffic: groups of size samples 25ms apart,
// groups spaced interval apart. The true peer offset grows at rate; jitter
// returns per-sample receive noise. Returns the last local receive time.
func feedBursts(e *Estimator, bursts, size int, interval time.Duration, rate float64, jitter func(n int) time.Duration) time.Duration {
	const spacing = 25 * time.Millisecond
	var last time.Duration
	n := 0
	for b := 0; b < bursts; b++ {
		base := time.Second + time.Duration(b)*interval
		for i := 0; i < size; i++ {
			local := base + time.Duration(i)*spacing
			offset := time.Duration(rate * float64(local))
			e.AddSample(Sample{
				Seq:         uint32(b + 1),
				BurstIndex:  uint8(i),
				PeerSentAt:  local + offset + jitter(n) - e.config.TransitEstimate,
				LocalRecvAt: local,
			})
			last = local
			n++
		}
	}
	return last
}

func TestConvergesToConstantOffset(t *testing.T) {
	e := newTestEstimator(t)
	trueOffset := 40 * time.Millisecond

	feedConstantOffset(e, trueOffset, 12, time.Second, time.Second)

	est := e.Snapshot()
	assert.InDelta(t, float64(trueOffset), float64(est.Offset), float64(time.Millisecond),
		"estimate should converge within 1ms after 12 clean samples")
	assert.Equal(t, uint64(12), est.Accepted)
	assert.Zero(t, est.Rejected)
	assert.Equal(t, qualityMax, est.Quality)
}

func TestFirstSampleSeedsEstimate(t *testing.T) {
	e := newTestEstimator(t)
	accepted := e.AddSample(Sample{
		PeerSentAt:  3*time.Second + 25*time.Millisecond - e.config.TransitEstimate,
		LocalRecvAt: 3 * time.Second,
	})
	require.True(t, accepted)

	est := e.Snapshot()
	assert.Equal(t, 25*time.Millisecond, est.Offset)
	assert.Equal(t, qualityStep, est.Quality)
	assert.True(t, est.Initialized())
}

func TestOutlierDoesNotMoveEstimate(t *testing.T) {
	e := newTestEstimator(t)
	feedConstantOffset(e, 10*time.Millisecond, 20, time.Second, time.Second)
	before := e.Snapshot()

	// A wild half-second spike, far beyond the steady-state 100ms floor.
	accepted := e.AddSample(Sample{
		Seq:         99,
		PeerSentAt:  30*time.Second + 500*time.Millisecond,
		LocalRecvAt: 30 * time.Second,
	})
	assert.False(t, accepted)

	after := e.Snapshot()
	assert.Equal(t, before.Offset, after.Offset)
	assert.Equal(t, before.DriftRate, after.DriftRate)
	assert.Equal(t, before.LastUpdated, after.LastUpdated)
	assert.Equal(t, uint64(1), after.Rejected)
	assert.Equal(t, before.Quality/2, after.Quality)
	assert.Equal(t, 1, after.LowStreak)
	assert.Zero(t, after.HighStreak)
}

func TestFastAttackUsesTighterFloor(t *testing.T) {
	e := newTestEstimator(t)
	feedConstantOffset(e, 0, 2, time.Second, time.Second)

	// 70ms deviation: outside the 50ms fast-attack floor, inside the 100ms
	// steady floor. Must be rejected while still attacking.
	accepted := e.AddSample(Sample{
		PeerSentAt:  10*time.Second + 70*time.Millisecond - e.config.TransitEstimate,
		LocalRecvAt: 10 * time.Second,
	})
	assert.False(t, accepted)

	// The same deviation after convergence passes the steady floor.
	e2 := newTestEstimator(t)
	feedConstantOffset(e2, 0, fastAttackSamples, time.Second, time.Second)
	accepted = e2.AddSample(Sample{
		PeerSentAt:  60*time.Second + 70*time.Millisecond - e2.config.TransitEstimate,
		LocalRecvAt: 60 * time.Second,
	})
	assert.True(t, accepted)
}

func TestDriftRateTracksLinearDivergence(t *testing.T) {
	e := newTestEstimator(t)

	// Peer clock runs 100ppm fast: offset grows 100µs per second.
	const ppm = 100e-6
	for i := 0; i < 60; i++ {
		local := time.Duration(i) * time.Second
		offset := time.Duration(ppm * float64(local))
		e.AddSample(Sample{
			Seq:         uint32(i),
			PeerSentAt:  local + offset - e.config.TransitEstimate,
			LocalRecvAt: local,
		})
	}

	est := e.Snapshot()
	assert.InDelta(t, ppm, est.DriftRate, ppm/2,
		"drift rate should approach 100ppm")
	assert.Greater(t, est.DriftRate, 0.0)
}

func TestBurstJitterDoesNotBecomeDrift(t *testing.T) {
	e := newTestEstimator(t)

	// Zero true drift, cycling ±1ms in-band receive jitter. Over the 25ms
	// intra-burst spacing that jitter would read as percent-level skew; the
	// rate must only ever be measured across burst groups.
	last := feedBursts(e, 30, 4, time.Second, 0, func(n int) time.Duration {
		switch n % 3 {
		case 0:
			return time.Millisecond
		case 1:
			return 0
		default:
			return -time.Millisecond
		}
	})

	est := e.Snapshot()
	assert.InDelta(t, 0, est.DriftRate, 5e-4,
		"in-band jitter must not register as clock skew")

	// Extrapolated over a full 60s widened cadence, the residual rate must
	// stay well inside the 25ms dead-time margin.
	local := last + 60*time.Second
	peer := e.PeerTime(local)
	assert.InDelta(t, float64(local+est.Offset), float64(peer),
		float64(15*time.Millisecond))
}

func TestBurstSpacedSamplesStillTrackDrift(t *testing.T) {
	e := newTestEstimator(t)

	// Peer clock 100ppm fast, clean burst-shaped traffic. The cross-burst
	// baseline still carries the skew signal.
	const ppm = 100e-6
	feedBursts(e, 40, 4, time.Second, ppm, func(int) time.Duration { return 0 })

	est := e.Snapshot()
	assert.InDelta(t, ppm, est.DriftRate, ppm/4,
		"drift rate should approach 100ppm from burst-spaced samples")
	assert.Greater(t, est.DriftRate, 0.0)
}

func TestPeerTimeExtrapolatesDrift(t *testing.T) {
	e := newTestEstimator(t)
	feedConstantOffset(e, 20*time.Millisecond, 12, time.Second, time.Second)

	local := 30 * time.Second
	peer := e.PeerTime(local)
	assert.InDelta(t, float64(local+20*time.Millisecond), float64(peer),
		float64(2*time.Millisecond))
}

func TestNoisyBurstDegradesQuality(t *testing.T) {
	e := newTestEstimator(t)
	feedConstantOffset(e, 0, 10, time.Second, time.Second)
	require.Equal(t, qualityMax, e.Snapshot().Quality)

	e.RecordBurstSpread(5 * time.Millisecond) // in band
	assert.Equal(t, qualityMax, e.Snapshot().Quality)

	e.RecordBurstSpread(45 * time.Millisecond) // beyond the 30ms threshold
	est := e.Snapshot()
	assert.Equal(t, qualityMax/2, est.Quality)
	assert.Zero(t, est.HighStreak)
}

func TestResetClearsEverything(t *testing.T) {
	e := newTestEstimator(t)
	feedConstantOffset(e, 15*time.Millisecond, 10, time.Second, time.Second)

	e.Reset()
	est := e.Snapshot()
	assert.Equal(t, Estimate{}, est)
	assert.False(t, est.Initialized())

	// The estimator re-seeds cleanly after a reset.
	assert.True(t, e.AddSample(Sample{
		PeerSentAt:  100 * time.Second,
		LocalRecvAt: 100 * time.Second,
	}))
}

func TestConfigValidation(t *testing.T) {
	bad := Config{TransitEstimate: -time.Millisecond, BurstJitterThreshold: time.Second}
	assert.Error(t, bad.Validate())

	good := Config{}
	good.ApplyDefaults()
	assert.NoError(t, good.Validate())
}
