// Package beacon paces timing-sample exchange over the operational link. Sync
// events are bursts of closely-spaced broadcasts, and the cadence between
// bursts adapts to observed link quality: widen when synchronization is
// holding, collapse the moment it degrades.
package beacon

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/clock"
	"github.com/lemonforest/mlehaptics-sub009/pkg/drift"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/transport"
	"github.com/lemonforest/mlehaptics-sub009/pkg/validation"
)

// Config tunes the burst shape and the adaptive interval policy. Zero values
// take defaults.
type Config struct {
	// BurstSize broadcasts per sync event, BurstSpacing apart. Losing any
	// individual broadcast still leaves the estimator usable data points.
	BurstSize    int
	BurstSpacing time.Duration

	// MinInterval/MaxInterval bound the inter-burst cadence.
	MinInterval time.Duration
	MaxInterval time.Duration

	// After HighStreakBursts consecutive bursts with quality >= HighQuality
	// the interval doubles. Quality < LowQuality collapses it to MinInterval.
	HighQuality      int
	LowQuality       int
	HighStreakBursts int
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.BurstSize = validation.DefaultOrInt(c.BurstSize, 4)
	c.BurstSpacing = validation.DefaultOrDuration(c.BurstSpacing, 25*time.Millisecond)
	c.MinInterval = validation.DefaultOrDuration(c.MinInterval, time.Second)
	c.MaxInterval = validation.DefaultOrDuration(c.MaxInterval, 60*time.Second)
	c.HighQuality = validation.DefaultOrInt(c.HighQuality, 80)
	c.LowQuality = validation.DefaultOrInt(c.LowQuality, 40)
	c.HighStreakBursts = validation.DefaultOrInt(c.HighStreakBursts, 4)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("beacon").
		RangeInt("burst_size", c.BurstSize, 1, 16).
		MinDuration("burst_spacing", c.BurstSpacing, time.Millisecond).
		MinDuration("min_interval", c.MinInterval, 100*time.Millisecond).
		Custom("max_interval", c.MaxInterval >= c.MinInterval,
			"must be at least min_interval").
		RangeInt("high_quality", c.HighQuality, 1, 100).
		RangeInt("low_quality", c.LowQuality, 0, 100).
		Custom("low_quality", c.LowQuality < c.HighQuality,
			"must be below high_quality").
		RangeInt("high_streak_bursts", c.HighStreakBursts, 1, 64).
		Validate()
}

// Scheduler owns burst emission and the adaptive interval. Coordination
// traffic never goes through here; it rides the operational link directly,
// the moment it is triggered.
type Scheduler struct {
	config Config
	link   transport.OperationalLink
	clk    clock.Clock
	est    *drift.Estimator
	logger logging.Logger

	seq atomic.Uint32

	mu         sync.Mutex
	onBurst    func(frames int, interval time.Duration)
	interval   time.Duration
	highStreak int
}

// NewScheduler builds a scheduler starting at the minimum interval.
func NewScheduler(config Config, link transport.OperationalLink, clk clock.Clock, est *drift.Estimator, logger logging.Logger) *Scheduler {
	config.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scheduler{
		config:   config,
		link:     link,
		clk:      clk,
		est:      est,
		logger:   logger,
		interval: config.MinInterval,
	}
}

// SetBurstHook registers an observer called after every emitted burst with
// the frame count and the cadence now in effect.
func (s *Scheduler) SetBurstHook(fn func(frames int, interval time.Duration)) {
	s.mu.Lock()
	s.onBurst = fn
	s.mu.Unlock()
}

// EmitBurst broadcasts one complete burst, timestamping each frame at
// transmit. Individual send failures are fire-and-forget losses.
func (s *Scheduler) EmitBurst() {
	seq := s.seq.Add(1)
	size := s.config.BurstSize
	for i := 0; i < size; i++ {
		if i > 0 {
			time.Sleep(s.config.BurstSpacing)
		}
		frame := transport.EncodeBeaconFrame(transport.TimingBeacon{
			Seq:        seq,
			BurstIndex: uint8(i),
			BurstSize:  uint8(size),
			SentAt:     s.clk.Now(),
		})
		if err := s.link.Broadcast(frame); err != nil {
			s.logger.Debug("beacon broadcast failed",
				logging.Seq(seq), logging.Error(err))
		}
	}
	s.adapt()

	s.mu.Lock()
	hook, interval := s.onBurst, s.interval
	s.mu.Unlock()
	if hook != nil {
		hook(size, interval)
	}
}

// adapt applies the hysteresis policy after a burst, reading the estimator's
// current quality.
func (s *Scheduler) adapt() {
	quality := s.est.Snapshot().Quality

	s.mu.Lock()
	defer s.mu.Unlock()

	if quality < s.config.LowQuality {
		if s.interval != s.config.MinInterval {
			s.logger.Info("beacon interval collapsed",
				logging.Quality(quality), logging.Interval(s.config.MinInterval))
		}
		s.interval = s.config.MinInterval
		s.highStreak = 0
		return
	}

	if quality >= s.config.HighQuality {
		s.highStreak++
		if s.highStreak >= s.config.HighStreakBursts {
			s.highStreak = 0
			widened := s.interval * 2
			if widened > s.config.MaxInterval {
				widened = s.config.MaxInterval
			}
			if widened != s.interval {
				s.logger.Info("beacon interval widened",
					logging.Quality(quality), logging.Interval(widened))
			}
			s.interval = widened
		}
		return
	}

	// Mid-band quality holds the current cadence but breaks the streak.
	s.highStreak = 0
}

// Collapse forces the cadence back to the minimum, used when the receive side
// observes a noisy burst or the fallback machine degrades.
func (s *Scheduler) Collapse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interval != s.config.MinInterval {
		s.logger.Info("beacon interval collapsed", logging.Interval(s.config.MinInterval))
	}
	s.interval = s.config.MinInterval
	s.highStreak = 0
}

// Interval returns the current inter-burst cadence.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// Run emits bursts on the adaptive cadence until stop closes. Every wait is
// bounded; an interval change takes effect at the next burst boundary.
func (s *Scheduler) Run(stop <-chan struct{}) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-stop:
			return
		case <-timer.C:
			s.EmitBurst()
			timer.Reset(s.Interval())
		}
	}
}
