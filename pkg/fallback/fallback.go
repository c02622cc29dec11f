// Package fallback governs behavior across link-health states. Transitions
// are driven solely by sample arrival and elapsed time; no transition ever
// blocks on the peer.
package fallback

import (
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/validation"
)

// Phase is the link-health state.
type Phase uint8

const (
	// Synchronized: healthy link, recent high-quality samples, full
	// alternation.
	Synchronized Phase = iota
	// GracePeriod: samples stopped arriving; alternation continues on the
	// last-known drift model while residual divergence is still well inside
	// the dead-time margin.
	GracePeriod
	// FixedRoleOnly: grace expired. Each unit repeats only its own half,
	// with no dependency on the stale shared clock model. Periodic
	// non-blocking reconnect attempts run from here.
	FixedRoleOnly
	// Reconnecting: a reconnect attempt is in flight.
	Reconnecting
)

func (p Phase) String() string {
	switch p {
	case Synchronized:
		return "synchronized"
	case GracePeriod:
		return "grace_period"
	case FixedRoleOnly:
		return "fixed_role_only"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Isolated reports whether the unit is running without a trusted shared clock
// model. Reconnecting counts: the estimator was reset on session loss, so
// until a fresh sample lands the local clock is the only usable timebase.
func (p Phase) Isolated() bool {
	return p == FixedRoleOnly || p == Reconnecting
}

// Status is the copy-out snapshot other components read.
type Status struct {
	Phase     Phase
	EnteredAt time.Duration
	// LastSampleAt is the arrival time of the most recent accepted sample.
	LastSampleAt time.Duration
}

// Config tunes the machine. Zero values take defaults.
type Config struct {
	// Grace bounds how long alternation may coast on the stale model.
	// Validated together with the cycle dead-time: divergence accumulated
	// over this window must stay below the dead-time margin.
	Grace time.Duration

	// RedialPeriod paces reconnect attempts in FixedRoleOnly.
	RedialPeriod time.Duration

	// LossMultiplier and LossFloor derive the sample-loss window from the
	// current beacon interval: loss is declared after
	// max(LossMultiplier*interval, LossFloor) without a sample.
	LossMultiplier int
	LossFloor      time.Duration
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.Grace = validation.DefaultOrDuration(c.Grace, 2*time.Minute)
	c.RedialPeriod = validation.DefaultOrDuration(c.RedialPeriod, 5*time.Second)
	c.LossMultiplier = validation.DefaultOrInt(c.LossMultiplier, 2)
	c.LossFloor = validation.DefaultOrDuration(c.LossFloor, 3*time.Second)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("fallback").
		MinDuration("grace", c.Grace, time.Second).
		MinDuration("redial_period", c.RedialPeriod, time.Second).
		RangeInt("loss_multiplier", c.LossMultiplier, 1, 10).
		MinDuration("loss_floor", c.LossFloor, time.Second).
		Validate()
}

// Machine is the fallback state machine for one session. A single transition
// function (Tick) plus the sample/reconnect inputs drive it; the lock is held
// only for state updates.
type Machine struct {
	config Config
	logger logging.Logger

	// onSessionLost fires once on entry to FixedRoleOnly: the drift
	// estimator's reset signal.
	onSessionLost func()

	mu         sync.Mutex
	phase      Phase
	enteredAt  time.Duration
	lastSample time.Duration
	lastRedial time.Duration
}

// NewMachine starts a machine in Synchronized at the given time.
func NewMachine(config Config, now time.Duration, onSessionLost func(), logger logging.Logger) *Machine {
	config.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Machine{
		config:        config,
		logger:        logger,
		onSessionLost: onSessionLost,
		phase:         Synchronized,
		enteredAt:     now,
		lastSample:    now,
	}
}

// Status returns a snapshot.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{Phase: m.phase, EnteredAt: m.enteredAt, LastSampleAt: m.lastSample}
}

// OnSample records an accepted sample. Any fresh sample returns the machine
// directly to Synchronized; the estimator's model is trusted again
// immediately, with no probation phase.
func (m *Machine) OnSample(now time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSample = now
	if m.phase != Synchronized {
		m.transitionLocked(Synchronized, now)
	}
}

// Tick is the single time-driven transition function, called periodically by
// the supervisor with the current beacon interval.
func (m *Machine) Tick(now, beaconInterval time.Duration) Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.phase {
	case Synchronized:
		if now-m.lastSample > m.lossWindow(beaconInterval) {
			m.transitionLocked(GracePeriod, now)
		}
	case GracePeriod:
		if now-m.enteredAt > m.config.Grace {
			m.transitionLocked(FixedRoleOnly, now)
		}
	case Reconnecting:
		// A stalled attempt falls back; OnSample is the only exit upward.
		if now-m.enteredAt > m.config.RedialPeriod {
			m.transitionLocked(FixedRoleOnly, now)
		}
	}
	return m.phase
}

// ShouldRedial reports whether a reconnect attempt is due, and if so moves to
// Reconnecting. Attempts themselves are bounded and non-blocking; the caller
// reports the outcome via RedialFailed or an eventual OnSample.
func (m *Machine) ShouldRedial(now time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != FixedRoleOnly {
		return false
	}
	if m.lastRedial != 0 && now-m.lastRedial < m.config.RedialPeriod {
		return false
	}
	m.lastRedial = now
	m.transitionLocked(Reconnecting, now)
	return true
}

// RedialFailed reports a failed reconnect attempt.
func (m *Machine) RedialFailed(now time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == Reconnecting {
		m.transitionLocked(FixedRoleOnly, now)
	}
}

// transitionLocked is the one place phase changes happen. Caller holds the
// lock.
func (m *Machine) transitionLocked(next Phase, now time.Duration) {
	prev := m.phase
	if prev == next {
		return
	}
	m.phase = next
	m.enteredAt = now

	m.logger.Info("fallback phase transition",
		logging.String("from", prev.String()),
		logging.Phase(next.String()),
		logging.Duration("at", now))

	// Entering FixedRoleOnly from grace means the session is lost and the
	// shared clock model can no longer be trusted.
	if next == FixedRoleOnly && prev == GracePeriod && m.onSessionLost != nil {
		m.onSessionLost()
	}
}

func (m *Machine) lossWindow(beaconInterval time.Duration) time.Duration {
	w := time.Duration(m.config.LossMultiplier) * beaconInterval
	if w < m.config.LossFloor {
		w = m.config.LossFloor
	}
	return w
}
