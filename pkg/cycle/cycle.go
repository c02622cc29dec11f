// Package cycle converts synchronized time into actuation commands. Both
// units compute their phase independently from a shared epoch, so no
// per-transition message exchange exists to reintroduce transport-latency
// overlap risk: each unit owns a fixed half of the cycle by construction.
package cycle

import (
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/validation"
)

const (
	// MinCycle and MaxCycle bound the therapeutic band (0.25-2Hz). Values
	// outside are rejected at the boundary, never clamped.
	MinCycle = 500 * time.Millisecond
	MaxCycle = 4 * time.Second

	// DefaultDeadTime is the fixed pause after every half-cycle, independent
	// of cycle length. It is the safety margin against residual clock
	// divergence and the window in which the liveness token is fed.
	DefaultDeadTime = 25 * time.Millisecond

	// MaxDeadTime caps configuration so the active window stays positive at
	// the minimum cycle (half 250ms).
	MaxDeadTime = 100 * time.Millisecond

	MaxIntensity = 100
)

// HalfRole assigns this unit its fixed half of the bilateral cycle.
type HalfRole uint8

const (
	// ForwardHalf actuates during [0, half-dead) of each cycle.
	ForwardHalf HalfRole = iota
	// ReverseHalf actuates during [half, cycle-dead).
	ReverseHalf
)

func (r HalfRole) String() string {
	if r == ForwardHalf {
		return "forward"
	}
	return "reverse"
}

// Opposite returns the peer's half.
func (r HalfRole) Opposite() HalfRole {
	if r == ForwardHalf {
		return ReverseHalf
	}
	return ForwardHalf
}

// Direction is the actuator drive direction.
type Direction uint8

const (
	Off Direction = iota
	Forward
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return "off"
	}
}

// Command is the actuator output issued at each computed transition.
type Command struct {
	Direction Direction
	Intensity uint8
}

// Config is one bilateral cycle configuration. Immutable once validated;
// changes go through the two-phase commit so both units switch at the same
// logical instant.
type Config struct {
	Cycle     time.Duration
	DeadTime  time.Duration
	Intensity uint8
	Pattern   uint8
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	c.Cycle = validation.DefaultOrDuration(c.Cycle, time.Second)
	c.DeadTime = validation.DefaultOrDuration(c.DeadTime, DefaultDeadTime)
	if c.Intensity == 0 {
		c.Intensity = 50
	}
}

// Validate rejects out-of-range configurations. The previous valid
// configuration stays in effect on rejection.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("cycle").
		RangeDuration("cycle", c.Cycle, MinCycle, MaxCycle).
		RangeDuration("dead_time", c.DeadTime, time.Millisecond, MaxDeadTime).
		Custom("dead_time", c.DeadTime < c.Cycle/2,
			"must leave a positive active window").
		RangeInt("intensity", int(c.Intensity), 1, MaxIntensity).
		Validate()
}

// Half returns the half-cycle duration.
func (c Config) Half() time.Duration {
	return c.Cycle / 2
}

// ActiveTime returns the per-half actuation window length.
func (c Config) ActiveTime() time.Duration {
	return c.Half() - c.DeadTime
}

// Phase reduces a synchronized timestamp to the position within the cycle,
// relative to epoch. Timestamps before the epoch wrap negatively into the
// same [0, cycle) range so both units agree regardless of when they joined.
func (c Config) Phase(sync, epoch time.Duration) time.Duration {
	phase := (sync - epoch) % c.Cycle
	if phase < 0 {
		phase += c.Cycle
	}
	return phase
}

// Window returns the active window [from, to) for a role, as phase offsets.
func (c Config) Window(role HalfRole) (from, to time.Duration) {
	if role == ForwardHalf {
		return 0, c.Half() - c.DeadTime
	}
	return c.Half(), c.Cycle - c.DeadTime
}

// CommandAt computes the actuator command for a role at a synchronized
// instant. Outside the role's active window the command is Off; the dead-time
// tail of each half belongs to neither unit.
func (c Config) CommandAt(sync, epoch time.Duration, role HalfRole) Command {
	phase := c.Phase(sync, epoch)
	from, to := c.Window(role)
	if phase >= from && phase < to {
		dir := Forward
		if role == ReverseHalf {
			dir = Reverse
		}
		return Command{Direction: dir, Intensity: c.Intensity}
	}
	return Command{Direction: Off}
}

// NextTransition returns the next synchronized instant at which the command
// for this role can change, bounding the realtime task's sleep.
func (c Config) NextTransition(sync, epoch time.Duration, role HalfRole) time.Duration {
	phase := c.Phase(sync, epoch)
	from, to := c.Window(role)
	boundaries := [3]time.Duration{from, to, c.Cycle}
	for _, b := range boundaries {
		if phase < b {
			return sync + (b - phase)
		}
	}
	return sync + (c.Cycle - phase)
}

// InDeadTime reports whether the instant falls in a dead-time window, from
// either unit's half. The watchdog token is fed here.
func (c Config) InDeadTime(sync, epoch time.Duration) bool {
	phase := c.Phase(sync, epoch)
	half := c.Half()
	if phase >= half-c.DeadTime && phase < half {
		return true
	}
	return phase >= c.Cycle-c.DeadTime
}
