package cycle

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// These properties must hold for every valid cycle configuration and every
// clock divergence inside the tolerated bound.
func TestCycleInvariants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	genConfig := gopter.CombineGens(
		gen.Int64Range(int64(MinCycle), int64(MaxCycle)),
		gen.Int64Range(int64(time.Millisecond), int64(MaxDeadTime)),
	).Map(func(vals []interface{}) Config {
		return Config{
			Cycle:     time.Duration(vals[0].(int64)),
			DeadTime:  time.Duration(vals[1].(int64)),
			Intensity: 60,
		}
	})

	// Property: the two units' active windows never intersect, for any phase
	// and any divergence up to the dead-time margin. One unit evaluates at
	// sync time, the other at sync time skewed by the residual divergence.
	properties.Property("active windows are disjoint under tolerated drift", prop.ForAll(
		func(config Config, syncNanos int64, skewNanos int64) bool {
			if err := config.Validate(); err != nil {
				return true
			}
			sync := time.Duration(syncNanos)
			skew := time.Duration(skewNanos)

			forward := config.CommandAt(sync, 0, ForwardHalf)
			reverse := config.CommandAt(sync+skew, 0, ReverseHalf)
			return forward.Direction == Off || reverse.Direction == Off
		},
		genConfig,
		gen.Int64Range(0, int64(20*time.Second)),
		gen.Int64Range(-int64(time.Millisecond), int64(time.Millisecond)),
	))

	// Property: skew past the dead-time margin is allowed to break
	// disjointness. The margin narrows, the failure is not masked: with skew
	// exceeding the dead time there exists a phase where both are active.
	properties.Property("margin narrows beyond dead time, not masked", prop.ForAll(
		func(config Config) bool {
			if err := config.Validate(); err != nil {
				return true
			}
			skew := config.DeadTime + time.Millisecond
			// Just before the forward window closes, the skewed reverse unit
			// already believes its half has begun.
			sync := config.Half() - config.DeadTime - time.Millisecond/2
			forward := config.CommandAt(sync, 0, ForwardHalf)
			reverse := config.CommandAt(sync+skew, 0, ReverseHalf)
			return forward.Direction == Forward && reverse.Direction == Reverse
		},
		genConfig,
	))

	// Property: half-cycle derivation. half = cycle/2 and the active window
	// stays positive across the whole valid range.
	properties.Property("half-cycle and active time derivation", prop.ForAll(
		func(config Config) bool {
			if err := config.Validate(); err != nil {
				return true
			}
			if config.Half() != config.Cycle/2 {
				return false
			}
			return config.ActiveTime() == config.Half()-config.DeadTime &&
				config.ActiveTime() > 0
		},
		genConfig,
	))

	// Property: phase reduction agrees for instants before and after the
	// epoch, so a unit joining late computes the same windows.
	properties.Property("phase is stable across epoch wraparound", prop.ForAll(
		func(config Config, cycles int64) bool {
			if err := config.Validate(); err != nil {
				return true
			}
			sync := 5 * time.Second
			shifted := sync + time.Duration(cycles)*config.Cycle
			return config.Phase(sync, 0) == config.Phase(shifted, 0)
		},
		genConfig,
		gen.Int64Range(-50, 50),
	))

	properties.TestingRun(t)
}
