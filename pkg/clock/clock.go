// Package clock provides the monotonic tick source the timing engine runs on.
// Every component takes a Clock at construction so tests can drive time by hand.
package clock

import (
	"sync"
	"time"
)

// Clock is a per-unit monotonic time source. Readings are durations since an
// arbitrary boot instant and are never affected by wall-clock adjustments.
type Clock interface {
	// Now returns the monotonic time since boot.
	Now() time.Duration
}

// systemClock reads the runtime monotonic clock via time.Since.
type systemClock struct {
	boot time.Time
}

// System returns a Clock backed by the runtime monotonic clock.
func System() Clock {
	return &systemClock{boot: time.Now()}
}

func (c *systemClock) Now() time.Duration {
	return time.Since(c.boot)
}

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Duration
}

// NewFake creates a fake clock starting at zero.
func NewFake() *Fake {
	return &Fake{}
}

// Now returns the current fake time.
func (f *Fake) Now() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now += d
}

// Set jumps the fake clock to an absolute reading. It never moves backwards.
func (f *Fake) Set(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d > f.now {
		f.now = d
	}
}
