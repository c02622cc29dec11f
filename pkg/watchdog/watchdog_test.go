package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonforest/mlehaptics-sub009/pkg/clock"
)

func TestFedTokensNeverFire(t *testing.T) {
	clk := clock.NewFake()
	fired := 0
	m := NewMonitor(clk, func(Fault) { fired++ }, nil)
	m.Register("realtime", 100*time.Millisecond)

	for i := 0; i < 10; i++ {
		clk.Advance(50 * time.Millisecond)
		m.Feed("realtime")
		assert.Nil(t, m.Check())
	}
	assert.Zero(t, fired)
}

func TestStarvedTokenFiresSafetyActionOnce(t *testing.T) {
	clk := clock.NewFake()
	var faults []Fault
	m := NewMonitor(clk, func(f Fault) { faults = append(faults, f) }, nil)
	m.Register("realtime", 100*time.Millisecond)
	m.Register("comm", time.Second)

	clk.Advance(150 * time.Millisecond)
	fault := m.Check()
	require.NotNil(t, fault)
	assert.Equal(t, "realtime", fault.Token)
	require.Len(t, faults, 1)

	// Detection is bounded and the action is one-shot: later checks still
	// report but never re-fire the safety action.
	clk.Advance(time.Second)
	m.Check()
	assert.Len(t, faults, 1)
}

func TestStarvationDetectedWithinBoundedTime(t *testing.T) {
	clk := clock.NewFake()
	m := NewMonitor(clk, nil, nil)
	m.Register("realtime", 100*time.Millisecond)

	// One feed, then silence. The token must trip strictly after the limit.
	m.Feed("realtime")
	clk.Advance(100 * time.Millisecond)
	assert.Nil(t, m.Check(), "at the limit, not past it")
	clk.Advance(time.Millisecond)
	assert.NotNil(t, m.Check())
}

func TestFeedUnknownTokenIsSoftFailure(t *testing.T) {
	clk := clock.NewFake()
	m := NewMonitor(clk, nil, nil)
	assert.NotPanics(t, func() { m.Feed("nonexistent") })
}
