package cycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{Cycle: time.Second, DeadTime: 25 * time.Millisecond, Intensity: 60}
}

func TestConfigBoundaryRejection(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"valid midrange", func(c *Config) {}, true},
		{"minimum cycle", func(c *Config) { c.Cycle = MinCycle }, true},
		{"maximum cycle", func(c *Config) { c.Cycle = MaxCycle }, true},
		{"below minimum", func(c *Config) { c.Cycle = MinCycle - time.Millisecond }, false},
		{"above maximum", func(c *Config) { c.Cycle = MaxCycle + time.Millisecond }, false},
		{"zero dead time", func(c *Config) { c.DeadTime = 0 }, false},
		{"dead time over ceiling", func(c *Config) { c.DeadTime = MaxDeadTime + time.Millisecond }, false},
		{"intensity over range", func(c *Config) { c.Intensity = 101 }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err, "must be rejected, never clamped")
			}
		})
	}
}

func TestMinimumCycleKeepsPositiveActiveTime(t *testing.T) {
	cfg := Config{Cycle: MinCycle, DeadTime: MaxDeadTime, Intensity: 60}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 150*time.Millisecond, cfg.ActiveTime())
	assert.Positive(t, cfg.ActiveTime())
}

func TestCommandAtWalksTheCycle(t *testing.T) {
	cfg := validConfig() // 1s cycle, 25ms dead time, windows [0,475) and [500,975)
	cases := []struct {
		sync time.Duration
		role HalfRole
		want Direction
	}{
		{0, ForwardHalf, Forward},
		{474 * time.Millisecond, ForwardHalf, Forward},
		{475 * time.Millisecond, ForwardHalf, Off},      // dead time
		{500 * time.Millisecond, ForwardHalf, Off},      // peer's half
		{0, ReverseHalf, Off},
		{500 * time.Millisecond, ReverseHalf, Reverse},
		{974 * time.Millisecond, ReverseHalf, Reverse},
		{975 * time.Millisecond, ReverseHalf, Off},      // dead time
		{1500 * time.Millisecond, ReverseHalf, Reverse}, // next cycle
	}
	for _, tc := range cases {
		got := cfg.CommandAt(tc.sync, 0, tc.role)
		assert.Equal(t, tc.want, got.Direction, "sync=%v role=%v", tc.sync, tc.role)
		if tc.want != Off {
			assert.Equal(t, uint8(60), got.Intensity)
		}
	}
}

func TestPhaseBeforeEpochWrapsPositive(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 900*time.Millisecond, cfg.Phase(900*time.Millisecond, 2*time.Second))
}

func TestInDeadTime(t *testing.T) {
	cfg := validConfig()
	assert.False(t, cfg.InDeadTime(400*time.Millisecond, 0))
	assert.True(t, cfg.InDeadTime(480*time.Millisecond, 0))
	assert.False(t, cfg.InDeadTime(500*time.Millisecond, 0))
	assert.True(t, cfg.InDeadTime(990*time.Millisecond, 0))
}

func TestNextTransitionBoundsSleep(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 475*time.Millisecond, cfg.NextTransition(100*time.Millisecond, 0, ForwardHalf))
	assert.Equal(t, time.Second, cfg.NextTransition(600*time.Millisecond, 0, ForwardHalf))
	assert.Equal(t, 500*time.Millisecond, cfg.NextTransition(100*time.Millisecond, 0, ReverseHalf))
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler(validConfig(), ForwardHalf, 0, nil)
	require.NoError(t, err)
	return s
}

func TestModeCommitAppliesAtTargetEpoch(t *testing.T) {
	s := newTestScheduler(t)
	now := 2 * time.Second
	p := NewProposal(Config{Cycle: 2 * time.Second, DeadTime: 25 * time.Millisecond, Intensity: 80}, now)
	require.Equal(t, now+EpochLead, p.TargetEpoch)

	require.NoError(t, s.Stage(p, now))
	require.NoError(t, s.Confirm(p.ID))

	// Before the target epoch the old configuration stays live.
	cfg, _, _ := s.Snapshot()
	assert.Equal(t, time.Second, cfg.Cycle)
	_ = s.CommandAt(p.TargetEpoch - time.Millisecond)
	cfg, _, _ = s.Snapshot()
	assert.Equal(t, time.Second, cfg.Cycle)

	// At the epoch, the change lands and the epoch becomes the cycle origin.
	_ = s.CommandAt(p.TargetEpoch)
	cfg, epoch, _ := s.Snapshot()
	assert.Equal(t, 2*time.Second, cfg.Cycle)
	assert.Equal(t, uint8(80), cfg.Intensity)
	assert.Equal(t, p.TargetEpoch, epoch)
}

func TestDuplicateConfirmIsNoOp(t *testing.T) {
	s := newTestScheduler(t)
	now := 2 * time.Second
	p := NewProposal(Config{Cycle: 3 * time.Second, DeadTime: 25 * time.Millisecond, Intensity: 70}, now)
	require.NoError(t, s.Stage(p, now))
	require.NoError(t, s.Confirm(p.ID))
	_ = s.CommandAt(p.TargetEpoch)
	cfg, epoch, _ := s.Snapshot()
	require.Equal(t, 3*time.Second, cfg.Cycle)

	// A replayed confirm must neither re-apply nor corrupt anything.
	require.NoError(t, s.Confirm(p.ID))
	_ = s.CommandAt(p.TargetEpoch + 10*time.Second)
	cfgAfter, epochAfter, _ := s.Snapshot()
	assert.Equal(t, cfg, cfgAfter)
	assert.Equal(t, epoch, epochAfter)
}

func TestConfirmUnknownProposalFails(t *testing.T) {
	s := newTestScheduler(t)
	err := s.Confirm("no-such-proposal")
	assert.ErrorIs(t, err, ErrUnknownProposal)
}

func TestStageRejectsOutOfRangeConfig(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Second
	p := NewProposal(Config{Cycle: 10 * time.Second, DeadTime: 25 * time.Millisecond, Intensity: 60}, now)
	assert.Error(t, s.Stage(p, now))

	// Previous valid configuration remains in effect.
	cfg, _, _ := s.Snapshot()
	assert.Equal(t, time.Second, cfg.Cycle)
}

func TestStageRejectsSecondProposal(t *testing.T) {
	s := newTestScheduler(t)
	now := time.Second
	p1 := NewProposal(Config{Cycle: 2 * time.Second, DeadTime: 25 * time.Millisecond, Intensity: 60}, now)
	p2 := NewProposal(Config{Cycle: 3 * time.Second, DeadTime: 25 * time.Millisecond, Intensity: 60}, now)
	require.NoError(t, s.Stage(p1, now))
	assert.ErrorIs(t, s.Stage(p2, now), ErrProposalPending)

	// Aborting the pending proposal unblocks staging.
	s.Abort(p1.ID)
	assert.NoError(t, s.Stage(p2, now))
}

func TestStageRejectsEpochTooSoon(t *testing.T) {
	s := newTestScheduler(t)
	p := NewProposal(validConfig(), 0)
	err := s.Stage(p, 10*time.Second)
	assert.ErrorIs(t, err, ErrEpochTooSoon)
}
