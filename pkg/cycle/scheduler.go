package cycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
)

// EpochLead is the minimum distance into the future a mode change's target
// epoch must sit, covering propose/ack/confirm round trips with margin.
const EpochLead = 500 * time.Millisecond

var (
	// ErrUnknownProposal reports a confirm for a proposal never staged.
	ErrUnknownProposal = errors.New("cycle: unknown proposal")

	// ErrProposalPending reports a second proposal staged before the first
	// resolved.
	ErrProposalPending = errors.New("cycle: a proposal is already pending")

	// ErrEpochTooSoon reports a target epoch inside the commit lead window.
	ErrEpochTooSoon = errors.New("cycle: target epoch too soon")
)

// Proposal is one staged mode change: the new configuration plus the shared
// future epoch at which both units apply it.
type Proposal struct {
	ID          string
	Config      Config
	TargetEpoch time.Duration
}

// NewProposal allocates a proposal taking effect EpochLead past now.
func NewProposal(config Config, now time.Duration) Proposal {
	return Proposal{
		ID:          uuid.NewString(),
		Config:      config,
		TargetEpoch: now + EpochLead,
	}
}

// Scheduler owns the live cycle state for one unit: current configuration,
// epoch, assigned half, and the staged mode change. Reads and updates hold
// the lock only for the state copy, never across a wait.
type Scheduler struct {
	logger logging.Logger

	mu        sync.Mutex
	config    Config
	epoch     time.Duration
	role      HalfRole
	staged    *Proposal
	confirmed bool
	// appliedIDs remembers recently applied proposals so replayed confirms
	// stay no-ops. Bounded: only the last few matter.
	appliedIDs [4]string
	appliedIdx int
}

// NewScheduler starts a scheduler at the given epoch with a validated config.
func NewScheduler(config Config, role HalfRole, epoch time.Duration, logger logging.Logger) (*Scheduler, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Scheduler{logger: logger, config: config, epoch: epoch, role: role}, nil
}

// Snapshot returns the current configuration, epoch and role.
func (s *Scheduler) Snapshot() (Config, time.Duration, HalfRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config, s.epoch, s.role
}

// SetRole reassigns the unit's half. Only the session manager calls this,
// once, before actuation starts.
func (s *Scheduler) SetRole(role HalfRole) {
	s.mu.Lock()
	s.role = role
	s.mu.Unlock()
}

// CommandAt computes this unit's actuator command at a synchronized instant,
// applying any confirmed mode change whose epoch has arrived.
func (s *Scheduler) CommandAt(sync time.Duration) Command {
	s.mu.Lock()
	s.applyDueLocked(sync)
	config, epoch, role := s.config, s.epoch, s.role
	s.mu.Unlock()
	return config.CommandAt(sync, epoch, role)
}

// NextTransition bounds the realtime task's next sleep.
func (s *Scheduler) NextTransition(sync time.Duration) time.Duration {
	s.mu.Lock()
	s.applyDueLocked(sync)
	config, epoch, role := s.config, s.epoch, s.role
	staged := s.staged
	confirmed := s.confirmed
	s.mu.Unlock()

	next := config.NextTransition(sync, epoch, role)
	if confirmed && staged != nil && staged.TargetEpoch > sync && staged.TargetEpoch < next {
		next = staged.TargetEpoch
	}
	return next
}

// InDeadTime reports whether the instant is inside a dead-time window.
func (s *Scheduler) InDeadTime(sync time.Duration) bool {
	s.mu.Lock()
	config, epoch := s.config, s.epoch
	s.mu.Unlock()
	return config.InDeadTime(sync, epoch)
}

// Stage validates and stages a proposal: the receiver's propose handling and
// the proposer's local bookkeeping both go through here.
func (s *Scheduler) Stage(p Proposal, now time.Duration) error {
	cfg := p.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("rejecting mode proposal %s: %w", p.ID, err)
	}
	if p.TargetEpoch < now+EpochLead/2 {
		return fmt.Errorf("rejecting mode proposal %s: %w", p.ID, ErrEpochTooSoon)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged != nil && s.staged.ID != p.ID {
		return fmt.Errorf("rejecting mode proposal %s: %w", p.ID, ErrProposalPending)
	}
	p.Config = cfg
	s.staged = &p
	s.confirmed = false
	s.logger.Info("mode proposal staged",
		logging.String("proposal_id", p.ID),
		logging.Duration("cycle", cfg.Cycle),
		logging.Duration("target_epoch", p.TargetEpoch))
	return nil
}

// Confirm marks a staged proposal committed; it is applied when its epoch
// arrives. A confirm replayed after application is a no-op, and a confirm
// for an unknown proposal is an error with no state mutation.
func (s *Scheduler) Confirm(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, applied := range s.appliedIDs {
		if applied != "" && applied == id {
			return nil // duplicate confirm after apply
		}
	}
	if s.staged == nil || s.staged.ID != id {
		return fmt.Errorf("confirm %s: %w", id, ErrUnknownProposal)
	}
	s.confirmed = true
	return nil
}

// Abort drops a staged-but-unconfirmed proposal, e.g. on a rejecting ack.
func (s *Scheduler) Abort(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged != nil && s.staged.ID == id && !s.confirmed {
		s.staged = nil
	}
}

// applyDueLocked applies a confirmed proposal once its epoch arrives. The
// epoch itself becomes the new cycle origin, so both units re-phase at the
// same logical instant.
func (s *Scheduler) applyDueLocked(sync time.Duration) {
	if s.staged == nil || !s.confirmed || sync < s.staged.TargetEpoch {
		return
	}
	s.config = s.staged.Config
	s.epoch = s.staged.TargetEpoch
	s.appliedIDs[s.appliedIdx] = s.staged.ID
	s.appliedIdx = (s.appliedIdx + 1) % len(s.appliedIDs)
	s.logger.Info("mode change applied",
		logging.String("proposal_id", s.staged.ID),
		logging.Duration("cycle", s.config.Cycle))
	s.staged = nil
	s.confirmed = false
}
