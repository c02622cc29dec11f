package engine

import (
	"errors"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/cycle"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/telemetry"
	"github.com/lemonforest/mlehaptics-sub009/pkg/transport"
)

// realtimeTick caps the realtime task's sleep so phase changes, mode commits
// and shutdown all take effect within a bounded window.
const realtimeTick = 20 * time.Millisecond

// realtimeTask drives the actuator: compute the command for the current
// synchronized instant, apply it on change, sleep until the earlier of the
// next transition or the tick cap. The watchdog is fed from dead-time
// windows, never from the active path.
func (e *Engine) realtimeTask() {
	cycles := e.cycleScheduler()
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-timer.C:
		}

		if e.awaitingSync() {
			// A client with no accepted samples yet has no usable shared
			// timebase; actuating against a guessed epoch could overlap the
			// server's half. Stay off and keep the token fed.
			e.applyCommand(cycle.Command{Direction: cycle.Off}, e.clk.Now())
			e.monitor.Feed("realtime")
			timer.Reset(realtimeTick)
			continue
		}

		sync := e.syncNow()
		cmd := cycles.CommandAt(sync)

		if e.phases.Status().Phase.Isolated() {
			// Isolated: repeat only the assigned half on the local clock.
			// The scheduler already confines commands to this unit's half,
			// so the phase only switches the timebase (handled in syncNow).
			cmd = cycles.CommandAt(e.clk.Now())
		}

		e.applyCommand(cmd, sync)

		if cycles.InDeadTime(sync) {
			e.monitor.Feed("realtime")
		}

		sleep := cycles.NextTransition(sync) - sync
		if sleep > realtimeTick {
			sleep = realtimeTick
		}
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		timer.Reset(sleep)
	}
}

// applyCommand issues the actuator command when it changed since the last
// issue.
func (e *Engine) applyCommand(cmd cycle.Command, sync time.Duration) {
	e.mu.Lock()
	if e.stopping || cmd == e.lastCmd {
		e.mu.Unlock()
		return
	}
	e.lastCmd = cmd
	e.mu.Unlock()

	if err := e.actuator.Apply(cmd); err != nil {
		e.logger.Error("actuator apply failed", logging.Error(err))
		return
	}
	e.registry.RecordTransition(cmd.Direction)
	if e.recorder != nil {
		est := e.estimator.Snapshot()
		ev := telemetry.NewEvent(sync, "transition")
		ev.Direction = cmd.Direction.String()
		ev.Phase = e.phases.Status().Phase.String()
		ev.OffsetMicros = est.Offset.Microseconds()
		ev.Quality = est.Quality
		e.recorder.Record(ev)
	}
}

// commTask services the operational link: beacons feed the assembler and the
// fallback machine, coordination messages dispatch immediately. The receive
// wait is bounded so the loop keeps feeding its liveness token.
func (e *Engine) commTask() {
	for {
		select {
		case <-e.stopCh:
			return
		default:
		}
		e.monitor.Feed("comm")

		frame, err := e.op.Recv(500 * time.Millisecond)
		if err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return
			}
			// Timeouts and missing keys are quiet; sample absence is the
			// supervisor's signal, not an error here.
			continue
		}
		e.registry.LinkDroppedFramesTotal.Set(float64(e.op.DroppedFrames()))

		decoded, err := transport.DecodeFrame(frame)
		if err != nil {
			e.logger.Debug("malformed frame dropped", logging.Error(err))
			continue
		}

		switch msg := decoded.(type) {
		case *transport.TimingBeacon:
			e.handleBeacon(msg)
		case *transport.Message:
			e.handleCoordination(msg)
		}
	}
}

func (e *Engine) handleBeacon(b *transport.TimingBeacon) {
	recvAt := e.clk.Now()
	before := e.estimator.Snapshot()
	e.assembler.Observe(b, recvAt)
	after := e.estimator.Snapshot()

	accepted := after.Accepted > before.Accepted
	e.registry.RecordSample(accepted)
	e.registry.BeaconFramesTotal.WithLabelValues("received").Inc()
	e.registry.UpdateClockEstimate(after)
	if accepted {
		e.phases.OnSample(recvAt)
	}
}

// supervisorTask runs the time-driven side: fallback ticks, bounded
// reconnect attempts, phase metrics.
func (e *Engine) supervisorTask() {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	lastPhase := e.phases.Status().Phase
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}

		now := e.clk.Now()
		phase := e.phases.Tick(now, e.scheduler.Interval())
		if phase != lastPhase {
			e.registry.FallbackTransitionsTotal.WithLabelValues(phase.String()).Inc()
			e.registry.SetFallbackPhase(phase)
			if e.recorder != nil {
				ev := telemetry.NewEvent(now, "phase")
				ev.Phase = phase.String()
				e.recorder.Record(ev)
			}
			lastPhase = phase
		}

		if e.phases.ShouldRedial(now) {
			e.registry.ReconnectAttemptsTotal.WithLabelValues("started").Inc()
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.redial()
			}()
		}
	}
}

// redial makes one bounded reconnect attempt. Success shows up as fresh
// samples; this only reports failure back to the machine.
func (e *Engine) redial() {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil {
		return
	}

	err := e.boot.Connect(sess.Peer, e.config.Session.ConnectTimeout)
	if err != nil && !errors.Is(err, transport.ErrConnectionExists) {
		e.registry.ReconnectAttemptsTotal.WithLabelValues("failed").Inc()
		e.phases.RedialFailed(e.clk.Now())
		return
	}
	// Connection came back: emit an immediate burst so the peer's estimator
	// gets fresh samples right away, then drop the bootstrap peer connection
	// again.
	e.scheduler.EmitBurst()
	if derr := e.boot.Disconnect(); derr != nil {
		e.logger.Debug("redial disconnect failed", logging.Error(derr))
	}
}

// emergencyTask forwards emergency stops to the peer. The local safety
// action already ran before anything reached this queue.
func (e *Engine) emergencyTask() {
	for {
		select {
		case <-e.stopCh:
			return
		case reason := <-e.emergency:
			e.sendCoordination(transport.MsgEmergency, transport.Emergency{Reason: reason})
			if e.recorder != nil {
				ev := telemetry.NewEvent(e.clk.Now(), "emergency")
				ev.Direction = cycle.Off.String()
				e.recorder.Record(ev)
			}
			e.Stop()
			return
		}
	}
}

// handleCoordination dispatches a coordination message the moment it arrives.
func (e *Engine) handleCoordination(msg *transport.Message) {
	switch msg.Type {
	case transport.MsgModePropose:
		e.handleModePropose(msg)
	case transport.MsgModeAck:
		e.handleModeAck(msg)
	case transport.MsgModeConfirm:
		e.handleModeConfirm(msg)
	case transport.MsgShutdown:
		var sd transport.Shutdown
		if err := msg.Decode(&sd); err == nil {
			e.logger.Info("peer announced shutdown", logging.String("reason", sd.Reason))
		}
		e.Stop()
	case transport.MsgEmergency:
		var em transport.Emergency
		if err := msg.Decode(&em); err == nil {
			e.logger.Warn("peer emergency stop", logging.String("reason", em.Reason))
		}
		e.Stop()
	default:
		e.logger.Debug("unknown coordination message", logging.Int("type", int(msg.Type)))
	}
}

func (e *Engine) handleModePropose(msg *transport.Message) {
	var change transport.ModeChange
	if err := msg.Decode(&change); err != nil {
		e.logger.Debug("malformed mode proposal dropped", logging.Error(err))
		return
	}
	// Dead time is a local safety margin, never negotiated: the staged config
	// keeps this unit's current value.
	current, _, _ := e.cycleScheduler().Snapshot()
	p := cycle.Proposal{
		ID: change.ProposalID,
		Config: cycle.Config{
			Cycle:     time.Duration(change.CycleMillis) * time.Millisecond,
			DeadTime:  current.DeadTime,
			Intensity: change.Intensity,
			Pattern:   change.Pattern,
		},
		TargetEpoch: time.Duration(change.TargetEpoch) * time.Microsecond,
	}

	ack := transport.ModeAck{ProposalID: p.ID, Accepted: true}
	if err := e.cycleScheduler().Stage(p, e.syncNow()); err != nil {
		e.logger.Warn("mode proposal rejected", logging.Error(err))
		e.registry.ModeChangesTotal.WithLabelValues("rejected").Inc()
		ack.Accepted = false
		ack.Reason = err.Error()
	}
	e.sendCoordination(transport.MsgModeAck, ack)
}

func (e *Engine) handleModeAck(msg *transport.Message) {
	var ack transport.ModeAck
	if err := msg.Decode(&ack); err != nil {
		return
	}
	if !ack.Accepted {
		e.logger.Warn("mode proposal refused by peer",
			logging.String("proposal_id", ack.ProposalID),
			logging.String("reason", ack.Reason))
		e.cycleScheduler().Abort(ack.ProposalID)
		e.registry.ModeChangesTotal.WithLabelValues("aborted").Inc()
		e.mu.Lock()
		delete(e.proposedAt, ack.ProposalID)
		e.mu.Unlock()
		return
	}
	// Commit locally and tell the peer to do the same. A lost confirm shows
	// up as the peer never applying; the target epoch lead leaves room for
	// the retry the companion may issue.
	if err := e.cycleScheduler().Confirm(ack.ProposalID); err != nil {
		e.logger.Warn("confirm of acked proposal failed", logging.Error(err))
		return
	}
	e.sendCoordination(transport.MsgModeConfirm, transport.ModeAck{
		ProposalID: ack.ProposalID,
		Accepted:   true,
	})
	e.registry.ModeChangesTotal.WithLabelValues("applied").Inc()

	e.mu.Lock()
	startedAt, tracked := e.proposedAt[ack.ProposalID]
	delete(e.proposedAt, ack.ProposalID)
	e.mu.Unlock()
	if tracked {
		e.registry.ModeCommitDuration.Observe((e.syncNow() - startedAt).Seconds())
	}
}

func (e *Engine) handleModeConfirm(msg *transport.Message) {
	var confirm transport.ModeAck
	if err := msg.Decode(&confirm); err != nil {
		return
	}
	if err := e.cycleScheduler().Confirm(confirm.ProposalID); err != nil {
		// Replays of already-applied confirms land here as no-ops; anything
		// else is logged and dropped.
		if !errors.Is(err, cycle.ErrUnknownProposal) {
			e.logger.Warn("mode confirm failed", logging.Error(err))
		}
		return
	}
	e.registry.ModeChangesTotal.WithLabelValues("applied").Inc()
}

// ProposeMode starts a two-phase mode change: stage locally, ship the
// proposal immediately (never queued behind the beacon cadence), and let the
// ack/confirm exchange land it at the shared future epoch.
func (e *Engine) ProposeMode(config cycle.Config) (string, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return "", err
	}
	now := e.syncNow()
	p := cycle.NewProposal(config, now)
	if err := e.cycleScheduler().Stage(p, now); err != nil {
		return "", err
	}
	e.mu.Lock()
	e.proposedAt[p.ID] = now
	e.mu.Unlock()
	e.registry.ModeChangesTotal.WithLabelValues("proposed").Inc()
	e.sendCoordination(transport.MsgModePropose, transport.ModeChange{
		ProposalID:  p.ID,
		CycleMillis: uint32(p.Config.Cycle.Milliseconds()),
		Intensity:   p.Config.Intensity,
		Pattern:     p.Config.Pattern,
		TargetEpoch: p.TargetEpoch.Microseconds(),
	})
	return p.ID, nil
}

// sendCoordination ships a coordination message to the peer, fire-and-forget.
func (e *Engine) sendCoordination(msgType transport.MessageType, payload any) {
	msg, err := transport.NewMessage(msgType, payload)
	if err != nil {
		e.logger.Error("failed to build coordination message", logging.Error(err))
		return
	}
	frame, err := transport.EncodeCoordFrame(msg)
	if err != nil {
		e.logger.Error("failed to encode coordination message", logging.Error(err))
		return
	}
	if err := e.op.Unicast(frame); err != nil {
		e.logger.Debug("coordination send dropped", logging.Error(err))
	}
}
