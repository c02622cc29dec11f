// Package engine wires the synchronization core into a running unit: a fixed
// set of cooperating tasks (realtime, comm, supervisor, emergency) over the
// two transports, with snapshot-only shared state and bounded waits
// everywhere. Local safety actions never wait on the peer.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/beacon"
	"github.com/lemonforest/mlehaptics-sub009/pkg/clock"
	"github.com/lemonforest/mlehaptics-sub009/pkg/cycle"
	"github.com/lemonforest/mlehaptics-sub009/pkg/drift"
	"github.com/lemonforest/mlehaptics-sub009/pkg/fallback"
	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/metrics"
	"github.com/lemonforest/mlehaptics-sub009/pkg/session"
	"github.com/lemonforest/mlehaptics-sub009/pkg/telemetry"
	"github.com/lemonforest/mlehaptics-sub009/pkg/transport"
	"github.com/lemonforest/mlehaptics-sub009/pkg/watchdog"
)

// Actuator is the external driver boundary. Apply must complete with
// sub-millisecond bounded latency; the engine issues one command per
// transition, not per tick.
type Actuator interface {
	Apply(cmd cycle.Command) error
}

// Config aggregates the per-component configurations.
type Config struct {
	Session  session.Config
	Drift    drift.Config
	Beacon   beacon.Config
	Cycle    cycle.Config
	Fallback fallback.Config

	// RealtimeTokenLimit and CommTokenLimit bound watchdog starvation
	// detection for the two fed tasks.
	RealtimeTokenLimit time.Duration
	CommTokenLimit     time.Duration
}

// ApplyDefaults fills unset fields across all components.
func (c *Config) ApplyDefaults() {
	c.Session.ApplyDefaults()
	c.Drift.ApplyDefaults()
	c.Beacon.ApplyDefaults()
	c.Cycle.ApplyDefaults()
	c.Fallback.ApplyDefaults()
	if c.RealtimeTokenLimit <= 0 {
		// Dead-time windows recur every half-cycle; the longest valid cycle
		// plus margin bounds the gap between feeds.
		c.RealtimeTokenLimit = cycle.MaxCycle + time.Second
	}
	if c.CommTokenLimit <= 0 {
		c.CommTokenLimit = 5 * time.Second
	}
}

// worstCaseDriftRate is the relative clock error with both units' crystals at
// opposite tolerance extremes (100ppm each). Divergence accumulated while
// coasting must stay inside the dead-time margin.
const worstCaseDriftRate = 200e-6

// Validate checks all component configurations, plus the one cross-component
// constraint: the grace period and dead time are only safe together.
func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Drift.Validate(); err != nil {
		return err
	}
	if err := c.Beacon.Validate(); err != nil {
		return err
	}
	if err := c.Cycle.Validate(); err != nil {
		return err
	}
	if err := c.Fallback.Validate(); err != nil {
		return err
	}
	divergence := time.Duration(float64(c.Fallback.Grace) * worstCaseDriftRate)
	if divergence > c.Cycle.DeadTime {
		return fmt.Errorf("grace period %v can accumulate %v of clock divergence, more than the %v dead-time margin",
			c.Fallback.Grace, divergence, c.Cycle.DeadTime)
	}
	return nil
}

// Status is the copy-out view served to the companion and the status TUI.
type Status struct {
	Unit     string            `json:"unit"`
	Peer     string            `json:"peer,omitempty"`
	Role     string            `json:"role"`
	Phase    string            `json:"phase"`
	Offset   int64             `json:"offset_us"`
	Quality  int               `json:"quality"`
	Interval string            `json:"beacon_interval"`
	Cycle    string            `json:"cycle"`
	Command  map[string]string `json:"command"`
}

// Engine owns the task set for one unit.
type Engine struct {
	config   Config
	self     identity.Unit
	boot     transport.BootstrapLink
	op       transport.OperationalLink
	clk      clock.Clock
	actuator Actuator
	logger   logging.Logger
	registry *metrics.Registry
	recorder *telemetry.Recorder

	sessions  *session.Manager
	estimator *drift.Estimator
	scheduler *beacon.Scheduler
	assembler *beacon.Assembler
	cycles    *cycle.Scheduler
	phases    *fallback.Machine
	monitor   *watchdog.Monitor

	// emergency is the bounded channel fed from the button/ISR boundary.
	// The enqueueing side has already performed the minimal de-energize.
	emergency chan string

	mu         sync.Mutex
	sess       *session.PeerSession
	lastCmd    cycle.Command
	stopping   bool
	proposedAt map[string]time.Duration

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithRecorder attaches a telemetry recorder.
func WithRecorder(r *telemetry.Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithRegistry attaches a metrics registry.
func WithRegistry(r *metrics.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// New assembles an engine. Run starts it.
func New(config Config, self identity.Unit, boot transport.BootstrapLink, op transport.OperationalLink, clk clock.Clock, actuator Actuator, logger logging.Logger, opts ...Option) (*Engine, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine configuration: %w", err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	e := &Engine{
		config:     config,
		self:       self,
		boot:       boot,
		op:         op,
		clk:        clk,
		actuator:   actuator,
		logger:     logger.With(logging.Unit(self.String())),
		emergency:  make(chan string, 4),
		stopCh:     make(chan struct{}),
		proposedAt: make(map[string]time.Duration),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = metrics.NewRegistry()
	}

	e.estimator = drift.NewEstimator(config.Drift, logger)
	e.sessions = session.NewManager(config.Session, self, boot, op, clk, logger)
	e.scheduler = beacon.NewScheduler(config.Beacon, op, clk, e.estimator, logger)
	e.assembler = beacon.NewAssembler(e.estimator, e.scheduler, config.Drift.BurstJitterThreshold)
	e.phases = fallback.NewMachine(config.Fallback, clk.Now(), e.onSessionLost, logger)
	e.monitor = watchdog.NewMonitor(clk, e.onStarvation, logger)

	var lastInterval time.Duration
	e.scheduler.SetBurstHook(func(frames int, interval time.Duration) {
		e.registry.RecordBurst(frames, interval)
		e.mu.Lock()
		prev := lastInterval
		lastInterval = interval
		e.mu.Unlock()
		switch {
		case prev != 0 && interval > prev:
			e.registry.BeaconIntervalEvents.WithLabelValues("widened").Inc()
		case prev != 0 && interval < prev:
			e.registry.BeaconIntervalEvents.WithLabelValues("collapsed").Inc()
		}
	})
	e.assembler.SetSpreadHook(func(spread time.Duration) {
		e.registry.BeaconBurstSpread.Observe(spread.Seconds())
	})

	return e, nil
}

// Run establishes the session and runs the task set until Stop. It returns
// once all tasks have drained.
func (e *Engine) Run() error {
	sess, err := e.sessions.Establish(e.stopCh)
	if err != nil {
		if errors.Is(err, session.ErrStopped) {
			return nil
		}
		e.registry.SessionEstablishments.WithLabelValues("failed").Inc()
		return fmt.Errorf("session establishment failed: %w", err)
	}
	e.registry.SessionEstablishments.WithLabelValues("established").Inc()
	e.registry.SetSessionRole(sess.Role.String())

	cycles, err := cycle.NewScheduler(e.config.Cycle, sess.Role.Half(), 0, e.logger)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.sess = sess
	e.cycles = cycles
	e.mu.Unlock()
	e.registry.SetCycleRole(sess.Role.Half())
	e.registry.SetCycleConfig(e.config.Cycle)

	e.monitor.Register("realtime", e.config.RealtimeTokenLimit)
	e.monitor.Register("comm", e.config.CommTokenLimit)

	for name, task := range map[string]func(){
		"realtime":  e.realtimeTask,
		"comm":      e.commTask,
		"beacons":   func() { e.scheduler.Run(e.stopCh) },
		"superv":    e.supervisorTask,
		"emergency": e.emergencyTask,
		"watchdog":  func() { e.monitor.Run(time.Second) },
	} {
		e.wg.Add(1)
		go func(name string, task func()) {
			defer e.wg.Done()
			task()
		}(name, task)
	}

	e.wg.Wait()
	return nil
}

// Stop shuts the engine down: de-energize locally, notify the peer
// fire-and-forget, stop all tasks.
func (e *Engine) Stop() {
	e.stopped.Do(func() {
		e.mu.Lock()
		e.stopping = true
		e.mu.Unlock()

		e.deEnergize("shutdown")
		e.sendCoordination(transport.MsgShutdown, transport.Shutdown{Reason: "session end"})
		close(e.stopCh)
		e.monitor.Stop()
		e.sessions.End()
		if e.recorder != nil {
			if err := e.recorder.Flush(); err != nil {
				e.logger.Warn("telemetry flush failed", logging.Error(err))
			}
		}
	})
}

// EmergencyStop is the ISR-boundary entry point: the immediate local
// de-energize happens here, synchronously, before anything is queued. The
// peer notification rides the emergency task.
func (e *Engine) EmergencyStop(reason string) {
	e.deEnergize(reason)
	e.registry.EmergencyStopsTotal.Inc()
	select {
	case e.emergency <- reason:
	default:
		// Queue full means a notification is already in flight; the local
		// action above is what matters.
	}
}

// Status returns a copy-out snapshot.
func (e *Engine) Status() Status {
	est := e.estimator.Snapshot()
	ph := e.phases.Status()

	e.mu.Lock()
	sess := e.sess
	cmd := e.lastCmd
	e.mu.Unlock()

	st := Status{
		Unit:     e.self.String(),
		Phase:    ph.Phase.String(),
		Role:     session.Unassigned.String(),
		Offset:   est.Offset.Microseconds(),
		Quality:  est.Quality,
		Interval: e.scheduler.Interval().String(),
		Command: map[string]string{
			"direction": cmd.Direction.String(),
			"intensity": fmt.Sprintf("%d", cmd.Intensity),
		},
	}
	if sess != nil {
		st.Peer = sess.Peer.String()
		st.Role = sess.Role.String()
	}
	if e.cycleScheduler() != nil {
		cfg, _, _ := e.cycleScheduler().Snapshot()
		st.Cycle = cfg.Cycle.String()
	}
	return st
}

func (e *Engine) cycleScheduler() *cycle.Scheduler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cycles
}

// syncNow maps the local clock onto synchronized time: the server's clock is
// the shared timebase, so the client corrects through the drift model. In the
// isolated phases the local clock stands alone; the stale model is not used.
func (e *Engine) syncNow() time.Duration {
	local := e.clk.Now()

	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || sess.Role == session.Server {
		return local
	}
	if e.phases.Status().Phase.Isolated() {
		return local
	}
	return e.estimator.PeerTime(local)
}

// awaitingSync reports whether this unit must hold off actuation until the
// drift model has at least one accepted sample. Only the client corrects its
// clock, and only while the session still follows the shared timebase.
func (e *Engine) awaitingSync() bool {
	e.mu.Lock()
	sess := e.sess
	e.mu.Unlock()
	if sess == nil || sess.Role != session.Client {
		return false
	}
	// Isolated phases actuate on the raw local clock; holding off here would
	// leave the unit de-energized for the whole redial cadence.
	if e.phases.Status().Phase.Isolated() {
		return false
	}
	return !e.estimator.Snapshot().Initialized()
}

// deEnergize is the one local safety action. It depends on nothing but the
// actuator handle.
func (e *Engine) deEnergize(reason string) {
	if err := e.actuator.Apply(cycle.Command{Direction: cycle.Off}); err != nil {
		e.logger.Error("de-energize failed", logging.Error(err))
	}
	e.registry.ActuatorDeEnergized.Inc()
	e.mu.Lock()
	e.lastCmd = cycle.Command{Direction: cycle.Off}
	e.mu.Unlock()
	e.logger.Warn("actuator de-energized", logging.String("reason", reason))
}

// onStarvation is the watchdog's fatal-fault path.
func (e *Engine) onStarvation(f watchdog.Fault) {
	e.registry.WatchdogFaultsTotal.WithLabelValues(f.Token).Inc()
	e.deEnergize("watchdog starvation: " + f.Token)
	e.Stop()
}

// onSessionLost is the fallback machine's isolation signal: the only caller
// of the estimator reset.
func (e *Engine) onSessionLost() {
	e.estimator.Reset()
	e.scheduler.Collapse()
}
