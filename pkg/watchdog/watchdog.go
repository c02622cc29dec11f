// Package watchdog turns a silently stalled task into a detectable,
// bounded-time fault. Each task feeds a named token; a monitor checks every
// token's deadline and, on starvation, runs the registered safety action
// before reporting the fault. The safety action depends on nothing but the
// actuator handle, so a wedged peer path can never delay it.
package watchdog

import (
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/clock"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
)

// Fault describes one starved token.
type Fault struct {
	Token   string
	LastFed time.Duration
	Limit   time.Duration
}

// Monitor tracks liveness tokens. Feeding never blocks and never fails hard;
// a feed on an unknown token is logged and ignored so a miswired caller
// degrades soft instead of crashing the realtime path.
type Monitor struct {
	clk    clock.Clock
	logger logging.Logger

	// onStarvation is the immediate local safety action plus fault report.
	onStarvation func(Fault)

	mu     sync.Mutex
	tokens map[string]*token
	fired  bool

	stopCh  chan struct{}
	stopped sync.Once
}

type token struct {
	limit   time.Duration
	lastFed time.Duration
}

// NewMonitor builds a monitor. onStarvation runs at most once, on the first
// starved token.
func NewMonitor(clk clock.Clock, onStarvation func(Fault), logger logging.Logger) *Monitor {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Monitor{
		clk:          clk,
		logger:       logger.With(logging.Component("watchdog")),
		onStarvation: onStarvation,
		tokens:       make(map[string]*token),
		stopCh:       make(chan struct{}),
	}
}

// Register adds a named token with a feeding deadline. The token counts as
// fed at registration time.
func (m *Monitor) Register(name string, limit time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[name] = &token{limit: limit, lastFed: m.clk.Now()}
}

// Feed marks a token alive. Called from the realtime task's dead-time window
// and from the comm task loop.
func (m *Monitor) Feed(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[name]
	if !ok {
		m.logger.Warn("feed on unregistered token", logging.String("token", name))
		return
	}
	tok.lastFed = m.clk.Now()
}

// Check scans all tokens once and fires the starvation action on the first
// expired one. Returns the fault if one was detected on this scan.
func (m *Monitor) Check() *Fault {
	now := m.clk.Now()

	m.mu.Lock()
	var starved *Fault
	for name, tok := range m.tokens {
		if now-tok.lastFed > tok.limit {
			starved = &Fault{Token: name, LastFed: tok.lastFed, Limit: tok.limit}
			break
		}
	}
	alreadyFired := m.fired
	if starved != nil {
		m.fired = true
	}
	m.mu.Unlock()

	if starved == nil || alreadyFired {
		return starved
	}

	m.logger.Error("liveness token starved",
		logging.String("token", starved.Token),
		logging.Duration("limit", starved.Limit))
	if m.onStarvation != nil {
		m.onStarvation(*starved)
	}
	return starved
}

// Run checks on a fixed period until Stop. The period bounds detection
// latency on top of each token's own limit.
func (m *Monitor) Run(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Stop terminates Run.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
}
