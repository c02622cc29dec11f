package beacon

import (
	"sync"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/drift"
	"github.com/lemonforest/mlehaptics-sub009/pkg/transport"
)

// Assembler groups received beacons back into bursts on the receive side.
// Every member sample feeds the estimator immediately; once a burst is
// complete (or abandoned by the next one arriving) its receive-time spread is
// reported as the local jitter signal. Order within a burst does not matter.
type Assembler struct {
	est   *drift.Estimator
	sched *Scheduler // may be nil
	// spreadThreshold mirrors the estimator's burst jitter bound; crossing it
	// also collapses the beacon cadence.
	spreadThreshold time.Duration

	mu       sync.Mutex
	onSpread func(time.Duration)
	seq      uint32
	size     int
	expected int
	earliest time.Duration
	latest   time.Duration
}

// NewAssembler wires the receive path. sched may be nil when the caller
// handles cadence collapse itself.
func NewAssembler(est *drift.Estimator, sched *Scheduler, spreadThreshold time.Duration) *Assembler {
	if spreadThreshold <= 0 {
		spreadThreshold = 30 * time.Millisecond
	}
	return &Assembler{est: est, sched: sched, spreadThreshold: spreadThreshold}
}

// SetSpreadHook registers an observer for completed-burst spreads, e.g. a
// histogram. Called with the assembler lock held; keep it cheap.
func (a *Assembler) SetSpreadHook(fn func(time.Duration)) {
	a.mu.Lock()
	a.onSpread = fn
	a.mu.Unlock()
}

// Observe ingests one received beacon at local time recvAt.
func (a *Assembler) Observe(b *transport.TimingBeacon, recvAt time.Duration) {
	a.est.AddSample(drift.Sample{
		Seq:         b.Seq,
		BurstIndex:  b.BurstIndex,
		PeerSentAt:  b.SentAt,
		LocalRecvAt: recvAt,
	})

	a.mu.Lock()
	if b.Seq != a.seq {
		a.finalizeLocked()
		a.seq = b.Seq
		a.expected = int(b.BurstSize)
		a.size = 0
		a.earliest = recvAt
		a.latest = recvAt
	}
	a.size++
	if recvAt < a.earliest {
		a.earliest = recvAt
	}
	if recvAt > a.latest {
		a.latest = recvAt
	}
	complete := a.expected > 0 && a.size >= a.expected
	if complete {
		a.finalizeLocked()
	}
	a.mu.Unlock()
}

// finalizeLocked closes out the burst in progress, reporting its spread.
// Caller holds the lock. A single-member burst carries no spread signal.
func (a *Assembler) finalizeLocked() {
	if a.size < 2 {
		a.size = 0
		return
	}
	spread := a.latest - a.earliest
	a.est.RecordBurstSpread(spread)
	if a.onSpread != nil {
		a.onSpread(spread)
	}
	if a.sched != nil && spread > a.spreadThreshold {
		a.sched.Collapse()
	}
	a.size = 0
}
