package transport

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
	"github.com/lemonforest/mlehaptics-sub009/pkg/secure"
)

// In-memory link pairs used by tests and by the loopback demo mode. They
// implement the same contracts as the real adapters, including the
// simultaneous-connect race and the authenticate-or-drop receive path.

// memHub is the shared state behind a bootstrap pair.
type memHub struct {
	mu        sync.Mutex
	links     [2]*MemBootstrap
	connected bool
	initiator int // index of the dialing side while connected, -1 otherwise
}

// MemBootstrap is one end of an in-memory bootstrap link pair.
type MemBootstrap struct {
	hub   *memHub
	idx   int
	self  identity.Unit
	event chan ConnEvent
	inbox chan []byte

	mu          sync.Mutex
	discovering bool
	service     string
	adverts     chan Advertisement
	closed      bool
}

// NewMemBootstrapPair builds two connected-fabric bootstrap endpoints.
func NewMemBootstrapPair(a, b identity.Unit) (*MemBootstrap, *MemBootstrap) {
	hub := &memHub{initiator: -1}
	for i, u := range []identity.Unit{a, b} {
		hub.links[i] = &MemBootstrap{
			hub:   hub,
			idx:   i,
			self:  u,
			event: make(chan ConnEvent, 16),
			inbox: make(chan []byte, 64),
		}
	}
	return hub.links[0], hub.links[1]
}

func (m *MemBootstrap) other() *MemBootstrap {
	return m.hub.links[1-m.idx]
}

func (m *MemBootstrap) StartDiscovery(service string) (<-chan Advertisement, error) {
	m.mu.Lock()
	m.discovering = true
	m.service = service
	m.adverts = make(chan Advertisement, 4)
	ch := m.adverts
	m.mu.Unlock()

	// If the peer is already advertising the same service, both sides see
	// each other now; otherwise the peer's StartDiscovery completes the match.
	peer := m.other()
	peer.mu.Lock()
	match := peer.discovering && peer.service == service
	peer.mu.Unlock()
	if match {
		m.deliverAdvert(Advertisement{Service: service, Unit: peer.self})
		peer.deliverAdvert(Advertisement{Service: service, Unit: m.self})
	}
	return ch, nil
}

func (m *MemBootstrap) deliverAdvert(ad Advertisement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.discovering || m.adverts == nil {
		return
	}
	select {
	case m.adverts <- ad:
	default:
	}
}

func (m *MemBootstrap) StopDiscovery() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.discovering = false
}

// Scanning reports whether discovery is active. The session manager's
// fallback identification rule needs this.
func (m *MemBootstrap) Scanning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.discovering
}

func (m *MemBootstrap) Connect(peer identity.Unit, timeout time.Duration) error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()

	if m.hub.connected {
		// The peer's dial already won, or a connection is up. Either way the
		// caller keeps waiting on its event queue.
		return ErrConnectionExists
	}

	m.hub.connected = true
	m.hub.initiator = m.idx

	m.pushEvent(ConnEvent{Type: ConnEstablished, Peer: m.other().self, Initiator: true})
	m.other().pushEvent(ConnEvent{Type: ConnEstablished, Peer: m.self, Initiator: false})
	return nil
}

func (m *MemBootstrap) pushEvent(ev ConnEvent) {
	select {
	case m.event <- ev:
	default:
	}
}

// InjectEvent lets tests deliver an out-of-order connection event, e.g. a
// connection arriving before the advertisement match is processed.
func (m *MemBootstrap) InjectEvent(ev ConnEvent) {
	m.pushEvent(ev)
}

func (m *MemBootstrap) Events() <-chan ConnEvent {
	return m.event
}

func (m *MemBootstrap) Send(payload []byte) error {
	m.hub.mu.Lock()
	connected := m.hub.connected
	m.hub.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case m.other().inbox <- buf:
		return nil
	default:
		return ErrNotConnected
	}
}

func (m *MemBootstrap) Recv(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-m.inbox:
		return payload, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (m *MemBootstrap) Disconnect() error {
	m.hub.mu.Lock()
	defer m.hub.mu.Unlock()
	if !m.hub.connected {
		return nil
	}
	m.hub.connected = false
	m.hub.initiator = -1
	m.pushEvent(ConnEvent{Type: ConnLost, Peer: m.other().self})
	m.other().pushEvent(ConnEvent{Type: ConnLost, Peer: m.self})
	return nil
}

func (m *MemBootstrap) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// MemOperational is one end of an in-memory operational link pair.
type MemOperational struct {
	partner *MemOperational
	inbox   chan []byte

	mu     sync.Mutex
	sealer *secure.Sealer

	dropped     atomic.Uint64
	partitioned atomic.Bool
	closed      atomic.Bool
}

// NewMemOperationalPair builds two endpoints of an in-memory operational link.
func NewMemOperationalPair() (*MemOperational, *MemOperational) {
	a := &MemOperational{inbox: make(chan []byte, 64)}
	b := &MemOperational{inbox: make(chan []byte, 64)}
	a.partner, b.partner = b, a
	return a, b
}

func (m *MemOperational) InstallKey(secret *secure.SharedSecret) error {
	sealer, err := secure.NewSealer(secret)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.sealer = sealer
	m.mu.Unlock()
	return nil
}

func (m *MemOperational) currentSealer() *secure.Sealer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sealer
}

// SetPartitioned simulates link loss: sends vanish, nothing is delivered.
func (m *MemOperational) SetPartitioned(p bool) {
	m.partitioned.Store(p)
}

func (m *MemOperational) send(frame []byte) error {
	if m.closed.Load() {
		return ErrClosed
	}
	sealer := m.currentSealer()
	if sealer == nil {
		return ErrNoKey
	}
	if m.partitioned.Load() || m.partner.partitioned.Load() {
		return nil // fire-and-forget: lost on the air, not an error
	}
	sealed, err := sealer.Seal(frame)
	if err != nil {
		return err
	}
	select {
	case m.partner.inbox <- sealed:
	default:
		// Receiver queue full; a lossy link drops, it does not block.
	}
	return nil
}

func (m *MemOperational) Broadcast(frame []byte) error { return m.send(frame) }
func (m *MemOperational) Unicast(frame []byte) error   { return m.send(frame) }

func (m *MemOperational) Recv(timeout time.Duration) ([]byte, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	sealer := m.currentSealer()
	if sealer == nil {
		return nil, ErrNoKey
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		timer := time.NewTimer(remaining)
		select {
		case sealed := <-m.inbox:
			timer.Stop()
			frame, err := sealer.Open(sealed)
			if err != nil {
				// Integrity failure is a drop, not a crash.
				m.dropped.Add(1)
				continue
			}
			return frame, nil
		case <-timer.C:
			return nil, ErrTimeout
		}
	}
}

func (m *MemOperational) DroppedFrames() uint64 {
	return m.dropped.Load()
}

func (m *MemOperational) Close() error {
	m.closed.Store(true)
	return nil
}
