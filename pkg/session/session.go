// Package session establishes exactly one peer relationship per boot:
// staggered discovery, race-safe connection establishment, deterministic role
// assignment, and the one-time key bootstrap that hands the pair off to the
// operational link. Sessions are never persisted; every boot re-discovers.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lemonforest/mlehaptics-sub009/pkg/clock"
	"github.com/lemonforest/mlehaptics-sub009/pkg/cycle"
	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/secure"
	"github.com/lemonforest/mlehaptics-sub009/pkg/transport"
	"github.com/lemonforest/mlehaptics-sub009/pkg/validation"
)

// Role is the session-level role. Assigned once per session, immutable after.
type Role uint8

const (
	Unassigned Role = iota
	Server
	Client
)

func (r Role) String() string {
	switch r {
	case Server:
		return "server"
	case Client:
		return "client"
	default:
		return "unassigned"
	}
}

// Half maps the session role onto the cycle half: the server owns the forward
// half.
func (r Role) Half() cycle.HalfRole {
	if r == Server {
		return cycle.ForwardHalf
	}
	return cycle.ReverseHalf
}

// ErrStopped reports establishment interrupted by shutdown.
var ErrStopped = errors.New("session: establishment stopped")

// PeerSession is the established relationship. Role and identities are
// immutable for the session's lifetime.
type PeerSession struct {
	ID            string
	Self          identity.Unit
	Peer          identity.Unit
	Role          Role
	EstablishedAt time.Duration
}

// Config tunes establishment. Zero values take defaults.
type Config struct {
	// Service is the discovery identifier both units advertise and scan for.
	Service string

	// ConnectTimeout bounds one connection attempt; ConnectRetries bounds
	// how many attempts run before discovery restarts.
	ConnectTimeout time.Duration
	ConnectRetries int

	// KeyTimeout bounds the key-exchange wait on the client side.
	KeyTimeout time.Duration

	// BatteryOverride applies battery-based role tie-breaking on top of the
	// raw initiator/acceptor assignment, once, before key bootstrap.
	BatteryOverride bool
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Service == "" {
		c.Service = "mlehaptics-sync"
	}
	c.ConnectTimeout = validation.DefaultOrDuration(c.ConnectTimeout, 10*time.Second)
	c.ConnectRetries = validation.DefaultOrInt(c.ConnectRetries, 3)
	c.KeyTimeout = validation.DefaultOrDuration(c.KeyTimeout, 5*time.Second)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	return validation.NewConfigValidator("session").
		Required("service", c.Service).
		MinDuration("connect_timeout", c.ConnectTimeout, time.Second).
		RangeInt("connect_retries", c.ConnectRetries, 1, 10).
		MinDuration("key_timeout", c.KeyTimeout, time.Second).
		Validate()
}

// Manager runs establishment and owns the live PeerSession plus its secret.
type Manager struct {
	config Config
	self   identity.Unit
	boot   transport.BootstrapLink
	op     transport.OperationalLink
	clk    clock.Clock
	logger logging.Logger

	mu      sync.Mutex
	session *PeerSession
	secret  *secure.SharedSecret
}

// NewManager builds a manager for one unit.
func NewManager(config Config, self identity.Unit, boot transport.BootstrapLink, op transport.OperationalLink, clk clock.Clock, logger logging.Logger) *Manager {
	config.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Manager{
		config: config,
		self:   self,
		boot:   boot,
		op:     op,
		clk:    clk,
		logger: logger.With(logging.Component("session"), logging.Unit(self.String())),
	}
}

// Snapshot returns a copy of the current session, or nil before establishment.
func (m *Manager) Snapshot() *PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	s := *m.session
	return &s
}

// Establish runs the full sequence: staggered discovery, race-safe connect,
// role assignment, key bootstrap, operational keying, bootstrap-peer
// teardown. It retries from discovery on recoverable failures until stop
// closes. Every wait inside is bounded.
func (m *Manager) Establish(stop <-chan struct{}) (*PeerSession, error) {
	// Deterministic stagger breaks exact-simultaneous-boot symmetry without
	// randomness.
	stagger := identity.ScanStagger(m.self)
	m.logger.Debug("staggering discovery start", logging.Duration("stagger", stagger))
	select {
	case <-time.After(stagger):
	case <-stop:
		return nil, ErrStopped
	}

	for {
		session, err := m.establishOnce(stop)
		if err == nil {
			m.mu.Lock()
			m.session = session
			m.mu.Unlock()
			return session, nil
		}
		if errors.Is(err, ErrStopped) {
			return nil, err
		}
		m.logger.Warn("establishment attempt failed, restarting discovery",
			logging.Error(err))
		select {
		case <-time.After(time.Second):
		case <-stop:
			return nil, ErrStopped
		}
	}
}

// establishOnce runs a single discovery-through-keying pass.
func (m *Manager) establishOnce(stop <-chan struct{}) (*PeerSession, error) {
	adverts, err := m.boot.StartDiscovery(m.config.Service)
	if err != nil {
		return nil, fmt.Errorf("failed to start discovery: %w", err)
	}
	defer m.boot.StopDiscovery()

	peer, role, err := m.connectPeer(stop, adverts)
	if err != nil {
		return nil, err
	}
	m.boot.StopDiscovery()

	// Battery override, applied exactly once, before any key material moves.
	if m.config.BatteryOverride {
		raw := role
		if identity.PreferServer(m.self, peer) {
			role = Server
		} else {
			role = Client
		}
		if raw != role {
			m.logger.Info("battery override changed role",
				logging.Role(role.String()),
				logging.Float64("self_battery", m.self.Battery),
				logging.Float64("peer_battery", peer.Battery))
		}
	}

	if err := m.bootstrapKey(peer, role); err != nil {
		// Abort back to discovery rather than run with an unconfirmed or
		// asymmetric key.
		if derr := m.boot.Disconnect(); derr != nil {
			m.logger.Warn("bootstrap disconnect failed", logging.Error(derr))
		}
		return nil, err
	}

	// The peer connection has served its purpose; the bootstrap link itself
	// stays up for companion traffic.
	if err := m.boot.Disconnect(); err != nil {
		m.logger.Warn("bootstrap disconnect failed", logging.Error(err))
	}

	session := &PeerSession{
		ID:            uuid.NewString(),
		Self:          m.self,
		Peer:          peer,
		Role:          role,
		EstablishedAt: m.clk.Now(),
	}
	m.logger.Info("session established",
		logging.Peer(peer.String()),
		logging.Role(role.String()),
		logging.String("session_id", session.ID))
	return session, nil
}

// connectPeer resolves mutual discovery into exactly one connection, handling
// both expected races: the simultaneous-connect collision and the
// connection-before-advertisement ordering.
func (m *Manager) connectPeer(stop <-chan struct{}, adverts <-chan transport.Advertisement) (identity.Unit, Role, error) {
	var (
		peer      identity.Unit
		peerKnown bool
	)
	attempts := 0

	// One deadline for the whole pass. A per-iteration time.After would be
	// re-armed by every received advertisement, so a chatty neighborhood
	// could defer the timeout indefinitely.
	deadline := time.NewTimer(m.config.ConnectTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-stop:
			return identity.Unit{}, Unassigned, ErrStopped

		case ad := <-adverts:
			if ad.Service != m.config.Service {
				continue
			}
			peer = ad.Unit
			peerKnown = true
			m.logger.Debug("peer discovered", logging.Peer(peer.String()))

			attempts++
			err := m.boot.Connect(peer, m.config.ConnectTimeout)
			switch {
			case err == nil, errors.Is(err, transport.ErrConnectionExists):
				// Either our dial is in flight or the peer's beat us. In
				// both cases the establishment event arrives on the event
				// queue within milliseconds; discovery state stays intact.
			case attempts >= m.config.ConnectRetries:
				return identity.Unit{}, Unassigned,
					fmt.Errorf("connect to %s failed after %d attempts: %w", peer, attempts, err)
			default:
				m.logger.Debug("connect attempt failed, retrying",
					logging.Int("attempt", attempts), logging.Error(err))
			}

		case ev := <-m.boot.Events():
			if ev.Type != transport.ConnEstablished {
				continue
			}
			if !peerKnown {
				// Fallback identification: the connection arrived before the
				// advertisement match was processed. We are actively
				// scanning with no other peer, so the remote identity is
				// the peer, recorded retroactively.
				peer = ev.Peer
				m.logger.Debug("peer identified from inbound connection",
					logging.Peer(peer.String()))
			}
			role := Client
			if ev.Initiator {
				role = Server
			}
			return ev.Peer, role, nil

		case <-deadline.C:
			// Nothing discovered or connected within the bound; restart
			// discovery from scratch.
			return identity.Unit{}, Unassigned, fmt.Errorf("discovery timed out")
		}
	}
}

// bootstrapKey runs the key-exchange sequence for the assigned role and
// installs the derived secret on the operational link.
func (m *Manager) bootstrapKey(peer identity.Unit, role Role) error {
	var nonce []byte
	if role == Server {
		var err error
		nonce, err = secure.GenerateNonce()
		if err != nil {
			return fmt.Errorf("failed to generate key nonce: %w", err)
		}
		msg, err := transport.NewMessage(transport.MsgKeyExchange, transport.KeyExchange{
			Nonce:  nonce,
			Sender: m.self.String(),
		})
		if err != nil {
			return fmt.Errorf("failed to build key-exchange message: %w", err)
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to encode key-exchange message: %w", err)
		}
		if err := m.boot.Send(payload); err != nil {
			return fmt.Errorf("failed to send key exchange: %w", err)
		}
	} else {
		payload, err := m.boot.Recv(m.config.KeyTimeout)
		if err != nil {
			return fmt.Errorf("key exchange not received: %w", err)
		}
		var msg transport.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return fmt.Errorf("malformed key-exchange message: %w", err)
		}
		if msg.Type != transport.MsgKeyExchange {
			return fmt.Errorf("unexpected bootstrap message type %d", msg.Type)
		}
		var kx transport.KeyExchange
		if err := msg.Decode(&kx); err != nil {
			return fmt.Errorf("malformed key-exchange payload: %w", err)
		}
		if kx.Sender != peer.String() {
			return fmt.Errorf("key exchange from %s, connected to %s", kx.Sender, peer)
		}
		nonce = kx.Nonce
	}

	secret, err := secure.Derive(nonce, m.self, peer)
	if err != nil {
		return fmt.Errorf("key derivation failed: %w", err)
	}
	if err := m.op.InstallKey(secret); err != nil {
		secret.Destroy()
		return fmt.Errorf("key installation failed: %w", err)
	}

	m.mu.Lock()
	if m.secret != nil {
		m.secret.Destroy()
	}
	m.secret = secret
	m.mu.Unlock()
	return nil
}

// End tears the session down and zeroizes the secret.
func (m *Manager) End() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.secret != nil {
		m.secret.Destroy()
		m.secret = nil
	}
	m.session = nil
	m.logger.Info("session ended")
}
