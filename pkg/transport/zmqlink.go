package transport

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
)

// ZMQConfig configures the bootstrap link endpoint.
type ZMQConfig struct {
	Self identity.Unit

	// ListenAddr is the ROUTER bind endpoint, e.g. tcp://*:7201.
	ListenAddr string

	// AdvertiseAddr is the endpoint peers should dial back, e.g.
	// tcp://10.0.0.5:7201.
	AdvertiseAddr string

	// PeerAddrs are candidate peer endpoints probed during discovery.
	PeerAddrs []string

	// ProbeInterval is the advertisement probe cadence. Defaults to 1s.
	ProbeInterval time.Duration
}

// Bootstrap wire frames. Everything on this link is JSON; it is the
// slow, chatty side of the system and never carries timing traffic.
const (
	bootAdvert     = "advert"
	bootConnect    = "connect"
	bootAccept     = "accept"
	bootBusy       = "busy"
	bootData       = "data"
	bootDisconnect = "disconnect"
)

type bootFrame struct {
	Kind     string  `json:"kind"`
	Service  string  `json:"service,omitempty"`
	Addr     string  `json:"addr"`
	Battery  float64 `json:"battery,omitempty"`
	Endpoint string  `json:"endpoint,omitempty"`
	Payload  []byte  `json:"payload,omitempty"`
}

func (f *bootFrame) unit() (identity.Unit, error) {
	addr, err := identity.ParseAddr(f.Addr)
	if err != nil {
		return identity.Unit{}, err
	}
	return identity.Unit{Addr: addr, Battery: f.Battery}, nil
}

// zmqDealer is one outbound probe/connect channel to a candidate peer
// endpoint. ZeroMQ sockets are not thread-safe, so every socket gets its own
// mutex and its reads stay on one goroutine.
type zmqDealer struct {
	mu       sync.Mutex
	sock     *zmq.Socket
	endpoint string
}

func (d *zmqDealer) send(frame bootFrame) error {
	body, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err = d.sock.SendBytes(body, zmq.DONTWAIT)
	return err
}

// ZMQBootstrap is the bootstrap link over a ROUTER listener plus one DEALER
// per candidate peer endpoint. Discovery is active probing: each side
// advertises to the candidate list until a peer advertising the same service
// identifier answers.
type ZMQBootstrap struct {
	config ZMQConfig
	logger logging.Logger

	router   *zmq.Socket
	routerMu sync.Mutex
	dealers  map[string]*zmqDealer

	events chan ConnEvent
	data   chan []byte

	mu          sync.Mutex
	discovering bool
	service     string
	adverts     chan Advertisement
	endpoints   map[[identity.AddrLen]byte]string // unit addr -> dial endpoint
	connected   bool
	peer        identity.Unit
	peerIdent   string // router identity of an accepted peer, "" if we dialed
	peerDealer  *zmqDealer

	stopCh    chan struct{}
	wg        sync.WaitGroup
	running   bool
	runningMu sync.Mutex
}

// NewZMQBootstrap creates the bootstrap link. Start must be called before use.
func NewZMQBootstrap(config ZMQConfig, logger logging.Logger) (*ZMQBootstrap, error) {
	if config.ListenAddr == "" {
		return nil, fmt.Errorf("bootstrap link needs a listen address")
	}
	if config.ProbeInterval <= 0 {
		config.ProbeInterval = time.Second
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &ZMQBootstrap{
		config:    config,
		logger:    logger,
		dealers:   make(map[string]*zmqDealer),
		events:    make(chan ConnEvent, 16),
		data:      make(chan []byte, 64),
		endpoints: make(map[[identity.AddrLen]byte]string),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start binds the ROUTER, dials the candidate peers, and starts the receive
// loops.
func (z *ZMQBootstrap) Start() error {
	z.runningMu.Lock()
	defer z.runningMu.Unlock()
	if z.running {
		return fmt.Errorf("bootstrap link already running")
	}

	router, err := zmq.NewSocket(zmq.ROUTER)
	if err != nil {
		return fmt.Errorf("failed to create ROUTER socket: %w", err)
	}
	if err := router.SetRcvtimeo(250 * time.Millisecond); err != nil {
		router.Close()
		return fmt.Errorf("failed to set ROUTER receive timeout: %w", err)
	}
	if err := router.Bind(z.config.ListenAddr); err != nil {
		router.Close()
		return fmt.Errorf("failed to bind %s: %w", z.config.ListenAddr, err)
	}
	z.router = router
	z.logger.Info("bootstrap link listening", logging.String("addr", z.config.ListenAddr))

	for _, endpoint := range z.config.PeerAddrs {
		dealer, err := z.newDealer(endpoint)
		if err != nil {
			z.closeSockets()
			return err
		}
		z.dealers[endpoint] = dealer
		z.wg.Add(1)
		go z.dealerLoop(dealer)
	}

	z.wg.Add(1)
	go z.routerLoop()

	z.running = true
	return nil
}

func (z *ZMQBootstrap) newDealer(endpoint string) (*zmqDealer, error) {
	sock, err := zmq.NewSocket(zmq.DEALER)
	if err != nil {
		return nil, fmt.Errorf("failed to create DEALER socket: %w", err)
	}
	if err := sock.SetIdentity(z.config.Self.String()); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set dealer identity: %w", err)
	}
	if err := sock.SetRcvtimeo(250 * time.Millisecond); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to set dealer receive timeout: %w", err)
	}
	if err := sock.Connect(endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}
	return &zmqDealer{sock: sock, endpoint: endpoint}, nil
}

// routerLoop services inbound frames: advert probes, connect requests, data
// from a peer that dialed us.
func (z *ZMQBootstrap) routerLoop() {
	defer z.wg.Done()
	for {
		select {
		case <-z.stopCh:
			return
		default:
		}

		z.routerMu.Lock()
		parts, err := z.router.RecvMessageBytes(0)
		z.routerMu.Unlock()
		if err != nil {
			continue // timeout poll
		}
		if len(parts) < 2 {
			continue
		}
		ident := string(parts[0])
		var frame bootFrame
		if err := json.Unmarshal(parts[len(parts)-1], &frame); err != nil {
			z.logger.Debug("malformed bootstrap frame dropped", logging.Error(err))
			continue
		}
		z.handleRouterFrame(ident, frame)
	}
}

func (z *ZMQBootstrap) handleRouterFrame(ident string, frame bootFrame) {
	switch frame.Kind {
	case bootAdvert:
		z.handleAdvert(ident, frame)
	case bootConnect:
		z.handleConnect(ident, frame)
	case bootData:
		select {
		case z.data <- frame.Payload:
		default:
			z.logger.Warn("bootstrap data queue full, frame dropped")
		}
	case bootDisconnect:
		z.handlePeerDisconnect()
	}
}

func (z *ZMQBootstrap) handleAdvert(ident string, frame bootFrame) {
	unit, err := frame.unit()
	if err != nil {
		return
	}

	z.mu.Lock()
	if frame.Endpoint != "" {
		z.endpoints[unit.Addr] = frame.Endpoint
	}
	deliver := z.discovering && frame.Service == z.service
	adverts := z.adverts
	service := z.service
	z.mu.Unlock()

	if !deliver {
		return
	}
	select {
	case adverts <- Advertisement{Service: frame.Service, Unit: unit}:
	default:
	}

	// Answer so a one-sided probe still lets both sides discover each other.
	z.replyTo(ident, bootFrame{
		Kind:     bootAdvert,
		Service:  service,
		Addr:     z.config.Self.String(),
		Battery:  z.config.Self.Battery,
		Endpoint: z.config.AdvertiseAddr,
	})
}

func (z *ZMQBootstrap) handleConnect(ident string, frame bootFrame) {
	unit, err := frame.unit()
	if err != nil {
		return
	}

	z.mu.Lock()
	if z.connected {
		z.mu.Unlock()
		z.replyTo(ident, bootFrame{Kind: bootBusy, Addr: z.config.Self.String()})
		return
	}
	z.connected = true
	z.peer = unit
	z.peerIdent = ident
	z.peerDealer = nil
	z.mu.Unlock()

	z.replyTo(ident, bootFrame{
		Kind:    bootAccept,
		Addr:    z.config.Self.String(),
		Battery: z.config.Self.Battery,
	})
	z.pushEvent(ConnEvent{Type: ConnEstablished, Peer: unit, Initiator: false})
}

func (z *ZMQBootstrap) handlePeerDisconnect() {
	z.mu.Lock()
	if !z.connected {
		z.mu.Unlock()
		return
	}
	peer := z.peer
	z.connected = false
	z.peerIdent = ""
	z.peerDealer = nil
	z.mu.Unlock()
	z.pushEvent(ConnEvent{Type: ConnLost, Peer: peer})
}

func (z *ZMQBootstrap) replyTo(ident string, frame bootFrame) {
	body, err := json.Marshal(frame)
	if err != nil {
		return
	}
	z.routerMu.Lock()
	defer z.routerMu.Unlock()
	if _, err := z.router.SendMessageDontwait(ident, body); err != nil {
		z.logger.Debug("bootstrap reply dropped", logging.Error(err))
	}
}

// dealerLoop services replies arriving on an outbound dealer: advert answers
// and accept/busy verdicts, plus data when we are the dialing side.
func (z *ZMQBootstrap) dealerLoop(dealer *zmqDealer) {
	defer z.wg.Done()
	for {
		select {
		case <-z.stopCh:
			return
		default:
		}

		dealer.mu.Lock()
		parts, err := dealer.sock.RecvMessageBytes(0)
		dealer.mu.Unlock()
		if err != nil {
			continue
		}
		var frame bootFrame
		if err := json.Unmarshal(parts[len(parts)-1], &frame); err != nil {
			continue
		}
		z.handleDealerFrame(dealer, frame)
	}
}

func (z *ZMQBootstrap) handleDealerFrame(dealer *zmqDealer, frame bootFrame) {
	switch frame.Kind {
	case bootAdvert:
		z.handleAdvert("", frame) // reply path needs no router identity
	case bootAccept:
		unit, err := frame.unit()
		if err != nil {
			return
		}
		z.mu.Lock()
		if z.connected {
			z.mu.Unlock()
			return
		}
		z.connected = true
		z.peer = unit
		z.peerIdent = ""
		z.peerDealer = dealer
		z.mu.Unlock()
		z.pushEvent(ConnEvent{Type: ConnEstablished, Peer: unit, Initiator: true})
	case bootBusy:
		// Peer is mid-connect to us. Our inbound accept handles the rest;
		// nothing to do here.
	case bootData:
		select {
		case z.data <- frame.Payload:
		default:
			z.logger.Warn("bootstrap data queue full, frame dropped")
		}
	case bootDisconnect:
		z.handlePeerDisconnect()
	}
}

func (z *ZMQBootstrap) pushEvent(ev ConnEvent) {
	select {
	case z.events <- ev:
	default:
		z.logger.Warn("bootstrap event queue full, event dropped")
	}
}

func (z *ZMQBootstrap) StartDiscovery(service string) (<-chan Advertisement, error) {
	z.mu.Lock()
	z.discovering = true
	z.service = service
	z.adverts = make(chan Advertisement, 4)
	ch := z.adverts
	z.mu.Unlock()

	z.wg.Add(1)
	go z.probeLoop(service)
	return ch, nil
}

// probeLoop advertises to every candidate endpoint until discovery stops.
func (z *ZMQBootstrap) probeLoop(service string) {
	defer z.wg.Done()
	ticker := time.NewTicker(z.config.ProbeInterval)
	defer ticker.Stop()
	for {
		z.mu.Lock()
		active := z.discovering && z.service == service
		z.mu.Unlock()
		if !active {
			return
		}

		frame := bootFrame{
			Kind:     bootAdvert,
			Service:  service,
			Addr:     z.config.Self.String(),
			Battery:  z.config.Self.Battery,
			Endpoint: z.config.AdvertiseAddr,
		}
		for _, dealer := range z.dealers {
			if err := dealer.send(frame); err != nil {
				z.logger.Debug("advert probe dropped",
					logging.String("endpoint", dealer.endpoint), logging.Error(err))
			}
		}

		select {
		case <-ticker.C:
		case <-z.stopCh:
			return
		}
	}
}

func (z *ZMQBootstrap) StopDiscovery() {
	z.mu.Lock()
	z.discovering = false
	z.mu.Unlock()
}

// Scanning reports whether discovery is active.
func (z *ZMQBootstrap) Scanning() bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.discovering
}

func (z *ZMQBootstrap) Connect(peer identity.Unit, timeout time.Duration) error {
	z.mu.Lock()
	if z.connected {
		z.mu.Unlock()
		return ErrConnectionExists
	}
	endpoint, ok := z.endpoints[peer.Addr]
	z.mu.Unlock()
	if !ok {
		return fmt.Errorf("no known endpoint for peer %s", peer)
	}

	dealer, ok := z.dealers[endpoint]
	if !ok {
		var err error
		dealer, err = z.newDealer(endpoint)
		if err != nil {
			return err
		}
		z.dealers[endpoint] = dealer
		z.wg.Add(1)
		go z.dealerLoop(dealer)
	}

	err := dealer.send(bootFrame{
		Kind:    bootConnect,
		Addr:    z.config.Self.String(),
		Battery: z.config.Self.Battery,
	})
	if err != nil {
		return fmt.Errorf("connect request failed: %w", err)
	}

	// The verdict lands on the dealer loop, which flips connected state and
	// emits the event. Poll for the outcome within the bound.
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		z.mu.Lock()
		connected := z.connected
		initiated := z.peerDealer == dealer
		z.mu.Unlock()
		if connected {
			if initiated {
				return nil
			}
			// An inbound connect from the peer won the race.
			return ErrConnectionExists
		}
		time.Sleep(10 * time.Millisecond)
	}
	return ErrTimeout
}

func (z *ZMQBootstrap) Events() <-chan ConnEvent {
	return z.events
}

func (z *ZMQBootstrap) Send(payload []byte) error {
	z.mu.Lock()
	connected := z.connected
	ident := z.peerIdent
	dealer := z.peerDealer
	z.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	frame := bootFrame{Kind: bootData, Addr: z.config.Self.String(), Payload: payload}
	if dealer != nil {
		return dealer.send(frame)
	}
	z.replyTo(ident, frame)
	return nil
}

func (z *ZMQBootstrap) Recv(timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case payload := <-z.data:
		return payload, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

func (z *ZMQBootstrap) Disconnect() error {
	z.mu.Lock()
	if !z.connected {
		z.mu.Unlock()
		return nil
	}
	peer := z.peer
	ident := z.peerIdent
	dealer := z.peerDealer
	z.connected = false
	z.peerIdent = ""
	z.peerDealer = nil
	z.mu.Unlock()

	frame := bootFrame{Kind: bootDisconnect, Addr: z.config.Self.String()}
	if dealer != nil {
		if err := dealer.send(frame); err != nil {
			z.logger.Debug("disconnect notice dropped", logging.Error(err))
		}
	} else {
		z.replyTo(ident, frame)
	}
	z.pushEvent(ConnEvent{Type: ConnLost, Peer: peer})
	return nil
}

func (z *ZMQBootstrap) closeSockets() {
	if z.router != nil {
		if err := z.router.Close(); err != nil {
			z.logger.Warn("failed to close ROUTER socket", logging.Error(err))
		}
		z.router = nil
	}
	for endpoint, dealer := range z.dealers {
		if err := dealer.sock.Close(); err != nil {
			z.logger.Warn("failed to close DEALER socket",
				logging.String("endpoint", endpoint), logging.Error(err))
		}
	}
	z.dealers = make(map[string]*zmqDealer)
}

func (z *ZMQBootstrap) Close() error {
	z.runningMu.Lock()
	defer z.runningMu.Unlock()
	if !z.running {
		return nil
	}
	close(z.stopCh)
	z.running = false
	z.wg.Wait()
	z.closeSockets()
	z.logger.Info("bootstrap link closed")
	return nil
}
