// Package transport abstracts the two wireless links the synchronization core
// runs over: a connection-oriented bootstrap link (higher jitter, also carries
// companion-device traffic) and a connectionless operational link (low
// latency, broadcast+unicast) used for all peer timing traffic once a session
// key is installed.
//
// The concrete adapters (zmqlink, nnglink) and the in-memory test pair all
// satisfy the same interfaces, so the engine never knows which wire it is on.
package transport

import (
	"errors"
	"io"
	"time"

	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
	"github.com/lemonforest/mlehaptics-sub009/pkg/secure"
)

var (
	// ErrConnectionExists reports the expected simultaneous-connect race: the
	// peer is already connecting to us. Callers must NOT reset discovery
	// state; the inbound connection event arrives within milliseconds.
	ErrConnectionExists = errors.New("transport: peer connection already in progress")

	// ErrTimeout reports a bounded receive that expired with no data.
	ErrTimeout = errors.New("transport: receive timed out")

	// ErrNoKey reports operational-link use before key installation.
	ErrNoKey = errors.New("transport: no session key installed")

	// ErrClosed reports use of a closed link.
	ErrClosed = errors.New("transport: link closed")

	// ErrNotConnected reports bootstrap send/recv with no peer connection.
	ErrNotConnected = errors.New("transport: no peer connection")
)

// Advertisement is a discovery announcement observed on the bootstrap link.
type Advertisement struct {
	Service string
	Unit    identity.Unit
}

// ConnEventType distinguishes bootstrap connection lifecycle events.
type ConnEventType uint8

const (
	// ConnEstablished reports a peer connection coming up. Initiator tells
	// this unit whether it dialed (true) or accepted (false), the raw input
	// to role assignment.
	ConnEstablished ConnEventType = iota
	// ConnLost reports the peer connection going down.
	ConnLost
)

// ConnEvent is delivered on the bootstrap link's bounded event queue.
type ConnEvent struct {
	Type      ConnEventType
	Peer      identity.Unit
	Initiator bool
}

// BootstrapLink is the connection-oriented transport: discovery, peer
// connection establishment, key exchange, and companion traffic. All waits
// are bounded; Recv with a timeout is the only blocking call.
type BootstrapLink interface {
	io.Closer

	// StartDiscovery begins advertising the service identifier and scanning
	// for peers advertising the same identifier. Observed advertisements are
	// delivered on the returned channel until StopDiscovery.
	StartDiscovery(service string) (<-chan Advertisement, error)
	StopDiscovery()

	// Connect initiates a connection to the peer. ErrConnectionExists is an
	// expected outcome, not a failure.
	Connect(peer identity.Unit, timeout time.Duration) error

	// Events delivers connection establishment and loss events.
	Events() <-chan ConnEvent

	// Send transmits an opaque payload to the connected peer.
	Send(payload []byte) error

	// Recv waits up to timeout for the next peer payload.
	Recv(timeout time.Duration) ([]byte, error)

	// Disconnect tears down the peer connection. The link itself stays up
	// for companion-device traffic.
	Disconnect() error
}

// OperationalLink is the connectionless low-jitter transport. Frames are
// sealed with the session secret; a frame that fails authentication is
// counted and dropped, never surfaced to the caller.
type OperationalLink interface {
	io.Closer

	// InstallKey provisions the frame sealer from the session secret. Until
	// a key is installed, all sends and receives fail with ErrNoKey.
	InstallKey(secret *secure.SharedSecret) error

	// Broadcast transmits a timing frame to all listeners, fire-and-forget.
	Broadcast(frame []byte) error

	// Unicast transmits a coordination frame to the known peer.
	Unicast(frame []byte) error

	// Recv waits up to timeout for the next authenticated frame.
	Recv(timeout time.Duration) ([]byte, error)

	// DroppedFrames returns the count of frames rejected by authentication.
	DroppedFrames() uint64
}
