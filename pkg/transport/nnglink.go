package transport

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pair"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/lemonforest/mlehaptics-sub009/pkg/logging"
	"github.com/lemonforest/mlehaptics-sub009/pkg/secure"
)

// NNGConfig configures the operational link endpoint. Exactly one of
// ListenAddr or DialAddr is set; the server side listens, the client dials.
type NNGConfig struct {
	ListenAddr string
	DialAddr   string
}

// NNGOperational is the operational link over an nng pair socket. A pair has
// exactly one peer, so Broadcast and Unicast ride the same wire; the split in
// the interface mirrors the radio, where beacons go to the air and
// coordination goes to the bonded peer.
type NNGOperational struct {
	sock   mangos.Socket
	logger logging.Logger

	mu     sync.Mutex
	sealer *secure.Sealer

	dropped atomic.Uint64
	closed  atomic.Bool
}

// NewNNGOperational opens the pair socket and binds or dials per config.
func NewNNGOperational(cfg NNGConfig, logger logging.Logger) (*NNGOperational, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	sock, err := pair.NewSocket()
	if err != nil {
		return nil, fmt.Errorf("failed to create pair socket: %w", err)
	}

	switch {
	case cfg.ListenAddr != "":
		if err := sock.Listen(cfg.ListenAddr); err != nil {
			sock.Close()
			return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
		}
		logger.Info("operational link listening", logging.String("addr", cfg.ListenAddr))
	case cfg.DialAddr != "":
		if err := sock.Dial(cfg.DialAddr); err != nil {
			sock.Close()
			return nil, fmt.Errorf("failed to dial %s: %w", cfg.DialAddr, err)
		}
		logger.Info("operational link dialing", logging.String("addr", cfg.DialAddr))
	default:
		sock.Close()
		return nil, fmt.Errorf("operational link needs a listen or dial address")
	}

	return &NNGOperational{sock: sock, logger: logger}, nil
}

func (n *NNGOperational) InstallKey(secret *secure.SharedSecret) error {
	sealer, err := secure.NewSealer(secret)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.sealer = sealer
	n.mu.Unlock()
	n.logger.Info("operational link keyed")
	return nil
}

func (n *NNGOperational) currentSealer() *secure.Sealer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sealer
}

func (n *NNGOperational) send(frame []byte) error {
	if n.closed.Load() {
		return ErrClosed
	}
	sealer := n.currentSealer()
	if sealer == nil {
		return ErrNoKey
	}
	sealed, err := sealer.Seal(frame)
	if err != nil {
		return err
	}
	if err := n.sock.Send(sealed); err != nil {
		// Fire-and-forget: a send with no peer attached is a lost frame, not
		// a fault. mangos reports it; the caller's cadence does not care.
		n.logger.Debug("operational send dropped", logging.Error(err))
	}
	return nil
}

func (n *NNGOperational) Broadcast(frame []byte) error { return n.send(frame) }
func (n *NNGOperational) Unicast(frame []byte) error   { return n.send(frame) }

func (n *NNGOperational) Recv(timeout time.Duration) ([]byte, error) {
	if n.closed.Load() {
		return nil, ErrClosed
	}
	sealer := n.currentSealer()
	if sealer == nil {
		return nil, ErrNoKey
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		if err := n.sock.SetOption(mangos.OptionRecvDeadline, remaining); err != nil {
			return nil, fmt.Errorf("failed to set receive deadline: %w", err)
		}
		sealed, err := n.sock.Recv()
		if err != nil {
			if err == mangos.ErrRecvTimeout {
				return nil, ErrTimeout
			}
			if n.closed.Load() {
				return nil, ErrClosed
			}
			return nil, fmt.Errorf("operational receive failed: %w", err)
		}
		frame, err := sealer.Open(sealed)
		if err != nil {
			n.dropped.Add(1)
			n.logger.Debug("unauthenticated frame dropped",
				logging.Uint32("total_dropped", uint32(n.dropped.Load())))
			continue
		}
		return frame, nil
	}
}

func (n *NNGOperational) DroppedFrames() uint64 {
	return n.dropped.Load()
}

func (n *NNGOperational) Close() error {
	if n.closed.Swap(true) {
		return nil
	}
	return n.sock.Close()
}
