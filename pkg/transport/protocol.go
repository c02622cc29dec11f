package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a coordination message.
type MessageType uint8

const (
	// Bootstrap-link control
	MsgKeyExchange MessageType = iota

	// Mode-change two-phase commit
	MsgModePropose
	MsgModeAck
	MsgModeConfirm

	// Immediate signals
	MsgShutdown
	MsgEmergency
)

// Message is the JSON envelope for coordination traffic. Coordination
// messages are sent the moment they are triggered, never queued behind the
// beacon cadence.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, data any) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMicro(),
		Data:      dataBytes,
	}, nil
}

// Decode decodes the message payload into the provided struct.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Data, v)
}

// KeyExchange carries the server's nonce over the bootstrap link (§ key
// bootstrap). Sender is the server's colon-hex address, used by the client to
// confirm it is keyed against the unit it connected to.
type KeyExchange struct {
	Nonce  []byte `json:"nonce"`
	Sender string `json:"sender"`
}

// ModeChange proposes a configuration switch taking effect at a shared future
// epoch. ProposalID makes the confirm idempotent at the receiver.
type ModeChange struct {
	ProposalID  string `json:"proposal_id"`
	CycleMillis uint32 `json:"cycle_ms"`
	Intensity   uint8  `json:"intensity"`
	Pattern     uint8  `json:"pattern"`
	TargetEpoch int64  `json:"target_epoch_us"` // synchronized time, microseconds
}

// ModeAck accepts or rejects a proposal.
type ModeAck struct {
	ProposalID string `json:"proposal_id"`
	Accepted   bool   `json:"accepted"`
	Reason     string `json:"reason,omitempty"`
}

// Shutdown announces an orderly session end. Fire-and-forget: the sender acts
// locally without waiting for any reply.
type Shutdown struct {
	Reason string `json:"reason"`
}

// Emergency announces an emergency stop. Fire-and-forget; the sender has
// already de-energized locally by the time this is on the wire.
type Emergency struct {
	Reason string `json:"reason"`
}

// Operational frames carry a one-byte kind so the receive loop can split the
// fixed-layout beacon path from the JSON coordination path.
const (
	frameKindBeacon byte = 0x01
	frameKindCoord  byte = 0x02
)

// beaconFrameLen is kind + seq(4) + burstIndex(1) + burstSize(1) + sentAt(8).
const beaconFrameLen = 15

// TimingBeacon is one broadcast within a beacon burst: the sender's clock
// reading at transmit, plus enough bookkeeping to group burst members.
type TimingBeacon struct {
	Seq        uint32
	BurstIndex uint8
	BurstSize  uint8
	SentAt     time.Duration // sender's monotonic clock at transmit
}

// EncodeBeaconFrame lays the beacon out in fixed binary form. Timestamps ride
// as microseconds; sub-microsecond precision is below link jitter anyway.
func EncodeBeaconFrame(b TimingBeacon) []byte {
	frame := make([]byte, beaconFrameLen)
	frame[0] = frameKindBeacon
	binary.BigEndian.PutUint32(frame[1:5], b.Seq)
	frame[5] = b.BurstIndex
	frame[6] = b.BurstSize
	binary.BigEndian.PutUint64(frame[7:15], uint64(b.SentAt.Microseconds()))
	return frame
}

// EncodeCoordFrame wraps a coordination message for the operational link.
func EncodeCoordFrame(m *Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 1+len(body))
	frame[0] = frameKindCoord
	copy(frame[1:], body)
	return frame, nil
}

// DecodeFrame parses an operational frame into either a *TimingBeacon or a
// *Message. Malformed frames return an error; the caller drops them without
// mutating any state.
func DecodeFrame(frame []byte) (any, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("empty frame")
	}
	switch frame[0] {
	case frameKindBeacon:
		if len(frame) != beaconFrameLen {
			return nil, fmt.Errorf("beacon frame length %d, want %d", len(frame), beaconFrameLen)
		}
		return &TimingBeacon{
			Seq:        binary.BigEndian.Uint32(frame[1:5]),
			BurstIndex: frame[5],
			BurstSize:  frame[6],
			SentAt:     time.Duration(binary.BigEndian.Uint64(frame[7:15])) * time.Microsecond,
		}, nil
	case frameKindCoord:
		var m Message
		if err := json.Unmarshal(frame[1:], &m); err != nil {
			return nil, fmt.Errorf("malformed coordination frame: %w", err)
		}
		return &m, nil
	default:
		return nil, fmt.Errorf("unknown frame kind 0x%02x", frame[0])
	}
}
