// Package telemetry records session timing events for offline analysis.
// Events accumulate in a fixed-capacity ring; on rotation the block is
// JSON-line encoded, snappy-compressed, and handed to the configured writer.
// Memory stays bounded: with no writer attached the oldest events are simply
// overwritten.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/snappy"
)

// DefaultCapacity is the ring depth used when none is configured.
const DefaultCapacity = 512

// Event is one recorded timing observation.
type Event struct {
	AtMicros     int64  `json:"at_us"`
	Kind         string `json:"kind"`
	Phase        string `json:"phase,omitempty"`
	Direction    string `json:"direction,omitempty"`
	OffsetMicros int64  `json:"offset_us,omitempty"`
	Quality      int    `json:"quality,omitempty"`
}

// NewEvent stamps an event at the given monotonic time.
func NewEvent(at time.Duration, kind string) Event {
	return Event{AtMicros: at.Microseconds(), Kind: kind}
}

// Recorder is a bounded event ring. Safe for concurrent use; Record never
// blocks on the writer beyond the synchronous flush at rotation.
type Recorder struct {
	mu      sync.Mutex
	ring    []Event
	start   int
	size    int
	w       io.Writer
	dropped uint64
}

// NewRecorder builds a recorder. w may be nil; events then rotate in place.
func NewRecorder(capacity int, w io.Writer) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{ring: make([]Event, capacity), w: w}
}

// Record appends one event. A full ring either flushes to the writer or
// overwrites the oldest event.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size == len(r.ring) {
		if r.w != nil {
			if err := r.flushLocked(); err != nil {
				// The analysis stream is best-effort; timing never stalls
				// for it.
				r.dropped += uint64(r.size)
				r.start = 0
				r.size = 0
			}
		} else {
			r.start = (r.start + 1) % len(r.ring)
			r.size--
		}
	}
	r.ring[(r.start+r.size)%len(r.ring)] = ev
	r.size++
}

// Flush writes all buffered events as one compressed block.
func (r *Recorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w == nil || r.size == 0 {
		return nil
	}
	return r.flushLocked()
}

// flushLocked encodes the buffered events in order as JSON lines, compresses
// the block, writes it, and clears the ring. Caller holds the lock.
func (r *Recorder) flushLocked() error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := 0; i < r.size; i++ {
		if err := enc.Encode(r.ring[(r.start+i)%len(r.ring)]); err != nil {
			return fmt.Errorf("failed to encode telemetry event: %w", err)
		}
	}
	block := snappy.Encode(nil, buf.Bytes())
	if _, err := r.w.Write(block); err != nil {
		return fmt.Errorf("failed to write telemetry block: %w", err)
	}
	r.start = 0
	r.size = 0
	return nil
}

// Len returns the number of buffered events.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped returns the count of events lost to writer failures.
func (r *Recorder) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// DecodeBlock decompresses one flushed block back into events, the inverse
// used by the offline tooling and the tests.
func DecodeBlock(block []byte) ([]Event, error) {
	raw, err := snappy.Decode(nil, block)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress telemetry block: %w", err)
	}
	var events []Event
	dec := json.NewDecoder(bytes.NewReader(raw))
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("malformed telemetry block: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}
