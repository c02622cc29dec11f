package telemetry

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlushRoundTrip(t *testing.T) {
	var out bytes.Buffer
	r := NewRecorder(16, &out)

	for i := 0; i < 3; i++ {
		ev := NewEvent(time.Duration(i)*time.Second, "transition")
		ev.Phase = "synchronized"
		ev.OffsetMicros = int64(100 * i)
		ev.Quality = 90
		r.Record(ev)
	}
	require.NoError(t, r.Flush())
	assert.Zero(t, r.Len())

	events, err := DecodeBlock(out.Bytes())
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "transition", events[0].Kind)
	assert.Equal(t, int64(200), events[2].OffsetMicros)
	assert.Equal(t, int64(2_000_000), events[2].AtMicros)
}

func TestRotationFlushesAutomatically(t *testing.T) {
	var out bytes.Buffer
	r := NewRecorder(4, &out)

	for i := 0; i < 5; i++ {
		r.Record(NewEvent(time.Duration(i), "sample"))
	}
	// The 5th record forced a flush of the first 4.
	assert.Equal(t, 1, r.Len())
	events, err := DecodeBlock(out.Bytes())
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestNilWriterOverwritesOldest(t *testing.T) {
	r := NewRecorder(4, nil)
	for i := 0; i < 10; i++ {
		r.Record(NewEvent(time.Duration(i)*time.Millisecond, "sample"))
	}
	assert.Equal(t, 4, r.Len(), "memory stays bounded")
	assert.NoError(t, r.Flush())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestWriterFailureDropsWithoutBlocking(t *testing.T) {
	r := NewRecorder(4, failingWriter{})
	for i := 0; i < 9; i++ {
		r.Record(NewEvent(time.Duration(i), "sample"))
	}
	assert.Equal(t, uint64(8), r.Dropped())
	assert.Equal(t, 1, r.Len())
}

func TestDecodeBlockRejectsGarbage(t *testing.T) {
	_, err := DecodeBlock([]byte("not snappy"))
	assert.Error(t, err)
}
