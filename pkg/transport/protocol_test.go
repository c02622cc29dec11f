package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBeaconFrameRoundTrip(t *testing.T) {
	beacon := TimingBeacon{
		Seq:        42,
		BurstIndex: 2,
		BurstSize:  4,
		SentAt:     1234567890 * time.Microsecond,
	}

	decoded, err := DecodeFrame(EncodeBeaconFrame(beacon))
	require.NoError(t, err)

	got, ok := decoded.(*TimingBeacon)
	require.True(t, ok)
	assert.Equal(t, beacon, *got)
}

func TestBeaconFrameTruncatesBelowMicrosecond(t *testing.T) {
	beacon := TimingBeacon{Seq: 1, SentAt: 1500 * time.Nanosecond}
	decoded, err := DecodeFrame(EncodeBeaconFrame(beacon))
	require.NoError(t, err)
	assert.Equal(t, 1*time.Microsecond, decoded.(*TimingBeacon).SentAt)
}

func TestCoordFrameRoundTrip(t *testing.T) {
	msg, err := NewMessage(MsgModePropose, ModeChange{
		ProposalID:  "prop-1",
		CycleMillis: 1500,
		Intensity:   60,
		Pattern:     1,
		TargetEpoch: 99_000_000,
	})
	require.NoError(t, err)

	frame, err := EncodeCoordFrame(msg)
	require.NoError(t, err)

	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	got, ok := decoded.(*Message)
	require.True(t, ok)
	assert.Equal(t, MsgModePropose, got.Type)

	var change ModeChange
	require.NoError(t, got.Decode(&change))
	assert.Equal(t, "prop-1", change.ProposalID)
	assert.Equal(t, uint32(1500), change.CycleMillis)
	assert.Equal(t, int64(99_000_000), change.TargetEpoch)
}

func TestDecodeFrameRejectsMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":           {},
		"unknown kind":    {0x7f, 1, 2, 3},
		"short beacon":    {frameKindBeacon, 1, 2, 3},
		"long beacon":     append(EncodeBeaconFrame(TimingBeacon{}), 0xff),
		"coord not json":  {frameKindCoord, 'x'},
		"coord truncated": {frameKindCoord},
	}
	for name, frame := range cases {
		_, err := DecodeFrame(frame)
		assert.Error(t, err, name)
	}
}
