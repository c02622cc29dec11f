package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "colon separated", input: "aa:bb:cc:dd:ee:ff"},
		{name: "plain hex", input: "aabbccddeeff"},
		{name: "too short", input: "aa:bb:cc", wantErr: true},
		{name: "not hex", input: "zz:bb:cc:dd:ee:ff", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := ParseAddr(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, byte(0xaa), addr[0])
			assert.Equal(t, byte(0xff), addr[5])
		})
	}
}

func TestCompareIsDeterministic(t *testing.T) {
	a := Unit{Addr: [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}}
	b := Unit{Addr: [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x07}}

	assert.Equal(t, -1, Compare(a, b))
	assert.Equal(t, 1, Compare(b, a))
	assert.Equal(t, 0, Compare(a, a))
}

func TestScanStaggerIsPureAndBounded(t *testing.T) {
	u := Unit{Addr: [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}}

	first := ScanStagger(u)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ScanStagger(u), "stagger must be a pure function of identity")
	}
	assert.GreaterOrEqual(t, first.Nanoseconds(), int64(0))
	assert.Less(t, first, scanStaggerWindow)
}

func TestPreferServer(t *testing.T) {
	low := Unit{Addr: [6]byte{0x01}, Battery: 0.40}
	high := Unit{Addr: [6]byte{0x02}, Battery: 0.90}

	assert.True(t, PreferServer(high, low), "higher battery serves")
	assert.False(t, PreferServer(low, high))

	// Equal batteries: higher address serves, and both units agree.
	a := Unit{Addr: [6]byte{0x01}, Battery: 0.50}
	b := Unit{Addr: [6]byte{0x02}, Battery: 0.50}
	assert.True(t, PreferServer(b, a))
	assert.False(t, PreferServer(a, b))

	// Sub-epsilon battery difference falls back to the address tiebreak.
	c := Unit{Addr: [6]byte{0x03}, Battery: 0.501}
	assert.False(t, PreferServer(a, c))
	assert.True(t, PreferServer(c, a))
}
