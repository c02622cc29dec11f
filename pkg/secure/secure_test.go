package secure

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
)

var (
	unitA = identity.Unit{Addr: [6]byte{0xaa, 0x01, 0x02, 0x03, 0x04, 0x05}}
	unitB = identity.Unit{Addr: [6]byte{0xbb, 0x01, 0x02, 0x03, 0x04, 0x05}}
)

func TestDeriveIsSymmetric(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	// Each side passes identities in its own self/peer order; the derived key
	// must not depend on it.
	sideA, err := Derive(nonce, unitA, unitB)
	require.NoError(t, err)
	sideB, err := Derive(nonce, unitB, unitA)
	require.NoError(t, err)

	keyA, err := sideA.Bytes()
	require.NoError(t, err)
	keyB, err := sideB.Bytes()
	require.NoError(t, err)
	assert.Equal(t, keyA, keyB)
}

func TestDeriveDependsOnNonce(t *testing.T) {
	n1, err := GenerateNonce()
	require.NoError(t, err)
	n2, err := GenerateNonce()
	require.NoError(t, err)

	s1, err := Derive(n1, unitA, unitB)
	require.NoError(t, err)
	s2, err := Derive(n2, unitA, unitB)
	require.NoError(t, err)

	k1, _ := s1.Bytes()
	k2, _ := s2.Bytes()
	assert.NotEqual(t, k1, k2)
}

func TestDeriveRejectsBadNonce(t *testing.T) {
	_, err := Derive([]byte{1, 2, 3}, unitA, unitB)
	assert.ErrorIs(t, err, ErrInvalidNonce)
}

func TestDestroyZeroizes(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	s, err := Derive(nonce, unitA, unitB)
	require.NoError(t, err)

	s.Destroy()
	_, err = s.Bytes()
	assert.ErrorIs(t, err, ErrKeyDestroyed)
	assert.Equal(t, [KeySize]byte{}, s.key)
}

func TestSealerRoundTrip(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	secret, err := Derive(nonce, unitA, unitB)
	require.NoError(t, err)

	sealer, err := NewSealer(secret)
	require.NoError(t, err)

	frame := []byte("timing beacon payload")
	sealed, err := sealer.Seal(frame)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "timing beacon")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, frame, opened)
}

func TestSealerRejectsTamperedFrame(t *testing.T) {
	nonce, err := GenerateNonce()
	require.NoError(t, err)
	secret, err := Derive(nonce, unitA, unitB)
	require.NoError(t, err)
	sealer, err := NewSealer(secret)
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("frame"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = sealer.Open(sealed)
	assert.ErrorIs(t, err, ErrAuthFailed)
}

func TestSealerRejectsWrongKey(t *testing.T) {
	n1, _ := GenerateNonce()
	n2, _ := GenerateNonce()
	s1, err := Derive(n1, unitA, unitB)
	require.NoError(t, err)
	s2, err := Derive(n2, unitA, unitB)
	require.NoError(t, err)

	sealerA, err := NewSealer(s1)
	require.NoError(t, err)
	sealerB, err := NewSealer(s2)
	require.NoError(t, err)

	sealed, err := sealerA.Seal([]byte("frame"))
	require.NoError(t, err)
	_, err = sealerB.Open(sealed)
	assert.ErrorIs(t, err, ErrAuthFailed)

	_, err = sealerB.Open([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrFrameTooShort)
}
