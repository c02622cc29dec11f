package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemonforest/mlehaptics-sub009/pkg/identity"
	"github.com/lemonforest/mlehaptics-sub009/pkg/secure"
)

var (
	leftUnit  = identity.Unit{Addr: [6]byte{0xaa, 1, 2, 3, 4, 5}, Battery: 0.80}
	rightUnit = identity.Unit{Addr: [6]byte{0xbb, 1, 2, 3, 4, 5}, Battery: 0.75}
)

func TestMemBootstrapDiscoveryMatch(t *testing.T) {
	left, right := NewMemBootstrapPair(leftUnit, rightUnit)
	defer left.Close()
	defer right.Close()

	leftAds, err := left.StartDiscovery("haptics-pair")
	require.NoError(t, err)
	rightAds, err := right.StartDiscovery("haptics-pair")
	require.NoError(t, err)

	select {
	case ad := <-leftAds:
		assert.Equal(t, rightUnit, ad.Unit)
	case <-time.After(time.Second):
		t.Fatal("left never saw right's advertisement")
	}
	select {
	case ad := <-rightAds:
		assert.Equal(t, leftUnit, ad.Unit)
	case <-time.After(time.Second):
		t.Fatal("right never saw left's advertisement")
	}
}

func TestMemBootstrapServiceMismatchNoMatch(t *testing.T) {
	left, right := NewMemBootstrapPair(leftUnit, rightUnit)
	leftAds, err := left.StartDiscovery("service-a")
	require.NoError(t, err)
	_, err = right.StartDiscovery("service-b")
	require.NoError(t, err)

	select {
	case ad := <-leftAds:
		t.Fatalf("unexpected advertisement: %+v", ad)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBootstrapConnectDeliversEventsBothSides(t *testing.T) {
	left, right := NewMemBootstrapPair(leftUnit, rightUnit)

	require.NoError(t, left.Connect(rightUnit, time.Second))

	ev := <-left.Events()
	assert.Equal(t, ConnEstablished, ev.Type)
	assert.True(t, ev.Initiator)
	assert.Equal(t, rightUnit, ev.Peer)

	ev = <-right.Events()
	assert.Equal(t, ConnEstablished, ev.Type)
	assert.False(t, ev.Initiator)
	assert.Equal(t, leftUnit, ev.Peer)
}

func TestMemBootstrapSimultaneousConnectRace(t *testing.T) {
	left, right := NewMemBootstrapPair(leftUnit, rightUnit)

	require.NoError(t, left.Connect(rightUnit, time.Second))
	err := right.Connect(leftUnit, time.Second)
	assert.ErrorIs(t, err, ErrConnectionExists)

	// The loser still gets its inbound event: exactly one connection results.
	ev := <-right.Events()
	assert.Equal(t, ConnEstablished, ev.Type)
	assert.False(t, ev.Initiator)
}

func TestMemBootstrapSendRecv(t *testing.T) {
	left, right := NewMemBootstrapPair(leftUnit, rightUnit)

	err := left.Send([]byte("hello"))
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, left.Connect(rightUnit, time.Second))
	require.NoError(t, left.Send([]byte("hello")))

	payload, err := right.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	_, err = right.Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestMemBootstrapDisconnectNotifiesBothSides(t *testing.T) {
	left, right := NewMemBootstrapPair(leftUnit, rightUnit)
	require.NoError(t, left.Connect(rightUnit, time.Second))
	<-left.Events()
	<-right.Events()

	require.NoError(t, left.Disconnect())
	assert.Equal(t, ConnLost, (<-left.Events()).Type)
	assert.Equal(t, ConnLost, (<-right.Events()).Type)
}

func keyedOperationalPair(t *testing.T) (*MemOperational, *MemOperational) {
	t.Helper()
	nonce, err := secure.GenerateNonce()
	require.NoError(t, err)
	secretA, err := secure.Derive(nonce, leftUnit, rightUnit)
	require.NoError(t, err)
	secretB, err := secure.Derive(nonce, rightUnit, leftUnit)
	require.NoError(t, err)

	a, b := NewMemOperationalPair()
	require.NoError(t, a.InstallKey(secretA))
	require.NoError(t, b.InstallKey(secretB))
	return a, b
}

func TestMemOperationalRequiresKey(t *testing.T) {
	a, _ := NewMemOperationalPair()
	assert.ErrorIs(t, a.Broadcast([]byte("x")), ErrNoKey)
	_, err := a.Recv(10 * time.Millisecond)
	assert.ErrorIs(t, err, ErrNoKey)
}

func TestMemOperationalSealedRoundTrip(t *testing.T) {
	a, b := keyedOperationalPair(t)

	frame := EncodeBeaconFrame(TimingBeacon{Seq: 7, BurstSize: 4, SentAt: time.Second})
	require.NoError(t, a.Broadcast(frame))

	got, err := b.Recv(time.Second)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.Zero(t, b.DroppedFrames())
}

func TestMemOperationalDropsUnauthenticatedFrames(t *testing.T) {
	a, b := keyedOperationalPair(t)

	// A frame sealed under a different session key must be counted and
	// dropped without surfacing to the receiver.
	nonce, err := secure.GenerateNonce()
	require.NoError(t, err)
	strangerSecret, err := secure.Derive(nonce, leftUnit, rightUnit)
	require.NoError(t, err)
	require.NoError(t, a.InstallKey(strangerSecret))

	require.NoError(t, a.Unicast([]byte("forged")))
	_, err = b.Recv(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), b.DroppedFrames())
}

func TestMemOperationalPartitionLosesFrames(t *testing.T) {
	a, b := keyedOperationalPair(t)
	b.SetPartitioned(true)

	require.NoError(t, a.Broadcast(EncodeBeaconFrame(TimingBeacon{Seq: 1})))
	_, err := b.Recv(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	b.SetPartitioned(false)
	require.NoError(t, a.Broadcast(EncodeBeaconFrame(TimingBeacon{Seq: 2})))
	frame, err := b.Recv(time.Second)
	require.NoError(t, err)
	decoded, err := DecodeFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), decoded.(*TimingBeacon).Seq)
}
