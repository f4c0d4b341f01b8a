package endpoint

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/wire"
)

func pipePair(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	chA := New("bbbb", medium.TagBLE, a)
	chB := New("aaaa", medium.TagBLE, b)
	t.Cleanup(func() {
		chA.Close()
		chB.Close()
	})
	return chA, chB
}

func keepAliveFrame() *wire.OfflineFrame {
	return &wire.OfflineFrame{Kind: wire.KindKeepAlive, KeepAlive: &wire.KeepAliveFrame{}}
}

func TestChannelPlaintextRoundtrip(t *testing.T) {
	chA, chB := pipePair(t)

	errCh := make(chan error, 1)
	go func() { errCh <- chA.WriteFrame(keepAliveFrame()) }()

	got, err := chB.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, wire.KindKeepAlive, got.Kind)
	require.NoError(t, <-errCh)
}

func testKeys(t *testing.T) (outA, inA crypto.SigncryptKeys) {
	t.Helper()
	var k1, k2 crypto.SigncryptKeys
	for i := range k1.EncKey {
		k1.EncKey[i] = byte(i)
		k1.HMACKey[i] = byte(i + 1)
		k2.EncKey[i] = byte(i + 2)
		k2.HMACKey[i] = byte(i + 3)
	}
	return k1, k2
}

func TestChannelEncryptedRoundtrip(t *testing.T) {
	chA, chB := pipePair(t)

	k1, k2 := testKeys(t)
	chA.EnableEncryption(k1, k2)
	chB.EnableEncryption(k2, k1)

	payload := &wire.OfflineFrame{
		Kind: wire.KindPayloadTransfer,
		PayloadTransfer: &wire.PayloadTransferFrame{
			Header: wire.PayloadHeader{ID: 9, Kind: wire.PayloadKindBytes, TotalSize: 5},
			Chunk:  &wire.PayloadChunk{Body: []byte("hello"), Last: true},
		},
	}

	for i := 0; i < 3; i++ {
		errCh := make(chan error, 1)
		go func() { errCh <- chA.WriteFrame(payload) }()

		got, err := chB.ReadFrame()
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), got.PayloadTransfer.Chunk.Body)
		require.NoError(t, <-errCh)
	}
}

func TestChannelEncryptedRejectsWrongKeys(t *testing.T) {
	chA, chB := pipePair(t)

	k1, k2 := testKeys(t)
	var wrong crypto.SigncryptKeys
	chA.EnableEncryption(k1, k2)
	chB.EnableEncryption(k2, wrong) // reads with the wrong inbound keys

	go chA.WriteFrame(keepAliveFrame())

	_, err := chB.ReadFrame()
	require.Error(t, err)
}

func TestChannelPauseBlocksWrites(t *testing.T) {
	chA, _ := pipePair(t)

	chA.Pause()
	require.ErrorIs(t, chA.WriteFrame(keepAliveFrame()), ErrPaused)
	chA.Resume()

	errCh := make(chan error, 1)
	go func() { errCh <- chA.WriteFrame(keepAliveFrame()) }()
	select {
	case err := <-errCh:
		t.Fatalf("write completed with no reader: %v", err)
	case <-time.After(50 * time.Millisecond):
		// Still blocked on the pipe, as a resumed channel should be.
	}
}

func TestChannelCloseIdempotent(t *testing.T) {
	a, _ := net.Pipe()
	ch := New("bbbb", medium.TagBLE, a)
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	require.ErrorIs(t, ch.WriteFrame(keepAliveFrame()), ErrChannelClosed)
	_, err := ch.ReadFrame()
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannelLastReadAtAdvances(t *testing.T) {
	chA, chB := pipePair(t)

	before := chB.LastReadAt()
	time.Sleep(10 * time.Millisecond)
	go chA.WriteFrame(keepAliveFrame())
	_, err := chB.ReadFrame()
	require.NoError(t, err)
	require.True(t, chB.LastReadAt().After(before))
}
