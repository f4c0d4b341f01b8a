package pcp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/medium/loopback"
)

// badHandshakeMedium dials successfully but the "remote" answers the UKEY2
// client init with bytes that are not a valid server init.
type badHandshakeMedium struct{}

func (badHandshakeMedium) Tag() medium.Tag { return medium.TagBluetoothClassic }

func (badHandshakeMedium) Advertise(ctx context.Context, serviceID, endpointID string, endpointInfo []byte) error {
	return nil
}

func (badHandshakeMedium) Accept(ctx context.Context) (medium.RawChannel, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (badHandshakeMedium) Scan(ctx context.Context, serviceID string, found chan<- medium.DiscoveredPeer) error {
	return nil
}

func (badHandshakeMedium) Connect(ctx context.Context, endpointID string, oobMetadata []byte) (medium.RawChannel, error) {
	a, b := net.Pipe()
	go func() {
		defer b.Close()
		var lenBuf [4]byte
		if _, err := io.ReadFull(b, lenBuf[:]); err != nil {
			return
		}
		n := int(lenBuf[0])<<24 | int(lenBuf[1])<<16 | int(lenBuf[2])<<8 | int(lenBuf[3])
		if _, err := io.CopyN(io.Discard, b, int64(n)); err != nil {
			return
		}
		b.Write([]byte{0, 0, 0, 3, 0xFF, 0xFF, 0xFF})
	}()
	return a, nil
}

// A peer that answers the handshake with garbage surfaces as
// ConnectionRejected from RequestConnection, with no Accepted callback and
// the attempt cleaned out of the pending table.
func TestRequestConnectionMalformedHandshakeRejected(t *testing.T) {
	h, _, _ := newTestHandler(t, "aaaa", badHandshakeMedium{})
	defer h.Stop()

	listener := newRecordingConnListener()
	require.Equal(t, StatusSuccess, h.StartAdvertising("svc", []byte("a-info"), listener))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := ConnectionOptions{AllowedMediums: []uint8{uint8(medium.TagBluetoothClassic)}}
	status := h.RequestConnection(ctx, "bbbb", []byte("a-info"), opts, listener)
	require.Equal(t, StatusConnectionRejected, status)

	require.Equal(t, "bbbb", recvString(t, listener.rejected))
	select {
	case id := <-listener.accepted:
		t.Fatalf("unexpected Accepted callback for %s", id)
	case <-time.After(200 * time.Millisecond):
	}

	// The failed attempt left no pending state behind.
	require.Equal(t, StatusOutOfOrderApiCall, h.AcceptConnection("bbbb", nil))
}

// InjectEndpoint installs a synthetic sighting that fires EndpointFound
// synchronously and is used as the primary medium for the following
// RequestConnection.
func TestInjectEndpointThenConnect(t *testing.T) {
	lpNet := loopback.NewNetwork()
	ma, mb := loopback.New(lpNet), loopback.New(lpNet)

	hA, _, _ := newTestHandler(t, "aaaa", ma)
	hB, _, _ := newTestHandler(t, "bbbb", mb)
	defer hA.Stop()
	defer hB.Stop()

	listenerB := newRecordingConnListener()
	require.Equal(t, StatusSuccess, hB.StartAdvertising("svc", []byte("b-info"), listenerB))

	// Discover on a different service id so nothing is found organically;
	// the sighting below comes only from the out-of-band injection.
	discListener := newRecordingDiscoveryListener()
	require.Equal(t, StatusSuccess, hA.StartDiscovery("other-svc", discListener))

	require.Equal(t, StatusSuccess,
		hA.InjectEndpoint("svc", "bbbb", []byte("b-info"), ma.Tag(), []byte{0x12, 0x34, 0x56, 0x78, 0x9A, 0xBC}))
	require.Equal(t, "bbbb", recvString(t, discListener.found))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	listenerA := newRecordingConnListener()
	require.Equal(t, StatusSuccess, hA.StartAdvertising("svc2", []byte("a-info"), listenerA))

	opts := ConnectionOptions{AllowedMediums: []uint8{uint8(ma.Tag())}}
	require.Equal(t, StatusSuccess, hA.RequestConnection(ctx, "bbbb", []byte("a-info"), opts, listenerA))
	require.Equal(t, "bbbb", recvString(t, listenerA.initiated))
}
