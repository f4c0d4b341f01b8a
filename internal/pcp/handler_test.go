package pcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nearbycore/connections/internal/crypto"
	"github.com/nearbycore/connections/internal/endpoint"
	"github.com/nearbycore/connections/internal/medium"
	"github.com/nearbycore/connections/internal/medium/loopback"
	"github.com/nearbycore/connections/internal/payload"
)

type recordingConnListener struct {
	NoopConnectionListener
	initiated    chan string
	accepted     chan string
	rejected     chan string
	disconnected chan string
}

func newRecordingConnListener() *recordingConnListener {
	return &recordingConnListener{
		initiated:    make(chan string, 4),
		accepted:     make(chan string, 4),
		rejected:     make(chan string, 4),
		disconnected: make(chan string, 4),
	}
}

func (l *recordingConnListener) Initiated(endpointID, authToken string, isOutgoing bool) {
	l.initiated <- endpointID
}
func (l *recordingConnListener) Accepted(endpointID string) { l.accepted <- endpointID }
func (l *recordingConnListener) Rejected(endpointID string, status Status) {
	l.rejected <- endpointID
}
func (l *recordingConnListener) Disconnected(endpointID string) { l.disconnected <- endpointID }

func newTestHandler(t *testing.T, localID string, m medium.Medium) (*Handler, *endpoint.Manager, *payload.Engine) {
	t.Helper()
	mgr := endpoint.NewManager()
	eng := payload.NewEngine(mgr, 4, t.TempDir())
	identity, err := crypto.NewIdentity()
	require.NoError(t, err)
	h := NewHandler(localID, mgr, identity,
		map[medium.Tag]medium.Medium{m.Tag(): m},
		[]medium.Tag{m.Tag()},
		nil, nil,
		2*time.Second, time.Second, 5*time.Second, eng)
	return h, mgr, eng
}

func recvString(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		return ""
	}
}

// TestRequestConnectionAcceptFlow exercises the full advertise/discover-free
// path: an explicit RequestConnection against an advertising peer, both
// sides accepting, and both observing Accepted exactly once.
func TestRequestConnectionAcceptFlow(t *testing.T) {
	net := loopback.NewNetwork()
	ma, mb := loopback.New(net), loopback.New(net)

	hA, _, _ := newTestHandler(t, "aaaa", ma)
	hB, _, _ := newTestHandler(t, "bbbb", mb)
	defer hA.Stop()
	defer hB.Stop()

	listenerA := newRecordingConnListener()
	listenerB := newRecordingConnListener()

	require.Equal(t, StatusSuccess, hB.StartAdvertising("svc", []byte("bob-info"), listenerB))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := ConnectionOptions{AllowedMediums: []uint8{uint8(mb.Tag())}, KeepAliveIntervalMs: 1000, KeepAliveTimeoutMs: 5000}
	require.Equal(t, StatusSuccess, hA.RequestConnection(ctx, "bbbb", []byte("alice-info"), opts, listenerA))

	require.Equal(t, "bbbb", recvString(t, listenerA.initiated))
	remoteOnB := recvString(t, listenerB.initiated)

	require.Equal(t, StatusSuccess, hB.AcceptConnection(remoteOnB, nil))
	require.Equal(t, StatusSuccess, hA.AcceptConnection("bbbb", nil))

	require.Equal(t, "bbbb", recvString(t, listenerA.accepted))
	require.Equal(t, remoteOnB, recvString(t, listenerB.accepted))
}

// TestRejectConnectionNotifiesBothSides ensures a local reject on the
// acceptor side surfaces as Rejected to the dialer too.
func TestRejectConnectionNotifiesBothSides(t *testing.T) {
	net := loopback.NewNetwork()
	ma, mb := loopback.New(net), loopback.New(net)

	hA, _, _ := newTestHandler(t, "aaaa", ma)
	hB, _, _ := newTestHandler(t, "bbbb", mb)
	defer hA.Stop()
	defer hB.Stop()

	listenerA := newRecordingConnListener()
	listenerB := newRecordingConnListener()

	require.Equal(t, StatusSuccess, hB.StartAdvertising("svc", []byte("bob-info"), listenerB))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := ConnectionOptions{AllowedMediums: []uint8{uint8(mb.Tag())}, KeepAliveIntervalMs: 1000, KeepAliveTimeoutMs: 5000}
	require.Equal(t, StatusSuccess, hA.RequestConnection(ctx, "bbbb", []byte("alice-info"), opts, listenerA))

	recvString(t, listenerA.initiated)
	remoteOnB := recvString(t, listenerB.initiated)

	require.Equal(t, StatusSuccess, hB.RejectConnection(remoteOnB))

	require.Equal(t, remoteOnB, recvString(t, listenerB.rejected))
	require.Equal(t, "bbbb", recvString(t, listenerA.rejected))

	// Rejection is terminal: accepting afterwards is an ordering error on
	// both sides.
	require.Equal(t, StatusOutOfOrderApiCall, hB.AcceptConnection(remoteOnB, nil))
	require.Equal(t, StatusOutOfOrderApiCall, hA.AcceptConnection("bbbb", nil))
}

// TestAcceptConnectionOutOfOrderRejected checks that AcceptConnection on an
// endpoint id with no pending negotiation reports OutOfOrderApiCall
// instead of panicking.
func TestAcceptConnectionOutOfOrderRejected(t *testing.T) {
	net := loopback.NewNetwork()
	ma := loopback.New(net)
	h, _, _ := newTestHandler(t, "aaaa", ma)
	defer h.Stop()

	require.Equal(t, StatusOutOfOrderApiCall, h.AcceptConnection("zzzz", nil))
}

// TestRequestConnectionToUnknownEndpointFails checks the no-advertiser case
// surfaces a medium-class error rather than hanging.
func TestRequestConnectionToUnknownEndpointFails(t *testing.T) {
	net := loopback.NewNetwork()
	ma := loopback.New(net)
	h, _, _ := newTestHandler(t, "aaaa", ma)
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opts := ConnectionOptions{AllowedMediums: []uint8{uint8(ma.Tag())}}
	status := h.RequestConnection(ctx, "zzzz", nil, opts, nil)
	require.NotEqual(t, StatusSuccess, status)
}

type recordingDiscoveryListener struct {
	NoopDiscoveryListener
	found chan string
	lost  chan string
}

func newRecordingDiscoveryListener() *recordingDiscoveryListener {
	return &recordingDiscoveryListener{found: make(chan string, 4), lost: make(chan string, 4)}
}

func (l *recordingDiscoveryListener) EndpointFound(endpointID string, endpointInfo []byte, serviceID string) {
	l.found <- endpointID
}
func (l *recordingDiscoveryListener) EndpointLost(endpointID string) { l.lost <- endpointID }

// TestEndpointLostOnlyAfterEveryMediumLosesIt covers the dedup rule in
// discoverySet.Remove: an endpoint seen on two mediums only surfaces
// EndpointLost once the last of those mediums stops reporting it.
func TestEndpointLostOnlyAfterEveryMediumLosesIt(t *testing.T) {
	netBLE := loopback.NewNetwork()
	netWifi := loopback.NewNetwork()
	scanBLE := loopback.NewTagged(netBLE, medium.TagBLE)
	scanWifi := loopback.NewTagged(netWifi, medium.TagWifiLAN)

	h, _, _ := newTestHandler(t, "aaaa", scanBLE)
	h.mediums[medium.TagWifiLAN] = scanWifi
	h.priority = append(h.priority, medium.TagWifiLAN)
	defer h.Stop()

	listener := newRecordingDiscoveryListener()
	require.Equal(t, StatusSuccess, h.StartDiscovery("svc", listener))

	advBLE := loopback.NewTagged(netBLE, medium.TagBLE)
	advWifi := loopback.NewTagged(netWifi, medium.TagWifiLAN)

	ctxBLE, cancelBLE := context.WithCancel(context.Background())
	ctxWifi, cancelWifi := context.WithCancel(context.Background())
	defer cancelBLE()
	defer cancelWifi()

	require.NoError(t, advBLE.Advertise(ctxBLE, "svc", "bbbb", []byte("bob-info")))
	require.Equal(t, "bbbb", recvString(t, listener.found))

	require.NoError(t, advWifi.Advertise(ctxWifi, "svc", "bbbb", []byte("bob-info")))

	// Wait until the Wi-Fi sighting is tracked next to the BLE one before
	// dropping BLE.
	require.Eventually(t, func() bool {
		var n int
		h.exec(func(st *state) { n = len(st.discovered.byEndpoint["bbbb"]) })
		return n == 2
	}, 2*time.Second, 10*time.Millisecond)

	// Losing the first medium must not emit EndpointLost: the endpoint is
	// still tracked on the other one.
	cancelBLE()
	select {
	case id := <-listener.lost:
		t.Fatalf("unexpected EndpointLost for %s after losing only one medium", id)
	case <-time.After(300 * time.Millisecond):
	}

	cancelWifi()
	require.Equal(t, "bbbb", recvString(t, listener.lost))
}

// TestRejectAfterLocalAcceptIsOutOfOrder: acceptance is not reversible, so
// rejecting a connection this side already accepted is an ordering error.
func TestRejectAfterLocalAcceptIsOutOfOrder(t *testing.T) {
	net := loopback.NewNetwork()
	ma, mb := loopback.New(net), loopback.New(net)

	hA, _, _ := newTestHandler(t, "aaaa", ma)
	hB, _, _ := newTestHandler(t, "bbbb", mb)
	defer hA.Stop()
	defer hB.Stop()

	listenerA := newRecordingConnListener()
	listenerB := newRecordingConnListener()

	require.Equal(t, StatusSuccess, hB.StartAdvertising("svc", []byte("bob-info"), listenerB))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := ConnectionOptions{AllowedMediums: []uint8{uint8(mb.Tag())}, KeepAliveIntervalMs: 1000, KeepAliveTimeoutMs: 5000}
	require.Equal(t, StatusSuccess, hA.RequestConnection(ctx, "bbbb", []byte("alice-info"), opts, listenerA))

	recvString(t, listenerA.initiated)
	remoteOnB := recvString(t, listenerB.initiated)

	require.Equal(t, StatusSuccess, hB.AcceptConnection(remoteOnB, nil))
	require.Equal(t, StatusOutOfOrderApiCall, hB.RejectConnection(remoteOnB))
}

// TestSimultaneousDialSmallerIdDefersToInbound covers one half of the
// simultaneous-RequestConnection tie-break: the side with the smaller
// endpoint id cancels its own outstanding dial and keeps the inbound
// connection, on which it already played the UKEY2 responder ("server").
func TestSimultaneousDialSmallerIdDefersToInbound(t *testing.T) {
	net := loopback.NewNetwork()
	ma, mb := loopback.New(net), loopback.New(net)

	hA, _, _ := newTestHandler(t, "aaaa", ma)
	hB, _, _ := newTestHandler(t, "bbbb", mb)
	defer hA.Stop()
	defer hB.Stop()

	listenerA := newRecordingConnListener()
	listenerB := newRecordingConnListener()
	require.Equal(t, StatusSuccess, hA.StartAdvertising("svc", []byte("a-info"), listenerA))

	// Seed aaaa with an outgoing attempt to bbbb, as if its own dial were
	// still in flight when bbbb's connection request arrives.
	pcOut := newPendingConnection("bbbb", true)
	hA.exec(func(s *state) { s.pending["bbbb"] = pcOut })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := ConnectionOptions{AllowedMediums: []uint8{uint8(mb.Tag())}, KeepAliveIntervalMs: 1000, KeepAliveTimeoutMs: 5000}
	require.Equal(t, StatusSuccess, hB.RequestConnection(ctx, "aaaa", []byte("b-info"), opts, listenerB))
	require.Equal(t, "aaaa", recvString(t, listenerB.initiated))

	// aaaa < bbbb: the inbound connection wins and the seeded dial is
	// canceled.
	require.Equal(t, "bbbb", recvString(t, listenerA.initiated))
	require.True(t, pcOut.Canceled())
}

// TestSimultaneousDialLargerIdKeepsItsDial covers the other half: the side
// with the larger endpoint id drops the inbound connection and keeps its
// own dial, on which it plays the UKEY2 initiator.
func TestSimultaneousDialLargerIdKeepsItsDial(t *testing.T) {
	net := loopback.NewNetwork()
	mz, mb := loopback.New(net), loopback.New(net)

	hZ, _, _ := newTestHandler(t, "zzzz", mz)
	hB, _, _ := newTestHandler(t, "bbbb", mb)
	defer hZ.Stop()
	defer hB.Stop()

	listenerZ := newRecordingConnListener()
	listenerB := newRecordingConnListener()
	require.Equal(t, StatusSuccess, hZ.StartAdvertising("svc", []byte("z-info"), listenerZ))

	pcOut := newPendingConnection("bbbb", true)
	hZ.exec(func(s *state) { s.pending["bbbb"] = pcOut })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	opts := ConnectionOptions{AllowedMediums: []uint8{uint8(mb.Tag())}, KeepAliveIntervalMs: 1000, KeepAliveTimeoutMs: 5000}
	require.Equal(t, StatusSuccess, hB.RequestConnection(ctx, "zzzz", []byte("b-info"), opts, listenerB))

	// zzzz > bbbb: the inbound connection is dropped in favor of the
	// outstanding dial, which stays live and uncanceled.
	select {
	case id := <-listenerZ.initiated:
		t.Fatalf("unexpected Initiated for %s on the larger-id side", id)
	case <-time.After(300 * time.Millisecond):
	}
	require.False(t, pcOut.Canceled())
}
